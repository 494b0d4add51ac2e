//go:build !windows

package colors

// EnableColor is a no-op outside Windows: ANSI escapes are assumed to work.
func EnableColor() {}
