package colors

import "fmt"

// enabled is flipped off by DisableColor or by the platform probe in EnableColor.
var enabled = true

func init() {
	EnableColor()
}

// DisableColor turns every ColorFunc into a plain formatter. The CLI calls this for --no-color and when logging to
// a non-terminal.
func DisableColor() {
	enabled = false
}

// Colorize wraps s in the ANSI code c, or formats it plainly if color output is disabled.
// Escape layout follows https://github.com/rs/zerolog/blob/4fff5db29c3403bc26dee9895e12a108aacc0203/console.go
func Colorize(s any, c Color) string {
	if !enabled {
		return fmt.Sprintf("%v", s)
	}
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}
