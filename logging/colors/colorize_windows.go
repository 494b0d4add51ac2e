//go:build windows

package colors

import (
	"os"

	"golang.org/x/sys/windows"
)

// EnableColor asks the console whether virtual terminal processing is on and disables coloring when it is not.
func EnableColor() {
	var mode uint32
	handle := windows.Handle(os.Stdout.Fd())
	if err := windows.GetConsoleMode(handle, &mode); err != nil || mode&windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING == 0 {
		enabled = false
	}
}
