package colors

import "fmt"

// ColorFunc colorizes any printable value. The logging package switches its color context when it encounters one of
// these in a log call's argument list.
type ColorFunc = func(s any) string

// Reset returns the value as a plain string and ends any color context started earlier in a log call.
func Reset(s any) string {
	return fmt.Sprintf("%v", s)
}

// bold wraps a colorized value in the bold code.
func bold(s any, c Color) string {
	return Colorize(Colorize(s, c), BOLD)
}

// Red colors the value red.
func Red(s any) string { return Colorize(s, RED) }

// RedBold colors the value bold red. Used for violations.
func RedBold(s any) string { return bold(s, RED) }

// Green colors the value green.
func Green(s any) string { return Colorize(s, GREEN) }

// GreenBold colors the value bold green.
func GreenBold(s any) string { return bold(s, GREEN) }

// Yellow colors the value yellow.
func Yellow(s any) string { return Colorize(s, YELLOW) }

// YellowBold colors the value bold yellow.
func YellowBold(s any) string { return bold(s, YELLOW) }

// Blue colors the value blue.
func Blue(s any) string { return Colorize(s, BLUE) }

// BlueBold colors the value bold blue.
func BlueBold(s any) string { return bold(s, BLUE) }

// Magenta colors the value magenta.
func Magenta(s any) string { return Colorize(s, MAGENTA) }

// CyanBold colors the value bold cyan.
func CyanBold(s any) string { return bold(s, CYAN) }

// Bold renders the value bold without changing its color.
func Bold(s any) string { return Colorize(s, BOLD) }

// DarkGray colors the value dark gray.
func DarkGray(s any) string { return Colorize(s, DARK_GRAY) }
