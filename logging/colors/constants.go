package colors

// Color is an ANSI SGR code.
type Color int

// ANSI foreground codes, matching the palette zerolog's console writer uses.
const (
	RED Color = iota + 31
	GREEN
	YELLOW
	BLUE
	MAGENTA
	CYAN
	// BOLD renders the wrapped text in bold.
	BOLD Color = 1
	// DARK_GRAY is used for low-importance annotations such as block numbers.
	DARK_GRAY Color = 90
)

// Glyphs used by console output.
const (
	// LEFT_ARROW prefixes info-level console lines.
	LEFT_ARROW = "⇾"
	// CROSS marks a failed example in summaries.
	CROSS = "✘"
	// CHECK marks a passing campaign in summaries.
	CHECK = "✔"
)
