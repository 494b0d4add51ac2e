package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// GlobalLogger is disabled until the CLI configures it. Packages derive their own sub-loggers from it so that output can
// be filtered by the "module" key.
var GlobalLogger = NewLogger(zerolog.Disabled)

// Service names used as the "module" value of sub-loggers.
const (
	CLI_SERVICE      = "cli"
	FUZZING_SERVICE  = "fuzzing"
	LEDGER_SERVICE   = "ledger"
	POOL_SERVICE     = "pool"
	FAILURES_SERVICE = "failures"
	CORPUS_SERVICE   = "corpus"
)

// LogFormat selects how a writer receives log events.
type LogFormat string

const (
	// STRUCTURED emits one JSON object per event.
	STRUCTURED LogFormat = "structured"
	// UNSTRUCTURED emits human-readable lines.
	UNSTRUCTURED LogFormat = "unstructured"
)

// StructuredLogInfo is a set of key-value pairs attached to a log event under the "info" key.
type StructuredLogInfo map[string]any

// Logger fans log events out to three groups of writers: structured JSON, plain text and colored text. Each group is
// backed by its own zerolog.Logger so that formatting is done once per group rather than once per writer.
type Logger struct {
	level zerolog.Level

	// context holds the key-value pairs added through NewSubLogger, re-applied whenever the writer sets change.
	context map[string]string

	structuredLogger         zerolog.Logger
	structuredWriters        []io.Writer
	unstructuredLogger       zerolog.Logger
	unstructuredWriters      []io.Writer
	unstructuredColorLogger  zerolog.Logger
	unstructuredColorWriters []io.Writer
}

// NewLogger creates a Logger at the given level with no writers attached.
func NewLogger(level zerolog.Level) *Logger {
	l := &Logger{
		level:   level,
		context: make(map[string]string),
	}
	l.rebuild()
	return l
}

// NewSubLogger returns a copy of the logger that adds key=value to every event. The copy shares the parent's writers
// at the time of the call.
func (l *Logger) NewSubLogger(key string, value string) *Logger {
	sub := &Logger{
		level:                    l.level,
		context:                  make(map[string]string, len(l.context)+1),
		structuredWriters:        slices.Clone(l.structuredWriters),
		unstructuredWriters:      slices.Clone(l.unstructuredWriters),
		unstructuredColorWriters: slices.Clone(l.unstructuredColorWriters),
	}
	for k, v := range l.context {
		sub.context[k] = v
	}
	sub.context[key] = value
	sub.rebuild()
	return sub
}

// AddWriter attaches a writer in the given format. Adding the same writer twice to the same group is a no-op.
func (l *Logger) AddWriter(writer io.Writer, format LogFormat, colored bool) {
	group := l.writerGroup(format, colored)
	if slices.Contains(*group, writer) {
		return
	}
	*group = append(*group, writer)
	l.rebuild()
}

// RemoveWriter detaches a writer previously added with the same format and color setting.
func (l *Logger) RemoveWriter(writer io.Writer, format LogFormat, colored bool) {
	group := l.writerGroup(format, colored)
	idx := slices.Index(*group, writer)
	if idx < 0 {
		return
	}
	*group = slices.Delete(*group, idx, idx+1)
	l.rebuild()
}

// Level returns the minimum level that is emitted.
func (l *Logger) Level() zerolog.Level {
	return l.level
}

// SetLevel changes the minimum level for all writer groups.
func (l *Logger) SetLevel(level zerolog.Level) {
	l.level = level
	l.rebuild()
}

func (l *Logger) writerGroup(format LogFormat, colored bool) *[]io.Writer {
	if format == STRUCTURED {
		return &l.structuredWriters
	}
	if colored {
		return &l.unstructuredColorWriters
	}
	return &l.unstructuredWriters
}

// rebuild recreates the three zerolog loggers from the current writer lists.
func (l *Logger) rebuild() {
	build := func(writers []io.Writer, wrap func(io.Writer) io.Writer) zerolog.Logger {
		if len(writers) == 0 {
			return zerolog.Nop()
		}
		wrapped := make([]io.Writer, 0, len(writers))
		for _, w := range writers {
			wrapped = append(wrapped, wrap(w))
		}
		ctx := zerolog.New(zerolog.MultiLevelWriter(wrapped...)).Level(l.level).With().Timestamp()
		for k, v := range l.context {
			ctx = ctx.Str(k, v)
		}
		return ctx.Logger()
	}

	l.structuredLogger = build(l.structuredWriters, func(w io.Writer) io.Writer { return w })
	l.unstructuredLogger = build(l.unstructuredWriters, func(w io.Writer) io.Writer {
		return consoleFormatting(zerolog.ConsoleWriter{Out: w, NoColor: true}, l.level)
	})
	l.unstructuredColorLogger = build(l.unstructuredColorWriters, func(w io.Writer) io.Writer {
		return consoleFormatting(zerolog.ConsoleWriter{Out: w}, l.level)
	})
}

// Trace logs at trace level. Arguments are concatenated; a colors.ColorFunc changes the color of the arguments that
// follow it, an error is attached under "error" and a StructuredLogInfo under "info".
func (l *Logger) Trace(args ...any) {
	l.emit(zerolog.TraceLevel, args)
}

// Debug logs at debug level.
func (l *Logger) Debug(args ...any) {
	l.emit(zerolog.DebugLevel, args)
}

// Info logs at info level.
func (l *Logger) Info(args ...any) {
	l.emit(zerolog.InfoLevel, args)
}

// Warn logs at warn level.
func (l *Logger) Warn(args ...any) {
	l.emit(zerolog.WarnLevel, args)
}

// Error logs at error level.
func (l *Logger) Error(args ...any) {
	l.emit(zerolog.ErrorLevel, args)
}

// Panic logs at panic level on every writer and then panics with the plain message.
func (l *Logger) Panic(args ...any) {
	_, plainMsg, _, _ := buildMsgs(args...)
	l.emit(zerolog.PanicLevel, args)
	panic(plainMsg)
}

func (l *Logger) emit(level zerolog.Level, args []any) {
	coloredMsg, plainMsg, err, info := buildMsgs(args...)
	withStack := level == zerolog.PanicLevel || l.level <= zerolog.DebugLevel

	// Panic events are sent at error level so that zerolog does not panic before all groups have written.
	if level == zerolog.PanicLevel {
		level = zerolog.ErrorLevel
	}
	send := func(logger zerolog.Logger, msg string) {
		event := logger.WithLevel(level)
		if event == nil {
			return
		}
		if err != nil {
			event = event.Err(err)
			if withStack {
				event = event.Stack()
			}
		}
		if info != nil {
			event = event.Any("info", map[string]any(info))
		}
		event.Msg(msg)
	}
	send(l.structuredLogger, plainMsg)
	send(l.unstructuredLogger, plainMsg)
	send(l.unstructuredColorLogger, coloredMsg)
}

// buildMsgs splits a log call's arguments into a colored message, a plain message, an optional error and optional
// structured info. Only the last error and the last StructuredLogInfo are kept.
func buildMsgs(args ...any) (string, string, error, StructuredLogInfo) {
	colorCtx := colors.Reset
	var colored, plain strings.Builder
	var info StructuredLogInfo
	var err error

	for _, arg := range args {
		switch t := arg.(type) {
		case colors.ColorFunc:
			colorCtx = t
		case StructuredLogInfo:
			info = t
		case error:
			err = t
		default:
			colored.WriteString(colorCtx(t))
			plain.WriteString(fmt.Sprintf("%v", t))
		}
	}
	return colored.String(), plain.String(), err, info
}

// consoleFormatting drops timestamps and replaces level names with colored glyphs.
func consoleFormatting(writer zerolog.ConsoleWriter, level zerolog.Level) zerolog.ConsoleWriter {
	writer.FormatTimestamp = func(any) string { return "" }
	writer.FormatLevel = func(i any) string {
		name, _ := i.(string)
		parsed, err := zerolog.ParseLevel(name)
		if err != nil {
			return name
		}
		switch parsed {
		case zerolog.TraceLevel:
			return colors.CyanBold(zerolog.LevelTraceValue)
		case zerolog.DebugLevel:
			return colors.BlueBold(zerolog.LevelDebugValue)
		case zerolog.InfoLevel:
			return colors.GreenBold(colors.LEFT_ARROW)
		case zerolog.WarnLevel:
			return colors.YellowBold(zerolog.LevelWarnValue)
		default:
			return colors.RedBold(name)
		}
	}

	// Module names are only interesting while debugging.
	if level > zerolog.DebugLevel {
		writer.FieldsExclude = []string{"module"}
	}
	return writer
}
