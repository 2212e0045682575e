// Package log exports the logging primitives used by every component
// of the core engine. The shape of the package (a small Logger
// interface plus package-level Debug/Info/Error handles and a
// settable global Level) mirrors upspin.io/log; the backend is
// github.com/rs/zerolog instead of the bare standard library logger,
// since a long-running background service benefits from zerolog's
// structured, leveled, low-allocation output the way cuemby-warren
// uses it for its daemon.
package log

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the interface for logging messages. Components depend on
// this interface, not on zerolog directly, so that tests can swap in
// a buffering implementation.
type Logger interface {
	Printf(format string, v ...interface{})
	Print(v ...interface{})
	Println(v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
}

// Level represents the level of logging.
type Level int

// Levels of logging, matching the teacher's enumeration.
const (
	DebugLevel Level = iota
	InfoLevel
	ErrorLevel
	DisabledLevel
)

// The set of default loggers for each log level.
var (
	Debug = &logger{DebugLevel}
	Info  = &logger{InfoLevel}
	Error = &logger{ErrorLevel}
)

var (
	currentLevel  = InfoLevel
	zlog          = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
)

// SetLevel sets the logging level below which messages are discarded.
// The level string is one of "debug", "info", "error", "disabled".
func SetLevel(level string) {
	switch level {
	case "debug":
		currentLevel = DebugLevel
		zlog = zlog.Level(zerolog.DebugLevel)
	case "info":
		currentLevel = InfoLevel
		zlog = zlog.Level(zerolog.InfoLevel)
	case "error":
		currentLevel = ErrorLevel
		zlog = zlog.Level(zerolog.ErrorLevel)
	case "disabled":
		currentLevel = DisabledLevel
		zlog = zlog.Level(zerolog.Disabled)
	}
}

// GetLevel returns the current logging level.
func GetLevel() Level { return currentLevel }

// With returns a child logger carrying structured fields, for
// components that want to tag every line with e.g. a folder or
// session id without formatting it into the message text.
func With(fields map[string]interface{}) Logger {
	ctx := zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	l := ctx.Logger()
	return &structured{l}
}

type logger struct{ level Level }

func (l *logger) event() *zerolog.Event {
	switch l.level {
	case DebugLevel:
		return zlog.Debug()
	case ErrorLevel:
		return zlog.Error()
	default:
		return zlog.Info()
	}
}

func (l *logger) Printf(format string, v ...interface{}) {
	if l.level < currentLevel {
		return
	}
	l.event().Msgf(format, v...)
}

func (l *logger) Print(v ...interface{}) {
	if l.level < currentLevel {
		return
	}
	l.event().Msg(sprint(v...))
}

func (l *logger) Println(v ...interface{}) { l.Print(v...) }

func (l *logger) Fatal(v ...interface{}) {
	zlog.Fatal().Msg(sprint(v...))
}

func (l *logger) Fatalf(format string, v ...interface{}) {
	zlog.Fatal().Msgf(format, v...)
}

type structured struct{ l zerolog.Logger }

func (s *structured) Printf(format string, v ...interface{}) { s.l.Info().Msgf(format, v...) }
func (s *structured) Print(v ...interface{})                 { s.l.Info().Msg(sprint(v...)) }
func (s *structured) Println(v ...interface{})               { s.Print(v...) }
func (s *structured) Fatal(v ...interface{})                 { s.l.Fatal().Msg(sprint(v...)) }
func (s *structured) Fatalf(format string, v ...interface{}) { s.l.Fatal().Msgf(format, v...) }

func sprint(v ...interface{}) string {
	return fmt.Sprint(v...)
}
