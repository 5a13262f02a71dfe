package colorfulprint

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

const (
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorWhite  = "\033[37m"
	ColorReset  = "\033[0m"
)

// Config controls logger initialization.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console", or "auto"
}

var levelColors = map[string]string{
	"trace": ColorPurple,
	"debug": ColorBlue,
	"info":  ColorGreen,
	"warn":  ColorYellow,
	"error": ColorRed,
	"fatal": ColorRed,
	"panic": ColorRed,
}

// Init configures the global zerolog logger and returns it.
func Init(cfg Config) zerolog.Logger {
	return InitWriter(cfg, os.Stderr)
}

// InitWriter is Init with an explicit output.
func InitWriter(cfg Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	logger := zerolog.New(selectWriter(cfg.Format, out)).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string, out io.Writer) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return NewConsoleWriter(out)
	case "json":
		return out
	default:
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return NewConsoleWriter(out)
		}
		return out
	}
}

// NewConsoleWriter renders log lines for humans with the level column coloured.
func NewConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		FormatLevel: func(i interface{}) string {
			lvl, _ := i.(string)
			color, ok := levelColors[lvl]
			if !ok {
				color = ColorWhite
			}
			return color + strings.ToUpper(fmt.Sprintf("%-5s", lvl)) + ColorReset
		},
	}
}

// PrintError logs text with err and returns them joined as an error.
func PrintError(text string, err error) error {
	log.Error().Err(err).Msg(text)
	if err == nil {
		return fmt.Errorf("%s", text)
	}
	return fmt.Errorf("%s: %w", text, err)
}

// PrintState logs a progress message.
func PrintState(text string) {
	log.Info().Msg(text)
}
