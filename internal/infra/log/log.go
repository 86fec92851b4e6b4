package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"consolidated_book/internal/config"
)

type Logger = zerolog.Logger

// NewLogger builds the process logger and installs it as the zerolog global,
// so fatal paths outside run carry the same service field.
func NewLogger(cfg config.Config) Logger {
	var w io.Writer = os.Stderr
	if cfg.Logging.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	l := newLogger(cfg, w)
	log.Logger = l
	return l
}

func newLogger(cfg config.Config, w io.Writer) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Logging.Service != "" {
		ctx = ctx.Str("service", cfg.Logging.Service)
	}
	return ctx.Logger()
}
