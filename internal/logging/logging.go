package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls the global logger.
type Options struct {
	Level   string // debug|info|warn|error
	Format  string // console|json
	NoColor bool
	Out     io.Writer
}

// InitDefault sets up a console logger at info level, used before flags and
// config are parsed.
func InitDefault() {
	Init(Options{Level: "info", Format: "console"})
}

// Init configures the global zerolog logger. Unknown levels fall back to info.
func Init(opts Options) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    opts.NoColor,
			TimeFormat: time.Kitchen,
		}).With().Timestamp().Logger()
	}

	// log.Ctx(ctx) on a context without a request logger falls back to the global one.
	zerolog.DefaultContextLogger = &log.Logger
}
