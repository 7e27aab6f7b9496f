package runtime

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/timegate/config"
)

// NewLogger returns a component logger tagged with prefix, e.g. "REPLAY".
func NewLogger(prefix string, cfg config.GeneralConfig) *log.Logger {
	return newLogger(os.Stderr, prefix, cfg)
}

func newLogger(w io.Writer, prefix string, cfg config.GeneralConfig) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
	})
	level := log.InfoLevel
	if parsed, err := log.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		level = parsed
	}
	if cfg.Debug {
		level = log.DebugLevel
	}
	l.SetLevel(level)
	return l
}
