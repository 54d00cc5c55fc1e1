// Package logging configures zerolog for maintflow processes.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// New builds a logger writing to w. format is "console" or "json".
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	l, err := build(w, format)
	if err != nil {
		return zerolog.Nop(), err
	}
	return l.Level(lvl), nil
}

// Setup installs a logger as the global log.Logger. The level is applied
// globally so that WatchLevel can change it later.
func Setup(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	l, err := build(w, format)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = l
	return l, nil
}

func build(w io.Writer, format string) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	switch format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).With().Timestamp().Logger(), nil
}

func ParseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}

// WatchLevel re-reads log_level whenever the config file changes and applies
// it through the global level. Other settings need a restart.
func WatchLevel(v *viper.Viper, logger zerolog.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		applyLevel(v.GetString("log_level"), logger)
	})
	v.WatchConfig()
}

func applyLevel(level string, logger zerolog.Logger) {
	lvl, err := ParseLevel(level)
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring log level from reloaded config")
		return
	}
	if lvl == zerolog.GlobalLevel() {
		return
	}
	zerolog.SetGlobalLevel(lvl)
	logger.Log().Str("log_level", lvl.String()).Msg("log level changed")
}
