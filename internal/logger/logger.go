// Package logger provides a single process-wide structured logger plus
// component-scoped child loggers, so every package logs through the same
// sink with a consistent "component" field instead of constructing its own
// zerolog.Logger.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance. Initialize must run before any
// component logger is constructed from it.
var Log zerolog.Logger

// Initialize configures the global logger from a level string and a
// pretty/JSON output switch.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "driftlined").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Session returns the Session Manager's component logger.
func Session() *zerolog.Logger { return component("session") }

// Workspace returns the Workspace Manager's component logger.
func Workspace() *zerolog.Logger { return component("workspace") }

// Process returns the Process Manager's component logger.
func Process() *zerolog.Logger { return component("process") }

// Fetch returns the Repo Fetcher's component logger.
func Fetch() *zerolog.Logger { return component("fetch") }

// Proxy returns the Reverse Proxy's component logger.
func Proxy() *zerolog.Logger { return component("proxy") }

// Store returns the Record Store Gateway's component logger.
func Store() *zerolog.Logger { return component("store") }

// API returns the API Surface's component logger.
func API() *zerolog.Logger { return component("api") }

// Events returns the event-publishing component logger.
func Events() *zerolog.Logger { return component("events") }
