package cli

import (
	"io"
	"log/slog"

	"github.com/ubuntu/invoice-ingest/internal/common/constants"
)

// SetVerbosity sets the level of the default logger from the count of verbose flags.
// It behaves like slog.SetLogLoggerLevel.
func SetVerbosity(level int) {
	slog.SetLogLoggerLevel(Level(level))
}

// SetSlog sets the level and the format of the default logger.
//
// JSON logs are written to w, which should not be the stream carrying command output.
// Text logs keep going through the log package.
func SetSlog(w io.Writer, level int, jsonLogs bool) {
	if !jsonLogs {
		SetVerbosity(level)
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Level(level)})))
}

// Level maps a verbose flag count to a log level.
func Level(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return constants.DefaultLogLevel
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
