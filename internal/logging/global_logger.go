// Package logging wires logrus as the process-wide structured logger:
// level control, optional rotating file output, and the Gin middleware
// in gin_logger.go.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetLogLevel parses a level name (case-insensitive, with a couple of
// familiar aliases) and applies it to the global logrus logger. Unknown
// input falls back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// FileRotationConfig configures the rotating file sink.
type FileRotationConfig struct {
	// Path is the log file path. Empty disables file logging.
	Path string
	// MaxSizeMB is the size in megabytes before rotation.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int
	// MaxAgeDays is the number of days to retain rotated files.
	MaxAgeDays int
	// Compress gzips rotated files.
	Compress bool
}

// Init configures the global logrus logger: level, JSON-or-text
// formatter, the in-memory ring buffer hook (consumed by the admin
// stream), and an optional rotating file sink alongside stderr.
func Init(level string, jsonFormat bool, rotate FileRotationConfig) {
	SetLogLevel(level)

	if jsonFormat {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if strings.TrimSpace(rotate.Path) != "" {
		lj := &lumberjack.Logger{
			Filename:   rotate.Path,
			MaxSize:    fallbackInt(rotate.MaxSizeMB, 100),
			MaxBackups: rotate.MaxBackups,
			MaxAge:     rotate.MaxAgeDays,
			Compress:   rotate.Compress,
		}
		out = io.MultiWriter(os.Stderr, lj)
	}
	log.SetOutput(out)

	log.AddHook(GlobalBuffer)
}

func fallbackInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
