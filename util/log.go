package util

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/netbirdio/otaclient/formatter"
)

// InitLog parses and sets log-level input. OTA_LOG_FORMAT=json switches to JSON output.
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	switch logPath {
	case "", "console":
		log.SetOutput(os.Stdout)
	default:
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	}

	switch os.Getenv(EnvPrefix + "LOG_FORMAT") {
	case "json":
		formatter.SetJSONFormatter(log.StandardLogger())
	default:
		formatter.SetTextFormatter(log.StandardLogger())
	}
	log.SetLevel(level)
	return nil
}
