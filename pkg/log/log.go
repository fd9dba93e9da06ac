package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/capable-tools/capable/pkg/config"
)

// NewLogger returns a logger configured from cfg. Debug/trace levels log
// to a file under the system temp directory (there is no XDG config dir
// to write into here, unlike a GUI application with a persisted config);
// anything quieter discards to keep stdout clean for the policy JSON.
func NewLogger(cfg config.RunConfig) *logrus.Entry {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	log := logrus.New()
	log.SetLevel(level)
	log.Formatter = &logrus.JSONFormatter{}

	if level >= logrus.DebugLevel {
		log.SetOutput(openLogFile())
	} else {
		log.Out = io.Discard
	}

	return log.WithFields(logrus.Fields{
		"version": cfg.Version,
		"commit":  cfg.Commit,
		"date":    cfg.Date,
	})
}

func openLogFile() io.Writer {
	path := filepath.Join(os.TempDir(), "capable.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to log to %s: %v\n", path, err)
		return os.Stderr
	}
	return file
}
