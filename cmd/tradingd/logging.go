package main

import (
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kiteflow/optionsrt/internal/config"
)

// newLogger builds the structured logrus logger per cfg.Logging, matching
// the teacher's dashLogger setup in cmd/bot/main.go: JSON in live mode,
// human-readable text otherwise, falling back to info level on a bad
// logging.level value rather than refusing to start.
func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if cfg.Logging.JSON || cfg.Mode == config.ModeLive {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.WithError(err).Warn("invalid logging.level; defaulting to info")
	}
	return logger
}

// newStdLogger adapts logger's output stream to the plain *log.Logger the
// operational components (internal/broker, internal/runner, ...) take,
// exactly as the teacher threads one log.Logger through every constructor.
func newStdLogger(logger *logrus.Logger) *log.Logger {
	return log.New(logger.Out, "", log.LstdFlags)
}
