package main

import (
	"github.com/rs/zerolog"
)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
