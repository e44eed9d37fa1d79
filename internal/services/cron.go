package services

import (
	"auction-engine/pkg/logger"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's own logging through the service logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

// newCron returns a cron runner that never overlaps runs of the same job.
func newCron(log logger.Logger) *cron.Cron {
	cl := cronLogger{log: log}
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}
