package services

import (
	"context"

	log "github.com/sirupsen/logrus"

	"worklog-api/remote"
)

// strategy is one named way of obtaining a value. Read paths are expressed
// as an ordered strategy list rather than nested fallback control flow, so
// the degradation policy is data.
type strategy[T any] struct {
	name string
	run  func(ctx context.Context) (T, error)
}

// firstOf tries each strategy in order and returns the first success. A
// KindNotFound result is authoritative for remote strategies only in the
// sense that it is not an outage, but later strategies (the local cache) are
// still consulted: a queued-but-unsynced record lives only locally.
func firstOf[T any](ctx context.Context, logger *log.Logger, strategies []strategy[T]) (val T, ok bool) {
	for _, s := range strategies {
		v, err := s.run(ctx)
		if err == nil {
			return v, true
		}
		level := log.WarnLevel
		if remote.KindOf(err) == remote.KindNotFound {
			level = log.DebugLevel
		}
		logger.WithError(err).WithField("strategy", s.name).Log(level, "read strategy failed")
	}
	return val, false
}
