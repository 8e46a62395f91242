package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one event per interval and counts what it
// dropped in between.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
	logger   zerolog.Logger
}

func newRateLimitedLogger(logger zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

func (l *rateLimitedLogger) Warn(err error, key, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	ev := l.logger.Warn().Err(err).Str("key", key)
	if l.dropped > 0 {
		ev = ev.Int("suppressed", l.dropped)
		l.dropped = 0
	}
	ev.Msg(msg)
}
