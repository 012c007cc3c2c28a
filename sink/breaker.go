package sink

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/usenocturne/envsensed/metrics"
)

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
}

// Breaker wraps a sink so that repeated failures stop further attempts until
// the open timeout elapses.
type Breaker struct {
	Sink
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(s Sink, settings BreakerSettings) *Breaker {
	fails := settings.ConsecutiveFailures
	if fails == 0 {
		fails = 5
	}
	name := s.Name()
	metrics.SinkBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: settings.Interval,
		Timeout:  settings.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SinkBreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn().Str("component", "sink").Str("sink", name).
				Stringer("from", from).Stringer("to", to).Msg("breaker state changed")
		},
	})
	return &Breaker{Sink: s, cb: cb}
}

func (b *Breaker) Write(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Sink.Write(ctx, msg)
	})
	return err
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }
