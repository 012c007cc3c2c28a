package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/usenocturne/envsensed/metrics"
	"github.com/usenocturne/envsensed/storage"
)

const defaultQueueSize = 1024

// Status is the health of one sink as reported on /healthz.
type Status struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

type sinkEntry struct {
	sink    Sink
	written uint64
	failed  uint64
}

// Fanout queues records and writes them to every sink from one goroutine.
// Enqueue never blocks; when the queue is full the record is dropped from the
// mirrors (the CSV log already has it).
type Fanout struct {
	queue        chan Message
	writeTimeout time.Duration
	log          zerolog.Logger

	mu    sync.Mutex
	sinks []*sinkEntry

	done chan struct{}
}

func NewFanout(writeTimeout time.Duration, sinks ...Sink) *Fanout {
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}
	f := &Fanout{
		queue:        make(chan Message, defaultQueueSize),
		writeTimeout: writeTimeout,
		log:          log.With().Str("component", "sink").Logger(),
		done:         make(chan struct{}),
	}
	for _, s := range sinks {
		f.sinks = append(f.sinks, &sinkEntry{sink: s})
	}
	return f
}

// Enqueue schedules rec for every sink.
func (f *Fanout) Enqueue(rec storage.Record, device, source string) {
	msg := NewMessage(rec, device, source)
	select {
	case f.queue <- msg:
	default:
		metrics.SinkWrites.WithLabelValues("all", "dropped").Inc()
		f.log.Warn().Int64("ts", rec.Timestamp).Msg("sink queue full, dropping record")
	}
}

// Run drains the queue until ctx ends, then flushes what is left and closes
// every sink.
func (f *Fanout) Run(ctx context.Context) {
	defer close(f.done)
	defer f.closeAll()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-f.queue:
					f.write(context.Background(), msg)
				default:
					return
				}
			}
		case msg := <-f.queue:
			f.write(ctx, msg)
		}
	}
}

// Done is closed once Run has flushed and closed the sinks.
func (f *Fanout) Done() <-chan struct{} { return f.done }

func (f *Fanout) write(ctx context.Context, msg Message) {
	f.mu.Lock()
	entries := f.sinks
	f.mu.Unlock()

	for _, e := range entries {
		wctx, cancel := context.WithTimeout(ctx, f.writeTimeout)
		err := e.sink.Write(wctx, msg)
		cancel()

		name := e.sink.Name()
		switch {
		case err == nil:
			metrics.SinkWrites.WithLabelValues(name, "ok").Inc()
			f.count(e, true)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.SinkWrites.WithLabelValues(name, "rejected").Inc()
			f.count(e, false)
		default:
			metrics.SinkWrites.WithLabelValues(name, "error").Inc()
			f.count(e, false)
			f.log.Warn().Err(err).Str("sink", name).Int64("ts", msg.Timestamp).Msg("sink write failed")
		}
	}
}

func (f *Fanout) count(e *sinkEntry, ok bool) {
	f.mu.Lock()
	if ok {
		e.written++
	} else {
		e.failed++
	}
	f.mu.Unlock()
}

func (f *Fanout) Status() []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Status, 0, len(f.sinks))
	for _, e := range f.sinks {
		st := Status{Name: e.sink.Name(), State: "closed", Written: e.written, Failed: e.failed}
		if b, ok := e.sink.(*Breaker); ok {
			st.State = b.State().String()
		}
		out = append(out, st)
	}
	return out
}

func (f *Fanout) closeAll() {
	f.mu.Lock()
	entries := f.sinks
	f.mu.Unlock()
	for _, e := range entries {
		if err := e.sink.Close(); err != nil {
			f.log.Warn().Err(err).Str("sink", e.sink.Name()).Msg("close failed")
		}
	}
}
