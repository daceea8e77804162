package metering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"openclaw_proxy/internal/metrics"
	"openclaw_proxy/internal/queue"
	"openclaw_proxy/internal/utils"
)

const appendTimeout = 5 * time.Second

// Emitter appends usage events to the stream without blocking the relay.
// Each append runs in its own goroutine and waits for the previous one, so
// events reach the stream in emission order. Failures go to a supervisor that logs them.
type Emitter struct {
	stream  queue.Stream
	metrics *metrics.Collector
	logger  *utils.Logger
	now     func() time.Time

	mu       sync.Mutex
	closed   bool
	prev     chan struct{}
	inflight sync.WaitGroup
	errs     chan error
	done     chan struct{}
}

// NewEmitter creates an emitter and starts its error supervisor
func NewEmitter(stream queue.Stream, m *metrics.Collector) *Emitter {
	e := &Emitter{
		stream:  stream,
		metrics: m,
		logger:  utils.NewLogger("usage-emitter"),
		now:     time.Now,
		errs:    make(chan error, 64),
		done:    make(chan struct{}),
	}
	go e.supervise()
	return e
}

// Emit stamps the event with the current time (unless already set) and appends
// it in the background. It never fails the caller and is not retried.
func (e *Emitter) Emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.logger.Warn("Dropping usage event after shutdown", "event_type", event.Type(), "customer_id", event.Customer())
		return
	}

	event = event.stamp(e.now())
	prev, done := e.prev, make(chan struct{})
	e.prev = done

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		defer cancel()

		if _, err := e.stream.Append(ctx, event.Fields()); err != nil {
			e.metrics.UsageEmitted(false)
			e.errs <- fmt.Errorf("failed to emit %s for %s: %w", event.Type(), event.Customer(), err)
			return
		}
		e.metrics.UsageEmitted(true)
	}()
}

// Close waits for in-flight appends and stops the supervisor
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	close(e.errs)
	<-e.done
}

func (e *Emitter) supervise() {
	defer close(e.done)
	for err := range e.errs {
		e.logger.Error("Usage event lost", "error", err)
	}
}
