// Package dispatch fans events out to registered handlers. Handlers run
// independently: one handler's failure or panic never blocks the others and
// never rolls back the event's appended state.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/metrics"
)

// Handler reacts to one event. Returning an error marks this handler's
// result failed in the dispatch summary; it does not escalate.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, ev event.Event) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, ev event.Event) error { return h.Fn(ctx, ev) }

// Result is one handler's outcome within a dispatch.
type Result struct {
	Handler string
	Err     error
}

// Summary aggregates all handler outcomes for one event.
type Summary struct {
	EventID    string
	EventType  string
	Results    []Result
	Successful int
	Failed     int
}

type subscription struct {
	pattern string
	handler Handler
}

// Dispatcher is an injected registry of subscriptions plus the fan-out loop.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    []subscription
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Dispatcher. metrics may be nil in tests.
func New(logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		metrics: m,
	}
}

// Subscribe registers a handler for an event-type pattern. Patterns are
// dot-paths where "*" matches any single segment: "entities.create.validated",
// "*.*.requested", "entities.*.validated".
func (d *Dispatcher) Subscribe(pattern string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, subscription{pattern: pattern, handler: h})
	d.logger.Debug().Str("pattern", pattern).Str("handler", h.Name()).Msg("handler subscribed")
}

// Dispatch runs every matching handler concurrently and collects their
// outcomes. Zero matching handlers is a valid, empty summary.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) Summary {
	d.mu.RLock()
	var matched []Handler
	for _, sub := range d.subs {
		if Match(sub.pattern, ev.Type) {
			matched = append(matched, sub.handler)
		}
	}
	d.mu.RUnlock()

	summary := Summary{EventID: ev.ID, EventType: ev.Type}
	if len(matched) == 0 {
		return summary
	}

	start := time.Now()
	results := make([]Result, len(matched))
	var wg sync.WaitGroup
	for i, h := range matched {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			results[i] = Result{Handler: h.Name(), Err: d.run(ctx, h, ev)}
		}(i, h)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			summary.Failed++
			d.logger.Error().
				Err(r.Err).
				Str("handler", r.Handler).
				Str("event_id", ev.ID).
				Str("type", ev.Type).
				Msg("handler failed")
			if d.metrics != nil {
				d.metrics.RecordDispatch(ev.Type, "failed")
			}
		} else {
			summary.Successful++
			if d.metrics != nil {
				d.metrics.RecordDispatch(ev.Type, "ok")
			}
		}
	}
	summary.Results = results

	if d.metrics != nil {
		d.metrics.ObserveDispatch(ev.Type, time.Since(start).Seconds())
	}
	return summary
}

// run executes one handler, converting panics into HandlerErrors so a
// misbehaving handler cannot take down the fan-out.
func (d *Dispatcher) run(ctx context.Context, h Handler, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &kerrors.HandlerError{
				Handler:   h.Name(),
				EventID:   ev.ID,
				EventType: ev.Type,
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()
	if herr := h.Handle(ctx, ev); herr != nil {
		return &kerrors.HandlerError{
			Handler:   h.Name(),
			EventID:   ev.ID,
			EventType: ev.Type,
			Err:       herr,
		}
	}
	return nil
}
