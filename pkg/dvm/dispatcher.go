package dvm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
)

// Publisher fans an event out to a relay set.
type Publisher interface {
	Publish(ctx context.Context, urls []string, ev *event.Event) <-chan transport.PublishResult
}

// DispatchReport describes the relay outcomes known when Dispatch returned.
// Later outcomes are only logged.
type DispatchReport struct {
	RequestID string
	Accepted  []string
	Failed    map[string]error
	// InFlight counts relays that had not answered yet.
	InFlight int
	Elapsed  time.Duration
}

// Dispatcher publishes signed requests with first-success semantics.
type Dispatcher struct {
	pub Publisher
	log *zap.Logger
	// Grace bounds how long publishes still in flight may continue after
	// Dispatch returned.
	Grace time.Duration

	wg sync.WaitGroup
}

// NewDispatcher returns a dispatcher publishing through pub.
func NewDispatcher(pub Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, log: observability.Named(logger, "dispatch"), Grace: 30 * time.Second}
}

// Dispatch publishes ev to every relay concurrently and returns as soon as
// one relay accepts it. When none accepts, it returns a *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event, relays []string) (*DispatchReport, error) {
	start := time.Now()
	relays = transport.Dedupe(relays)
	rep := &DispatchReport{RequestID: ev.ID, Failed: make(map[string]error)}
	if len(relays) == 0 {
		observability.Metrics().DispatchFailed.Inc()
		return rep, &DispatchError{RequestID: ev.ID, Failures: rep.Failed}
	}

	// in-flight publishes outlive ctx by at most Grace
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Grace)
	results := d.pub.Publish(pubCtx, relays, ev)
	remaining := len(relays)

	for remaining > 0 {
		select {
		case r, ok := <-results:
			if !ok {
				remaining = 0
				break
			}
			remaining--
			if r.Err != nil {
				rep.Failed[r.Relay] = r.Err
				continue
			}
			rep.Accepted = append(rep.Accepted, r.Relay)
			rep.InFlight = remaining
			rep.Elapsed = time.Since(start)
			d.log.Debug("request accepted", zap.String("id", ev.ID), zap.String("relay", r.Relay), zap.Duration("elapsed", rep.Elapsed))
			d.drain(ev.ID, results, cancel)
			return rep, nil
		case <-ctx.Done():
			d.drain(ev.ID, results, cancel)
			rep.InFlight = remaining
			rep.Elapsed = time.Since(start)
			return rep, fmt.Errorf("dispatch %s: %w", ev.ID, ctx.Err())
		}
	}
	cancel()
	rep.Elapsed = time.Since(start)
	observability.Metrics().DispatchFailed.Inc()
	d.log.Warn("no relay accepted request", zap.String("id", ev.ID), zap.Int("relays", len(relays)))
	return rep, &DispatchError{RequestID: ev.ID, Failures: rep.Failed}
}

// drain logs the outcomes that arrive after Dispatch returned.
func (d *Dispatcher) drain(id string, results <-chan transport.PublishResult, cancel context.CancelFunc) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		for r := range results {
			if r.Err != nil {
				d.log.Debug("late publish failure", zap.String("id", id), zap.String("relay", r.Relay), zap.Error(r.Err))
			} else {
				d.log.Debug("late publish accepted", zap.String("id", id), zap.String("relay", r.Relay))
			}
		}
	}()
}

// Wait blocks until background publishes have finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
