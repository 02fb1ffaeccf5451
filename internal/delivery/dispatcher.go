package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives completed recordings. Deliver may fill fields of r for the
// sinks after it.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, r *Record) error
	Close() error
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Submitted uint64            `json:"submitted"`
	Delivered uint64            `json:"delivered"`
	Rejected  uint64            `json:"rejected"` // queue full or closed
	Failures  map[string]uint64 `json:"failures"` // per sink
}

// Dispatcher delivers records to its sinks on one background goroutine.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	records chan *Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	submitted atomic.Uint64
	delivered atomic.Uint64
	rejected  atomic.Uint64
	failures  []atomic.Uint64
}

// NewDispatcher creates a dispatcher for sinks. timeout bounds each record's
// delivery across all sinks; backlog is the number of records that may wait.
func NewDispatcher(sinks []Sink, timeout time.Duration, backlog int) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if backlog < 1 {
		backlog = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sinks:    sinks,
		timeout:  timeout,
		records:  make(chan *Record, backlog),
		ctx:      ctx,
		cancel:   cancel,
		failures: make([]atomic.Uint64, len(sinks)),
	}
	d.wg.Add(1)
	go d.run()

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	slog.Info("delivery: dispatcher started", "sinks", names, "backlog", backlog)
	return d
}

// Submit queues r. Returns false if the backlog is full or the dispatcher is closed.
func (d *Dispatcher) Submit(r *Record) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.rejected.Add(1)
		return false
	}

	select {
	case d.records <- r:
		d.submitted.Add(1)
		return true
	default:
		d.rejected.Add(1)
		slog.Warn("delivery: backlog full, recording not delivered",
			"session_id", r.SessionID,
			"target", r.Target,
		)
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for r := range d.records {
		d.deliver(r)
	}
}

// deliver runs every sink for r in order. A failed sink does not stop later ones.
func (d *Dispatcher) deliver(r *Record) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	start := time.Now()
	var errs []error
	for i, s := range d.sinks {
		if err := s.Deliver(ctx, r); err != nil {
			d.failures[i].Add(1)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			slog.Error("delivery: sink failed",
				"sink", s.Name(),
				"session_id", r.SessionID,
				"task_id", r.TaskID,
				"error", err,
			)
		}
	}
	d.delivered.Add(1)

	if len(errs) > 0 {
		slog.Warn("delivery: recording delivered with errors",
			"session_id", r.SessionID,
			"error", errors.Join(errs...),
		)
		return
	}
	slog.Info("delivery: recording delivered",
		"session_id", r.SessionID,
		"task_id", r.TaskID,
		"frames", r.Frames,
		"duration", time.Since(start),
	)
}

// Close stops accepting records, drains the backlog and closes every sink.
// If ctx expires first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.records)
	d.closeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("delivery: close timeout, cancelling in-flight deliveries")
		d.cancel()
		<-drained
	}
	d.cancel()

	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	failures := make(map[string]uint64, len(d.sinks))
	for i, s := range d.sinks {
		failures[s.Name()] = d.failures[i].Load()
	}
	return DispatcherStats{
		Submitted: d.submitted.Load(),
		Delivered: d.delivered.Load(),
		Rejected:  d.rejected.Load(),
		Failures:  failures,
	}
}
