// Package queue implements the serial frame buffer that sits between a
// capture device's delivery callback and the recording writer.
//
// Frames are lossy: when the buffer is full the newest frame is dropped and
// counted. Control jobs are lossless and run on the same worker, after every
// frame that was already queued when the job was submitted.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
)

// DefaultDepth is the frame buffer depth used when none is configured.
const DefaultDepth = 8

// Handler processes one frame on the queue worker.
type Handler func(media.FrameSample)

// Stats is a snapshot of queue counters.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"` // backpressure drops (queue full)
	Jobs      uint64 `json:"jobs"`
	Depth     int    `json:"depth"`
	Pending   int    `json:"pending"`
}

type job struct {
	fn   func()
	done chan struct{}
}

// Queue is a bounded, strictly serial work queue with a single worker.
type Queue struct {
	handler Handler
	frames  chan media.FrameSample
	jobs    chan job

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards closed against concurrent Enqueue
	closed atomic.Bool

	enqueued  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	jobsRun   atomic.Uint64
}

// New creates a queue with the given frame depth. Depth < 1 uses DefaultDepth.
func New(depth int, handler Handler) *Queue {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &Queue{
		handler: handler,
		frames:  make(chan media.FrameSample, depth),
		jobs:    make(chan job),
	}
}

// Start launches the worker. Calling Start twice returns an error.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		return fmt.Errorf("queue: already started")
	}
	q.ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(1)
	go q.run()

	slog.Debug("queue: worker started", "depth", cap(q.frames))
	return nil
}

// Enqueue offers a frame without blocking.
//
// Returns false if the frame was dropped because the buffer is full or the
// queue is stopped. The sample must own its pixels.
func (q *Queue) Enqueue(s media.FrameSample) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed.Load() {
		return false
	}

	select {
	case q.frames <- s:
		q.enqueued.Add(1)
		return true
	default:
		n := q.dropped.Add(1)
		slog.Debug("queue: dropping frame, buffer full",
			"seq", s.Seq,
			"dropped_total", n,
		)
		return false
	}
}

// Do runs fn on the worker after the frames already queued, and waits for it.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	j := job{fn: fn, done: make(chan struct{})}

	q.mu.RLock()
	if q.closed.Load() || q.ctx == nil {
		q.mu.RUnlock()
		return media.ErrPipelineStopped
	}
	workerCtx := q.ctx
	q.mu.RUnlock()

	select {
	case q.jobs <- j:
	case <-workerCtx.Done():
		return media.ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains queued frames, stops the worker and waits for it to exit.
// Safe to call multiple times.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.closed.Swap(true) {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("queue: worker stopped", "processed", q.processed.Load(), "dropped", q.dropped.Load())
		return nil
	case <-time.After(3 * time.Second):
		slog.Warn("queue: worker stop timeout")
		return fmt.Errorf("queue: stop timeout")
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Dropped:   q.dropped.Load(),
		Jobs:      q.jobsRun.Load(),
		Depth:     cap(q.frames),
		Pending:   len(q.frames),
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			q.drain(len(q.frames))
			return
		case s := <-q.frames:
			q.process(s)
		case j := <-q.jobs:
			// Frames queued before the job was submitted run first.
			q.drain(len(q.frames))
			j.fn()
			q.jobsRun.Add(1)
			close(j.done)
		}
	}
}

func (q *Queue) drain(n int) {
	for i := 0; i < n; i++ {
		select {
		case s := <-q.frames:
			q.process(s)
		default:
			return
		}
	}
}

func (q *Queue) process(s media.FrameSample) {
	q.handler(s)
	q.processed.Add(1)
}
