// Package recorder implements the per-task recording state machine.
//
// One session is open at a time. Frames are fed from the frame queue with
// Process; Start, Stop and Discard are control operations that may come from
// any goroutine. A session whose writer fails returns the recorder to Idle
// and the error is surfaced by the next Stop or Discard.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/timing"
	"github.com/e7canasta/facecapture/internal/writer"
	"github.com/google/uuid"
)

// Outcome is what happened to a frame passed to Process.
type Outcome int

const (
	// OutcomeIgnored means no session was accepting frames.
	OutcomeIgnored Outcome = iota
	// OutcomeAppended means the writer accepted the frame and the timeline advanced.
	OutcomeAppended
	// OutcomeDropped means the writer was not ready (backpressure drop).
	OutcomeDropped
	// OutcomeOutOfOrder means the frame would have broken timestamp ordering.
	OutcomeOutOfOrder
	// OutcomeFailed means the append failed and the session was aborted.
	OutcomeFailed
)

// Config wires the recorder to its writer and clock.
type Config struct {
	Factory writer.Factory

	// Now is the wall clock; defaults to time.Now.
	Now func() time.Time

	// OnFailure runs on its own goroutine when a session aborts with a RecordingError.
	OnFailure func(error)
}

// Result describes a finalized recording.
type Result struct {
	SessionID       string       `json:"session_id"`
	TaskID          string       `json:"task_id"`
	Target          string       `json:"target"`
	FrameTimestamps []float64    `json:"frame_timestamps"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	Dropped         uint64       `json:"dropped"`
	OutOfOrder      uint64       `json:"out_of_order"`
	Timing          timing.Stats `json:"timing"`
}

// Stats is a snapshot of recorder counters across sessions.
type Stats struct {
	State            string `json:"state"`
	Sessions         uint64 `json:"sessions"`
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Discarded        uint64 `json:"discarded"`
	FramesAppended   uint64 `json:"frames_appended"`
	FramesDropped    uint64 `json:"frames_dropped"`
	FramesOutOfOrder uint64 `json:"frames_out_of_order"`
}

type finalizeResult struct {
	result Result
	err    error
}

type session struct {
	id     string
	taskID string
	target string
	writer writer.Writer

	startPTS  time.Duration
	startWall time.Time
	timeline  *Timeline

	dropped    uint64
	outOfOrder uint64

	discarded bool
	result    chan finalizeResult // set when Stop is waiting
}

// Recorder owns the writer and the open session.
type Recorder struct {
	factory   writer.Factory
	now       func() time.Time
	onFailure func(error)

	mu      sync.Mutex
	state   State
	session *session
	failure error // held until the next Stop/Discard

	sessions         atomic.Uint64
	completed        atomic.Uint64
	failed           atomic.Uint64
	discarded        atomic.Uint64
	framesAppended   atomic.Uint64
	framesDropped    atomic.Uint64
	framesOutOfOrder atomic.Uint64
}

// New creates an idle recorder.
func New(cfg Config) (*Recorder, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("recorder: writer factory is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		factory:   cfg.Factory,
		now:       now,
		onFailure: cfg.OnFailure,
	}, nil
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start opens a writer for target and waits for the first frame.
//
// Returns media.ErrAlreadyRecording (the open session is left untouched)
// unless the recorder is Idle, and a *media.RecordingError if the writer
// cannot be opened.
func (r *Recorder) Start(taskID, target string) (string, error) {
	id := uuid.New().String()
	if err := r.StartWithID(id, taskID, target); err != nil {
		return "", err
	}
	return id, nil
}

// StartWithID is Start with a caller-chosen session id, for callers that
// embed the id in the target name.
func (r *Recorder) StartWithID(sessionID, taskID, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return fmt.Errorf("recorder: start %q in state %s: %w", taskID, r.state, media.ErrAlreadyRecording)
	}
	r.failure = nil
	r.transition(StateConfiguring)

	w, err := r.factory(target)
	if err != nil {
		r.transition(StateFailed)
		r.transition(StateIdle)
		r.failed.Add(1)
		return &media.RecordingError{Op: "open", Target: target, Err: err}
	}

	r.session = &session{
		id:       sessionID,
		taskID:   taskID,
		target:   target,
		writer:   w,
		timeline: NewTimeline(512),
	}
	r.sessions.Add(1)

	slog.Info("recorder: session opened",
		"session_id", sessionID,
		"task_id", taskID,
		"target", target,
	)
	return nil
}

// Process feeds one owned frame to the open session. Call only from the frame queue.
func (r *Recorder) Process(s media.FrameSample) Outcome {
	r.mu.Lock()

	switch r.state {
	case StateConfiguring:
		sess := r.session
		sess.startPTS = s.PTS
		sess.startWall = r.now()
		r.transition(StateWriting)
		slog.Debug("recorder: first frame, session started",
			"session_id", sess.id,
			"seq", s.Seq,
			"start_wall", sess.startWall,
		)
	case StateWriting:
	default:
		r.mu.Unlock()
		return OutcomeIgnored
	}

	sess := r.session
	if !sess.writer.Ready() {
		sess.dropped++
		n := r.framesDropped.Add(1)
		r.mu.Unlock()
		slog.Debug("recorder: writer not ready, dropping frame", "session_id", sess.id, "seq", s.Seq, "dropped_total", n)
		return OutcomeDropped
	}

	ts := WallMillis(sess.startWall, sess.startPTS, s.PTS)
	if !sess.timeline.Accepts(ts) {
		sess.outOfOrder++
		r.framesOutOfOrder.Add(1)
		r.mu.Unlock()
		slog.Warn("recorder: non-increasing frame timestamp, dropping frame", "session_id", sess.id, "seq", s.Seq)
		return OutcomeOutOfOrder
	}

	if err := sess.writer.Append(s, s.PTS-sess.startPTS); err != nil {
		rerr := &media.RecordingError{Op: "append", Target: sess.target, Err: err}
		r.abortLocked(sess, rerr)
		r.mu.Unlock()
		r.notifyFailure(rerr)
		return OutcomeFailed
	}

	sess.timeline.Append(ts)
	r.framesAppended.Add(1)
	r.mu.Unlock()
	return OutcomeAppended
}

// Stop finalizes the open session and waits for the writer to finish.
//
// Valid only while Writing; returns media.ErrNotRecording otherwise, or the
// RecordingError of a session that failed since the last control call. If ctx
// ends first, ctx.Err() is returned and finalization continues in the background.
func (r *Recorder) Stop(ctx context.Context) (Result, error) {
	wait, err := r.Finalize()
	if err != nil {
		return Result{}, err
	}
	return wait(ctx)
}

// Finalize moves the open session to Finalizing and starts the writer's
// finish without waiting for it. The returned function waits for the result.
func (r *Recorder) Finalize() (func(context.Context) (Result, error), error) {
	r.mu.Lock()
	if r.failure != nil && r.state == StateIdle {
		err := r.failure
		r.failure = nil
		r.mu.Unlock()
		return nil, err
	}
	if r.state != StateWriting {
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("recorder: stop in state %s: %w", state, media.ErrNotRecording)
	}

	sess := r.session
	sess.result = make(chan finalizeResult, 1)
	r.transition(StateFinalizing)
	w := sess.writer
	r.mu.Unlock()

	slog.Info("recorder: finalizing session",
		"session_id", sess.id,
		"task_id", sess.taskID,
		"frames", sess.timeline.Len(),
	)
	w.Finish(func(err error) { r.finalized(sess, err) })

	return func(ctx context.Context) (Result, error) {
		select {
		case res := <-sess.result:
			return res.result, res.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}, nil
}

// finalized runs on the writer's goroutine once Finish completes.
func (r *Recorder) finalized(sess *session, err error) {
	r.mu.Lock()
	if r.session != sess || sess.discarded {
		// Discard already reported to the waiter; the writer removes its output.
		r.mu.Unlock()
		slog.Debug("recorder: finalize completed for discarded session", "session_id", sess.id)
		return
	}

	if err != nil {
		rerr := &media.RecordingError{Op: "finalize", Target: sess.target, Err: err}
		r.transition(StateFailed)
		r.transition(StateIdle)
		r.session = nil
		r.failed.Add(1)
		r.mu.Unlock()

		// Abort waits on the writer's goroutine, which is the one calling us.
		go sess.writer.Abort()
		sess.result <- finalizeResult{err: rerr}
		r.notifyFailure(rerr)
		return
	}

	res := Result{
		SessionID:       sess.id,
		TaskID:          sess.taskID,
		Target:          sess.target,
		FrameTimestamps: sess.timeline.Snapshot(),
		StartedAt:       sess.startWall,
		FinishedAt:      r.now(),
		Dropped:         sess.dropped,
		OutOfOrder:      sess.outOfOrder,
	}
	res.Timing = timing.FromTimestamps(res.FrameTimestamps)

	r.transition(StateIdle)
	r.session = nil
	r.completed.Add(1)
	r.mu.Unlock()

	slog.Info("recorder: session completed",
		"session_id", res.SessionID,
		"task_id", res.TaskID,
		"target", res.Target,
		"frames", len(res.FrameTimestamps),
		"dropped", res.Dropped,
		"fps_mean", res.Timing.FPSMean,
	)
	sess.result <- finalizeResult{result: res}
}

// Discard abandons the open session and deletes its output.
//
// Valid from Configuring, Writing or Finalizing; always leaves the recorder
// Idle. A Stop waiting on the session returns media.ErrDiscarded.
func (r *Recorder) Discard() error {
	r.mu.Lock()
	if r.failure != nil && r.state == StateIdle {
		err := r.failure
		r.failure = nil
		r.mu.Unlock()
		return err
	}
	switch r.state {
	case StateConfiguring, StateWriting, StateFinalizing:
	default:
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("recorder: discard in state %s: %w", state, media.ErrNotRecording)
	}

	sess := r.session
	sess.discarded = true
	r.transition(StateIdle)
	r.session = nil
	r.discarded.Add(1)
	if sess.result != nil {
		sess.result <- finalizeResult{err: fmt.Errorf("recorder: session %s: %w", sess.id, media.ErrDiscarded)}
	}
	r.mu.Unlock()

	if err := sess.writer.Abort(); err != nil {
		slog.Warn("recorder: abort on discard failed", "session_id", sess.id, "target", sess.target, "error", err)
		return &media.RecordingError{Op: "discard", Target: sess.target, Err: err}
	}

	slog.Info("recorder: session discarded",
		"session_id", sess.id,
		"task_id", sess.taskID,
		"frames", sess.timeline.Len(),
	)
	return nil
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		State:            r.State().String(),
		Sessions:         r.sessions.Load(),
		Completed:        r.completed.Load(),
		Failed:           r.failed.Load(),
		Discarded:        r.discarded.Load(),
		FramesAppended:   r.framesAppended.Load(),
		FramesDropped:    r.framesDropped.Load(),
		FramesOutOfOrder: r.framesOutOfOrder.Load(),
	}
}

// abortLocked fails the session after an append error. Caller holds r.mu.
func (r *Recorder) abortLocked(sess *session, rerr *media.RecordingError) {
	if err := sess.writer.Abort(); err != nil {
		slog.Warn("recorder: abort after failure", "session_id", sess.id, "error", err)
	}
	r.transition(StateFailed)
	r.transition(StateIdle)
	r.session = nil
	r.failure = rerr
	r.failed.Add(1)

	slog.Error("recorder: session aborted",
		"session_id", sess.id,
		"task_id", sess.taskID,
		"error", rerr,
		"frames", sess.timeline.Len(),
	)
}

func (r *Recorder) notifyFailure(err error) {
	if r.onFailure != nil {
		go r.onFailure(err)
	}
}

// transition moves to the next state and reports whether it did. Illegal
// transitions leave the state unchanged. Caller holds r.mu.
func (r *Recorder) transition(to State) bool {
	if !canTransition(r.state, to) {
		slog.Error("recorder: illegal transition refused", "from", r.state.String(), "to", to.String())
		return false
	}
	slog.Debug("recorder: state transition", "from", r.state.String(), "to", to.String())
	r.state = to
	return true
}
