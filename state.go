package facecapture

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/facecapture/internal/preview"
)

// PublishedState is what the UI layer observes. Snapshots are immutable.
type PublishedState struct {
	PreviewReady     bool        `json:"preview_ready"`
	PermissionDenied bool        `json:"permission_denied"`
	RecordingActive  bool        `json:"recording_active"`
	LiveFrame        image.Image `json:"-"`
	LiveFrameSeq     uint64      `json:"live_frame_seq"`
	AverageExposure  *float64    `json:"average_exposure,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
}

type liveFrame struct {
	seq uint64
	img image.Image
}

// stateOwner is the single writer of PublishedState.
//
// Updates arrive as closures on a channel; live frames arrive through a
// latest-only mailbox. Readers load the current snapshot atomically and
// subscribers receive the latest snapshot, skipping intermediate ones when
// they fall behind.
type stateOwner struct {
	updates chan func(*PublishedState)
	frames  *preview.Mailbox[liveFrame]
	current atomic.Pointer[PublishedState]

	subMu  sync.Mutex
	subs   map[uint64]chan PublishedState
	nextID uint64

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func newStateOwner() *stateOwner {
	o := &stateOwner{
		updates: make(chan func(*PublishedState), 64),
		frames:  preview.NewMailbox[liveFrame](),
		subs:    make(map[uint64]chan PublishedState),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	o.current.Store(&PublishedState{})
	go o.run()
	return o
}

func (o *stateOwner) run() {
	defer close(o.exited)
	for {
		select {
		case fn := <-o.updates:
			o.apply(fn)
		case <-o.frames.Ready():
			if lf, ok := o.frames.Take(); ok {
				o.apply(func(s *PublishedState) {
					s.LiveFrame = lf.img
					s.LiveFrameSeq = lf.seq
				})
			}
		case <-o.done:
			return
		}
	}
}

func (o *stateOwner) apply(fn func(*PublishedState)) {
	next := *o.current.Load()
	fn(&next)
	o.current.Store(&next)

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		// Replace a snapshot the subscriber has not read yet.
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

// update queues fn for the owner goroutine. Dropped after close.
func (o *stateOwner) update(fn func(*PublishedState)) {
	select {
	case o.updates <- fn:
	case <-o.done:
		slog.Debug("state: update after close ignored")
	}
}

// sync waits until every update queued before it has been applied.
func (o *stateOwner) sync() {
	applied := make(chan struct{})
	o.update(func(*PublishedState) { close(applied) })
	select {
	case <-applied:
	case <-o.exited:
	}
}

// postFrame offers a live frame; older untaken frames are replaced.
func (o *stateOwner) postFrame(seq uint64, img image.Image) {
	o.frames.Put(liveFrame{seq: seq, img: img})
}

func (o *stateOwner) snapshot() PublishedState {
	return *o.current.Load()
}

// subscribe returns a channel that always holds the latest snapshot, primed
// with the current one, and a cancel function.
func (o *stateOwner) subscribe() (<-chan PublishedState, func()) {
	ch := make(chan PublishedState, 1)

	o.subMu.Lock()
	select {
	case <-o.done:
		o.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	ch <- *o.current.Load()
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			defer o.subMu.Unlock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
		})
	}
}

// close stops the owner and closes every subscription.
func (o *stateOwner) close() {
	o.closeOnce.Do(func() {
		close(o.done)
		<-o.exited

		o.subMu.Lock()
		defer o.subMu.Unlock()
		for id, ch := range o.subs {
			delete(o.subs, id)
			close(ch)
		}
	})
}
