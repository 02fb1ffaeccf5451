package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
	"pgregory.net/rapid"
)

func sample(seq uint64) media.FrameSample {
	return media.FrameSample{Seq: seq, PTS: time.Duration(seq) * time.Millisecond}
}

func TestQueue_FIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var got []uint64

	q := New(64, func(s media.FrameSample) {
		mu.Lock()
		got = append(got, s.Seq)
		mu.Unlock()
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	for i := uint64(1); i <= 50; i++ {
		if !q.Enqueue(sample(i)) {
			t.Fatalf("frame %d dropped with spare capacity", i)
		}
		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	// Control job observes every frame queued before it.
	if err := q.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("do: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("expected 50 processed, got %d", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("out of order at %d: %d", i, seq)
		}
	}
	t.Logf("✅ 50 frames processed in order")
}

func TestQueue_DropNewestWhenFull(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var got []uint64

	q := New(4, func(s media.FrameSample) {
		<-gate
		mu.Lock()
		got = append(got, s.Seq)
		mu.Unlock()
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	// First frame is picked up by the worker and blocks on the gate.
	q.Enqueue(sample(1))
	waitFor(t, func() bool { return q.Stats().Pending == 0 })

	accepted := 1
	for i := uint64(2); i <= 20; i++ {
		if q.Enqueue(sample(i)) {
			accepted++
		}
	}
	if accepted != 5 {
		t.Fatalf("expected 5 accepted (1 in flight + depth 4), got %d", accepted)
	}
	if d := q.Stats().Dropped; d != 15 {
		t.Fatalf("expected 15 drops, got %d", d)
	}

	close(gate)
	if err := q.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("do: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []uint64{1, 2, 3, 4, 5}
	for i, seq := range want {
		if got[i] != seq {
			t.Fatalf("expected oldest frames kept %v, got %v", want, got)
		}
	}
	t.Logf("✅ drop-newest: kept %v, dropped 15", got)
}

func TestQueue_SingleOutstandingHandler(t *testing.T) {
	var inFlight, maxInFlight int
	var mu sync.Mutex

	q := New(16, func(media.FrameSample) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	})
	q.Start(context.Background())
	defer q.Stop()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Enqueue(sample(uint64(p*100 + i)))
			}
		}(p)
	}
	wg.Wait()
	q.Do(context.Background(), func() {})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("expected at most one handler in flight, saw %d", maxInFlight)
	}
}

func TestQueue_StopIsIdempotent(t *testing.T) {
	q := New(2, func(media.FrameSample) {})
	q.Start(context.Background())

	if err := q.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if q.Enqueue(sample(1)) {
		t.Error("enqueue after stop should be rejected")
	}
	if err := q.Do(context.Background(), func() {}); !errors.Is(err, media.ErrPipelineStopped) {
		t.Errorf("expected ErrPipelineStopped, got %v", err)
	}
}

func TestQueue_StartTwice(t *testing.T) {
	q := New(2, func(media.FrameSample) {})
	q.Start(context.Background())
	defer q.Stop()
	if err := q.Start(context.Background()); err == nil {
		t.Fatal("expected error on second start")
	}
}

// Property: every offered frame is either processed or counted as dropped.
func TestQueue_Property_Conservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		depth := rapid.IntRange(1, 8).Draw(rt, "depth")
		n := rapid.IntRange(0, 200).Draw(rt, "frames")
		delay := time.Duration(rapid.IntRange(0, 50).Draw(rt, "delay_us")) * time.Microsecond

		q := New(depth, func(media.FrameSample) { time.Sleep(delay) })
		q.Start(context.Background())

		offered := 0
		for i := 0; i < n; i++ {
			q.Enqueue(sample(uint64(i)))
			offered++
		}
		q.Do(context.Background(), func() {})
		q.Stop()

		st := q.Stats()
		if st.Processed+st.Dropped != uint64(offered) {
			rt.Fatalf("processed %d + dropped %d != offered %d", st.Processed, st.Dropped, offered)
		}
		if st.Enqueued != st.Processed {
			rt.Fatalf("enqueued %d != processed %d", st.Enqueued, st.Processed)
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
