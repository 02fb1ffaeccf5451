package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"

	"github.com/e7canasta/facecapture/internal/recorder"
	"github.com/e7canasta/facecapture/internal/timing"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testResult(t *testing.T) recorder.Result {
	t.Helper()
	target := filepath.Join(t.TempDir(), "plr_1772355600000_1a2b3c4d.y4m")
	if err := os.WriteFile(target, make([]byte, 1234), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := []float64{1000, 1033.3, 1066.7, 1100}
	return recorder.Result{
		SessionID:       "1a2b3c4d-0000-4000-8000-000000000001",
		TaskID:          "plr",
		Target:          target,
		FrameTimestamps: ts,
		StartedAt:       t0,
		FinishedAt:      t0.Add(2 * time.Second),
		Dropped:         3,
		Timing:          timing.FromTimestamps(ts),
	}
}

func TestNewRecord(t *testing.T) {
	res := testResult(t)
	r := NewRecord(res, "capture-1")

	if r.Container != "y4m" || r.ContentType() != "video/x-yuv4mpeg" {
		t.Errorf("container = %q content type = %q", r.Container, r.ContentType())
	}
	if r.SizeBytes != 1234 {
		t.Errorf("SizeBytes = %d, want 1234", r.SizeBytes)
	}
	if r.Frames != 4 || r.Dropped != 3 {
		t.Errorf("Frames = %d Dropped = %d", r.Frames, r.Dropped)
	}
	if r.Duration() != 2*time.Second {
		t.Errorf("Duration() = %v", r.Duration())
	}

	meta, err := r.Metadata()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(meta, &decoded); err != nil {
		t.Fatalf("metadata is not JSON: %v", err)
	}
	if decoded["task_id"] != "plr" || decoded["capture_session_id"] != "capture-1" {
		t.Errorf("metadata = %s", meta)
	}
	if ts, ok := decoded["frame_timestamps"].([]any); !ok || len(ts) != 4 {
		t.Errorf("metadata frame_timestamps = %v", decoded["frame_timestamps"])
	}
}

func TestObjectKeys(t *testing.T) {
	r := &Record{SessionID: "abc", TaskID: "plr", Container: "mp4"}
	video, meta := objectKeys("recordings", r)
	if video != "recordings/plr/abc.mp4" || meta != "recordings/plr/abc.json" {
		t.Errorf("objectKeys() = %q, %q", video, meta)
	}

	r.Container = ""
	if video, _ := objectKeys("", r); video != "plr/abc.bin" {
		t.Errorf("objectKeys() without container = %q", video)
	}
}

// fakeSink records deliveries and optionally fails or blocks.
type fakeSink struct {
	name  string
	err   error
	block chan struct{}

	mu       sync.Mutex
	received []*Record
	closed   bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Deliver(ctx context.Context, r *Record) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, r)
	if s.name == "upload" {
		r.ObjectKey = "key/" + r.SessionID
	}
	return s.err
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestDispatcher_FansOutInOrder(t *testing.T) {
	upload := &fakeSink{name: "upload"}
	failing := &fakeSink{name: "catalog", err: errors.New("connection refused")}
	event := &fakeSink{name: "event"}

	d := NewDispatcher([]Sink{upload, failing, event}, time.Second, 4)
	for i := 0; i < 3; i++ {
		r := &Record{SessionID: string(rune('a' + i)), TaskID: "plr"}
		if !d.Submit(r) {
			t.Fatalf("Submit(%d) rejected", i)
		}
	}

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if upload.count() != 3 || failing.count() != 3 || event.count() != 3 {
		t.Errorf("deliveries = %d/%d/%d, want 3 each", upload.count(), failing.count(), event.count())
	}
	// Later sinks see what earlier sinks filled in.
	if got := event.received[0].ObjectKey; got != "key/a" {
		t.Errorf("event sink saw ObjectKey %q", got)
	}
	if !upload.closed || !failing.closed || !event.closed {
		t.Error("sinks not closed")
	}

	stats := d.Stats()
	if stats.Submitted != 3 || stats.Delivered != 3 || stats.Failures["catalog"] != 3 || stats.Failures["upload"] != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	t.Logf("✅ Fan-out: %+v", stats)
}

func TestDispatcher_BacklogFullRejects(t *testing.T) {
	block := make(chan struct{})
	sink := &fakeSink{name: "slow", block: block}
	d := NewDispatcher([]Sink{sink}, time.Second, 1)

	accepted := 0
	for i := 0; i < 5; i++ {
		if d.Submit(&Record{SessionID: "s"}) {
			accepted++
		}
	}
	// One in flight at most plus one waiting.
	if accepted > 2 || accepted < 1 {
		t.Errorf("accepted = %d, want 1..2", accepted)
	}
	if d.Stats().Rejected != uint64(5-accepted) {
		t.Errorf("Rejected = %d, want %d", d.Stats().Rejected, 5-accepted)
	}

	close(block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.Submit(&Record{}) {
		t.Error("Submit after Close accepted")
	}
}

func TestDispatcher_CloseTimeoutCancels(t *testing.T) {
	sink := &fakeSink{name: "stuck", block: make(chan struct{})}
	d := NewDispatcher([]Sink{sink}, time.Minute, 4)
	d.Submit(&Record{SessionID: "s"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Close took %v, in-flight delivery was not cancelled", time.Since(start))
	}
	if d.Stats().Failures["stuck"] != 1 {
		t.Errorf("cancelled delivery not counted as failure: %+v", d.Stats())
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	fw := &fakeKafkaWriter{}
	now := t0.Add(time.Minute)
	s := &KafkaSink{writer: fw, topic: "recordings.completed", now: func() time.Time { return now }}

	r := NewRecord(testResult(t), "")
	r.ObjectBucket, r.ObjectKey = "recordings", "recordings/plr/x.y4m"
	if err := s.Deliver(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	if len(fw.msgs) != 1 {
		t.Fatalf("published %d messages", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != r.SessionID || !msg.Time.Equal(now) {
		t.Errorf("key = %q time = %v", msg.Key, msg.Time)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[1].Value) != "plr" {
		t.Errorf("headers = %+v", msg.Headers)
	}

	var ev RecordingEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Status != "completed" || ev.ObjectKey != r.ObjectKey || ev.DurationMS != 2000 || ev.Frames != 4 {
		t.Errorf("event = %+v", ev)
	}

	fw.err = errors.New("leader not available")
	if err := s.Deliver(context.Background(), r); err == nil || !strings.Contains(err.Error(), "recordings.completed") {
		t.Errorf("Deliver() error = %v", err)
	}

	if err := s.Close(); err != nil || !fw.closed {
		t.Errorf("Close() = %v closed = %v", err, fw.closed)
	}
}

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (e *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.sql, e.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), e.err
}

func TestPostgresCatalog(t *testing.T) {
	db := &fakeExecer{}
	c := &PostgresCatalog{db: db}

	r := NewRecord(testResult(t), "")
	if err := c.Deliver(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(db.sql, "ON CONFLICT (session_id) DO UPDATE") {
		t.Errorf("sql is not an upsert: %s", db.sql)
	}
	if len(db.args) != 16 {
		t.Fatalf("got %d args, want 16", len(db.args))
	}
	if db.args[0] != r.SessionID || db.args[2] != "plr" {
		t.Errorf("args = %v", db.args)
	}
	// Not uploaded: object columns are NULL.
	if p, ok := db.args[12].(*string); !ok || p != nil {
		t.Errorf("object_key arg = %#v, want nil *string", db.args[12])
	}

	db.err = errors.New("relation \"recordings\" does not exist")
	if err := c.Deliver(context.Background(), r); err == nil {
		t.Error("Deliver() succeeded on exec error")
	}
	if err := c.Close(); err != nil {
		t.Error(err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("embedded %d migration files, want up + down", len(entries))
	}
	up, err := migrations.ReadFile("migrations/000001_create_recordings.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(up), "session_id") {
		t.Error("up migration does not define session_id")
	}
}

func TestOpenWithoutSinks(t *testing.T) {
	if (Options{}).Enabled() {
		t.Error("empty options report enabled")
	}
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Error("Open() with no sinks succeeded")
	}
}
