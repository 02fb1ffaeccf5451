package health

import (
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/facecapture"
	"github.com/e7canasta/facecapture/internal/queue"
)

type fakePipeline struct {
	mu    sync.Mutex
	state facecapture.PublishedState
	stats facecapture.Stats
	frame image.Image
	subs  []chan facecapture.PublishedState
}

func (f *fakePipeline) State() facecapture.PublishedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePipeline) Stats() facecapture.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePipeline) LiveFrame() image.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

func (f *fakePipeline) Subscribe() (<-chan facecapture.PublishedState, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan facecapture.PublishedState, 1)
	ch <- f.state
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakePipeline) publish(st facecapture.PublishedState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func (f *fakePipeline) closeSubs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	s := NewServer(&fakePipeline{}, Options{})
	rec := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"alive"`) {
		t.Errorf("GET /health = %d %s", rec.Code, rec.Body)
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		state      facecapture.PublishedState
		stats      facecapture.Stats
		wantCode   int
		wantStatus string
	}{
		{
			name:       "not running",
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "permission denied",
			state:      facecapture.PublishedState{PermissionDenied: true},
			stats:      facecapture.Stats{Running: true},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "capturing",
			state:      facecapture.PublishedState{PreviewReady: true},
			stats:      facecapture.Stats{Running: true, Queue: queue.Stats{Enqueued: 100}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "heavy drops",
			stats:      facecapture.Stats{Running: true, Queue: queue.Stats{Enqueued: 50, Dropped: 50}},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "last error",
			state:      facecapture.PublishedState{LastError: "recorder: append failed"},
			stats:      facecapture.Stats{Running: true},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{state: tt.state, stats: tt.stats}
			rec := get(t, NewServer(p, Options{}).Handler(), "/readiness")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var st Status
			if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
				t.Fatal(err)
			}
			if st.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", st.Status, tt.wantStatus)
			}
		})
	}
}

func TestStats(t *testing.T) {
	p := &fakePipeline{stats: facecapture.Stats{Running: true, FramesDelivered: 42}}
	s := NewServer(p, Options{Extra: func() any { return map[string]int{"delivered": 3} }})

	rec := get(t, s.Handler(), "/stats")
	var body struct {
		Pipeline facecapture.Stats `json:"pipeline"`
		Extra    map[string]int    `json:"extra"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Pipeline.FramesDelivered != 42 || body.Extra["delivered"] != 3 {
		t.Errorf("GET /stats = %s", rec.Body)
	}
}

func TestPreview(t *testing.T) {
	p := &fakePipeline{}
	s := NewServer(p, Options{})

	if rec := get(t, s.Handler(), "/preview.jpg"); rec.Code != http.StatusNoContent {
		t.Errorf("no frame: code = %d, want 204", rec.Code)
	}

	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	p.frame = img

	rec := get(t, s.Handler(), "/preview.jpg?quality=50")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("code = %d content type = %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	decoded, err := jpeg.Decode(rec.Body)
	if err != nil {
		t.Fatalf("body is not a JPEG: %v", err)
	}
	if decoded.Bounds().Dx() != 16 || decoded.Bounds().Dy() != 8 {
		t.Errorf("decoded bounds = %v", decoded.Bounds())
	}

	if rec := get(t, s.Handler(), "/preview.jpg?quality=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad quality: code = %d, want 400", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	s := NewServer(&fakePipeline{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestStateStream(t *testing.T) {
	p := &fakePipeline{state: facecapture.PublishedState{PreviewReady: true}}
	srv := httptest.NewServer(NewServer(p, Options{PingInterval: time.Second}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/state"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var st facecapture.PublishedState
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatal(err)
	}
	if !st.PreviewReady {
		t.Errorf("first snapshot = %+v, want primed current state", st)
	}

	p.publish(facecapture.PublishedState{PreviewReady: true, RecordingActive: true})
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatal(err)
	}
	if !st.RecordingActive {
		t.Errorf("second snapshot = %+v", st)
	}

	p.closeSubs()
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("after pipeline close: err = %v, want going-away close", err)
	}
	t.Logf("✅ State stream delivered snapshots and closed cleanly")
}
