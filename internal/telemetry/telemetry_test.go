package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type capturedRequest struct {
	path string
	body map[string]any
}

func newRecordingServer(t *testing.T) (*httptest.Server, *[]capturedRequest, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &mu
}

func TestFlushSharesClearsOnSuccess(t *testing.T) {
	srv, reqs, mu := newRecordingServer(t)

	s := NewSink(Config{BaseURL: srv.URL, Token: "tok", FlushInterval: time.Hour}, nil)
	s.RecordShare("user.w1", 1000, 42, "", time.Unix(1000, 0))
	s.RecordShare("user.w1", 1000, 43, "DifficultyMismatch", time.Unix(1001, 0))

	s.flushShares()

	mu.Lock()
	defer mu.Unlock()
	if len(*reqs) != 1 {
		t.Fatalf("expected 1 batch POST, got %d", len(*reqs))
	}
	if (*reqs)[0].path != "/api/share/save" {
		t.Fatalf("unexpected path %q", (*reqs)[0].path)
	}
	shares, ok := (*reqs)[0].body["shares"].([]any)
	if !ok || len(shares) != 2 {
		t.Fatalf("expected 2 shares in batch, got %+v", (*reqs)[0].body["shares"])
	}

	s.mu.Lock()
	pending := len(s.shares)
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected pending queue cleared after successful flush, got %d remaining", pending)
	}
}

func TestFlushSharesRetainsBatchOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSink(Config{BaseURL: srv.URL, FlushInterval: time.Hour}, nil)
	s.RecordShare("user.w1", 1000, 1, "", time.Unix(1, 0))

	s.flushShares()

	s.mu.Lock()
	pending := len(s.shares)
	s.mu.Unlock()
	if pending != 1 {
		t.Fatalf("expected share retained after failed flush, got %d pending", pending)
	}
}

func TestFlushSharesNoopWhenEmpty(t *testing.T) {
	srv, reqs, mu := newRecordingServer(t)

	s := NewSink(Config{BaseURL: srv.URL, FlushInterval: time.Hour}, nil)
	s.flushShares()

	mu.Lock()
	defer mu.Unlock()
	if len(*reqs) != 0 {
		t.Fatalf("expected no POST when nothing is pending, got %d", len(*reqs))
	}
}

func TestWorkerConnectedPostsImmediately(t *testing.T) {
	srv, reqs, mu := newRecordingServer(t)

	s := NewSink(Config{BaseURL: srv.URL}, nil)
	s.WorkerConnected("203.0.113.5:1234", "user.w1")

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(*reqs)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker activity was never posted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if (*reqs)[0].path != "/api/worker/activity" {
		t.Fatalf("unexpected path %q", (*reqs)[0].path)
	}
	activity, ok := (*reqs)[0].body["worker_activity"].(map[string]any)
	if !ok || activity["activity"] != "connected" {
		t.Fatalf("expected connected activity, got %+v", (*reqs)[0].body["worker_activity"])
	}
}
