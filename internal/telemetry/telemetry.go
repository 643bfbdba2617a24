// Package telemetry implements the fire-and-forget monitoring sinks: a
// 60-second batched share reporter, per-event worker-activity posts, and
// error-log forwarding, all over net/http against the configured
// environment's monitor API.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carlosrabelo/sv2bridge/internal/supervisor"
	"github.com/carlosrabelo/sv2bridge/pkg/logger"
)

// ShareInfo is one terminal share outcome queued for the next batch flush.
// RejectionReason is one of the v1proto.Reject* constants, or "" for an
// accepted share.
type ShareInfo struct {
	WorkerName      string  `json:"worker_name"`
	Difficulty      float64 `json:"difficulty,omitempty"`
	JobID           int64   `json:"job_id"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

// workerActivity is the per-event payload posted immediately on connect
// or disconnect; unlike shares it is never batched.
type workerActivity struct {
	UserAgent  string `json:"user_agent"`
	WorkerName string `json:"worker_name"`
	Activity   string `json:"activity"`
}

// proxyLog is an error-level log line forwarded to the monitor API.
type proxyLog struct {
	Severity string `json:"severity"`
	Content  string `json:"content"`
}

// Config tunes the HTTP sinks.
type Config struct {
	BaseURL       string
	Token         string
	FlushInterval time.Duration
	HTTPClient    *http.Client
}

func (c Config) flushInterval() time.Duration {
	if c.FlushInterval <= 0 {
		return 60 * time.Second
	}
	return c.FlushInterval
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Sink is the monitoring backend shared by the Bridge (shares) and every
// Session (worker activity). It implements session.Telemetry directly; the
// Bridge talks to it through RecordShare.
type Sink struct {
	cfg    Config
	client *http.Client
	log    *logger.Logger

	mu     sync.Mutex
	shares []ShareInfo
}

// NewSink constructs a Sink. Callers that want telemetry disabled entirely
// pass a nil session.Telemetry/ShareSink interface value instead of a Sink.
// log may be nil, in which case the package-level default logger is used.
func NewSink(cfg Config, log *logger.Logger) *Sink {
	if log == nil {
		log = logger.Default
	}
	return &Sink{cfg: cfg, client: cfg.httpClient(), log: log.With("component", "telemetry")}
}

// RecordShare queues a terminal share outcome for the next batch flush.
// reason is one of the v1proto.Reject* constants, or "" for an accepted
// share.
func (s *Sink) RecordShare(workerName string, difficulty float64, jobID int64, reason string, at time.Time) {
	s.mu.Lock()
	s.shares = append(s.shares, ShareInfo{
		WorkerName:      workerName,
		Difficulty:      difficulty,
		JobID:           jobID,
		RejectionReason: reason,
		Timestamp:       at.Unix(),
	})
	s.mu.Unlock()
}

// WorkerConnected implements session.Telemetry.
func (s *Sink) WorkerConnected(addr, worker string) {
	s.postWorkerActivity(addr, worker, "connected")
}

// WorkerDisconnected implements session.Telemetry.
func (s *Sink) WorkerDisconnected(addr, worker string) {
	s.postWorkerActivity(addr, worker, "disconnected")
}

func (s *Sink) postWorkerActivity(userAgent, worker, activity string) {
	go func() {
		if err := s.post("/api/worker/activity", map[string]any{
			"worker_activity": workerActivity{UserAgent: userAgent, WorkerName: worker, Activity: activity},
			"token":           s.cfg.Token,
		}); err != nil {
			s.log.Warn("failed to post worker activity for %s: %v", worker, err)
		}
	}()
}

// LogError forwards one error-level log line to the monitor API,
// fire-and-forget, mirroring a tracing subscriber layer that only ever
// ships ERROR-severity events.
func (s *Sink) LogError(content string) {
	go func() {
		if err := s.post("/api/proxy/logs", map[string]any{
			"log":   proxyLog{Severity: "error", Content: content},
			"token": s.cfg.Token,
		}); err != nil {
			s.log.Warn("failed to post error log: %v", err)
		}
	}()
}

// Run drives the 60-second batch-share flush loop until ctx is canceled.
func (s *Sink) Run(ctx context.Context, sup *supervisor.Supervisor) {
	sup.Spawn("", supervisor.Telemetry, func(ctx context.Context) {
		ticker := time.NewTicker(s.cfg.flushInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.flushShares()
			}
		}
	})
}

// flushShares POSTs every pending share as one batch and clears the queue
// only on success, so a delivery failure retries the same batch next tick
// instead of silently dropping it.
func (s *Sink) flushShares() {
	s.mu.Lock()
	pending := s.shares
	s.mu.Unlock()

	if len(pending) == 0 {
		s.log.Debug("no pending shares to send; check upstream submit path if this persists")
		return
	}

	batchID := uuid.NewString()
	err := s.post("/api/share/save", map[string]any{
		"shares": pending,
		"token":  s.cfg.Token,
	})
	if err != nil {
		s.log.Warn("failed to send share batch %s (%d shares): %v", batchID, len(pending), err)
		return
	}
	s.log.Info("sent share batch %s (%d shares)", batchID, len(pending))

	s.mu.Lock()
	s.shares = s.shares[len(pending):]
	s.mu.Unlock()
}

func (s *Sink) post(path string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{path: path, status: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct {
	path   string
	status int
}

func (e *httpStatusError) Error() string {
	return "telemetry: " + e.path + " returned status " + http.StatusText(e.status)
}
