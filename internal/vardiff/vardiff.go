// Package vardiff adjusts each miner's share difficulty toward a target
// submission rate, snapping every value to the nearest power of ten.
package vardiff

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/carlosrabelo/sv2bridge/internal/v1proto"
)

const (
	// maxTimestampWindow bounds the per-client submission ring buffer.
	maxTimestampWindow = 256

	// deadband is the relative-error tolerance below which no retarget happens.
	deadband = 0.2

	// extranonce2Span is 2^32, the share-space size a single extranonce2
	// increment covers at difficulty 1.
	extranonce2Span = 1 << 32
)

// Client is anything a set_difficulty notification can be written to.
type Client interface {
	WriteMessage(v1proto.Message) error
}

// Config holds vardiff tuning parameters.
type Config struct {
	Enabled             bool    `json:"enabled"`
	TargetShareRate     float64 `json:"target_share_rate"` // shares/sec
	MinDifficulty       float64 `json:"min_difficulty"`
	MaxDifficulty       float64 `json:"max_difficulty"`
	AdjustmentIntervalMs int64  `json:"adjustment_interval_ms"`
}

// vardiffMetrics is the subset of internal/metrics.Collector this package
// needs, kept as an interface so vardiff does not import metrics directly.
type vardiffMetrics interface {
	IncrementVardiffAdjustments()
}

// ClientStats tracks one miner's difficulty state and recent submissions.
type ClientStats struct {
	mu                sync.Mutex
	CurrentDifficulty float64
	Timestamps        []time.Time
	LastAdjustTime    time.Time
}

// Manager runs vardiff for every tracked client.
type Manager struct {
	cfg     *Config
	metrics vardiffMetrics

	clientsMu sync.RWMutex
	clients   map[Client]*ClientStats
}

func NewManager(cfg *Config, metrics vardiffMetrics) *Manager {
	return &Manager{cfg: cfg, metrics: metrics, clients: make(map[Client]*ClientStats)}
}

// snapToPowerOfTen rounds d to the nearest power of ten (on a log10 scale),
// keeping difficulty values round and minimizing needless retargets.
func snapToPowerOfTen(d float64) float64 {
	if d <= 0 {
		return 1
	}
	exp := math.Round(math.Log10(d))
	return math.Pow(10, exp)
}

// InitialDifficulty computes d0 = expectedHashrate / (shareRate * 2^32),
// snapped to the nearest power of ten.
func InitialDifficulty(expectedHashrate, shareRate float64) float64 {
	if shareRate <= 0 {
		shareRate = 1
	}
	d0 := expectedHashrate / (shareRate * extranonce2Span)
	return snapToPowerOfTen(d0)
}

// HashrateEstimate returns shares * 2^32 * currentDifficulty / windowSeconds.
func HashrateEstimate(shares int, currentDifficulty, windowSeconds float64) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	return float64(shares) * extranonce2Span * currentDifficulty / windowSeconds
}

func (m *Manager) interval() time.Duration {
	return time.Duration(m.cfg.AdjustmentIntervalMs) * time.Millisecond
}

// AddClient starts tracking cl with an initial difficulty derived from
// expectedHashrate, and sends it the first mining.set_difficulty.
func (m *Manager) AddClient(cl Client, expectedHashrate float64) {
	if !m.cfg.Enabled {
		return
	}
	d0 := InitialDifficulty(expectedHashrate, m.cfg.TargetShareRate)
	d0 = clamp(d0, m.cfg.MinDifficulty, m.cfg.MaxDifficulty)

	stats := &ClientStats{
		CurrentDifficulty: d0,
		LastAdjustTime:    time.Now(),
		Timestamps:        make([]time.Time, 0, 64),
	}

	m.clientsMu.Lock()
	m.clients[cl] = stats
	m.clientsMu.Unlock()

	m.sendDifficulty(cl, d0)
}

func (m *Manager) RemoveClient(cl Client) {
	m.clientsMu.Lock()
	delete(m.clients, cl)
	m.clientsMu.Unlock()
}

// RecordShare records a share submission timestamp for cl's rate estimate.
func (m *Manager) RecordShare(cl Client) {
	if !m.cfg.Enabled {
		return
	}
	m.clientsMu.RLock()
	stats, ok := m.clients[cl]
	m.clientsMu.RUnlock()
	if !ok {
		return
	}

	stats.mu.Lock()
	stats.Timestamps = append(stats.Timestamps, time.Now())
	if len(stats.Timestamps) > maxTimestampWindow {
		stats.Timestamps = stats.Timestamps[len(stats.Timestamps)-maxTimestampWindow:]
	}
	stats.mu.Unlock()
}

// CurrentDifficulty returns cl's current difficulty, or 0 if untracked.
func (m *Manager) CurrentDifficulty(cl Client) float64 {
	m.clientsMu.RLock()
	stats, ok := m.clients[cl]
	m.clientsMu.RUnlock()
	if !ok {
		return 0
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.CurrentDifficulty
}

// AdjustDifficulties runs the retarget protocol for every client whose
// adjustment interval has elapsed.
func (m *Manager) AdjustDifficulties() {
	if !m.cfg.Enabled {
		return
	}
	m.clientsMu.RLock()
	clients := make([]Client, 0, len(m.clients))
	for cl := range m.clients {
		clients = append(clients, cl)
	}
	m.clientsMu.RUnlock()

	for _, cl := range clients {
		m.adjustClientDifficulty(cl)
	}
}

// AdjustClient runs the retarget protocol for a single client immediately,
// for use by a per-connection vardiff task rather than the shared ticker.
func (m *Manager) AdjustClient(cl Client) {
	if !m.cfg.Enabled {
		return
	}
	m.adjustClientDifficulty(cl)
}

func (m *Manager) adjustClientDifficulty(cl Client) {
	m.clientsMu.RLock()
	stats, ok := m.clients[cl]
	m.clientsMu.RUnlock()
	if !ok {
		return
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := time.Now()
	if now.Sub(stats.LastAdjustTime) < m.interval() {
		return
	}

	windowSeconds := now.Sub(stats.LastAdjustTime).Seconds()
	measuredRate := float64(len(stats.Timestamps)) / windowSeconds

	target := m.cfg.TargetShareRate
	if target <= 0 {
		target = 1
	}

	if math.Abs(measuredRate-target)/target < deadband {
		stats.LastAdjustTime = now
		stats.Timestamps = stats.Timestamps[:0]
		return
	}

	newDiff := stats.CurrentDifficulty * measuredRate / target
	newDiff = clamp(newDiff, m.cfg.MinDifficulty, m.cfg.MaxDifficulty)
	newDiff = snapToPowerOfTen(newDiff)

	stats.LastAdjustTime = now
	stats.Timestamps = stats.Timestamps[:0]

	if newDiff == stats.CurrentDifficulty {
		return
	}
	stats.CurrentDifficulty = newDiff
	if m.metrics != nil {
		m.metrics.IncrementVardiffAdjustments()
	}
	m.sendDifficulty(cl, newDiff)
}

func (m *Manager) sendDifficulty(cl Client, difficulty float64) {
	_ = cl.WriteMessage(v1proto.NewSetDifficultyMessage(difficulty))
}

// Run ticks AdjustDifficulties every AdjustmentIntervalMs until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AdjustDifficulties()
		}
	}
}

func clamp(v, min, max float64) float64 {
	if max > 0 && v > max {
		return max
	}
	if v < min {
		return min
	}
	return v
}
