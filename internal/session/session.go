// Package session implements the per-miner V1 state machine: line framing,
// the configure/subscribe/authorize/submit protocol, vardiff application,
// and the recent-jobs window used to re-expand a submit.
package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/carlosrabelo/sv2bridge/internal/bridge"
	"github.com/carlosrabelo/sv2bridge/internal/metrics"
	"github.com/carlosrabelo/sv2bridge/internal/supervisor"
	"github.com/carlosrabelo/sv2bridge/internal/v1proto"
	"github.com/carlosrabelo/sv2bridge/internal/vardiff"
	"github.com/carlosrabelo/sv2bridge/pkg/logger"
)

// notifySubscriptionID is the fixed subscription id advertised for
// mining.notify, matching what most V1 miners expect to see unchanged
// across a session's lifetime.
const notifySubscriptionID = "ae6812eb4cd7735a302a8a9dd95cf71f"

// versionRollingMask is the maximum rollable version-bit field this proxy
// will ever expose to a miner, independent of what the miner requests.
const versionRollingMask = 0x1FFFE000

var ErrSessionClosed = errors.New("session: closed")

// Telemetry is the fire-and-forget worker-activity sink a session reports to.
// internal/telemetry provides the real implementation; nil is a valid no-op.
type Telemetry interface {
	WorkerConnected(addr, worker string)
	WorkerDisconnected(addr, worker string)
}

// Config tunes per-session behavior.
type Config struct {
	ReadBufBytes       int
	PreHandshakeIdle   time.Duration
	PostHandshakeIdle  time.Duration
	ExpectedHashrate   float64
	OutboundQueueDepth int
}

// Session is one V1 miner connection. All exported methods are safe for
// concurrent use; protocol state is read and written under mu.
type Session struct {
	id   string
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	addr string

	cfg       Config
	bridgeRef *bridge.Bridge
	vd        *vardiff.Manager
	mx        *metrics.Collector
	telemetry Telemetry
	log       *logger.Logger

	mu                    sync.Mutex
	state                 State
	userAgent             string
	authorizedNames       map[string]struct{}
	hasVersionRollingMask bool
	versionMask           uint32
	versionMinBits        int
	channelID             uint32
	extranonce1           string
	extranonce2Len        int
	primaryWorker         string
	currentTarget         [32]byte

	recentJobs *recentJobs

	outbound chan v1proto.Message
	closed   chan struct{}
	closeOnce sync.Once
}

// New constructs a session bound to an accepted connection. The caller
// should then invoke Serve to run it under a supervisor. log may be nil, in
// which case the package-level default logger is used; either way the
// session attaches its id and peer address as structured fields.
func New(id string, conn net.Conn, cfg Config, br *bridge.Bridge, vd *vardiff.Manager, mx *metrics.Collector, telemetry Telemetry, log *logger.Logger) *Session {
	queueDepth := cfg.OutboundQueueDepth
	if queueDepth <= 0 {
		queueDepth = 64
	}
	var maxTarget [32]byte
	for i := range maxTarget {
		maxTarget[i] = 0xff
	}
	addr := conn.RemoteAddr().String()
	if log == nil {
		log = logger.Default
	}
	return &Session{
		id:              id,
		conn:            conn,
		br:              bufio.NewReaderSize(conn, cfg.ReadBufBytes),
		bw:              bufio.NewWriterSize(conn, cfg.ReadBufBytes),
		addr:            addr,
		cfg:             cfg,
		bridgeRef:       br,
		vd:              vd,
		mx:              mx,
		telemetry:       telemetry,
		log:             log.With("session", id, "addr", addr),
		authorizedNames: make(map[string]struct{}),
		recentJobs:      newRecentJobs(),
		outbound:        make(chan v1proto.Message, queueDepth),
		closed:          make(chan struct{}),
		currentTarget:   maxTarget,
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Addr() string { return s.addr }

func (s *Session) stateValue() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// WriteMessage enqueues msg for the writer loop; it is the only path by
// which a session's outbound bytes are produced, so ordering is always
// enqueue order. Implements vardiff.Client. A mining.set_difficulty also
// updates the cached target a submit is checked against, so the two always
// move together.
func (s *Session) WriteMessage(msg v1proto.Message) error {
	if msg.Method == v1proto.MethodSetDifficulty {
		if arr, ok := msg.Params.([]interface{}); ok && len(arr) > 0 {
			if d, ok := arr[0].(float64); ok {
				target := v1proto.DiffToTarget(d)
				s.mu.Lock()
				s.currentTarget = target
				s.mu.Unlock()
			}
		}
	}
	select {
	case s.outbound <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Serve spawns the session's supervised tasks and blocks until the reader
// loop exits, then aborts the rest of the group and releases resources.
func (s *Session) Serve(ctx context.Context, sup *supervisor.Supervisor) {
	s.mx.IncrementClients()
	defer s.mx.DecrementClients()

	readerDone := make(chan struct{})

	sup.Spawn(s.id, supervisor.SessionWriter, s.writerLoop)
	sup.Spawn(s.id, supervisor.SessionNotify, s.notifyLoop)
	sup.Spawn(s.id, supervisor.SessionVardiff, s.vardiffLoop)
	sup.Spawn(s.id, supervisor.SessionReader, func(ctx context.Context) {
		s.readerLoop(ctx)
		close(readerDone)
	})

	select {
	case <-readerDone:
	case <-ctx.Done():
	}

	sup.AbortGroup(s.id)
	s.teardown()
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.setState(StateClosed)
	_ = s.conn.Close()
	s.vd.RemoveClient(s)

	s.mu.Lock()
	channelID := s.channelID
	hasChannel := s.extranonce1 != ""
	worker := s.primaryWorker
	s.mu.Unlock()
	if hasChannel {
		s.bridgeRef.ReleaseChannel(channelID)
	}
	if worker != "" && s.telemetry != nil {
		s.telemetry.WorkerDisconnected(s.addr, worker)
	}
}

func (s *Session) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbound:
			data, err := msg.Marshal()
			if err != nil {
				continue
			}
			if _, err := s.bw.Write(data); err != nil {
				return
			}
			if err := s.bw.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Session) notifyLoop(ctx context.Context) {
	ch, unsubscribe := s.bridgeRef.SubscribeNotify()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			_ = s.WriteMessage(msg)
		}
	}
}

func (s *Session) vardiffLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.vd.AdjustClient(s)
		}
	}
}

func (s *Session) readerLoop(ctx context.Context) {
	scanner := bufio.NewScanner(s.br)
	buf := make([]byte, 0, s.cfg.ReadBufBytes)
	scanner.Buffer(buf, v1proto.MaxLineBytes)

	for {
		if idle := s.idleTimeout(); idle > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(idle))
		} else {
			_ = s.conn.SetReadDeadline(time.Time{})
		}

		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()

		var msg v1proto.Message
		if err := msg.Unmarshal(line); err != nil {
			continue
		}
		s.dispatch(msg)

		if s.stateValue() == StateClosed {
			return
		}
	}
}

func (s *Session) idleTimeout() time.Duration {
	if s.stateValue() == StateActive {
		return s.cfg.PostHandshakeIdle
	}
	return s.cfg.PreHandshakeIdle
}

func (s *Session) dispatch(msg v1proto.Message) {
	switch msg.Method {
	case v1proto.MethodConfigure:
		s.handleConfigure(msg)
	case v1proto.MethodSubscribe:
		s.handleSubscribe(msg)
	case v1proto.MethodAuthorize:
		s.handleAuthorize(msg)
	case v1proto.MethodSubmit:
		s.handleSubmit(msg)
	case v1proto.MethodExtranonceSubscribe:
		_ = s.WriteMessage(v1proto.NewSuccessResponse(msg.ID, true))
	default:
		s.log.Warn("unknown method %q", msg.Method)
	}
}

func (s *Session) handleConfigure(msg v1proto.Message) {
	arr, _ := msg.Params.([]interface{})
	var requestedMask uint32 = 0xFFFFFFFF
	minBits := 0
	if len(arr) > 1 {
		if params, ok := arr[1].(map[string]interface{}); ok {
			if maskHex, ok := params["version-rolling.mask"].(string); ok {
				if v, err := strconv.ParseUint(maskHex, 16, 32); err == nil {
					requestedMask = uint32(v)
				}
			}
			if bits, ok := params["version-rolling.min-bit-count"].(float64); ok {
				minBits = int(bits)
			}
		}
	}

	mask := requestedMask & versionRollingMask

	s.mu.Lock()
	s.hasVersionRollingMask = true
	s.versionMask = mask
	s.versionMinBits = minBits
	if s.state < StateConfigured {
		s.state = StateConfigured
	}
	s.mu.Unlock()

	if job := s.bridgeRef.LastJob(); job != nil {
		s.recentJobs.add(job, mask)
	}

	_ = s.WriteMessage(v1proto.NewConfigureResponse(msg.ID, mask, minBits))
}

// SetExtranonce implements bridge.ExtranonceSink. The Bridge calls this after
// an upstream reconnect reprovisions every live channel with a fresh
// extranonce1; the session adopts it and pushes mining.set_extranonce
// followed by the latest cached job's mining.notify, so mining resumes
// without the miner having to resubscribe.
func (s *Session) SetExtranonce(extranonce1 string, extranonce2Len int) {
	s.mu.Lock()
	s.extranonce1 = extranonce1
	s.extranonce2Len = extranonce2Len
	mask := s.versionMask
	s.mu.Unlock()

	_ = s.WriteMessage(v1proto.NewSetExtranonceMessage(extranonce1, extranonce2Len))

	if job := s.bridgeRef.LastJob(); job != nil {
		s.recentJobs.add(job, mask)
		_ = s.WriteMessage(job.ToNotify())
	}
}

func (s *Session) handleSubscribe(msg v1proto.Message) {
	var agent string
	if arr, ok := msg.Params.([]interface{}); ok && len(arr) > 0 {
		if v, ok := arr[0].(string); ok {
			agent = v
		}
	}

	s.mu.Lock()
	s.userAgent = agent
	s.mu.Unlock()

	expected := s.cfg.ExpectedHashrate
	opened, err := s.bridgeRef.OnNewConnection(expected, s)
	if err != nil {
		_ = s.WriteMessage(v1proto.NewErrorResponse(msg.ID, -1, err.Error(), nil))
		s.setState(StateClosed)
		return
	}

	s.mu.Lock()
	s.channelID = opened.ChannelID
	s.extranonce1 = opened.Extranonce1
	s.extranonce2Len = opened.Extranonce2Len
	if s.state < StateSubscribed {
		s.state = StateSubscribed
	}
	s.mu.Unlock()

	s.vd.AddClient(s, expected)

	setDiffSubID, err := randomHex16()
	if err != nil {
		setDiffSubID = "0000000000000000"
	}
	_ = s.WriteMessage(v1proto.NewSubscribeResponse(msg.ID, setDiffSubID, notifySubscriptionID, opened.Extranonce1, opened.Extranonce2Len))

	if opened.LastNotify != nil {
		if job := s.bridgeRef.LastJob(); job != nil {
			s.mu.Lock()
			mask := s.versionMask
			s.mu.Unlock()
			s.recentJobs.add(job, mask)
		}
		_ = s.WriteMessage(*opened.LastNotify)
	}
}

func (s *Session) handleAuthorize(msg v1proto.Message) {
	var name string
	if arr, ok := msg.Params.([]interface{}); ok && len(arr) > 0 {
		if v, ok := arr[0].(string); ok {
			name = v
		}
	}

	s.mu.Lock()
	already := len(s.authorizedNames) > 0
	if !already {
		s.authorizedNames[name] = struct{}{}
		if s.primaryWorker == "" {
			s.primaryWorker = name
		}
	}
	if !already && s.state < StateActive {
		s.state = StateActive
	}
	s.mu.Unlock()

	result := !already
	_ = s.WriteMessage(v1proto.NewSuccessResponse(msg.ID, result))

	if result {
		if s.telemetry != nil {
			s.telemetry.WorkerConnected(s.addr, name)
		}
		if job := s.bridgeRef.LastJob(); job != nil {
			notify := job.ToNotify()
			_ = s.WriteMessage(notify)
		}
	}
}

func (s *Session) handleSubmit(msg v1proto.Message) {
	arr, ok := msg.Params.([]interface{})
	if !ok || len(arr) < 5 {
		_ = s.WriteMessage(v1proto.NewSuccessResponse(msg.ID, false))
		return
	}

	jobIDV1, _ := arr[1].(string)
	ex2Hex, _ := arr[2].(string)
	ntimeHex, _ := arr[3].(string)
	nonceHex, _ := arr[4].(string)
	var versionBitsHex string
	if len(arr) > 5 {
		versionBitsHex, _ = arr[5].(string)
	}

	if !isHexString(jobIDV1) {
		s.mu.Lock()
		worker := s.primaryWorker
		s.mu.Unlock()
		_, _, err := s.bridgeRef.OnSubmit(bridge.SubmitRequest{
			InvalidJobIDFormat: true,
			WorkerName:         worker,
			Difficulty:         s.vd.CurrentDifficulty(s),
		})
		if err != nil {
			s.log.With("worker", worker).Error("submit error: %v", err)
		}
		_ = s.WriteMessage(v1proto.NewSuccessResponse(msg.ID, false))
		return
	}

	entry, ok := s.recentJobs.lookup(jobIDV1)
	if !ok {
		_ = s.WriteMessage(v1proto.NewSuccessResponse(msg.ID, false))
		return
	}

	s.vd.RecordShare(s)

	ex2, err := hex.DecodeString(ex2Hex)
	if err != nil {
		_ = s.WriteMessage(v1proto.NewSuccessResponse(msg.ID, false))
		return
	}
	ntime64, _ := strconv.ParseUint(ntimeHex, 16, 32)
	nonce64, _ := strconv.ParseUint(nonceHex, 16, 32)
	var versionBits uint32
	if versionBitsHex != "" {
		v, _ := strconv.ParseUint(versionBitsHex, 16, 32)
		versionBits = uint32(v)
	}

	s.mu.Lock()
	channelID := s.channelID
	worker := s.primaryWorker
	currentTarget := s.currentTarget
	s.mu.Unlock()

	outcome, _, err := s.bridgeRef.OnSubmit(bridge.SubmitRequest{
		ChannelID:     channelID,
		Job:           entry.job,
		Extranonce2:   ex2,
		NTime:         uint32(ntime64),
		Nonce:         uint32(nonce64),
		VersionBits:   versionBits,
		VersionMask:   entry.versionMask,
		CurrentTarget: currentTarget,
		WorkerName:    worker,
		Difficulty:    s.vd.CurrentDifficulty(s),
	})
	if err != nil {
		s.log.With("channel", channelID, "worker", worker).Error("submit error: %v", err)
	}

	accepted := outcome == bridge.OutcomeAccepted
	_ = s.WriteMessage(v1proto.NewSuccessResponse(msg.ID, accepted))
}

// isHexString reports whether s is a non-empty run of hex digits, the
// format every v1 job id nextJobID (internal/bridge) ever produces.
func isHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

func randomHex16() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}
