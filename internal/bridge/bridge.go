// Package bridge owns the extranonce allocator, the channel-to-session map,
// the job cache and broadcast, and V1-submit-to-V2 share translation. It is
// the single point of contact between many V1 sessions and the one
// upstream extended mining channel.
package bridge

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/carlosrabelo/sv2bridge/internal/v1proto"
	"github.com/carlosrabelo/sv2bridge/internal/v2wire"
)

var (
	ErrUpstreamNotReady  = errors.New("bridge: upstream not ready")
	ErrHashrateRejected  = errors.New("bridge: hashrate rejected")
	ErrChannelNotFound   = errors.New("bridge: channel not found")
)

// UpstreamClient is the subset of the V2 upstream connection the Bridge
// depends on. internal/upstream implements it.
type UpstreamClient interface {
	Ready() bool
	ExtranoncePrefix() []byte
	Extranonce2Size() int
	SubmitShares(v2wire.SubmitSharesExtended) error
	RequestUpdateChannel(newHashrate float64) error
}

// Config tunes the extranonce allocator and hashrate reporting threshold.
type Config struct {
	MaxChannels             int
	HashrateUpdateThreshold float64
}

// ShareSink is the fire-and-forget telemetry hook the Bridge reports every
// terminal submit outcome to. internal/telemetry provides the real
// implementation; nil disables reporting. reason is one of the
// v1proto.Reject* constants, or "" for an accepted share.
type ShareSink interface {
	RecordShare(workerName string, difficulty float64, jobID int64, reason string, at time.Time)
}

// ExtranonceSink is the per-session push target for a reprovisioned
// extranonce1. internal/session's Session implements it, pushing
// mining.set_extranonce followed by the latest mining.notify on the wire.
type ExtranonceSink interface {
	SetExtranonce(extranonce1 string, extranonce2Len int)
}

// ChannelInfo is the Bridge's record for one live V1 session.
type ChannelInfo struct {
	ChannelID            uint32
	Extranonce1          []byte
	Extranonce2Len        int
	HashrateContribution float64
	sink                 ExtranonceSink
}

// OpenedChannel is returned to a newly connecting V1 session.
type OpenedChannel struct {
	ChannelID      uint32
	Extranonce1    string
	Extranonce2Len int
	LastNotify     *v1proto.Message
}

// SubmitRequest carries everything the Bridge needs to re-expand and
// forward a V1 mining.submit.
type SubmitRequest struct {
	ChannelID      uint32
	SequenceNumber uint32
	Job            *Job
	Extranonce2    []byte
	NTime          uint32
	Nonce          uint32
	VersionBits    uint32
	VersionMask    uint32
	CurrentTarget  [32]byte

	// InvalidJobIDFormat is set by the session when the submitted job id
	// itself is not well-formed hex, distinguishing a malformed submit from
	// one naming a job that has simply aged out of the recent-jobs window.
	InvalidJobIDFormat bool

	// WorkerName and Difficulty are reported to the ShareSink only; they do
	// not affect translation or acceptance.
	WorkerName string
	Difficulty float64
}

// SubmitOutcome is the synchronous result of a submit.
type SubmitOutcome int

const (
	OutcomeAccepted SubmitOutcome = iota
	OutcomeRejectedLocally
	OutcomeForwardedPending
)

// Bridge is safe for concurrent use.
type Bridge struct {
	cfg      Config
	upstream UpstreamClient
	shares   ShareSink

	mu                sync.Mutex
	alloc             *allocator
	channels          map[uint32]*ChannelInfo
	aggregateHashrate float64
	lastJob           *Job

	broadcast *notifyBroadcast
}

func NewBridge(cfg Config, upstream UpstreamClient) *Bridge {
	return &Bridge{
		cfg:       cfg,
		upstream:  upstream,
		alloc:     newAllocator(cfg.MaxChannels),
		channels:  make(map[uint32]*ChannelInfo),
		broadcast: newNotifyBroadcast(),
	}
}

// SetShareSink wires the telemetry backend every terminal submit outcome is
// reported to. Calling it is optional; a Bridge with no sink set simply
// skips reporting.
func (b *Bridge) SetShareSink(sink ShareSink) {
	b.shares = sink
}

// SetUpstream wires the live upstream client after construction. This
// breaks the construction cycle between Bridge (which needs the upstream
// client to forward submits) and the upstream client (which needs the
// Bridge as its JobSink) — the caller constructs a Bridge with a nil
// upstream, passes it as the upstream client's JobSink, then calls this.
func (b *Bridge) SetUpstream(upstream UpstreamClient) {
	b.upstream = upstream
}

// Ready reports whether the upstream channel is open and a first job cached.
func (b *Bridge) Ready() bool {
	if !b.upstream.Ready() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastJob != nil
}

// LastJob returns the most recently cached job, or nil before the first one
// arrives.
func (b *Bridge) LastJob() *Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastJob
}

// OnNewConnection allocates a channel for a new V1 session. sink receives
// any later mining.set_extranonce push this channel needs (e.g. after an
// upstream reconnect reprovisions every live channel); it may be nil if the
// caller does not need that push.
func (b *Bridge) OnNewConnection(expectedHashrate float64, sink ExtranonceSink) (OpenedChannel, error) {
	if expectedHashrate <= 0 {
		return OpenedChannel{}, ErrHashrateRejected
	}

	if !b.upstream.Ready() {
		return OpenedChannel{}, ErrUpstreamNotReady
	}

	id, err := b.alloc.allocate()
	if err != nil {
		return OpenedChannel{}, err
	}

	prefix := append([]byte{}, b.upstream.ExtranoncePrefix()...)
	extranonce1 := append(prefix, b.alloc.encode(id)...)
	ex2Len := b.upstream.Extranonce2Size()

	b.mu.Lock()
	b.channels[id] = &ChannelInfo{
		ChannelID:            id,
		Extranonce1:          extranonce1,
		Extranonce2Len:        ex2Len,
		HashrateContribution: expectedHashrate,
		sink:                 sink,
	}
	b.aggregateHashrate += expectedHashrate
	last := b.lastJob
	aggregate := b.aggregateHashrate
	b.mu.Unlock()

	b.maybeRequestUpdate(aggregate)

	opened := OpenedChannel{
		ChannelID:      id,
		Extranonce1:    hexString(extranonce1),
		Extranonce2Len: ex2Len,
	}
	if last != nil {
		notify := last.ToNotify()
		opened.LastNotify = &notify
	}
	return opened, nil
}

// ReleaseChannel frees a channel's id and returns its hashrate contribution
// to the pool.
func (b *Bridge) ReleaseChannel(channelID uint32) {
	b.mu.Lock()
	info, ok := b.channels[channelID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.channels, channelID)
	b.aggregateHashrate -= info.HashrateContribution
	aggregate := b.aggregateHashrate
	b.mu.Unlock()

	b.alloc.release(channelID)
	b.maybeRequestUpdate(aggregate)
}

func (b *Bridge) maybeRequestUpdate(aggregate float64) {
	if b.cfg.HashrateUpdateThreshold <= 0 {
		return
	}
	if aggregate >= b.cfg.HashrateUpdateThreshold {
		_ = b.upstream.RequestUpdateChannel(aggregate)
	}
}

// SubscribeNotify subscribes to job broadcasts; the caller gets the latest
// job immediately, and every subsequent update, never blocking the Bridge.
func (b *Bridge) SubscribeNotify() (<-chan v1proto.Message, func()) {
	return b.broadcast.subscribe()
}

// OnNewJob translates an upstream job plus the latest prev-hash into a V1
// notify, caches it, and broadcasts it to every session.
func (b *Bridge) OnNewJob(job v2wire.NewExtendedMiningJob, prevHash v2wire.SetNewPrevHash) *Job {
	translated := translateJob(job, prevHash)

	b.mu.Lock()
	b.lastJob = translated
	b.mu.Unlock()

	b.broadcast.publish(translated.ToNotify())
	return translated
}

// OnUpstreamReconnect re-derives every live channel's extranonce1 from a
// freshly (re)opened upstream channel's prefix and pushes the replacement to
// each channel's sink. Called after every successful OpenExtendedMiningChannel,
// including the first one, when the channel map is empty and this is a no-op.
func (b *Bridge) OnUpstreamReconnect(extranoncePrefix []byte, extranonce2Size int) {
	type push struct {
		sink        ExtranonceSink
		extranonce1 string
	}

	b.mu.Lock()
	pushes := make([]push, 0, len(b.channels))
	for id, info := range b.channels {
		extranonce1 := append([]byte{}, extranoncePrefix...)
		extranonce1 = append(extranonce1, b.alloc.encode(id)...)
		info.Extranonce1 = extranonce1
		info.Extranonce2Len = extranonce2Size
		if info.sink != nil {
			pushes = append(pushes, push{sink: info.sink, extranonce1: hexString(extranonce1)})
		}
	}
	b.mu.Unlock()

	for _, p := range pushes {
		p.sink.SetExtranonce(p.extranonce1, extranonce2Size)
	}
}

// OnSubmit re-expands a V1 submit against its cached job and forwards it
// upstream as SubmitSharesExtended. Every terminal outcome (forwarding
// errors excepted, since those are not yet known-rejected) is reported to
// the ShareSink.
func (b *Bridge) OnSubmit(req SubmitRequest) (SubmitOutcome, string, error) {
	outcome, reason, err := b.onSubmit(req)
	if reason != "" || outcome == OutcomeAccepted {
		jobID := int64(-1)
		if req.Job != nil {
			jobID = int64(req.Job.V2JobID)
		}
		b.reportShare(req.WorkerName, req.Difficulty, jobID, reason)
	}
	return outcome, reason, err
}

func (b *Bridge) onSubmit(req SubmitRequest) (SubmitOutcome, string, error) {
	if req.InvalidJobIDFormat {
		return OutcomeRejectedLocally, v1proto.RejectInvalidJobIDFmt, nil
	}
	if req.Job == nil {
		return OutcomeRejectedLocally, v1proto.RejectJobIDNotFound, nil
	}

	b.mu.Lock()
	info, ok := b.channels[req.ChannelID]
	b.mu.Unlock()
	if !ok {
		return OutcomeRejectedLocally, v1proto.RejectInvalidShare, ErrChannelNotFound
	}

	extranonce := make([]byte, 0, len(info.Extranonce1)+len(req.Extranonce2))
	extranonce = append(extranonce, info.Extranonce1...)
	extranonce = append(extranonce, req.Extranonce2...)
	if len(req.Extranonce2) != info.Extranonce2Len {
		return OutcomeRejectedLocally, v1proto.RejectInvalidShare, nil
	}

	version := req.Job.Version
	if req.VersionMask != 0 {
		version = (req.Job.Version &^ req.VersionMask) | (req.VersionBits & req.VersionMask)
	}

	if !meetsTarget(shareHash(version, req.NTime, req.Nonce, extranonce), req.CurrentTarget) {
		return OutcomeRejectedLocally, v1proto.RejectDifficultyMismatch, nil
	}

	submit := v2wire.SubmitSharesExtended{
		ChannelID:      req.ChannelID,
		SequenceNumber: req.SequenceNumber,
		JobID:          req.Job.V2JobID,
		Nonce:          req.Nonce,
		NTime:          req.NTime,
		Version:        version,
		Extranonce:     extranonce,
	}
	if err := b.upstream.SubmitShares(submit); err != nil {
		return OutcomeForwardedPending, "", err
	}
	return OutcomeAccepted, "", nil
}

func (b *Bridge) reportShare(workerName string, difficulty float64, jobID int64, reason string) {
	if b.shares == nil {
		return
	}
	b.shares.RecordShare(workerName, difficulty, jobID, reason, time.Now())
}

// shareHash computes a deterministic digest standing in for the pool's own
// consensus-level proof-of-work check, which this proxy does not implement
// (see non-goals): a double-SHA256 over the share's header-relevant fields.
func shareHash(version, ntime, nonce uint32, extranonce []byte) [32]byte {
	buf := make([]byte, 0, 12+len(extranonce))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], version)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], ntime)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], nonce)
	buf = append(buf, tmp[:]...)
	buf = append(buf, extranonce...)
	first := sha256.Sum256(buf)
	return sha256.Sum256(first[:])
}

func meetsTarget(hash, target [32]byte) bool {
	h := new(big.Int).SetBytes(hash[:])
	t := new(big.Int).SetBytes(target[:])
	if t.Sign() == 0 {
		return true
	}
	return h.Cmp(t) <= 0
}

func hexString(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
