// Package upstream implements the single logical V2 connection to the pool:
// the Noise_NX handshake, SetupConnection/OpenExtendedMiningChannel, a
// periodic keepalive, inbound frame demultiplexing, and outbound
// SubmitSharesExtended/UpdateChannel serialization. It reconnects with
// bounded backoff on disconnection.
package upstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosrabelo/sv2bridge/internal/bridge"
	"github.com/carlosrabelo/sv2bridge/internal/metrics"
	"github.com/carlosrabelo/sv2bridge/internal/noise"
	"github.com/carlosrabelo/sv2bridge/internal/proxysocks"
	"github.com/carlosrabelo/sv2bridge/internal/supervisor"
	"github.com/carlosrabelo/sv2bridge/internal/v2wire"
)

var (
	ErrNotReady            = errors.New("upstream: not ready")
	ErrUnexpectedRemote    = errors.New("upstream: remote static key does not match configured pool identity")
	ErrSetupRejected       = errors.New("upstream: pool rejected SetupConnection")
	ErrChannelOpenRejected = errors.New("upstream: pool rejected OpenExtendedMiningChannel")
	ErrRecordTooLarge      = errors.New("upstream: record exceeds max frame size")
)

// maxRecordLen bounds one length-prefixed wire record (handshake message or
// an encrypted transport frame), mirroring v2wire.MaxFrameLen.
const maxRecordLen = v2wire.MaxFrameLen + 64

// JobSink is the Bridge's inbound job and channel-reprovisioning path. Kept
// as a narrow interface so this package does not need to import
// internal/bridge's full surface.
type JobSink interface {
	OnNewJob(job v2wire.NewExtendedMiningJob, prevHash v2wire.SetNewPrevHash) *bridge.Job

	// OnUpstreamReconnect is called after every successful
	// OpenExtendedMiningChannel (initial connect and every reconnect) with
	// the pool-granted extranonce prefix and extranonce2 size, so the sink
	// can reprovision any channels it already has open.
	OnUpstreamReconnect(extranoncePrefix []byte, extranonce2Size int)
}

// Config tunes the pool dial target, channel open request, and lifecycle
// timers.
type Config struct {
	Addr               string
	RemoteStaticKey    *[32]byte // nil disables the Noise handshake (local/plaintext testing)
	UserIdentity       string
	NominalHashrate    float64
	MaxTarget          [32]byte
	MinExtranonceSize  uint16
	DialTimeout        time.Duration
	KeepaliveInterval  time.Duration
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	VendorIdentity     string
	ProtocolVersionMin uint16
	ProtocolVersionMax uint16

	// Egress dials through a SOCKS5 proxy when non-nil and enabled; a nil
	// or disabled dialer falls back to a direct TCP dial.
	Egress *proxysocks.ProxyDialer
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return c.DialTimeout
}

func (c Config) keepaliveInterval() time.Duration {
	if c.KeepaliveInterval <= 0 {
		return 30 * time.Second
	}
	return c.KeepaliveInterval
}

func (c Config) backoffRange() (time.Duration, time.Duration) {
	min, max := c.BackoffMin, c.BackoffMax
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max <= min {
		max = 30 * time.Second
	}
	return min, max
}

// Client owns the one logical V2 connection and implements
// internal/bridge.UpstreamClient.
type Client struct {
	cfg     Config
	jobSink JobSink
	metrics *metrics.Collector

	dial func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)

	writeMu sync.Mutex
	conn    net.Conn
	secure  *noise.SecureChannel

	ready            atomic.Bool
	channelID        uint32
	extranoncePrefix atomic.Pointer[[]byte]
	extranonce2Size  atomic.Int64
	requestID        atomic.Uint32
	lastHashrate     atomic.Value // float64

	// pendingJob/pendingPrevHash are touched only from readLoop's single
	// goroutine; a job is forwarded to the sink once both halves of a pair
	// have arrived.
	pendingJob      *v2wire.NewExtendedMiningJob
	pendingPrevHash *v2wire.SetNewPrevHash
}

func NewClient(cfg Config, jobSink JobSink, mx *metrics.Collector) *Client {
	c := &Client{cfg: cfg, jobSink: jobSink, metrics: mx}
	if cfg.Egress != nil && cfg.Egress.IsEnabled() {
		c.dial = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
			return cfg.Egress.DialContext(ctx, "tcp", addr)
		}
	} else {
		c.dial = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	c.lastHashrate.Store(cfg.NominalHashrate)
	empty := []byte{}
	c.extranoncePrefix.Store(&empty)
	return c
}

// Ready reports whether a channel is currently open and usable.
func (c *Client) Ready() bool { return c.ready.Load() }

// ExtranoncePrefix returns the pool-granted prefix for the open channel.
func (c *Client) ExtranoncePrefix() []byte {
	p := c.extranoncePrefix.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Extranonce2Size returns the pool-granted extranonce2 length in bytes.
func (c *Client) Extranonce2Size() int { return int(c.extranonce2Size.Load()) }

// RequestUpdateChannel asks the pool to retarget the channel for a new
// aggregate hashrate.
func (c *Client) RequestUpdateChannel(newHashrate float64) error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	c.lastHashrate.Store(newHashrate)
	return c.writeMessage(v2wire.MsgUpdateChannel, v2wire.UpdateChannel{
		ChannelID:       c.channelID,
		NominalHashrate: newHashrate,
		MaxTarget:       c.cfg.MaxTarget,
	}.Encode())
}

// SubmitShares forwards a translated share to the pool.
func (c *Client) SubmitShares(msg v2wire.SubmitSharesExtended) error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	return c.writeMessage(v2wire.MsgSubmitSharesExtended, msg.Encode())
}

// Run dials, handshakes, and services the upstream connection until ctx is
// cancelled, reconnecting with bounded backoff on every disconnect. It is
// meant to be the body of a single supervisor.UpstreamIO task.
func (c *Client) Run(ctx context.Context, sup *supervisor.Supervisor) {
	min, max := c.cfg.backoffRange()
	attempt := 0
	for ctx.Err() == nil {
		if err := c.runSession(ctx, sup); err != nil {
			c.ready.Store(false)
			if c.metrics != nil {
				c.metrics.SetUpstreamConnected(false)
			}
			if ctx.Err() != nil {
				return
			}
			delay := backoff(min, max, attempt)
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

func backoff(min, max time.Duration, attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	mul := time.Duration(1 << attempt)
	d := min * mul
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}

// runSession dials once, completes the handshake and channel setup, then
// services keepalive and inbound frames until the connection drops or ctx
// is cancelled. It returns nil only when ctx is cancelled.
func (c *Client) runSession(ctx context.Context, sup *supervisor.Supervisor) error {
	conn, err := c.dial(ctx, c.cfg.Addr, c.cfg.dialTimeout())
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	c.conn = conn
	c.secure = nil
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		if c.conn == conn {
			_ = conn.Close()
			c.conn = nil
		}
		c.writeMu.Unlock()
	}()

	if c.cfg.RemoteStaticKey != nil {
		if err := c.handshake(conn); err != nil {
			return fmt.Errorf("upstream: handshake: %w", err)
		}
	}

	if err := c.setupConnection(); err != nil {
		return fmt.Errorf("upstream: setup: %w", err)
	}
	if err := c.openChannel(); err != nil {
		return fmt.Errorf("upstream: open channel: %w", err)
	}

	c.ready.Store(true)
	if c.metrics != nil {
		c.metrics.SetUpstreamConnected(true)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	errs := make(chan error, 2)
	sup.Spawn("", supervisor.UpstreamIO, func(ctx context.Context) { errs <- c.keepaliveLoop(ctx) })
	sup.Spawn("", supervisor.UpstreamJob, func(ctx context.Context) { errs <- c.readLoop(ctx) })

	err = <-errs
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) handshake(conn net.Conn) error {
	hs, err := noise.NewInitiatorHandshake()
	if err != nil {
		return err
	}

	msg1, err := hs.WriteMessage(nil)
	if err != nil {
		return err
	}
	if err := writeRecord(conn, msg1); err != nil {
		return err
	}

	msg2, err := readRecord(conn)
	if err != nil {
		return err
	}
	if _, err := hs.ReadMessage(msg2); err != nil {
		return err
	}
	if !hs.IsComplete() {
		return noise.ErrHandshakeFailed
	}

	remote := hs.GetRemoteStatic()
	if *c.cfg.RemoteStaticKey != remote {
		return ErrUnexpectedRemote
	}

	send, recv, err := hs.Split()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	c.secure = noise.NewSecureChannel(send, recv)
	c.writeMu.Unlock()
	return nil
}

func (c *Client) setupConnection() error {
	setup := v2wire.SetupConnection{
		ProtocolVersionMin: c.cfg.ProtocolVersionMin,
		ProtocolVersionMax: c.cfg.ProtocolVersionMax,
		Endpoint:           c.cfg.Addr,
		VendorIdentity:     c.cfg.VendorIdentity,
	}
	if err := c.writeMessage(v2wire.MsgSetupConnection, setup.Encode()); err != nil {
		return err
	}
	frame, err := c.readFrame()
	if err != nil {
		return err
	}
	if frame.MsgType != v2wire.MsgSetupConnectionSuccess {
		return ErrSetupRejected
	}
	_, err = v2wire.DecodeSetupConnectionSuccess(frame.Payload)
	return err
}

func (c *Client) openChannel() error {
	reqID := c.requestID.Add(1)
	open := v2wire.OpenExtendedMiningChannel{
		RequestID:         reqID,
		UserIdentity:      c.cfg.UserIdentity,
		NominalHashrate:   c.cfg.NominalHashrate,
		MaxTarget:         c.cfg.MaxTarget,
		MinExtranonceSize: c.cfg.MinExtranonceSize,
	}
	if err := c.writeMessage(v2wire.MsgOpenExtendedMiningChannel, open.Encode()); err != nil {
		return err
	}
	frame, err := c.readFrame()
	if err != nil {
		return err
	}
	if frame.MsgType != v2wire.MsgOpenExtendedMiningChannelOK {
		return ErrChannelOpenRejected
	}
	success, err := v2wire.DecodeOpenExtendedMiningChannelSuccess(frame.Payload)
	if err != nil {
		return err
	}

	c.channelID = success.ChannelID
	prefix := append([]byte{}, success.ExtranoncePrefix...)
	c.extranoncePrefix.Store(&prefix)
	c.extranonce2Size.Store(int64(success.ExtranonceSize))
	c.jobSink.OnUpstreamReconnect(prefix, int(success.ExtranonceSize))
	return nil
}

func (c *Client) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.keepaliveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hr, _ := c.lastHashrate.Load().(float64)
			if err := c.RequestUpdateChannel(hr); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		frame, err := c.readFrame()
		if err != nil {
			return err
		}
		if err := c.dispatch(frame); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(frame v2wire.Frame) error {
	switch frame.MsgType {
	case v2wire.MsgNewExtendedMiningJob:
		job, err := v2wire.DecodeNewExtendedMiningJob(frame.Payload)
		if err != nil {
			return err
		}
		c.pendingJob = &job
		if c.pendingPrevHash != nil {
			_ = c.jobSink.OnNewJob(job, *c.pendingPrevHash)
		}
	case v2wire.MsgSetNewPrevHash:
		prevHash, err := v2wire.DecodeSetNewPrevHash(frame.Payload)
		if err != nil {
			return err
		}
		c.pendingPrevHash = &prevHash
		if c.pendingJob != nil {
			_ = c.jobSink.OnNewJob(*c.pendingJob, prevHash)
		}
	case v2wire.MsgSubmitSharesSuccess, v2wire.MsgSubmitSharesError:
		// Synchronous accept/reject bookkeeping lives in the Bridge's own
		// share-outcome path; the upstream client only needs to keep the
		// connection alive when these arrive.
	case v2wire.MsgChannelEndpointChanged:
		changed, err := v2wire.DecodeChannelEndpointChanged(frame.Payload)
		if err != nil {
			return err
		}
		if changed.ChannelID == c.channelID {
			c.pendingJob = nil
			c.pendingPrevHash = nil
		}
	}
	return nil
}

func (c *Client) writeMessage(msgType uint8, payload []byte) error {
	buf := &bytes.Buffer{}
	if err := v2wire.WriteFrame(buf, v2wire.Frame{MsgType: msgType, Payload: payload}); err != nil {
		return err
	}
	raw := buf.Bytes()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotReady
	}
	if c.secure != nil {
		enc, err := c.secure.Encrypt(raw)
		if err != nil {
			return err
		}
		raw = enc
	}
	return writeRecord(c.conn, raw)
}

func (c *Client) readFrame() (v2wire.Frame, error) {
	c.writeMu.Lock()
	conn := c.conn
	secure := c.secure
	c.writeMu.Unlock()
	if conn == nil {
		return v2wire.Frame{}, ErrNotReady
	}

	raw, err := readRecord(conn)
	if err != nil {
		return v2wire.Frame{}, err
	}
	if secure != nil {
		raw, err = secure.Decrypt(raw)
		if err != nil {
			return v2wire.Frame{}, err
		}
	}
	return v2wire.ReadFrame(bytes.NewReader(raw))
}

// writeRecord/readRecord frame an arbitrary byte string (handshake message
// or an encrypted transport frame) on the wire with a 4-byte big-endian
// length prefix, independent of v2wire's own frame header.
func writeRecord(w net.Conn, data []byte) error {
	if len(data) > maxRecordLen {
		return ErrRecordTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readRecord(r net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxRecordLen {
		return nil, ErrRecordTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
