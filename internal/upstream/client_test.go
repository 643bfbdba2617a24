package upstream

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/carlosrabelo/sv2bridge/internal/bridge"
	"github.com/carlosrabelo/sv2bridge/internal/supervisor"
	"github.com/carlosrabelo/sv2bridge/internal/v2wire"
)

type jobPrevHashPair struct {
	job      v2wire.NewExtendedMiningJob
	prevHash v2wire.SetNewPrevHash
}

type reconnectCall struct {
	prefix          []byte
	extranonce2Size int
}

type fakeJobSink struct {
	jobs       chan jobPrevHashPair
	reconnects chan reconnectCall
}

func newFakeJobSink() *fakeJobSink {
	return &fakeJobSink{
		jobs:       make(chan jobPrevHashPair, 4),
		reconnects: make(chan reconnectCall, 4),
	}
}

func (f *fakeJobSink) OnNewJob(job v2wire.NewExtendedMiningJob, prevHash v2wire.SetNewPrevHash) *bridge.Job {
	f.jobs <- jobPrevHashPair{job, prevHash}
	return nil
}

func (f *fakeJobSink) OnUpstreamReconnect(extranoncePrefix []byte, extranonce2Size int) {
	f.reconnects <- reconnectCall{prefix: append([]byte{}, extranoncePrefix...), extranonce2Size: extranonce2Size}
}

func poolWriteFrame(t *testing.T, conn net.Conn, msgType uint8, payload []byte) {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := v2wire.WriteFrame(buf, v2wire.Frame{MsgType: msgType, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if err := writeRecord(conn, buf.Bytes()); err != nil {
		t.Fatal(err)
	}
}

func poolReadFrame(t *testing.T, conn net.Conn) v2wire.Frame {
	t.Helper()
	raw, err := readRecord(conn)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	frame, err := v2wire.ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// newTestClient wires a Client to one end of a net.Pipe, with the other end
// acting as a scripted fake pool. Noise is disabled (RemoteStaticKey nil) so
// the test exercises setup/channel-open/job-dispatch without a handshake.
func newTestClient(t *testing.T) (*Client, net.Conn, *fakeJobSink) {
	t.Helper()
	clientSide, poolSide := net.Pipe()
	t.Cleanup(func() { poolSide.Close() })

	sink := newFakeJobSink()
	c := NewClient(Config{
		Addr:              "pool.test:3336",
		UserIdentity:      "user.w1",
		NominalHashrate:   1e12,
		KeepaliveInterval: time.Hour,
	}, sink, nil)
	c.dial = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
		return clientSide, nil
	}
	return c, poolSide, sink
}

func runFakePoolHandshake(t *testing.T, poolSide net.Conn) {
	t.Helper()
	setupFrame := poolReadFrame(t, poolSide)
	if setupFrame.MsgType != v2wire.MsgSetupConnection {
		t.Fatalf("expected SetupConnection, got msg type %d", setupFrame.MsgType)
	}
	poolWriteFrame(t, poolSide, v2wire.MsgSetupConnectionSuccess, v2wire.SetupConnectionSuccess{UsedVersion: 2}.Encode())

	openFrame := poolReadFrame(t, poolSide)
	if openFrame.MsgType != v2wire.MsgOpenExtendedMiningChannel {
		t.Fatalf("expected OpenExtendedMiningChannel, got msg type %d", openFrame.MsgType)
	}
	open, err := v2wire.DecodeOpenExtendedMiningChannel(openFrame.Payload)
	if err != nil {
		t.Fatal(err)
	}
	poolWriteFrame(t, poolSide, v2wire.MsgOpenExtendedMiningChannelOK, v2wire.OpenExtendedMiningChannelSuccess{
		RequestID:        open.RequestID,
		ChannelID:        7,
		ExtranoncePrefix: []byte{0x01, 0x02},
		ExtranonceSize:   4,
	}.Encode())
}

func TestClientConnectsAndOpensChannel(t *testing.T) {
	c, poolSide, sink := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- c.runSession(ctx, sup) }()

	runFakePoolHandshake(t, poolSide)

	deadline := time.After(2 * time.Second)
	for !c.Ready() {
		select {
		case <-deadline:
			t.Fatal("client never became ready")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := c.ExtranoncePrefix(); !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Fatalf("expected extranonce prefix [1 2], got %v", got)
	}
	if c.Extranonce2Size() != 4 {
		t.Fatalf("expected extranonce2 size 4, got %d", c.Extranonce2Size())
	}

	select {
	case call := <-sink.reconnects:
		if !bytes.Equal(call.prefix, []byte{0x01, 0x02}) || call.extranonce2Size != 4 {
			t.Fatalf("unexpected reconnect call: %+v", call)
		}
	default:
		t.Fatal("expected OnUpstreamReconnect to fire after channel open")
	}

	cancel()
	poolSide.Close()
	<-errCh
}

func TestClientDispatchesJobOnBothHalves(t *testing.T) {
	c, poolSide, sink := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := supervisor.New(ctx)
	go func() { _ = c.runSession(ctx, sup) }()

	runFakePoolHandshake(t, poolSide)

	deadline := time.After(2 * time.Second)
	for !c.Ready() {
		select {
		case <-deadline:
			t.Fatal("client never became ready")
		case <-time.After(5 * time.Millisecond):
		}
	}

	poolWriteFrame(t, poolSide, v2wire.MsgNewExtendedMiningJob, v2wire.NewExtendedMiningJob{ChannelID: 7, JobID: 1, Version: 0x20000000}.Encode())
	poolWriteFrame(t, poolSide, v2wire.MsgSetNewPrevHash, v2wire.SetNewPrevHash{ChannelID: 7, JobID: 1, NBits: 0x1d00ffff}.Encode())

	select {
	case pair := <-sink.jobs:
		if pair.job.JobID != 1 || pair.prevHash.NBits != 0x1d00ffff {
			t.Fatalf("unexpected job/prevhash pair: %+v", pair)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job sink never received a job")
	}

	poolSide.Close()
}

func TestClientSubmitSharesRoundtrip(t *testing.T) {
	c, poolSide, _ := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := supervisor.New(ctx)
	go func() { _ = c.runSession(ctx, sup) }()

	runFakePoolHandshake(t, poolSide)

	deadline := time.After(2 * time.Second)
	for !c.Ready() {
		select {
		case <-deadline:
			t.Fatal("client never became ready")
		case <-time.After(5 * time.Millisecond):
		}
	}

	submitDone := make(chan error, 1)
	go func() {
		submitDone <- c.SubmitShares(v2wire.SubmitSharesExtended{ChannelID: 7, SequenceNumber: 1, JobID: 1, Nonce: 42})
	}()

	frame := poolReadFrame(t, poolSide)
	if frame.MsgType != v2wire.MsgSubmitSharesExtended {
		t.Fatalf("expected SubmitSharesExtended, got msg type %d", frame.MsgType)
	}
	submitted, err := v2wire.DecodeSubmitSharesExtended(frame.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if submitted.Nonce != 42 {
		t.Fatalf("expected nonce 42, got %d", submitted.Nonce)
	}

	if err := <-submitDone; err != nil {
		t.Fatalf("SubmitShares returned error: %v", err)
	}

	poolSide.Close()
}

func TestSubmitSharesFailsWhenNotReady(t *testing.T) {
	c, poolSide, _ := newTestClient(t)
	defer poolSide.Close()

	if err := c.SubmitShares(v2wire.SubmitSharesExtended{}); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}
