package v2wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{ExtensionType: 0, MsgType: MsgNewExtendedMiningJob, Payload: []byte{1, 2, 3, 4}}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if out.MsgType != in.MsgType || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Payload: make([]byte, MaxFrameLen+1)})
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestOpenExtendedMiningChannelRoundTrip(t *testing.T) {
	in := OpenExtendedMiningChannel{
		RequestID:         7,
		UserIdentity:      "worker.1",
		NominalHashrate:   1.5e12,
		MinExtranonceSize: 4,
	}
	in.MaxTarget[0] = 0xff
	out, err := DecodeOpenExtendedMiningChannel(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.RequestID != in.RequestID || out.UserIdentity != in.UserIdentity || out.NominalHashrate != in.NominalHashrate {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
	if out.MaxTarget != in.MaxTarget {
		t.Fatal("max target mismatch")
	}
}

func TestSubmitSharesExtendedRoundTrip(t *testing.T) {
	in := SubmitSharesExtended{
		ChannelID: 3, SequenceNumber: 99, JobID: 5, Nonce: 123456, NTime: 1700000000, Version: 0x20000000,
		Extranonce: []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02},
	}
	out, err := DecodeSubmitSharesExtended(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Extranonce, in.Extranonce) {
		t.Fatalf("extranonce mismatch: got %x, want %x", out.Extranonce, in.Extranonce)
	}
	if out.ChannelID != in.ChannelID || out.SequenceNumber != in.SequenceNumber || out.Nonce != in.Nonce {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestNewExtendedMiningJobRoundTrip(t *testing.T) {
	in := NewExtendedMiningJob{
		ChannelID: 1, JobID: 42, FutureJob: true, Version: 0x20000004,
		CoinbasePrefix: []byte{1, 2}, CoinbaseSuffix: []byte{3, 4, 5},
		MerklePath: [][32]byte{{1}, {2}},
	}
	out, err := DecodeNewExtendedMiningJob(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.JobID != in.JobID || out.FutureJob != in.FutureJob || len(out.MerklePath) != len(in.MerklePath) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecodeShortMessageErrors(t *testing.T) {
	if _, err := DecodeSetupConnection([]byte{0x01}); err == nil {
		t.Fatal("expected error decoding truncated message")
	}
}
