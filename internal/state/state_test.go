package state

import "testing"

func TestNewIsHealthy(t *testing.T) {
	s := New()
	snap := s.Snapshot()
	if snap.Upstream != UpstreamUp || snap.Downstream != DownstreamHealthy || snap.Inconsistency {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
}

func TestSetUpstreamDown(t *testing.T) {
	s := New()
	s.SetUpstream(UpstreamDown)
	if s.Snapshot().Upstream != UpstreamDown {
		t.Fatal("expected upstream down")
	}
}

func TestMarkInconsistent(t *testing.T) {
	s := New()
	s.MarkInconsistent(42)
	snap := s.Snapshot()
	if !snap.Inconsistency || snap.Code != 42 {
		t.Fatalf("expected inconsistency code 42, got %+v", snap)
	}
}
