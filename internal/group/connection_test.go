package group

import (
	"net"
	"testing"
	"time"
)

func TestConnectionIdle(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := newConnection(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, now)

	if c.Idle(now, 10*time.Second) {
		t.Error("freshly created connection should not be idle")
	}
	future := now.Add(11 * time.Second)
	if !c.Idle(future, 10*time.Second) {
		t.Error("connection should be idle after exceeding the timeout")
	}
}

func TestConnectionRecordSequenceBatchesAtInterval(t *testing.T) {
	t.Parallel()
	c := newConnection(&net.UDPAddr{}, time.Now())

	for i := 0; i < RecvAckInterval-1; i++ {
		ring, ready := c.RecordSequence(int32(i))
		if ready {
			t.Fatalf("ring should not be ready before %d sequence numbers, got ready at %d", RecvAckInterval, i)
		}
		if ring != nil {
			t.Fatal("ring should be nil until ready")
		}
	}

	ring, ready := c.RecordSequence(int32(RecvAckInterval - 1))
	if !ready {
		t.Fatal("ring should be ready after RecvAckInterval sequence numbers")
	}
	if len(ring) != RecvAckInterval {
		t.Fatalf("ring length = %d, want %d", len(ring), RecvAckInterval)
	}

	// A fresh window starts immediately after.
	_, ready = c.RecordSequence(999)
	if ready {
		t.Fatal("window should reset after emitting a full ring")
	}
}
