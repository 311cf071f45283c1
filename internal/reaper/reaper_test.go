package reaper

import (
	"net"
	"testing"
	"time"

	"github.com/irltoolkit/srtla-rec/internal/group"
)

func mustAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return a
}

func TestSweepRemovesIdleConnectionButKeepsLiveGroup(t *testing.T) {
	t.Parallel()
	reg := group.NewRegistry(group.Config{MaxGroups: 10, MaxConnsPerConn: 4}, nil, nil)
	base := time.Now()

	g, err := reg.NewGroup(make([]byte, 16), mustAddr(t, "10.0.0.1:1"), base)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	idleAddr := mustAddr(t, "10.0.0.2:1")
	liveAddr := mustAddr(t, "10.0.0.3:1")
	reg.AddConnection(g, idleAddr, base)
	reg.AddConnection(g, liveAddr, base)

	// Refresh liveAddr just before the sweep so only idleAddr times out.
	later := base.Add(11 * time.Second)
	if c, ok := g.ConnByAddr(liveAddr.String()); ok {
		c.Touch(later)
	}

	rp := New(reg, 10*time.Second, 10*time.Second, nil, nil)
	removedGroups, removedConns := rp.Sweep(later)

	if removedConns != 1 {
		t.Errorf("removedConns = %d, want 1", removedConns)
	}
	if removedGroups != 0 {
		t.Errorf("removedGroups = %d, want 0 (group still has a live connection)", removedGroups)
	}
	if g.ConnCount() != 1 {
		t.Errorf("remaining conn count = %d, want 1", g.ConnCount())
	}
	if _, ok := g.ConnByAddr(idleAddr.String()); ok {
		t.Error("idle connection should have been removed")
	}
}

func TestSweepRemovesEmptyOldGroup(t *testing.T) {
	t.Parallel()
	reg := group.NewRegistry(group.Config{MaxGroups: 10, MaxConnsPerConn: 4}, nil, nil)
	base := time.Now()

	g, _ := reg.NewGroup(make([]byte, 16), mustAddr(t, "10.0.0.1:1"), base)

	rp := New(reg, 10*time.Second, 10*time.Second, nil, nil)
	later := base.Add(11 * time.Second)
	removedGroups, _ := rp.Sweep(later)

	if removedGroups != 1 {
		t.Fatalf("removedGroups = %d, want 1", removedGroups)
	}
	if _, ok := reg.FindByID(g.ID); ok {
		t.Error("group should no longer be findable after reaping")
	}
}

func TestSweepNeverEvictsGroupWithLiveConnections(t *testing.T) {
	t.Parallel()
	reg := group.NewRegistry(group.Config{MaxGroups: 10, MaxConnsPerConn: 4}, nil, nil)
	base := time.Now()

	g, _ := reg.NewGroup(make([]byte, 16), mustAddr(t, "10.0.0.1:1"), base)
	addr := mustAddr(t, "10.0.0.2:1")
	reg.AddConnection(g, addr, base)

	rp := New(reg, 10*time.Second, 10*time.Second, nil, nil)
	// Far enough in the future that the group itself would be "old", but
	// the connection is still fresh (touched at that same instant).
	later := base.Add(100 * time.Second)
	if c, ok := g.ConnByAddr(addr.String()); ok {
		c.Touch(later)
	}
	removedGroups, removedConns := rp.Sweep(later)

	if removedGroups != 0 || removedConns != 0 {
		t.Fatalf("expected no removals, got groups=%d conns=%d", removedGroups, removedConns)
	}
	if _, ok := reg.FindByID(g.ID); !ok {
		t.Error("group with a live connection must survive the sweep")
	}
}
