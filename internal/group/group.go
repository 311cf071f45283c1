package group

import (
	"net"
	"time"

	"github.com/irltoolkit/srtla-rec/srtla"
)

// Group is a logical aggregated session: one 256-bit identifier, a bounded
// set of member Connections, and (once the first forwardable SRT data
// packet arrives) one connected upstream UDP socket toward the SRT server.
type Group struct {
	ID        srtla.GroupID
	CreatedAt time.Time

	conns    map[string]*Connection
	lastAddr *net.UDPAddr

	// Upstream is the socket toward the SRT server, created lazily on the
	// first forwardable SRT data packet. Nil means "not yet created".
	Upstream net.Conn

	// generation is bumped every time the group is removed from a
	// Registry, so a relay loop can recognize and drop dispatcher events
	// that still reference a group that was just torn down mid-batch.
	generation uint64

	maxConns int
}

func newGroup(id srtla.GroupID, regAddr *net.UDPAddr, now time.Time, maxConns int) *Group {
	g := &Group{
		ID:        id,
		CreatedAt: now,
		conns:     make(map[string]*Connection),
		maxConns:  maxConns,
	}
	g.lastAddr = regAddr
	return g
}

// Generation returns the group's current generation counter.
func (g *Group) Generation() uint64 { return g.generation }

// LastAddr returns the address of the most recently active member (the
// last one to complete a REG2 or send an SRT packet), or the address that
// registered the group if neither has happened yet.
func (g *Group) LastAddr() *net.UDPAddr { return g.lastAddr }

// Conns returns the group's member connections. The slice is a snapshot;
// mutating the Registry afterward does not affect it.
func (g *Group) Conns() []*Connection {
	out := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c)
	}
	return out
}

// ConnCount reports the number of member connections.
func (g *Group) ConnCount() int { return len(g.conns) }

// ConnByAddr looks up a member connection by its address string.
func (g *Group) ConnByAddr(addr string) (*Connection, bool) {
	c, ok := g.conns[addr]
	return c, ok
}

// AtCapacity reports whether the group already holds MAX_CONNS_PER_GROUP
// member connections.
func (g *Group) AtCapacity() bool { return len(g.conns) >= g.maxConns }

// Idle reports whether the group has no members and was created more than
// timeout ago, the condition under which the Reaper evicts it.
func (g *Group) Idle(now time.Time, timeout time.Duration) bool {
	return len(g.conns) == 0 && g.CreatedAt.Add(timeout).Before(now)
}
