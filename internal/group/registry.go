// Package group implements the SRTLA session layer: group registration,
// per-link connection membership, and the three-way lookup (by group id,
// by member address, by last-active address) the relay engine depends on.
package group

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/irltoolkit/srtla-rec/internal/metrics"
	"github.com/irltoolkit/srtla-rec/srtla"
)

// ErrMaxGroups is returned by NewGroup when the registry is already at
// MAX_GROUPS capacity.
var ErrMaxGroups = errors.New("srtla: max groups reached")

// ErrMaxConns is returned by AddConnection when the group is already at
// MAX_CONNS_PER_GROUP capacity.
var ErrMaxConns = errors.New("srtla: max connections per group reached")

// Registry is the process-wide table of active Groups. It is not safe for
// concurrent use: per the relay engine's single-threaded event loop model,
// all access happens from one goroutine and no locking is required.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Registry

	maxGroups       int
	maxConnsPerConn int

	groups      []*Group
	memberIndex map[string]*Group // peer addr -> group, for member connections
	lastIndex   map[string]*Group // peer addr -> group, for Group.lastAddr
}

// Config bounds the Registry's resource usage.
type Config struct {
	MaxGroups       int
	MaxConnsPerConn int
}

// NewRegistry creates an empty Registry. If log is nil, slog.Default() is
// used. If m is nil, metrics are not reported.
func NewRegistry(cfg Config, m *metrics.Registry, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:             log.With("component", "group-registry"),
		metrics:         m,
		maxGroups:       cfg.MaxGroups,
		maxConnsPerConn: cfg.MaxConnsPerConn,
		memberIndex:     make(map[string]*Group),
		lastIndex:       make(map[string]*Group),
	}
}

// Len returns the number of active groups.
func (r *Registry) Len() int { return len(r.groups) }

// FindByID performs a constant-time linear scan for the group with the
// given identifier. The comparison must not early-exit: a timing
// difference between a near-miss and a far-miss would leak information
// about the server-generated half of the id to a network-adjacent
// attacker observing REG1/REG2 exchanges.
func (r *Registry) FindByID(id srtla.GroupID) (*Group, bool) {
	for _, g := range r.groups {
		if g.ID.Equal(id) {
			return g, true
		}
	}
	return nil, false
}

// FindByAddr reports the group and connection, if any, associated with
// addr. It first checks member connections (returning both group and
// connection), then falls back to last-active addresses (returning the
// group with a nil connection, meaning "registered but not a member" — the
// state used to refuse a second REG1 from a still-active sender).
func (r *Registry) FindByAddr(addr *net.UDPAddr) (*Group, *Connection) {
	key := addr.String()
	if g, ok := r.memberIndex[key]; ok {
		c, _ := g.ConnByAddr(key)
		return g, c
	}
	if g, ok := r.lastIndex[key]; ok {
		return g, nil
	}
	return nil, nil
}

// NewGroup validates the registry's MAX_GROUPS cap, generates a GroupID by
// combining clientHalf with a fresh cryptographic server half, and inserts
// the new Group indexed by id and by regAddr (its registering address,
// which becomes its initial last-active address).
func (r *Registry) NewGroup(clientHalf []byte, regAddr *net.UDPAddr, now time.Time) (*Group, error) {
	if len(r.groups) >= r.maxGroups {
		return nil, ErrMaxGroups
	}

	id, err := srtla.NewGroupID(clientHalf)
	if err != nil {
		return nil, err
	}

	g := newGroup(id, regAddr, now, r.maxConnsPerConn)
	r.groups = append(r.groups, g)
	r.lastIndex[regAddr.String()] = g

	if r.metrics != nil {
		r.metrics.GroupsActive.Set(float64(len(r.groups)))
	}
	r.log.Info("group registered", "group", g.ID, "addr", regAddr)
	return g, nil
}

// AddConnection registers addr as a member connection of g, enforcing
// MAX_CONNS_PER_GROUP. If addr is already a member, the existing
// Connection is returned unchanged (idempotent re-registration).
func (r *Registry) AddConnection(g *Group, addr *net.UDPAddr, now time.Time) (*Connection, error) {
	key := addr.String()
	if c, ok := g.conns[key]; ok {
		return c, nil
	}
	if g.AtCapacity() {
		return nil, ErrMaxConns
	}

	c := newConnection(addr, now)
	g.conns[key] = c
	r.memberIndex[key] = g

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Add(1)
	}
	r.log.Info("connection registered", "group", g.ID, "addr", addr)
	return c, nil
}

// RemoveConnection evicts a member connection from g.
func (r *Registry) RemoveConnection(g *Group, addr *net.UDPAddr) {
	key := addr.String()
	if _, ok := g.conns[key]; !ok {
		return
	}
	delete(g.conns, key)
	delete(r.memberIndex, key)

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Add(-1)
	}
}

// SetLastAddr updates g's most-recently-active address, re-pointing the
// last-active index. The prior address is only un-indexed if it is not
// also a member address, since only member addresses admit relay (per the
// design note on the three-way index).
func (r *Registry) SetLastAddr(g *Group, addr *net.UDPAddr) {
	key := addr.String()
	if old := g.lastAddr; old != nil {
		oldKey := old.String()
		if oldKey != key && r.lastIndex[oldKey] == g {
			delete(r.lastIndex, oldKey)
		}
	}
	g.lastAddr = addr
	r.lastIndex[key] = g
}

// Remove evicts g and releases its resources, including closing its
// upstream socket. Every index entry referencing g is dropped and g's
// generation counter is bumped so stale dispatcher events can be
// recognized and discarded.
func (r *Registry) Remove(g *Group) {
	for i, candidate := range r.groups {
		if candidate == g {
			r.groups = append(r.groups[:i], r.groups[i+1:]...)
			break
		}
	}

	removedConns := len(g.conns)
	for addr := range g.conns {
		delete(r.memberIndex, addr)
	}
	if g.lastAddr != nil {
		if cur, ok := r.lastIndex[g.lastAddr.String()]; ok && cur == g {
			delete(r.lastIndex, g.lastAddr.String())
		}
	}

	if g.Upstream != nil {
		g.Upstream.Close()
		g.Upstream = nil
	}
	g.generation++

	if r.metrics != nil {
		r.metrics.GroupsActive.Set(float64(len(r.groups)))
		r.metrics.ConnectionsActive.Add(-float64(removedConns))
	}
	r.log.Info("group removed", "group", g.ID)
}

// Groups returns a snapshot of every active group, for the Reaper's sweep.
func (r *Registry) Groups() []*Group {
	out := make([]*Group, len(r.groups))
	copy(out, r.groups)
	return out
}
