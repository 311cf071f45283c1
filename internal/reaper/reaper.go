// Package reaper implements the periodic sweep that evicts idle
// connections and abandoned groups.
package reaper

import (
	"log/slog"
	"time"

	"github.com/irltoolkit/srtla-rec/internal/group"
	"github.com/irltoolkit/srtla-rec/internal/metrics"
)

// Reaper periodically evicts connections idle past ConnTimeout and groups
// that have no connections and were created more than GroupTimeout ago. It
// never evicts a group while it still has live connections.
type Reaper struct {
	log     *slog.Logger
	metrics *metrics.Registry

	registry     *group.Registry
	connTimeout  time.Duration
	groupTimeout time.Duration
}

// New creates a Reaper bound to registry. If log is nil, slog.Default() is
// used. If m is nil, metrics are not reported.
func New(registry *group.Registry, connTimeout, groupTimeout time.Duration, m *metrics.Registry, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		log:          log.With("component", "reaper"),
		metrics:      m,
		registry:     registry,
		connTimeout:  connTimeout,
		groupTimeout: groupTimeout,
	}
}

// Sweep evicts every connection idle past ConnTimeout, then evicts any
// group left with zero connections that is also older than GroupTimeout.
// It returns the number of groups and connections removed, for logging.
func (rp *Reaper) Sweep(now time.Time) (removedGroups, removedConns int) {
	groups := rp.registry.Groups()
	if len(groups) == 0 {
		return 0, 0
	}

	for _, g := range groups {
		for _, c := range g.Conns() {
			if !c.Idle(now, rp.connTimeout) {
				continue
			}
			rp.registry.RemoveConnection(g, c.Addr)
			removedConns++
			if rp.metrics != nil {
				rp.metrics.ConnectionsReaped.Inc()
			}
			rp.log.Info("connection removed (timed out)", "group", g.ID, "addr", c.Addr)
		}

		if g.Idle(now, rp.groupTimeout) {
			rp.registry.Remove(g)
			removedGroups++
			if rp.metrics != nil {
				rp.metrics.GroupsReaped.Inc()
			}
			rp.log.Info("group removed (no connections)", "group", g.ID)
		}
	}

	if removedGroups > 0 || removedConns > 0 {
		rp.log.Debug("cleanup run finished", "groups_removed", removedGroups, "conns_removed", removedConns)
	}
	return removedGroups, removedConns
}
