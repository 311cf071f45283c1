// Package relay implements the bidirectional SRTLA/SRT datagram relay: the
// event loop and packet handlers that classify inbound traffic, drive the
// REG1/REG2/REG3 handshake, and forward data in both directions.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/irltoolkit/srtla-rec/internal/group"
	"github.com/irltoolkit/srtla-rec/internal/metrics"
	"github.com/irltoolkit/srtla-rec/internal/reaper"
	"github.com/irltoolkit/srtla-rec/srtla"
)

// MTU bounds every per-packet buffer the engine allocates.
const MTU = 1500

// UpstreamDialer opens a new connected UDP socket toward the SRT server.
// It is a function rather than a fixed address so tests can substitute an
// in-memory pipe.
type UpstreamDialer func() (net.Conn, error)

// Engine is the single-threaded relay event loop. All Registry/Group/
// Connection mutation happens on the goroutine running Run; reader
// goroutines for the listening socket and each group's upstream socket
// only perform I/O and hand completed reads to Run over channels.
type Engine struct {
	log     *slog.Logger
	metrics *metrics.Registry

	listen   *net.UDPConn
	registry *group.Registry
	reaper   *reaper.Reaper
	dial     UpstreamDialer

	cleanupPeriod time.Duration
}

// New creates an Engine. If log is nil, slog.Default() is used. If m is
// nil, metrics are not reported.
func New(listen *net.UDPConn, registry *group.Registry, rp *reaper.Reaper, dial UpstreamDialer, cleanupPeriod time.Duration, m *metrics.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:           log.With("component", "relay-engine"),
		metrics:       m,
		listen:        listen,
		registry:      registry,
		reaper:        rp,
		dial:          dial,
		cleanupPeriod: cleanupPeriod,
	}
}

type listenDatagram struct {
	n    int
	buf  []byte
	addr *net.UDPAddr
	err  error
}

type upstreamDatagram struct {
	g          *group.Group
	generation uint64
	n          int
	buf        []byte
	err        error
}

// Run drives the event loop until ctx is cancelled or the listening
// socket fails irrecoverably.
func (e *Engine) Run(ctx context.Context) error {
	listenEvents := make(chan listenDatagram, 64)
	upstreamEvents := make(chan upstreamDatagram, 64)

	go func() {
		<-ctx.Done()
		e.listen.Close()
	}()
	go e.readListen(listenEvents)

	ticker := time.NewTicker(e.cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-listenEvents:
			if ev.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.log.Error("failed to read a srtla packet", "error", ev.err)
				return ev.err
			}
			e.handleListen(ev.buf[:ev.n], ev.addr, time.Now(), upstreamEvents)

		case ev := <-upstreamEvents:
			e.handleUpstream(ev)

		case <-ticker.C:
			e.reaper.Sweep(time.Now())
		}
	}
}

func (e *Engine) readListen(out chan<- listenDatagram) {
	for {
		buf := make([]byte, MTU)
		n, addr, err := e.listen.ReadFromUDP(buf)
		if err != nil {
			out <- listenDatagram{err: err}
			return
		}
		out <- listenDatagram{n: n, buf: buf, addr: addr}
	}
}

func (e *Engine) readUpstream(g *group.Group, generation uint64, conn net.Conn, out chan<- upstreamDatagram) {
	for {
		buf := make([]byte, MTU)
		n, err := conn.Read(buf)
		if err != nil {
			out <- upstreamDatagram{g: g, generation: generation, err: err}
			return
		}
		out <- upstreamDatagram{g: g, generation: generation, n: n, buf: buf}
	}
}

// handleListen implements spec.md §4.3 (handshake) and §4.4 (data plane,
// inbound half) for one datagram arriving on the listening socket.
func (e *Engine) handleListen(buf []byte, addr *net.UDPAddr, now time.Time, upstreamEvents chan<- upstreamDatagram) {
	if srtla.IsREG1(buf) {
		e.handleREG1(buf, addr, now)
		return
	}
	if srtla.IsREG2(buf) {
		e.handleREG2(buf, addr, now)
		return
	}

	g, conn := e.registry.FindByAddr(addr)
	if g == nil || conn == nil {
		return
	}
	conn.Touch(now)

	if srtla.IsKeepAlive(buf) {
		if _, err := e.listen.WriteToUDP(buf, addr); err != nil {
			e.log.Error("failed to send the srtla keepalive", "addr", addr, "group", g.ID, "error", err)
		} else if e.metrics != nil {
			e.metrics.Packets.WithLabelValues(metrics.DirOutbound).Inc()
		}
		return
	}

	if !srtla.IsSRT(len(buf)) {
		return
	}
	if e.metrics != nil {
		e.metrics.Packets.WithLabelValues(metrics.DirInbound).Inc()
	}

	e.registry.SetLastAddr(g, addr)

	if sn := srtla.SRTSequenceNumber(buf); sn >= 0 {
		if ring, ready := conn.RecordSequence(sn); ready {
			ack := srtla.EncodeACK(ring)
			if _, err := e.listen.WriteToUDP(ack, addr); err != nil {
				e.log.Error("failed to send the srtla ack", "addr", addr, "group", g.ID, "error", err)
			} else if e.metrics != nil {
				e.metrics.AcksSent.Inc()
			}
		}
	}

	if g.Upstream == nil {
		upstreamConn, err := e.dial()
		if err != nil {
			e.log.Error("failed to create an SRT socket", "group", g.ID, "error", err)
			e.registry.Remove(g)
			return
		}
		g.Upstream = upstreamConn
		go e.readUpstream(g, g.Generation(), upstreamConn, upstreamEvents)
	}

	n, err := g.Upstream.Write(buf)
	if err != nil || n != len(buf) {
		e.log.Error("failed to forward the srtla packet, terminating the group", "group", g.ID, "error", err)
		e.registry.Remove(g)
		return
	}
	if e.metrics != nil {
		e.metrics.Packets.WithLabelValues(metrics.DirUpstream).Inc()
	}
}

// handleREG1 implements spec.md §4.3 REG1.
func (e *Engine) handleREG1(buf []byte, addr *net.UDPAddr, now time.Time) {
	if g, _ := e.registry.FindByAddr(addr); g != nil {
		e.sendErr(addr, srtla.EncodeREGErr())
		e.recordReg("reg1", metrics.ResultErr)
		e.log.Error("group registration failed: remote address already registered", "addr", addr)
		return
	}

	g, err := e.registry.NewGroup(srtla.REG1ClientHalf(buf), addr, now)
	if err != nil {
		e.sendErr(addr, srtla.EncodeREGErr())
		e.recordReg("reg1", metrics.ResultErr)
		if errors.Is(err, group.ErrMaxGroups) {
			e.log.Error("group registration failed: max groups reached", "addr", addr)
		} else {
			e.log.Error("group registration failed", "addr", addr, "error", err)
		}
		return
	}

	reply := srtla.EncodeREG2(g.ID)
	if n, err := e.listen.WriteToUDP(reply, addr); err != nil || n != len(reply) {
		e.log.Error("group registration failed: send error", "addr", addr, "error", err)
		e.registry.Remove(g)
		return
	}
	e.recordReg("reg1", metrics.ResultOK)
	e.log.Info("group registered", "addr", addr, "group", g.ID)
}

// handleREG2 implements spec.md §4.3 REG2.
func (e *Engine) handleREG2(buf []byte, addr *net.UDPAddr, now time.Time) {
	id, err := srtla.GroupIDFromBytes(srtla.REG2ID(buf))
	if err != nil {
		return
	}

	g, ok := e.registry.FindByID(id)
	if !ok {
		e.sendErr(addr, srtla.EncodeREGNGP())
		e.recordReg("reg2", metrics.ResultNGP)
		e.log.Error("connection registration failed: no group found", "addr", addr)
		return
	}

	if other, _ := e.registry.FindByAddr(addr); other != nil && other != g {
		e.sendErr(addr, srtla.EncodeREGErr())
		e.recordReg("reg2", metrics.ResultErr)
		e.log.Error("connection registration failed: group id mismatch", "addr", addr, "group", g.ID)
		return
	}

	if _, err := e.registry.AddConnection(g, addr, now); err != nil {
		e.sendErr(addr, srtla.EncodeREGErr())
		e.recordReg("reg2", metrics.ResultErr)
		e.log.Error("connection registration failed: max connections reached", "addr", addr, "group", g.ID)
		return
	}

	reply := srtla.EncodeREG3()
	if n, err := e.listen.WriteToUDP(reply, addr); err != nil || n != len(reply) {
		e.log.Error("connection registration failed: send error", "addr", addr, "group", g.ID, "error", err)
		return
	}
	e.registry.SetLastAddr(g, addr)
	e.recordReg("reg2", metrics.ResultOK)
	e.log.Info("connection registration", "addr", addr, "group", g.ID)
}

// handleUpstream implements spec.md §4.4 (data plane, outbound half) for
// one datagram arriving on a group's upstream socket.
func (e *Engine) handleUpstream(ev upstreamDatagram) {
	if ev.generation != ev.g.Generation() {
		// The group was torn down (and its upstream socket closed) before
		// this event was processed; drop it rather than act on stale state.
		return
	}

	if ev.err != nil {
		if !errors.Is(ev.err, net.ErrClosed) {
			e.log.Error("failed to read the SRT sock, terminating the group", "group", ev.g.ID, "error", ev.err)
		}
		e.registry.Remove(ev.g)
		return
	}

	buf := ev.buf[:ev.n]
	if !srtla.IsSRT(ev.n) {
		e.log.Error("failed to read the SRT sock, terminating the group", "group", ev.g.ID)
		e.registry.Remove(ev.g)
		return
	}

	if e.metrics != nil {
		e.metrics.Packets.WithLabelValues(metrics.DirUpstreamIn).Inc()
	}

	if srtla.IsSRTAck(buf) {
		for _, c := range ev.g.Conns() {
			if _, err := e.listen.WriteToUDP(buf, c.Addr); err != nil {
				e.log.Error("failed to send the SRT ack", "addr", c.Addr, "group", ev.g.ID, "error", err)
			} else if e.metrics != nil {
				e.metrics.Packets.WithLabelValues(metrics.DirOutbound).Inc()
			}
		}
		return
	}

	last := ev.g.LastAddr()
	if last == nil {
		return
	}
	if _, err := e.listen.WriteToUDP(buf, last); err != nil {
		e.log.Error("failed to send the SRT packet", "addr", last, "group", ev.g.ID, "error", err)
	} else if e.metrics != nil {
		e.metrics.Packets.WithLabelValues(metrics.DirOutbound).Inc()
	}
}

func (e *Engine) sendErr(addr *net.UDPAddr, payload []byte) {
	if _, err := e.listen.WriteToUDP(payload, addr); err != nil {
		e.log.Error("failed to send registration error reply", "addr", addr, "error", err)
	}
}

func (e *Engine) recordReg(stage, result string) {
	if e.metrics != nil {
		e.metrics.RegOutcomes.WithLabelValues(stage, result).Inc()
	}
}
