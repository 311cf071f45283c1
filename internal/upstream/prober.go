// Package upstream resolves and probes the upstream SRT server at
// startup, picking the one address every Group will forward to for the
// lifetime of the process.
package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	probeTimeout = time.Second
	mtu          = 1500

	srtTypeHandshake uint16 = 0x8000
	hsVersion        uint32 = 4
	hsExtField       uint16 = 2
	hsHandshakeType  uint32 = 1
)

// handshake builds the minimal SRT induction handshake packet used only
// to probe upstream reachability; it is never a complete SRT client.
func handshake() []byte {
	buf := make([]byte, 16)
	// First 32-bit word: control bit set, type = handshake.
	binary.BigEndian.PutUint32(buf[0:4], 0x80000000|uint32(srtTypeHandshake))
	binary.BigEndian.PutUint32(buf[4:8], hsVersion)
	binary.BigEndian.PutUint16(buf[8:10], hsExtField)
	binary.BigEndian.PutUint32(buf[10:14], hsHandshakeType)
	return buf
}

// Prober picks the upstream SRT address to forward to.
type Prober struct {
	log *slog.Logger
}

// New creates a Prober. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{log: log.With("component", "upstream-prober")}
}

// Resolve looks up host:port and sends a minimal SRT induction handshake
// to each candidate in order, picking the first one that replies with a
// same-length packet within one second. If none reply, the first resolved
// address is returned with a warning, per spec.md §4.6.
func (p *Prober) Resolve(host, port string) (*net.UDPAddr, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses found", host)
	}

	portNum, err := net.LookupPort("udp", port)
	if err != nil {
		return nil, fmt.Errorf("resolve port %s: %w", port, err)
	}

	candidates := make([]*net.UDPAddr, 0, len(addrs))
	for _, a := range addrs {
		if a.IP.To4() == nil {
			continue
		}
		candidates = append(candidates, &net.UDPAddr{IP: a.IP, Port: portNum})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("resolve %s: no IPv4 addresses found", host)
	}

	probe := handshake()
	for _, addr := range candidates {
		p.log.Info("trying to connect to SRT", "addr", addr)

		if ok, err := p.probeOne(addr, probe); err != nil {
			p.log.Info("error probing upstream", "addr", addr, "error", err)
		} else if ok {
			p.log.Info("success", "addr", addr)
			return addr, nil
		}
	}

	p.log.Warn("failed to confirm an SRT server is reachable at any address, proceeding with the first address", "addr", candidates[0])
	return candidates[0], nil
}

func (p *Prober) probeOne(addr *net.UDPAddr, probe []byte) (bool, error) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(probeTimeout)); err != nil {
		return false, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(probe); err != nil {
		return false, fmt.Errorf("send induction handshake: %w", err)
	}

	buf := make([]byte, mtu)
	n, err := conn.Read(buf)
	if err != nil {
		return false, nil
	}
	return n == len(probe), nil
}
