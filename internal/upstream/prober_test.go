package upstream

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func TestResolvePicksRespondingServer(t *testing.T) {
	t.Parallel()

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	go func() {
		buf := make([]byte, mtu)
		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, addr, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}
		server.WriteToUDP(buf[:n], addr)
	}()

	port := strconv.Itoa(server.LocalAddr().(*net.UDPAddr).Port)
	p := New(nil)
	addr, err := p.Resolve("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr.Port != server.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("resolved port = %d, want %d", addr.Port, server.LocalAddr().(*net.UDPAddr).Port)
	}
}

func TestResolveFallsBackWhenUnreachable(t *testing.T) {
	t.Parallel()

	// Bind and immediately close, so nothing answers on this port: the
	// prober must still return the resolved address with a warning.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := strconv.Itoa(probe.LocalAddr().(*net.UDPAddr).Port)
	probe.Close()

	p := New(nil)
	start := time.Now()
	addr, err := p.Resolve("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr.Port == 0 {
		t.Error("expected a non-zero fallback port")
	}
	if time.Since(start) > probeTimeout*3 {
		t.Error("Resolve took far longer than the single probe timeout")
	}
}

func TestHandshakePacketShape(t *testing.T) {
	t.Parallel()
	buf := handshake()
	if len(buf) != 16 {
		t.Fatalf("handshake length = %d, want 16", len(buf))
	}
	if buf[0]&0x80 == 0 {
		t.Error("handshake must set the control bit")
	}
}
