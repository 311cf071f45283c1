package group

import (
	"net"
	"time"

	"github.com/irltoolkit/srtla-rec/srtla"
)

// RecvAckInterval is the number of SRT data packets a Connection
// accumulates before emitting an SRTLA ACK (reference value 10).
const RecvAckInterval = 10

// Connection is one underlying UDP path belonging to exactly one Group.
type Connection struct {
	Addr *net.UDPAddr

	recvLog  [RecvAckInterval][4]byte
	recvIdx  int
	lastRcvd time.Time
}

func newConnection(addr *net.UDPAddr, now time.Time) *Connection {
	return &Connection{Addr: addr, lastRcvd: now}
}

// Touch records a datagram just received from this connection.
func (c *Connection) Touch(now time.Time) { c.lastRcvd = now }

// LastRcvd returns the timestamp of the most recent inbound datagram.
func (c *Connection) LastRcvd() time.Time { return c.lastRcvd }

// Idle reports whether the connection has not been heard from for more
// than timeout, as of now.
func (c *Connection) Idle(now time.Time, timeout time.Duration) bool {
	return c.lastRcvd.Add(timeout).Before(now)
}

// RecordSequence appends sn, an SRT data packet sequence number, to the
// receive log. When the log fills it returns a copy of the ring (ready
// true) suitable for srtla.EncodeACK, and resets the write position.
func (c *Connection) RecordSequence(sn int32) (ring [][4]byte, ready bool) {
	c.recvLog[c.recvIdx] = srtla.EncodeSeqNum(sn)
	c.recvIdx++
	if c.recvIdx == RecvAckInterval {
		ring = make([][4]byte, RecvAckInterval)
		copy(ring, c.recvLog[:])
		c.recvIdx = 0
		ready = true
	}
	return ring, ready
}
