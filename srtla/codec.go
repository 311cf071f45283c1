// Package srtla implements the wire format recognized by the SRTLA
// (SRT Link Aggregation) registration, acknowledgement and keep-alive
// layer, plus the minimal SRT framing the relay needs to inspect. It does
// not implement SRT itself; it only classifies datagrams and extracts the
// handful of fields the relay engine acts on.
package srtla

import "encoding/binary"

// Opcodes carried in the first 16 bits of every SRTLA control packet.
const (
	TypeREG1      uint16 = 0x9000
	TypeREG2      uint16 = 0x9001
	TypeREG3      uint16 = 0x9002
	TypeREGErr    uint16 = 0x9003
	TypeREGNGP    uint16 = 0x9004
	TypeKeepAlive uint16 = 0x9005
	TypeACK       uint16 = 0x9100
)

// SRTTypeHandshake is the SRT control subtype used for induction handshakes.
const SRTTypeHandshake uint16 = 0x8000

// srtControlACK is the SRT control packet subtype identifying an ACK,
// carried in the 15 bits that follow the control bit (MSB) of the first
// 32-bit word, i.e. the rest of its high 16 bits.
const srtControlACK = 0x2

const (
	// IDLen is the width in bytes of a full SRTLA GroupId (256 bits).
	IDLen = 32
	// MinLen is the minimum length of a datagram recognizable as SRT.
	MinLen = 16

	reg1Len = 2 + IDLen/2
	reg2Len = 2 + IDLen
)

// packetType reads the big-endian 16-bit opcode at the start of buf. The
// caller must ensure len(buf) >= 2.
func packetType(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf[0:2])
}

// IsREG1 reports whether buf is a well-formed SRTLA REG1 packet.
func IsREG1(buf []byte) bool {
	return len(buf) == reg1Len && packetType(buf) == TypeREG1
}

// IsREG2 reports whether buf is a well-formed SRTLA REG2 packet.
func IsREG2(buf []byte) bool {
	return len(buf) == reg2Len && packetType(buf) == TypeREG2
}

// IsKeepAlive reports whether buf carries the SRTLA keep-alive opcode.
func IsKeepAlive(buf []byte) bool {
	return len(buf) >= 2 && packetType(buf) == TypeKeepAlive
}

// IsSRT reports whether n is at least the minimum length of an SRT packet.
func IsSRT(n int) bool {
	return n >= MinLen
}

// IsSRTAck reports whether buf is an SRT control packet carrying the ACK
// subtype. The high bit of the first 32-bit word marks a control packet;
// the 15 bits that follow it (the rest of the word's high 16 bits) carry
// the control type.
func IsSRTAck(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	word := binary.BigEndian.Uint32(buf[0:4])
	if word&0x80000000 == 0 {
		return false
	}
	controlType := (word >> 16) & 0x7FFF
	return controlType == srtControlACK
}

// SRTSequenceNumber returns the SRT sequence number of buf if it is an SRT
// data packet (high bit of the first 32-bit word clear), or -1 if buf is a
// control packet or too short to contain one.
func SRTSequenceNumber(buf []byte) int32 {
	if len(buf) < 4 {
		return -1
	}
	word := binary.BigEndian.Uint32(buf[0:4])
	if word&0x80000000 != 0 {
		return -1
	}
	return int32(word)
}

// REG1ClientHalf returns the 16-byte client-supplied half identifier
// carried by a REG1 packet. The caller must have verified IsREG1(buf).
func REG1ClientHalf(buf []byte) []byte {
	return buf[2:reg1Len]
}

// REG2ID returns the 32-byte full GroupId carried by a REG2 packet. The
// caller must have verified IsREG2(buf).
func REG2ID(buf []byte) []byte {
	return buf[2:reg2Len]
}

// headerOnly builds a 2-byte control packet carrying only an opcode.
func headerOnly(typ uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, typ)
	return buf
}

// EncodeREGErr builds a REG_ERR reply.
func EncodeREGErr() []byte { return headerOnly(TypeREGErr) }

// EncodeREGNGP builds a REG_NGP reply.
func EncodeREGNGP() []byte { return headerOnly(TypeREGNGP) }

// EncodeREG3 builds a REG3 reply.
func EncodeREG3() []byte { return headerOnly(TypeREG3) }

// EncodeREG2 builds a REG2 reply echoing the full 256-bit id.
func EncodeREG2(id [IDLen]byte) []byte {
	buf := make([]byte, reg2Len)
	binary.BigEndian.PutUint16(buf[0:2], TypeREG2)
	copy(buf[2:], id[:])
	return buf
}

// EncodeSeqNum returns the big-endian encoding of an SRT sequence number,
// the form in which Connection stores its receive log so that EncodeACK
// can copy it out verbatim.
func EncodeSeqNum(sn int32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(sn))
	return b
}

// EncodeACK builds a SRTLA ACK datagram: a 4-byte header (TypeACK<<16) in
// network byte order followed by ring, the receive log already stored in
// network byte order, making the body an O(1) copy.
func EncodeACK(ring [][4]byte) []byte {
	buf := make([]byte, 4+4*len(ring))
	binary.BigEndian.PutUint32(buf[0:4], uint32(TypeACK)<<16)
	for i, sn := range ring {
		copy(buf[4+4*i:8+4*i], sn[:])
	}
	return buf
}
