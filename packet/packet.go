// Package packet implements the framing used on the datagram transport:
//
//	8-byte sequence | 1-byte type | 4-byte payload length | 4-byte CRC32 | payload
//
// All integers are big endian. The checksum covers the payload only.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

type Type byte

const (
	TypeData      Type = 1
	TypeAck       Type = 2
	TypeNack      Type = 3
	TypeHeartbeat Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeNack:
		return "NACK"
	case TypeHeartbeat:
		return "HEARTBEAT"
	}
	return fmt.Sprintf("Type(%d)", byte(t))
}

const (
	HeaderSize = 8 + 1 + 4 + 4
	// MaxPayload keeps a frame inside a single unfragmented datagram read.
	MaxPayload = 64*1024 - HeaderSize
)

var (
	ErrShortPacket      = errors.New("packet shorter than header")
	ErrLengthMismatch   = errors.New("payload length does not match header")
	ErrUnknownType      = errors.New("unknown packet type")
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

// AckToken is the payload carried by every acknowledgement.
var AckToken = []byte("ACK")

type Packet struct {
	Sequence uint64
	Type     Type
	Payload  []byte
	Checksum uint32
}

func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// New builds a packet with a freshly computed checksum.
func New(seq uint64, t Type, payload []byte) Packet {
	if payload == nil {
		payload = []byte{}
	}
	return Packet{Sequence: seq, Type: t, Payload: payload, Checksum: Checksum(payload)}
}

func NewAck(seq uint64) Packet {
	return New(seq, TypeAck, AckToken)
}

func (p Packet) Valid() bool {
	return Checksum(p.Payload) == p.Checksum
}

func (p Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint64(buf[0:8], p.Sequence)
	buf[8] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(p.Payload)))
	binary.BigEndian.PutUint32(buf[13:17], p.Checksum)
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Decode parses and verifies a frame. The returned payload does not alias data.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, ErrShortPacket
	}

	p := Packet{
		Sequence: binary.BigEndian.Uint64(data[0:8]),
		Type:     Type(data[8]),
		Checksum: binary.BigEndian.Uint32(data[13:17]),
	}
	switch p.Type {
	case TypeData, TypeAck, TypeNack, TypeHeartbeat:
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownType, data[8])
	}

	length := binary.BigEndian.Uint32(data[9:13])
	if int(length) != len(data)-HeaderSize {
		return Packet{}, fmt.Errorf("%w: header %d, got %d", ErrLengthMismatch, length, len(data)-HeaderSize)
	}

	p.Payload = make([]byte, length)
	copy(p.Payload, data[HeaderSize:])

	if !p.Valid() {
		return Packet{}, ErrChecksumMismatch
	}
	return p, nil
}
