// Package frame implements the 20-byte fixed-size wire frame described
// in spec §4.1: a one-byte type tag, an 18-byte type-specific body
// (zero-padded), and a trailing CRC-8 over the first 19 bytes.
package frame

import (
	"errors"
	"fmt"
)

const (
	// PacketSize is the fixed size of every frame on the wire.
	PacketSize = 20
	// BodySize is the number of type-specific payload bytes (bytes 1..18).
	BodySize = PacketSize - 2
)

// Known packet type tags (spec §6).
const (
	TypeSYN          = 'S'
	TypeSYNACK       = 'A'
	TypeIMU          = 'M'
	TypeGunshot      = 'G' // peer->relay gunshot and relay->peer ACK share this tag
	TypeVestshot     = 'V'
	TypeReload       = 'R'
	TypeUpdateState  = 'U'
	TypeGunStateACK  = 'X'
	TypeVestStateACK = 'W'
	TypeNAK          = 'N'
	TypeKill         = 'K'
)

// KnownTypes is the closed set of recognized type tags (spec §6).
var KnownTypes = map[byte]bool{
	TypeSYN:          true,
	TypeSYNACK:       true,
	TypeIMU:          true,
	TypeGunshot:      true,
	TypeVestshot:     true,
	TypeReload:       true,
	TypeUpdateState:  true,
	TypeGunStateACK:  true,
	TypeVestStateACK: true,
	TypeNAK:          true,
	TypeKill:         true,
}

var (
	// ErrBadLength is returned when decoding a slice that isn't exactly PacketSize bytes.
	ErrBadLength = errors.New("frame: bad length")
	// ErrBadCRC is returned when the trailing CRC-8 byte doesn't match bytes 0..18.
	ErrBadCRC = errors.New("frame: crc mismatch")
	// ErrUnknownType is returned when the type tag isn't in KnownTypes.
	ErrUnknownType = errors.New("frame: unknown type")
)

// Frame is a decoded 20-byte wire frame.
type Frame struct {
	Type byte
	Body [BodySize]byte
}

// Encode lays out tag followed by body (zero-padded to BodySize) and
// appends the CRC-8 of bytes 0..18. body may be shorter than BodySize;
// it must not be longer.
func Encode(tag byte, body []byte) ([PacketSize]byte, error) {
	var out [PacketSize]byte
	if len(body) > BodySize {
		return out, fmt.Errorf("frame: body too long: %d > %d", len(body), BodySize)
	}
	out[0] = tag
	copy(out[1:1+BodySize], body)
	out[PacketSize-1] = CRC8(out[:PacketSize-1])
	return out, nil
}

// Decode validates length and CRC and returns the parsed Frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if len(raw) != PacketSize {
		return f, ErrBadLength
	}
	if CRC8(raw[:PacketSize-1]) != raw[PacketSize-1] {
		return f, ErrBadCRC
	}
	f.Type = raw[0]
	copy(f.Body[:], raw[1:PacketSize-1])
	if !KnownTypes[f.Type] {
		return f, ErrUnknownType
	}
	return f, nil
}
