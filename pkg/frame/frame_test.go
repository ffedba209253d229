package frame

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC8KnownVector(t *testing.T) {
	// Standard check value for CRC-8 with poly 0x07, init 0, no
	// reflection, xorout 0.
	assert.Equal(t, byte(0xF4), CRC8([]byte("123456789")))

	// Literal scenario-1 SYN bytes from spec §8: tag 'S', sqn 0, then
	// (currShot=0, remainingBullets=6), zero-padded to 18 bytes. The
	// session itself seeds currShot=1 for a full magazine (see
	// SPEC_FULL.md); this vector only exercises the codec.
	body := []byte{0x00, 0x00, 0x06}
	f, err := Encode(TypeSYN, body)
	require.NoError(t, err)

	decoded, err := Decode(f[:])
	require.NoError(t, err)
	assert.EqualValues(t, TypeSYN, decoded.Type)
	assert.Equal(t, byte(0x00), decoded.Body[0])
	assert.Equal(t, byte(0x00), decoded.Body[1])
	assert.Equal(t, byte(0x06), decoded.Body[2])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := func(tag byte, body [BodySize]byte) bool {
		raw, err := Encode(tag, body[:])
		if err != nil {
			return false
		}
		decoded, err := Decode(raw[:])
		if KnownTypes[tag] {
			if err != nil {
				return false
			}
			return decoded.Type == tag && decoded.Body == body
		}
		return err == ErrUnknownType
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestDecodeBadLength(t *testing.T) {
	_, err := Decode(make([]byte, PacketSize-1))
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestDecodeBadCRC(t *testing.T) {
	raw, err := Encode(TypeKill, nil)
	require.NoError(t, err)
	raw[PacketSize-1] ^= 0xFF
	_, err = Decode(raw[:])
	assert.ErrorIs(t, err, ErrBadCRC)
}

func TestDecodeUnknownType(t *testing.T) {
	raw, err := Encode('Z', nil)
	require.NoError(t, err)
	_, err = Decode(raw[:])
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestEncodeBodyTooLong(t *testing.T) {
	_, err := Encode(TypeKill, make([]byte, BodySize+1))
	assert.Error(t, err)
}
