package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lasertag/beetle-relay/pkg/frame"
	"github.com/lasertag/beetle-relay/pkg/metrics"
	"github.com/lasertag/beetle-relay/pkg/transport"
)

type recordingHandler struct {
	frames []frame.Frame
}

func (r *recordingHandler) HandleFrame(f frame.Frame) {
	r.frames = append(r.frames, f)
}

func testConfig() Config {
	return Config{
		MaxBufferSize:            256,
		MaxCorruptPackets:        3,
		MaxTimeoutResendAttempts: 2,
		ResponseTimeout:          30 * time.Millisecond,
	}
}

func vestFrame(sqn byte) [frame.PacketSize]byte {
	body := make([]byte, frame.BodySize)
	body[0] = sqn
	raw, _ := frame.Encode(frame.TypeVestshot, body)
	return raw
}

func TestDuplicateSuppression(t *testing.T) {
	h := &recordingHandler{}
	a, _ := transport.NewFakePair(nil, nil)
	c := New(testConfig(), a, h, nil)

	f0 := vestFrame(0)
	for _, b := range f0 {
		c.OnByte(b)
	}
	for _, b := range f0 {
		c.OnByte(b)
	}
	f1 := vestFrame(1)
	for _, b := range f1 {
		c.OnByte(b)
	}

	assert.Len(t, h.frames, 2)
	assert.Equal(t, byte(2), c.ExpectedPeerSqn())
}

func TestGapNAK(t *testing.T) {
	h := &recordingHandler{}
	stream, _ := transport.NewFakePair(nil, nil)
	c := New(testConfig(), stream, h, nil)

	f2 := vestFrame(2)
	for _, b := range f2 {
		c.OnByte(b)
	}

	assert.Empty(t, h.frames, "F(k+2) must be held, not dispatched")
	assert.Equal(t, byte(0), c.ExpectedPeerSqn())

	sent := stream.SentFrames()
	require.Len(t, sent, 1)
	nak, err := frame.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, frame.TypeNAK, nak.Type)
	assert.Equal(t, byte(0), nak.Body[0])

	// Both missing frames (sqn 0 and 1) must arrive before sqn 2 drains.
	f0 := vestFrame(0)
	for _, b := range f0 {
		c.OnByte(b)
	}
	f1 := vestFrame(1)
	for _, b := range f1 {
		c.OnByte(b)
	}
	assert.Len(t, h.frames, 3, "gap fill drains the held frame too")
	assert.Equal(t, byte(3), c.ExpectedPeerSqn())
}

func TestSynAckDoesNotConsumePeerSqn(t *testing.T) {
	h := &recordingHandler{}
	a, _ := transport.NewFakePair(nil, nil)
	c := New(testConfig(), a, h, nil)

	synack, _ := frame.Encode(frame.TypeSYNACK, make([]byte, frame.BodySize))
	for _, b := range synack {
		c.OnByte(b)
	}
	require.Len(t, h.frames, 1)
	assert.Equal(t, frame.TypeSYNACK, h.frames[0].Type)
	assert.Equal(t, byte(0), c.ExpectedPeerSqn(), "SYN-ACK must bypass peer-sqn tracking")

	f0 := vestFrame(0)
	for _, b := range f0 {
		c.OnByte(b)
	}
	require.Len(t, h.frames, 2, "first real peer frame at sqn 0 must be dispatched, not dropped as a duplicate")
	assert.Equal(t, frame.TypeVestshot, h.frames[1].Type)
}

func TestResetPeerSqnClearsHeldFrames(t *testing.T) {
	h := &recordingHandler{}
	a, _ := transport.NewFakePair(nil, nil)
	c := New(testConfig(), a, h, nil)

	f2 := vestFrame(2)
	for _, b := range f2 {
		c.OnByte(b)
	}
	assert.Empty(t, h.frames, "F(k+2) must be held, not dispatched")

	c.ResetPeerSqn()
	assert.Equal(t, byte(0), c.ExpectedPeerSqn())

	f0 := vestFrame(0)
	for _, b := range f0 {
		c.OnByte(b)
	}
	require.Len(t, h.frames, 1, "reset must discard the stale held frame, not drain it")
	assert.Equal(t, byte(1), c.ExpectedPeerSqn())
}

func TestFramingResyncAfterJunk(t *testing.T) {
	h := &recordingHandler{}
	stream, _ := transport.NewFakePair(nil, nil)
	c := New(testConfig(), stream, h, nil)

	for i := 0; i < 25; i++ {
		c.OnByte(0xFF)
	}
	f0 := vestFrame(0)
	for _, b := range f0 {
		c.OnByte(b)
	}
	require.Len(t, h.frames, 1)
	assert.Equal(t, frame.TypeVestshot, h.frames[0].Type)
}

func TestStateChangeInProgressUntilCommit(t *testing.T) {
	h := &recordingHandler{}
	stream, _ := transport.NewFakePair(nil, nil)
	c := New(testConfig(), stream, h, nil)

	_, err := c.SendStateChange(frame.TypeUpdateState, []byte{5})
	require.NoError(t, err)
	assert.True(t, c.StateChangeInProgress())

	c.CommitStateChange()
	assert.False(t, c.StateChangeInProgress())
}

func TestResponseTimeoutRetransmitsThenDisconnects(t *testing.T) {
	h := &recordingHandler{}
	stream, _ := transport.NewFakePair(nil, nil)
	disconnected := make(chan string, 1)
	cfg := testConfig()
	c := New(cfg, stream, h, func(reason string) { disconnected <- reason })

	_, err := c.SendStateChange(frame.TypeReload, nil)
	require.NoError(t, err)

	select {
	case reason := <-disconnected:
		assert.Contains(t, reason, "retransmit budget exceeded")
	case <-time.After(2 * time.Second):
		t.Fatal("expected force-disconnect after exhausting resend attempts")
	}

	sent := stream.SentFrames()
	// initial send + MaxTimeoutResendAttempts retransmits, all identical
	assert.GreaterOrEqual(t, len(sent), cfg.MaxTimeoutResendAttempts+1)
	for _, s := range sent {
		assert.Equal(t, sent[0], s)
	}
}

func TestNAKServiceRetransmitsKnownSqn(t *testing.T) {
	h := &recordingHandler{}
	stream, _ := transport.NewFakePair(nil, nil)
	c := New(testConfig(), stream, h, nil)

	sqn, err := c.SendStateChange(frame.TypeUpdateState, []byte{7})
	require.NoError(t, err)
	c.CommitStateChange()

	nakBody := make([]byte, frame.BodySize)
	nakBody[0] = sqn
	nakFrame, err := frame.Encode(frame.TypeNAK, nakBody)
	require.NoError(t, err)
	for _, b := range nakFrame {
		c.OnByte(b)
	}

	sent := stream.SentFrames()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, sent[0], sent[len(sent)-1], "NAK retransmit must be byte-identical to original send")
}

func TestCorruptIMUFrameDroppedSilently(t *testing.T) {
	h := &recordingHandler{}
	stream, _ := transport.NewFakePair(nil, nil)
	c := New(testConfig(), stream, h, nil)

	raw, _ := frame.Encode(frame.TypeIMU, make([]byte, frame.BodySize))
	raw[19] ^= 0xFF // corrupt CRC
	for _, b := range raw {
		c.OnByte(b)
	}

	assert.Empty(t, h.frames)
	assert.Empty(t, stream.SentFrames(), "corrupt IMU frames are never NAKed")
	assert.Equal(t, 1, c.CorruptCount())
}

func TestChannelReportsObservabilityCounters(t *testing.T) {
	h := &recordingHandler{}
	stream, _ := transport.NewFakePair(nil, nil)
	cfg := testConfig()
	cfg.BeetleID = "99"
	c := New(cfg, stream, h, nil)

	before := metrics.Snap()

	// Corrupt non-IMU frame: bumps Corrupt and triggers a NAK send.
	raw, _ := frame.Encode(frame.TypeVestshot, make([]byte, frame.BodySize))
	raw[19] ^= 0xFF
	for _, b := range raw {
		c.OnByte(b)
	}

	// Gap frame: also triggers a NAK send.
	f2 := vestFrame(2)
	for _, b := range f2 {
		c.OnByte(b)
	}

	// Junk bytes that never complete a 20-byte frame: fragmented count.
	c.OnByte(0xAB)

	after := metrics.Snap()
	assert.Equal(t, before.Corrupt+1, after.Corrupt)
	assert.GreaterOrEqual(t, after.NAKsSent, before.NAKsSent+2)
	assert.Equal(t, before.Fragmented+1, after.Fragmented)
}

func TestKillFrameForceDisconnects(t *testing.T) {
	h := &recordingHandler{}
	stream, _ := transport.NewFakePair(nil, nil)
	disconnected := make(chan string, 1)
	c := New(testConfig(), stream, h, func(reason string) { disconnected <- reason })

	raw, _ := frame.Encode(frame.TypeKill, nil)
	for _, b := range raw {
		c.OnByte(b)
	}

	select {
	case reason := <-disconnected:
		assert.Contains(t, reason, "kill")
	case <-time.After(time.Second):
		t.Fatal("expected force-disconnect on kill frame")
	}
}
