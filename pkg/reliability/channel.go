// Package reliability implements the stop-and-wait reliable channel
// that sits between a raw transport.Stream and a session's packet
// dispatcher: framing/resync, CRC validation, sqn dedup/gap handling,
// NAK service, and retransmission of outstanding state-change frames
// (spec §4.2).
package reliability

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lasertag/beetle-relay/pkg/frame"
	"github.com/lasertag/beetle-relay/pkg/metrics"
	"github.com/lasertag/beetle-relay/pkg/transport"
)

// Config bounds the channel's buffers and retry budgets (spec §5, §6).
type Config struct {
	MaxBufferSize            int
	MaxCorruptPackets        int
	MaxTimeoutResendAttempts int
	ResponseTimeout          time.Duration
	// BeetleID labels this channel's Prometheus/stats counters
	// (spec §4.7). Optional: an empty value still increments the
	// counters, just unlabeled per-beetle.
	BeetleID string
}

// Handler receives in-order, CRC-valid frames. HandleFrame returns
// nothing: the channel advances expected_peer_sqn as soon as a frame is
// accepted in order, whatever the handler then does with it (e.g. a
// GameState apply mismatch) — only gaps and corruption hold back the sqn.
type Handler interface {
	HandleFrame(f frame.Frame)
}

// sentEntry is one retained outbound frame, for NAK service.
type sentEntry struct {
	sqn  byte
	data []byte
}

const sentLogRetention = 64

// Channel is one session's reliable link over a byte-stream transport.
type Channel struct {
	cfg     Config
	stream  transport.Stream
	handler Handler
	onForceDisconnect func(reason string)

	mu                    sync.Mutex
	buffer                []byte
	expectedPeerSqn       byte
	held                  map[byte]frame.Frame
	outboundSqn           byte
	sentLog               []sentEntry
	corruptCount          int
	lastValidFrame        time.Time
	lastActivity          time.Time
	fragmentedCount       int
	stateChangeInProgress bool
	lastStateChangeFrame  []byte
	resendAttempts        int
	nakStreak             int
	timer                 *time.Timer
	closed                bool
}

// New creates a Channel bound to stream; onForceDisconnect is invoked
// (at most once) when a corruption/timeout budget is exceeded or a
// kill frame arrives.
func New(cfg Config, stream transport.Stream, handler Handler, onForceDisconnect func(reason string)) *Channel {
	return &Channel{
		cfg:            cfg,
		stream:         stream,
		handler:        handler,
		onForceDisconnect: onForceDisconnect,
		held:           make(map[byte]frame.Frame),
		lastValidFrame: time.Now(),
		lastActivity:   time.Now(),
	}
}

// OnByte implements transport.ByteHandler: feed one received byte.
// Frames are decoded and sqn-ordered under the channel's lock, but
// dispatched to handler AFTER the lock is released, so a handler is
// free to call back into Send*/Commit* without deadlocking.
func (c *Channel) OnByte(b byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buffer = append(c.buffer, b)
	var toDispatch []frame.Frame
	c.processBufferLocked(&toDispatch)
	c.mu.Unlock()

	for _, f := range toDispatch {
		c.handler.HandleFrame(f)
	}
}

func (c *Channel) processBufferLocked(toDispatch *[]frame.Frame) {
	// A byte that cannot start a frame is discarded as soon as it reaches
	// the buffer head, so junk of any length never misaligns the next frame.
	if len(c.buffer) > 0 && !frame.KnownTypes[c.buffer[0]] {
		log.Printf("reliability: unknown type tag 0x%02x at buffer head, resyncing buffer", c.buffer[0])
		c.buffer = c.buffer[:0]
		return
	}
	for len(c.buffer) >= frame.PacketSize {
		candidate := make([]byte, frame.PacketSize)
		copy(candidate, c.buffer[:frame.PacketSize])
		c.buffer = c.buffer[frame.PacketSize:]
		c.handleCandidateLocked(candidate, toDispatch)
		if c.closed {
			return
		}
	}
	if len(c.buffer) > 0 {
		c.fragmentedCount++
		metrics.IncFragmented(c.cfg.BeetleID)
	}
	if len(c.buffer) > c.cfg.MaxBufferSize {
		overflow := len(c.buffer) - c.cfg.MaxBufferSize
		log.Printf("reliability: buffer overflow, dropping %d oldest bytes", overflow)
		c.buffer = c.buffer[overflow:]
	}
}

func (c *Channel) handleCandidateLocked(raw []byte, toDispatch *[]frame.Frame) {
	c.lastActivity = time.Now()
	f, err := frame.Decode(raw)
	switch {
	case errors.Is(err, frame.ErrUnknownType):
		log.Printf("reliability: unknown type tag 0x%02x, resyncing buffer", raw[0])
		c.buffer = c.buffer[:0]
		return
	case errors.Is(err, frame.ErrBadCRC):
		c.corruptCount++
		isIMU := raw[0] == frame.TypeIMU
		metrics.IncCorrupt(c.cfg.BeetleID, isIMU)
		if isIMU {
			log.Printf("reliability: dropping corrupt IMU frame")
		} else {
			log.Printf("reliability: corrupt frame, NAKing expected sqn %d", c.expectedPeerSqn)
			c.sendNAKLocked(c.expectedPeerSqn)
		}
		if time.Since(c.lastValidFrame) > time.Second {
			log.Printf("reliability: no valid frame in >1s, resyncing buffer")
			c.buffer = c.buffer[:0]
		}
		if c.corruptCount >= c.cfg.MaxCorruptPackets {
			c.forceDisconnectLocked("corrupt packet budget exceeded")
		}
		return
	case err != nil:
		log.Printf("reliability: decode error: %v", err)
		return
	}

	c.lastValidFrame = time.Now()

	switch f.Type {
	case frame.TypeKill:
		c.forceDisconnectLocked("kill frame received")
		return
	case frame.TypeIMU:
		*toDispatch = append(*toDispatch, f)
		return
	case frame.TypeNAK:
		c.handleNAKLocked(f)
		return
	case frame.TypeGunStateACK:
		// Unlike every other non-IMU type, X's payload is (bullets_used,
		// remaining_bullets) with no sqn field (spec §6) — it rides the
		// stop-and-wait contract (at most one state change outstanding)
		// rather than peer-sqn sequencing, so it bypasses the gap/dup
		// check below entirely.
		*toDispatch = append(*toDispatch, f)
		return
	case frame.TypeSYNACK:
		// The handshake reply precedes expected_peer_sqn even existing
		// for this connection (it arrives before READY resets it), so
		// it bypasses the gap/dup check the same way X does.
		*toDispatch = append(*toDispatch, f)
		return
	}

	peerSqn := f.Body[0]
	switch {
	case peerSqn < c.expectedPeerSqn:
		log.Printf("reliability: dropping duplicate sqn %d (expected %d)", peerSqn, c.expectedPeerSqn)
	case peerSqn == c.expectedPeerSqn:
		c.nakStreak = 0
		*toDispatch = append(*toDispatch, f)
		c.expectedPeerSqn++
		c.drainHeldLocked(toDispatch)
	default:
		log.Printf("reliability: gap detected, have sqn %d, expected %d", peerSqn, c.expectedPeerSqn)
		c.held[peerSqn] = f
		c.sendNAKLocked(c.expectedPeerSqn)
	}
}

// drainHeldLocked appends any previously-held out-of-order frames that
// are now contiguous with expected_peer_sqn, in order, to toDispatch.
func (c *Channel) drainHeldLocked(toDispatch *[]frame.Frame) {
	for {
		hf, ok := c.held[c.expectedPeerSqn]
		if !ok {
			return
		}
		delete(c.held, c.expectedPeerSqn)
		*toDispatch = append(*toDispatch, hf)
		c.expectedPeerSqn++
	}
}

func (c *Channel) handleNAKLocked(f frame.Frame) {
	metrics.IncNAKReceived(c.cfg.BeetleID)
	requested := f.Body[0]
	for i := len(c.sentLog) - 1; i >= 0; i-- {
		if c.sentLog[i].sqn == requested {
			log.Printf("reliability: NAK service retransmitting sqn %d", requested)
			if err := c.stream.Write(c.sentLog[i].data); err != nil {
				log.Printf("reliability: NAK retransmit write error: %v", err)
			}
			metrics.IncRetransmit(c.cfg.BeetleID)
			c.nakStreak++
			if c.nakStreak >= c.cfg.MaxTimeoutResendAttempts {
				c.forceDisconnectLocked("NAK budget exceeded without forward progress")
			}
			return
		}
	}
	log.Printf("reliability: NAK for unknown sqn %d, ignoring", requested)
}

func (c *Channel) forceDisconnectLocked(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	log.Printf("reliability: force-disconnect: %s", reason)
	if c.onForceDisconnect != nil {
		go c.onForceDisconnect(reason)
	}
}

// Closed reports whether the channel has already force-disconnected.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) appendSentLog(sqn byte, data []byte) {
	c.sentLog = append(c.sentLog, sentEntry{sqn: sqn, data: data})
	if len(c.sentLog) > sentLogRetention {
		c.sentLog = c.sentLog[len(c.sentLog)-sentLogRetention:]
	}
}

func (c *Channel) sendNAKLocked(requestedSqn byte) {
	body := make([]byte, frame.BodySize)
	body[0] = requestedSqn
	raw, err := frame.Encode(frame.TypeNAK, body)
	if err != nil {
		log.Printf("reliability: encode NAK: %v", err)
		return
	}
	metrics.IncNAKSent(c.cfg.BeetleID)
	if err := c.stream.Write(raw[:]); err != nil {
		log.Printf("reliability: write NAK: %v", err)
	}
}

// SendSyn sends the S handshake frame with sqn fixed at 0 and resets
// both sqn counters (spec §4.3, §9 reconnect policy).
func (c *Channel) SendSyn(rest []byte) error {
	c.mu.Lock()
	c.outboundSqn = 0
	c.expectedPeerSqn = 0
	c.held = make(map[byte]frame.Frame)
	c.mu.Unlock()
	// The write happens outside the lock: a transport that delivers the
	// peer's SYN-ACK synchronously re-enters OnByte from inside Write.
	body := make([]byte, frame.BodySize)
	body[0] = 0
	copy(body[1:], rest)
	raw, err := frame.Encode(frame.TypeSYN, body)
	if err != nil {
		return err
	}
	return c.stream.Write(raw[:])
}

// SendReply writes an immediate, non-retransmitted frame that echoes
// a peer-supplied sqn (G/V gunshot/vestshot ACKs).
func (c *Channel) SendReply(tag byte, sqn byte, rest []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	body := make([]byte, frame.BodySize)
	body[0] = sqn
	copy(body[1:], rest)
	raw, err := frame.Encode(tag, body)
	if err != nil {
		return err
	}
	c.appendSentLog(sqn, raw[:])
	return c.stream.Write(raw[:])
}

// SendStateChange sends a state-changing frame (U or R) using the
// current outbound sqn, arms the retransmit timer, and marks exactly
// one state change outstanding (spec §4.2 stop-and-wait).
func (c *Channel) SendStateChange(tag byte, rest []byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sqn := c.outboundSqn
	body := make([]byte, frame.BodySize)
	body[0] = sqn
	copy(body[1:], rest)
	raw, err := frame.Encode(tag, body)
	if err != nil {
		return 0, err
	}
	data := append([]byte(nil), raw[:]...)
	c.appendSentLog(sqn, data)
	c.stateChangeInProgress = true
	c.lastStateChangeFrame = data
	c.resendAttempts = 0
	c.armTimerLocked()
	return sqn, c.stream.Write(data)
}

func (c *Channel) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.ResponseTimeout, c.onTimeout)
}

func (c *Channel) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.stateChangeInProgress {
		return
	}
	c.resendAttempts++
	if c.resendAttempts > c.cfg.MaxTimeoutResendAttempts {
		c.forceDisconnectLocked("state-change retransmit budget exceeded")
		return
	}
	log.Printf("reliability: response timeout, retransmitting (attempt %d)", c.resendAttempts)
	metrics.IncRetransmit(c.cfg.BeetleID)
	if err := c.stream.Write(c.lastStateChangeFrame); err != nil {
		log.Printf("reliability: retransmit write error: %v", err)
	}
	c.armTimerLocked()
}

// CommitStateChange clears the outstanding state change (an X/W/R ACK
// was applied successfully), stops the retransmit timer, and advances
// the outbound sqn for the next state change.
func (c *Channel) CommitStateChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stateChangeInProgress {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.stateChangeInProgress = false
	c.lastStateChangeFrame = nil
	c.resendAttempts = 0
	c.nakStreak = 0
	c.outboundSqn++
}

// StateChangeInProgress reports whether a U/R is currently outstanding.
func (c *Channel) StateChangeInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateChangeInProgress
}

// ExpectedPeerSqn returns the next peer sqn the channel will accept.
func (c *Channel) ExpectedPeerSqn() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expectedPeerSqn
}

// ResetPeerSqn zeroes expected_peer_sqn and discards any held
// out-of-order frames. The session calls this on entry to READY
// (spec §4.3: "on entry to READY the session resets the expected peer
// sqn"), since the peripheral also restarts its own outbound sqn at 0
// once the handshake completes.
func (c *Channel) ResetPeerSqn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expectedPeerSqn = 0
	c.held = make(map[byte]frame.Frame)
}

// FragmentedCount returns the observability-only fragmented-packet
// counter (spec §4.2).
func (c *Channel) FragmentedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fragmentedCount
}

// CorruptCount returns the running corrupt-frame counter.
func (c *Channel) CorruptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.corruptCount
}

// LastActivity returns the time the last 20-byte candidate frame
// (valid or not) was processed, used by Session to detect an idle
// peripheral (spec §4.3 notify timeout).
func (c *Channel) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Stop stops any pending retransmit timer without closing the stream
// (the stream is owned by the caller).
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
}
