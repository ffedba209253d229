// Package session implements the per-peripheral connection state
// machine and packet dispatcher (spec §4.3, §4.4): connect, handshake,
// steady-state frame dispatch, and polling server-authoritative state
// while READY.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lasertag/beetle-relay/pkg/events"
	"github.com/lasertag/beetle-relay/pkg/frame"
	"github.com/lasertag/beetle-relay/pkg/gamestate"
	"github.com/lasertag/beetle-relay/pkg/reliability"
	"github.com/lasertag/beetle-relay/pkg/transport"
)

// Role identifies which peripheral a Session is bound to.
type Role int

const (
	RoleGun Role = iota
	RoleAnkle
	RoleVest
)

// State is one of the three SessionStateMachine states (spec §4.3).
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Observer receives state transitions and counters for metrics/event
// mirroring; all methods must tolerate a nil Observer (no-op).
type Observer interface {
	OnStateChange(beetleID string, s State)
	OnForceDisconnect(beetleID string, reason string)
}

// Config fixes one Session's identity and timing budget.
type Config struct {
	Role                 Role
	MAC                  string
	PlayerID             int
	MagSize              int
	HandshakeInterval    time.Duration
	ReconnectionInterval time.Duration
	MaxNotifWaitTime     time.Duration
	Reliability          reliability.Config
}

// BeetleID returns the last two hex digits of the MAC, used in logs
// and outbound payloads (spec §3).
func (c Config) BeetleID() string {
	if len(c.MAC) < 2 {
		return c.MAC
	}
	return c.MAC[len(c.MAC)-2:]
}

// Session owns one peripheral's connection: its ReliableChannel, its
// view of GameState, and the shared outbound/server-state queues.
type Session struct {
	cfg    Config
	opener transport.Opener
	gs     *gamestate.GameState
	outQ   *events.OutboundQueue
	srvGun  *events.SingleSlot[events.ServerGunState]
	srvVest *events.SingleSlot[events.ServerVestState]
	obs    Observer

	mu      sync.Mutex
	state   State
	stream  transport.Stream
	channel *reliability.Channel
	synAckCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Session. srvGun/srvVest may be nil for the ankle role.
func New(cfg Config, opener transport.Opener, gs *gamestate.GameState, outQ *events.OutboundQueue,
	srvGun *events.SingleSlot[events.ServerGunState], srvVest *events.SingleSlot[events.ServerVestState], obs Observer) *Session {
	cfg.Reliability.BeetleID = cfg.BeetleID()
	return &Session{
		cfg:     cfg,
		opener:  opener,
		gs:      gs,
		outQ:    outQ,
		srvGun:  srvGun,
		srvVest: srvVest,
		obs:     obs,
		state:   StateDisconnected,
		stopCh:  make(chan struct{}),
	}
}

func (s *Session) setState(ns State) {
	s.mu.Lock()
	s.state = ns
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.OnStateChange(s.cfg.BeetleID(), ns)
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop terminates the session's Run loop and closes its transport.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// SendKill best-effort sends a K frame to a connected peripheral, used
// during orchestrated shutdown (spec §5 cancellation).
func (s *Session) SendKill() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	raw, err := frame.Encode(frame.TypeKill, nil)
	if err != nil {
		return
	}
	if err := stream.Write(raw[:]); err != nil {
		log.Printf("session[%s]: kill send failed: %v", s.cfg.BeetleID(), err)
	}
}

// Run drives the session's state machine until Stop is called. It
// should be run in its own goroutine by the Orchestrator.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			s.teardown()
			return
		case <-ctx.Done():
			s.teardown()
			return
		default:
		}

		switch s.State() {
		case StateDisconnected:
			s.runDisconnected(ctx)
		case StateConnected:
			s.runHandshake(ctx)
		case StateReady:
			s.runReady(ctx)
		}
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	stream := s.stream
	ch := s.channel
	s.stream = nil
	s.channel = nil
	s.mu.Unlock()
	if ch != nil {
		ch.Stop()
	}
	if stream != nil {
		stream.Close()
	}
}

func (s *Session) runDisconnected(ctx context.Context) {
	beetleID := s.cfg.BeetleID()
	handler := func(b byte) {
		s.mu.Lock()
		ch := s.channel
		s.mu.Unlock()
		if ch != nil {
			ch.OnByte(b)
		}
	}
	stream, err := s.opener(ctx, s.cfg.MAC, handler)
	if err != nil {
		log.Printf("session[%s]: connect failed: %v", beetleID, err)
		sleepOrDone(ctx, s.stopCh, s.cfg.ReconnectionInterval)
		return
	}

	channel := reliability.New(s.cfg.Reliability, stream, s, func(reason string) {
		log.Printf("session[%s]: force-disconnect: %s", beetleID, reason)
		if s.obs != nil {
			s.obs.OnForceDisconnect(beetleID, reason)
		}
		s.setState(StateDisconnected)
	})

	s.mu.Lock()
	s.stream = stream
	s.channel = channel
	s.mu.Unlock()

	s.setState(StateConnected)
}

func (s *Session) runHandshake(ctx context.Context) {
	beetleID := s.cfg.BeetleID()

	s.mu.Lock()
	s.synAckCh = make(chan struct{}, 1)
	ch := s.channel
	s.mu.Unlock()

	if ch == nil {
		s.setState(StateDisconnected)
		return
	}

	if err := ch.SendSyn(s.synSeedPayload()); err != nil {
		log.Printf("session[%s]: SYN send failed: %v", beetleID, err)
		s.setState(StateDisconnected)
		return
	}

	select {
	case <-s.synAckCh:
	case <-time.After(s.cfg.HandshakeInterval):
		log.Printf("session[%s]: handshake timed out waiting for SYN-ACK", beetleID)
		sleepOrDone(ctx, s.stopCh, s.cfg.HandshakeInterval)
		return
	case <-s.stopCh:
		return
	case <-ctx.Done():
		return
	}

	if err := ch.SendReply(frame.TypeSYNACK, 0, nil); err != nil {
		log.Printf("session[%s]: ACK send failed: %v", beetleID, err)
		s.setState(StateDisconnected)
		return
	}

	// On entry to READY the session resets the expected peer sqn
	// (spec §4.3): the peripheral restarts its own outbound sqn at 0
	// once the handshake completes, and the handshake's own SYN-ACK
	// must not have consumed sqn 0 from that fresh sequence.
	ch.ResetPeerSqn()
	s.setState(StateReady)
}

// synSeedPayload builds the SYN body that seeds the peripheral's local
// state (spec §4.3, §6): gun sessions carry (currShot, remainingBullets);
// vest sessions carry (shield, health); ankle carries nothing.
func (s *Session) synSeedPayload() []byte {
	body := make([]byte, frame.BodySize-1)
	switch s.cfg.Role {
	case RoleGun:
		body[0] = byte(s.gs.GetCurrShot())
		body[1] = byte(s.gs.GetRemainingBullets())
	case RoleVest:
		shield, health := s.gs.GetShieldHealth()
		body[0] = byte(shield)
		body[1] = byte(health)
	}
	return body
}

func (s *Session) runReady(ctx context.Context) {
	beetleID := s.cfg.BeetleID()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			ch := s.channel
			s.mu.Unlock()
			if ch == nil || ch.Closed() {
				s.setState(StateDisconnected)
				return
			}
			if time.Since(ch.LastActivity()) > s.cfg.MaxNotifWaitTime {
				log.Printf("session[%s]: no frame within MaxNotifWaitTime, force-disconnect", beetleID)
				s.setState(StateDisconnected)
				return
			}
			s.pollServerState(ch)
		}
		if s.State() != StateReady {
			return
		}
	}
}

// pollServerState implements spec §4.6's "each session polls its
// relevant server-state queue while in READY" recalibration logic.
func (s *Session) pollServerState(ch *reliability.Channel) {
	switch s.cfg.Role {
	case RoleGun:
		if s.srvGun == nil {
			return
		}
		st, ok := s.srvGun.Take()
		if !ok {
			return
		}
		if ch.StateChangeInProgress() {
			return
		}
		local := s.gs.GetRemainingBullets()
		switch {
		case st.Bullets == local:
			return
		case st.Bullets == gamestate.MagSize:
			s.gs.Reload()
			if _, err := ch.SendStateChange(frame.TypeReload, nil); err != nil {
				log.Printf("session[%s]: reload send failed: %v", s.cfg.BeetleID(), err)
			}
		default:
			s.gs.UpdateGunState(st.Bullets)
			if _, err := ch.SendStateChange(frame.TypeUpdateState, []byte{byte(st.Bullets)}); err != nil {
				log.Printf("session[%s]: gun update send failed: %v", s.cfg.BeetleID(), err)
			}
		}
	case RoleVest:
		if s.srvVest == nil {
			return
		}
		st, ok := s.srvVest.Take()
		if !ok {
			return
		}
		if ch.StateChangeInProgress() {
			return
		}
		shield, health := s.gs.GetShieldHealth()
		if st.Shield == shield && st.Health == health {
			return
		}
		s.gs.UpdateVestState(&st.Shield, &st.Health)
		if _, err := ch.SendStateChange(frame.TypeUpdateState, []byte{byte(st.Shield), byte(st.Health)}); err != nil {
			log.Printf("session[%s]: vest update send failed: %v", s.cfg.BeetleID(), err)
		}
	}
}

func sleepOrDone(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	case <-ctx.Done():
	}
}
