// Package orchestrator wires one Session per configured peripheral to
// a shared GameState, a shared OutboundQueue, and a single RelayClient
// (spec §5): it is the composition root the teacher's main.go played
// for the vehicle's Redis/USOCK wiring, adapted here to the relay's
// three-peripheral, single-upstream-connection topology.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lasertag/beetle-relay/pkg/config"
	"github.com/lasertag/beetle-relay/pkg/eventbus"
	"github.com/lasertag/beetle-relay/pkg/events"
	"github.com/lasertag/beetle-relay/pkg/gamestate"
	"github.com/lasertag/beetle-relay/pkg/metrics"
	"github.com/lasertag/beetle-relay/pkg/relay"
	"github.com/lasertag/beetle-relay/pkg/reliability"
	"github.com/lasertag/beetle-relay/pkg/session"
	"github.com/lasertag/beetle-relay/pkg/transport"
)

// Orchestrator owns every session, the relay client, and the shared
// game state, and drives the clean-shutdown sequence (spec §5, §6).
type Orchestrator struct {
	cfg    config.Config
	opener transport.Opener
	gs     *gamestate.GameState
	bus    *eventbus.Bus

	outQ    *events.OutboundQueue
	srvGun  *events.SingleSlot[events.ServerGunState]
	srvVest *events.SingleSlot[events.ServerVestState]

	sessions []*session.Session
	relayCl  *relay.Client

	wg sync.WaitGroup
}

// New builds an Orchestrator from cfg, a GameState already seeded from
// any persisted snapshot (spec §3 Lifecycle), an Opener for the three
// peripheral transports, and an optional event bus (nil disables
// mirroring).
func New(cfg config.Config, opener transport.Opener, gs *gamestate.GameState, bus *eventbus.Bus) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		opener:  opener,
		gs:      gs,
		bus:     bus,
		outQ:    events.NewOutboundQueue(cfg.Storage.MaxQueueSize),
		srvGun:  &events.SingleSlot[events.ServerGunState]{},
		srvVest: &events.SingleSlot[events.ServerVestState]{},
	}

	relCfg := relay.Config{
		Addr:          addr(cfg.Device.UltraIP, cfg.Device.UltraPort),
		PlayerID:      cfg.Game.PlayerID,
		GunBeetleID:   beetleIDOf(cfg.Device.Beetle1),
		AnkleBeetleID: beetleIDOf(cfg.Device.Beetle2),
		DialTimeout:   5 * time.Second,
	}
	o.relayCl = relay.New(relCfg, o.outQ, o.srvGun, o.srvVest)

	reliabilityCfg := reliability.Config{
		MaxBufferSize:            cfg.Storage.MaxBufferSize,
		MaxCorruptPackets:        cfg.Storage.MaxCorruptPackets,
		MaxTimeoutResendAttempts: cfg.Storage.MaxTimeoutResendAttempts,
		ResponseTimeout:          cfg.Time.ResponseTimeout,
	}

	o.sessions = []*session.Session{
		o.newSession(session.RoleGun, cfg.Device.Beetle1, reliabilityCfg),
		o.newSession(session.RoleAnkle, cfg.Device.Beetle2, reliabilityCfg),
		o.newSession(session.RoleVest, cfg.Device.Beetle3, reliabilityCfg),
	}
	return o
}

func (o *Orchestrator) newSession(role session.Role, mac string, reliabilityCfg reliability.Config) *session.Session {
	cfg := session.Config{
		Role:                 role,
		MAC:                  mac,
		PlayerID:             o.cfg.Game.PlayerID,
		MagSize:              o.cfg.Storage.MagSize,
		HandshakeInterval:    o.cfg.Time.HandshakeInterval,
		ReconnectionInterval: o.cfg.Time.ReconnectionInterval,
		MaxNotifWaitTime:     o.cfg.Time.MaxNotifWaitTime,
		Reliability:          reliabilityCfg,
	}
	return session.New(cfg, o.opener, o.gs, o.outQ, o.srvGun, o.srvVest, o)
}

// OnStateChange implements session.Observer: it mirrors the
// transition into Prometheus and, if configured, the event bus.
func (o *Orchestrator) OnStateChange(beetleID string, s session.State) {
	metrics.SetSessionState(beetleID, int(s))
	o.bus.Publish(eventbus.Event{Kind: "session_state", BeetleID: beetleID, Detail: s.String()})
}

// OnForceDisconnect implements session.Observer.
func (o *Orchestrator) OnForceDisconnect(beetleID string, reason string) {
	metrics.IncForceDisconnect(beetleID, reason)
	o.bus.Publish(eventbus.Event{Kind: "force_disconnect", BeetleID: beetleID, Detail: reason})
}

// Run starts every session, the relay client, and the periodic stats
// logger, blocking until ctx is canceled. On return, every peripheral
// has been sent a kill frame and the game state has been persisted
// (spec §5 shutdown sequence).
func (o *Orchestrator) Run(ctx context.Context) {
	for _, s := range o.sessions {
		s := s
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			s.Run(ctx)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runRelay(ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runStatsLog(ctx)
	}()

	<-ctx.Done()
	o.shutdown()
	o.wg.Wait()
}

// runRelay keeps the upstream RelayClient connected, redialing after
// ReconnectionInterval on error (spec §4.6, §7).
func (o *Orchestrator) runRelay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := o.relayCl.Run(ctx); err != nil {
			log.Printf("orchestrator: relay client: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.Time.ReconnectionInterval):
		}
	}
}

// runStatsLog emits one summary log line every StatsLogInterval
// (spec §5), mirroring the metrics package's local counters and the
// current game state into the log, the Prometheus gauges and, if
// configured, the event bus.
func (o *Orchestrator) runStatsLog(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Time.StatsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := metrics.Snap()
			st := o.gs.GetState()
			metrics.SetGameState(st.Bullets, st.Shield, st.Health)
			metrics.SetOutboundQueueDepth(len(o.outQ.Chan()))
			line := fmt.Sprintf("corrupt=%d fragmented=%d naks_sent=%d naks_recv=%d retransmits=%d disconnects=%d bullets=%d shield=%d health=%d",
				snap.Corrupt, snap.Fragmented, snap.NAKsSent, snap.NAKsReceived, snap.Retransmits, snap.Disconnects,
				st.Bullets, st.Shield, st.Health)
			log.Printf("stats: %s", line)
			o.bus.Publish(eventbus.Event{Kind: "stats", Detail: line})
		}
	}
}

// shutdown best-effort kills every connected peripheral and persists
// the current game state (spec §5, §6).
func (o *Orchestrator) shutdown() {
	for _, s := range o.sessions {
		s.SendKill()
		s.Stop()
	}
	if err := gamestate.SaveSnapshot(o.cfg.Snapshot.Path, o.gs); err != nil {
		log.Printf("orchestrator: snapshot save failed: %v", err)
	}
	if err := o.bus.Close(); err != nil {
		log.Printf("orchestrator: event bus close: %v", err)
	}
}

func beetleIDOf(mac string) string {
	if len(mac) < 2 {
		return mac
	}
	return mac[len(mac)-2:]
}

func addr(ip string, port int) string {
	if port == 0 {
		return ip
	}
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
