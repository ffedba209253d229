// Package metrics exposes Prometheus counters/gauges for the relay
// (SPEC_FULL §4.7), adapted from the CAN bridge's metrics package:
// per-beetle session state, corrupt/fragmented/NAK/retransmit counts,
// and an optional /metrics HTTP endpoint.
package metrics

import (
	"log"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CorruptFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_corrupt_frames_total",
		Help: "Total CRC-invalid frames observed, by beetle_id and frame_kind (imu/other).",
	}, []string{"beetle_id", "frame_kind"})
	FragmentedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_fragmented_packets_total",
		Help: "Total non-empty buffer residuals after peeling a 20-byte frame, by beetle_id.",
	}, []string{"beetle_id"})
	NAKsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_naks_sent_total",
		Help: "Total NAK frames emitted, by beetle_id.",
	}, []string{"beetle_id"})
	NAKsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_naks_received_total",
		Help: "Total NAK frames received from a peripheral, by beetle_id.",
	}, []string{"beetle_id"})
	Retransmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_retransmits_total",
		Help: "Total state-change frame retransmissions, by beetle_id.",
	}, []string{"beetle_id"})
	ForceDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_force_disconnects_total",
		Help: "Total force-disconnects, by beetle_id and reason.",
	}, []string{"beetle_id", "reason"})
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beetle_session_state",
		Help: "Current SessionStateMachine state (0=DISCONNECTED,1=CONNECTED,2=READY), by beetle_id.",
	}, []string{"beetle_id"})
	OutboundQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbound_queue_depth",
		Help: "Approximate depth of outbound_q at last sample.",
	})
	GunBullets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gamestate_gun_bullets",
		Help: "Current magazine bullet count.",
	})
	VestShield = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gamestate_vest_shield",
		Help: "Current vest shield value.",
	})
	VestHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gamestate_vest_health",
		Help: "Current vest health value.",
	})
)

// Local mirrored counters for the periodic STATS_LOG_INTERVAL log
// line, avoiding a Prometheus scrape round-trip just to log (spec §5).
var (
	localCorrupt      uint64
	localFragmented   uint64
	localNAKsSent     uint64
	localNAKsReceived uint64
	localRetransmits  uint64
	localDisconnects  uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	Corrupt      uint64
	Fragmented   uint64
	NAKsSent     uint64
	NAKsReceived uint64
	Retransmits  uint64
	Disconnects  uint64
}

// Snap returns the current local counter snapshot.
func Snap() Snapshot {
	return Snapshot{
		Corrupt:      atomic.LoadUint64(&localCorrupt),
		Fragmented:   atomic.LoadUint64(&localFragmented),
		NAKsSent:     atomic.LoadUint64(&localNAKsSent),
		NAKsReceived: atomic.LoadUint64(&localNAKsReceived),
		Retransmits:  atomic.LoadUint64(&localRetransmits),
		Disconnects:  atomic.LoadUint64(&localDisconnects),
	}
}

// IncCorrupt records one CRC-invalid frame, split by whether it was an
// IMU frame (dropped silently) or a non-IMU frame (NAK'd), per
// SPEC_FULL §4.7.
func IncCorrupt(beetleID string, isIMU bool) {
	kind := "other"
	if isIMU {
		kind = "imu"
	}
	CorruptFrames.WithLabelValues(beetleID, kind).Inc()
	atomic.AddUint64(&localCorrupt, 1)
}

func IncFragmented(beetleID string) {
	FragmentedPackets.WithLabelValues(beetleID).Inc()
	atomic.AddUint64(&localFragmented, 1)
}

// IncNAKSent records a NAK frame this channel emitted.
func IncNAKSent(beetleID string) {
	NAKsSent.WithLabelValues(beetleID).Inc()
	atomic.AddUint64(&localNAKsSent, 1)
}

// IncNAKReceived records a NAK frame a peripheral sent back to us.
func IncNAKReceived(beetleID string) {
	NAKsReceived.WithLabelValues(beetleID).Inc()
	atomic.AddUint64(&localNAKsReceived, 1)
}

func IncRetransmit(beetleID string) {
	Retransmits.WithLabelValues(beetleID).Inc()
	atomic.AddUint64(&localRetransmits, 1)
}

func IncForceDisconnect(beetleID, reason string) {
	ForceDisconnects.WithLabelValues(beetleID, reason).Inc()
	atomic.AddUint64(&localDisconnects, 1)
}

func SetSessionState(beetleID string, state int) {
	SessionState.WithLabelValues(beetleID).Set(float64(state))
}

func SetOutboundQueueDepth(n int) {
	OutboundQueueDepth.Set(float64(n))
}

func SetGameState(bullets, shield, health int) {
	GunBullets.Set(float64(bullets))
	VestShield.Set(float64(shield))
	VestHealth.Set(float64(health))
}

// StartHTTP serves Prometheus metrics at /metrics, if addr is non-empty.
func StartHTTP(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: http server error: %v", err)
		}
	}()
	return srv
}
