// Package gamestate implements the two-phase pending/apply game state
// for a single player's gun and vest, mirrored between the upstream
// game engine and the wearable peripherals (spec §3, §4.5).
package gamestate

import (
	"log"
	"sync"
)

// MagSize is the gun magazine capacity (spec §3). Configurable via
// New(magSize) for deployments that override storage.mag_size.
const MagSize = 6

// MaxShield and MaxHealth bound the vest sub-state (spec §3).
const (
	MaxShield = 30
	MaxHealth = 100
)

// VestSnapshot is an immutable copy of vest state.
type VestSnapshot struct {
	Shield int
	Health int
}

// GunSnapshot is an immutable copy of gun state.
type GunSnapshot struct {
	Bullets int
}

// vestState holds the current and pending shield/health values,
// serialized by its own mutex (spec §4.5).
type vestState struct {
	mu      sync.Mutex
	current VestSnapshot
	pending *VestSnapshot
}

func newVestState() *vestState {
	return &vestState{current: VestSnapshot{Shield: 0, Health: MaxHealth}}
}

func (v *vestState) getState() VestSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// updateState sets pending to a copy of current with shield/health
// overridden when the corresponding pointer is non-nil.
func (v *vestState) updateState(shield, health *int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := v.current
	if shield != nil {
		next.Shield = *shield
	}
	if health != nil {
		next.Health = *health
	}
	v.pending = &next
}

// applyState commits pending iff it matches the provided shield/health
// (whichever are non-nil). A health <= 0 commit instead triggers
// respawn and reports failure, per spec §4.5.
func (v *vestState) applyState(shield, health *int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pending == nil {
		log.Printf("gamestate: no pending vest state to apply")
		return false
	}
	if shield != nil && v.pending.Shield != *shield {
		log.Printf("gamestate: vest apply mismatch: shield=%d, expected %d", *shield, v.pending.Shield)
		return false
	}
	if health != nil && v.pending.Health != *health {
		log.Printf("gamestate: vest apply mismatch: health=%d, expected %d", *health, v.pending.Health)
		return false
	}
	if v.pending.Health <= 0 {
		v.respawnLocked()
		return false
	}
	v.current = *v.pending
	v.pending = nil
	return true
}

// applyDamage absorbs damage into pending shield first, then health;
// a non-positive resulting health triggers respawn (spec §3, §4.5).
func (v *vestState) applyDamage(damage int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := v.current
	if next.Shield >= damage {
		next.Shield -= damage
	} else {
		remaining := damage - next.Shield
		next.Shield = 0
		next.Health -= remaining
		if next.Health < 0 {
			next.Health = 0
		}
	}
	if next.Health <= 0 {
		v.current = VestSnapshot{Shield: 0, Health: MaxHealth}
		v.pending = nil
		return
	}
	v.pending = &next
}

func (v *vestState) refreshShield() {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := v.current
	next.Shield = MaxShield
	v.pending = &next
}

// respawnLocked resets current to {0, MaxHealth} and clears pending.
// Caller must hold v.mu.
func (v *vestState) respawnLocked() {
	v.current = VestSnapshot{Shield: 0, Health: MaxHealth}
	v.pending = nil
}

// gunState holds the current and pending bullet count.
type gunState struct {
	mu      sync.Mutex
	magSize int
	current GunSnapshot
	pending *GunSnapshot
}

func newGunState(magSize int) *gunState {
	if magSize <= 0 {
		magSize = MagSize
	}
	return &gunState{magSize: magSize, current: GunSnapshot{Bullets: magSize}}
}

func (g *gunState) getState() GunSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

func (g *gunState) updateState(bullets int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.current
	next.Bullets = bullets
	g.pending = &next
}

func (g *gunState) applyState(bullets int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		log.Printf("gamestate: no pending gun state to apply")
		return false
	}
	if g.pending.Bullets != bullets {
		log.Printf("gamestate: gun apply mismatch: bullets=%d, expected %d", bullets, g.pending.Bullets)
		return false
	}
	g.current = *g.pending
	g.pending = nil
	return true
}

// useBullet decrements pending bullets by one, floored at zero.
// Returns false (and logs) if current bullets are already zero.
func (g *gunState) useBullet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current.Bullets <= 0 {
		log.Printf("gamestate: no bullets left")
		return false
	}
	next := g.current
	next.Bullets--
	if next.Bullets < 0 {
		next.Bullets = 0
	}
	g.pending = &next
	return true
}

func (g *gunState) reload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.current
	next.Bullets = g.magSize
	g.pending = &next
}

// GameState is the shared, per-player state mirrored across sessions
// and with the upstream game engine (spec §3, §4.5).
type GameState struct {
	vest *vestState
	gun  *gunState
}

// Snapshot is the full {bullets, shield, health} view (spec §6,
// persisted-state shape).
type Snapshot struct {
	Bullets int `json:"bullets"`
	Shield  int `json:"shield"`
	Health  int `json:"health"`
}

// New creates a GameState with the given magazine size (0 uses MagSize).
func New(magSize int) *GameState {
	return &GameState{vest: newVestState(), gun: newGunState(magSize)}
}

// LoadSnapshot seeds the gun/vest current values from a persisted
// snapshot (spec §3 Lifecycle: "the snapshot, if present, replaces
// defaults").
func (gs *GameState) LoadSnapshot(s Snapshot) {
	gs.gun.mu.Lock()
	gs.gun.current.Bullets = s.Bullets
	gs.gun.mu.Unlock()

	gs.vest.mu.Lock()
	gs.vest.current.Shield = s.Shield
	gs.vest.current.Health = s.Health
	gs.vest.mu.Unlock()
}

// GetState returns a merged snapshot of current gun and vest values.
func (gs *GameState) GetState() Snapshot {
	v := gs.vest.getState()
	g := gs.gun.getState()
	return Snapshot{Bullets: g.Bullets, Shield: v.Shield, Health: v.Health}
}

// UpdateVestState proposes new shield/health; pass nil to leave a
// field unchanged.
func (gs *GameState) UpdateVestState(shield, health *int) {
	gs.vest.updateState(shield, health)
}

// ApplyVestState commits the pending vest update iff it matches.
func (gs *GameState) ApplyVestState(shield, health *int) bool {
	return gs.vest.applyState(shield, health)
}

// UpdateGunState proposes a new bullet count.
func (gs *GameState) UpdateGunState(bullets int) {
	gs.gun.updateState(bullets)
}

// ApplyGunState commits the pending gun update iff it matches.
func (gs *GameState) ApplyGunState(bullets int) bool {
	return gs.gun.applyState(bullets)
}

// ApplyDamage absorbs damage into the vest sub-state.
func (gs *GameState) ApplyDamage(damage int) {
	gs.vest.applyDamage(damage)
}

// UseBullet decrements the gun magazine by one.
func (gs *GameState) UseBullet() bool {
	return gs.gun.useBullet()
}

// Reload refills the magazine to capacity.
func (gs *GameState) Reload() {
	gs.gun.reload()
}

// RefreshShield sets pending shield to MaxShield.
func (gs *GameState) RefreshShield() {
	gs.vest.refreshShield()
}

// GetCurrShot returns MAG_SIZE - bullets + 1, used to re-seed the
// peripheral's shot counter on SYN (spec §4.5).
func (gs *GameState) GetCurrShot() int {
	g := gs.gun.getState()
	return gs.gun.magSize - g.Bullets + 1
}

// GetRemainingBullets returns the current bullet count.
func (gs *GameState) GetRemainingBullets() int {
	return gs.gun.getState().Bullets
}

// GetShieldHealth returns the current (shield, health) pair.
func (gs *GameState) GetShieldHealth() (int, int) {
	v := gs.vest.getState()
	return v.Shield, v.Health
}
