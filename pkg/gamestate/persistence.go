package gamestate

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// SaveSnapshot serializes the current state to path as JSON
// ({bullets, shield, health} per spec §6), called at clean shutdown.
func SaveSnapshot(path string, gs *GameState) error {
	data, err := json.MarshalIndent(gs.GetState(), "", "  ")
	if err != nil {
		return fmt.Errorf("gamestate: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("gamestate: write snapshot %s: %w", path, err)
	}
	log.Printf("gamestate: wrote snapshot to %s", path)
	return nil
}

// LoadSnapshotFile reads a persisted snapshot from path, if present,
// and seeds gs with it. A missing file is not an error: gs keeps its
// defaults (spec §3 Lifecycle).
func LoadSnapshotFile(path string, gs *GameState) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("gamestate: no snapshot at %s, using defaults", path)
			return nil
		}
		return fmt.Errorf("gamestate: read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("gamestate: parse snapshot %s: %w", path, err)
	}
	gs.LoadSnapshot(snap)
	log.Printf("gamestate: loaded snapshot from %s: %+v", path, snap)
	return nil
}
