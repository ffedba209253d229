// Package config loads the relay's YAML configuration (spec §6):
// peripheral MACs, BLE UUIDs, upstream TCP endpoint, all timeouts and
// storage budgets, and the ambient metrics/event-bus knobs from
// SPEC_FULL §4.7-4.9.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Devices names the three peripheral MACs and their role assignment
// (beetle_1=gun, beetle_2=ankle IMU, beetle_3=vest, per SPEC_FULL's
// "Supplemented features" section).
type Devices struct {
	Beetle1  string `yaml:"beetle_1"`
	Beetle2  string `yaml:"beetle_2"`
	Beetle3  string `yaml:"beetle_3"`
	UltraIP  string `yaml:"ultra_ip"`
	UltraPort int    `yaml:"ultra_port"`
}

// UUIDs names the BLE service/characteristic UUIDs (spec §6).
type UUIDs struct {
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
}

// Timeouts holds every timeout named in spec §5.
type Timeouts struct {
	ResponseTimeout       time.Duration `yaml:"response_timeout"`
	HandshakeInterval     time.Duration `yaml:"handshake_interval"`
	ReconnectionInterval  time.Duration `yaml:"reconnection_interval"`
	MaxNotifWaitTime      time.Duration `yaml:"max_notif_wait_time"`
	StatsLogInterval      time.Duration `yaml:"stats_log_interval"`
}

// Storage holds every storage.* budget named in spec §6.
type Storage struct {
	MagSize                  int `yaml:"mag_size"`
	PacketSize               int `yaml:"packet_size"`
	MaxBufferSize            int `yaml:"max_buffer_size"`
	MaxQueueSize             int `yaml:"max_queue_size"`
	MaxCorruptPackets        int `yaml:"max_corrupt_packets"`
	MaxTimeoutResendAttempts int `yaml:"max_timeout_resend_attempts"`
}

// Game holds game.* configuration.
type Game struct {
	PlayerID int `yaml:"player_id"`
}

// Metrics controls the optional Prometheus HTTP endpoint (SPEC_FULL §4.7).
type Metrics struct {
	Addr string `yaml:"addr"`
}

// EventBus controls the optional Redis pub/sub mirror (SPEC_FULL §4.8).
type EventBus struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// Snapshot controls the persisted single-player state file (spec §6).
type Snapshot struct {
	Path string `yaml:"path"`
}

// Config is the top-level configuration document.
type Config struct {
	Device   Devices  `yaml:"device"`
	UUID     UUIDs    `yaml:"uuid"`
	Time     Timeouts `yaml:"time"`
	Storage  Storage  `yaml:"storage"`
	Game     Game     `yaml:"game"`
	Metrics  Metrics  `yaml:"metrics"`
	Redis    EventBus `yaml:"redis"`
	Snapshot Snapshot `yaml:"snapshot"`
}

// Default returns a Config populated with every documented default
// (spec §5, §6).
func Default() Config {
	return Config{
		Time: Timeouts{
			ResponseTimeout:      time.Second,
			HandshakeInterval:    time.Second,
			ReconnectionInterval: 5 * time.Second,
			MaxNotifWaitTime:     10 * time.Second,
			StatsLogInterval:     5 * time.Second,
		},
		Storage: Storage{
			MagSize:                  6,
			PacketSize:               20,
			MaxBufferSize:            512,
			MaxQueueSize:             256,
			MaxCorruptPackets:        10,
			MaxTimeoutResendAttempts: 5,
		},
		Snapshot: Snapshot{Path: "gamestate_snapshot.json"},
	}
}

// Load reads a YAML file at path and merges it over Default(). A
// missing file is not an error — defaults are used as-is, mirroring
// the teacher's tolerance of partial configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects non-positive timeouts/budgets and missing device
// identity, per SPEC_FULL §4.9.
func (c Config) Validate() error {
	if c.Device.Beetle1 == "" && c.Device.Beetle2 == "" && c.Device.Beetle3 == "" {
		return fmt.Errorf("config: no device MACs configured")
	}
	if c.Time.ResponseTimeout <= 0 {
		return fmt.Errorf("config: time.response_timeout must be > 0")
	}
	if c.Time.HandshakeInterval <= 0 {
		return fmt.Errorf("config: time.handshake_interval must be > 0")
	}
	if c.Time.ReconnectionInterval <= 0 {
		return fmt.Errorf("config: time.reconnection_interval must be > 0")
	}
	if c.Time.MaxNotifWaitTime <= 0 {
		return fmt.Errorf("config: time.max_notif_wait_time must be > 0")
	}
	if c.Time.StatsLogInterval <= 0 {
		return fmt.Errorf("config: time.stats_log_interval must be > 0")
	}
	if c.Storage.MagSize <= 0 {
		return fmt.Errorf("config: storage.mag_size must be > 0")
	}
	if c.Storage.PacketSize <= 0 {
		return fmt.Errorf("config: storage.packet_size must be > 0")
	}
	if c.Storage.MaxBufferSize <= 0 {
		return fmt.Errorf("config: storage.max_buffer_size must be > 0")
	}
	if c.Storage.MaxQueueSize <= 0 {
		return fmt.Errorf("config: storage.max_queue_size must be > 0")
	}
	if c.Storage.MaxCorruptPackets <= 0 {
		return fmt.Errorf("config: storage.max_corrupt_packets must be > 0")
	}
	if c.Storage.MaxTimeoutResendAttempts <= 0 {
		return fmt.Errorf("config: storage.max_timeout_resend_attempts must be > 0")
	}
	return nil
}
