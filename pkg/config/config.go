// Package config loads the immutable configuration shared by every fabric
// component (spec §9 "Global state": per-product configuration is loaded
// once at startup into an immutable object passed by reference).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is built once at startup and never mutated afterward.
type Config struct {
	DataDir string

	ScanInterval         time.Duration
	ExportTickInterval   time.Duration
	SmeltingTickInterval time.Duration
	HeartbeatInterval    time.Duration
	HealthSweepInterval  time.Duration
	ShopSyncInterval     time.Duration

	AgentDegradedAfter time.Duration
	AgentOfflineAfter  time.Duration

	MaxPlannerDepth int
	JobHistorySize  int

	TransferBatchWidth int

	LogJSON bool
}

// Default returns sane defaults, matching spec §4.4 thresholds (30s/120s),
// §4.3 (batch width 8), §4.8 (MAX_DEPTH 10), and §3.8 (history ring 100).
func Default() *Config {
	return &Config{
		DataDir:              "./data",
		ScanInterval:         10 * time.Second,
		ExportTickInterval:   5 * time.Second,
		SmeltingTickInterval: 5 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		HealthSweepInterval:  5 * time.Second,
		ShopSyncInterval:     30 * time.Second,
		AgentDegradedAfter:   30 * time.Second,
		AgentOfflineAfter:    120 * time.Second,
		MaxPlannerDepth:      10,
		JobHistorySize:       100,
		TransferBatchWidth:   8,
		LogJSON:              true,
	}
}

// FromEnv overlays environment variables onto the defaults.
func FromEnv() *Config {
	cfg := Default()
	if v := os.Getenv("FABRIC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FABRIC_LOG_JSON"); v == "false" {
		cfg.LogJSON = false
	}
	return cfg
}

// Manifest is the on-disk declarative configuration for export targets and
// smelting targets (spec §3.7, §4.9), loaded with yaml.v3.
type Manifest struct {
	ExportTargets   []ExportTargetSpec   `yaml:"exportTargets"`
	SmeltingTargets []SmeltingTargetSpec `yaml:"smeltingTargets"`
}

// ExportTargetSpec mirrors spec §3.7's ExportTarget/SlotSpec shape for
// declarative loading from a manifest file.
type ExportTargetSpec struct {
	Container string         `yaml:"container"`
	Mode      string         `yaml:"mode"` // "stock" | "empty"
	Slots     []SlotSpecYAML `yaml:"slots"`
}

// SlotSpecYAML is the YAML encoding of spec §3.7's SlotSpec.
type SlotSpecYAML struct {
	Item      string `yaml:"item"`
	Qty       uint   `yaml:"qty"`
	Slot      *int   `yaml:"slot,omitempty"`
	SlotStart *int   `yaml:"slotStart,omitempty"`
	SlotEnd   *int   `yaml:"slotEnd,omitempty"`
	NBTMode   string `yaml:"nbtMode"` // any|none|with|exact
	NBTHash   string `yaml:"nbtHash,omitempty"`
	Vacuum    bool   `yaml:"vacuum,omitempty"`
}

// SmeltingTargetSpec declares a furnace-like container and its deficit
// target, per spec §4.9.
type SmeltingTargetSpec struct {
	Container    string   `yaml:"container"`
	Input        string   `yaml:"input"`
	Output       string   `yaml:"output"`
	TargetStock  uint     `yaml:"targetStock"`
	FuelPriority []string `yaml:"fuelPriority"`
}

// LoadManifest reads and parses a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
