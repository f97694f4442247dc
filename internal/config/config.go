// Package config loads the declarative YAML description of a
// simulation run: the switch's port list, the router's interfaces and
// static routes, VLAN membership, and the PTP client's mode and
// message rates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// PortConfig describes one switch port.
type PortConfig struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
}

// RouteConfig describes one static IPv4 route.
type RouteConfig struct {
	Dest    string `yaml:"dest"`    // CIDR, e.g. "10.1.0.0/24"
	Gateway string `yaml:"gateway"` // empty for a directly-connected route
	Metric  int    `yaml:"metric"`
}

// VLANConfig describes one VLAN's membership.
type VLANConfig struct {
	ID    uint16   `yaml:"id"`
	Ports []string `yaml:"ports"`
}

// RouterConfig describes the local router's own interface.
type RouterConfig struct {
	MAC     string        `yaml:"mac"`
	IP      string        `yaml:"ip"`
	Netmask string        `yaml:"netmask"`
	Routes  []RouteConfig `yaml:"routes"`
}

// PTPConfig describes the PTP client's startup mode and rates.
type PTPConfig struct {
	Mode           string `yaml:"mode"` // disabled|master_l2|master_l3|slave_only|slave_sptp|passive
	SyncRateLog2   int    `yaml:"sync_rate_log2"`
	PdelayRateLog2 int    `yaml:"pdelay_rate_log2"`
}

// Config is the full declarative configuration of one simulation run.
type Config struct {
	Ports  []PortConfig `yaml:"ports"`
	VLANs  []VLANConfig `yaml:"vlans"`
	Router RouterConfig `yaml:"router"`
	PTP    PTPConfig    `yaml:"ptp"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

// New returns an empty Config bound to path (for later Save calls).
func New(path string) *Config {
	return &Config{path: path, changedCh: make(chan struct{}, 1)}
}

// Load reads and parses the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := New(path)
	if err := cfg.updateFromYAML(data); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) updateFromYAML(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	c.notifyChanged()
	return nil
}

// Reload re-reads the file at c's bound path, replacing its contents
// in place and notifying any Changed() watcher.
func (c *Config) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("config: reloading %s: %w", c.path, err)
	}
	return c.updateFromYAML(data)
}

// Save serializes c back to its bound path, writing atomically via a
// temp file plus rename so a reader never observes a partial file.
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := yaml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// Changed signals whenever the configuration has been reloaded.
func (c *Config) Changed() <-chan struct{} { return c.changedCh }

// Snapshot returns a copy of the current configuration, safe to read
// without further locking.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{Ports: c.Ports, VLANs: c.VLANs, Router: c.Router, PTP: c.PTP}
}
