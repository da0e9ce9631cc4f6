// Package config loads the YAML configuration shared by the meter commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bluetooth-meter/internal/connmgr"
)

// Transport kinds.
const (
	TransportBlueZ  = "bluez"
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// Config represents the client configuration
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Device  DeviceConfig  `yaml:"device"`
	Link    LinkConfig    `yaml:"link"`
	Store   StoreConfig   `yaml:"store"`
	Display DisplayConfig `yaml:"display"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`    // "json" or "console"
	FilePath string `yaml:"file_path"` // optional, in addition to stderr
}

// DeviceConfig selects the metering device and how to reach it.
type DeviceConfig struct {
	Transport   string `yaml:"transport"` // bluez, serial or tcp
	Address     string `yaml:"address"`   // BlueZ object path, MAC, tty path or host:port
	Adapter     string `yaml:"adapter"`   // BlueZ adapter used to build a path from a MAC
	Name        string `yaml:"name"`
	ServiceUUID string `yaml:"service_uuid"`
	BaudRate    int    `yaml:"baud_rate"`
}

// LinkConfig tunes the connection manager.
type LinkConfig struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	PoolBuffers       int           `yaml:"pool_buffers"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
}

// StoreConfig selects where channel configs are persisted. An empty path
// keeps them in memory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DisplayConfig controls the display collaborators.
type DisplayConfig struct {
	JSON       bool   `yaml:"json"`        // JSON lines on stdout
	HTTPListen string `yaml:"http_listen"` // empty disables the HTTP API
}

// LoadDefaultConfig returns a default configuration
func LoadDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Device: DeviceConfig{
			Transport:   TransportBlueZ,
			Adapter:     "hci0",
			ServiceUUID: connmgr.SPPUUID,
			BaudRate:    115200,
		},
		Link: LinkConfig{
			ReconnectInterval: 10 * time.Second,
			ConnectTimeout:    15 * time.Second,
			PoolBuffers:       4,
			MaxFrameSize:      4096,
		},
		Store: StoreConfig{
			Path: "meter.db",
		},
		Display: DisplayConfig{
			JSON: true,
		},
	}
}

// LoadConfig loads configuration from a file on top of the defaults
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	cfg := LoadDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", filename, err)
	}
	return cfg, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", filename, err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	return nil
}

func (l *LogConfig) Validate() error {
	switch l.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown format %q", l.Format)
	}
	return nil
}

func (d *DeviceConfig) Validate() error {
	switch d.Transport {
	case TransportBlueZ, TransportSerial, TransportTCP:
	default:
		return fmt.Errorf("unknown transport %q", d.Transport)
	}
	if d.Transport == TransportSerial && d.BaudRate <= 0 {
		return errors.New("baud_rate must be positive")
	}
	return nil
}

func (l *LinkConfig) Validate() error {
	if l.ReconnectInterval <= 0 {
		return errors.New("reconnect_interval must be positive")
	}
	if l.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if l.PoolBuffers <= 0 {
		return errors.New("pool_buffers must be positive")
	}
	if l.MaxFrameSize <= 0 || l.MaxFrameSize > 65535 {
		return errors.New("max_frame_size must be within 1..65535")
	}
	return nil
}

// DevicePath returns the address to dial. For BlueZ a bare MAC address is
// expanded to the adapter's object path.
func (d *DeviceConfig) DevicePath() string {
	if d.Transport == TransportBlueZ && len(d.Address) == 17 && d.Address[2] == ':' {
		return connmgr.DevicePath(d.Adapter, d.Address)
	}
	return d.Address
}
