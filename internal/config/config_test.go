package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := LoadDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportBlueZ, cfg.Device.Transport)
	assert.Equal(t, 10*time.Second, cfg.Link.ReconnectInterval)
	assert.Equal(t, "00001101-0000-1000-8000-00805f9b34fb", cfg.Device.ServiceUUID)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Device.Transport = "usb" }},
		{"serial without baud", func(c *Config) { c.Device.Transport = TransportSerial; c.Device.BaudRate = 0 }},
		{"zero reconnect", func(c *Config) { c.Link.ReconnectInterval = 0 }},
		{"zero timeout", func(c *Config) { c.Link.ConnectTimeout = 0 }},
		{"no buffers", func(c *Config) { c.Link.PoolBuffers = 0 }},
		{"frame too large", func(c *Config) { c.Link.MaxFrameSize = 70000 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  transport: tcp
  address: 127.0.0.1:7001
link:
  reconnect_interval: 2s
store:
  path: ""
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, TransportTCP, cfg.Device.Transport)
	assert.Equal(t, "127.0.0.1:7001", cfg.Device.DevicePath())
	assert.Equal(t, 2*time.Second, cfg.Link.ReconnectInterval)
	assert.Equal(t, 15*time.Second, cfg.Link.ConnectTimeout)
	assert.Empty(t, cfg.Store.Path)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  transport: carrier-pigeon\n"), 0644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.yaml")
	cfg := LoadDefaultConfig()
	cfg.Device.Address = "/dev/rfcomm0"
	cfg.Device.Transport = TransportSerial
	require.NoError(t, SaveConfig(cfg, path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestDevicePathFromMAC(t *testing.T) {
	d := DeviceConfig{Transport: TransportBlueZ, Adapter: "hci1", Address: "aa:bb:cc:dd:ee:ff"}
	assert.Equal(t, "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF", d.DevicePath())

	d.Address = "/org/bluez/hci0/dev_00_11_22_33_44_55"
	assert.Equal(t, d.Address, d.DevicePath())
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	log.Debug("hello")

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
