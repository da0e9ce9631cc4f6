// Package store persists the per-channel meter configuration the session
// reconciles with the device.
package store

import (
	"errors"
	"sort"
	"sync"

	"bluetooth-meter/internal/meter"
)

var ErrNotFound = errors.New("store: channel not found")

// Memory is a process-local store, used by tests and when no database path
// is configured.
type Memory struct {
	mu      sync.RWMutex
	configs map[int]meter.ChannelConfig
}

func NewMemory(configs ...meter.ChannelConfig) *Memory {
	m := &Memory{configs: make(map[int]meter.ChannelConfig)}
	for _, c := range configs {
		m.configs[c.Channel] = c
	}
	return m
}

func (m *Memory) ChannelConfig(channel int) (meter.ChannelConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[channel]
	return c, ok, nil
}

func (m *Memory) SetChannelConfig(cfg meter.ChannelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Channel] = cfg
	return nil
}

func (m *Memory) Channels() ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedChannels(m.configs), nil
}

func (m *Memory) All() ([]meter.ChannelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedConfigs(m.configs), nil
}

func (m *Memory) DeleteChannel(channel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[channel]; !ok {
		return ErrNotFound
	}
	delete(m.configs, channel)
	return nil
}

func (m *Memory) Close() error { return nil }

func sortedChannels(configs map[int]meter.ChannelConfig) []int {
	out := make([]int, 0, len(configs))
	for ch := range configs {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

func sortedConfigs(configs map[int]meter.ChannelConfig) []meter.ChannelConfig {
	out := make([]meter.ChannelConfig, 0, len(configs))
	for _, ch := range sortedChannels(configs) {
		out = append(out, configs[ch])
	}
	return out
}
