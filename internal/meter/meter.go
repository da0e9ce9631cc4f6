// Package meter holds the channel configuration and level measurement types
// shared between the session and its display collaborators.
package meter

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MeterType is the measurement mode of a channel.
type MeterType int

const (
	None MeterType = iota
	DigitalPeak
	PPM
	VU
)

var meterTypeNames = [...]string{
	None:        "none",
	DigitalPeak: "digital_peak",
	PPM:         "ppm",
	VU:          "vu",
}

func (t MeterType) String() string {
	if t.Valid() {
		return meterTypeNames[t]
	}
	return fmt.Sprintf("meter_type(%d)", int(t))
}

// Valid reports whether t is one of the known meter types.
func (t MeterType) Valid() bool {
	return t >= None && t <= VU
}

// Holds reports whether the type carries a peak hold value.
func (t MeterType) Holds() bool {
	return t == DigitalPeak || t == PPM
}

// ParseMeterType accepts the names produced by MeterType.String.
func ParseMeterType(s string) (MeterType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range meterTypeNames {
		if s == name {
			return MeterType(i), nil
		}
	}
	return None, fmt.Errorf("meter: unknown meter type %q", s)
}

var (
	ErrInvalidChannel = errors.New("meter: channel must be positive")
	ErrInvalidType    = errors.New("meter: invalid meter type")
	ErrHoldNotAllowed = errors.New("meter: hold time set for non-holding meter type")
	ErrHoldResolution = errors.New("meter: hold time must be a whole number of milliseconds")
)

// ChannelConfig is the configuration of one measurement channel.
// Configs are values; an edit replaces the whole config.
type ChannelConfig struct {
	Channel  int
	Type     MeterType
	HoldTime time.Duration // zero when absent
}

// DefaultConfig is the config created for a channel first reported by the device.
func DefaultConfig(channel int) ChannelConfig {
	return ChannelConfig{Channel: channel, Type: None}
}

// HasHold reports whether a hold time is present.
func (c ChannelConfig) HasHold() bool { return c.HoldTime > 0 }

func (c ChannelConfig) Validate() error {
	if c.Channel <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, c.Channel)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, int(c.Type))
	}
	if c.HoldTime < 0 {
		return fmt.Errorf("meter: negative hold time %s", c.HoldTime)
	}
	if c.HasHold() && !c.Type.Holds() {
		return fmt.Errorf("%w: %s", ErrHoldNotAllowed, c.Type)
	}
	// The wire carries milliseconds.
	if c.HoldTime%time.Millisecond != 0 {
		return fmt.Errorf("%w: %s", ErrHoldResolution, c.HoldTime)
	}
	return nil
}

func (c ChannelConfig) String() string {
	if c.HasHold() {
		return fmt.Sprintf("ch%d:%s(hold=%s)", c.Channel, c.Type, c.HoldTime)
	}
	return fmt.Sprintf("ch%d:%s", c.Channel, c.Type)
}
