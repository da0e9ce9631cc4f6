// Package connection manages the lifecycle of the single link to the selected
// metering device: validated connects, disconnects, a fixed-interval
// reconnect timer and serialized frame sends.
//
// Every operation that touches connection state runs on one actor.Executor,
// so state transitions never race and the Manager holds no locks.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// State is the transport connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotPaired      = errors.New("connection: device not paired")
	ErrServiceMissing = errors.New("connection: device does not advertise the meter service")
	ErrClosed         = errors.New("connection: manager closed")
)

// Device identifies the remote device. Address is interpreted by the Dialer:
// a BlueZ object path, a tty path or a host:port.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

func (d Device) String() string {
	if d.Name != "" {
		return d.Name + " (" + d.Address + ")"
	}
	return d.Address
}

// Devices answers the pre-connect checks.
type Devices interface {
	IsPaired(ctx context.Context, dev Device) (bool, error)
	AdvertisesService(ctx context.Context, dev Device) (bool, error)
}

// Dialer opens the byte stream to a device. Closing the returned stream must
// unblock pending reads.
type Dialer interface {
	Dial(ctx context.Context, dev Device) (io.ReadWriteCloser, error)
}

// Handler receives connection events.
//
// ConnectionStateChanged runs on the manager's executor and FrameReceived on
// the link reader goroutine; neither may block. The payload passed to
// FrameReceived is only valid during the call.
type Handler interface {
	ConnectionStateChanged(state State)
	FrameReceived(payload []byte)
}

// Options tunes the manager. Zero values select the defaults.
type Options struct {
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	PoolBuffers       int
	MaxFrameSize      int
}

const (
	DefaultReconnectInterval = 10 * time.Second
	DefaultConnectTimeout    = 15 * time.Second
	DefaultPoolBuffers       = 4
	DefaultMaxFrameSize      = 4096
)

func (o Options) withDefaults() Options {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.PoolBuffers <= 0 {
		o.PoolBuffers = DefaultPoolBuffers
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

type nopHandler struct{}

func (nopHandler) ConnectionStateChanged(State) {}
func (nopHandler) FrameReceived([]byte)         {}
