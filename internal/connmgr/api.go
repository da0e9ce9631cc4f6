// Package connmgr prepares Unix FDs for RFCOMM SPP connections to metering
// devices via BlueZ D-Bus, and answers the pairing and service queries the
// connection manager needs before dialing.
//
// Thread-safety: methods may be called from multiple goroutines, but only one
// Connect and one Accept may be waiting at a time. Close is idempotent.
package connmgr

import (
	"context"
	"errors"
	"strings"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22
)

var (
	ErrClosed      = errors.New("connmgr: closed")
	ErrUnsupported = errors.New("connmgr: BlueZ is only available on linux")
	ErrBusy        = errors.New("connmgr: another connection is pending")
)

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path        string // required: D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC         string
	Name        string
	Alias       string
	ServiceName string // SDP ServiceName (0x0100) if available
	Paired      bool
}

// DisplayName returns the best human readable name of d.
func (d Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	case d.MAC != "":
		return d.MAC
	default:
		return d.Path
	}
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required and will be used for RegisterProfile options["Name"].
	ServiceName string
	// UUID defaults to SPPUUID.
	UUID string
	// Channel defaults to DefaultRFCOMMChannel.
	Channel uint8
}

// ClientOptions controls outgoing connections.
type ClientOptions struct {
	// UUID is the service profile to connect; defaults to SPPUUID.
	UUID string
}

func (o ClientOptions) serviceUUID() string {
	if o.UUID == "" {
		return SPPUUID
	}
	return strings.ToLower(o.UUID)
}

// Mgr is the public interface for discovery, device queries and connections.
// Responsibilities end at preparing FDs for the caller; reconnect policy lives
// in the connection package.
type Mgr interface {
	// StartServer registers an SPP profile (Role="server"). Afterwards Accept
	// waits for incoming connections.
	//   - Calling StartServer more than once returns an error.
	//   - A Mgr instance is single-role: if Connect has been used on this instance,
	//     StartServer returns an error (and vice versa).
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept blocks until a connection is established or ctx is canceled.
	// It returns the peer device and a Unix FD that the caller owns; wrap it
	// with os.NewFile(uintptr(fd), "rfcomm") and Close it when done.
	// Connections arriving while no Accept is waiting are rejected.
	Accept(ctx context.Context) (fd int, remote Device, err error)

	// ScanSPP discovers nearby devices advertising SPP until ctx is done and
	// returns a snapshot list. Each returned Device has a non-empty Path.
	ScanSPP(ctx context.Context) ([]Device, error)

	// Paired reports the Device1.Paired property.
	Paired(ctx context.Context, dev Device) (bool, error)

	// HasService reports whether the device advertises uuid in Device1.UUIDs.
	HasService(ctx context.Context, dev Device, uuid string) (bool, error)

	// Connect initiates an outgoing connection to the opts.UUID profile and
	// waits for Profile1.NewConnection to hand over the FD. One client profile
	// is registered per UUID. The device must already be paired. Connect may
	// be called again after the previous FD was closed. Context errors are
	// wrapped.
	Connect(ctx context.Context, dev Device, opts ClientOptions) (fd int, err error)

	// Close unregisters profiles and releases the bus connection.
	// After Close, all other methods return ErrClosed.
	Close() error
}
