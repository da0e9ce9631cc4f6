// Package transport opens the byte streams the connection manager frames:
// BlueZ RFCOMM sockets, serial ttys (for example a bound /dev/rfcomm0) and
// plain TCP for the device simulator.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.bug.st/serial"

	"bluetooth-meter/internal/connection"
	"bluetooth-meter/internal/connmgr"
)

// Transport is both the pre-connect device check and the dialer.
type Transport interface {
	connection.Devices
	connection.Dialer
}

// BlueZ dials RFCOMM through connmgr and checks pairing and advertised UUIDs
// over D-Bus.
type BlueZ struct {
	Mgr  connmgr.Mgr
	UUID string
}

func NewBlueZ(mgr connmgr.Mgr, uuid string) *BlueZ {
	if uuid == "" {
		uuid = connmgr.SPPUUID
	}
	return &BlueZ{Mgr: mgr, UUID: uuid}
}

func (b *BlueZ) IsPaired(ctx context.Context, dev connection.Device) (bool, error) {
	return b.Mgr.Paired(ctx, connmgr.Device{Path: dev.Address})
}

func (b *BlueZ) AdvertisesService(ctx context.Context, dev connection.Device) (bool, error) {
	return b.Mgr.HasService(ctx, connmgr.Device{Path: dev.Address}, b.UUID)
}

func (b *BlueZ) Dial(ctx context.Context, dev connection.Device) (io.ReadWriteCloser, error) {
	fd, err := b.Mgr.Connect(ctx, connmgr.Device{Path: dev.Address}, connmgr.ClientOptions{UUID: b.UUID})
	if err != nil {
		return nil, err
	}
	return FileFromFD(fd), nil
}

// FileFromFD wraps an RFCOMM socket FD handed over by BlueZ.
func FileFromFD(fd int) *os.File {
	return os.NewFile(uintptr(fd), "rfcomm")
}

// Serial opens a tty. A tty that exists is treated as paired; RFCOMM ttys are
// bound to the SPP service by rfcomm(1), so the service check always passes.
type Serial struct {
	BaudRate int
}

func NewSerial(baud int) *Serial {
	if baud <= 0 {
		baud = 115200
	}
	return &Serial{BaudRate: baud}
}

func (s *Serial) IsPaired(_ context.Context, dev connection.Device) (bool, error) {
	if _, err := os.Stat(dev.Address); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("transport: stat %s: %w", dev.Address, err)
	}
	return true, nil
}

func (s *Serial) AdvertisesService(context.Context, connection.Device) (bool, error) {
	return true, nil
}

func (s *Serial) Dial(_ context.Context, dev connection.Device) (io.ReadWriteCloser, error) {
	port, err := serial.Open(dev.Address, &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", dev.Address, err)
	}
	return port, nil
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list serial ports: %w", err)
	}
	return ports, nil
}

// TCP dials host:port addresses. Every address is considered paired and
// compatible.
type TCP struct {
	Timeout time.Duration
}

func NewTCP() *TCP { return &TCP{Timeout: 5 * time.Second} }

func (t *TCP) IsPaired(context.Context, connection.Device) (bool, error) { return true, nil }

func (t *TCP) AdvertisesService(context.Context, connection.Device) (bool, error) {
	return true, nil
}

func (t *TCP) Dial(ctx context.Context, dev connection.Device) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: t.Timeout}
	c, err := d.DialContext(ctx, "tcp", dev.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", dev.Address, err)
	}
	return c, nil
}
