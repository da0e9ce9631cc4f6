//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
)

// New creates a new manager instance. The system bus is connected lazily.
func New() Mgr {
	return &mgr{}
}

type role int

const (
	roleNone role = iota
	roleServer
	roleClient
)

var pathCounter uint64

type mgr struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	role role

	srvProf    *profile
	serverPath dbus.ObjectPath

	// client profiles by service UUID.
	cliProfs map[string]*profile

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

// queryBus returns the bus for a query, connecting it if needed.
func (m *mgr) queryBus() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		return nil, err
	}
	return m.bus, nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events to
// the goroutine currently waiting in Accept or Connect.
type profile struct {
	mu     sync.Mutex
	waiter chan acceptResult // non-nil while a caller is waiting
}

type acceptResult struct {
	fd  int
	dev Device
}

// arm registers a waiter for the next connection.
func (p *profile) arm() (chan acceptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiter != nil {
		return nil, ErrBusy
	}
	p.waiter = make(chan acceptResult, 1)
	return p.waiter, nil
}

// disarm drops the waiter. An FD delivered after the waiter gave up is closed.
func (p *profile) disarm(ch chan acceptResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiter == ch {
		p.waiter = nil
	}
	select {
	case res := <-ch:
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
	default:
	}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the FD owner closes the socket.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd:  int(fd),
		dev: Device{Path: string(dev), MAC: macFromPath(dev)},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiter == nil {
		// No receiver; close FD and reject to avoid leaks.
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	p.waiter <- res // buffered, never blocks
	p.waiter = nil
	return nil
}

func (m *mgr) exportProfileLocked(p *profile, kind string) (dbus.ObjectPath, error) {
	// Unique object path per instance to avoid collisions.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_meter/connmgr/" + kind + "/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(p, path, profileInterfaceName); err != nil {
		return "", fmt.Errorf("connmgr: export %s profile: %w", kind, err)
	}
	return path, nil
}

func (m *mgr) registerProfileLocked(path dbus.ObjectPath, uuid string, opts map[string]dbus.Variant) error {
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, uuid, opts); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(%s): %w", path, call.Err)
	}
	// On close, unregister the profile before closing the bus.
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = m.bus.Export(nil, path, profileInterfaceName)
	})
	return nil
}

func (m *mgr) StartServer(_ context.Context, opts ServerOptions) error {
	if opts.ServiceName == "" {
		return errors.New("connmgr: ServiceName required")
	}
	if opts.UUID == "" {
		opts.UUID = SPPUUID
	}
	if opts.Channel == 0 {
		opts.Channel = DefaultRFCOMMChannel
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.role == roleClient {
		return errors.New("connmgr: already used as client")
	}
	if m.srvProf != nil {
		return errors.New("connmgr: server already started")
	}
	if err := m.ensureBusLocked(); err != nil {
		return err
	}

	p := &profile{}
	path, err := m.exportProfileLocked(p, "server")
	if err != nil {
		return err
	}
	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(uint16(opts.Channel)),
		"RequireAuthentication": dbus.MakeVariant(false),
	}
	if err := m.registerProfileLocked(path, opts.UUID, optsMap); err != nil {
		return err
	}
	m.srvProf = p
	m.serverPath = path
	m.role = roleServer
	return nil
}

func (m *mgr) Accept(ctx context.Context) (fd int, remote Device, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, Device{}, ErrClosed
	}
	if m.role != roleServer || m.srvProf == nil {
		m.mu.Unlock()
		return 0, Device{}, errors.New("connmgr: server not started")
	}
	p := m.srvProf
	m.mu.Unlock()

	ch, err := p.arm()
	if err != nil {
		return 0, Device{}, err
	}
	select {
	case <-ctx.Done():
		p.disarm(ch)
		return 0, Device{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case res := <-ch:
		return res.fd, res.dev, nil
	}
}

func (m *mgr) managedObjects(bus *dbus.Conn) (managedObjects, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (m *mgr) ScanSPP(ctx context.Context) ([]Device, error) {
	bus, err := m.queryBus()
	if err != nil {
		return nil, err
	}

	objs, err := m.managedObjects(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adapterPaths(objs) {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

	// Prime from current managed objects.
	devMap := make(map[string]Device)
	for _, dev := range sppDevices(objs, SPPUUID) {
		devMap[dev.Path] = dev
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces, SPPUUID); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	sortDevices(out)
	return out, nil
}

func (m *mgr) deviceProperty(ctx context.Context, dev Device, name string) (dbus.Variant, error) {
	if dev.Path == "" {
		return dbus.Variant{}, errors.New("connmgr: device path required")
	}
	bus, err := m.queryBus()
	if err != nil {
		return dbus.Variant{}, err
	}
	var v dbus.Variant
	call := bus.Object(bluezService, dbus.ObjectPath(dev.Path)).CallWithContext(ctx, propsIface+".Get", 0, deviceIface, name)
	if call.Err != nil {
		return dbus.Variant{}, fmt.Errorf("connmgr: get %s: %w", name, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, fmt.Errorf("connmgr: decode %s: %w", name, err)
	}
	return v, nil
}

func (m *mgr) Paired(ctx context.Context, dev Device) (bool, error) {
	v, err := m.deviceProperty(ctx, dev, "Paired")
	if err != nil {
		return false, err
	}
	b, _ := v.Value().(bool)
	return b, nil
}

func (m *mgr) HasService(ctx context.Context, dev Device, uuid string) (bool, error) {
	v, err := m.deviceProperty(ctx, dev, "UUIDs")
	if err != nil {
		return false, err
	}
	uu, _ := v.Value().([]string)
	return containsUUID(uu, uuid), nil
}

func (m *mgr) ensureClientLocked(uuid string) (*profile, error) {
	if p, ok := m.cliProfs[uuid]; ok {
		return p, nil
	}
	p := &profile{}
	path, err := m.exportProfileLocked(p, "client")
	if err != nil {
		return nil, err
	}
	if err := m.registerProfileLocked(path, uuid, map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}); err != nil {
		return nil, err
	}
	if m.cliProfs == nil {
		m.cliProfs = make(map[string]*profile)
	}
	m.cliProfs[uuid] = p
	m.role = roleClient
	return p, nil
}

func (m *mgr) Connect(ctx context.Context, dev Device, opts ClientOptions) (fd int, err error) {
	if dev.Path == "" {
		return 0, errors.New("connmgr: device path required")
	}
	uuid := opts.serviceUUID()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if m.role == roleServer {
		m.mu.Unlock()
		return 0, errors.New("connmgr: already used as server")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	p, err := m.ensureClientLocked(uuid)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	bus := m.bus
	m.mu.Unlock()

	ch, err := p.arm()
	if err != nil {
		return 0, err
	}
	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, uuid); call.Err != nil {
		p.disarm(ch)
		return 0, fmt.Errorf("connmgr: ConnectProfile(%s): %w", uuid, call.Err)
	}

	select {
	case <-ctx.Done():
		p.disarm(ch)
		_ = devObj.Call(deviceIface+".DisconnectProfile", 0, uuid).Err
		return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return res.fd, nil
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}
