package connection

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"bluetooth-meter/internal/actor"
	"bluetooth-meter/internal/link"
)

// Manager owns the connection to one device.
type Manager struct {
	log     *zap.Logger
	opts    Options
	devices Devices
	dialer  Dialer
	pool    *link.BufferPool
	exec    *actor.Executor

	// Executor owned.
	handler    Handler
	state      State
	device     *Device
	conn       *link.Conn
	connID     string
	attempt    uint64
	cancelDial context.CancelFunc

	// Mirrors for readers outside the executor.
	stateMirror  atomic.Int32
	deviceMirror atomic.Pointer[Device]

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(devices Devices, dialer Dialer, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	log = log.Named("connection")
	return &Manager{
		log:     log,
		opts:    opts,
		devices: devices,
		dialer:  dialer,
		pool:    link.NewBufferPool(opts.PoolBuffers, opts.MaxFrameSize),
		exec:    actor.New("connection", log),
		handler: nopHandler{},
		stop:    make(chan struct{}),
	}
}

// Start installs the event handler and starts the reconnect timer.
func (m *Manager) Start(h Handler) {
	m.startOnce.Do(func() {
		if h != nil {
			m.exec.Submit(func() { m.handler = h })
		}
		m.wg.Add(1)
		go m.reconnectLoop()
	})
}

// State may be called from any goroutine.
func (m *Manager) State() State { return State(m.stateMirror.Load()) }

// Device returns the configured device, if any.
func (m *Manager) Device() (Device, bool) {
	d := m.deviceMirror.Load()
	if d == nil {
		return Device{}, false
	}
	return *d, true
}

// Connect validates dev and schedules a connect operation. A device that is
// not paired or does not advertise the service is rejected synchronously
// without any state change.
func (m *Manager) Connect(ctx context.Context, dev Device) error {
	paired, err := m.devices.IsPaired(ctx, dev)
	if err != nil {
		return fmt.Errorf("connection: check pairing of %s: %w", dev, err)
	}
	if !paired {
		return fmt.Errorf("%w: %s", ErrNotPaired, dev)
	}
	ok, err := m.devices.AdvertisesService(ctx, dev)
	if err != nil {
		return fmt.Errorf("connection: check services of %s: %w", dev, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceMissing, dev)
	}
	if !m.exec.Submit(func() { m.connectTo(dev) }) {
		return ErrClosed
	}
	return nil
}

// Disconnect drops the current connection or aborts a pending attempt. The
// device stays configured, so the reconnect timer will try again.
func (m *Manager) Disconnect() {
	m.exec.Submit(func() { m.disconnect("requested") })
}

// ForgetDevice disconnects and clears the configured device.
func (m *Manager) ForgetDevice() {
	m.exec.Submit(func() {
		m.disconnect("device forgotten")
		m.setDevice(nil)
	})
}

// SendRequest queues payload for transmission. It is dropped when not
// connected.
func (m *Manager) SendRequest(payload []byte) {
	p := append([]byte(nil), payload...)
	m.exec.Submit(func() { m.send(p) })
}

// RetryNow runs one reconnect check immediately.
func (m *Manager) RetryNow() {
	m.exec.Submit(m.reconnectTick)
}

// Close stops the reconnect timer, drops the connection and stops the
// executor. The handler observes the final Disconnected state.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
		m.exec.Submit(func() { m.disconnect("manager closed") })
		m.exec.Close()
	})
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.opts.ReconnectInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.exec.Submit(m.reconnectTick)
		}
	}
}

// The methods below run on the executor.

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Info("connection state changed",
		zap.Stringer("from", m.state),
		zap.Stringer("to", s),
		zap.String("conn_id", m.connID))
	m.state = s
	m.stateMirror.Store(int32(s))
	m.handler.ConnectionStateChanged(s)
}

func (m *Manager) setDevice(dev *Device) {
	m.device = dev
	m.deviceMirror.Store(dev)
}

func (m *Manager) reconnectTick() {
	if m.state != Disconnected || m.device == nil {
		return
	}
	dev := *m.device
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	paired, err := m.devices.IsPaired(ctx, dev)
	cancel()
	if err != nil {
		m.log.Warn("pairing check failed", zap.Stringer("device", dev), zap.Error(err))
		return
	}
	if !paired {
		m.log.Info("device no longer paired, forgetting it", zap.Stringer("device", dev))
		m.setDevice(nil)
		return
	}
	m.startConnect()
}

func (m *Manager) connectTo(dev Device) {
	if m.device != nil && *m.device != dev && m.state != Disconnected {
		m.disconnect("switching device")
	}
	m.setDevice(&dev)
	m.startConnect()
}

func (m *Manager) startConnect() {
	if m.state != Disconnected || m.device == nil {
		return
	}
	dev := *m.device
	m.attempt++
	attempt := m.attempt
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancelDial = cancel
	m.connID = ulid.Make().String()
	m.setState(Connecting)

	go func() {
		rwc, err := m.dialer.Dial(ctx, dev)
		if !m.exec.Submit(func() { m.finishConnect(attempt, dev, rwc, err) }) && rwc != nil {
			_ = rwc.Close()
		}
	}()
}

func (m *Manager) finishConnect(attempt uint64, dev Device, rwc io.ReadWriteCloser, err error) {
	if attempt != m.attempt || m.state != Connecting {
		// Aborted while dialing.
		if rwc != nil {
			_ = rwc.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.log.Warn("connect failed", zap.Stringer("device", dev), zap.Error(err))
		m.setState(Disconnected)
		return
	}

	conn := link.NewConn(rwc, m.pool)
	m.conn = conn
	h := m.handler
	id := m.connID
	conn.Start(h.FrameReceived, func(err error) {
		m.exec.Submit(func() { m.connLost(conn, id, err) })
	})
	m.log.Info("connected", zap.Stringer("device", dev), zap.String("conn_id", id))
	m.setState(Connected)
}

func (m *Manager) connLost(conn *link.Conn, id string, err error) {
	if m.conn != conn {
		return
	}
	m.log.Warn("link lost", zap.String("conn_id", id), zap.Error(err))
	m.dropConn()
}

func (m *Manager) send(payload []byte) {
	if m.state != Connected || m.conn == nil {
		m.log.Debug("dropping send while not connected", zap.Int("bytes", len(payload)))
		return
	}
	if err := m.conn.WriteFrame(payload); err != nil {
		m.log.Warn("write failed", zap.String("conn_id", m.connID), zap.Error(err))
		m.dropConn()
	}
}

func (m *Manager) disconnect(reason string) {
	switch m.state {
	case Connected:
		m.log.Info("disconnecting", zap.String("reason", reason), zap.String("conn_id", m.connID))
		m.dropConn()
	case Connecting:
		m.log.Info("aborting connect", zap.String("reason", reason), zap.String("conn_id", m.connID))
		m.attempt++
		if m.cancelDial != nil {
			m.cancelDial()
			m.cancelDial = nil
		}
		m.setState(Disconnected)
	}
}

func (m *Manager) dropConn() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setState(Disconnected)
}
