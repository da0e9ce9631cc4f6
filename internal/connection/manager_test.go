package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDevices struct {
	mu       sync.Mutex
	paired   map[string]bool
	services map[string]bool
}

func newFakeDevices(addrs ...string) *fakeDevices {
	d := &fakeDevices{paired: map[string]bool{}, services: map[string]bool{}}
	for _, a := range addrs {
		d.paired[a] = true
		d.services[a] = true
	}
	return d
}

func (d *fakeDevices) setPaired(addr string, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paired[addr] = v
}

func (d *fakeDevices) IsPaired(_ context.Context, dev Device) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paired[dev.Address], nil
}

func (d *fakeDevices) AdvertisesService(_ context.Context, dev Device) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.services[dev.Address], nil
}

// pipeDialer hands the device side of a net.Pipe to the test.
type pipeDialer struct {
	mu    sync.Mutex
	fail  error
	dials int
	peers chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan net.Conn, 8)}
}

func (d *pipeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *pipeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) Dial(context.Context, Device) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	client, device := net.Pipe()
	d.peers <- device
	return client, nil
}

type recordingHandler struct {
	mu     sync.Mutex
	states []State
	frames [][]byte
}

func (h *recordingHandler) ConnectionStateChanged(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}

func (h *recordingHandler) FrameReceived(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, append([]byte(nil), p...))
}

func (h *recordingHandler) snapshot() ([]State, [][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...), append([][]byte(nil), h.frames...)
}

const meterAddr = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"

func newTestManager(t *testing.T, devices Devices, dialer Dialer) (*Manager, *recordingHandler) {
	t.Helper()
	m := New(devices, dialer, Options{ReconnectInterval: time.Hour, ConnectTimeout: time.Second}, zap.NewNop())
	h := &recordingHandler{}
	m.Start(h)
	t.Cleanup(m.Close)
	return m, h
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, time.Second, 5*time.Millisecond,
		"state %s never reached, have %s", want, m.State())
}

func readFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var hdr [2]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	p := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	_, err = io.ReadFull(r, p)
	require.NoError(t, err)
	return p
}

func writeFrame(t *testing.T, w io.Writer, p []byte) {
	t.Helper()
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(p)))
	_, err := w.Write(append(hdr[:], p...))
	require.NoError(t, err)
}

func TestConnectRejectsUnpairedOrIncompatible(t *testing.T) {
	devices := newFakeDevices()
	devices.paired["unpaired"] = false
	devices.paired["no-spp"] = true
	dialer := newPipeDialer()
	m, h := newTestManager(t, devices, dialer)

	err := m.Connect(context.Background(), Device{Address: "unpaired"})
	assert.ErrorIs(t, err, ErrNotPaired)

	err = m.Connect(context.Background(), Device{Address: "no-spp"})
	assert.ErrorIs(t, err, ErrServiceMissing)

	m.RetryNow()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 0, dialer.count())
	_, ok := m.Device()
	assert.False(t, ok)
	states, _ := h.snapshot()
	assert.Empty(t, states)
}

func TestConnectSendReceiveDisconnect(t *testing.T) {
	dialer := newPipeDialer()
	m, h := newTestManager(t, newFakeDevices(meterAddr), dialer)

	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	peer := <-dialer.peers
	defer peer.Close()
	waitState(t, m, Connected)

	dev, ok := m.Device()
	require.True(t, ok)
	assert.Equal(t, meterAddr, dev.Address)

	m.SendRequest([]byte("query"))
	assert.Equal(t, "query", string(readFrame(t, peer)))

	writeFrame(t, peer, []byte("response"))
	require.Eventually(t, func() bool {
		_, frames := h.snapshot()
		return len(frames) == 1
	}, time.Second, 5*time.Millisecond)

	m.Disconnect()
	waitState(t, m, Disconnected)
	states, frames := h.snapshot()
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, states)
	assert.Equal(t, "response", string(frames[0]))

	// The device stays configured after a plain disconnect.
	_, ok = m.Device()
	assert.True(t, ok)
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	dialer := newPipeDialer()
	m, _ := newTestManager(t, newFakeDevices(meterAddr), dialer)

	m.SendRequest([]byte("lost"))
	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	peer := <-dialer.peers
	defer peer.Close()
	waitState(t, m, Connected)

	m.SendRequest([]byte("kept"))
	assert.Equal(t, "kept", string(readFrame(t, peer)))
}

func TestPeerCloseTriggersDisconnect(t *testing.T) {
	dialer := newPipeDialer()
	m, h := newTestManager(t, newFakeDevices(meterAddr), dialer)

	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	peer := <-dialer.peers
	waitState(t, m, Connected)

	require.NoError(t, peer.Close())
	waitState(t, m, Disconnected)
	states, _ := h.snapshot()
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, states)
}

func TestReconnectTimer(t *testing.T) {
	devices := newFakeDevices(meterAddr)
	dialer := newPipeDialer()
	m := New(devices, dialer, Options{ReconnectInterval: 10 * time.Millisecond, ConnectTimeout: time.Second}, zap.NewNop())
	h := &recordingHandler{}
	m.Start(h)
	defer m.Close()

	dialer.setFail(errors.New("host down"))
	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	require.Eventually(t, func() bool { return dialer.count() >= 3 }, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, Connected, m.State())

	dialer.setFail(nil)
	waitState(t, m, Connected)
	peer := <-dialer.peers

	// Link loss is recovered by the timer.
	require.NoError(t, peer.Close())
	require.Eventually(t, func() bool { return len(dialer.peers) > 0 }, time.Second, 5*time.Millisecond)
	waitState(t, m, Connected)
	(<-dialer.peers).Close()
}

func TestReconnectForgetsUnpairedDevice(t *testing.T) {
	devices := newFakeDevices(meterAddr)
	dialer := newPipeDialer()
	m, _ := newTestManager(t, devices, dialer)

	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	peer := <-dialer.peers
	waitState(t, m, Connected)

	devices.setPaired(meterAddr, false)
	require.NoError(t, peer.Close())
	waitState(t, m, Disconnected)

	m.RetryNow()
	require.Eventually(t, func() bool {
		_, ok := m.Device()
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}

func TestForgetDevice(t *testing.T) {
	dialer := newPipeDialer()
	m, _ := newTestManager(t, newFakeDevices(meterAddr), dialer)

	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	peer := <-dialer.peers
	defer peer.Close()
	waitState(t, m, Connected)

	m.ForgetDevice()
	waitState(t, m, Disconnected)
	m.RetryNow()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, Disconnected, m.State())
}

func TestCloseNotifiesDisconnect(t *testing.T) {
	dialer := newPipeDialer()
	m := New(newFakeDevices(meterAddr), dialer, Options{ReconnectInterval: time.Hour}, zap.NewNop())
	h := &recordingHandler{}
	m.Start(h)

	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	peer := <-dialer.peers
	defer peer.Close()
	waitState(t, m, Connected)

	m.Close()
	states, _ := h.snapshot()
	assert.Equal(t, Disconnected, states[len(states)-1])
	assert.ErrorIs(t, m.Connect(context.Background(), Device{Address: meterAddr}), ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

// stubConn blocks reads until closed and fails writes with writeErr.
type stubConn struct {
	writeErr  error
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newStubConn(writeErr error) *stubConn {
	return &stubConn{writeErr: writeErr, done: make(chan struct{})}
}

func (c *stubConn) Read([]byte) (int, error) {
	<-c.done
	return 0, io.EOF
}

func (c *stubConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return len(p), nil
}

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

type stubDialer struct {
	conn *stubConn
}

func (d stubDialer) Dial(context.Context, Device) (io.ReadWriteCloser, error) { return d.conn, nil }

func TestWriteFailureTriggersDisconnect(t *testing.T) {
	conn := newStubConn(errors.New("rfcomm: connection reset"))
	m, h := newTestManager(t, newFakeDevices(meterAddr), stubDialer{conn: conn})

	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	waitState(t, m, Connected)

	m.SendRequest([]byte("query"))
	waitState(t, m, Disconnected)
	assert.True(t, conn.closed.Load())
	states, _ := h.snapshot()
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, states)
}

// gatedDialer blocks in Dial until released.
type gatedDialer struct {
	started chan struct{}
	release chan struct{}
	conn    *stubConn
	ctxErr  chan error
}

func (d *gatedDialer) Dial(ctx context.Context, _ Device) (io.ReadWriteCloser, error) {
	close(d.started)
	<-d.release
	d.ctxErr <- ctx.Err()
	return d.conn, nil
}

func TestDisconnectAbortsPendingConnect(t *testing.T) {
	dialer := &gatedDialer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		conn:    newStubConn(nil),
		ctxErr:  make(chan error, 1),
	}
	m, h := newTestManager(t, newFakeDevices(meterAddr), dialer)

	require.NoError(t, m.Connect(context.Background(), Device{Address: meterAddr}))
	<-dialer.started
	waitState(t, m, Connecting)

	m.Disconnect()
	waitState(t, m, Disconnected)

	close(dialer.release)
	assert.ErrorIs(t, <-dialer.ctxErr, context.Canceled)
	require.Eventually(t, dialer.conn.closed.Load, time.Second, 5*time.Millisecond)

	assert.Equal(t, Disconnected, m.State())
	dev, ok := m.Device()
	assert.True(t, ok, "device stays configured for the reconnect timer")
	assert.Equal(t, meterAddr, dev.Address)
	states, _ := h.snapshot()
	assert.Equal(t, []State{Connecting, Disconnected}, states)
}
