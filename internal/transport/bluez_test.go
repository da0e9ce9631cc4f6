//go:build linux

package transport

import (
	"context"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-meter/internal/connection"
	"bluetooth-meter/internal/connmgr"
)

type fakeMgr struct {
	connmgr.Mgr
	paired   map[string]bool
	services map[string][]string
	fd       int
	dialed   []string
	uuids    []string
}

func (f *fakeMgr) Paired(_ context.Context, dev connmgr.Device) (bool, error) {
	return f.paired[dev.Path], nil
}

func (f *fakeMgr) HasService(_ context.Context, dev connmgr.Device, uuid string) (bool, error) {
	for _, u := range f.services[dev.Path] {
		if u == uuid {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMgr) Connect(_ context.Context, dev connmgr.Device, opts connmgr.ClientOptions) (int, error) {
	f.dialed = append(f.dialed, dev.Path)
	f.uuids = append(f.uuids, opts.UUID)
	return f.fd, nil
}

func TestBlueZ(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	fd, err := syscall.Dup(int(w.Fd()))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := connmgr.DevicePath("hci0", "AA:BB:CC:DD:EE:FF")
	mgr := &fakeMgr{
		paired:   map[string]bool{path: true},
		services: map[string][]string{path: {connmgr.SPPUUID}},
		fd:       fd,
	}
	b := NewBlueZ(mgr, "")
	dev := connection.Device{Address: path}
	ctx := context.Background()

	paired, err := b.IsPaired(ctx, dev)
	require.NoError(t, err)
	assert.True(t, paired)

	ok, err := b.AdvertisesService(ctx, dev)
	require.NoError(t, err)
	assert.True(t, ok)

	paired, err = b.IsPaired(ctx, connection.Device{Address: "/org/bluez/hci0/dev_00_00_00_00_00_00"})
	require.NoError(t, err)
	assert.False(t, paired)

	rwc, err := b.Dial(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, mgr.dialed)
	assert.Equal(t, []string{connmgr.SPPUUID}, mgr.uuids)

	_, err = rwc.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, rwc.Close())
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestBlueZUsesConfiguredService(t *testing.T) {
	const custom = "0000ffe0-0000-1000-8000-00805f9b34fb"
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	fd, err := syscall.Dup(int(w.Fd()))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := connmgr.DevicePath("hci0", "AA:BB:CC:DD:EE:01")
	mgr := &fakeMgr{
		paired:   map[string]bool{path: true},
		services: map[string][]string{path: {custom}},
		fd:       fd,
	}
	b := NewBlueZ(mgr, custom)
	dev := connection.Device{Address: path}

	ok, err := b.AdvertisesService(context.Background(), dev)
	require.NoError(t, err)
	assert.True(t, ok)

	rwc, err := b.Dial(context.Background(), dev)
	require.NoError(t, err)
	defer rwc.Close()
	assert.Equal(t, []string{custom}, mgr.uuids, "dial must use the service that was checked")
}
