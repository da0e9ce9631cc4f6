package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bluetooth-meter/internal/connection"
	"bluetooth-meter/internal/display"
	"bluetooth-meter/internal/meter"
	"bluetooth-meter/internal/session"
	"bluetooth-meter/internal/store"
)

type fakeSession struct {
	changes atomic.Int32
}

func (f *fakeSession) State() session.State { return session.Connected }

func (f *fakeSession) LevelData() meter.Snapshot {
	return meter.Snapshot{1: meter.PeakLevel{Current: -6}}
}

func (f *fakeSession) PendingRequests() int { return 2 }

func (f *fakeSession) NotifyLevelConfigChange() { f.changes.Add(1) }

type fakeConn struct{}

func (fakeConn) State() connection.State { return connection.Connected }

func (fakeConn) Device() (connection.Device, bool) {
	return connection.Device{Address: "127.0.0.1:7001", Name: "sim"}, true
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeSession, *store.Memory, *display.Bus) {
	t.Helper()
	sess := &fakeSession{}
	st := store.NewMemory(meter.ChannelConfig{Channel: 1, Type: meter.PPM, HoldTime: time.Second})
	bus := display.NewBus()
	srv := httptest.NewServer(NewRouter(sess, fakeConn{}, st, bus, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, sess, st, bus
}

func doJSON(t *testing.T, method, url, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	var got statusResponse
	code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/status", "", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connected", got.Session)
	assert.Equal(t, "connected", got.Connection)
	assert.Equal(t, 2, got.PendingRequests)
	require.NotNil(t, got.Device)
	assert.Equal(t, "sim", got.Device.Name)
}

func TestLevels(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	var got struct {
		Levels []display.ChannelLevel `json:"levels"`
	}
	code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/levels", "", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []display.ChannelLevel{{Channel: 1, Kind: "peak", Current: -6}}, got.Levels)
}

func TestChannels(t *testing.T) {
	srv, sess, st, _ := newTestServer(t)

	var list struct {
		Channels []ChannelJSON `json:"channels"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/channels", "", &list))
	assert.Equal(t, []ChannelJSON{{Channel: 1, Type: "ppm", HoldMS: 1000}}, list.Channels)

	var put ChannelJSON
	code := doJSON(t, http.MethodPut, srv.URL+"/api/v1/channels/2", `{"type":"vu"}`, &put)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, ChannelJSON{Channel: 2, Type: "vu"}, put)
	cfg, ok, err := st.ChannelConfig(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meter.VU, cfg.Type)
	assert.Equal(t, int32(1), sess.changes.Load())

	t.Run("invalid", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, srv.URL+"/api/v1/channels/0", `{"type":"vu"}`, nil))
		assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, srv.URL+"/api/v1/channels/3", `{"type":"rms"}`, nil))
		assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, srv.URL+"/api/v1/channels/3", `{"type":"vu","hold_ms":500}`, nil))
		assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, srv.URL+"/api/v1/channels/3", `not json`, nil))
		assert.Equal(t, int32(1), sess.changes.Load())
	})

	t.Run("delete", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, srv.URL+"/api/v1/channels/2", "", nil))
		assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodDelete, srv.URL+"/api/v1/channels/2", "", nil))
		assert.Equal(t, int32(2), sess.changes.Load())
	})
}

func TestEventStream(t *testing.T) {
	srv, _, _, bus := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var e display.Event
	require.NoError(t, ws.ReadJSON(&e))
	assert.Equal(t, display.EventState, e.Type)
	require.NoError(t, ws.ReadJSON(&e))
	assert.Equal(t, display.EventLevels, e.Type)

	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	bus.StateChanged(session.Synchronizing)
	require.NoError(t, ws.ReadJSON(&e))
	assert.Equal(t, display.EventState, e.Type)
	assert.Equal(t, map[string]interface{}{"state": "synchronizing"}, e.Data)
}
