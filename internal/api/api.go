// Package api exposes the session over HTTP: status and level queries, channel
// configuration edits and a WebSocket event stream.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bluetooth-meter/internal/connection"
	"bluetooth-meter/internal/display"
	"bluetooth-meter/internal/meter"
	"bluetooth-meter/internal/session"
	"bluetooth-meter/internal/store"
)

// Session is the subset of *session.Session the API needs.
type Session interface {
	State() session.State
	LevelData() meter.Snapshot
	PendingRequests() int
	NotifyLevelConfigChange()
}

// Connection is the subset of *connection.Manager the API needs.
type Connection interface {
	State() connection.State
	Device() (connection.Device, bool)
}

// ChannelStore is the channel configuration store.
type ChannelStore interface {
	session.ConfigStore
	All() ([]meter.ChannelConfig, error)
	DeleteChannel(channel int) error
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	sess  Session
	conn  Connection
	store ChannelStore
	bus   *display.Bus
	log   *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(sess Session, conn Connection, st ChannelStore, bus *display.Bus, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{sess: sess, conn: conn, store: st, bus: bus, log: log.Named("api")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/levels", s.levels)
	mux.HandleFunc("GET /api/v1/channels", s.listChannels)
	mux.HandleFunc("PUT /api/v1/channels/{id}", s.putChannel)
	mux.HandleFunc("DELETE /api/v1/channels/{id}", s.deleteChannel)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)
	return withLogging(s.log, mux)
}

type statusResponse struct {
	Session         string             `json:"session"`
	Connection      string             `json:"connection"`
	Device          *connection.Device `json:"device,omitempty"`
	PendingRequests int                `json:"pending_requests"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Session:         s.sess.State().String(),
		Connection:      s.conn.State().String(),
		PendingRequests: s.sess.PendingRequests(),
	}
	if dev, ok := s.conn.Device(); ok {
		resp.Device = &dev
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) levels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"levels": display.Levels(s.sess.LevelData()),
	})
}

// ChannelJSON is the wire form of a channel config.
type ChannelJSON struct {
	Channel int    `json:"channel"`
	Type    string `json:"type"`
	HoldMS  int64  `json:"hold_ms,omitempty"`
}

func toJSON(c meter.ChannelConfig) ChannelJSON {
	return ChannelJSON{Channel: c.Channel, Type: c.Type.String(), HoldMS: c.HoldTime.Milliseconds()}
}

func (s *Server) listChannels(w http.ResponseWriter, _ *http.Request) {
	all, err := s.store.All()
	if err != nil {
		s.log.Error("list channels", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list channels")
		return
	}
	out := make([]ChannelJSON, 0, len(all))
	for _, c := range all {
		out = append(out, toJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": out})
}

func channelID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		return 0, errors.New("channel id must be a positive integer")
	}
	return id, nil
}

func (s *Server) putChannel(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Type   string `json:"type"`
		HoldMS int64  `json:"hold_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mt, err := meter.ParseMeterType(body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := meter.ChannelConfig{Channel: id, Type: mt, HoldTime: time.Duration(body.HoldMS) * time.Millisecond}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetChannelConfig(cfg); err != nil {
		s.log.Error("save channel", zap.Int("channel", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not save channel")
		return
	}
	s.sess.NotifyLevelConfigChange()
	writeJSON(w, http.StatusOK, toJSON(cfg))
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteChannel(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "channel not found")
			return
		}
		s.log.Error("delete channel", zap.Int("channel", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not delete channel")
		return
	}
	s.sess.NotifyLevelConfigChange()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	// Current state first so clients need no separate status call.
	initial := []display.Event{
		{Type: display.EventState, Timestamp: time.Now().UTC(), Data: map[string]string{"state": s.sess.State().String()}},
		{Type: display.EventLevels, Timestamp: time.Now().UTC(), Data: display.Levels(s.sess.LevelData())},
	}
	for _, e := range initial {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
