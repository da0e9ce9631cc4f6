// Package session implements the metering protocol state machine.
//
// A Session moves CONNECTING → SYNCHRONIZING → CONNECTED as the link comes up
// and the device reports its channels, pushes local channel configuration to
// the device, correlates responses with the FIFO of sent requests and keeps
// the latest level measurement per channel. Any protocol inconsistency forces
// a disconnect; the connection manager's reconnect timer restarts the
// handshake.
//
// All state is owned by the session's executor. Listeners are called on that
// executor and must re-dispatch if they need another goroutine.
package session

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"bluetooth-meter/internal/actor"
	"bluetooth-meter/internal/connection"
	"bluetooth-meter/internal/meter"
	"bluetooth-meter/internal/protocol"
)

// Link is the connection the session sends on.
type Link interface {
	SendRequest(payload []byte)
	Disconnect()
}

// ConfigStore is the persisted channel configuration. The session reads and
// writes it but does not own it.
type ConfigStore interface {
	ChannelConfig(channel int) (meter.ChannelConfig, bool, error)
	SetChannelConfig(cfg meter.ChannelConfig) error
	Channels() ([]int, error)
}

// Reloader is implemented by stores that other processes may edit. The
// session reloads them at the start of every handshake.
type Reloader interface {
	Reload() error
}

// Listener observes the session. Implementations must be comparable,
// typically pointer types.
type Listener interface {
	StateChanged(state State)
	LevelsUpdated(levels meter.Snapshot)
}

// Session is the protocol state machine for one device. It is safe for
// concurrent use; all mutation happens on its executor.
type Session struct {
	log   *zap.Logger
	link  Link
	store ConfigStore
	exec  *actor.Executor
	table dispatchTable
	fsm   *fsm.FSM

	// Executor owned.
	pending   []protocol.MessageType
	levels    map[int]meter.Level
	listeners []Listener
	closing   bool

	snapshot     atomic.Pointer[meter.Snapshot]
	pendingCount atomic.Int32
}

// New builds a session in CONNECTING. Wire it to the connection manager with
// Manager.Start(session).
func New(link Link, store ConfigStore, log *zap.Logger) (*Session, error) {
	return newSession(link, store, defaultHandlers(), log)
}

func newSession(link Link, store ConfigStore, handlers map[State]map[eventKind]handlerFunc, log *zap.Logger) (*Session, error) {
	table, err := newDispatchTable(handlers)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("session")
	s := &Session{
		log:    log,
		link:   link,
		store:  store,
		exec:   actor.New("session", log),
		table:  table,
		levels: make(map[int]meter.Level),
	}
	s.fsm = newMachine(s.enterState)
	s.publish()
	return s, nil
}

// State may be called from any goroutine.
func (s *Session) State() State { return parseState(s.fsm.Current()) }

// LevelData returns the latest level records. The map must not be modified.
func (s *Session) LevelData() meter.Snapshot { return *s.snapshot.Load() }

// PendingRequests returns the number of requests awaiting a response.
func (s *Session) PendingRequests() int { return int(s.pendingCount.Load()) }

// AddListener registers l for state and level callbacks. Listeners are
// compared by identity on removal, so pass pointers.
func (s *Session) AddListener(l Listener) {
	s.exec.Submit(func() { s.listeners = append(s.listeners, l) })
}

// RemoveListener unregisters a listener added with AddListener.
func (s *Session) RemoveListener(l Listener) {
	s.exec.Submit(func() {
		s.listeners = slices.DeleteFunc(s.listeners, func(x Listener) bool { return x == l })
	})
}

// NotifyLevelConfigChange tells the session the stored channel configuration
// was edited. When connected, every configured channel is pushed again.
func (s *Session) NotifyLevelConfigChange() {
	s.post(event{kind: evConfigChanged})
}

// ConnectionStateChanged implements connection.Handler.
func (s *Session) ConnectionStateChanged(state connection.State) {
	switch state {
	case connection.Connected:
		s.post(event{kind: evLinkUp})
	case connection.Disconnected:
		s.post(event{kind: evLinkDown})
	}
}

// FrameReceived implements connection.Handler. Frames are decoded on the
// caller's goroutine; undecodable frames are dropped.
func (s *Session) FrameReceived(payload []byte) {
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		s.log.Warn("dropping undecodable frame", zap.Int("bytes", len(payload)), zap.Error(err))
		return
	}
	switch msg.Kind {
	case protocol.KindResponse:
		s.post(event{kind: evResponse, msg: msg})
	case protocol.KindNotification:
		s.post(event{kind: evNotification, msg: msg})
	default:
		s.log.Warn("dropping unexpected message", zap.Stringer("message", msg))
	}
}

// Sync waits until every event submitted before the call has been handled.
func (s *Session) Sync(ctx context.Context) error {
	return s.exec.Do(ctx, func() {})
}

// Close stops the executor after the queued events ran.
func (s *Session) Close() {
	s.exec.Close()
}

func (s *Session) post(ev event) {
	if !s.exec.Submit(func() { s.handle(ev) }) {
		s.log.Debug("session closed, dropping event", zap.Stringer("event", ev.kind))
	}
}

// The methods below run on the executor.

func (s *Session) handle(ev event) {
	cur := s.State()
	next, ok := s.table[cur][ev.kind](s, ev)
	if !ok || next == cur {
		return
	}
	if err := s.fsm.Event(context.Background(), fsmEvent(next)); err != nil {
		s.log.Error("state transition failed",
			zap.Stringer("from", cur), zap.Stringer("to", next), zap.Error(err))
	}
}

func (s *Session) enterState(from, to State) {
	s.log.Info("session state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	for _, l := range s.listeners {
		l.StateChanged(to)
	}
}

// send appends the request to the pending queue and transmits it.
func (s *Session) send(msg protocol.Message) {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		s.log.Error("not sending invalid request", zap.Stringer("message", msg), zap.Error(err))
		return
	}
	s.pending = append(s.pending, msg.Type)
	s.pendingCount.Store(int32(len(s.pending)))
	s.link.SendRequest(payload)
}

// correlate pops the pending request matching a response. It forces a
// disconnect and returns false on any mismatch or rejection.
func (s *Session) correlate(msg protocol.Message) bool {
	if len(s.pending) == 0 {
		s.forceDisconnect("response without pending request", msg)
		return false
	}
	head := s.pending[0]
	s.pending = s.pending[1:]
	s.pendingCount.Store(int32(len(s.pending)))
	if head != msg.Type {
		s.forceDisconnect("response does not match pending "+head.String(), msg)
		return false
	}
	if !msg.Success {
		s.forceDisconnect("request rejected by device", msg)
		return false
	}
	return true
}

func (s *Session) forceDisconnect(reason string, msg protocol.Message) {
	s.log.Warn("protocol error, disconnecting", zap.String("reason", reason), zap.Stringer("message", msg))
	s.closing = true
	s.link.Disconnect()
}

func (s *Session) reloadStore() {
	r, ok := s.store.(Reloader)
	if !ok {
		return
	}
	if err := r.Reload(); err != nil {
		s.log.Warn("reload channel configs, using cached values", zap.Error(err))
	}
}

// reconcile merges the device's channel list with the stored configuration:
// unknown channels get a default config, known ones are pushed to the device.
func (s *Session) reconcile(channels []int) {
	for _, ch := range channels {
		cfg, ok, err := s.store.ChannelConfig(ch)
		if err != nil {
			s.log.Error("load channel config", zap.Int("channel", ch), zap.Error(err))
			continue
		}
		if !ok {
			if err := s.store.SetChannelConfig(meter.DefaultConfig(ch)); err != nil {
				s.log.Error("store default channel config", zap.Int("channel", ch), zap.Error(err))
			}
			continue
		}
		s.send(protocol.NewSetLevel(cfg))
	}
	s.log.Info("channels synchronized", zap.Ints("channels", channels))
}

// resync drops all level records and pushes every stored config.
func (s *Session) resync() {
	if s.closing {
		return
	}
	channels, err := s.store.Channels()
	if err != nil {
		s.log.Error("list channel configs", zap.Error(err))
		return
	}
	clear(s.levels)
	s.publish()
	s.notifyLevels()
	for _, ch := range channels {
		cfg, ok, err := s.store.ChannelConfig(ch)
		if err != nil || !ok {
			continue
		}
		s.send(protocol.NewSetLevel(cfg))
	}
}

func (s *Session) ingest(levels []protocol.Measurement) {
	applied := 0
	for _, m := range levels {
		cfg, ok, err := s.store.ChannelConfig(m.Channel)
		if err != nil || !ok || cfg.Type != m.Type {
			s.log.Debug("discarding level", zap.Int("channel", m.Channel), zap.Stringer("type", m.Type))
			continue
		}
		l, ok := m.Level()
		if !ok {
			continue
		}
		s.levels[m.Channel] = l
		applied++
	}
	if applied == 0 {
		return
	}
	s.publish()
	s.notifyLevels()
}

// reset drops the per-session state after the link went down.
func (s *Session) reset() {
	s.pending = nil
	s.pendingCount.Store(0)
	s.closing = false
	if len(s.levels) > 0 {
		clear(s.levels)
		s.publish()
		s.notifyLevels()
	}
}

func (s *Session) publish() {
	snap := meter.Snapshot(s.levels).Clone()
	s.snapshot.Store(&snap)
}

func (s *Session) notifyLevels() {
	snap := s.LevelData()
	for _, l := range s.listeners {
		l.LevelsUpdated(snap)
	}
}
