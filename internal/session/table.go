package session

import (
	"fmt"

	"go.uber.org/zap"

	"bluetooth-meter/internal/protocol"
)

type eventKind int

const (
	evLinkUp eventKind = iota
	evLinkDown
	evConfigChanged
	evResponse
	evNotification
	numEventKinds
)

func (k eventKind) String() string {
	switch k {
	case evLinkUp:
		return "link_up"
	case evLinkDown:
		return "link_down"
	case evConfigChanged:
		return "config_changed"
	case evResponse:
		return "response"
	case evNotification:
		return "notification"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type event struct {
	kind eventKind
	msg  protocol.Message
}

// handlerFunc runs one event in one state. It returns the next state and
// true to transition, or false to stay.
type handlerFunc func(s *Session, ev event) (State, bool)

type dispatchTable map[State]map[eventKind]handlerFunc

// newDispatchTable checks that every state handles every event kind.
func newDispatchTable(entries map[State]map[eventKind]handlerFunc) (dispatchTable, error) {
	for _, st := range states {
		row, ok := entries[st]
		if !ok {
			return nil, fmt.Errorf("session: no handlers for state %s", st)
		}
		for k := eventKind(0); k < numEventKinds; k++ {
			if row[k] == nil {
				return nil, fmt.Errorf("session: unhandled combination %s/%s", st, k)
			}
		}
	}
	return dispatchTable(entries), nil
}

func defaultHandlers() map[State]map[eventKind]handlerFunc {
	return map[State]map[eventKind]handlerFunc{
		Connecting: {
			evLinkUp:        onLinkUp,
			evLinkDown:      stay,
			evConfigChanged: stay,
			evResponse:      dropStale,
			evNotification:  dropStale,
		},
		Synchronizing: {
			evLinkUp:        ignoreLinkUp,
			evLinkDown:      onLinkDown,
			evConfigChanged: stay,
			evResponse:      onResponse,
			evNotification:  onNotification,
		},
		Connected: {
			evLinkUp:        ignoreLinkUp,
			evLinkDown:      onLinkDown,
			evConfigChanged: onConfigChanged,
			evResponse:      onResponse,
			evNotification:  onNotification,
		},
	}
}

func stay(*Session, event) (State, bool) { return 0, false }

func dropStale(s *Session, ev event) (State, bool) {
	s.log.Debug("dropping message without session", zap.Stringer("message", ev.msg))
	return 0, false
}

func ignoreLinkUp(s *Session, _ event) (State, bool) {
	s.log.Warn("link up while link already up")
	return 0, false
}

func onLinkUp(s *Session, _ event) (State, bool) {
	s.closing = false
	s.reloadStore()
	s.send(protocol.NewQueryChannels())
	return Synchronizing, true
}

func onLinkDown(s *Session, _ event) (State, bool) {
	s.reset()
	return Connecting, true
}

func onConfigChanged(s *Session, _ event) (State, bool) {
	s.resync()
	return 0, false
}

func onResponse(s *Session, ev event) (State, bool) {
	if s.closing {
		return 0, false
	}
	if !s.correlate(ev.msg) {
		return 0, false
	}
	if ev.msg.Type == protocol.TypeQueryChannels {
		s.reconcile(ev.msg.Channels)
		return Connected, true
	}
	return 0, false
}

func onNotification(s *Session, ev event) (State, bool) {
	if s.closing {
		return 0, false
	}
	s.ingest(ev.msg.Levels)
	return 0, false
}
