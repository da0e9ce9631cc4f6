package session

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// State is the protocol session state.
type State int

const (
	Connecting State = iota
	Synchronizing
	Connected
)

var states = []State{Connecting, Synchronizing, Connected}

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Synchronizing:
		return "synchronizing"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func parseState(s string) State {
	for _, st := range states {
		if st.String() == s {
			return st
		}
	}
	return Connecting
}

// fsm event names.
const (
	fsmLinkUp       = "link_up"
	fsmSynchronized = "synchronized"
	fsmLinkDown     = "link_down"
)

func newMachine(onEnter func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		Connecting.String(),
		fsm.Events{
			{Name: fsmLinkUp, Src: []string{Connecting.String()}, Dst: Synchronizing.String()},
			{Name: fsmSynchronized, Src: []string{Synchronizing.String()}, Dst: Connected.String()},
			{Name: fsmLinkDown, Src: []string{Synchronizing.String(), Connected.String()}, Dst: Connecting.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(parseState(e.Src), parseState(e.Dst))
			},
		},
	)
}

// fsmEvent names the machine event that moves into next.
func fsmEvent(next State) string {
	switch next {
	case Synchronizing:
		return fsmLinkUp
	case Connected:
		return fsmSynchronized
	default:
		return fsmLinkDown
	}
}
