// Package display fans session events out to display collaborators: a JSON
// lines writer and WebSocket clients of the HTTP API.
package display

import (
	"sort"
	"sync"
	"time"

	"bluetooth-meter/internal/meter"
	"bluetooth-meter/internal/session"
)

// EventType classifies an event for display clients.
type EventType string

const (
	EventState  EventType = "state"
	EventLevels EventType = "levels"
)

// Event is the JSON envelope delivered to display clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ChannelLevel is the JSON form of one level record.
type ChannelLevel struct {
	Channel int      `json:"channel"`
	Kind    string   `json:"kind"` // "peak" or "vu"
	Current float64  `json:"current"`
	Hold    *float64 `json:"hold,omitempty"`
}

// Levels converts a snapshot to a list ordered by channel.
func Levels(snap meter.Snapshot) []ChannelLevel {
	out := make([]ChannelLevel, 0, len(snap))
	for ch, l := range snap {
		switch v := l.(type) {
		case meter.PeakLevel:
			cl := ChannelLevel{Channel: ch, Kind: "peak", Current: v.Current}
			if v.HasHold {
				hold := v.Hold
				cl.Hold = &hold
			}
			out = append(out, cl)
		case meter.VULevel:
			out = append(out, ChannelLevel{Channel: ch, Kind: "vu", Current: v.Current})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

type subscriber struct {
	ch chan Event
}

// Bus is a session.Listener that re-dispatches session callbacks to
// subscribers. Slow subscribers miss events instead of stalling the session.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	now  func() time.Time
}

var _ session.Listener = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{}), now: time.Now}
}

// Subscribe returns a receive channel and an unsubscribe function that
// closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) StateChanged(state session.State) {
	b.Publish(Event{Type: EventState, Data: map[string]string{"state": state.String()}})
}

func (b *Bus) LevelsUpdated(levels meter.Snapshot) {
	b.Publish(Event{Type: EventLevels, Data: Levels(levels)})
}
