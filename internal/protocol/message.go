// Package protocol defines the message envelope exchanged with the metering
// device and its binary encoding.
//
// Every frame payload is one Message: a request, a response to the request of
// the same type, or a notification. Payloads use the protobuf wire format so
// the device firmware can decode them with any protobuf runtime.
package protocol

import (
	"errors"
	"fmt"

	"bluetooth-meter/internal/meter"
)

// Kind distinguishes requests, responses and notifications.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MessageType is the type tag of a message.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeQueryChannels
	TypeSetLevel
	TypeLevel
)

func (t MessageType) String() string {
	switch t {
	case TypeQueryChannels:
		return "QUERY_CHANNELS"
	case TypeSetLevel:
		return "SET_LEVEL"
	case TypeLevel:
		return "LEVEL"
	default:
		return fmt.Sprintf("TYPE(%d)", int(t))
	}
}

// ErrMalformed is wrapped by every decode and validation failure.
var ErrMalformed = errors.New("protocol: malformed message")

// Message is the logical envelope. Only the fields relevant to Kind and
// Type are set.
type Message struct {
	Kind    Kind
	Type    MessageType
	Success bool // responses only

	Channels []int               // QUERY_CHANNELS response
	Config   *meter.ChannelConfig // SET_LEVEL request
	Levels   []Measurement       // LEVEL notification
}

// Measurement is one channel entry of a LEVEL notification.
type Measurement struct {
	Channel int
	Type    meter.MeterType
	Current float64
	Hold    float64
	HasHold bool
}

// Level converts the measurement to the level variant its meter type
// reports. It returns false for None or unknown types.
func (m Measurement) Level() (meter.Level, bool) {
	switch {
	case m.Type.Holds():
		return meter.PeakLevel{Current: m.Current, Hold: m.Hold, HasHold: m.HasHold}, true
	case m.Type == meter.VU:
		return meter.VULevel{Current: m.Current}, true
	default:
		return nil, false
	}
}

func NewQueryChannels() Message {
	return Message{Kind: KindRequest, Type: TypeQueryChannels}
}

func NewSetLevel(cfg meter.ChannelConfig) Message {
	return Message{Kind: KindRequest, Type: TypeSetLevel, Config: &cfg}
}

// NewResponse builds a response without result payload.
func NewResponse(t MessageType, success bool) Message {
	return Message{Kind: KindResponse, Type: t, Success: success}
}

func NewChannelsResponse(channels []int) Message {
	return Message{Kind: KindResponse, Type: TypeQueryChannels, Success: true, Channels: channels}
}

func NewLevelNotification(levels []Measurement) Message {
	return Message{Kind: KindNotification, Type: TypeLevel, Levels: levels}
}

// Validate checks the kind/type combination and the type specific fields.
func (m Message) Validate() error {
	switch m.Kind {
	case KindRequest, KindResponse:
		if m.Type != TypeQueryChannels && m.Type != TypeSetLevel {
			return fmt.Errorf("%w: %s of type %s", ErrMalformed, m.Kind, m.Type)
		}
	case KindNotification:
		if m.Type != TypeLevel {
			return fmt.Errorf("%w: notification of type %s", ErrMalformed, m.Type)
		}
	default:
		return fmt.Errorf("%w: %s", ErrMalformed, m.Kind)
	}
	if m.Kind == KindRequest && m.Type == TypeSetLevel {
		if m.Config == nil {
			return fmt.Errorf("%w: SET_LEVEL request without config", ErrMalformed)
		}
		if err := m.Config.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	for _, ch := range m.Channels {
		if ch <= 0 {
			return fmt.Errorf("%w: channel %d", ErrMalformed, ch)
		}
	}
	return nil
}

func (m Message) String() string {
	switch m.Kind {
	case KindResponse:
		return fmt.Sprintf("%s %s success=%t", m.Kind, m.Type, m.Success)
	default:
		return fmt.Sprintf("%s %s", m.Kind, m.Type)
	}
}
