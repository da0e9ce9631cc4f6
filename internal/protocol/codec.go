package protocol

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"bluetooth-meter/internal/meter"
)

// Envelope field numbers.
const (
	fieldKind     protowire.Number = 1
	fieldType     protowire.Number = 2
	fieldSuccess  protowire.Number = 3
	fieldChannels protowire.Number = 4
	fieldConfig   protowire.Number = 5
	fieldLevels   protowire.Number = 6
)

// ChannelConfig field numbers.
const (
	cfgChannel protowire.Number = 1
	cfgType    protowire.Number = 2
	cfgHoldMS  protowire.Number = 3
)

// Measurement field numbers.
const (
	lvlChannel protowire.Number = 1
	lvlType    protowire.Number = 2
	lvlCurrent protowire.Number = 3
	lvlHold    protowire.Number = 4
)

// Marshal validates m and encodes it.
func Marshal(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return AppendMessage(nil, m), nil
}

// AppendMessage appends the encoding of m to b without validating it.
func AppendMessage(b []byte, m Message) []byte {
	b = appendVarintField(b, fieldKind, uint64(m.Kind))
	b = appendVarintField(b, fieldType, uint64(m.Type))
	if m.Success {
		b = appendVarintField(b, fieldSuccess, protowire.EncodeBool(true))
	}
	if len(m.Channels) > 0 {
		var packed []byte
		for _, ch := range m.Channels {
			packed = protowire.AppendVarint(packed, uint64(ch))
		}
		b = protowire.AppendTag(b, fieldChannels, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if m.Config != nil {
		b = protowire.AppendTag(b, fieldConfig, protowire.BytesType)
		b = protowire.AppendBytes(b, appendConfig(nil, *m.Config))
	}
	for _, l := range m.Levels {
		b = protowire.AppendTag(b, fieldLevels, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMeasurement(nil, l))
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendConfig(b []byte, c meter.ChannelConfig) []byte {
	b = appendVarintField(b, cfgChannel, uint64(c.Channel))
	b = appendVarintField(b, cfgType, uint64(c.Type))
	if c.HasHold() {
		b = appendVarintField(b, cfgHoldMS, uint64(c.HoldTime/time.Millisecond))
	}
	return b
}

func appendMeasurement(b []byte, l Measurement) []byte {
	b = appendVarintField(b, lvlChannel, uint64(l.Channel))
	b = appendVarintField(b, lvlType, uint64(l.Type))
	b = appendDoubleField(b, lvlCurrent, l.Current)
	if l.HasHold {
		b = appendDoubleField(b, lvlHold, l.Hold)
	}
	return b
}

// Unmarshal decodes and validates one message. Unknown fields are skipped.
// The returned message does not alias b.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Kind = Kind(v)
			return n, nil
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Type = MessageType(v)
			return n, nil
		case num == fieldSuccess && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Success = protowire.DecodeBool(v)
			return n, nil
		case num == fieldChannels && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return 0, fmt.Errorf("%w: channels: %v", ErrMalformed, protowire.ParseError(vn))
				}
				m.Channels = append(m.Channels, int(v))
				packed = packed[vn:]
			}
			return n, nil
		case num == fieldChannels && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Channels = append(m.Channels, int(v))
			return n, nil
		case num == fieldConfig && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			cfg, err := decodeConfig(raw)
			if err != nil {
				return 0, err
			}
			m.Config = &cfg
			return n, nil
		case num == fieldLevels && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			l, err := decodeMeasurement(raw)
			if err != nil {
				return 0, err
			}
			m.Levels = append(m.Levels, l)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func decodeConfig(b []byte) (meter.ChannelConfig, error) {
	var c meter.ChannelConfig
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case cfgChannel:
			c.Channel = int(v)
		case cfgType:
			c.Type = meter.MeterType(v)
		case cfgHoldMS:
			c.HoldTime = time.Duration(v) * time.Millisecond
		}
		return n, nil
	})
	if err != nil {
		return meter.ChannelConfig{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func decodeMeasurement(b []byte) (Measurement, error) {
	var l Measurement
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == lvlChannel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			l.Channel = int(v)
			return n, nil
		case num == lvlType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			l.Type = meter.MeterType(v)
			return n, nil
		case num == lvlCurrent && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			l.Current = math.Float64frombits(v)
			return n, nil
		case num == lvlHold && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			l.Hold = math.Float64frombits(v)
			l.HasHold = true
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Measurement{}, fmt.Errorf("level: %w", err)
	}
	return l, nil
}

// walkFields calls fn for every field of b. fn consumes the field value and
// returns the number of bytes used, or a negative protowire error code.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
