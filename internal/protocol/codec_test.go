package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"bluetooth-meter/internal/meter"
)

func TestMarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"query channels request", NewQueryChannels()},
		{"set level request", NewSetLevel(meter.ChannelConfig{Channel: 3, Type: meter.PPM, HoldTime: 1500 * time.Millisecond})},
		{"set level without hold", NewSetLevel(meter.ChannelConfig{Channel: 1, Type: meter.VU})},
		{"channels response", NewChannelsResponse([]int{1, 2, 3, 300})},
		{"set level failure", NewResponse(TypeSetLevel, false)},
		{"level notification", NewLevelNotification([]Measurement{
			{Channel: 1, Type: meter.PPM, Current: -6, Hold: -3.5, HasHold: true},
			{Channel: 2, Type: meter.VU, Current: 0.25},
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.msg)
			require.NoError(t, err)

			got, err := Unmarshal(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)

			again, err := Marshal(got)
			require.NoError(t, err)
			assert.Equal(t, b, again)
		})
	}
}

func TestMarshalRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"no kind", Message{Type: TypeQueryChannels}},
		{"notification of request type", Message{Kind: KindNotification, Type: TypeSetLevel}},
		{"request of notification type", Message{Kind: KindRequest, Type: TypeLevel}},
		{"set level without config", Message{Kind: KindRequest, Type: TypeSetLevel}},
		{"set level with bad hold", NewSetLevel(meter.ChannelConfig{Channel: 1, Type: meter.VU, HoldTime: time.Second})},
		{"sub-millisecond hold", NewSetLevel(meter.ChannelConfig{Channel: 1, Type: meter.PPM, HoldTime: 500 * time.Microsecond})},
		{"non-positive channel", NewChannelsResponse([]int{1, 0})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(tt.msg)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		b, err := Marshal(NewChannelsResponse([]int{1, 2}))
		require.NoError(t, err)
		_, err = Unmarshal(b[:len(b)-1])
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := Unmarshal(nil)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b, err := Marshal(NewResponse(TypeSetLevel, true))
	require.NoError(t, err)
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, NewResponse(TypeSetLevel, true), got)
}

func TestUnmarshalUnpackedChannels(t *testing.T) {
	b := appendVarintField(nil, fieldKind, uint64(KindResponse))
	b = appendVarintField(b, fieldType, uint64(TypeQueryChannels))
	b = appendVarintField(b, fieldSuccess, 1)
	b = appendVarintField(b, fieldChannels, 4)
	b = appendVarintField(b, fieldChannels, 7)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 7}, got.Channels)
}

func TestMeasurementLevel(t *testing.T) {
	l, ok := Measurement{Channel: 1, Type: meter.PPM, Current: -6}.Level()
	require.True(t, ok)
	assert.Equal(t, meter.PeakLevel{Current: -6}, l)

	l, ok = Measurement{Channel: 1, Type: meter.VU, Current: 1, Hold: 2, HasHold: true}.Level()
	require.True(t, ok)
	assert.Equal(t, meter.VULevel{Current: 1}, l)

	_, ok = Measurement{Channel: 1, Type: meter.None}.Level()
	assert.False(t, ok)
}
