// Package simulator emulates a metering device: it answers channel queries and
// level configuration requests and streams synthetic level notifications for
// every configured channel.
package simulator

import (
	"context"
	"errors"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bluetooth-meter/internal/link"
	"bluetooth-meter/internal/meter"
	"bluetooth-meter/internal/protocol"
)

// Options configures a simulated device.
type Options struct {
	Channels []int
	Interval time.Duration // between LEVEL notifications
	// RejectSetLevel answers every SET_LEVEL with a failure.
	RejectSetLevel bool
}

// Device holds the device-side channel configuration, which survives client
// reconnects like on real hardware.
type Device struct {
	log  *zap.Logger
	opts Options

	mu      sync.Mutex
	configs map[int]meter.ChannelConfig
	holds   map[int]hold
	start   time.Time
}

type hold struct {
	value float64
	at    time.Time
}

func New(opts Options, log *zap.Logger) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	chans := append([]int(nil), opts.Channels...)
	sort.Ints(chans)
	opts.Channels = chans
	return &Device{
		log:     log.Named("simulator"),
		opts:    opts,
		configs: make(map[int]meter.ChannelConfig),
		holds:   make(map[int]hold),
		start:   time.Now(),
	}
}

// Configs returns the configuration pushed by the client, by channel.
func (d *Device) Configs() map[int]meter.ChannelConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]meter.ChannelConfig, len(d.configs))
	for ch, c := range d.configs {
		out[ch] = c
	}
	return out
}

// Serve runs the device protocol on rwc until the peer disconnects or ctx is
// done. A clean peer close returns nil.
func (d *Device) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := link.NewConn(rwc, link.NewBufferPool(2, link.MaxFrameSize))
	closed := make(chan error, 1)
	conn.Start(func(p []byte) { d.handleFrame(conn, p) }, func(err error) { closed <- err })
	d.log.Info("client connected")

	t := time.NewTicker(d.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-closed
			return ctx.Err()
		case err := <-closed:
			d.log.Info("client disconnected", zap.Error(err))
			if errors.Is(err, io.EOF) || errors.Is(err, link.ErrClosed) {
				return nil
			}
			return err
		case now := <-t.C:
			if err := d.sendLevels(conn, now); err != nil {
				d.log.Debug("send levels", zap.Error(err))
			}
		}
	}
}

func (d *Device) handleFrame(conn *link.Conn, payload []byte) {
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		d.log.Warn("bad frame", zap.Error(err))
		return
	}
	if msg.Kind != protocol.KindRequest {
		d.log.Warn("unexpected message", zap.Stringer("message", msg))
		return
	}

	var resp protocol.Message
	switch msg.Type {
	case protocol.TypeQueryChannels:
		resp = protocol.NewChannelsResponse(d.opts.Channels)
	case protocol.TypeSetLevel:
		if d.opts.RejectSetLevel {
			resp = protocol.NewResponse(protocol.TypeSetLevel, false)
			break
		}
		d.mu.Lock()
		d.configs[msg.Config.Channel] = *msg.Config
		delete(d.holds, msg.Config.Channel)
		d.mu.Unlock()
		d.log.Debug("channel configured", zap.Stringer("config", msg.Config))
		resp = protocol.NewResponse(protocol.TypeSetLevel, true)
	}
	b, err := protocol.Marshal(resp)
	if err != nil {
		d.log.Error("encode response", zap.Error(err))
		return
	}
	if err := conn.WriteFrame(b); err != nil {
		d.log.Debug("write response", zap.Error(err))
	}
}

func (d *Device) sendLevels(conn *link.Conn, now time.Time) error {
	levels := d.measure(now)
	if len(levels) == 0 {
		return nil
	}
	b, err := protocol.Marshal(protocol.NewLevelNotification(levels))
	if err != nil {
		return err
	}
	return conn.WriteFrame(b)
}

// measure produces one reading per configured channel.
func (d *Device) measure(now time.Time) []protocol.Measurement {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []protocol.Measurement
	for _, ch := range d.opts.Channels {
		cfg, ok := d.configs[ch]
		if !ok || cfg.Type == meter.None {
			continue
		}
		cur := Signal(ch, now.Sub(d.start))
		m := protocol.Measurement{Channel: ch, Type: cfg.Type, Current: cur}
		if cfg.Type == meter.VU {
			m.Current = cur + 18 // dBFS to VU with -18 dBFS alignment
		}
		if cfg.HasHold() {
			h, ok := d.holds[ch]
			if !ok || cur >= h.value || now.Sub(h.at) > cfg.HoldTime {
				h = hold{value: cur, at: now}
				d.holds[ch] = h
			}
			m.Hold, m.HasHold = h.value, true
		}
		out = append(out, m)
	}
	return out
}

// Signal is the synthetic programme level of a channel in dBFS.
func Signal(channel int, elapsed time.Duration) float64 {
	phase := elapsed.Seconds()*2*math.Pi/3 + float64(channel)
	return math.Round((-20+12*math.Sin(phase))*10) / 10
}
