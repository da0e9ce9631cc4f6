// Package link implements length-prefixed framing over a byte stream.
//
// Each frame is a 2-byte big-endian payload length followed by the payload.
// A Conn runs one reader goroutine that hands every inbound payload to a
// callback synchronously and reports the first read error exactly once.
package link

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// MaxFrameSize is the largest payload the 2-byte length prefix can describe.
const MaxFrameSize = math.MaxUint16

const headerSize = 2

var (
	ErrFrameTooLarge = errors.New("link: frame too large")
	ErrClosed        = errors.New("link: closed")
)

// Conn is a framed connection. WriteFrame is safe for concurrent use, Start
// may be called once.
type Conn struct {
	rwc  io.ReadWriteCloser
	pool *BufferPool

	wmu sync.Mutex
	w   *bufio.Writer

	started   bool
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewConn wraps rwc. Inbound payloads are read into buffers from pool, so
// pool.Size() bounds the accepted frame size.
func NewConn(rwc io.ReadWriteCloser, pool *BufferPool) *Conn {
	return &Conn{
		rwc:    rwc,
		pool:   pool,
		w:      bufio.NewWriterSize(rwc, headerSize+pool.Size()),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the read loop. onFrame receives every payload on the reader
// goroutine; the slice is only valid until onFrame returns. onClose is called
// once with the error that ended the loop, after which the Conn is closed.
func (c *Conn) Start(onFrame func(payload []byte), onClose func(err error)) {
	if c.started {
		return
	}
	c.started = true
	go c.readLoop(onFrame, onClose)
}

func (c *Conn) readLoop(onFrame func([]byte), onClose func(error)) {
	defer close(c.done)
	r := bufio.NewReader(c.rwc)
	var hdr [headerSize]byte
	var err error
	for {
		if _, err = io.ReadFull(r, hdr[:]); err != nil {
			break
		}
		n := int(binary.BigEndian.Uint16(hdr[:]))
		if n > c.pool.Size() {
			err = fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.pool.Size())
			break
		}
		buf := c.pool.Get()
		if _, err = io.ReadFull(r, buf[:n]); err != nil {
			c.pool.Put(buf)
			break
		}
		onFrame(buf[:n])
		c.pool.Put(buf)
	}
	select {
	case <-c.closed:
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	default:
	}
	_ = c.Close()
	if onClose != nil {
		onClose(err)
	}
}

// WriteFrame writes the length prefix and payload and flushes.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(payload))
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("link: write header: %w", err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("link: write payload: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("link: flush: %w", err)
	}
	return nil
}

// Close closes the underlying stream, which unblocks the reader. It is
// idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }
