package webrpc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Channel is an abstract duplex transport for UTF-8 text frames. The session
// consumes nothing beyond this interface: no framing size limits, no ordering
// across reconnects, no delivery receipts.
type Channel interface {
	// Send transmits one frame. It may block until the channel is ready
	// and must not silently drop.
	Send(ctx context.Context, frame []byte) error

	// Received is the stream of inbound frames.
	Received() *Event[[]byte]

	// Close shuts the channel down.
	Close() error
}

// ReadyNotifier is implemented by channels whose readiness comes and goes.
// After state loss the gate must stay shut until the channel is
// re-established; late waiters observe the current state.
type ReadyNotifier interface {
	Ready() *Gate
}

// StateLossNotifier is implemented by channels that can lose transient
// state. The event fires once per transition out of readiness, carrying a
// human-readable reason.
type StateLossNotifier interface {
	StateLost() *Event[string]
}

// channelReady returns ch's gate when it has one, an always-open gate
// otherwise.
func channelReady(ch Channel) *Gate {
	if rn, ok := ch.(ReadyNotifier); ok {
		return rn.Ready()
	}
	return NewGate(true)
}

// -------------------------------------------------------------------------
// In-memory pair

// PipeChannel is one end of an in-memory channel pair. Frames sent on one
// end are delivered synchronously to the other, which makes it the
// transport of choice for tests.
type PipeChannel struct {
	mu       sync.Mutex
	peer     *PipeChannel
	received Event[[]byte]
	lost     Event[string]
	closed   bool
}

// NewPipe creates two channels connected to each other.
func NewPipe() (*PipeChannel, *PipeChannel) {
	a := &PipeChannel{}
	b := &PipeChannel{}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *PipeChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	peer := c.peer
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("pipe channel: %w", ErrClosed)
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	peer.received.Emit(buf)
	return nil
}

func (c *PipeChannel) Received() *Event[[]byte] { return &c.received }

// StateLost implements StateLossNotifier; tests drive it via LoseState.
func (c *PipeChannel) StateLost() *Event[string] { return &c.lost }

// LoseState signals state loss on both ends without closing them.
func (c *PipeChannel) LoseState(reason string) {
	c.lost.Emit(reason)
	c.peer.lost.Emit(reason)
}

func (c *PipeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// -------------------------------------------------------------------------
// Stream adoption

// StreamChannel adopts any connected io.ReadWriteCloser (TCP, unix socket,
// pipe) as a channel, framing each message as one newline-terminated JSON
// text line.
type StreamChannel struct {
	wmu      sync.Mutex // guards writes on rwc
	rwc      io.ReadWriteCloser
	received Event[[]byte]
	lost     Event[string]
	closemu  sync.Mutex
	closed   bool
}

// NewStreamChannel adopts rwc, which should already be in a connected
// state, and starts reading frames from it.
func NewStreamChannel(rwc io.ReadWriteCloser) *StreamChannel {
	c := &StreamChannel{rwc: rwc}
	go c.readLoop()
	return c
}

func (c *StreamChannel) readLoop() {
	r := bufio.NewReader(c.rwc)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			frame := bytes.TrimRight(line, "\n")
			if len(frame) > 0 {
				c.received.Emit(frame)
			}
		}
		if err != nil {
			c.closemu.Lock()
			closed := c.closed
			c.closemu.Unlock()
			if !closed {
				c.lost.Emit(fmt.Sprintf("stream read: %v", err))
			}
			return
		}
	}
}

func (c *StreamChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(frame); err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	if _, err := c.rwc.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	return nil
}

func (c *StreamChannel) Received() *Event[[]byte] { return &c.received }

func (c *StreamChannel) StateLost() *Event[string] { return &c.lost }

func (c *StreamChannel) Close() error {
	c.closemu.Lock()
	if c.closed {
		c.closemu.Unlock()
		return nil
	}
	c.closed = true
	c.closemu.Unlock()
	return c.rwc.Close()
}
