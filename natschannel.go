package webrpc

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// natsConn is the slice of *nats.Conn the channel uses, kept narrow so
// tests can substitute an in-process bus.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (natsSubscription, error)
}

type natsSubscription interface {
	Unsubscribe() error
}

type natsConnAdapter struct {
	conn *nats.Conn
}

func (a natsConnAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a natsConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (natsSubscription, error) {
	return a.conn.Subscribe(subject, cb)
}

// NATSChannel maps a subject pair onto the duplex frame stream, so two
// peers can run a session over a NATS deployment: each side sends on the
// other's receive subject.
type NATSChannel struct {
	conn        natsConn
	sendSubject string
	sub         natsSubscription
	received    Event[[]byte]
}

// NewNATSChannel subscribes to recvSubject and sends frames on
// sendSubject.
func NewNATSChannel(conn *nats.Conn, sendSubject, recvSubject string) (*NATSChannel, error) {
	return newNATSChannel(natsConnAdapter{conn: conn}, sendSubject, recvSubject)
}

func newNATSChannel(conn natsConn, sendSubject, recvSubject string) (*NATSChannel, error) {
	c := &NATSChannel{conn: conn, sendSubject: sendSubject}
	sub, err := conn.Subscribe(recvSubject, func(m *nats.Msg) {
		c.received.Emit(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", recvSubject, err)
	}
	c.sub = sub
	return c, nil
}

func (c *NATSChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(c.sendSubject, frame); err != nil {
		return fmt.Errorf("publishing to %q: %w", c.sendSubject, err)
	}
	return nil
}

func (c *NATSChannel) Received() *Event[[]byte] { return &c.received }

func (c *NATSChannel) Close() error {
	return c.sub.Unsubscribe()
}
