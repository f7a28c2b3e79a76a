package webrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Shared durable sockets, one per endpoint URL, and shared sessions, one
// per channel: clients for different services on the same endpoint ride
// the same connection.
var (
	socketsMu sync.Mutex
	sockets   = map[string]*SocketChannel{}

	sessionsMu sync.Mutex
	sessions   = map[Channel]*Session{}
)

func sharedSocketChannel(url string) *SocketChannel {
	socketsMu.Lock()
	defer socketsMu.Unlock()
	if ch := sockets[url]; ch != nil {
		return ch
	}
	ch := NewSocketChannel(DialSocket(url, &SocketConfig{KeepAlive: true}))
	sockets[url] = ch
	return ch
}

func sessionFor(ch Channel, cfg *SessionConfig) *Session {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	if s := sessions[ch]; s != nil {
		return s
	}
	s := NewSession(ch, cfg)
	sessions[ch] = s
	return s
}

// ClientConfig tunes a service client.
type ClientConfig struct {
	// Session configures the session if this client creates it; ignored
	// when another client already owns the channel's session.
	Session *SessionConfig

	Logger *slog.Logger
}

// ServiceClient is an always-available handle on a remote service. It
// returns immediately from its constructor; calls made before the channel
// is ready pile up on the ready edge, and after a state loss the next call
// re-acquires the service handle and replays every active event
// subscription before continuing.
type ServiceClient struct {
	name string
	log  *slog.Logger
	scfg *SessionConfig

	resolve     func() (Channel, error)
	ownsChannel bool

	acqMu sync.Mutex // serializes acquisition and recovery

	mu      sync.Mutex
	ch      Channel
	session *Session
	handle  *Proxy
	subs    []*clientSub
	fatal   error
	lostSub *Subscription
}

type clientSub struct {
	event    string
	observer func(any)
	remote   *RemoteSubscription
	active   bool
}

// NewServiceClient creates a client for the named remote service. target
// selects the channel:
//
//   - a URL string: a durable websocket, cached per endpoint URL;
//   - a Channel: used directly;
//   - a func() (Channel, error): resolved lazily on first use.
func NewServiceClient(name string, target any, cfg *ClientConfig) *ServiceClient {
	c := &ServiceClient{name: name}
	var cc ClientConfig
	if cfg != nil {
		cc = *cfg
	}
	c.scfg = cc.Session
	c.log = cc.Logger
	if c.log == nil {
		c.log = slog.Default()
	}
	switch t := target.(type) {
	case string:
		c.resolve = func() (Channel, error) { return sharedSocketChannel(t), nil }
	case Channel:
		c.resolve = func() (Channel, error) { return t, nil }
	case func() (Channel, error):
		c.resolve = t
		c.ownsChannel = true
	default:
		c.resolve = func() (Channel, error) {
			return nil, fmt.Errorf("unsupported client target %T", target)
		}
	}
	return c
}

// Invoke calls a method on the remote service, deferring until the channel,
// session and service handle are all available.
func (c *ServiceClient) Invoke(ctx context.Context, method string, params ...any) (any, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return h.Invoke(ctx, method, params...)
}

// Call invokes method and decodes the result into out; see Proxy.Call.
func (c *ServiceClient) Call(ctx context.Context, method string, out any, params ...any) error {
	h, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return h.Call(ctx, method, out, params...)
}

// Subscribe attaches observer to the named event on the remote service.
// The subscription survives state loss: it is replayed after the next
// ready edge until cancelled through the returned handle.
func (c *ServiceClient) Subscribe(ctx context.Context, event string, observer func(any)) (*ClientSubscription, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rs, err := h.SubscribeEvent(ctx, event, observer)
	if err != nil {
		return nil, err
	}
	rec := &clientSub{event: event, observer: observer, remote: rs, active: true}
	c.mu.Lock()
	c.subs = append(c.subs, rec)
	c.mu.Unlock()
	return &ClientSubscription{c: c, rec: rec}, nil
}

// Session exposes the client's session once one exists, mainly so callers
// can register their own services on the shared channel.
func (c *ServiceClient) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// acquire resolves the channel, session and service handle, replaying
// recorded subscriptions after a recovery. Serialized so concurrent calls
// share one recovery.
func (c *ServiceClient) acquire(ctx context.Context) (*Proxy, error) {
	c.acqMu.Lock()
	defer c.acqMu.Unlock()

	c.mu.Lock()
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		return nil, err
	}
	if c.ch == nil {
		ch, err := c.resolve()
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("resolving channel: %w", err)
		}
		c.ch = ch
		if sl, ok := ch.(StateLossNotifier); ok {
			c.lostSub = sl.StateLost().Subscribe(c.onStateLost)
		}
	}
	if c.session == nil {
		c.session = sessionFor(c.ch, c.scfg)
	}
	ch, ses, handle := c.ch, c.session, c.handle
	c.mu.Unlock()

	if err := channelReady(ch).Wait(ctx); err != nil {
		return nil, err
	}
	if handle != nil {
		return handle, nil
	}

	handle, err := ses.GetRemoteService(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("acquiring service %q: %w", c.name, err)
	}
	if handle == nil {
		return nil, fmt.Errorf("peer has no service %q", c.name)
	}
	if err := c.replaySubscriptions(ctx, handle); err != nil {
		c.mu.Lock()
		c.fatal = fmt.Errorf("resubscribing after state loss: %w", err)
		err = c.fatal
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	return handle, nil
}

// replaySubscriptions re-subscribes every active recorded subscription
// whose remote handle died with the previous channel state. Each record
// replays exactly once per recovery, however many loss edges preceded it.
func (c *ServiceClient) replaySubscriptions(ctx context.Context, handle *Proxy) error {
	c.mu.Lock()
	var stale []*clientSub
	for _, rec := range c.subs {
		if rec.active && rec.remote == nil {
			stale = append(stale, rec)
		}
	}
	c.mu.Unlock()
	for _, rec := range stale {
		rs, err := handle.SubscribeEvent(ctx, rec.event, rec.observer)
		if err != nil {
			return fmt.Errorf("event %q: %w", rec.event, err)
		}
		c.mu.Lock()
		rec.remote = rs
		c.mu.Unlock()
	}
	return nil
}

func (c *ServiceClient) onStateLost(reason string) {
	c.mu.Lock()
	if c.handle != nil {
		c.handle.Release()
		c.handle = nil
	}
	for _, rec := range c.subs {
		rec.remote = nil
	}
	c.mu.Unlock()
	c.log.Debug("service client lost channel state", "service", c.name, "reason", reason)
}

// Close detaches the client. A channel resolved from a factory func is
// closed; shared URL channels stay up for other clients.
func (c *ServiceClient) Close() error {
	c.mu.Lock()
	if c.lostSub != nil {
		c.lostSub.Unsubscribe()
		c.lostSub = nil
	}
	if c.handle != nil {
		c.handle.Release()
		c.handle = nil
	}
	ch := c.ch
	c.ch = nil
	owns := c.ownsChannel
	c.mu.Unlock()
	if owns && ch != nil {
		return ch.Close()
	}
	return nil
}

// ClientSubscription is a façade-level subscription handle.
type ClientSubscription struct {
	c   *ServiceClient
	rec *clientSub
}

// Unsubscribe cancels the remote subscription and removes the replay
// record, so the subscription is not re-established on recovery.
func (s *ClientSubscription) Unsubscribe(ctx context.Context) error {
	s.c.mu.Lock()
	s.rec.active = false
	remote := s.rec.remote
	s.rec.remote = nil
	for i, rec := range s.c.subs {
		if rec == s.rec {
			s.c.subs = append(s.c.subs[:i], s.c.subs[i+1:]...)
			break
		}
	}
	s.c.mu.Unlock()
	if remote != nil {
		return remote.Unsubscribe(ctx)
	}
	return nil
}
