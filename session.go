package webrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionConfig tunes a session's policies. Start from DefaultSessionConfig
// and flip what you need.
type SessionConfig struct {
	// Logger receives session diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// FinalizationDelay is the debounce between a proxy's last release and
	// the finalize notice to the peer. Default 1s.
	FinalizationDelay time.Duration

	// SafeExceptions replaces errors not marked with Raise by a neutral
	// internal-error placeholder on the wire, logging the true error here.
	SafeExceptions bool

	// MaskStackTraces strips outbound error stacks to "Name: message".
	MaskStackTraces bool

	// AddCallerStackTraces captures the local call-site stack and appends
	// it to deserialized remote errors.
	AddCallerStackTraces bool

	// Discovery answers getDiscoverableServices from the peer.
	Discovery bool

	// Introspection answers getServiceIntrospection from the peer.
	Introspection bool

	// Hook, when set, brackets every inbound dispatch.
	Hook DispatchHook
}

// DefaultSessionConfig returns the default policies: safe exceptions on,
// stack masking on, caller stacks on, discovery and introspection on, 1s
// finalization debounce.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		FinalizationDelay:    time.Second,
		SafeExceptions:       true,
		MaskStackTraces:      true,
		AddCallerStackTraces: true,
		Discovery:            true,
		Introspection:        true,
	}
}

// Session is the protocol state machine bound to one channel: service
// registry, local-object and proxy registries, outstanding references, call
// correlation, message dispatch, error translation and subscription
// plumbing. Create one per channel; its lifetime is the channel's.
type Session struct {
	cfg SessionConfig
	ch  Channel
	log *slog.Logger

	mu          sync.Mutex
	services    map[string]*service
	locals      map[string]*localEntry
	outstanding map[string]*Object
	proxies     map[string]*Proxy
	inflight    map[string]*inflightCall
	remoteSubs  map[string]func() // cancel funcs for inbound event subscriptions
	lockGate    chan struct{}     // non-nil while locked
	closed      bool

	// exportCapture, when set during an encode, collects the object IDs
	// a request mentions so the in-flight entry can hold them.
	exportCapture *[]string

	lockSem chan struct{} // serializes Lock callbacks

	sessionObj *Object
	remote     *Proxy
	idle       Event[struct{}]
	recvSub    *Subscription
	lostSub    *Subscription
}

// inflightCall retains the pre-encode request so objects passed as
// arguments stay strongly held for the full request lifetime, even though
// the local-object registry is weak.
type inflightCall struct {
	req  *callRequest
	resp chan callResult
}

type callRequest struct {
	id       string
	receiver *Ref
	method   string
	params   []any
	metadata map[string]any
	stack    string
	held     []string // object IDs held for the request lifetime
}

type callResult struct {
	value any
	err   error
}

// NewSession binds a session to ch and starts consuming its frames. A nil
// cfg means DefaultSessionConfig.
func NewSession(ch Channel, cfg *SessionConfig) *Session {
	c := DefaultSessionConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FinalizationDelay <= 0 {
		c.FinalizationDelay = time.Second
	}
	s := &Session{
		cfg:         c,
		ch:          ch,
		log:         c.Logger,
		services:    make(map[string]*service),
		locals:      make(map[string]*localEntry),
		outstanding: make(map[string]*Object),
		proxies:     make(map[string]*Proxy),
		inflight:    make(map[string]*inflightCall),
		remoteSubs:  make(map[string]func()),
		lockSem:     make(chan struct{}, 1),
	}
	s.sessionObj = s.buildSessionObject()
	s.locals[SessionObjectID] = &localEntry{obj: s.sessionObj, pinned: true}
	s.remote = &Proxy{s: s, objectID: SessionObjectID, refs: 1}
	s.proxies[SessionObjectID] = s.remote
	s.recvSub = ch.Received().Subscribe(s.handleFrame)
	if sl, ok := ch.(StateLossNotifier); ok {
		s.lostSub = sl.StateLost().Subscribe(s.handleStateLost)
	}
	return s
}

// Remote is the handle to the peer's session object, bound to the
// well-known session ID. No lifetime management applies to it.
func (s *Session) Remote() *Proxy { return s.remote }

// GetRemoteService asks the peer for its named service singleton. Returns
// (nil, nil) when the peer has no such service.
func (s *Session) GetRemoteService(ctx context.Context, name string) (*Proxy, error) {
	v, err := s.remote.Invoke(ctx, "getLocalService", name)
	if err != nil {
		return nil, err
	}
	p, _ := v.(*Proxy)
	return p, nil
}

// Close fails every in-flight request and closes the channel.
func (s *Session) Close() error {
	return s.closeWithErr(ErrClosed)
}

func (s *Session) closeWithErr(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	calls := s.drainInflightLocked()
	subs := make([]func(), 0, len(s.remoteSubs))
	for id, cancel := range s.remoteSubs {
		subs = append(subs, cancel)
		delete(s.remoteSubs, id)
	}
	s.mu.Unlock()
	failCalls(calls, cause)
	// Tear down inbound event subscriptions so their delivery workers do
	// not outlive the session.
	for _, cancel := range subs {
		cancel()
	}
	s.recvSub.Unsubscribe()
	if s.lostSub != nil {
		s.lostSub.Unsubscribe()
	}
	return s.ch.Close()
}

func (s *Session) drainInflightLocked() []*inflightCall {
	calls := make([]*inflightCall, 0, len(s.inflight))
	for id, ic := range s.inflight {
		calls = append(calls, ic)
		delete(s.inflight, id)
		s.releaseHeldLocked(ic.req.held)
	}
	return calls
}

func failCalls(calls []*inflightCall, err error) {
	for _, ic := range calls {
		ic.resp <- callResult{err: err}
	}
}

// fatal handles unrecoverable inbound failures (malformed frames,
// unresolvable references): log and tear the channel down.
func (s *Session) fatal(err error) {
	s.log.Error("session fatal", "error", err)
	s.closeWithErr(fmt.Errorf("session failed: %w", err))
}

// -------------------------------------------------------------------------
// Outbound calls

// call is the outbound path shared by proxies: correlate, encode, send,
// await. Reference descriptors for the parameters are registered before
// the frame leaves the session.
func (s *Session) call(ctx context.Context, receiver *Ref, method string, params []any, metadata map[string]any) (any, error) {
	if err := s.awaitLock(ctx); err != nil {
		return nil, err
	}
	req := &callRequest{
		id:       uuid.NewString(),
		receiver: receiver,
		method:   method,
		params:   params,
		metadata: metadata,
	}
	if s.cfg.AddCallerStackTraces {
		req.stack = captureStack(4)
	}
	ic := &inflightCall{req: req, resp: make(chan callResult, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: %w", ErrClosed)
	}
	s.exportCapture = &req.held
	encParams, err := s.encodeParamsLocked(params)
	s.exportCapture = nil
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	// Hold every object this request mentions for its full lifetime, so
	// the receiver dropping a reference early cannot unresolve it before
	// the paired response arrives.
	for _, oid := range req.held {
		if e := s.locals[oid]; e != nil {
			e.refs++
		}
	}
	s.inflight[req.id] = ic
	s.mu.Unlock()

	frame, err := json.Marshal(map[string]any{
		"type":       msgRequest,
		"id":         req.id,
		"receiver":   receiver,
		"method":     method,
		"parameters": encParams,
		"metadata":   metadata,
	})
	if err != nil {
		s.forgetInflight(req.id)
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := s.ch.Send(ctx, frame); err != nil {
		s.forgetInflight(req.id)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case r := <-ic.resp:
		if r.err != nil && s.cfg.AddCallerStackTraces {
			appendCallerStack(r.err, req.stack)
		}
		return r.value, r.err
	case <-ctx.Done():
		s.forgetInflight(req.id)
		return nil, ctx.Err()
	}
}

func (s *Session) forgetInflight(id string) {
	s.mu.Lock()
	if ic := s.inflight[id]; ic != nil {
		delete(s.inflight, id)
		s.releaseHeldLocked(ic.req.held)
	}
	s.mu.Unlock()
	s.maybeNotifyIdle()
}

// -------------------------------------------------------------------------
// Inbound dispatch

func (s *Session) handleFrame(frame []byte) {
	env, err := parseEnvelope(frame)
	if err != nil {
		s.fatal(err)
		return
	}
	switch env.Type {
	case msgRequest:
		s.handleRequest(env)
	case msgResponse:
		s.handleResponse(env)
	case msgPing:
		s.respondRaw(map[string]any{"type": msgPong})
	case msgPong:
		// Keep-alive bookkeeping lives in the durable socket.
	case msgEvent:
		// Reserved envelope type; ignored on receipt.
	default:
		s.log.Warn("unknown message type", "type", env.Type)
	}
}

func (s *Session) handleRequest(env *envelope) {
	if env.Receiver == nil {
		s.respondError(env.ID, &CallError{Code: errCodeInvalidCall, Reason: "no-receiver-specified"})
		return
	}
	receiver := s.lookupLocal(env.Receiver.ObjectID)
	if receiver == nil {
		s.respondError(env.ID, &CallError{Code: errCodeInvalidCall, Reason: "no-such-receiver"})
		return
	}
	params, err := s.decodeParams(env.Params)
	if err != nil {
		s.fatal(fmt.Errorf("decoding request %s: %w", env.ID, err))
		return
	}
	handler := receiver.method(env.Method)
	if handler == nil {
		s.respondError(env.ID, &CallError{
			Code:    errCodeInvalidCall,
			Message: fmt.Sprintf("No such method %q", env.Method),
		})
		return
	}

	// Decoding happened in arrival order; the invocation gets its own
	// goroutine so handlers can call back through the session.
	go s.invoke(env, receiver, handler, params)
}

func (s *Session) invoke(env *envelope, receiver *Object, handler MethodHandler, params []any) {
	ctx := withSession(context.Background(), s)
	info := DispatchInfo{
		Receiver:  env.Receiver.ObjectID,
		Method:    env.Method,
		RequestID: env.ID,
		Metadata:  env.Metadata,
	}
	var token HookToken
	if s.cfg.Hook != nil {
		ctx, token = s.cfg.Hook.OnDispatchStart(ctx, info)
	}
	value, err := func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, params)
	}()
	if s.cfg.Hook != nil {
		s.cfg.Hook.OnDispatchEnd(ctx, token, info, err)
	}
	if err != nil {
		s.respondError(env.ID, err)
		return
	}
	s.respondValue(env.ID, value)
}

func (s *Session) decodeParams(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var tree []any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parsing parameters: %w", err)
	}
	decoded, err := s.decode(tree)
	if err != nil {
		return nil, err
	}
	return decoded.([]any), nil
}

func (s *Session) respondValue(id string, value any) {
	s.mu.Lock()
	enc, err := s.encodeLocked(value)
	s.mu.Unlock()
	if err != nil {
		s.respondError(id, fmt.Errorf("encoding response: %w", err))
		return
	}
	s.respondRaw(map[string]any{"type": msgResponse, "id": id, "value": enc})
}

// respondError translates a handler failure into a wire error, applying
// the safe-exceptions and stack-masking policies.
func (s *Session) respondError(id string, err error) {
	var wire any
	var ce *CallError
	switch {
	case errors.As(err, &ce):
		wire = ce
	case s.cfg.SafeExceptions && !IsIntentional(err):
		s.log.Error("unhandled error in method handler",
			"error", err, "stack", captureStack(3))
		wire = internalErrorWire()
	default:
		wire = serializeError(err, s.cfg.MaskStackTraces)
	}
	s.respondRaw(map[string]any{"type": msgResponse, "id": id, "error": wire})
}

func (s *Session) respondRaw(msg map[string]any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshaling response", "error", err)
		return
	}
	if err := s.ch.Send(context.Background(), frame); err != nil {
		s.log.Error("sending response", "error", err)
	}
}

func (s *Session) handleResponse(env *envelope) {
	s.mu.Lock()
	ic := s.inflight[env.ID]
	delete(s.inflight, env.ID)
	s.mu.Unlock()
	if ic == nil {
		// Late response to a request already failed by state loss.
		s.log.Debug("response for unknown request", "id", env.ID)
		return
	}
	// The request's holds outlive value decoding: the response may itself
	// reference the argument objects.
	defer func() {
		s.mu.Lock()
		s.releaseHeldLocked(ic.req.held)
		s.mu.Unlock()
		s.maybeNotifyIdle()
	}()
	if len(env.Error) > 0 && string(env.Error) != "null" {
		var tree any
		if err := json.Unmarshal(env.Error, &tree); err != nil {
			ic.resp <- callResult{err: fmt.Errorf("parsing error response: %w", err)}
			s.fatal(err)
			return
		}
		ic.resp <- callResult{err: deserializeError(tree)}
		return
	}
	var tree any
	if len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, &tree); err != nil {
			ic.resp <- callResult{err: fmt.Errorf("parsing response: %w", err)}
			s.fatal(err)
			return
		}
	}
	value, err := s.decode(tree)
	if err != nil {
		ic.resp <- callResult{err: err}
		s.fatal(fmt.Errorf("decoding response %s: %w", env.ID, err))
		return
	}
	ic.resp <- callResult{value: value}
}

// handleStateLost fails every in-flight request so later completions can
// never surface wrong values. Reference registries are retained: a new
// channel means a new session, but within this one the sender-side entries
// stand for the record.
func (s *Session) handleStateLost(reason string) {
	s.mu.Lock()
	calls := s.drainInflightLocked()
	s.mu.Unlock()
	failCalls(calls, fmt.Errorf("%w: %s", ErrStateLost, reason))
	s.maybeNotifyIdle()
}

// -------------------------------------------------------------------------
// Idle tracking

func (s *Session) maybeNotifyIdle() {
	s.mu.Lock()
	idle := len(s.inflight) == 0 && len(s.outstanding) == 0
	s.mu.Unlock()
	if idle {
		s.idle.Emit(struct{}{})
	}
}

// Idle fires whenever the session has no in-flight requests and no
// outstanding references.
func (s *Session) Idle() *Event[struct{}] { return &s.idle }

// WaitIdle blocks until the session is idle or ctx is done.
func (s *Session) WaitIdle(ctx context.Context) error {
	done := make(chan struct{}, 1)
	sub := s.idle.Subscribe(func(struct{}) {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	defer sub.Unsubscribe()
	for {
		s.mu.Lock()
		idle := len(s.inflight) == 0 && len(s.outstanding) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

// -------------------------------------------------------------------------
// Locking

type ignoreLocksKey struct{}

// IgnoringLocks marks ctx so calls made with it bypass session locks. Lock
// callbacks receive an already-marked context, exempting their whole
// asynchronous scope.
func IgnoringLocks(ctx context.Context) context.Context {
	return context.WithValue(ctx, ignoreLocksKey{}, true)
}

func ignoresLocks(ctx context.Context) bool {
	v, _ := ctx.Value(ignoreLocksKey{}).(bool)
	return v
}

// Lock serializes fn onto the session's lock chain. While fn runs, calls
// from non-exempt contexts wait; fn itself runs with an exempt context.
// Subsequent Lock calls queue behind the current one.
func (s *Session) Lock(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case s.lockSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	gate := make(chan struct{})
	s.mu.Lock()
	s.lockGate = gate
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.lockGate = nil
		s.mu.Unlock()
		close(gate)
		<-s.lockSem
	}()
	return fn(IgnoringLocks(ctx))
}

func (s *Session) awaitLock(ctx context.Context) error {
	if ignoresLocks(ctx) {
		return nil
	}
	for {
		s.mu.Lock()
		gate := s.lockGate
		s.mu.Unlock()
		if gate == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
}

// -------------------------------------------------------------------------
// Session context

type sessionCtxKey struct{}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// SessionFromContext returns the session dispatching the current handler
// invocation, or nil.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionCtxKey{}).(*Session)
	return s
}
