package webrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Proxy is the local stand-in for a remote remotable. Method calls forward
// over the session as RPC requests; event subscriptions forward as
// subscribeToEvent calls on the peer's session object. At most one proxy
// exists per remote object on each peer, which is what preserves object
// identity across round-trips.
//
// Lifetime is explicit: the session hands out retained proxies, and the
// application's final Release schedules a finalize notice to the peer after
// the session's finalization delay. A reference that arrives for the same
// object inside that window revives the proxy and cancels the notice.
type Proxy struct {
	s        *Session
	objectID string

	// guarded by s.mu
	refID    string
	refs     int
	released bool
	finalize *time.Timer
}

// ObjectID returns the identity of the remote object this proxy stands for.
func (p *Proxy) ObjectID() string { return p.objectID }

// receiverRef is the descriptor form used when this proxy is named as a
// call receiver or passed back to its owner: remote to us, so side "R"
// with no reference allocation.
func (p *Proxy) receiverRef() *Ref {
	return &Ref{ObjectID: p.objectID, Side: SideRemote}
}

// MarshalJSON lets a proxy round-trip as a reference descriptor inside
// arbitrary JSON payloads.
func (p *Proxy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.receiverRef())
}

// Retain adds an application reference to the proxy.
func (p *Proxy) Retain() { p.s.retainProxy(p) }

// Release drops an application reference. When the last one goes, the
// session schedules a finalize notice to the peer after the finalization
// delay, releasing the remote object's strong hold.
func (p *Proxy) Release() { p.s.releaseProxy(p) }

// Invoke calls method on the remote object and returns the decoded result.
// Reference descriptors in the result materialize as proxies or resolve to
// local objects.
func (p *Proxy) Invoke(ctx context.Context, method string, params ...any) (any, error) {
	return p.s.call(ctx, p.receiverRef(), method, params, nil)
}

// InvokeWithMetadata is Invoke with an application metadata object carried
// on the request envelope, where dispatch hooks on the peer can read it.
func (p *Proxy) InvokeWithMetadata(ctx context.Context, method string, metadata map[string]any, params ...any) (any, error) {
	return p.s.call(ctx, p.receiverRef(), method, params, metadata)
}

// Call invokes method and decodes the result into out, which may be nil
// when no result is expected, a *Proxy pointer for reference results, or
// any JSON-decodable destination.
func (p *Proxy) Call(ctx context.Context, method string, out any, params ...any) error {
	v, err := p.Invoke(ctx, method, params...)
	if err != nil {
		return err
	}
	return assignResult(v, out)
}

// SubscribeEvent subscribes observer to the named event on the remote
// object. The observer runs on the session's dispatch goroutines, once per
// emitted value, until the returned subscription is cancelled.
func (p *Proxy) SubscribeEvent(ctx context.Context, name string, observer func(any)) (*RemoteSubscription, error) {
	obs := NewObject().Handle("next", func(v any) {
		observer(v)
	})
	v, err := p.s.Remote().Invoke(ctx, "subscribeToEvent", p, name, obs)
	if err != nil {
		return nil, err
	}
	handle, ok := v.(*Proxy)
	if !ok {
		return nil, fmt.Errorf("subscribeToEvent returned %T, not a subscription reference", v)
	}
	return &RemoteSubscription{handle: handle, observer: obs}, nil
}

// RemoteSubscription is the local handle for an event subscription living
// on the peer.
type RemoteSubscription struct {
	handle   *Proxy
	observer *Object
}

// Unsubscribe cancels the subscription on the peer and releases the handle.
func (rs *RemoteSubscription) Unsubscribe(ctx context.Context) error {
	err := rs.handle.Call(ctx, "unsubscribe", nil)
	rs.handle.Release()
	return err
}

// assignResult moves a decoded call result into out.
func assignResult(v any, out any) error {
	if out == nil {
		return nil
	}
	ov := reflect.ValueOf(out)
	if ov.Kind() != reflect.Ptr || ov.IsNil() {
		return fmt.Errorf("result destination must be a non-nil pointer, got %T", out)
	}
	if v == nil {
		ov.Elem().Set(reflect.Zero(ov.Elem().Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(ov.Elem().Type()) {
		ov.Elem().Set(rv)
		return nil
	}
	if rv.Type() == kProxyType || rv.Type() == kObjectType {
		return fmt.Errorf("cannot decode a reference result into %T", out)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding call result: %w", err)
	}
	return nil
}
