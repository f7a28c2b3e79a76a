package webrpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func registerCalc(t *testing.T, s *Session) {
	t.Helper()
	def := NewServiceDef("calc", func(*Session) *Object {
		return NewObject().
			Handle("add", func(a, b float64) float64 { return a + b }).
			Handle("concat", func(parts []string) string { return strings.Join(parts, "") })
	})
	assertNoError(t, s.RegisterService(def))
}

func TestSimpleCall(t *testing.T) {
	defer recoverAsFail(t)
	a, b, _, _ := newSessionPair(t, nil, nil)
	registerCalc(t, a)
	ctx := testContext(t)

	svc, err := b.GetRemoteService(ctx, "calc")
	assertNoError(t, err)
	var sum float64
	assertNoError(t, svc.Call(ctx, "add", &sum, 2, 3))
	assertEq(t, 5.0, sum)

	var joined string
	assertNoError(t, svc.Call(ctx, "concat", &joined, []any{"a", "b", "c"}))
	assertEq(t, "abc", joined)
}

func TestUnknownService(t *testing.T) {
	_, b, _, _ := newSessionPair(t, nil, nil)
	svc, err := b.GetRemoteService(testContext(t), "nope")
	assertNoError(t, err)
	if svc != nil {
		t.Errorf("expected nil proxy for unknown service, got %v", svc)
	}
}

func TestNoSuchMethod(t *testing.T) {
	a, b, _, _ := newSessionPair(t, nil, nil)
	registerCalc(t, a)
	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "calc")
	assertNoError(t, err)
	_, err = svc.Invoke(ctx, "subtract")
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CallError, got %v (%T)", err, err)
	}
	assertEq(t, errCodeInvalidCall, ce.Code)
	assertError(t, "no such method", err)
}

func TestNoSuchReceiver(t *testing.T) {
	_, b, _, _ := newSessionPair(t, nil, nil)
	ghost := &Proxy{s: b, objectID: "not-an-object"}
	_, err := ghost.Invoke(testContext(t), "anything")
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CallError, got %v (%T)", err, err)
	}
	assertEq(t, "no-such-receiver", ce.Reason)
}

func TestNoReceiverSpecified(t *testing.T) {
	_, b, _, _ := newSessionPair(t, nil, nil)
	_, err := b.call(testContext(t), nil, "anything", nil, nil)
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CallError, got %v (%T)", err, err)
	}
	assertEq(t, "no-receiver-specified", ce.Reason)
}

// Passing a local object out and getting it back must yield the identical
// instance, however many times it crosses the wire.
func TestPassThroughIdentity(t *testing.T) {
	defer recoverAsFail(t)
	a, b, _, _ := newSessionPair(t, fastConfig(), fastConfig())
	def := NewServiceDef("relay", func(*Session) *Object {
		return NewObject().Handle("doStuff", func(ctx context.Context, cb *Proxy) (any, error) {
			for i := 0; i < 3; i++ {
				if _, err := cb.Invoke(ctx, "callback", "x"); err != nil {
					return nil, err
				}
			}
			return cb, nil
		})
	})
	assertNoError(t, a.RegisterService(def))

	var mu sync.Mutex
	var got strings.Builder
	k := NewObject().Handle("callback", func(v string) {
		mu.Lock()
		got.WriteString(v)
		mu.Unlock()
	})

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "relay")
	assertNoError(t, err)
	res, err := svc.Invoke(ctx, "doStuff", k)
	assertNoError(t, err)
	if res != any(k) {
		t.Errorf("expected the identical callback object back, got %T %v", res, res)
	}
	mu.Lock()
	assertEq(t, "xxx", got.String())
	mu.Unlock()
}

// Duplicate descriptors for one object collapse onto a single proxy, and
// the sender ends up retaining exactly one outstanding reference.
func TestDuplicateDescriptorCollapse(t *testing.T) {
	shared := NewObject().Handle("ping", func() string { return "pong" })
	a, b, _, _ := newSessionPair(t, fastConfig(), fastConfig())
	def := NewServiceDef("box", func(*Session) *Object {
		return NewObject().Handle("get", func() *Object { return shared })
	})
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "box")
	assertNoError(t, err)

	get := func() *Proxy {
		v, err := svc.Invoke(ctx, "get")
		assertNoError(t, err)
		p, ok := v.(*Proxy)
		if !ok {
			t.Fatalf("expected proxy, got %T", v)
		}
		return p
	}
	p1 := get()
	p2 := get()
	if p1 != p2 {
		t.Errorf("expected one proxy per remote object, got two")
	}
	waitFor(t, time.Second, func() bool {
		return a.OutstandingRefs(shared.ID()) == 1
	}, "duplicate reference to be finalized")
}

// Dropping the last proxy handle releases the sender's hold within the
// finalization delay.
func TestGCRoundTrip(t *testing.T) {
	shared := NewObject().Handle("ping", func() string { return "pong" })
	a, b, _, _ := newSessionPair(t, fastConfig(), fastConfig())
	def := NewServiceDef("box", func(*Session) *Object {
		return NewObject().Handle("get", func() *Object { return shared })
	})
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "box")
	assertNoError(t, err)
	v, err := svc.Invoke(ctx, "get")
	assertNoError(t, err)
	p := v.(*Proxy)
	assertEq(t, 1, a.OutstandingRefs(shared.ID()))

	p.Release()
	waitFor(t, time.Second, func() bool {
		return a.OutstandingRefs(shared.ID()) == 0
	}, "outstanding reference to drop after release")
	waitFor(t, time.Second, func() bool {
		return a.lookupLocal(shared.ID()) == nil
	}, "local-object entry to drop")

	// A fresh fetch materializes a new proxy bound to a new reference.
	v2, err := svc.Invoke(ctx, "get")
	assertNoError(t, err)
	p2 := v2.(*Proxy)
	if p2 == p {
		t.Errorf("expected a fresh proxy after finalization")
	}
	var pong string
	assertNoError(t, p2.Call(ctx, "ping", &pong))
	assertEq(t, "pong", pong)
}

// A descriptor arriving within the finalization window revives the proxy:
// the object stays alive and exactly one reference remains outstanding.
func TestFinalizationRace(t *testing.T) {
	shared := NewObject().Handle("ping", func() string { return "pong" })
	acfg := fastConfig()
	bcfg := DefaultSessionConfig()
	bcfg.FinalizationDelay = 100 * time.Millisecond
	a, b, _, _ := newSessionPair(t, acfg, &bcfg)
	def := NewServiceDef("box", func(*Session) *Object {
		return NewObject().Handle("get", func() *Object { return shared })
	})
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "box")
	assertNoError(t, err)
	v, err := svc.Invoke(ctx, "get")
	assertNoError(t, err)
	p := v.(*Proxy)

	p.Release() // schedules the finalize notice
	v2, err := svc.Invoke(ctx, "get")
	assertNoError(t, err)
	p2 := v2.(*Proxy)
	if p2 != p {
		t.Errorf("expected the revived proxy, got a fresh one")
	}

	time.Sleep(200 * time.Millisecond) // well past the debounce
	assertEq(t, 1, a.OutstandingRefs(shared.ID()))
	var pong string
	assertNoError(t, p2.Call(ctx, "ping", &pong))
	assertEq(t, "pong", pong)
}

// Objects passed as parameters stay resolvable on the sender until the
// paired response arrives, even if the receiver drops them instantly.
func TestInFlightRetention(t *testing.T) {
	a, b, _, _ := newSessionPair(t, fastConfig(), fastConfig())
	release := make(chan struct{})
	def := NewServiceDef("sink", func(*Session) *Object {
		return NewObject().Handle("hold", func(ctx context.Context, cb *Proxy) (any, error) {
			cb.Release() // receiver drops its only handle immediately
			<-release    // outlive the finalization debounce
			return cb, nil
		})
	})
	assertNoError(t, a.RegisterService(def))

	k := NewObject().Handle("callback", func() {})
	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "sink")
	assertNoError(t, err)

	done := make(chan struct{})
	var res any
	var callErr error
	go func() {
		res, callErr = svc.Invoke(ctx, "hold", k)
		close(done)
	}()

	// Wait for the argument to be exported with the request, then for the
	// early finalize notice to land, then confirm the object is still
	// resolvable thanks to the in-flight hold.
	waitFor(t, time.Second, func() bool {
		return b.lookupLocal(k.ID()) != nil
	}, "argument object to be exported with the request")
	waitFor(t, time.Second, func() bool {
		return b.OutstandingRefs(k.ID()) == 0
	}, "receiver's early finalize to land")
	if b.lookupLocal(k.ID()) == nil {
		t.Fatalf("argument object unresolvable while its request is in flight")
	}

	close(release)
	<-done
	assertNoError(t, callErr)
	if res != any(k) {
		t.Errorf("expected the identical object back, got %T", res)
	}
	waitFor(t, time.Second, func() bool {
		return b.lookupLocal(k.ID()) == nil
	}, "local entry to drop once the request completes")
}

func TestStateLossFailsInflight(t *testing.T) {
	a, b, _, bch := newSessionPair(t, nil, nil)
	release := make(chan struct{})
	def := NewServiceDef("slow", func(*Session) *Object {
		return NewObject().
			Handle("wait", func() string { <-release; return "late" }).
			Handle("quick", func() string { return "ok" })
	})
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "slow")
	assertNoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Invoke(ctx, "wait")
		done <- err
	}()
	waitFor(t, time.Second, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.inflight) > 0
	}, "request to be in flight")

	bch.LoseState("transport reset")
	err = <-done
	if !errors.Is(err, ErrStateLost) {
		t.Fatalf("expected ErrStateLost, got %v", err)
	}

	// The late response must not resolve any later call.
	close(release)
	var out string
	assertNoError(t, svc.Call(ctx, "quick", &out))
	assertEq(t, "ok", out)
}

func TestSafeExceptions(t *testing.T) {
	rec := &logRecorder{}
	acfg := DefaultSessionConfig()
	acfg.Logger = slog.New(rec)
	a, b, _, _ := newSessionPair(t, &acfg, nil)
	def := NewServiceDef("faulty", func(*Session) *Object {
		return NewObject().
			Handle("internal", func() error { return NewError(KindType, "secret detail") }).
			Handle("intentional", func() error { return Raise(NewError(KindType, "told you so")) })
	})
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "faulty")
	assertNoError(t, err)

	_, err = svc.Invoke(ctx, "internal")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %v (%T)", err, err)
	}
	assertEq(t, KindInternal, re.Name)
	assertEq(t, "internal error", re.Message)
	if rec.count(slog.LevelError) == 0 {
		t.Errorf("expected the callee to log the true error at severity error")
	}

	_, err = svc.Invoke(ctx, "intentional")
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %v (%T)", err, err)
	}
	assertEq(t, KindType, re.Name)
	assertEq(t, "told you so", re.Message)
}

func TestMaskedStackTraces(t *testing.T) {
	acfg := DefaultSessionConfig()
	bcfg := DefaultSessionConfig()
	bcfg.AddCallerStackTraces = false
	a, b, _, _ := newSessionPair(t, &acfg, &bcfg)
	def := NewServiceDef("faulty", func(*Session) *Object {
		return NewObject().Handle("boom", func() error {
			return Raise(&RemoteError{Name: KindRange, Message: "out of range", Stack: "RangeError: out of range\n    at somewhere"})
		})
	})
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "faulty")
	assertNoError(t, err)
	_, err = svc.Invoke(ctx, "boom")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	assertEq(t, "RangeError: out of range", re.Stack)
}

func TestUnmaskedStackTraces(t *testing.T) {
	acfg := DefaultSessionConfig()
	acfg.MaskStackTraces = false
	bcfg := DefaultSessionConfig()
	bcfg.AddCallerStackTraces = false
	a, b, _, _ := newSessionPair(t, &acfg, &bcfg)
	stack := "RangeError: out of range\n    at somewhere deep"
	def := NewServiceDef("faulty", func(*Session) *Object {
		return NewObject().Handle("boom", func() error {
			return Raise(&RemoteError{Name: KindRange, Message: "out of range", Stack: stack})
		})
	})
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "faulty")
	assertNoError(t, err)
	_, err = svc.Invoke(ctx, "boom")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	assertEq(t, stack, re.Stack)
}

func TestCallerStackTraces(t *testing.T) {
	a, b, _, _ := newSessionPair(t, nil, nil)
	def := NewServiceDef("faulty", func(*Session) *Object {
		return NewObject().Handle("boom", func() error {
			return Raise(NewError(KindType, "x"))
		})
	})
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "faulty")
	assertNoError(t, err)
	_, err = svc.Invoke(ctx, "boom")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	if !strings.Contains(re.Stack, "--- caller ---") {
		t.Errorf("expected caller delimiter in stack, got %q", re.Stack)
	}
	if !strings.Contains(re.Stack, "TestCallerStackTraces") {
		t.Errorf("expected the call site in the appended stack, got %q", re.Stack)
	}
}

func TestLockSerializesCalls(t *testing.T) {
	a, b, _, _ := newSessionPair(t, nil, nil)
	registerCalc(t, a)
	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "calc")
	assertNoError(t, err)

	insideDone := make(chan struct{})
	outsideDone := make(chan struct{})
	locked := make(chan struct{})

	go func() {
		<-locked
		var sum float64
		if err := svc.Call(ctx, "add", &sum, 1, 1); err != nil {
			t.Error(err)
		}
		close(outsideDone)
	}()

	err = b.Lock(ctx, func(lctx context.Context) error {
		close(locked)
		// Calls in the lock's scope are exempt.
		var sum float64
		if err := svc.Call(lctx, "add", &sum, 2, 2); err != nil {
			return err
		}
		// The outside call must still be waiting on the lock.
		select {
		case <-outsideDone:
			t.Error("call outside the lock scope completed while locked")
		case <-time.After(30 * time.Millisecond):
		}
		close(insideDone)
		return nil
	})
	assertNoError(t, err)
	<-insideDone
	select {
	case <-outsideDone:
	case <-time.After(time.Second):
		t.Fatal("outside call never completed after unlock")
	}
}

func TestWaitIdle(t *testing.T) {
	a, b, _, _ := newSessionPair(t, nil, nil)
	registerCalc(t, a)
	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "calc")
	assertNoError(t, err)
	var sum float64
	assertNoError(t, svc.Call(ctx, "add", &sum, 1, 2))
	assertNoError(t, b.WaitIdle(ctx))
}

func TestEventSubscription(t *testing.T) {
	feed := NewObject()
	ticks := feed.DefineEvent("tick")
	a, b, _, _ := newSessionPair(t, nil, nil)
	def := NewServiceDef("feed", func(*Session) *Object { return feed })
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "feed")
	assertNoError(t, err)

	var mu sync.Mutex
	var got []any
	sub, err := svc.SubscribeEvent(ctx, "tick", func(v any) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	assertNoError(t, err)
	assertEq(t, 1, ticks.SubscriberCount())

	ticks.Emit("one")
	ticks.Emit("two")
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "both events to be observed")
	mu.Lock()
	assertEq(t, "one", got[0])
	assertEq(t, "two", got[1])
	mu.Unlock()

	assertNoError(t, sub.Unsubscribe(ctx))
	assertEq(t, 0, ticks.SubscriberCount())
	ticks.Emit("three")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assertEq(t, 2, len(got))
	mu.Unlock()
}

// Closing the session must tear down every live inbound subscription,
// worker included, even when the subscriber never sent an unsubscribe.
func TestSessionCloseTearsDownSubscriptions(t *testing.T) {
	feed := NewObject()
	ticks := feed.DefineEvent("tick")
	a, b, _, _ := newSessionPair(t, nil, nil)
	def := NewServiceDef("feed", func(*Session) *Object { return feed })
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "feed")
	assertNoError(t, err)
	_, err = svc.SubscribeEvent(ctx, "tick", func(any) {})
	assertNoError(t, err)
	_, err = svc.SubscribeEvent(ctx, "tick", func(any) {})
	assertNoError(t, err)
	assertEq(t, 2, ticks.SubscriberCount())

	a.Close()
	assertEq(t, 0, ticks.SubscriberCount())
	a.mu.Lock()
	assertEq(t, 0, len(a.remoteSubs))
	a.mu.Unlock()
}

func TestSubscribeToUnknownEvent(t *testing.T) {
	feed := NewObject()
	a, b, _, _ := newSessionPair(t, nil, nil)
	def := NewServiceDef("feed", func(*Session) *Object { return feed })
	assertNoError(t, a.RegisterService(def))

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "feed")
	assertNoError(t, err)
	_, err = svc.SubscribeEvent(ctx, "nope", func(any) {})
	assertError(t, "no event", err)
}

func TestDuplicateServiceRegistration(t *testing.T) {
	a, _, _, _ := newSessionPair(t, nil, nil)
	def := NewServiceDef("twice", func(*Session) *Object { return NewObject() })
	assertNoError(t, a.RegisterService(def))
	assertError(t, "already registered", a.RegisterService(def))
}

func TestReservedEventEnvelopeIgnored(t *testing.T) {
	a, b, _, bch := newSessionPair(t, nil, nil)
	registerCalc(t, a)
	ctx := testContext(t)
	assertNoError(t, bch.Send(ctx, []byte(`{"type":"event","name":"x"}`)))
	// The session must stay fully operational.
	svc, err := b.GetRemoteService(ctx, "calc")
	assertNoError(t, err)
	var sum float64
	assertNoError(t, svc.Call(ctx, "add", &sum, 3, 4))
	assertEq(t, 7.0, sum)
}

type recordingHook struct {
	mu    sync.Mutex
	infos []DispatchInfo
	errs  []error
}

func (h *recordingHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	return ctx, info.RequestID
}

func (h *recordingHook) OnDispatchEnd(_ context.Context, token HookToken, info DispatchInfo, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if token != info.RequestID {
		h.errs = append(h.errs, errors.New("token mismatch"))
	}
	h.infos = append(h.infos, info)
	h.errs = append(h.errs, err)
}

func TestDispatchHook(t *testing.T) {
	hook := &recordingHook{}
	acfg := DefaultSessionConfig()
	acfg.Hook = hook
	a, b, _, _ := newSessionPair(t, &acfg, nil)
	registerCalc(t, a)

	ctx := testContext(t)
	svc, err := b.GetRemoteService(ctx, "calc")
	assertNoError(t, err)
	_, err = svc.InvokeWithMetadata(ctx, "add", map[string]any{"trace": "t-1"}, 1, 2)
	assertNoError(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	var addInfo *DispatchInfo
	for i := range hook.infos {
		if hook.infos[i].Method == "add" {
			addInfo = &hook.infos[i]
		}
	}
	if addInfo == nil {
		t.Fatal("hook never saw the add dispatch")
	}
	assertEq(t, "calc", addInfo.Receiver)
	assertEq(t, "t-1", addInfo.Metadata["trace"])
	for _, e := range hook.errs {
		assertNoError(t, e)
	}
}

func TestPingPong(t *testing.T) {
	_, _, _, bch := newSessionPair(t, nil, nil)
	got := make(chan []byte, 1)
	bch.Received().Subscribe(func(f []byte) {
		if strings.Contains(string(f), "pong") {
			select {
			case got <- f:
			default:
			}
		}
	})
	assertNoError(t, bch.Send(testContext(t), []byte(`{"type":"ping"}`)))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("no pong")
	}
}
