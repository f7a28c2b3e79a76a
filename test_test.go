package webrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"
	"testing"
	"time"
)

// jsonRoundTrip pushes v through JSON marshaling and back, the way the
// wire would.
func jsonRoundTrip(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

// recoverAsFail catches a panic and converts it into a test failure.
// Example:
//
//	func TestThing(t *testing.T) {
//	  defer recoverAsFail(t)
//	  somethingThatMayPanic()
//	}
func recoverAsFail(t *testing.T) {
	if v := recover(); v != nil {
		t.Log(v)
		t.Log(string(debug.Stack()))
		t.Fail()
	}
}

func assertPanic(t *testing.T, expectedPanicRegExp string, f func()) {
	// Note: (?i) makes it case-insensitive
	t.Helper()
	expected := regexp.MustCompile("(?i)" + expectedPanicRegExp)
	defer func() {
		if v := recover(); v != nil {
			panicMsg := fmt.Sprint(v)
			if !expected.MatchString(panicMsg) {
				t.Log(string(debug.Stack()))
				t.Errorf("expected panic to match %q but got %q", expectedPanicRegExp, panicMsg)
			}
		} else {
			t.Errorf("expected panic (but there was no panic)")
		}
	}()
	f()
}

func assertError(t *testing.T, expectedErrorRegExp string, e error) {
	t.Helper()
	expected := regexp.MustCompile("(?i)" + expectedErrorRegExp)
	if e == nil {
		t.Errorf("expected error (but error is nil)")
	} else if !expected.MatchString(e.Error()) {
		t.Errorf("expected error to match %q but got %q", expectedErrorRegExp, e.Error())
	}
}

func assertNoError(t *testing.T, e error) {
	t.Helper()
	if e != nil {
		t.Fatalf("unexpected error: %v", e)
	}
}

func reprValue(v any) string {
	switch v.(type) {
	case []byte, string:
		return fmt.Sprintf("%q", v)
	}
	return fmt.Sprintf("%#v", v)
}

func assertEq(t *testing.T, expect, actual any) {
	t.Helper()
	if actual != expect {
		t.Errorf("expected %s (%T) but got %s (%T)",
			reprValue(expect), expect, reprValue(actual), actual)
	}
}

func assertTrue(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Errorf("expected %s", msg)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newSessionPair wires two sessions over an in-memory pipe. a is typically
// the "server" side in tests (services registered on it), b the caller.
func newSessionPair(t *testing.T, acfg, bcfg *SessionConfig) (a, b *Session, ach, bch *PipeChannel) {
	ach, bch = NewPipe()
	a = NewSession(ach, acfg)
	b = NewSession(bch, bcfg)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, ach, bch
}

// fastConfig returns a session config with a short finalization debounce
// so GC round-trip tests settle quickly.
func fastConfig() *SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.FinalizationDelay = 20 * time.Millisecond
	return &cfg
}

// logRecorder captures slog output for assertions.
type logRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) count(level slog.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Level == level {
			n++
		}
	}
	return n
}
