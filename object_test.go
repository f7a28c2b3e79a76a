package webrpc

import (
	"context"
	"testing"
)

func TestHandleSignatures(t *testing.T) {
	defer recoverAsFail(t)
	ctx := context.Background()
	o := NewObject().
		Handle("full", func(ctx context.Context, a float64) (float64, error) { return a * 2, nil }).
		Handle("plain", func(a, b float64) float64 { return a + b }).
		Handle("errOnly", func() error { return nil }).
		Handle("nothing", func() {}).
		Handle("valOnly", func() string { return "v" })

	v, err := o.method("full")(ctx, []any{21.0})
	assertNoError(t, err)
	assertEq(t, 42.0, v)

	v, err = o.method("plain")(ctx, []any{1.0, 2.0})
	assertNoError(t, err)
	assertEq(t, 3.0, v)

	v, err = o.method("errOnly")(ctx, nil)
	assertNoError(t, err)
	if v != nil {
		t.Errorf("expected nil value, got %v", v)
	}

	_, err = o.method("nothing")(ctx, nil)
	assertNoError(t, err)

	v, err = o.method("valOnly")(ctx, nil)
	assertNoError(t, err)
	assertEq(t, "v", v)
}

func TestHandleBadSignature(t *testing.T) {
	assertPanic(t, "handler must be a function", func() {
		NewObject().Handle("x", 42)
	})
	assertPanic(t, "variadic", func() {
		NewObject().Handle("x", func(args ...int) {})
	})
	assertPanic(t, "second return value", func() {
		NewObject().Handle("x", func() (int, string) { return 0, "" })
	})
}

func TestHandleStructParams(t *testing.T) {
	type point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	o := NewObject().Handle("norm", func(p point) float64 { return p.X + p.Y })
	// Decoded JSON arrives as map[string]any.
	v, err := o.method("norm")(context.Background(), []any{map[string]any{"x": 1.0, "y": 2.0}})
	assertNoError(t, err)
	assertEq(t, 3.0, v)
}

func TestHandleIntCoercion(t *testing.T) {
	o := NewObject().Handle("inc", func(n int) int { return n + 1 })
	// Wire numbers decode as float64 and must coerce to the declared type.
	v, err := o.method("inc")(context.Background(), []any{float64(41)})
	assertNoError(t, err)
	assertEq(t, 42, v)
}

func TestHandleMissingParams(t *testing.T) {
	o := NewObject().Handle("echo", func(s string) string { return s })
	v, err := o.method("echo")(context.Background(), nil)
	assertNoError(t, err)
	assertEq(t, "", v)
}

type testGreeter struct{}

func (testGreeter) Greet(name string) string { return "hello " + name }
func (testGreeter) Count() int               { return 7 }
func (testGreeter) unexported()              {}

func TestObjectOf(t *testing.T) {
	o := ObjectOf(testGreeter{})
	assertTrue(t, o.allowAll, "allow-all marker on reflected objects")
	if o.method("greet") == nil {
		t.Fatal("expected exported method bound under lowered name")
	}
	if o.method("unexported") != nil {
		t.Fatal("unexported method must not be bound")
	}
	v, err := o.method("greet")(context.Background(), []any{"bob"})
	assertNoError(t, err)
	assertEq(t, "hello bob", v)
}

func TestObjectIDStampedOnce(t *testing.T) {
	o := NewObject()
	id := o.ID()
	if id == "" {
		t.Fatal("empty object ID")
	}
	assertEq(t, id, o.ID())
}
