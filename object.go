package webrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

// MethodHandler is the dispatch-table form of a remotable method. Parameters
// arrive decoded: plain JSON data as Go values, reference descriptors as
// live *Proxy values.
type MethodHandler func(ctx context.Context, params []any) (any, error)

// Object is a remotable value: its identity persists across the wire via
// reference descriptors instead of being deep-copied. Methods are exposed
// through a string-keyed dispatch table and events through named
// EventSources. An Object can back a registered service, or be created
// inline as a callback or observer and passed as a call argument.
type Object struct {
	mu       sync.Mutex
	id       string
	methods  map[string]MethodHandler
	sigs     map[string]*methodSig
	events   map[string]*EventSource
	allowAll bool
}

// NewObject creates an empty remotable object.
func NewObject() *Object {
	return &Object{
		methods: make(map[string]MethodHandler),
		sigs:    make(map[string]*methodSig),
		events:  make(map[string]*EventSource),
	}
}

// ID returns the object's wire identity, stamping it on first use.
func (o *Object) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return o.id
}

func (o *Object) setID(id string) {
	o.mu.Lock()
	o.id = id
	o.mu.Unlock()
}

// Handle exposes a method under name with automatic decoding of parameters.
//
// fn must be a func. It may take a leading context.Context, then a leading
// *Session, then any number of decodable parameters. It may return
// (T, error), T, error, or nothing. Panics if fn does not conform.
func (o *Object) Handle(name string, fn any) *Object {
	if h, ok := fn.(MethodHandler); ok {
		return o.HandleFunc(name, h)
	}
	if h, ok := fn.(func(ctx context.Context, params []any) (any, error)); ok {
		return o.HandleFunc(name, h)
	}
	handler, sig, err := adaptMethod(reflect.ValueOf(fn))
	if err != nil {
		panic("webrpc: " + err.Error())
	}
	o.HandleFunc(name, handler)
	o.mu.Lock()
	o.sigs[name] = sig
	o.mu.Unlock()
	return o
}

// HandleFunc exposes a raw dispatch-table method under name.
func (o *Object) HandleFunc(name string, fn MethodHandler) *Object {
	o.mu.Lock()
	o.methods[name] = fn
	o.mu.Unlock()
	return o
}

func (o *Object) method(name string) MethodHandler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.methods[name]
}

func (o *Object) methodNames() []string {
	o.mu.Lock()
	names := make([]string, 0, len(o.methods))
	for name := range o.methods {
		names = append(names, name)
	}
	o.mu.Unlock()
	sort.Strings(names)
	return names
}

func (o *Object) methodSig(name string) *methodSig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sigs[name]
}

// DefineEvent declares a named observable event on the object, creating it
// on first use.
func (o *Object) DefineEvent(name string) *EventSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	es := o.events[name]
	if es == nil {
		es = &EventSource{name: name}
		o.events[name] = es
	}
	return es
}

// Event returns the named event source, or nil if it was never defined.
func (o *Object) Event(name string) *EventSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[name]
}

func (o *Object) eventNames() []string {
	o.mu.Lock()
	names := make([]string, 0, len(o.events))
	for name := range o.events {
		names = append(names, name)
	}
	o.mu.Unlock()
	sort.Strings(names)
	return names
}

// ObjectOf binds every exported method of v into a remotable Object,
// exposing each under its name with the first letter lowered. Methods whose
// signatures cannot be adapted are skipped. The returned object carries the
// allow-all-calls marker.
func ObjectOf(v any) *Object {
	o := NewObject()
	o.allowAll = true
	rv := reflect.ValueOf(v)
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if !m.IsExported() {
			continue
		}
		handler, sig, err := adaptMethod(rv.Method(i))
		if err != nil {
			continue
		}
		name := lowerFirst(m.Name)
		o.HandleFunc(name, handler)
		o.mu.Lock()
		o.sigs[name] = sig
		o.mu.Unlock()
	}
	return o
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// -------------------------------------------------------------------------
// Reflection adapter

var (
	kErrorType   = reflect.TypeOf((*error)(nil)).Elem()
	kContextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	kSessionType = reflect.TypeOf((*Session)(nil))
	kProxyType   = reflect.TypeOf((*Proxy)(nil))
	kObjectType  = reflect.TypeOf((*Object)(nil))
	kAnyType     = reflect.TypeOf((*any)(nil)).Elem()
)

// methodSig records the adapted shape of a method for introspection.
type methodSig struct {
	params  []reflect.Type
	results []reflect.Type
}

// adaptMethod adapts a typed func into a MethodHandler plus its recorded
// signature.
func adaptMethod(fnv reflect.Value) (MethodHandler, *methodSig, error) {
	fnt := fnv.Type()
	if fnt.Kind() != reflect.Func {
		return nil, nil, fmt.Errorf("handler must be a function, got %s", fnt)
	}
	if fnt.IsVariadic() {
		return nil, nil, fmt.Errorf("variadic handlers are not supported")
	}

	numOut := fnt.NumOut()
	if numOut > 2 {
		return nil, nil, fmt.Errorf("handler returns too many values")
	}
	hasErr := numOut > 0 && fnt.Out(numOut-1) == kErrorType
	hasVal := numOut == 2 || (numOut == 1 && !hasErr)
	if numOut == 2 && !hasErr {
		return nil, nil, fmt.Errorf("handler's second return value must be error")
	}

	in := 0
	wantCtx := fnt.NumIn() > in && fnt.In(in) == kContextType
	if wantCtx {
		in++
	}
	wantSession := fnt.NumIn() > in && fnt.In(in) == kSessionType
	if wantSession {
		in++
	}
	paramTypes := make([]reflect.Type, 0, fnt.NumIn()-in)
	for ; in < fnt.NumIn(); in++ {
		paramTypes = append(paramTypes, fnt.In(in))
	}
	sig := &methodSig{params: paramTypes}
	for i := 0; i < numOut; i++ {
		sig.results = append(sig.results, fnt.Out(i))
	}

	handler := func(ctx context.Context, params []any) (any, error) {
		args := make([]reflect.Value, 0, fnt.NumIn())
		if wantCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		if wantSession {
			s := SessionFromContext(ctx)
			if s == nil {
				return nil, fmt.Errorf("no session in handler context")
			}
			args = append(args, reflect.ValueOf(s))
		}
		for i, pt := range paramTypes {
			var v any
			if i < len(params) {
				v = params[i]
			}
			av, err := convertParam(v, pt)
			if err != nil {
				return nil, &CallError{
					Code:    errCodeInvalidCall,
					Message: fmt.Sprintf("parameter %d: %v", i, err),
				}
			}
			args = append(args, av)
		}
		results := fnv.Call(args)
		var value any
		if hasVal {
			value = results[0].Interface()
		}
		if hasErr && !results[len(results)-1].IsNil() {
			return value, results[len(results)-1].Interface().(error)
		}
		return value, nil
	}
	return handler, sig, nil
}

// convertParam coerces a decoded parameter into the handler's declared
// type. Proxies and objects pass through by assignability; plain data takes
// a JSON round-trip so maps decode into structs and numbers into their
// declared widths.
func convertParam(v any, t reflect.Type) (reflect.Value, error) {
	if t == kAnyType {
		return reflect.ValueOf(&v).Elem(), nil
	}
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type() == kProxyType || rv.Type() == kObjectType {
		return reflect.Value{}, fmt.Errorf("cannot pass a reference as %s", t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, err
	}
	pv := reflect.New(t)
	if err := json.Unmarshal(b, pv.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("unexpected parameter type: %w", err)
	}
	return pv.Elem(), nil
}
