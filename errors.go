package webrpc

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

var (
	// ErrClosed is returned by operations on a closed session or channel.
	ErrClosed = errors.New("closed")

	// ErrStateLost fails every in-flight request at the moment the
	// underlying channel loses its state.
	ErrStateLost = errors.New("channel state was lost")
)

// CallError is the wire error for requests that never reached a handler:
// missing receiver, unresolvable receiver, or unexposed method.
type CallError struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *CallError) Error() string {
	s := e.Code
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

const errCodeInvalidCall = "invalid-call"

// SocketError is the terminal failure of a durable socket, carried on its
// Closed event after the reconnect budget is exhausted.
type SocketError struct {
	Code   int
	Reason string
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket error %d: %s", e.Code, e.Reason)
}

// RemoteError is the generic carrier for an error received from the peer.
// Registered error kinds deserialize into a RemoteError bearing their kind
// name; unknown kinds keep whatever name, message and stack the wire had.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
	Fields  map[string]any
	Errs    []error // aggregate children
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Unwrap exposes aggregate children to errors.Is / errors.As.
func (e *RemoteError) Unwrap() []error { return e.Errs }

// ErrorName implements the wire-naming interface so a RemoteError
// round-trips under its own kind.
func (e *RemoteError) ErrorName() string { return e.Name }

// NewError constructs an error of a registered (or application) kind.
func NewError(name, message string) *RemoteError {
	return &RemoteError{Name: name, Message: message}
}

// Standard registered error kinds, mirroring the language-independent set.
const (
	KindGeneric   = "GenericError"
	KindEval      = "EvalError"
	KindRange     = "RangeError"
	KindReference = "ReferenceError"
	KindSyntax    = "SyntaxError"
	KindType      = "TypeError"
	KindURI       = "URIError"
	KindAggregate = "AggregateError"
	KindInternal  = "InternalError" // reserved placeholder
)

// ErrorFactory materializes a deserialized error from its wire fields
// (name, message, stack plus any own enumerable fields).
type ErrorFactory func(fields map[string]any) error

// ErrorDeserializer lets an error kind supply its factory as a method
// instead of a free callback passed to RegisterErrorType. Both forms write
// the same table entry, so the last registration for a name is the one
// used; an explicit callback is not kept over a later prototype.
type ErrorDeserializer interface {
	DeserializeError(fields map[string]any) error
}

var (
	errTypesMu sync.RWMutex
	errTypes   = map[string]ErrorFactory{}
)

// RegisterErrorType installs a factory for the named error kind. A nil
// factory registers the default one, which copies all wire fields onto a
// freshly constructed RemoteError. A later registration for the same name,
// through this function or RegisterErrorPrototype, replaces the factory.
func RegisterErrorType(name string, factory ErrorFactory) {
	if factory == nil {
		factory = defaultErrorFactory(name)
	}
	errTypesMu.Lock()
	errTypes[name] = factory
	errTypesMu.Unlock()
}

// RegisterErrorPrototype registers a kind whose factory is the prototype's
// DeserializeError method.
func RegisterErrorPrototype(name string, proto ErrorDeserializer) {
	RegisterErrorType(name, proto.DeserializeError)
}

func defaultErrorFactory(name string) ErrorFactory {
	return func(fields map[string]any) error {
		e := &RemoteError{Name: name}
		e.Message, _ = fields["message"].(string)
		e.Stack, _ = fields["stack"].(string)
		for k, v := range fields {
			switch k {
			case "name", "message", "stack", "$constructorName", "errors":
			default:
				if e.Fields == nil {
					e.Fields = map[string]any{}
				}
				e.Fields[k] = v
			}
		}
		return e
	}
}

func init() {
	for _, name := range []string{
		KindGeneric, KindEval, KindRange, KindReference,
		KindSyntax, KindType, KindURI, KindAggregate, KindInternal,
	} {
		RegisterErrorType(name, nil)
	}
}

func lookupErrorFactory(name string) ErrorFactory {
	errTypesMu.RLock()
	defer errTypesMu.RUnlock()
	return errTypes[name]
}

// wireNamer is implemented by errors that carry their own kind name.
type wireNamer interface{ ErrorName() string }

type intentionalError struct{ err error }

func (e *intentionalError) Error() string { return e.err.Error() }
func (e *intentionalError) Unwrap() error { return e.err }

// Raise marks err as intentional so safe-exceptions mode lets it cross the
// wire unmasked. Handlers return the result: return webrpc.Raise(err).
func Raise(err error) error {
	return &intentionalError{err: err}
}

// IsIntentional reports whether err carries the intentional-error marker.
func IsIntentional(err error) bool {
	var ie *intentionalError
	return errors.As(err, &ie)
}

func errorName(err error) string {
	// Direct assertions first: errors.As would descend into an aggregate's
	// children and misname the whole as its first child, so it is only
	// tried after the aggregate check.
	if wn, ok := err.(wireNamer); ok && wn.ErrorName() != "" {
		return wn.ErrorName()
	}
	if agg, ok := err.(interface{ Unwrap() []error }); ok && len(agg.Unwrap()) > 0 {
		return KindAggregate
	}
	var wn wireNamer
	if errors.As(err, &wn) && wn.ErrorName() != "" {
		return wn.ErrorName()
	}
	return KindGeneric
}

func errorMessage(err error) string {
	if re, ok := err.(*RemoteError); ok {
		return re.Message
	}
	return err.Error()
}

// serializeError produces the wire form
// {name, message, stack, $constructorName, ...own fields}, with aggregate
// children recursively serialized under "errors".
func serializeError(err error, maskStack bool) map[string]any {
	var ie *intentionalError
	if errors.As(err, &ie) {
		err = ie.err
	}
	name := errorName(err)
	msg := errorMessage(err)
	stack := ""
	re, _ := err.(*RemoteError)
	if re != nil {
		stack = re.Stack
	}
	if stack == "" {
		stack = name + ": " + msg + "\n" + captureStack(3)
	}
	if maskStack {
		stack = name + ": " + msg
	}
	m := map[string]any{
		"name":             name,
		"message":          msg,
		"stack":            stack,
		"$constructorName": name,
	}
	if re != nil {
		for k, v := range re.Fields {
			if _, taken := m[k]; !taken {
				m[k] = v
			}
		}
	}
	if agg, ok := err.(interface{ Unwrap() []error }); ok {
		if children := agg.Unwrap(); len(children) > 0 {
			serialized := make([]any, 0, len(children))
			for _, c := range children {
				serialized = append(serialized, serializeError(c, maskStack))
			}
			m["errors"] = serialized
		}
	}
	return m
}

// deserializeError is the inverse of serializeError. Resolution order:
// $constructorName, then name, in the registered-kind table; anything else
// becomes a generic remote-error carrier preserving name, message and stack.
func deserializeError(v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return &RemoteError{Name: KindGeneric, Message: fmt.Sprint(v)}
	}
	if code, ok := m["code"].(string); ok {
		ce := &CallError{Code: code}
		ce.Reason, _ = m["reason"].(string)
		ce.Message, _ = m["message"].(string)
		return ce
	}
	var factory ErrorFactory
	if cn, ok := m["$constructorName"].(string); ok {
		factory = lookupErrorFactory(cn)
	}
	name, _ := m["name"].(string)
	if factory == nil {
		factory = lookupErrorFactory(name)
	}
	var err error
	if factory != nil {
		err = factory(m)
	} else {
		stack, _ := m["stack"].(string)
		msg, _ := m["message"].(string)
		err = &RemoteError{Name: name, Message: msg, Stack: stack}
	}
	if children, ok := m["errors"].([]any); ok {
		if re, ok := err.(*RemoteError); ok {
			for _, c := range children {
				re.Errs = append(re.Errs, deserializeError(c))
			}
		}
	}
	return err
}

func internalErrorWire() map[string]any {
	return map[string]any{
		"name":             KindInternal,
		"message":          "internal error",
		"$constructorName": KindInternal,
	}
}

const callerStackDelimiter = "\n    --- caller ---\n"

// captureStack renders the current goroutine's stack starting skip frames
// above the caller.
func captureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "    at %s (%s:%d)\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// appendCallerStack attaches the call-site stack captured on the calling
// side to a deserialized remote error.
func appendCallerStack(err error, stack string) {
	if stack == "" {
		return
	}
	var re *RemoteError
	if errors.As(err, &re) {
		re.Stack += callerStackDelimiter + stack
	}
}
