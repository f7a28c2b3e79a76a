package webrpc

import "context"

// DispatchHook provides observability callpoints around inbound request
// dispatch. Implementations must be safe for concurrent use; every request
// dispatches on its own goroutine.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back
// to OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken any

// DispatchInfo carries request metadata passed to hooks.
type DispatchInfo struct {
	Receiver  string         // object ID of the receiver
	Method    string         // invoked method name
	RequestID string         // wire request ID
	Metadata  map[string]any // request metadata, verbatim
}
