/*
Package webrpc is a bidirectional, capability-style RPC runtime. Two peers
exchange JSON text frames over any duplex transport; either side may expose
remotable objects, call methods on the other side's objects, subscribe to
their observable events, and pass object references around as arguments and
return values. The runtime keeps every live reference on one peer holding
its target alive on the other, collapses duplicate proxies so object
identity survives round-trips, and recovers from transport state loss
without leaking references or orphaning subscriptions.

# WebSocket example

A minimal server exposing one service:

	package main

	import (
		"net/http"

		webrpc "github.com/webrpc/webrpc-go"
	)

	func main() {
		def := webrpc.NewServiceDef("calc", func(s *webrpc.Session) *webrpc.Object {
			return webrpc.NewObject().
				Handle("add", func(a, b float64) float64 { return a + b })
		})
		http.Handle("/webrpc", webrpc.NewWebSocketHandler(func(s *webrpc.Session) {
			s.RegisterService(def)
		}, nil))
		panic(http.ListenAndServe("localhost:1234", nil))
	}

And the matching client, which connects lazily, reconnects with exponential
backoff, and replays event subscriptions across outages:

	calc := webrpc.NewServiceClient("calc", "ws://localhost:1234/webrpc", nil)
	var sum float64
	if err := calc.Call(ctx, "add", &sum, 2, 3); err != nil {
		log.Fatal(err)
	}

# API layers

The package is composed of four layers; use as few or as many as you need:

	4. ServiceClient: always-available façade with recovery and replay
	3. Session: registries, call correlation, distributed reference counting
	2. Channel: abstract duplex frame transport (websocket, NATS, pipes, ...)
	1. Socket: durable reconnecting websocket endpoint

Remotable objects are passed by reference, not by value. Wrap a callback
and hand it to the peer:

	cb := webrpc.NewObject().Handle("callback", func(v string) { ... })
	service.Call(ctx, "doStuff", nil, cb)

However many times the reference crosses the wire, the peer that created
the object always resolves it back to the same instance, and the proxy held
by the other peer stays unique per object. When the last handle on a proxy
is released, the owner is told to drop its strong hold after a short
debounce, so identity survives brief windows where no reference is held.
*/
package webrpc
