// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package comms implements a bidirectional remote-call protocol between two
// processes, a kernel side and a frontend side, multiplexed over one or more
// message channels ("comms"). Either side may call functions registered on
// the other. The transport carrying the messages and the codec encoding the
// payloads are pluggable collaborators; this package owns the call/reply
// correlation, the per-comm readiness state machine, the blocking wait with
// timeout, and the propagation of remote errors back to the caller.
//
// # Endpoints
//
// The core type defined by this package is the [Endpoint]. An endpoint
// concurrently initiates and services calls with the endpoint on the other
// side of its bound comms.
//
// To create an endpoint, supply the payload codec:
//
//	e := comms.NewEndpoint(codec.JSON{})
//
// To attach a comm, call Bind with a value implementing the [Comm]
// interface. Bind starts the delivery routine for that comm and begins the
// handshake, and returns the id by which the comm is addressed:
//
//	id := e.Bind(ch)
//
// The session for a bound comm starts out opening and becomes ready once the
// remote side has executed the handshake call, which also negotiates the
// codec version down to the lower of the two sides' capabilities. Check
// [Endpoint.IsReady] to observe the transition. A comm stays bound until it
// is closed locally with [Endpoint.Close] or fails; closing removes it from
// the live set immediately.
//
// # Calls
//
// A call is addressed by name. To define handlers for inbound calls, use
// [Endpoint.Handle]:
//
//	e.Handle("greet", func(ctx context.Context, req *comms.Request) (any, error) {
//	   name, _ := req.Args[0].(string)
//	   return "hello, " + name, nil
//	})
//
// Arguments arrive as the generic values of the codec in use; the handler
// subpackage provides adapters that convert them into typed parameters.
//
// To issue calls, obtain a [RemoteCaller] from [Endpoint.Remote]. The zero
// settings send fire-and-forget: the message is sent and nothing is tracked.
// A blocking caller suspends until the reply arrives or its timeout elapses:
//
//	v, err := e.Remote(comms.To(id), comms.Blocking()).Call(ctx, "add", 2, 3)
//
// A non-blocking caller may instead register a callback to observe the
// reply:
//
//	e.Remote(comms.To(id), comms.WithCallback(done)).Call(ctx, "add", 2, 3)
//
// Calls without a target comm id are broadcast to every open comm under a
// single call id; the first reply resolves the call and later replies are
// discarded as unmatched.
//
// A handler may call back to the other side. It obtains the local endpoint
// with [ContextEndpoint] and the originating comm from the request:
//
//	func handle(ctx context.Context, req *comms.Request) (any, error) {
//	    ep := comms.ContextEndpoint(ctx)
//	    return ep.Remote(comms.To(req.CommID), comms.Blocking()).Call(ctx, "lookup", req.Args[0])
//	}
//
// Handlers run on their own goroutines, so a nested blocking call never
// stalls delivery of other messages.
//
// # Errors
//
// An error reported by a handler is caught at the dispatch boundary,
// captured as an [ErrorDescriptor] with its kind, message, and stack, and
// sent back as an error reply; it never propagates into the transport's
// delivery path. A blocking caller observes it re-raised as a [*RemoteError]
// preserving the original kind and message, with the remote trace attached.
// Error replies that nobody is waiting for are routed to the endpoint's
// async-error handler, which by default logs the formatted remote traceback.
//
// The kind identifiers carried across the boundary can be bound to local
// error values with [RegisterErrorKind], so errors.Is and errors.As work
// across the process boundary; unknown kinds fall back to the generic
// RemoteError wrap.
//
// # Reserved calls
//
// Every endpoint serves three reserved calls: "ping", which calls "pong"
// back on the originating comm as a round-trip health check; "pong", a
// no-op; and "_set_codec_version", the handshake described above. Handle
// panics when asked to replace one of these.
//
// # Metrics
//
// Endpoints maintain a collection of expvar metrics while running; use
// [Endpoint.Metrics] to obtain the map. The metrics currently exported are:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - calls_in: counter of inbound calls received
//   - calls_in_failed: counter of inbound calls resulting in errors
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_active: gauge of inbound calls currently executing
//   - calls_pending: gauge of outbound calls awaiting a reply
//   - replies_unmatched: counter of replies with no outstanding call
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package comms
