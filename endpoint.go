// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package comms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/kernelcomm/comms/codec"
	"github.com/rs/zerolog"
)

// A Comm is one bidirectional message link to the remote endpoint. Messages
// sent on a comm are delivered to the other side in order; no ordering holds
// across different comms.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Comm interface {
	// Send the message to the remote side.
	Send(*Message) error

	// Receive the next available message from the remote side.
	Recv() (*Message, error)

	// Close the comm, causing any pending send or receive operations to
	// terminate and report an error. After a comm is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Handler executes an incoming call from the remote endpoint. A handler can
// obtain the local endpoint from its context argument using the
// ContextEndpoint helper.
//
// The error reported by a handler is captured as an ErrorDescriptor and sent
// back to the caller. Use Kinded to control the kind identifier the caller
// observes.
type Handler func(context.Context, *Request) (any, error)

// A Request is the decoded form of an incoming call delivered to a Handler.
type Request struct {
	Name   string // the call name
	CallID string // the correlation id assigned by the caller
	CommID string // the comm the call arrived on
	Args   []any
	Kwargs map[string]any
}

// Reserved call names present on every endpoint. Ping calls Pong back on the
// same comm, as a round-trip health check. SetCodecVersion is the handshake
// that negotiates the codec version and marks the session ready; it is issued
// automatically when a comm is bound.
const (
	CallPing            = "ping"
	CallPong            = "pong"
	CallSetCodecVersion = "_set_codec_version"
)

func isReserved(name string) bool {
	return name == CallPing || name == CallPong || name == CallSetCodecVersion
}

// An Endpoint multiplexes calls and replies over any number of bound comms.
// It holds the registry of locally callable names, tracks outstanding calls
// awaiting replies, and drives one delivery routine per comm so that a
// blocking call on one goroutine never stalls delivery of other messages.
//
// Use NewEndpoint to construct an endpoint, Bind to attach a comm, Handle to
// register callables, and Remote to obtain a handle for calling the other
// side. All methods are safe for concurrent use by multiple goroutines.
type Endpoint struct {
	codec   codec.Codec
	tasks   *taskgroup.Group
	descr   string // sender runtime descriptor, stamped on outgoing messages
	baseCtx func() context.Context

	μ sync.Mutex

	sessions map[string]*session     // comm id → session
	handlers map[string]Handler      // call name → handler
	waitlist map[string]*pendingCall // call id → outstanding call entry

	log     zerolog.Logger
	onAsync func(*RemoteError)
}

// NewEndpoint constructs an endpoint that encodes payloads with c.
func NewEndpoint(c codec.Codec) *Endpoint {
	e := &Endpoint{
		codec:    c,
		tasks:    taskgroup.New(nil),
		descr:    runtime.Version(),
		baseCtx:  context.Background,
		sessions: make(map[string]*session),
		handlers: make(map[string]Handler),
		waitlist: make(map[string]*pendingCall),
		log:      zerolog.Nop(),
	}
	e.handle(CallPing, func(ctx context.Context, req *Request) (any, error) {
		_, err := e.Remote(To(req.CommID)).Call(ctx, CallPong)
		return nil, err
	})
	e.handle(CallPong, func(context.Context, *Request) (any, error) { return nil, nil })
	e.handle(CallSetCodecVersion, func(ctx context.Context, req *Request) (any, error) {
		v, ok := intArg(req.Args, 0)
		if !ok {
			return nil, errors.New("missing or invalid codec version")
		}
		e.μ.Lock()
		defer e.μ.Unlock()
		if s, ok := e.sessions[req.CommID]; ok {
			s.version = min(v, e.codec.MaxVersion())
			s.ready = true
		}
		return nil, nil
	})
	return e
}

// LogWith directs the endpoint's diagnostic logging to log. The default
// discards all output. LogWith returns e to permit chaining.
func (e *Endpoint) LogWith(log zerolog.Logger) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.log = log
	return e
}

// OnAsyncError registers a callback invoked for errors that arrive with no
// flow of control waiting for them: error replies to untracked or
// non-blocking calls. The default logs the formatted remote traceback.
// Passing nil restores the default. OnAsyncError returns e to permit
// chaining.
//
// The callback is invoked synchronously on the delivery routine and must not
// block.
func (e *Endpoint) OnAsyncError(f func(*RemoteError)) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.onAsync = f
	return e
}

// NewContext registers a function called to create the base context for call
// handlers. If it is not set a background context is used.
func (e *Endpoint) NewContext(base func() context.Context) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if base == nil {
		e.baseCtx = context.Background
	} else {
		e.baseCtx = base
	}
	return e
}

// Handle registers a handler for the named call. It is safe to call this
// while the endpoint is running. Passing a nil handler removes any handler
// for the name. Handle panics if name is reserved by the protocol. Handle
// returns e to permit chaining.
func (e *Endpoint) Handle(name string, handler Handler) *Endpoint {
	if isReserved(name) {
		panic(fmt.Sprintf("call name %q is reserved", name))
	}
	return e.handle(name, handler)
}

func (e *Endpoint) handle(name string, handler Handler) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if handler == nil {
		delete(e.handlers, name)
	} else {
		e.handlers[name] = handler
	}
	return e
}

// Bind attaches comm to the endpoint, starts its delivery routine, and
// begins the handshake with the remote side. It returns the id assigned to
// the comm. The endpoint owns the comm thereafter: closing the session
// closes the comm.
//
// The session starts out opening; it reports ready once the remote side has
// executed the handshake call back on this endpoint. Use IsReady to observe
// the transition.
func (e *Endpoint) Bind(comm Comm) string {
	if comm == nil {
		panic("comm must not be nil")
	}
	s := &session{id: uuid.NewString(), comm: comm, version: codec.BaseVersion}
	e.μ.Lock()
	e.sessions[s.id] = s
	e.μ.Unlock()

	e.tasks.Go(func() error { e.serve(s); return nil })

	// Open our half of the handshake. The remote side flips its own session
	// to ready when it executes this; ours flips when the symmetric call
	// arrives. The send runs on its own goroutine so that Bind does not
	// block waiting for the other side to start receiving.
	e.tasks.Go(func() error {
		e.Remote(To(s.id)).Call(context.Background(), CallSetCodecVersion, e.codec.MaxVersion())
		return nil
	})
	return s.id
}

// Close closes the comm with the given id and removes it from the live set,
// or every open comm when commID == "". Closing a specific comm that is not
// open reports ErrNotConnected. Outstanding calls sent on a closed comm are
// not resolved; blocking callers are released by their timeout.
func (e *Endpoint) Close(commID string) error {
	e.μ.Lock()
	var closing []*session
	if commID == "" {
		for _, s := range e.sessions {
			closing = append(closing, s)
		}
		clear(e.sessions)
	} else if s, ok := e.sessions[commID]; ok {
		delete(e.sessions, commID)
		closing = append(closing, s)
	} else {
		e.μ.Unlock()
		return fmt.Errorf("close %q: %w", commID, ErrNotConnected)
	}
	e.μ.Unlock()

	var err error
	for _, s := range closing {
		if cerr := s.comm.Close(); cerr != nil && err == nil && !treatErrorAsSuccess(cerr) {
			err = cerr
		}
	}
	return err
}

// Wait blocks until the delivery routines of all comms ever bound to e have
// exited. Call it after Close("") to ensure a clean shutdown.
func (e *Endpoint) Wait() { e.tasks.Wait() }

// IsOpen reports whether the comm with the given id is open; with an empty
// id it reports whether any comm is open.
func (e *Endpoint) IsOpen(commID string) bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	if commID == "" {
		return len(e.sessions) > 0
	}
	_, ok := e.sessions[commID]
	return ok
}

// IsReady reports whether the comm with the given id has completed the
// handshake; with an empty id it reports whether every open comm has, which
// is vacuously false when no comm is open.
func (e *Endpoint) IsReady(commID string) bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	if commID == "" {
		if len(e.sessions) == 0 {
			return false
		}
		for _, s := range e.sessions {
			if !s.ready {
				return false
			}
		}
		return true
	}
	s, ok := e.sessions[commID]
	return ok && s.ready
}

// CodecVersion reports the negotiated codec version for the comm with the
// given id, or 0 if the comm is not open.
func (e *Endpoint) CodecVersion(commID string) int {
	e.μ.Lock()
	defer e.μ.Unlock()
	if s, ok := e.sessions[commID]; ok {
		return s.version
	}
	return 0
}

// CommIDs reports the ids of all currently open comms.
func (e *Endpoint) CommIDs() []string {
	e.μ.Lock()
	defer e.μ.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// serve is the delivery routine for one comm. It runs until the comm closes
// or fails, then removes the session from the live set.
func (e *Endpoint) serve(s *session) {
	for {
		msg, err := s.comm.Recv()
		if err != nil {
			e.dropSession(s, err)
			return
		}
		commMetrics.msgRecv.Add(1)
		e.dispatch(s, msg)
	}
}

// dropSession removes s from the live set and closes its comm. Removal is
// immediate and unconditional; outstanding calls are left to their timeouts.
func (e *Endpoint) dropSession(s *session, cause error) {
	e.μ.Lock()
	_, live := e.sessions[s.id]
	delete(e.sessions, s.id)
	e.μ.Unlock()

	s.comm.Close()
	if live && !treatErrorAsSuccess(cause) {
		e.logger().Debug().Err(cause).Str("comm", s.id).Msg("comm closed")
	}
}

func (e *Endpoint) logger() *zerolog.Logger {
	e.μ.Lock()
	defer e.μ.Unlock()
	log := e.log
	return &log
}

// dispatch routes one inbound message from the remote side.
func (e *Endpoint) dispatch(s *session, msg *Message) {
	switch msg.Kind {
	case KindCall:
		e.dispatchCall(s, msg)
	case KindReply:
		e.dispatchReply(msg)
	default:
		commMetrics.msgDropped.Add(1)
		e.logger().Debug().Str("kind", string(msg.Kind)).Msg("no such message kind")
	}
}

// dispatchCall decodes and executes an inbound call. The handler runs in its
// own goroutine, so a handler is free to issue calls of its own, including
// blocking ones, while other messages continue to be delivered.
func (e *Endpoint) dispatchCall(s *session, msg *Message) {
	commMetrics.callIn.Add(1)
	content := msg.Content

	var args Arguments
	if err := e.codec.DecodeInto(msg.Payload, msg.CodecVersion, &args); err != nil {
		// The call's identity is not trustworthy; drop it without a reply.
		commMetrics.msgDropped.Add(1)
		e.logger().Debug().Err(err).Str("call", content.CallName).
			Msg("dropping call with undecodable payload")
		return
	}

	e.μ.Lock()
	handler, ok := e.handlers[content.CallName]
	base := e.baseCtx
	e.μ.Unlock()

	req := &Request{
		Name:   content.CallName,
		CallID: content.CallID,
		CommID: s.id,
		Args:   args.Args,
		Kwargs: args.Kwargs,
	}

	e.tasks.Go(func() error {
		commMetrics.callActive.Add(1)
		defer commMetrics.callActive.Add(-1)

		ctx := context.WithValue(base(), endpointContextKey{}, e)
		value, err := func() (_ any, err error) {
			// Turn a handler panic into a graceful error reply, keeping the
			// panic site in the trace.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = &panicError{value: x, trace: captureTrace(3)}
				}
			}()
			if !ok {
				return nil, &NoSuchCallError{Name: content.CallName}
			}
			return handler(ctx, req)
		}()

		if err != nil {
			commMetrics.callInErr.Add(1)
			// A failure is reported whether or not a reply was requested, so
			// that callers discover async failures too.
			e.sendReply(s, content, Describe(err, 1), true)
		} else if content.Settings.SendReply {
			e.sendReply(s, content, value, false)
		}
		return nil
	})
}

// dispatchReply matches an inbound reply to its outstanding call entry and
// resolves it. Resolution is at most once per call id; a reply for an id with
// no entry is unmatched: errors go to the async-error handler, successes are
// logged and discarded.
func (e *Endpoint) dispatchReply(msg *Message) {
	content := msg.Content

	var rep reply
	if content.IsError {
		var desc ErrorDescriptor
		if err := e.codec.DecodeInto(msg.Payload, msg.CodecVersion, &desc); err != nil {
			desc = ErrorDescriptor{Kind: KindDecodeError,
				Message: fmt.Sprintf("decoding error reply: %v", err)}
		}
		rep.isError = true
		rep.desc = &desc
	} else if value, err := e.codec.Decode(msg.Payload, msg.CodecVersion); err != nil {
		// An undecodable reply still resolves the call, as an error.
		rep.isError = true
		rep.desc = &ErrorDescriptor{Kind: KindDecodeError,
			Message: fmt.Sprintf("decoding reply payload: %v", err)}
	} else {
		rep.value = value
	}

	e.μ.Lock()
	pc, ok := e.waitlist[content.CallID]
	if ok {
		delete(e.waitlist, content.CallID)
		commMetrics.callPending.Add(-1)
		if pc.blocking {
			pc.inbox <- rep // cap 1, delivered at most once per id
		}
	}
	e.μ.Unlock()

	if !ok {
		commMetrics.replyUnmatched.Add(1)
		if rep.isError {
			e.asyncError(newRemoteError(content.CallName, content.CallID, rep.desc))
		} else {
			e.logger().Debug().Str("call", content.CallName).Str("id", content.CallID).
				Msg("got an unexpected reply")
		}
		return
	}

	if rep.isError {
		if !pc.blocking {
			e.asyncError(newRemoteError(content.CallName, content.CallID, rep.desc))
		}
		return
	}
	if pc.callback != nil {
		// Engine state is already consistent; a panic here propagates to the
		// delivery routine.
		pc.callback(rep.value)
	}
}

// asyncError reports an error nobody is waiting for. It never raises into
// the delivery path.
func (e *Endpoint) asyncError(re *RemoteError) {
	e.μ.Lock()
	f := e.onAsync
	e.μ.Unlock()
	if f != nil {
		f(re)
		return
	}
	e.logger().Error().Str("id", re.CallID).Msg(re.Traceback())
}

// register creates the outstanding-call entry for callID if the call is
// tracked, that is blocking or carrying a callback. Fire-and-forget calls
// are never registered; a later reply for one is unmatched.
func (e *Endpoint) register(callID string, blocking bool, callback func(any)) *pendingCall {
	if !blocking && callback == nil {
		return nil
	}
	pc := &pendingCall{blocking: blocking, callback: callback}
	if blocking {
		pc.inbox = make(chan reply, 1)
	}
	e.μ.Lock()
	e.waitlist[callID] = pc
	e.μ.Unlock()
	commMetrics.callPending.Add(1)
	return pc
}

// forget abandons the outstanding-call entry for callID, if it still exists.
// A reply arriving afterwards is treated as unmatched.
func (e *Endpoint) forget(callID string) {
	e.μ.Lock()
	_, ok := e.waitlist[callID]
	delete(e.waitlist, callID)
	e.μ.Unlock()
	if ok {
		commMetrics.callPending.Add(-1)
	}
}

// waitReply suspends the calling goroutine until the reply for callID is
// delivered, the timeout elapses, or ctx ends. Delivery of other messages
// continues on the per-comm routines meanwhile.
func (e *Endpoint) waitReply(ctx context.Context, pc *pendingCall, callName, callID string, timeout time.Duration) (any, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case rep := <-pc.inbox:
		if rep.isError {
			return nil, newRemoteError(callName, callID, rep.desc)
		}
		return rep.value, nil
	case <-t.C:
		e.forget(callID)
		return nil, &TimeoutError{CallName: callName, CallID: callID}
	case <-ctx.Done():
		e.forget(callID)
		return nil, &TimeoutError{CallName: callName, CallID: callID, Err: ctx.Err()}
	}
}

// sendReply sends the outcome of call back on s.
func (e *Endpoint) sendReply(s *session, call Content, value any, isError bool) {
	content := Content{CallName: call.CallName, CallID: call.CallID, IsError: isError}
	if err := e.send(s, KindReply, content, value); err != nil {
		e.logger().Debug().Err(err).Str("call", call.CallName).Msg("sending reply")
	}
}

// send encodes data with the session's negotiated version and sends one
// message on s. The state lock is never held across the transport send; a
// failed send drops the session.
func (e *Endpoint) send(s *session, kind Kind, content Content, data any) error {
	e.μ.Lock()
	version := s.version
	live := e.sessions[s.id] == s
	e.μ.Unlock()
	if !live {
		return ErrNotConnected
	}

	payload, err := e.codec.Encode(data, version)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	msg := &Message{
		Kind:         kind,
		Content:      content,
		CodecVersion: version,
		Runtime:      e.descr,
		Payload:      payload,
	}
	if err := s.send(msg); err != nil {
		e.dropSession(s, err)
		return err
	}
	commMetrics.msgSent.Add(1)
	return nil
}

// A session tracks the per-comm protocol state: the negotiated codec version
// and whether the remote side has acknowledged readiness. version and ready
// are guarded by the endpoint mutex; the send mutex serializes writes to the
// comm.
type session struct {
	id   string
	comm Comm

	out sync.Mutex // serializes Send on comm

	version int  // frozen after the handshake
	ready   bool // entered exactly once, never left
}

func (s *session) send(m *Message) error {
	s.out.Lock()
	defer s.out.Unlock()
	return s.comm.Send(m)
}

// A pendingCall is the outstanding-call entry for one unresolved call id.
// The inbox is the per-id slot a blocking reply is delivered into; it is
// buffered so delivery never blocks the delivery routine.
type pendingCall struct {
	blocking bool
	callback func(any)
	inbox    chan reply
}

type reply struct {
	isError bool
	value   any
	desc    *ErrorDescriptor
}

type panicError struct {
	value any
	trace []Frame
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked (recovered): %v", e.value)
}

func (e *panicError) ErrorTrace() []Frame { return e.trace }

type endpointContextKey struct{}

// ContextEndpoint returns the Endpoint associated with the given context, or
// nil if none is defined. The context passed to a call Handler has this
// value.
func ContextEndpoint(ctx context.Context) *Endpoint {
	if v := ctx.Value(endpointContextKey{}); v != nil {
		return v.(*Endpoint)
	}
	return nil
}

// intArg extracts an integer from position i of a decoded argument list,
// tolerating the numeric representations different codec versions produce.
func intArg(args []any, i int) (int, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case interface{ Int64() (int64, error) }: // json.Number
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
