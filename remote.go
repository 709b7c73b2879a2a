// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package comms

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the wait deadline applied to blocking calls whose caller
// did not choose one.
const DefaultTimeout = 3 * time.Second

// A RemoteCaller issues calls on the remote side of one comm, or of every
// open comm. The zero settings issue fire-and-forget calls: no reply is
// requested and no bookkeeping is kept. Use the options to select a target
// comm, blocking semantics, a timeout, or a completion callback.
//
// A RemoteCaller is a value; it is safe to copy and to use concurrently.
type RemoteCaller struct {
	ep       *Endpoint
	commID   string // empty: broadcast to all open comms
	callback func(any)
	blocking bool
	timeout  time.Duration
}

// A CallOption adjusts the settings of a RemoteCaller.
type CallOption func(*RemoteCaller)

// To targets the comm with the given id. Without this option calls are
// broadcast to every open comm.
func To(commID string) CallOption { return func(r *RemoteCaller) { r.commID = commID } }

// Blocking makes calls suspend the calling goroutine until a reply arrives
// or the timeout elapses.
func Blocking() CallOption { return func(r *RemoteCaller) { r.blocking = true } }

// WithTimeout sets the wait deadline for blocking calls. It has no effect on
// non-blocking calls.
func WithTimeout(d time.Duration) CallOption { return func(r *RemoteCaller) { r.timeout = d } }

// WithCallback registers f to be invoked with the decoded return value when
// the reply to a non-blocking call arrives. Registering a callback requests
// a reply even for an otherwise fire-and-forget call.
func WithCallback(f func(any)) CallOption { return func(r *RemoteCaller) { r.callback = f } }

// Remote returns a handle for calling the other side of the comms.
func (e *Endpoint) Remote(opts ...CallOption) RemoteCaller {
	r := RemoteCaller{ep: e, timeout: DefaultTimeout}
	for _, o := range opts {
		o(&r)
	}
	return r
}

// Call invokes the named call on the remote side with positional arguments.
// For a blocking caller it returns the decoded reply value, or an error of
// kind CommTimeout, CommError, or the re-raised remote error. A non-blocking
// call returns (nil, nil) immediately once the message is sent; if the
// target comm is not open the call is logged and silently dropped.
func (r RemoteCaller) Call(ctx context.Context, name string, args ...any) (any, error) {
	return r.call(ctx, name, Arguments{Args: args})
}

// CallKw invokes the named call with positional and keyword arguments.
func (r RemoteCaller) CallKw(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error) {
	return r.call(ctx, name, Arguments{Args: args, Kwargs: kwargs})
}

func (r RemoteCaller) call(ctx context.Context, name string, args Arguments) (_ any, err error) {
	if r.ep == nil {
		panic("caller is not bound to an endpoint")
	}
	commMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			commMetrics.callOutErr.Add(1)
		}
	}()

	content := Content{
		CallName: name,
		CallID:   uuid.NewString(),
		Settings: CallSettings{
			Blocking:  r.blocking,
			SendReply: r.blocking || r.callback != nil,
			Timeout:   r.timeout.Seconds(),
		},
	}

	// Phase 1: Collect the target sessions. A blocking call to a closed comm
	// fails before any network activity; an async one degrades to a log line.
	targets := r.ep.sessionList(r.commID)
	if len(targets) == 0 {
		if r.blocking {
			return nil, fmt.Errorf("calling %q: %w", name, ErrNotConnected)
		}
		r.ep.logger().Debug().Str("call", name).Msg("call to unconnected comm")
		return nil, nil
	}

	// Phase 2: Register interest before sending, so the entry exists before
	// any matching reply can possibly be processed.
	pc := r.ep.register(content.CallID, r.blocking, r.callback)

	// Phase 3: Send on every target. Broadcast reuses one call id across the
	// sends; the first reply resolves it and later ones are unmatched.
	var sent int
	var lastErr error
	for _, s := range targets {
		if err := r.ep.send(s, KindCall, content, args); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		r.ep.forget(content.CallID)
		if r.blocking {
			return nil, fmt.Errorf("calling %q: %w", name, lastErr)
		}
		r.ep.logger().Debug().Err(lastErr).Str("call", name).Msg("call could not be sent")
		return nil, nil
	}

	if !r.blocking {
		return nil, nil
	}
	return r.ep.waitReply(ctx, pc, name, content.CallID, r.timeout)
}

// sessionList resolves a target comm id to the live sessions it denotes:
// one session, or all of them for the empty id.
func (e *Endpoint) sessionList(commID string) []*session {
	e.μ.Lock()
	defer e.μ.Unlock()
	if commID == "" {
		out := make([]*session, 0, len(e.sessions))
		for _, s := range e.sessions {
			out = append(out, s)
		}
		return out
	}
	if s, ok := e.sessions[commID]; ok {
		return []*session{s}
	}
	return nil
}
