// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package comms

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Stable kind identifiers for the errors defined by this package. Kinds
// travel on the wire inside an ErrorDescriptor so that the receiving side can
// reconstruct an error of the same identity.
const (
	KindCommError   = "CommError"   // channel not open when an operation requires it
	KindNoSuchCall  = "NoSuchCall"  // unknown call name requested
	KindCommTimeout = "CommTimeout" // blocking wait exceeded its deadline
	KindDecodeError = "DecodeError" // payload could not be decoded
	KindGeneric     = "Error"       // any error without a more specific kind
)

// ErrNotConnected is reported when a blocking call or a send targets a comm
// that is not open.
var ErrNotConnected = errors.New("the comm is not connected")

// NoSuchCallError is reported to the caller when the remote side has no
// handler registered under the requested name.
type NoSuchCallError struct {
	Name string // the requested call name
}

func (e *NoSuchCallError) Error() string { return fmt.Sprintf("no such call: %s", e.Name) }

// ErrorKind implements the kind hook for wire transport.
func (e *NoSuchCallError) ErrorKind() string { return KindNoSuchCall }

// TimeoutError is reported by a blocking call whose reply did not arrive
// within the wait deadline. If the wait ended because the caller's context
// terminated, Err holds the context error and is available via Unwrap.
type TimeoutError struct {
	CallName string
	CallID   string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout while waiting for call %s (id %s)", e.CallName, e.CallID)
}

// Unwrap reports the underlying cause of e, if any.
func (e *TimeoutError) Unwrap() error { return e.Err }

// ErrorKind implements the kind hook for wire transport.
func (e *TimeoutError) ErrorKind() string { return KindCommTimeout }

// A Frame is one entry of a remote stack trace.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (f Frame) String() string { return fmt.Sprintf("%s:%d in %s", f.File, f.Line, f.Function) }

// An ErrorDescriptor captures an error at the point it was caught on the
// executing side: a stable kind identifier, the message, and the stack at the
// catch site. It is the payload of an error reply.
type ErrorDescriptor struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
	Trace   []Frame `json:"trace,omitempty"`
}

// Describe captures err as an ErrorDescriptor. The trace records the caller's
// stack, skipping skip frames above Describe itself; an error that carries
// its own trace (such as a recovered panic) contributes that instead.
func Describe(err error, skip int) *ErrorDescriptor {
	trace := captureTrace(skip + 2)
	var et errorTracer
	if errors.As(err, &et) {
		trace = et.ErrorTrace()
	}
	return &ErrorDescriptor{
		Kind:    KindOf(err),
		Message: err.Error(),
		Trace:   trace,
	}
}

// errorTracer is an extension interface an error may implement to supply the
// stack trace recorded for it, overriding the catch-site capture.
type errorTracer interface{ ErrorTrace() []Frame }

func captureTrace(skip int) []Frame {
	var pcs [32]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var out []Frame
	for {
		fr, more := frames.Next()
		out = append(out, Frame{File: fr.File, Line: fr.Line, Function: fr.Function})
		if !more {
			break
		}
	}
	return out
}

// errorKinder is an extension interface an error may implement to control the
// kind identifier recorded for it in an ErrorDescriptor.
type errorKinder interface{ ErrorKind() string }

// KindOf reports the stable kind identifier for err. Errors may control their
// kind by implementing an ErrorKind() string method; the kinds defined by
// this package are recognized directly. All other errors report KindGeneric.
func KindOf(err error) string {
	var ek errorKinder
	if errors.As(err, &ek) {
		return ek.ErrorKind()
	}
	if errors.Is(err, ErrNotConnected) {
		return KindCommError
	}
	return KindGeneric
}

// Kinded attaches a stable kind identifier to err without otherwise changing
// it. Use this to give an error a cross-process identity that the other side
// can match with RegisterErrorKind.
func Kinded(kind string, err error) error { return &kindedError{kind: kind, err: err} }

type kindedError struct {
	kind string
	err  error
}

func (e *kindedError) Error() string     { return e.err.Error() }
func (e *kindedError) Unwrap() error     { return e.err }
func (e *kindedError) ErrorKind() string { return e.kind }

// errKinds maps kind identifiers to constructors for a local error carrying
// the remote message. Kinds received in a descriptor that have a registered
// constructor resolve to that local error; unknown kinds fall back to the
// bare RemoteError wrap.
var errKinds = struct {
	sync.Mutex
	m map[string]func(msg string) error
}{m: map[string]func(msg string) error{
	KindCommError:  func(msg string) error { return ErrNotConnected },
	KindNoSuchCall: func(msg string) error { return &NoSuchCallError{Name: strings.TrimPrefix(msg, "no such call: ")} },
}}

// RegisterErrorKind maps a kind identifier to a constructor for the local
// error it should resolve to when received from the other side. A RemoteError
// whose descriptor carries a registered kind wraps the constructed error, so
// errors.Is and errors.As match the local type. Passing a nil constructor
// removes the registration.
func RegisterErrorKind(kind string, fn func(msg string) error) {
	errKinds.Lock()
	defer errKinds.Unlock()
	if fn == nil {
		delete(errKinds.m, kind)
	} else {
		errKinds.m[kind] = fn
	}
}

func resolveKind(kind, msg string) error {
	errKinds.Lock()
	fn, ok := errKinds.m[kind]
	errKinds.Unlock()
	if !ok {
		return nil
	}
	return fn(msg)
}

// RemoteError wraps an ErrorDescriptor received from the other side. It
// preserves the original kind and message and carries the remote trace for
// diagnostics. If the kind has a registered local error, Unwrap yields it.
type RemoteError struct {
	CallName string
	CallID   string
	Desc     ErrorDescriptor

	cause error // resolved local error for the kind, or nil
}

func newRemoteError(callName, callID string, desc *ErrorDescriptor) *RemoteError {
	return &RemoteError{
		CallName: callName,
		CallID:   callID,
		Desc:     *desc,
		cause:    resolveKind(desc.Kind, desc.Message),
	}
}

// Error satisfies the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s in call %s: %s", e.Desc.Kind, e.CallName, e.Desc.Message)
}

// Unwrap reports the local error registered for the remote kind, or nil.
func (e *RemoteError) Unwrap() error { return e.cause }

// ErrorKind reports the kind carried from the remote side, so that a
// RemoteError forwarded onward keeps its original identity.
func (e *RemoteError) ErrorKind() string { return e.Desc.Kind }

// Traceback renders the remote trace in a form suitable for a log or stderr.
func (e *RemoteError) Traceback() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Exception in comms call %s:\n", e.CallName)
	for _, fr := range e.Desc.Trace {
		fmt.Fprintf(&sb, "  %s\n", fr)
	}
	fmt.Fprintf(&sb, "%s: %s", e.Desc.Kind, e.Desc.Message)
	return sb.String()
}
