// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the comms.Handler type for functions
// with typed signatures.
//
// Call payloads decode to generic values (numbers, strings, maps, slices,
// depending on the codec). The adapters in this package convert those into
// the parameter types of the wrapped function, so handlers can be written
// against concrete types:
//
//	e.Handle("add", handler.Param2(func(ctx context.Context, x, y int) (any, error) {
//	    return x + y, nil
//	}))
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kernelcomm/comms"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *comms.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*comms.Request)
	}
	return nil
}

// Param adapts a function f that accepts one positional parameter of type P
// to a comms.Handler.
func Param[P any](f func(context.Context, P) (any, error)) comms.Handler {
	return func(ctx context.Context, req *comms.Request) (any, error) {
		var p P
		if err := positional(req, 1, &p); err != nil {
			return nil, err
		}
		return f(withRequest(ctx, req), p)
	}
}

// Param2 adapts a function f that accepts two positional parameters to a
// comms.Handler.
func Param2[P1, P2 any](f func(context.Context, P1, P2) (any, error)) comms.Handler {
	return func(ctx context.Context, req *comms.Request) (any, error) {
		var p1 P1
		var p2 P2
		if err := positional(req, 2, &p1, &p2); err != nil {
			return nil, err
		}
		return f(withRequest(ctx, req), p1, p2)
	}
}

// Keyword adapts a function f whose parameter struct is populated from the
// call's keyword arguments to a comms.Handler. The fields of P are matched
// by their JSON names.
func Keyword[P any](f func(context.Context, P) (any, error)) comms.Handler {
	return func(ctx context.Context, req *comms.Request) (any, error) {
		var p P
		if err := convert(req.Kwargs, &p); err != nil {
			return nil, fmt.Errorf("keyword arguments: %w", err)
		}
		return f(withRequest(ctx, req), p)
	}
}

// Result adapts a function f that accepts no arguments to a comms.Handler.
func Result(f func(context.Context) (any, error)) comms.Handler {
	return func(ctx context.Context, req *comms.Request) (any, error) {
		return f(withRequest(ctx, req))
	}
}

func withRequest(ctx context.Context, req *comms.Request) context.Context {
	return context.WithValue(ctx, reqContextKey{}, req)
}

func positional(req *comms.Request, want int, dst ...any) error {
	if len(req.Args) < want {
		return fmt.Errorf("call %s: got %d arguments, want %d", req.Name, len(req.Args), want)
	}
	for i, d := range dst {
		if err := convert(req.Args[i], d); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}

// convert coerces a decoded generic value into the concrete type pointed to
// by dst, by way of its JSON representation. This is codec-independent:
// every codec's generic values are JSON-expressible.
func convert(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
