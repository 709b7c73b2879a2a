// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kernelcomm/comms"
	"github.com/kernelcomm/comms/handler"
)

func TestHandler(t *testing.T) {
	req := &comms.Request{
		Name:   "test",
		CallID: "id-1",
		Args:   []any{json.Number("5"), "hello"},
		Kwargs: map[string]any{"name": "nick", "count": json.Number("2")},
	}
	ctx := context.Background()

	check := func(t *testing.T, h comms.Handler, want any, etext string) {
		t.Helper()
		got, err := h(ctx, req)
		if err != nil {
			if etext == "" {
				t.Fatalf("Handler: unexpected error: %v", err)
			} else if !strings.Contains(err.Error(), etext) {
				t.Fatalf("Handler: got error %v, want %q", err, etext)
			}
			return
		}
		if etext != "" {
			t.Fatalf("Handler: got %v, want error %q", got, etext)
		}
		if got != want {
			t.Errorf("Handler result: got %v, want %v", got, want)
		}
	}
	checkReq := func(t *testing.T, ctx context.Context) {
		t.Helper()
		if handler.ContextRequest(ctx) != req {
			t.Error("Context does not carry the original request")
		}
	}

	t.Run("Param", func(t *testing.T) {
		check(t, handler.Param(func(ctx context.Context, n int) (any, error) {
			checkReq(t, ctx)
			return n * 2, nil
		}), 10, "")
	})
	t.Run("ParamWrongType", func(t *testing.T) {
		check(t, handler.Param(func(ctx context.Context, s []string) (any, error) {
			return s, nil
		}), nil, "argument 0")
	})
	t.Run("Param2", func(t *testing.T) {
		check(t, handler.Param2(func(ctx context.Context, n int, s string) (any, error) {
			checkReq(t, ctx)
			return s[:n], nil
		}), "hello", "")
	})
	t.Run("Param2Missing", func(t *testing.T) {
		short := &comms.Request{Name: "test", Args: []any{1}}
		h := handler.Param2(func(ctx context.Context, a, b int) (any, error) {
			return a + b, nil
		})
		if _, err := h(ctx, short); err == nil || !strings.Contains(err.Error(), "want 2") {
			t.Errorf("Handler: got error %v, want an arity complaint", err)
		}
	})
	t.Run("Keyword", func(t *testing.T) {
		check(t, handler.Keyword(func(ctx context.Context, p struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}) (any, error) {
			checkReq(t, ctx)
			return strings.Repeat(p.Name, p.Count), nil
		}), "nicknick", "")
	})
	t.Run("Result", func(t *testing.T) {
		check(t, handler.Result(func(ctx context.Context) (any, error) {
			checkReq(t, ctx)
			return "done", nil
		}), "done", "")
	})
}
