// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package codec_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kernelcomm/comms/codec"
)

func TestJSONVersions(t *testing.T) {
	input := map[string]any{"x": 12345678901234567, "s": "hi"}

	t.Run("V1", func(t *testing.T) {
		data, err := codec.JSON{}.Encode(input, 1)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := codec.JSON{}.Decode(data, 1)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		want := map[string]any{"x": 12345678901234568.0, "s": "hi"} // float64 loses precision
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Decode (-want, +got):\n%s", diff)
		}
	})
	t.Run("V2", func(t *testing.T) {
		data, err := codec.JSON{}.Encode(input, 2)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := codec.JSON{}.Decode(data, 2)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		want := map[string]any{"x": json.Number("12345678901234567"), "s": "hi"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Decode (-want, +got):\n%s", diff)
		}
	})
	t.Run("DecodeInto", func(t *testing.T) {
		data, err := codec.JSON{}.Encode(map[string]any{"n": 5}, 2)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var v1, v2 map[string]any
		if err := (codec.JSON{}).DecodeInto(data, 1, &v1); err != nil {
			t.Fatalf("DecodeInto v1: %v", err)
		}
		if err := (codec.JSON{}).DecodeInto(data, 2, &v2); err != nil {
			t.Fatalf("DecodeInto v2: %v", err)
		}
		if _, ok := v1["n"].(float64); !ok {
			t.Errorf("v1 value: got %T, want float64", v1["n"])
		}
		if _, ok := v2["n"].(json.Number); !ok {
			t.Errorf("v2 value: got %T, want json.Number", v2["n"])
		}
	})
	t.Run("BadVersion", func(t *testing.T) {
		for _, v := range []int{0, 3, -1} {
			var ve *codec.VersionError
			if _, err := (codec.JSON{}).Encode("x", v); !errors.As(err, &ve) {
				t.Errorf("Encode version %d: got error %v, want *VersionError", v, err)
			}
			if _, err := (codec.JSON{}).Decode([]byte("{}"), v); !errors.As(err, &ve) {
				t.Errorf("Decode version %d: got error %v, want *VersionError", v, err)
			}
		}
	})
}

type testPayload struct {
	Label string
	Count int
}

func TestGob(t *testing.T) {
	codec.Register(testPayload{})
	codec.Register(map[string]any{})
	codec.Register([]any{})

	t.Run("Generic", func(t *testing.T) {
		input := map[string]any{"s": "hi", "n": 5}
		data, err := codec.Gob{}.Encode(input, 1)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := codec.Gob{}.Decode(data, 1)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		// Unlike JSON, gob preserves Go types through the trip.
		if diff := cmp.Diff(input, got); diff != "" {
			t.Errorf("Decode (-want, +got):\n%s", diff)
		}
	})
	t.Run("Typed", func(t *testing.T) {
		want := testPayload{Label: "box", Count: 3}
		data, err := codec.Gob{}.Encode(want, 1)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var got testPayload
		if err := (codec.Gob{}).DecodeInto(data, 1, &got); err != nil {
			t.Fatalf("DecodeInto: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("DecodeInto (-want, +got):\n%s", diff)
		}
	})
	t.Run("Nil", func(t *testing.T) {
		data, err := codec.Gob{}.Encode(nil, 1)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := codec.Gob{}.Decode(data, 1)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != nil {
			t.Errorf("Decode: got %v, want nil", got)
		}
		var v any = "sentinel"
		if err := (codec.Gob{}).DecodeInto(data, 1, &v); err != nil {
			t.Fatalf("DecodeInto: %v", err)
		}
		if v != nil {
			t.Errorf("DecodeInto: got %v, want nil", v)
		}
	})
	t.Run("Mismatch", func(t *testing.T) {
		data, err := codec.Gob{}.Encode("a string", 1)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var got testPayload
		if err := (codec.Gob{}).DecodeInto(data, 1, &got); err == nil {
			t.Errorf("DecodeInto: got %+v, want error", got)
		}
		if err := (codec.Gob{}).DecodeInto(data, 1, nil); err == nil {
			t.Error("DecodeInto(nil): no error reported")
		}
	})
	t.Run("BadVersion", func(t *testing.T) {
		var ve *codec.VersionError
		if _, err := (codec.Gob{}).Encode("x", 2); !errors.As(err, &ve) {
			t.Errorf("Encode version 2: got error %v, want *VersionError", err)
		}
	})
}
