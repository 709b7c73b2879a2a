// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"encoding/json"
)

// JSON is a Codec carrying payloads as JSON text. It is self-describing and
// needs no type registration, at the cost of decoding generic numbers as
// float64 (version 1) or json.Number (version 2).
//
// Version 2 differs from version 1 only on the decoding side: generic
// decoding preserves integer precision by producing json.Number instead of
// float64.
type JSON struct{}

// MaxVersion implements part of the Codec interface.
func (JSON) MaxVersion() int { return 2 }

// Encode implements part of the Codec interface.
func (JSON) Encode(v any, version int) ([]byte, error) {
	if err := checkVersion(version, JSON{}.MaxVersion()); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Decode implements part of the Codec interface.
func (JSON) Decode(data []byte, version int) (any, error) {
	if err := checkVersion(version, JSON{}.MaxVersion()); err != nil {
		return nil, err
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	if version >= 2 {
		dec.UseNumber()
	}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeInto implements part of the Codec interface. Interface-typed fields
// of v receive numbers in the same representation Decode produces for the
// version in use.
func (JSON) DecodeInto(data []byte, version int, v any) error {
	if err := checkVersion(version, JSON{}.MaxVersion()); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if version >= 2 {
		dec.UseNumber()
	}
	return dec.Decode(v)
}
