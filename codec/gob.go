// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
)

// Gob is a Codec carrying payloads in gob wire format. Unlike JSON it
// preserves Go types through a round trip, but every concrete type that
// appears inside a payload must first be announced with Register on both
// sides.
type Gob struct{}

// Register records a concrete type that may appear inside a payload encoded
// with Gob. It has the same sharing and identity rules as gob.Register.
func Register(v any) { gob.Register(v) }

// envelope carries the payload value so that interface-typed values can
// travel through gob.
type envelope struct{ V any }

// MaxVersion implements part of the Codec interface.
func (Gob) MaxVersion() int { return 1 }

// Encode implements part of the Codec interface.
func (Gob) Encode(v any, version int) ([]byte, error) {
	if err := checkVersion(version, Gob{}.MaxVersion()); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{V: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements part of the Codec interface.
func (Gob) Decode(data []byte, version int) (any, error) {
	if err := checkVersion(version, Gob{}.MaxVersion()); err != nil {
		return nil, err
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, err
	}
	return env.V, nil
}

// DecodeInto implements part of the Codec interface.
func (Gob) DecodeInto(data []byte, version int, v any) error {
	val, err := Gob{}.Decode(data, version)
	if err != nil {
		return err
	}
	dst := reflect.ValueOf(v)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return fmt.Errorf("cannot decode into %T", v)
	}
	src := reflect.ValueOf(val)
	elem := dst.Elem()
	switch {
	case !src.IsValid():
		elem.SetZero()
	case src.Type().AssignableTo(elem.Type()):
		elem.Set(src)
	case src.Kind() == reflect.Pointer && src.Elem().Type().AssignableTo(elem.Type()):
		elem.Set(src.Elem())
	default:
		return fmt.Errorf("cannot decode %v into %T", src.Type(), v)
	}
	return nil
}
