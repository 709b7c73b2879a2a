// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package codec defines the payload codec used to carry call arguments,
// return values, and error payloads between endpoints.
//
// A codec supports a range of versions from BaseVersion up to its
// MaxVersion. Two endpoints negotiate the version used on a comm down to the
// lower of their capabilities during the handshake; until then messages are
// exchanged at BaseVersion, which every codec must support.
package codec

import "fmt"

// BaseVersion is the lowest version of every codec, and the version in use
// on a comm before the handshake completes.
const BaseVersion = 1

// A Codec encodes and decodes arbitrary payload values. Implementations
// must be safe for concurrent use.
type Codec interface {
	// Encode encodes v using the given codec version.
	Encode(v any, version int) ([]byte, error)

	// Decode decodes data into a generic value using the given version.
	Decode(data []byte, version int) (any, error)

	// DecodeInto decodes data into the value pointed to by v.
	DecodeInto(data []byte, version int, v any) error

	// MaxVersion reports the highest version the codec supports.
	MaxVersion() int
}

// A VersionError reports a version outside the range a codec supports.
type VersionError struct {
	Version int
	Max     int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("codec version %d out of range [%d..%d]", e.Version, BaseVersion, e.Max)
}

func checkVersion(version, max int) error {
	if version < BaseVersion || version > max {
		return &VersionError{Version: version, Max: max}
	}
	return nil
}
