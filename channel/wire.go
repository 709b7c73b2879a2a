package channel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kernelcomm/comms"
)

// Binary frame format, version 0:
//
//	| C | M | 0 | mlen (4) | plen (4) | metadata (mlen) | payload (plen) |
//
// The metadata is the JSON encoding of the message minus its payload;
// lengths are big-endian uint32.

const frameVersion = 0

// maxMetaLen bounds the metadata section of an inbound frame. Metadata is a
// small envelope; anything larger indicates a corrupt or hostile stream.
const maxMetaLen = 1 << 20

// WriteMessage writes msg to w in binary frame format.
func WriteMessage(w io.Writer, msg *comms.Message) error {
	meta, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	hdr := [11]byte{'C', 'M', frameVersion}
	binary.BigEndian.PutUint32(hdr[3:], uint32(len(meta)))
	binary.BigEndian.PutUint32(hdr[7:], uint32(len(msg.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(meta); err != nil {
		return err
	}
	if len(msg.Payload) != 0 {
		if _, err := w.Write(msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads one message from r in binary frame format.
func ReadMessage(r io.Reader) (*comms.Message, error) {
	var hdr [11]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("short frame header: %w", err)
	}
	if m := string(hdr[:3]); m != "CM\x00" {
		return nil, fmt.Errorf("invalid frame prefix %q", m)
	}
	mlen := binary.BigEndian.Uint32(hdr[3:])
	plen := binary.BigEndian.Uint32(hdr[7:])
	if mlen > maxMetaLen {
		return nil, fmt.Errorf("metadata too large (%d bytes)", mlen)
	}

	meta := make([]byte, int(mlen))
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, fmt.Errorf("short metadata: %w", err)
	}
	msg := new(comms.Message)
	if err := json.Unmarshal(meta, msg); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if plen > 0 {
		msg.Payload = make([]byte, int(plen))
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("short payload: %w", err)
		}
	}
	return msg, nil
}

// EncodeMessage encodes msg as a single binary frame.
func EncodeMessage(msg *comms.Message) []byte {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return buf.Bytes()
}

// DecodeMessage decodes a single binary frame produced by EncodeMessage.
func DecodeMessage(data []byte) (*comms.Message, error) {
	return ReadMessage(bytes.NewReader(data))
}
