package comms

import (
	"fmt"

	"github.com/kernelcomm/comms/codec"
)

func init() {
	// Announce the wire structs to the gob codec. Registering the value form
	// covers pointers too, since gob flattens indirections. Payload element
	// types are the user's to register.
	codec.Register(Arguments{})
	codec.Register(ErrorDescriptor{})
}

// Kind identifies the role of a Message in the protocol.
type Kind string

const (
	// KindCall is a request to execute a named call on the receiving side.
	KindCall Kind = "remote_call"

	// KindReply carries the outcome of a previously received call back to
	// its originator.
	KindReply Kind = "remote_call_reply"
)

// A Message is the unit of exchange between two endpoints: structured
// metadata plus one opaque binary payload. The payload is encoded by the
// sender's codec using the version recorded in CodecVersion, and its meaning
// depends on the kind: call arguments for a call, a return value or an error
// descriptor for a reply.
type Message struct {
	Kind         Kind    `json:"kind"`
	Content      Content `json:"content"`
	CodecVersion int     `json:"codec_version"`
	Runtime      string  `json:"runtime,omitempty"`

	Payload []byte `json:"-"`
}

// Content is the envelope shared by call and reply messages. Settings is
// meaningful only on calls; IsError only on replies. CallName is carried on
// replies as well, for diagnostics.
type Content struct {
	CallName string       `json:"call_name"`
	CallID   string       `json:"call_id"`
	Settings CallSettings `json:"settings,omitempty"`
	IsError  bool         `json:"is_error,omitempty"`
}

// CallSettings describe how the caller wants a call treated. SendReply is
// computed by the caller, never set directly: it is true when the caller is
// blocking or registered a callback.
type CallSettings struct {
	Blocking  bool    `json:"blocking,omitempty"`
	SendReply bool    `json:"send_reply,omitempty"`
	Timeout   float64 `json:"timeout,omitempty"` // seconds
}

// Arguments is the decoded payload of a call message.
type Arguments struct {
	Args   []any          `json:"call_args"`
	Kwargs map[string]any `json:"call_kwargs,omitempty"`
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	switch m.Kind {
	case KindCall:
		return fmt.Sprintf("Call(%s, id=%s, blocking=%v, [%d bytes])",
			m.Content.CallName, m.Content.CallID, m.Content.Settings.Blocking, len(m.Payload))
	case KindReply:
		return fmt.Sprintf("Reply(%s, id=%s, error=%v, [%d bytes])",
			m.Content.CallName, m.Content.CallID, m.Content.IsError, len(m.Payload))
	}
	return fmt.Sprintf("Message(%q, [%d bytes])", string(m.Kind), len(m.Payload))
}
