// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/kernelcomm/comms"
	"github.com/kernelcomm/comms/channel"
)

func testMessage() *comms.Message {
	return &comms.Message{
		Kind: comms.KindCall,
		Content: comms.Content{
			CallName: "add",
			CallID:   "id-123",
			Settings: comms.CallSettings{Blocking: true, SendReply: true, Timeout: 3},
		},
		CodecVersion: 1,
		Runtime:      "test",
		Payload:      []byte(`{"call_args":[2,3]}`),
	}
}

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		msg := testMessage()
		if err := c.Send(msg); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != msg {
			t.Errorf("Message: got %v, want %v", got, msg)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(msg); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	// The first close tears down the whole pair.
	if err := s.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("s.Close after close: got %v, want %v", err, net.ErrClosed)
	}

	if err := c.Send(nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("c.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := s.Send(nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("s.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if msg, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %+v", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if msg, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %+v", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestDirectCloseUnblocks(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		if msg, err := c.Recv(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("c.Recv: got (%+v, %v), want %v", msg, err, net.ErrClosed)
		}
		return nil
	})
	g.Go(func() error {
		if msg, err := s.Recv(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("s.Recv: got (%+v, %v), want %v", msg, err, net.ErrClosed)
		}
		return nil
	})

	// Closing one half must release pending receives on both, not just the
	// senders.
	time.Sleep(5 * time.Millisecond) // let the readers block first
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	g.Wait()

	if err := s.Send(testMessage()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestWireRoundTrip(t *testing.T) {
	want := testMessage()
	data := channel.EncodeMessage(want)

	got, err := channel.DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Message (-want, +got):\n%s", diff)
	}

	// An empty payload decodes as nil, not empty.
	want.Payload = nil
	got, err = channel.DecodeMessage(channel.EncodeMessage(want))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got.Payload != nil {
		t.Errorf("Payload: got %v, want nil", got.Payload)
	}
}

func TestWireErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		etext string
	}{
		{"Empty", "", "short frame header"},
		{"ShortHeader", "CM\x00\x00", "short frame header"},
		{"BadPrefix", "XY\x00\x00\x00\x00\x00\x00\x00\x00\x00", "invalid frame prefix"},
		{"BadVersion", "CM\x01\x00\x00\x00\x00\x00\x00\x00\x00", "invalid frame prefix"},
		{"HugeMetadata", "CM\x00\xff\xff\xff\xff\x00\x00\x00\x00", "metadata too large"},
		{"ShortMetadata", "CM\x00\x00\x00\x00\x05\x00\x00\x00\x00{}", "short metadata"},
		{"BadMetadata", "CM\x00\x00\x00\x00\x02\x00\x00\x00\x00[]", "decoding metadata"},
		{"ShortPayload", "CM\x00\x00\x00\x00\x02\x00\x00\x00\x05{}xy", "short payload"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := channel.ReadMessage(strings.NewReader(tc.input))
			if err == nil {
				t.Fatalf("ReadMessage: got %+v, want error", got)
			}
			if !strings.Contains(err.Error(), tc.etext) {
				t.Errorf("ReadMessage: got error %v, want %q", err, tc.etext)
			}
		})
	}
}

func TestIOComm(t *testing.T) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	c := channel.IO(cr, cw)
	s := channel.IO(sr, sw)

	g := taskgroup.New(nil)
	g.Go(func() error {
		defer cw.Close()
		return c.Send(testMessage())
	})

	got, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if diff := cmp.Diff(testMessage(), got); diff != "" {
		t.Errorf("Message (-want, +got):\n%s", diff)
	}
	g.Wait()

	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv after close: got %v, want %v", err, io.EOF)
	}
}

func TestIOCommBuffering(t *testing.T) {
	var buf bytes.Buffer
	c := channel.IO(&buf, nopCloser{&buf})

	first, second := testMessage(), testMessage()
	second.Content.CallID = "id-456"
	for _, msg := range []*comms.Message{first, second} {
		if err := c.Send(msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, want := range []*comms.Message{first, second} {
		got, err := c.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Message (-want, +got):\n%s", diff)
		}
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
