// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the comms.Comm interface.
package channel

import (
	"bufio"
	"io"
	"net"

	"github.com/kernelcomm/comms"
)

// Direct constructs a connected pair of in-memory comms that pass messages
// directly without encoding into binary. Messages sent to A are received by
// B and vice versa. Closing either half closes the pair: pending and future
// operations on both halves report net.ErrClosed.
func Direct() (A, B comms.Comm) {
	a2b := make(chan *comms.Message)
	b2a := make(chan *comms.Message)
	done := make(chan struct{})
	A = direct{send: a2b, recv: b2a, done: done}
	B = direct{send: b2a, recv: a2b, done: done}
	return
}

type direct struct {
	send chan<- *comms.Message
	recv <-chan *comms.Message
	done chan struct{} // closed by the first Close on either half
}

// Send implements a method of the [comms.Comm] interface.
func (d direct) Send(msg *comms.Message) error {
	select {
	case d.send <- msg:
		return nil
	case <-d.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [comms.Comm] interface.
func (d direct) Recv() (*comms.Message, error) {
	select {
	case msg := <-d.recv:
		return msg, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [comms.Comm] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.done)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a comm that receives from r and sends to wc, framing each
// message in the binary format of this package.
func IO(r io.Reader, wc io.WriteCloser) IOComm {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOComm{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOComm sends and receives framed messages on a reader and a writer.
type IOComm struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [comms.Comm] interface.
func (c IOComm) Send(msg *comms.Message) error {
	if err := WriteMessage(c.w, msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [comms.Comm] interface.
func (c IOComm) Recv() (*comms.Message, error) {
	return ReadMessage(c.r)
}

// Close implements a method of the [comms.Comm] interface.
func (c IOComm) Close() error { return c.c.Close() }
