// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package wschannel implements the comms.Comm interface over websockets.
// Each message travels as one binary websocket frame in the format of the
// channel package.
package wschannel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kernelcomm/comms"
	"github.com/kernelcomm/comms/channel"
)

// A Channel is a comms.Comm that exchanges messages over a websocket
// connection. It is safe for concurrent use by one sender and one receiver.
type Channel struct {
	wmu  sync.Mutex // serializes writes, including the close frame
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// New wraps an established websocket connection in a Channel.
func New(conn *websocket.Conn) *Channel { return &Channel{conn: conn} }

// Dial connects to the websocket listener at url (a ws:// or wss:// URL)
// and returns the resulting channel. A nil tlsConfig uses the dialer
// defaults.
func Dial(url string, tlsConfig *tls.Config) (*Channel, error) {
	dialer := websocket.Dialer{TLSClientConfig: tlsConfig}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// Send implements a method of the [comms.Comm] interface.
func (c *Channel) Send(msg *comms.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, channel.EncodeMessage(msg))
}

// Recv implements a method of the [comms.Comm] interface. A normal closure
// by the remote side reports net.ErrClosed.
func (c *Channel) Recv() (*comms.Message, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", mt)
	}
	return channel.DecodeMessage(data)
}

// Close implements a method of the [comms.Comm] interface. The first close
// sends a close frame before closing the connection.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		werr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()

		cerr := c.conn.Close()
		if werr != nil && !errors.Is(werr, net.ErrClosed) {
			c.closeErr = werr
		} else {
			c.closeErr = cerr
		}
	})
	return c.closeErr
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// A Listener accepts inbound websocket channels. It implements
// http.Handler: install it on a route of an HTTP server, then call Accept
// to obtain the channels of upgraded connections.
type Listener struct {
	mu     sync.Mutex
	closed bool
	inc    chan *Channel
}

// NewListener constructs a listener that buffers up to maxPending upgraded
// connections awaiting Accept; connections arriving beyond that are
// rejected. If maxPending <= 0 a default of 1 is used.
func NewListener(maxPending int) *Listener {
	if maxPending <= 0 {
		maxPending = 1
	}
	return &Listener{inc: make(chan *Channel, maxPending)}
}

// ServeHTTP implements the http.Handler interface. It upgrades the request
// to a websocket and queues the resulting channel for Accept.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // the upgrader has already written an error response
	}
	ch := New(conn)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		ch.Close()
		return
	}
	select {
	case l.inc <- ch:
	default:
		ch.Close() // accept queue is full
	}
}

// Accept returns the next inbound channel, blocking until one is available
// or ctx ends. It reports net.ErrClosed after the listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	select {
	case ch, ok := <-l.inc:
		if !ok {
			return nil, net.ErrClosed
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the listener. Channels already queued but not yet accepted
// are closed and discarded.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.inc)
	for ch := range l.inc {
		ch.Close()
	}
	return nil
}
