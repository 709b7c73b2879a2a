// Package endpoints provides support code for managing and testing
// endpoints.
package endpoints

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/kernelcomm/comms"
	"github.com/kernelcomm/comms/channel"
	"github.com/kernelcomm/comms/codec"
)

// Local is a pair of in-memory connected endpoints, suitable for testing.
// AtoB is the comm id by which A addresses B; BtoA the reverse.
type Local struct {
	A, B       *comms.Endpoint
	AtoB, BtoA string
}

// NewLocal creates a pair of connected endpoints that communicate via a
// direct channel without binary encoding, both using the JSON codec.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	A := comms.NewEndpoint(codec.JSON{})
	B := comms.NewEndpoint(codec.JSON{})
	return &Local{A: A, B: B, AtoB: A.Bind(a2b), BtoA: B.Bind(b2a)}
}

// WaitReady blocks until both endpoints report their comm ready, or the
// deadline elapses. The handshake is asynchronous, so tests that depend on
// readiness should call this after NewLocal.
func (l *Local) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !l.A.IsReady(l.AtoB) || !l.B.IsReady(l.BtoA) {
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for handshake")
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// WaitReady blocks until ep reports the comm with the given id ready, or the
// deadline elapses.
func WaitReady(ep *comms.Endpoint, commID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !ep.IsReady(commID) {
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for handshake")
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Stop closes the comms on both endpoints and blocks until both have
// exited.
func (l *Local) Stop() error {
	aerr := l.A.Close("")
	berr := l.B.Close("")
	l.A.Wait()
	l.B.Wait()
	if aerr != nil {
		return aerr
	}
	return berr
}

// An Accepter produces comms from inbound connections.
type Accepter interface {
	Accept(context.Context) (comms.Comm, error)
}

// Loop accepts connections from acc and binds each one to a fresh endpoint
// from newEndpoint, in a goroutine. Loop continues until acc closes or ctx
// ends. When ctx terminates, all running endpoints are stopped; when acc
// closes, the loop waits for running endpoints to exit before returning.
func Loop(ctx context.Context, acc Accepter, newEndpoint func() *comms.Endpoint) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			ep := newEndpoint()
			ep.Bind(ch)
			go func() { <-sctx.Done(); ep.Close("") }()
			ep.Wait()
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface, framing
// messages with channel.IO.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (comms.Comm, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to
	// clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// Dial connects to the given address and returns a comm framing messages
// over the connection. The network is inferred with SplitAddress.
func Dial(addr string) (comms.Comm, error) {
	network, address := SplitAddress(addr)
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// SplitAddress guesses the network type for an address string. An address
// of the form [host]:port is assigned network "tcp", provided the port part
// is a plausible port number or service name and the host part contains no
// "/". Anything else is treated as the path of a Unix-domain socket.
//
// SplitAddress does not check that the address is otherwise valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 || i == len(s)-1 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if !isServiceName(port) || strings.ContainsRune(host, '/') {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s could be a port number or a name from the
// services(5) database. The accepted alphabet is letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		switch {
		case b >= '0' && b <= '9', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b == '-':
		default:
			return false
		}
	}
	return true
}
