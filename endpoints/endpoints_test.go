package endpoints_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/kernelcomm/comms"
	"github.com/kernelcomm/comms/codec"
	"github.com/kernelcomm/comms/endpoints"
	"github.com/kernelcomm/comms/handler"
)

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc := endpoints.NewLocal()
	if err := loc.WaitReady(5 * time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	loc.B.Handle("echo", func(ctx context.Context, req *comms.Request) (any, error) {
		return req.Args, nil
	})
	got, err := loc.A.Remote(comms.To(loc.AtoB), comms.Blocking()).
		Call(context.Background(), "echo", "hi")
	if err != nil {
		t.Fatalf("Call echo: unexpected error: %v", err)
	}
	if vs, ok := got.([]any); !ok || len(vs) != 1 || vs[0] != "hi" {
		t.Errorf("Call echo: got %v, want [hi]", got)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stopping endpoints: %v", err)
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := taskgroup.New(nil)
	g.Go(func() error {
		return endpoints.Loop(ctx, endpoints.NetAccepter(lst), func() *comms.Endpoint {
			return comms.NewEndpoint(codec.JSON{}).
				Handle("add", handler.Param2(func(ctx context.Context, x, y int) (any, error) {
					return x + y, nil
				}))
		})
	})
	defer func() {
		cancel()
		if err := g.Wait(); err != nil {
			t.Errorf("Loop: %v", err)
		}
	}()

	// Two clients served concurrently by the same loop.
	for range 2 {
		conn, err := endpoints.Dial(lst.Addr().String())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		client := comms.NewEndpoint(codec.JSON{})
		id := client.Bind(conn)
		if err := endpoints.WaitReady(client, id, 5*time.Second); err != nil {
			t.Fatalf("WaitReady: %v", err)
		}

		got, err := client.Remote(comms.To(id), comms.Blocking()).
			Call(context.Background(), "add", 3, 4)
		if err != nil {
			t.Fatalf("Call add: unexpected error: %v", err)
		}
		if got != json.Number("7") {
			t.Errorf("Call add: got %v, want 7", got)
		}

		client.Close("")
		client.Wait()
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name
	}
	for _, test := range tests {
		got, addr := endpoints.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}
