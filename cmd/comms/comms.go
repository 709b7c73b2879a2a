// Program comms is a command-line utility for interacting with comms
// endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kernelcomm/comms"
	"github.com/kernelcomm/comms/codec"
	"github.com/kernelcomm/comms/endpoints"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with comms endpoints.",
		Commands: []*command.C{
			{
				Name:     "call",
				Usage:    "<name> <json-arg>...",
				Help:     "Issue a blocking call on a remote endpoint and print the reply as JSON.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:     "serve",
				Usage:    "[--config file]",
				Help:     "Run a debugging endpoint serving echo and add calls.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

var callFlags struct {
	Addr    string        `flag:"addr,Address of the remote endpoint ([host]:port or socket path)"`
	Timeout time.Duration `flag:"timeout,default=3s,Blocking call timeout"`
	Ready   time.Duration `flag:"ready,default=2s,How long to wait for the handshake"`
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing call name")
	} else if callFlags.Addr == "" {
		return env.Usagef("missing --addr")
	}
	name := env.Args[0]

	// Arguments are JSON values; bare words that do not parse are sent as
	// strings.
	var args []any
	for _, raw := range env.Args[1:] {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args = append(args, v)
	}

	ch, err := endpoints.Dial(callFlags.Addr)
	if err != nil {
		return fmt.Errorf("dial %q: %w", callFlags.Addr, err)
	}
	ep := comms.NewEndpoint(codec.JSON{})
	id := ep.Bind(ch)
	defer func() { ep.Close(""); ep.Wait() }()

	if err := endpoints.WaitReady(ep, id, callFlags.Ready); err != nil {
		return err
	}
	v, err := ep.Remote(comms.To(id), comms.Blocking(), comms.WithTimeout(callFlags.Timeout)).
		Call(context.Background(), name, args...)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var serveFlags struct {
	Addr   string `flag:"addr,Address to listen on ([host]:port or socket path)"`
	Config string `flag:"config,Path to a TOML config file"`
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig(serveFlags.Config)
	if err != nil {
		return err
	}
	if serveFlags.Addr != "" {
		cfg.Addr = serveFlags.Addr
	}
	if cfg.Addr == "" {
		return env.Usagef("missing --addr (or addr in the config file)")
	}
	log, err := cfg.logger()
	if err != nil {
		return err
	}
	c, err := cfg.codec()
	if err != nil {
		return err
	}

	network, address := endpoints.SplitAddress(cfg.Addr)
	lst, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	log.Info().Str("addr", cfg.Addr).Msg("endpoint listening")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	newEndpoint := func() *comms.Endpoint {
		ep := comms.NewEndpoint(c).LogWith(log)
		ep.Handle("echo", func(ctx context.Context, req *comms.Request) (any, error) {
			return req.Args, nil
		})
		ep.Handle("add", func(ctx context.Context, req *comms.Request) (any, error) {
			var sum float64
			for i, a := range req.Args {
				switch n := a.(type) {
				case float64:
					sum += n
				case json.Number:
					f, err := n.Float64()
					if err != nil {
						return nil, fmt.Errorf("argument %d: %w", i, err)
					}
					sum += f
				default:
					return nil, fmt.Errorf("argument %d is not a number", i)
				}
			}
			return sum, nil
		})
		return ep
	}
	return endpoints.Loop(ctx, endpoints.NetAccepter(lst), newEndpoint)
}
