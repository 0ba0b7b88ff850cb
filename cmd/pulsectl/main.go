// Command pulsectl is a minimal CLI over the connection core: connect to
// a server, run one operation, print the result. It exists mainly as the
// library's own smoke-test surface, grounded on the teacher's
// build-config/build-client/connect/run-one-operation/close shape
// (internal/cli/socket.go's SocketCLI).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gopulse/pulseclient"
	"github.com/gopulse/pulseclient/internal/mainloop"
	"github.com/gopulse/pulseclient/internal/spawn"
)

func main() {
	server := flag.String("server", "", "explicit server string (unix:/path, tcp4:host:port, ...)")
	op := flag.String("op", "drain", "operation to run: drain, exit, set-default-sink, set-default-source")
	arg := flag.String("arg", "", "argument for set-default-sink/set-default-source")
	timeout := flag.Duration("timeout", 5*time.Second, "how long to wait for the operation")
	flag.Parse()

	loop := mainloop.NewGo()
	defer loop.Stop()

	ctx := pulseclient.New(loop, "pulsectl")

	ready := make(chan pulseclient.State, 1)
	ctx.SetStateCallback(func(c *pulseclient.Context, s pulseclient.State) {
		if s == pulseclient.StateReady || s.IsTerminal() {
			select {
			case ready <- s:
			default:
			}
		}
	})

	if err := ctx.Connect(*server, 0, spawn.Hooks{}); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	select {
	case s := <-ready:
		if s != pulseclient.StateReady {
			fmt.Fprintf(os.Stderr, "connection failed: %s (%s)\n", s, ctx.Errno())
			os.Exit(1)
		}
	case <-time.After(*timeout):
		fmt.Fprintln(os.Stderr, "timed out waiting to connect")
		os.Exit(1)
	}
	fmt.Printf("connected to %s (protocol %d)\n", ctx.GetServer(), ctx.GetProtocolVersion())

	done := make(chan bool, 1)
	cb := func(c *pulseclient.Context, success bool) { done <- success }

	var runErr error
	switch *op {
	case "drain":
		_, runErr = ctx.Drain(cb)
	case "exit":
		_, runErr = ctx.ExitDaemon(cb)
	case "set-default-sink":
		_, runErr = ctx.SetDefaultSink(*arg, cb)
	case "set-default-source":
		_, runErr = ctx.SetDefaultSource(*arg, cb)
	default:
		fmt.Fprintf(os.Stderr, "unknown -op %q\n", *op)
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "operation:", runErr)
		os.Exit(1)
	}

	select {
	case ok := <-done:
		if !ok {
			fmt.Fprintln(os.Stderr, "operation failed:", ctx.Errno())
			os.Exit(1)
		}
		fmt.Println("ok")
	case <-time.After(*timeout):
		fmt.Fprintln(os.Stderr, "timed out waiting for operation")
		os.Exit(1)
	}

	ctx.Disconnect()
}
