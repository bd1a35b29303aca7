// dotpd runs a dotp node hosting a single `echo` isolate.
//
// It can also call a method on a remote process then exit, which makes it
// handy to poke at a running cluster:
//
//	dotpd -config node.toml -call-node <node id> -call-vid <visible id> -method ping
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raskyld/dotp"
)

var (
	ConfigPath = flag.String("config", "", "path to a dotpd.toml file")

	CallNode = flag.String("call-node", "", "node id owning the process to call")
	CallVID  = flag.String("call-vid", "", "visible id of the process to call")
	Method   = flag.String("method", "ping", "method to call")
)

func main() {
	flag.Parse()

	cfg, err := LoadConfig(*ConfigPath, os.Getenv)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	lvl, _ := cfg.logLevel()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})

	opts, err := cfg.Options(handler)
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	node, err := dotp.New(opts...)
	if err != nil {
		slog.Error("failed to create node", "error", err)
		os.Exit(2)
	}

	logger := slog.New(handler).With(dotp.LabelNodeID.L(node.ID()))

	pid, err := node.Spawn(&echo{logger: logger})
	if err != nil {
		slog.Error("failed to spawn echo", "error", err)
		os.Exit(2)
	}
	logger.Info("echo isolate spawned", dotp.LabelVisibleID.L(pid.VisibleID()))

	// This will gracefully shutdown your node when pressing CTRL+C.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		<-sigCh
		logger.Info("terminating...")
		cancel(errors.New("user requested shutdown"))
	}()

	if err := node.Start(ctx); err != nil {
		logger.Error("failed to start node", "error", err)
		os.Exit(3)
	}

	exitCode := 0
	if *CallNode != "" && *CallVID != "" {
		exitCode = callOnce(ctx, node, cfg.CallTimeout, flag.Args())
	} else {
		<-ctx.Done()
	}

	node.Shutdown()
	os.Exit(exitCode)
}

func callOnce(ctx context.Context, node *dotp.Node, timeout time.Duration, args []string) int {
	target := dotp.NewPID(dotp.VisibleID(*CallVID), *CallNode)

	callArgs := make([]any, len(args))
	for i, arg := range args {
		callArgs[i] = arg
	}

	res, err := node.Call(ctx, target, *Method, timeout, callArgs...)
	if err != nil {
		slog.Error("call failed", dotp.LabelPID.L(target), "error", err)
		return 4
	}
	fmt.Println(res)
	return 0
}

// echo answers `ping` and returns what it is given by `echo`.
type echo struct {
	dotp.NopBehaviour
	logger *slog.Logger
}

func (e *echo) Methods() dotp.Methods {
	return dotp.Methods{
		"ping": func(context.Context, []any) (any, error) {
			return "pong", nil
		},
		"echo": func(_ context.Context, args []any) (any, error) {
			return args, nil
		},
	}
}

func (e *echo) Receive(_ context.Context, args []any) {
	e.logger.Info("received a message", "args", args)
}
