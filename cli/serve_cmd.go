package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nox-hq/parley/server"
)

// runServe starts the MCP server on stdio. Logs go to stderr since stdout
// carries the protocol.
func runServe(args []string) int {
	serveFS := flag.NewFlagSet("serve", flag.ContinueOnError)
	var common commonFlags
	common.register(serveFS)

	if err := serveFS.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Stderr, common.verbose)
	st, err := buildStack(ctx, common.configPath, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	srv := server.New(version, st.orch,
		server.WithLogger(logger),
		server.WithStats(st.engine.Stats),
	)
	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "error: MCP server failed: %v\n", err)
		return 2
	}
	return 0
}
