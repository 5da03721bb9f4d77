package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nox-hq/parley/assist"
	"github.com/nox-hq/parley/reply"
)

// runAsk sends one message and prints each delivered chunk to stdout.
func runAsk(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)

	var (
		conversation string
		images       []string
		showPreview  bool
	)
	fs.StringVar(&conversation, "conversation", "cli", "conversation identifier")
	fs.Func("image", "image URL to attach (repeatable)", func(v string) error {
		images = append(images, v)
		return nil
	})
	fs.BoolVar(&showPreview, "preview", false, "print the early draft to stderr when it arrives")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: parley ask [flags] <text>")
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

	req := reply.Request{
		ConversationID: conversation,
		User:           assist.UserContent(text, images...),
		Sink:           &writerSink{w: stdout},
	}
	if showPreview {
		req.OnPreview = func(draft string) {
			fmt.Fprintf(os.Stderr, "[preview] %s\n", draft)
		}
	}

	res, err := st.orch.Reply(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	logger.Debug("reply done", "model", res.FullModel, "chunks", len(res.Chunks), "timed_out", res.TimedOut)
	return 0
}
