package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/nox-hq/parley/assist"
	"github.com/nox-hq/parley/cli/tui"
	"github.com/nox-hq/parley/reply"
)

// runChat implements "parley chat": a TUI when stdout is a terminal, a
// line-oriented loop otherwise.
func runChat(args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)

	var (
		conversation string
		plain        bool
	)
	fs.StringVar(&conversation, "conversation", "cli", "conversation identifier")
	fs.BoolVar(&plain, "plain", false, "use line mode even on a terminal")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interactive := !plain && isTerminal()

	// The TUI owns the screen; logs would tear it.
	logOut := io.Writer(os.Stderr)
	if interactive && !common.verbose {
		logOut = io.Discard
	}
	logger := newLogger(logOut, common.verbose)

	st, err := buildStack(ctx, common.configPath, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	if !interactive {
		if err := chatLines(ctx, st.orch, conversation, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	m := tui.New(ctx, conversation, sendFunc(st.orch, conversation),
		tui.WithReset(func() { st.orch.History().Reset(conversation) }),
	)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: TUI failed: %v\n", err)
		return 2
	}
	return 0
}

// sendFunc adapts the orchestrator to the TUI.
func sendFunc(orch *reply.Orchestrator, conversation string) tui.SendFunc {
	return func(ctx context.Context, text string, hooks tui.Hooks) ([]string, error) {
		sink := &collectSink{}
		req := reply.Request{
			ConversationID: conversation,
			User:           assist.Text(text),
			Sink:           sink,
			OnPreview:      hooks.OnPreview,
		}
		if hooks.Typing != nil {
			req.Typing = reply.TypingFunc(func(context.Context) func() { return hooks.Typing() })
		}
		_, err := orch.Reply(ctx, req)
		return sink.chunks, err
	}
}

// chatLines reads one message per line from in and writes each reply to
// out. "/reset" forgets the conversation and "/quit" stops.
func chatLines(ctx context.Context, orch *reply.Orchestrator, conversation string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "/quit":
			return nil
		case "/reset":
			orch.History().Reset(conversation)
			fmt.Fprintln(out, "[history cleared]")
			continue
		}

		_, err := orch.Reply(ctx, reply.Request{
			ConversationID: conversation,
			User:           assist.Text(text),
			Sink:           &writerSink{w: out},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return scanner.Err()
}

// isTerminal returns true if stdout is connected to a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
