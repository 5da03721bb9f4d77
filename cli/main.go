// Package main is the entry point for the parley CLI.
package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the CLI and returns the exit code.
// 0 = success, 1 = the reply could not be delivered, 2 = usage or setup error.
func run(args []string) int {
	fs := flag.NewFlagSet("parley", flag.ContinueOnError)

	var versionFlag bool
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: parley <command> [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve          Start MCP server on stdio\n")
		fmt.Fprintf(os.Stderr, "  ask <text>     Send one message and print the reply\n")
		fmt.Fprintf(os.Stderr, "  chat           Chat interactively (TUI on a terminal, line mode otherwise)\n")
		fmt.Fprintf(os.Stderr, "  version        Print version and exit\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if versionFlag {
		printVersion()
		return 0
	}

	remaining := fs.Args()
	if len(remaining) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: parley <command> [flags]")
		return 2
	}

	command := remaining[0]
	switch command {
	case "serve":
		return runServe(remaining[1:])
	case "ask":
		return runAsk(remaining[1:], os.Stdout)
	case "chat":
		return runChat(remaining[1:])
	case "version":
		printVersion()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		fmt.Fprintln(os.Stderr, "Usage: parley <command> [flags]")
		return 2
	}
}

func printVersion() {
	fmt.Printf("parley %s (commit: %s, built: %s)\n", version, commit, date)
}
