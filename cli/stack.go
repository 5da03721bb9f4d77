package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/nox-hq/parley/assist"
	"github.com/nox-hq/parley/config"
	"github.com/nox-hq/parley/engine"
	"github.com/nox-hq/parley/gate"
	"github.com/nox-hq/parley/history"
	"github.com/nox-hq/parley/redact"
	"github.com/nox-hq/parley/reply"
)

// commonFlags are shared by every command that talks to a model.
type commonFlags struct {
	configPath string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", config.DefaultPath, "path to the YAML config file")
	fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&c.verbose, "v", false, "enable debug logging (shorthand)")
}

// newLogger returns a text logger on w. Without verbose only warnings and
// errors are shown.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// stack is the wired reply pipeline.
type stack struct {
	settings config.Settings
	persona  *config.Persona
	engine   *engine.Engine
	orch     *reply.Orchestrator
}

// buildStack loads settings and wires provider, engine, gate, history and
// orchestrator. A nil provider builds the OpenAI client from settings. The
// persona file, if any, is watched until ctx is done.
func buildStack(ctx context.Context, configPath string, logger *slog.Logger, provider assist.Provider) (*stack, error) {
	settings, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if provider == nil {
		var opts []assist.OpenAIOption
		if settings.APIKey != "" {
			opts = append(opts, assist.WithAPIKey(settings.APIKey))
		}
		if settings.BaseURL != "" {
			opts = append(opts, assist.WithBaseURL(settings.BaseURL))
		}
		provider = assist.NewOpenAIProvider(opts...)
	}
	provider = assist.NewRateLimiter(provider, settings.RequestsPerMinute)

	persona, err := config.LoadPersona(settings.PersonaFile, logger)
	if err != nil {
		return nil, err
	}
	if err := persona.Watch(ctx); err != nil {
		logger.Warn("persona hot reload disabled", "error", err)
	}

	eng := engine.New(provider, settings.Engine(), engine.WithLogger(logger))

	opts := []reply.Option{
		reply.WithLogger(logger),
		reply.WithSystemPrompt(persona.Text),
	}
	if settings.Shortcuts {
		opts = append(opts, reply.WithShortcuts(reply.DefaultShortcuts()))
	}
	if settings.RedactSecrets {
		r, err := redact.New(settings.RedactPatterns...)
		if err != nil {
			return nil, fmt.Errorf("redact patterns: %w", err)
		}
		opts = append(opts, reply.WithPostProcess(r.Transform))
	}
	orch := reply.New(
		eng,
		history.NewStore(settings.MaxTurns),
		gate.New(settings.Concurrency),
		settings.Reply(),
		opts...,
	)

	logger.Debug("pipeline ready",
		"fast", settings.Models.Preview.ID,
		"heavy", settings.Models.Full.ID,
		"vision", settings.Models.Vision.ID,
		"concurrency", settings.Concurrency,
	)
	return &stack{settings: settings, persona: persona, engine: eng, orch: orch}, nil
}

// collectSink gathers delivered chunks in order.
type collectSink struct {
	chunks []string
}

func (c *collectSink) Send(_ context.Context, chunk string) (reply.Handle, error) {
	c.chunks = append(c.chunks, chunk)
	return reply.Handle{ID: uuid.NewString()}, nil
}

// writerSink prints each chunk on its own line as it is delivered.
type writerSink struct {
	w io.Writer
}

func (s *writerSink) Send(_ context.Context, chunk string) (reply.Handle, error) {
	if _, err := fmt.Fprintln(s.w, chunk); err != nil {
		return reply.Handle{}, err
	}
	return reply.Handle{ID: uuid.NewString()}, nil
}
