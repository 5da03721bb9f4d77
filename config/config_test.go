package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	s, err := Load(filepath.Join(t.TempDir(), "parley.yaml"), envMap(nil))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	want := Default()
	if s.Concurrency != 3 || s.Retries != 2 || s.MaxTurns != 6 || s.ChunkSize != 1900 {
		t.Errorf("limits = %d/%d/%d/%d", s.Concurrency, s.Retries, s.MaxTurns, s.ChunkSize)
	}
	if s.PreviewDeadline != 20*time.Second || s.HardDeadline != 90*time.Second || s.PerTryTimeout != 40*time.Second {
		t.Errorf("deadlines = %v/%v/%v", s.PreviewDeadline, s.HardDeadline, s.PerTryTimeout)
	}
	if s.PromptBudget != 3000 || s.TruncationCap != 12000 || s.EscalationTokens != 64 {
		t.Errorf("tokens = %d/%d/%d", s.PromptBudget, s.TruncationCap, s.EscalationTokens)
	}
	if s.Models != want.Models {
		t.Errorf("models = %+v", s.Models)
	}
	if !s.Models.Full.Heavy || !s.Models.Vision.SupportsVision || s.Models.Preview.Heavy {
		t.Errorf("default capabilities wrong: %+v", s.Models)
	}
	if !s.Shortcuts || !s.RedactSecrets {
		t.Error("shortcuts and redaction should default on")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "parley.yaml", `concurrency: 5
retries: 4
deadlines:
  preview: 5s
  hard: 1m
backoff:
  cap: 2s
tokens:
  full: 2500
  prompt: 1000
models:
  - role: fast
    id: small-model
    supports_sampling: true
  - role: heavy
    id: big-model
    heavy: true
  - role: vision
    id: eye-model
    supports_vision: true
openai:
  base_url: http://localhost:8080/v1
  api_key_env: MY_KEY
  requests_per_minute: 120
sampling:
  temperature: 0.7
shortcuts: false
persona_file: persona.txt
messages:
  timeout: "Too slow, sorry."
redact:
  enabled: false
  patterns:
    - "internal-[0-9]+"
`)

	s, err := Load(path, envMap(map[string]string{"MY_KEY": "sk-test"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.Concurrency != 5 || s.Retries != 4 {
		t.Errorf("concurrency/retries = %d/%d", s.Concurrency, s.Retries)
	}
	if s.PreviewDeadline != 5*time.Second || s.HardDeadline != time.Minute || s.PerTryTimeout != 40*time.Second {
		t.Errorf("deadlines = %v/%v/%v", s.PreviewDeadline, s.HardDeadline, s.PerTryTimeout)
	}
	if s.BackoffCap != 2*time.Second || s.BackoffBase != time.Second {
		t.Errorf("backoff = %v/%v", s.BackoffBase, s.BackoffCap)
	}
	if s.FullTokens != 2500 || s.PromptBudget != 1000 || s.PreviewTokens != 1500 {
		t.Errorf("tokens = %d/%d/%d", s.FullTokens, s.PromptBudget, s.PreviewTokens)
	}
	if s.Models.Preview.ID != "small-model" || !s.Models.Preview.SupportsSampling {
		t.Errorf("preview = %+v", s.Models.Preview)
	}
	if s.Models.Full.ID != "big-model" || !s.Models.Full.Heavy {
		t.Errorf("full = %+v", s.Models.Full)
	}
	if s.Models.Vision.ID != "eye-model" || !s.Models.Vision.SupportsVision {
		t.Errorf("vision = %+v", s.Models.Vision)
	}
	if s.BaseURL != "http://localhost:8080/v1" || s.APIKey != "sk-test" || s.RequestsPerMinute != 120 {
		t.Errorf("openai = %q %q %d", s.BaseURL, s.APIKey, s.RequestsPerMinute)
	}
	if s.Sampling.Temperature == nil || *s.Sampling.Temperature != 0.7 || s.Sampling.TopP != nil {
		t.Errorf("sampling = %+v", s.Sampling)
	}
	if s.Shortcuts {
		t.Error("shortcuts should be disabled")
	}
	if s.PersonaFile != "persona.txt" || s.TimeoutText != "Too slow, sorry." {
		t.Errorf("persona/timeout = %q/%q", s.PersonaFile, s.TimeoutText)
	}
	if s.RedactSecrets || len(s.RedactPatterns) != 1 {
		t.Errorf("redact = %v %v", s.RedactSecrets, s.RedactPatterns)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "parley.yaml", `concurrency: 5
models:
  - role: heavy
    id: big-model
    heavy: true
    supports_sampling: true
`)

	s, err := Load(path, envMap(map[string]string{
		"GLOBAL_CONCURRENCY":  "8",
		"FULL_HARD_DEADLINE":  "1.5",
		"MAX_TURNS":           "10",
		"MODEL_HEAVY":         "big-model",
		"MODEL_FAST":          "tiny",
		"OPENAI_API_KEY":      "sk-env",
		"OPENAI_BASE_URL":     "http://proxy/v1",
		"SHORTCUTS_ENABLED":   "0",
		"PERSONA_FILE":        "/etc/parley/persona.md",
		"REQUESTS_PER_MINUTE": "30",
		"REDACT_SECRETS":      "false",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Concurrency != 8 || s.MaxTurns != 10 {
		t.Errorf("concurrency/max turns = %d/%d", s.Concurrency, s.MaxTurns)
	}
	if s.HardDeadline != 1500*time.Millisecond {
		t.Errorf("hard deadline = %v", s.HardDeadline)
	}
	if !s.Models.Full.SupportsSampling {
		t.Error("env model matching a file entry should keep its capabilities")
	}
	if s.Models.Preview.ID != "tiny" || s.Models.Preview.Heavy || s.Models.Preview.SupportsVision {
		t.Errorf("env-only fast model = %+v", s.Models.Preview)
	}
	if s.APIKey != "sk-env" || s.BaseURL != "http://proxy/v1" || s.RequestsPerMinute != 30 {
		t.Errorf("openai = %q %q %d", s.APIKey, s.BaseURL, s.RequestsPerMinute)
	}
	if s.Shortcuts || s.RedactSecrets || s.PersonaFile != "/etc/parley/persona.md" {
		t.Errorf("shortcuts/redact/persona = %v/%v/%q", s.Shortcuts, s.RedactSecrets, s.PersonaFile)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{"bad yaml", "concurrency: [", nil, "parsing"},
		{"bad duration", "deadlines:\n  hard: soon\n", nil, "deadlines.hard"},
		{"unknown role", "models:\n  - role: judge\n    id: x\n", nil, "unknown role"},
		{"model without id", "models:\n  - role: fast\n", nil, "no id"},
		{"bad env int", "", map[string]string{"CHUNK_SIZE": "big"}, "CHUNK_SIZE"},
		{"negative env int", "", map[string]string{"GLOBAL_CONCURRENCY": "-1"}, "GLOBAL_CONCURRENCY"},
		{"bad env seconds", "", map[string]string{"PREVIEW_DEADLINE": "0"}, "PREVIEW_DEADLINE"},
		{"bad env bool", "", map[string]string{"SHORTCUTS_ENABLED": "maybe"}, "SHORTCUTS_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "parley.yaml", tt.yaml)
			_, err := Load(path, envMap(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_FullRetriesIsAttemptCount(t *testing.T) {
	t.Parallel()

	s, err := Load(filepath.Join(t.TempDir(), "parley.yaml"), envMap(map[string]string{"FULL_RETRIES": "1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Engine().Retries; got != 1 {
		t.Errorf("engine attempts = %d, want 1 for FULL_RETRIES=1", got)
	}
}

func TestSettings_Mapping(t *testing.T) {
	t.Parallel()

	s := Default()
	s.Retries = 5
	s.HardDeadline = time.Second
	s.TimeoutText = "slow"

	ec := s.Engine()
	if ec.Retries != 5 || ec.PerTryTimeout != s.PerTryTimeout || ec.FallbackText != s.FallbackText {
		t.Errorf("engine config = %+v", ec)
	}
	rc := s.Reply()
	if rc.HardDeadline != time.Second || rc.TimeoutText != "slow" || rc.Models != s.Models || rc.EmptyText != s.FallbackText {
		t.Errorf("reply config = %+v", rc)
	}
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPersona_LoadAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "persona.md", "  You are terse.\n")

	p, err := LoadPersona(path, quiet)
	if err != nil {
		t.Fatalf("LoadPersona: %v", err)
	}
	if p.Text() != "You are terse." {
		t.Errorf("Text = %q", p.Text())
	}

	writeFile(t, dir, "persona.md", "")
	if err := p.Reload(); err == nil {
		t.Error("empty persona should fail to reload")
	}
	if p.Text() != "You are terse." {
		t.Errorf("failed reload should keep previous text, got %q", p.Text())
	}

	if _, err := LoadPersona(filepath.Join(dir, "missing.md"), quiet); err == nil {
		t.Error("missing persona file should fail")
	}

	empty, err := LoadPersona("", quiet)
	if err != nil || empty.Text() != "" {
		t.Errorf("empty path = %q, %v", empty.Text(), err)
	}
	if err := empty.Watch(context.Background()); err != nil {
		t.Errorf("watching an empty path should be a no-op, got %v", err)
	}
}

func TestPersona_Watch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "persona.md", "first")

	p, err := LoadPersona(path, quiet)
	if err != nil {
		t.Fatalf("LoadPersona: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, dir, "other.md", "ignored")
	writeFile(t, dir, "persona.md", "second")

	deadline := time.Now().Add(5 * time.Second)
	for p.Text() != "second" {
		if time.Now().After(deadline) {
			t.Fatalf("persona not reloaded, text = %q", p.Text())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
