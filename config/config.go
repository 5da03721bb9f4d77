// Package config loads parley settings from a YAML file and the
// environment. A missing file is not an error; every field falls back to a
// built-in default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nox-hq/parley/assist"
	"github.com/nox-hq/parley/engine"
	"github.com/nox-hq/parley/reply"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "parley.yaml"

// Model roles used in the models list.
const (
	RoleFast   = "fast"
	RoleHeavy  = "heavy"
	RoleVision = "vision"
)

// File is the on-disk configuration.
type File struct {
	Concurrency int             `yaml:"concurrency"`
	// Retries is the total number of attempts, first one included.
	Retries     int             `yaml:"retries"`
	MaxTurns    int             `yaml:"max_turns"`
	ChunkSize   int             `yaml:"chunk_size"`
	Deadlines   DeadlineConfig  `yaml:"deadlines"`
	Backoff     BackoffConfig   `yaml:"backoff"`
	Tokens      TokenConfig     `yaml:"tokens"`
	Models      []ModelEntry    `yaml:"models"`
	OpenAI      OpenAIConfig    `yaml:"openai"`
	Sampling    SamplingConfig  `yaml:"sampling"`
	Shortcuts   *bool           `yaml:"shortcuts"`
	PersonaFile string          `yaml:"persona_file"`
	Messages    MessageOverride `yaml:"messages"`
	Redact      RedactConfig    `yaml:"redact"`
}

// DeadlineConfig holds durations such as "20s" or "1m30s".
type DeadlineConfig struct {
	Preview string `yaml:"preview"`
	Hard    string `yaml:"hard"`
	PerTry  string `yaml:"per_try"`
}

// BackoffConfig controls retry spacing.
type BackoffConfig struct {
	Base string `yaml:"base"`
	Cap  string `yaml:"cap"`
}

// TokenConfig holds token budgets.
type TokenConfig struct {
	Preview       int `yaml:"preview"`
	Full          int `yaml:"full"`
	Heavy         int `yaml:"heavy"`
	TruncationCap int `yaml:"truncation_cap"`
	Escalation    int `yaml:"escalation"`
	Prompt        int `yaml:"prompt"`
}

// ModelEntry describes one model and the role it plays.
type ModelEntry struct {
	Role             string `yaml:"role"`
	assist.ModelSpec `yaml:",inline"`
}

// OpenAIConfig configures the upstream client.
type OpenAIConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKeyEnv         string `yaml:"api_key_env"` // env var to read the key from (default: OPENAI_API_KEY)
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// SamplingConfig is sent only to models that accept sampling parameters.
type SamplingConfig struct {
	Temperature      *float64 `yaml:"temperature"`
	TopP             *float64 `yaml:"top_p"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty"`
	PresencePenalty  *float64 `yaml:"presence_penalty"`
}

// MessageOverride replaces the built-in user-facing strings.
type MessageOverride struct {
	Timeout  string `yaml:"timeout"`
	Fallback string `yaml:"fallback"`
}

// RedactConfig controls masking of credentials in replies.
type RedactConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	Patterns []string `yaml:"patterns"` // extra regular expressions to mask
}

// Settings is the resolved runtime configuration.
type Settings struct {
	Concurrency      int
	Retries          int
	MaxTurns         int
	ChunkSize        int
	PreviewDeadline  time.Duration
	HardDeadline     time.Duration
	PerTryTimeout    time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	PreviewTokens    int
	FullTokens       int
	HeavyTokens      int
	TruncationCap    int
	EscalationTokens int
	PromptBudget     int

	Models assist.Models

	BaseURL           string
	APIKey            string
	RequestsPerMinute int

	Sampling     assist.Sampling
	Shortcuts    bool
	PersonaFile  string
	TimeoutText  string
	FallbackText string

	RedactSecrets  bool
	RedactPatterns []string
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Concurrency:      3,
		Retries:          engine.DefaultRetries,
		MaxTurns:         6,
		ChunkSize:        reply.DefaultChunkSize,
		PreviewDeadline:  reply.DefaultPreviewDeadline,
		HardDeadline:     reply.DefaultHardDeadline,
		PerTryTimeout:    engine.DefaultPerTryTimeout,
		BackoffBase:      engine.DefaultBackoffBase,
		BackoffCap:       engine.DefaultBackoffCap,
		PreviewTokens:    reply.DefaultPreviewTokens,
		FullTokens:       reply.DefaultFullTokens,
		HeavyTokens:      reply.DefaultHeavyTokens,
		TruncationCap:    engine.DefaultTruncationCap,
		EscalationTokens: engine.DefaultEscalationTokens,
		PromptBudget:     reply.DefaultPromptBudget,
		Models: assist.Models{
			Preview: defaultModel(RoleFast, "gpt-5-mini"),
			Full:    defaultModel(RoleHeavy, "gpt-5"),
			Vision:  defaultModel(RoleVision, "gpt-5-mini"),
		},
		Shortcuts:     true,
		TimeoutText:   reply.DefaultTimeoutText,
		FallbackText:  engine.DefaultFallbackText,
		RedactSecrets: true,
	}
}

// defaultModel is the descriptor for a model named only by ID.
func defaultModel(role, id string) assist.ModelSpec {
	return assist.ModelSpec{
		ID:             id,
		SupportsVision: role == RoleVision,
		Heavy:          role == RoleHeavy,
	}
}

// LoadFile reads a config file. If the file does not exist, an empty File
// is returned without error.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &f, nil
}

// Load resolves settings from the file at path, then overlays environment
// variables looked up with getenv. A nil getenv uses os.Getenv.
func Load(path string, getenv func(string) string) (Settings, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	f, err := LoadFile(path)
	if err != nil {
		return Settings{}, err
	}
	s, err := f.Settings()
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}

	keyEnv := f.OpenAI.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	s.APIKey = getenv(keyEnv)

	if err := s.applyEnv(getenv, f.Models); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Settings merges the file's non-zero fields over Default().
func (f *File) Settings() (Settings, error) {
	s := Default()

	setInt(&s.Concurrency, f.Concurrency)
	setInt(&s.Retries, f.Retries)
	setInt(&s.MaxTurns, f.MaxTurns)
	setInt(&s.ChunkSize, f.ChunkSize)
	setInt(&s.PreviewTokens, f.Tokens.Preview)
	setInt(&s.FullTokens, f.Tokens.Full)
	setInt(&s.HeavyTokens, f.Tokens.Heavy)
	setInt(&s.TruncationCap, f.Tokens.TruncationCap)
	setInt(&s.EscalationTokens, f.Tokens.Escalation)
	setInt(&s.PromptBudget, f.Tokens.Prompt)
	setInt(&s.RequestsPerMinute, f.OpenAI.RequestsPerMinute)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"deadlines.preview", f.Deadlines.Preview, &s.PreviewDeadline},
		{"deadlines.hard", f.Deadlines.Hard, &s.HardDeadline},
		{"deadlines.per_try", f.Deadlines.PerTry, &s.PerTryTimeout},
		{"backoff.base", f.Backoff.Base, &s.BackoffBase},
		{"backoff.cap", f.Backoff.Cap, &s.BackoffCap},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return Settings{}, fmt.Errorf("invalid %s %q", d.name, d.raw)
		}
		*d.dst = v
	}

	for _, m := range f.Models {
		if m.ID == "" {
			return Settings{}, fmt.Errorf("model entry with role %q has no id", m.Role)
		}
		switch strings.ToLower(m.Role) {
		case RoleFast:
			s.Models.Preview = m.ModelSpec
		case RoleHeavy:
			s.Models.Full = m.ModelSpec
		case RoleVision:
			s.Models.Vision = m.ModelSpec
		default:
			return Settings{}, fmt.Errorf("model %s: unknown role %q", m.ID, m.Role)
		}
	}

	if f.OpenAI.BaseURL != "" {
		s.BaseURL = f.OpenAI.BaseURL
	}
	s.Sampling = assist.Sampling{
		Temperature:      f.Sampling.Temperature,
		TopP:             f.Sampling.TopP,
		FrequencyPenalty: f.Sampling.FrequencyPenalty,
		PresencePenalty:  f.Sampling.PresencePenalty,
	}
	if f.Shortcuts != nil {
		s.Shortcuts = *f.Shortcuts
	}
	if f.PersonaFile != "" {
		s.PersonaFile = f.PersonaFile
	}
	if f.Messages.Timeout != "" {
		s.TimeoutText = f.Messages.Timeout
	}
	if f.Messages.Fallback != "" {
		s.FallbackText = f.Messages.Fallback
	}
	if f.Redact.Enabled != nil {
		s.RedactSecrets = *f.Redact.Enabled
	}
	s.RedactPatterns = f.Redact.Patterns
	return s, nil
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// applyEnv overlays environment variables. Models named by MODEL_* reuse a
// matching descriptor from known when one exists.
func (s *Settings) applyEnv(getenv func(string) string, known []ModelEntry) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"GLOBAL_CONCURRENCY", &s.Concurrency},
		{"FULL_RETRIES", &s.Retries}, // total attempts, not retries after the first
		{"PREVIEW_TOKENS", &s.PreviewTokens},
		{"FULL_TOKENS", &s.FullTokens},
		{"HEAVY_TOKENS", &s.HeavyTokens},
		{"TRUNCATION_CAP_TOKENS", &s.TruncationCap},
		{"ESCALATION_TOKENS", &s.EscalationTokens},
		{"MAX_PROMPT_TOKENS", &s.PromptBudget},
		{"MAX_TURNS", &s.MaxTurns},
		{"CHUNK_SIZE", &s.ChunkSize},
	}
	for _, e := range ints {
		raw := strings.TrimSpace(getenv(e.key))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid %s %q: want a positive integer", e.key, raw)
		}
		*e.dst = v
	}

	if raw := strings.TrimSpace(getenv("REQUESTS_PER_MINUTE")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return fmt.Errorf("invalid REQUESTS_PER_MINUTE %q", raw)
		}
		s.RequestsPerMinute = v
	}

	seconds := []struct {
		key string
		dst *time.Duration
	}{
		{"PREVIEW_DEADLINE", &s.PreviewDeadline},
		{"FULL_HARD_DEADLINE", &s.HardDeadline},
		{"FULL_PER_TRY_TIMEOUT", &s.PerTryTimeout},
		{"BACKOFF_BASE", &s.BackoffBase},
		{"BACKOFF_CAP", &s.BackoffCap},
	}
	for _, e := range seconds {
		raw := strings.TrimSpace(getenv(e.key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid %s %q: want seconds", e.key, raw)
		}
		*e.dst = time.Duration(v * float64(time.Second))
	}

	models := []struct {
		key  string
		role string
		dst  *assist.ModelSpec
	}{
		{"MODEL_FAST", RoleFast, &s.Models.Preview},
		{"MODEL_HEAVY", RoleHeavy, &s.Models.Full},
		{"MODEL_VISION", RoleVision, &s.Models.Vision},
	}
	for _, e := range models {
		id := strings.TrimSpace(getenv(e.key))
		if id == "" {
			continue
		}
		*e.dst = lookupModel(known, e.role, id)
	}

	if v := strings.TrimSpace(getenv("OPENAI_BASE_URL")); v != "" {
		s.BaseURL = v
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{"SHORTCUTS_ENABLED", &s.Shortcuts},
		{"REDACT_SECRETS", &s.RedactSecrets},
	}
	for _, e := range bools {
		raw := strings.TrimSpace(getenv(e.key))
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q", e.key, raw)
		}
		*e.dst = b
	}
	if v := strings.TrimSpace(getenv("PERSONA_FILE")); v != "" {
		s.PersonaFile = v
	}
	return nil
}

func lookupModel(known []ModelEntry, role, id string) assist.ModelSpec {
	for _, m := range known {
		if m.ID == id {
			return m.ModelSpec
		}
	}
	return defaultModel(role, id)
}

// Engine returns the engine configuration.
func (s Settings) Engine() engine.Config {
	return engine.Config{
		Retries:          s.Retries,
		PerTryTimeout:    s.PerTryTimeout,
		BackoffBase:      s.BackoffBase,
		BackoffCap:       s.BackoffCap,
		TruncationCap:    s.TruncationCap,
		EscalationTokens: s.EscalationTokens,
		FallbackText:     s.FallbackText,
		Sampling:         s.Sampling,
	}
}

// Reply returns the orchestrator configuration.
func (s Settings) Reply() reply.Config {
	return reply.Config{
		Models:          s.Models,
		PromptBudget:    s.PromptBudget,
		PreviewTokens:   s.PreviewTokens,
		FullTokens:      s.FullTokens,
		HeavyTokens:     s.HeavyTokens,
		PreviewDeadline: s.PreviewDeadline,
		PerTryTimeout:   s.PerTryTimeout,
		HardDeadline:    s.HardDeadline,
		ChunkSize:       s.ChunkSize,
		TimeoutText:     s.TimeoutText,
		EmptyText:       s.FallbackText,
	}
}
