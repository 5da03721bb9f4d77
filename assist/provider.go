package assist

import "context"

// FinishReason reports why the upstream stopped generating.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishOther  FinishReason = "other"
	FinishNone   FinishReason = "none"
)

// ParseFinishReason maps a raw upstream finish_reason onto FinishReason.
func ParseFinishReason(s string) FinishReason {
	switch s {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	case "":
		return FinishNone
	default:
		return FinishOther
	}
}

// Outcome is the result of a single completion call. Empty Text together
// with FinishLength means the output ceiling was hit before any text was
// produced.
type Outcome struct {
	Text             string
	FinishReason     FinishReason
	PromptTokens     int
	CompletionTokens int
}

// Truncated reports whether the call produced nothing because it ran out of
// output tokens.
func (o *Outcome) Truncated() bool {
	return o.Text == "" && o.FinishReason == FinishLength
}

// Sampling holds optional sampling parameters. Nil fields are not sent.
type Sampling struct {
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
}

// Request describes one completion call.
type Request struct {
	Model     ModelSpec
	Messages  []Message
	MaxTokens int
	// ForceText asks the upstream for a plain-text response format.
	ForceText bool
	Sampling  Sampling
}

// Provider is the interface for LLM backends. Implementations must be safe
// for concurrent use.
type Provider interface {
	Invoke(ctx context.Context, req Request) (*Outcome, error)
}

// ProviderFunc adapts an ordinary function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (*Outcome, error)

// Invoke calls f(ctx, req).
func (f ProviderFunc) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	return f(ctx, req)
}
