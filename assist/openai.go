package assist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIProvider implements Provider using the official OpenAI Go SDK.
// It supports any OpenAI-compatible endpoint via WithBaseURL. The SDK's own
// retries are disabled; retry policy belongs to the engine.
type OpenAIProvider struct {
	client openai.Client
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	apiKey  string
	baseURL string
	timeout time.Duration
}

// WithAPIKey sets the API key. If empty, the SDK falls back to OPENAI_API_KEY.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openaiConfig) { c.apiKey = key }
}

// WithBaseURL sets a custom base URL, enabling Ollama, vLLM, Azure, or other
// OpenAI-compatible endpoints.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = url }
}

// WithTimeout sets an outer request timeout on the HTTP client. Per-attempt
// deadlines are normally carried by the context instead.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) { c.timeout = d }
}

// NewOpenAIProvider creates an OpenAIProvider with the given options.
func NewOpenAIProvider(opts ...OpenAIOption) *OpenAIProvider {
	var cfg openaiConfig
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &OpenAIProvider{client: openai.NewClient(clientOpts...)}
}

// Invoke sends a chat completion request and returns the trimmed text of the
// first choice with its finish reason. Failures are returned as
// *UpstreamError.
func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	params := openai.ChatCompletionNewParams{
		Model:    req.Model.ID,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ForceText {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfText: &shared.ResponseFormatTextParam{},
		}
	}
	if req.Model.SupportsSampling {
		applySampling(&params, req.Sampling)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}

	if len(completion.Choices) == 0 {
		return &Outcome{FinishReason: FinishNone}, nil
	}

	choice := completion.Choices[0]
	return &Outcome{
		Text:             strings.TrimSpace(choice.Message.Content),
		FinishReason:     ParseFinishReason(string(choice.FinishReason)),
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

func applySampling(params *openai.ChatCompletionNewParams, s Sampling) {
	if s.Temperature != nil {
		params.Temperature = openai.Float(*s.Temperature)
	}
	if s.TopP != nil {
		params.TopP = openai.Float(*s.TopP)
	}
	if s.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*s.FrequencyPenalty)
	}
	if s.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*s.PresencePenalty)
	}
}

// classifyOpenAIError wraps an SDK error into an UpstreamError.
func classifyOpenAIError(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			Kind:       KindForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        fmt.Errorf("openai chat completion: %w", err),
		}
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("openai chat completion: %w", err)
	}
	kind := Classify(err)
	if kind == KindUnknown {
		kind = KindConnection
	}
	return &UpstreamError{Kind: kind, Err: fmt.Errorf("openai chat completion: %w", err)}
}

// toOpenAIMessages converts internal Message values to the SDK union type.
func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out[i] = openai.SystemMessage(m.Content.Text())
		case RoleAssistant:
			out[i] = openai.AssistantMessage(m.Content.Text())
		default:
			if m.Content.IsMultimodal() {
				out[i] = openai.UserMessage(toOpenAIParts(m.Content.Parts()))
			} else {
				out[i] = openai.UserMessage(m.Content.Text())
			}
		}
	}
	return out
}

func toOpenAIParts(parts []Part) []openai.ChatCompletionContentPartUnionParam {
	out := make([]openai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case PartImage:
			out = append(out, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: p.Value,
			}))
		default:
			out = append(out, openai.TextContentPart(p.Value))
		}
	}
	return out
}
