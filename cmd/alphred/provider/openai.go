package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// CodexProvider adapts the OpenAI Chat Completions streaming API to the
// canonical event contract. Registered under the name "codex".
type CodexProvider struct {
	client          *openai.Client
	defaultModel    string
	maxOutputTokens int
}

// CodexOpts configures the codex provider
type CodexOpts struct {
	APIKey          string
	DefaultModel    string
	MaxOutputTokens int
}

// NewCodex creates a codex provider from an API key.
func NewCodex(opts CodexOpts) (*CodexProvider, error) {
	if opts.APIKey == "" {
		return nil, &Error{Code: ErrInvalidConfig, Message: "openai api key is required"}
	}
	if opts.DefaultModel == "" {
		return nil, &Error{Code: ErrInvalidConfig, Message: "openai default model is required"}
	}
	return &CodexProvider{
		client:          openai.NewClient(opts.APIKey),
		defaultModel:    opts.DefaultModel,
		maxOutputTokens: opts.MaxOutputTokens,
	}, nil
}

// Name implements Provider
func (p *CodexProvider) Name() string { return "codex" }

// Run starts one streaming chat completion. Context envelopes become user
// messages ahead of the prompt.
func (p *CodexProvider) Run(ctx context.Context, prompt string, opts Options) (Stream, error) {
	if prompt == "" {
		return nil, &Error{Code: ErrInvalidOptions, Message: "prompt is required"}
	}

	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: opts.SystemPrompt,
		})
	}
	for _, block := range opts.Context {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser, Content: block,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     p.maxOutputTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	return &codexStream{stream: stream}, nil
}

// codexStream maps chat completion chunks onto canonical events. The result
// event is synthesised when the SDK stream reaches EOF.
type codexStream struct {
	stream *openai.ChatCompletionStream

	text strings.Builder
	done bool
}

func (s *codexStream) Next(ctx context.Context) (*Event, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		if err := ctx.Err(); err != nil {
			s.done = true
			return nil, err
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return s.result(), nil
		}
		if err != nil {
			s.done = true
			return nil, classifyOpenAI(err)
		}

		now := time.Now().UnixMilli()
		if resp.Usage != nil {
			return &Event{
				Type:      EventUsage,
				Timestamp: now,
				Metadata:  map[string]any{"total_tokens": resp.Usage.TotalTokens},
			}, nil
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.text.WriteString(delta)
		return &Event{Type: EventAssistant, Content: delta, Timestamp: now}, nil
	}
}

func (s *codexStream) result() *Event {
	content := s.text.String()
	meta := map[string]any{}
	if decision := DecisionFromText(content); decision != "" {
		meta["routingDecision"] = decision
	}
	return &Event{Type: EventResult, Content: content, Timestamp: time.Now().UnixMilli(), Metadata: meta}
}

func (s *codexStream) Close() error {
	s.done = true
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func classifyOpenAI(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		return Classify(apiErr.HTTPStatusCode, code, fmt.Sprintf("openai: %s", apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return Classify(reqErr.HTTPStatusCode, "", fmt.Sprintf("openai: %v", reqErr.Err))
	}
	return ClassifyErr(err)
}
