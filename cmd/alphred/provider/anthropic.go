package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// ClaudeProvider adapts the Anthropic Messages streaming API to the canonical
// event contract. Registered under the name "claude".
type ClaudeProvider struct {
	client          sdk.Client
	defaultModel    string
	maxOutputTokens int
}

// ClaudeOpts configures the claude provider
type ClaudeOpts struct {
	APIKey          string
	DefaultModel    string
	MaxOutputTokens int
}

// NewClaude creates a claude provider from an API key.
func NewClaude(opts ClaudeOpts) (*ClaudeProvider, error) {
	if opts.APIKey == "" {
		return nil, &Error{Code: ErrInvalidConfig, Message: "anthropic api key is required"}
	}
	if opts.DefaultModel == "" {
		return nil, &Error{Code: ErrInvalidConfig, Message: "anthropic default model is required"}
	}
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &ClaudeProvider{
		client:          sdk.NewClient(option.WithAPIKey(opts.APIKey)),
		defaultModel:    opts.DefaultModel,
		maxOutputTokens: maxTokens,
	}, nil
}

// Name implements Provider
func (p *ClaudeProvider) Name() string { return "claude" }

// Run starts one streaming Messages request. Context envelopes are passed as
// user messages ahead of the prompt.
func (p *ClaudeProvider) Run(ctx context.Context, prompt string, opts Options) (Stream, error) {
	if prompt == "" {
		return nil, &Error{Code: ErrInvalidOptions, Message: "prompt is required"}
	}

	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []sdk.MessageParam
	for _, block := range opts.Context {
		messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(block)))
	}
	messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(p.maxOutputTokens),
		Messages:  messages,
	}
	if opts.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: opts.SystemPrompt}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	return &claudeStream{stream: stream, toolBlocks: make(map[int]*claudeToolBlock)}, nil
}

type claudeToolBlock struct {
	id        string
	name      string
	fragments []string
}

// claudeStream maps Anthropic SSE events onto canonical events. One SDK event
// can yield zero canonical events, so Next loops until it produces one.
type claudeStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	text        strings.Builder
	toolBlocks  map[int]*claudeToolBlock
	inputTokens int64
	done        bool
}

func (s *claudeStream) Next(ctx context.Context) (*Event, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		if err := ctx.Err(); err != nil {
			s.done = true
			return nil, err
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return nil, classifyAnthropic(err)
			}
			return nil, io.EOF
		}

		if ev := s.translate(s.stream.Current()); ev != nil {
			return ev, nil
		}
	}
}

func (s *claudeStream) translate(event sdk.MessageStreamEventUnion) *Event {
	now := time.Now().UnixMilli()

	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.inputTokens = ev.Message.Usage.InputTokens
		return &Event{
			Type:      EventSystem,
			Content:   "message started",
			Timestamp: now,
			Metadata:  map[string]any{"model": string(ev.Message.Model)},
		}

	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.toolBlocks[int(ev.Index)] = &claudeToolBlock{id: toolUse.ID, name: toolUse.Name}
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			s.text.WriteString(delta.Text)
			return &Event{Type: EventAssistant, Content: delta.Text, Timestamp: now}
		case sdk.InputJSONDelta:
			if tb := s.toolBlocks[int(ev.Index)]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		}
		return nil

	case sdk.ContentBlockStopEvent:
		tb := s.toolBlocks[int(ev.Index)]
		if tb == nil {
			return nil
		}
		delete(s.toolBlocks, int(ev.Index))
		return &Event{
			Type:      EventToolUse,
			Content:   tb.name,
			Timestamp: now,
			Metadata: map[string]any{
				"toolUseId": tb.id,
				"input":     strings.Join(tb.fragments, ""),
			},
		}

	case sdk.MessageDeltaEvent:
		return &Event{
			Type:      EventUsage,
			Timestamp: now,
			Metadata: map[string]any{
				"input_tokens":  int(s.inputTokens),
				"output_tokens": int(ev.Usage.OutputTokens),
			},
		}

	case sdk.MessageStopEvent:
		content := s.text.String()
		meta := map[string]any{}
		if decision := DecisionFromText(content); decision != "" {
			meta["routingDecision"] = decision
		}
		return &Event{Type: EventResult, Content: content, Timestamp: now, Metadata: meta}
	}

	return nil
}

func (s *claudeStream) Close() error {
	s.done = true
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func classifyAnthropic(err error) *Error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return Classify(apiErr.StatusCode, "", fmt.Sprintf("anthropic: %s", apiErr.Error()))
	}
	return ClassifyErr(err)
}
