// Package provider defines the canonical event stream contract between the
// node executor and LLM provider adapters, plus the failure taxonomy shared
// by retry policy and diagnostics.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// EventType enumerates canonical provider events
type EventType string

const (
	EventSystem     EventType = "system"
	EventAssistant  EventType = "assistant"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventUsage      EventType = "usage"
	EventResult     EventType = "result"
)

func (t EventType) valid() bool {
	switch t {
	case EventSystem, EventAssistant, EventToolUse, EventToolResult, EventUsage, EventResult:
		return true
	}
	return false
}

// Event is one canonical provider event. Metadata keys the runner interprets:
// toolUseId on tool_use events, token counters on usage events, and
// routingDecision on the terminal result event.
type Event struct {
	Type      EventType      `json:"type"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Options configures one provider invocation.
type Options struct {
	WorkingDirectory string
	SystemPrompt     string
	Timeout          time.Duration
	Context          []string
	Model            string
	MaxOutputTokens  int
}

// Stream is a finite, non-restartable pull sequence of events. Next returns
// io.EOF when the stream is exhausted. Close releases the underlying SDK
// stream and is safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (*Event, error)
	Close() error
}

// Provider runs one prompt and yields its event stream.
type Provider interface {
	Name() string
	Run(ctx context.Context, prompt string, opts Options) (Stream, error)
}

// Registry maps provider names to adapters. Populated once at startup and
// read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry over the given providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Resolve returns the provider registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, &Error{
			Code:    ErrInvalidConfig,
			Message: fmt.Sprintf("unknown provider %q (registered: %v)", name, r.Names()),
		}
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
