package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alphred/alphred/common/models"
)

// Observer receives every canonical event in emission order. It must not
// block or mutate the event.
type Observer func(Event)

// Result is the accumulated outcome of one successful provider run.
type Result struct {
	Content         string
	TokensUsed      int
	RoutingDecision string
	Events          []Event
}

// Invoke starts one provider run and consumes its stream under a single
// deadline. The timeout context is derived before the SDK request is opened,
// so a connection that stalls mid-stream is torn down when the timer fires
// rather than blocking the worker on a read that never returns.
func Invoke(ctx context.Context, p Provider, prompt string, opts Options, onEvent Observer) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	stream, err := p.Run(ctx, prompt, opts)
	if err != nil {
		if opts.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutError(opts.Timeout)
		}
		return nil, err
	}
	return Consume(ctx, stream, opts, onEvent)
}

// Consume drives a provider stream to completion: it validates and forwards
// events, accounts token usage, dedupes tool_use events, and extracts the
// terminal result. The stream is always closed before returning.
//
// Usage accounting keeps the max of the latest absolute snapshot and the
// running sum of incremental deltas; when one event carries both, the
// absolute value wins for that event.
func Consume(ctx context.Context, stream Stream, opts Options, onEvent Observer) (*Result, error) {
	defer stream.Close()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	res := &Result{}
	seenTools := make(map[string]bool)
	absTokens := 0
	incTokens := 0
	index := -1

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if opts.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
				return nil, timeoutError(opts.Timeout)
			}
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, ClassifyErr(err)
		}
		index++

		if !ev.Type.valid() {
			return nil, &Error{
				Code:       ErrInvalidEvent,
				Message:    fmt.Sprintf("unknown event type %q", ev.Type),
				EventIndex: index,
				FieldPath:  "type",
			}
		}

		if ev.Type == EventToolUse {
			id, _ := ev.Metadata["toolUseId"].(string)
			if id != "" {
				if seenTools[id] {
					continue
				}
				seenTools[id] = true
			}
		}

		if ev.Type == EventUsage {
			abs, inc, hasAbs := usageTokens(ev.Metadata)
			if hasAbs {
				absTokens = abs
			} else {
				incTokens += inc
			}
		}

		res.Events = append(res.Events, *ev)
		if onEvent != nil {
			onEvent(*ev)
		}

		if ev.Type == EventResult {
			res.Content = ev.Content
			res.RoutingDecision = routingDecisionFrom(ev.Metadata)
			res.TokensUsed = maxTokens(absTokens, incTokens)
			return res, nil
		}
	}

	return nil, &Error{
		Code:    ErrMissingResult,
		Message: "provider stream ended without a result event",
	}
}

func timeoutError(d time.Duration) *Error {
	return &Error{
		Code:      ErrTimeout,
		Message:   fmt.Sprintf("provider run exceeded %s", d),
		Retryable: true,
		Timeout:   d,
	}
}

// usageTokens reads token counters from a usage event. Absolute forms:
// total_tokens, input_tokens+output_tokens, or the same nested under a usage
// map. Incremental form: tokens.
func usageTokens(meta map[string]any) (abs int, inc int, hasAbs bool) {
	if meta == nil {
		return 0, 0, false
	}
	if nested, ok := meta["usage"].(map[string]any); ok {
		if a, _, nestedAbs := usageTokens(nested); nestedAbs {
			return a, 0, true
		}
	}
	if total, ok := intField(meta, "total_tokens"); ok {
		return total, 0, true
	}
	in, hasIn := intField(meta, "input_tokens")
	out, hasOut := intField(meta, "output_tokens")
	if hasIn || hasOut {
		return in + out, 0, true
	}
	if delta, ok := intField(meta, "tokens"); ok {
		return 0, delta, false
	}
	return 0, 0, false
}

func intField(meta map[string]any, key string) (int, bool) {
	switch v := meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func maxTokens(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// routingDecisionFrom reads the canonical routingDecision key only. Legacy
// keys and invalid values are treated as absent.
func routingDecisionFrom(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	v, _ := meta["routingDecision"].(string)
	if !models.ValidAgentDecision(v) {
		return ""
	}
	return v
}
