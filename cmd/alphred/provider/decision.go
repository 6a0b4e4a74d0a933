package provider

import (
	"encoding/json"
	"strings"

	"github.com/alphred/alphred/common/models"
)

// DecisionFromText extracts a routing decision from the trailing JSON object
// of an agent's final text, when the prompt template asked the agent to emit
// one. Returns "" when no valid decision is present.
func DecisionFromText(text string) string {
	obj := trailingJSONObject(text)
	if obj == "" {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(obj), &payload); err != nil {
		return ""
	}
	v, _ := payload["routingDecision"].(string)
	if !models.ValidAgentDecision(v) {
		return ""
	}
	return v
}

// trailingJSONObject returns the last balanced top-level JSON object in the
// text, or "".
func trailingJSONObject(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasSuffix(trimmed, "}") {
		return ""
	}

	depth := 0
	inString := false
	start := -1
	for i := len(trimmed) - 1; i >= 0; i-- {
		c := trimmed[i]
		if inString {
			// Walking backwards, a quote preceded by a backslash stays in
			// the string. Good enough for LLM-emitted JSON.
			if c == '"' && (i == 0 || trimmed[i-1] != '\\') {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				start = i
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return ""
	}
	return trimmed[start:]
}
