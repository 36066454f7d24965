package agent

import (
	"encoding/json"
	"strings"

	"github.com/masworks/chorus/pkg/protocol"
)

type parseState int

const (
	parseAnswer parseState = iota
	parseToolCall
	parseError
)

// parsed is the outcome of reading one model response.
type parsed struct {
	state     parseState
	toolCalls []map[string]any
	coaching  string
	answer    string
}

// ReflexionFunc inspects a would-be final answer and returns coaching text
// when it should be rejected back into the loop. Empty means accept.
type ReflexionFunc func(response string, req *protocol.Request) string

// defaultReflexion rejects empty or whitespace-only responses.
func defaultReflexion(response string, req *protocol.Request) string {
	if strings.TrimSpace(response) == "" {
		return coachingEmptyResponse
	}
	return ""
}

// parseResponse implements the tool-call extraction over raw model text.
func parseResponse(raw string, reflexion ReflexionFunc, req *protocol.Request) parsed {
	text := raw
	if idx := strings.Index(text, "</think>"); idx >= 0 {
		text = text[idx+len("</think>"):]
	}
	text = strings.TrimSpace(text)

	if span, ok := protocol.ExtractFirstJSON(text); ok {
		var obj map[string]any
		if err := json.Unmarshal([]byte(span), &obj); err == nil {
			if _, hasTool := obj["tool_name"]; hasTool {
				return parsed{state: parseToolCall, toolCalls: []map[string]any{obj}}
			}
			return parsed{state: parseError, coaching: coachingProvideToolName}
		}
		var list []map[string]any
		if err := json.Unmarshal([]byte(span), &list); err == nil && len(list) > 0 {
			calls := make([]map[string]any, 0, len(list))
			for _, item := range list {
				if _, hasTool := item["tool_name"]; !hasTool {
					calls = nil
					break
				}
				calls = append(calls, item)
			}
			if len(calls) > 0 {
				return parsed{state: parseToolCall, toolCalls: calls}
			}
		}
		if looksLikeToolCall(text) {
			return parsed{state: parseError, coaching: coachingInvalidJSON}
		}
	}

	if reflexion == nil {
		reflexion = defaultReflexion
	}
	if coaching := reflexion(text, req); coaching != "" {
		return parsed{state: parseError, coaching: coaching}
	}
	return parsed{state: parseAnswer, answer: text}
}

// looksLikeToolCall reports whether the text reads as a botched attempt at
// the tool-call format rather than a plain answer.
func looksLikeToolCall(text string) bool {
	return strings.Contains(text, "tool_name") &&
		strings.Contains(text, "arguments") &&
		strings.Contains(text, "{") &&
		strings.Contains(text, "}")
}
