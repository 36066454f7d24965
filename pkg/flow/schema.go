package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/masworks/chorus/pkg/protocol"
)

// Format instructions appended to planner and replanner queries. The
// downstream agent must answer with the bare JSON object.
const (
	planFormatInstructions = "\n\nRespond with a JSON object matching the following schema:\n" +
		`{"steps": ["<step 1>", "<step 2>", ...]}` +
		"\nThe steps should be in sorted execution order. Output the JSON object only."

	actionFormatInstructions = "\n\nRespond with a JSON object matching one of the following schemas:\n" +
		`{"action": {"response": "<answer to the user>"}} if you want to respond to the user, or` + "\n" +
		`{"action": {"steps": ["<step 1>", ...]}} if further steps are needed.` +
		"\nOutput the JSON object only."

	evaluationFormatInstructions = "\n\nRespond with a JSON object matching the following schema:\n" +
		`{"is_satisfactory": true, "evaluation_reason": "<explanation>", "improvement_suggestions": "<suggestions>"}` +
		"\nOutput the JSON object only."
)

type plan struct {
	Steps []string `json:"steps"`
}

// action is the replanner outcome: either a direct response to the user or
// an updated plan.
type action struct {
	response *string
	steps    []string
}

func parsePlan(raw string) (*plan, error) {
	span, ok := protocol.ExtractFirstJSON(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON object in planner response")
	}
	var p plan
	if err := json.Unmarshal([]byte(span), &p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if p.Steps == nil {
		return nil, fmt.Errorf("plan is missing the steps field")
	}
	return &p, nil
}

func parseAction(raw string) (*action, error) {
	span, ok := protocol.ExtractFirstJSON(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON object in replanner response")
	}
	var envelope struct {
		Action json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal([]byte(span), &envelope); err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}
	if len(envelope.Action) == 0 {
		return nil, fmt.Errorf("action is missing")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(envelope.Action, &fields); err != nil {
		return nil, fmt.Errorf("decoding action body: %w", err)
	}
	if rawResp, ok := fields["response"]; ok {
		var response string
		if err := json.Unmarshal(rawResp, &response); err != nil {
			return nil, fmt.Errorf("decoding action response: %w", err)
		}
		return &action{response: &response}, nil
	}
	var p plan
	if err := json.Unmarshal(envelope.Action, &p); err != nil || p.Steps == nil {
		return nil, fmt.Errorf("action is neither a response nor a plan")
	}
	return &action{steps: p.Steps}, nil
}

// evaluation is the reflexion verdict over a candidate answer.
type evaluation struct {
	IsSatisfactory         bool   `json:"is_satisfactory"`
	EvaluationReason       string `json:"evaluation_reason"`
	ImprovementSuggestions string `json:"improvement_suggestions"`
}

func (e *evaluation) toMap() map[string]any {
	return map[string]any{
		"is_satisfactory":         e.IsSatisfactory,
		"evaluation_reason":       e.EvaluationReason,
		"improvement_suggestions": e.ImprovementSuggestions,
	}
}

// parseEvaluation reads the JSON verdict, falling back to a line scanner
// over "key: value" text when the model ignored the format instructions.
func parseEvaluation(raw string) *evaluation {
	if span, ok := protocol.ExtractFirstJSON(raw); ok {
		var ev evaluation
		if err := json.Unmarshal([]byte(span), &ev); err == nil {
			if ev.EvaluationReason == "" {
				ev.EvaluationReason = "No specific reason provided"
			}
			return &ev
		}
	}

	ev := &evaluation{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "satisfactory") && !strings.Contains(lower, "reason"):
			ev.IsSatisfactory = !strings.Contains(lower, "unsatisfactory") &&
				!strings.Contains(lower, "false")
		case strings.Contains(lower, "evaluation reason:") || strings.Contains(lower, "evaluation_reason:"):
			ev.EvaluationReason = strings.TrimSpace(line[strings.Index(line, ":")+1:])
		case strings.Contains(lower, "improvement suggestions:") || strings.Contains(lower, "improvement_suggestions:"):
			ev.ImprovementSuggestions = strings.TrimSpace(line[strings.Index(line, ":")+1:])
		}
	}
	if ev.EvaluationReason == "" {
		ev.EvaluationReason = "No specific reason provided"
	}
	return ev
}
