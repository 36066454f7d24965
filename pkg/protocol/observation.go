package protocol

import (
	"fmt"
	"strings"
)

// ExecResult pairs one tool invocation with its response.
type ExecResult struct {
	Executor string
	Response *Response
}

// String renders the result as the observation line fed back to the model.
func (e ExecResult) String() string {
	return fmt.Sprintf("Tool [%s] execution result: %s", e.Executor, e.Response.OutputString())
}

// Observation collects the results of one fan-out round.
type Observation struct {
	Results []ExecResult
}

func (o *Observation) Add(r ExecResult) {
	o.Results = append(o.Results, r)
}

func (o *Observation) String() string {
	lines := make([]string, 0, len(o.Results))
	for _, r := range o.Results {
		lines = append(lines, r.String())
	}
	return strings.Join(lines, "\n")
}

// ToContent returns the observation as message content. A single result
// whose output is already a part list passes through untouched so
// multimodal tool outputs reach the model intact.
func (o *Observation) ToContent() any {
	if len(o.Results) == 1 {
		if parts, ok := o.Results[0].Response.Output.([]any); ok {
			return parts
		}
	}
	return o.String()
}
