package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

const (
	DefaultMaxReplanRounds = 30

	DefaultPlannerAgent   = "planner_agent"
	DefaultExecutorAgent  = "executor_agent"
	DefaultReplannerAgent = "replanner_agent"
	DefaultFallbackModel  = "default_llm"
)

// PlanAndSolveConfig drives the plan-and-solve loop.
type PlanAndSolveConfig struct {
	PlannerAgent   string
	ExecutorAgent  string
	ReplannerAgent string

	// PrePlanSteps skips the planner entirely when non-nil. An empty
	// non-nil slice means there is nothing to execute.
	PrePlanSteps []string

	EnableReplanner bool
	MaxReplanRounds int

	// LLMModel answers from the plan when the round budget runs out.
	LLMModel string
}

func (cfg *PlanAndSolveConfig) applyDefaults() {
	if cfg.PlannerAgent == "" {
		cfg.PlannerAgent = DefaultPlannerAgent
	}
	if cfg.ExecutorAgent == "" {
		cfg.ExecutorAgent = DefaultExecutorAgent
	}
	if cfg.ReplannerAgent == "" {
		cfg.ReplannerAgent = DefaultReplannerAgent
	}
	if cfg.MaxReplanRounds <= 0 {
		cfg.MaxReplanRounds = DefaultMaxReplanRounds
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = DefaultFallbackModel
	}
}

// PlanAndSolve plans with one agent, executes step by step with another and
// optionally replans after every step.
type PlanAndSolve struct {
	component.NopBehaviour
	cfg PlanAndSolveConfig
}

// NewPlanAndSolveComponent builds the flow with its collaborator agents
// pre-permitted.
func NewPlanAndSolveComponent(cfg component.Config, flowCfg PlanAndSolveConfig) *component.Component {
	flowCfg.applyDefaults()
	cfg.Kind = protocol.KindFlow
	cfg.IsPermissionRequired = true
	cfg.ExtraPermittedCallees = append(cfg.ExtraPermittedCallees,
		flowCfg.PlannerAgent, flowCfg.ExecutorAgent, flowCfg.ReplannerAgent, flowCfg.LLMModel)
	return component.New(cfg, &PlanAndSolve{cfg: flowCfg})
}

const executorTaskTemplate = "We have finished the following steps: %s\n" +
	"The current step to execute is:%s\n" +
	"You should only execute the current step, and do not execute other steps in our plan. " +
	"Do not execute more than one step continuously or skip any step."

const replanTemplate = `The target of user is:
%s

The origin plan is:
%s

We have finished the following steps:
%s

Please update the plan considering the mentioned information. If no more operation is supposed, Use **Response** to answer the user.
Otherwise, please update the plan. The plan should only contain the steps to be executed, and do not
include the past steps or any other information.`

func (f *PlanAndSolve) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	originalQuery := req.Query()
	planSteps := f.cfg.PrePlanSteps
	planStr := numberSteps(planSteps)
	pastSteps := ""
	lastOutput := ""

	for round := 0; round <= f.cfg.MaxReplanRounds; round++ {
		if round == 0 && planSteps == nil {
			out, failed, err := callQuery(ctx, req, f.cfg.PlannerAgent, originalQuery+planFormatInstructions)
			if err != nil {
				return nil, err
			}
			if failed != nil {
				return failed, nil
			}
			p, perr := parsePlan(out)
			if perr != nil {
				return &protocol.Response{State: protocol.StateFailed, Output: perr.Error(), Request: req}, nil
			}
			planSteps = p.Steps
			planStr = numberSteps(planSteps)
		}

		if len(planSteps) == 0 {
			if !f.cfg.EnableReplanner {
				return &protocol.Response{State: protocol.StateCompleted, Output: lastOutput, Request: req}, nil
			}
			break
		}

		task := planSteps[0]
		out, failed, err := callQuery(ctx, req, f.cfg.ExecutorAgent, fmt.Sprintf(executorTaskTemplate, pastSteps, task))
		if err != nil {
			return nil, err
		}
		if failed != nil {
			return failed, nil
		}
		lastOutput = out
		pastSteps += fmt.Sprintf("\ntask:%s, execute task result:%s", task, out)

		if f.cfg.EnableReplanner {
			query := fmt.Sprintf(replanTemplate, originalQuery, planStr, pastSteps) + actionFormatInstructions
			out, failed, err := callQuery(ctx, req, f.cfg.ReplannerAgent, query)
			if err != nil {
				return nil, err
			}
			if failed != nil {
				return failed, nil
			}
			act, perr := parseAction(out)
			if perr != nil {
				return &protocol.Response{State: protocol.StateFailed, Output: perr.Error(), Request: req}, nil
			}
			if act.response != nil {
				return &protocol.Response{State: protocol.StateCompleted, Output: *act.response, Request: req}, nil
			}
			planSteps = act.steps
			planStr = numberSteps(planSteps)
		} else {
			planSteps = planSteps[1:]
			if len(planSteps) == 0 {
				return &protocol.Response{State: protocol.StateCompleted, Output: lastOutput, Request: req}, nil
			}
		}
	}

	return f.fallback(ctx, req, originalQuery, planStr)
}

// fallback answers straight from the remaining plan once the round budget
// is exhausted.
func (f *PlanAndSolve) fallback(ctx context.Context, req *protocol.Request, originalQuery, planStr string) (*protocol.Response, error) {
	out, failed, err := callModel(ctx, req, f.cfg.LLMModel, []map[string]any{
		{"role": "system", "content": "Please answer user questions based on the given plan."},
		{"role": "user", "content": fmt.Sprintf("Your objective was this：%s\n---\nFor the following plan：%s", originalQuery, planStr)},
	})
	if err != nil {
		return nil, err
	}
	if failed != nil {
		return failed, nil
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}

func numberSteps(steps []string) string {
	var lines []string
	for i, step := range steps {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, step))
	}
	return strings.Join(lines, "\n")
}
