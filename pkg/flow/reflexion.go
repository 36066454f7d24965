package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

const (
	DefaultMaxReflexionRounds = 3

	DefaultWorkerAgent    = "worker_agent"
	DefaultReflexionAgent = "reflexion_agent"

	DefaultMathWorkerAgent    = "math_expert_agent"
	DefaultMathReflexionAgent = "math_checker_agent"
)

const defaultEvaluationTemplate = `Please evaluate the quality of the following answer:

Original Question: {query}

Answer: {answer}

Please evaluate based on these criteria:
1. Accuracy: Is the information correct and factual?
2. Completeness: Does it fully address the user's question?
3. Clarity: Is it well-structured and easy to understand?
4. Relevance: Does it stay focused on the user's needs?
5. Helpfulness: Does it provide practical value to the user?

Return your evaluation in the following format:
- is_satisfactory: true/false
- evaluation_reason: [Detailed explanation]
- improvement_suggestions: [Specific recommendations if unsatisfactory]`

const mathEvaluationTemplate = `Please check the correctness and completeness of the following mathematical solution:

Problem: {query}

Solution: {answer}

Check points:
1. Are the calculation steps correct?
2. Are there any missing steps?
3. Is the final answer clear?
4. Is the problem-solving approach clear?
5. Are mathematical formulas and theorems applied correctly?

Return your evaluation in the following format:
- is_satisfactory: true/false (use true for Pass, false for Fail)
- evaluation_reason: [Detailed explanation of the check]
- improvement_suggestions: [Specific correction suggestions if failed]`

const defaultImprovementTemplate = `{original_query}

Please improve your previous answer based on the following feedback:
{improvement_suggestions}

Previous answer: {previous_answer}`

// ReflexionConfig drives the answer/evaluate/improve loop.
type ReflexionConfig struct {
	WorkerAgent    string
	ReflexionAgent string

	MaxReflexionRounds int

	EvaluationTemplate  string
	ImprovementTemplate string

	// LLMModel produces the last-resort answer after the round budget.
	LLMModel string
}

func (cfg *ReflexionConfig) applyDefaults() {
	if cfg.WorkerAgent == "" {
		cfg.WorkerAgent = DefaultWorkerAgent
	}
	if cfg.ReflexionAgent == "" {
		cfg.ReflexionAgent = DefaultReflexionAgent
	}
	if cfg.MaxReflexionRounds <= 0 {
		cfg.MaxReflexionRounds = DefaultMaxReflexionRounds
	}
	if cfg.EvaluationTemplate == "" {
		cfg.EvaluationTemplate = defaultEvaluationTemplate
	}
	if cfg.ImprovementTemplate == "" {
		cfg.ImprovementTemplate = defaultImprovementTemplate
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = DefaultFallbackModel
	}
}

// Reflexion asks a worker for an answer, has a second agent evaluate it and
// loops with improvement feedback until satisfactory or out of rounds.
type Reflexion struct {
	component.NopBehaviour
	cfg ReflexionConfig
}

// NewReflexionComponent builds the flow with its collaborator agents
// pre-permitted.
func NewReflexionComponent(cfg component.Config, flowCfg ReflexionConfig) *component.Component {
	flowCfg.applyDefaults()
	cfg.Kind = protocol.KindFlow
	cfg.IsPermissionRequired = true
	cfg.ExtraPermittedCallees = append(cfg.ExtraPermittedCallees,
		flowCfg.WorkerAgent, flowCfg.ReflexionAgent, flowCfg.LLMModel)
	return component.New(cfg, &Reflexion{cfg: flowCfg})
}

// NewMathReflexionComponent is the math specialisation: calculation-focused
// evaluation criteria and math-expert default agents.
func NewMathReflexionComponent(cfg component.Config, flowCfg ReflexionConfig) *component.Component {
	if flowCfg.WorkerAgent == "" {
		flowCfg.WorkerAgent = DefaultMathWorkerAgent
	}
	if flowCfg.ReflexionAgent == "" {
		flowCfg.ReflexionAgent = DefaultMathReflexionAgent
	}
	if flowCfg.EvaluationTemplate == "" {
		flowCfg.EvaluationTemplate = mathEvaluationTemplate
	}
	return NewReflexionComponent(cfg, flowCfg)
}

func (f *Reflexion) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	originalQuery := req.Query()
	currentQuery := originalQuery
	currentAnswer := ""
	var lastEval *evaluation

	for round := 0; round <= f.cfg.MaxReflexionRounds; round++ {
		out, failed, err := callQuery(ctx, req, f.cfg.WorkerAgent, currentQuery)
		if err != nil {
			return nil, err
		}
		if failed != nil {
			return failed, nil
		}
		currentAnswer = strings.TrimSpace(out)

		evalQuery := strings.NewReplacer(
			"{query}", originalQuery,
			"{answer}", currentAnswer,
		).Replace(f.cfg.EvaluationTemplate) + evaluationFormatInstructions
		out, failed, err = callQuery(ctx, req, f.cfg.ReflexionAgent, evalQuery)
		if err != nil {
			return nil, err
		}
		if failed != nil {
			return failed, nil
		}
		lastEval = parseEvaluation(out)

		if lastEval.IsSatisfactory {
			resp := &protocol.Response{
				State:   protocol.StateCompleted,
				Output:  fmt.Sprintf("Final answer optimized through %d rounds of reflexion:\n\n%s", round+1, currentAnswer),
				Request: req,
			}
			resp.SetExtra("reflexion_rounds", round+1)
			resp.SetExtra("final_evaluation", lastEval.toMap())
			return resp, nil
		}

		if round < f.cfg.MaxReflexionRounds {
			if lastEval.ImprovementSuggestions != "" {
				currentQuery = strings.NewReplacer(
					"{original_query}", originalQuery,
					"{improvement_suggestions}", lastEval.ImprovementSuggestions,
					"{previous_answer}", currentAnswer,
				).Replace(f.cfg.ImprovementTemplate)
			} else {
				currentQuery = fmt.Sprintf("%s\n\nPlease provide a better answer. Previous attempt was: %s",
					originalQuery, lastEval.EvaluationReason)
			}
		}
	}

	return f.fallback(ctx, req, originalQuery, currentAnswer, lastEval)
}

// fallback asks the model for the best possible answer given the accumulated
// feedback once every round came back unsatisfactory.
func (f *Reflexion) fallback(ctx context.Context, req *protocol.Request, originalQuery, lastAnswer string, lastEval *evaluation) (*protocol.Response, error) {
	reason := ""
	if lastEval != nil {
		reason = lastEval.EvaluationReason
	}
	finalQuery := fmt.Sprintf(`Original user question: %s

Latest answer attempt: %s

Latest evaluation feedback: %s

Please provide the best possible final answer considering all the feedback above.`,
		originalQuery, lastAnswer, reason)

	out, failed, err := callModel(ctx, req, f.cfg.LLMModel, []map[string]any{
		{"role": "system", "content": "You are tasked with providing the best possible answer based on previous attempts and feedback."},
		{"role": "user", "content": finalQuery},
	})
	if err != nil {
		return nil, err
	}
	if failed != nil {
		return failed, nil
	}

	resp := &protocol.Response{
		State:   protocol.StateCompleted,
		Output:  fmt.Sprintf("Answer after %d rounds of reflexion attempts:\n\n%s", f.cfg.MaxReflexionRounds+1, out),
		Request: req,
	}
	resp.SetExtra("reflexion_rounds", f.cfg.MaxReflexionRounds+1)
	if lastEval != nil {
		resp.SetExtra("final_evaluation", lastEval.toMap())
	}
	resp.SetExtra("reached_max_rounds", true)
	return resp, nil
}
