package review

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/modelgateway"
	"github.com/nimbusforge/swarm/plan"
	"github.com/nimbusforge/swarm/role"
)

// ModelJudge scores steps by asking a model to grade the step's output
// against its expected output, requiring a QualityReport-shaped JSON reply.
type ModelJudge struct {
	Client modelgateway.Client
	Model  string
}

// NewModelJudge constructs a ModelJudge.
func NewModelJudge(client modelgateway.Client, model string) *ModelJudge {
	return &ModelJudge{Client: client, Model: model}
}

// Score asks the model to grade step's output, validates the reply against
// the QualityReport JSON Schema, and returns the parsed (still uncoerced)
// report.
func (j *ModelJudge) Score(ctx context.Context, step flow.Step, output string, stepErr error) (QualityReport, error) {
	prompt := j.buildPrompt(step, output, stepErr)
	resp, err := j.Client.Complete(ctx, modelgateway.Request{
		Model: j.Model,
		Messages: []modelgateway.Message{
			{Role: modelgateway.RoleSystem, Parts: []modelgateway.Part{modelgateway.TextPart{Text: judgeSystemPrompt}}},
			{Role: modelgateway.RoleUser, Parts: []modelgateway.Part{modelgateway.TextPart{Text: prompt}}},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return QualityReport{}, err
	}

	raw := json.RawMessage(resp.Message.Text())
	if err := ValidateReportJSON(raw); err != nil {
		return QualityReport{}, err
	}

	var parsed struct {
		Score        float64        `json:"score"`
		Decision     Decision       `json:"decision"`
		Rationale    string         `json:"rationale"`
		NewSteps     []judgeStepDef `json:"new_steps"`
		TargetStepID string         `json:"target_step_id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return QualityReport{}, err
	}

	report := QualityReport{
		Score:        parsed.Score,
		Decision:     parsed.Decision,
		Rationale:    parsed.Rationale,
		TargetStepID: parsed.TargetStepID,
	}
	if len(parsed.NewSteps) > 0 {
		report.NewSteps = make([]plan.StepDef, len(parsed.NewSteps))
		for i, sj := range parsed.NewSteps {
			report.NewSteps[i] = plan.StepDef{
				ID:             sj.ID,
				Ordinal:        i,
				Name:           sj.Name,
				Description:    sj.Description,
				Role:           role.Role(sj.Role),
				ExpectedOutput: sj.ExpectedOutput,
				DependsOn:      sj.DependsOn,
				Input:          sj.Input,
			}
		}
	}
	return report, nil
}

// judgeStepDef mirrors supervisor's stepJSON translation shape (plan.StepDef
// has no JSON tags and can't be unmarshaled directly from the wire shape):
// one of a judge's proposed new_steps for an add_step decision.
type judgeStepDef struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Role           string   `json:"role"`
	ExpectedOutput string   `json:"expected_output"`
	DependsOn      []string `json:"depends_on"`
	Input          any      `json:"input"`
}

const judgeSystemPrompt = `You are a quality gate for a multi-agent pipeline. ` +
	`Grade the given step output between 0 and 1 and reply with JSON only: ` +
	`{"score": <0..1>, "decision": "continue"|"retry"|"add_step"|"skip_next", "rationale": "<short text>", ` +
	`"new_steps": [{"id": "...", "name": "...", "description": "...", "role": "...", "expected_output": "...", "depends_on": ["..."], "input": null}], ` +
	`"target_step_id": "<step id>"}. ` +
	`Only include new_steps when decision is "add_step" (its depends_on must include the reviewed step's id), ` +
	`and only include target_step_id when decision is "skip_next".`

func (j *ModelJudge) buildPrompt(step flow.Step, output string, stepErr error) string {
	if stepErr != nil {
		return fmt.Sprintf("Step %q failed: %v\nExpected output: %s", step.Name, stepErr, step.ExpectedOutput)
	}
	return fmt.Sprintf("Step %q expected output: %s\nActual output:\n%s", step.Name, step.ExpectedOutput, output)
}
