package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/modelgateway"
	"github.com/nimbusforge/swarm/role"
)

type fakeCompleteClient struct {
	text string
}

func (c fakeCompleteClient) Complete(ctx context.Context, req modelgateway.Request) (modelgateway.Response, error) {
	return modelgateway.Response{
		Message: modelgateway.Message{Role: modelgateway.RoleAssistant, Parts: []modelgateway.Part{modelgateway.TextPart{Text: c.text}}},
	}, nil
}

func (c fakeCompleteClient) Stream(ctx context.Context, req modelgateway.Request) (modelgateway.Streamer, error) {
	panic("not used by ModelJudge")
}

func TestModelJudgeScoreParsesNewSteps(t *testing.T) {
	client := fakeCompleteClient{text: `{"score": 0.4, "decision": "add_step", "rationale": "needs a fact check pass",
		"new_steps": [{"id": "s-extra", "name": "Verify claims", "description": "fact-check the draft",
			"role": "fact_checker", "expected_output": "a list of verified/unverified claims",
			"depends_on": ["s1"], "input": null}]}`}
	j := NewModelJudge(client, "claude-sonnet")

	report, err := j.Score(context.Background(), flow.Step{ID: "s1", Name: "Draft"}, "draft text", nil)
	require.NoError(t, err)

	assert.Equal(t, DecisionAddStep, report.Decision)
	require.Len(t, report.NewSteps, 1)
	assert.Equal(t, "s-extra", report.NewSteps[0].ID)
	assert.Equal(t, role.FactChecker, report.NewSteps[0].Role)
	assert.Equal(t, []string{"s1"}, report.NewSteps[0].DependsOn)
}

func TestModelJudgeScoreParsesTargetStepID(t *testing.T) {
	client := fakeCompleteClient{text: `{"score": 0.2, "decision": "skip_next", "rationale": "downstream unreliable", "target_step_id": "s1"}`}
	j := NewModelJudge(client, "claude-sonnet")

	report, err := j.Score(context.Background(), flow.Step{ID: "s1"}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, DecisionSkipNext, report.Decision)
	assert.Equal(t, "s1", report.TargetStepID)
	assert.Empty(t, report.NewSteps)
}

func TestModelJudgeScoreRejectsMalformedReply(t *testing.T) {
	client := fakeCompleteClient{text: `not json`}
	j := NewModelJudge(client, "claude-sonnet")

	_, err := j.Score(context.Background(), flow.Step{ID: "s1"}, "", nil)
	assert.Error(t, err)
}
