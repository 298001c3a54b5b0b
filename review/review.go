// Package review implements the Quality-Gate Reviewer: after a step
// completes (or fails), a Judge scores its output and the Reviewer coerces
// that score into one of the four scheduler-facing decisions, applying the
// retry-budget and critical-role policy spec.md §4.4 specifies.
//
// Grounded on the policy.Engine.Decide contract in
// agents/runtime/policy/policy.go (a pure evaluation step invoked by the
// runtime between turns), retargeted here from per-turn tool allowlisting to
// per-step accept/retry/add_step/skip_next decisions.
package review

import (
	"context"
	"encoding/json"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/plan"
	"github.com/nimbusforge/swarm/swarmerr"
)

// Decision is the Quality-Gate Reviewer's verdict on one step.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionRetry    Decision = "retry"
	DecisionAddStep  Decision = "add_step"
	DecisionSkipNext Decision = "skip_next"
)

// QualityReport is the reviewer's output for one step.
type QualityReport struct {
	Score        float64
	Decision     Decision
	Rationale    string
	NewSteps     []plan.StepDef // populated only for DecisionAddStep
	TargetStepID string         // populated only for DecisionSkipNext
}

// Judge scores a completed (or failed) step's output, returning the raw,
// uncoerced report. Implementations typically wrap a model completion.
type Judge interface {
	Score(ctx context.Context, step flow.Step, output string, stepErr error) (QualityReport, error)
}

// reportSchema is the JSON Schema a Judge's raw model output must satisfy
// before Reviewer will trust it, guarding against malformed/partial JSON
// from the scoring model.
var reportSchema = mustCompileReportSchema()

func mustCompileReportSchema() *jsonschema.Schema {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score":          map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"decision":       map[string]any{"type": "string", "enum": []any{"continue", "retry", "add_step", "skip_next"}},
			"rationale":      map[string]any{"type": "string"},
			"new_steps":      map[string]any{"type": "array"},
			"target_step_id": map[string]any{"type": "string"},
		},
		"required": []any{"score", "decision"},
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("quality_report.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("quality_report.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// ValidateReportJSON checks raw (a Judge's unparsed model output) against the
// QualityReport JSON Schema.
func ValidateReportJSON(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return swarmerr.Wrap(swarmerr.KindInvalidOutput, "quality report is not valid JSON", err)
	}
	if err := reportSchema.Validate(doc); err != nil {
		return swarmerr.Wrap(swarmerr.KindInvalidOutput, "quality report failed schema validation", err)
	}
	return nil
}

// Policy configures the Reviewer's coercion rules.
type Policy struct {
	// EnableQualityGates, when false, makes every step auto-accept without
	// consulting the Judge (spec.md's enable_quality_gates config key).
	EnableQualityGates bool
	// QualityThreshold is the minimum score for an outright accept.
	QualityThreshold float64
	// MaxRetryOnFailure bounds how many times a step may be retried before
	// retry exhaustion coercion kicks in.
	MaxRetryOnFailure int
	// Timeout bounds a single Judge call; on expiry the step is treated as an
	// implicit continue (spec.md §4.4).
	Timeout time.Duration
}

// DefaultPolicy mirrors spec.md §6's default config values.
func DefaultPolicy() Policy {
	return Policy{
		EnableQualityGates: true,
		QualityThreshold:   0.7,
		MaxRetryOnFailure:  2,
		Timeout:            30 * time.Second,
	}
}

// Reviewer evaluates one step's output against Policy, using Judge to
// produce the raw score and coercing it per spec.md §4.4's decision table.
type Reviewer struct {
	Judge  Judge
	Policy Policy
}

// New constructs a Reviewer. A zero Policy value is replaced with
// DefaultPolicy.
func New(judge Judge, policy Policy) *Reviewer {
	if policy.QualityThreshold == 0 && policy.MaxRetryOnFailure == 0 && policy.Timeout == 0 {
		policy = DefaultPolicy()
	}
	return &Reviewer{Judge: judge, Policy: policy}
}

// Review scores step (whose Output/Err are already populated by the
// Scheduler) and returns the coerced decision the Scheduler should act on.
// step.RetryCount is taken as the step's current retry counter; critical
// marks a role template the policy must not silently best-effort past.
func (r *Reviewer) Review(ctx context.Context, step flow.Step, critical bool) (QualityReport, error) {
	if !r.Policy.EnableQualityGates {
		return QualityReport{Score: 1, Decision: DecisionContinue, Rationale: "quality gates disabled"}, nil
	}

	output, _ := step.Output.(string)
	reviewCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	raw, err := r.Judge.Score(reviewCtx, step, output, step.Err)
	if err != nil {
		if reviewCtx.Err() != nil {
			// Reviewer timeout: spec.md treats this as an implicit continue.
			return QualityReport{Score: 1, Decision: DecisionContinue, Rationale: "reviewer timed out, continuing"}, nil
		}
		return QualityReport{}, err
	}

	return r.coerce(raw, step.RetryCount, critical), nil
}

func (r *Reviewer) timeout() time.Duration {
	if r.Policy.Timeout <= 0 {
		return DefaultPolicy().Timeout
	}
	return r.Policy.Timeout
}

// coerce applies spec.md §4.4's policy table over the Judge's raw report.
func (r *Reviewer) coerce(raw QualityReport, retryCount int, critical bool) QualityReport {
	threshold := r.Policy.QualityThreshold
	maxRetry := r.Policy.MaxRetryOnFailure

	if raw.Decision == DecisionAddStep || raw.Decision == DecisionSkipNext {
		// Explicit structural decisions from the Judge pass through; the
		// Scheduler is responsible for validating add_step against
		// acyclicity/dependency-completeness before honoring it.
		return raw
	}

	if raw.Score >= threshold {
		raw.Decision = DecisionContinue
		return raw
	}

	if retryCount < maxRetry {
		raw.Decision = DecisionRetry
		return raw
	}

	// Retry budget exhausted: best-effort continue, unless the role is
	// critical, in which case downstream is transitively skipped.
	if critical {
		raw.Decision = DecisionSkipNext
		raw.Rationale = "retry budget exhausted on a critical role: " + raw.Rationale
		return raw
	}
	raw.Decision = DecisionContinue
	raw.Rationale = "retry budget exhausted, continuing best-effort: " + raw.Rationale
	return raw
}
