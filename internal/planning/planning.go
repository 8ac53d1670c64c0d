// Package planning implements the planning flow (C9): decompose a prompt
// into an ordered Plan, drive each step through the agent loop (C8) in
// order, and aggregate step outputs into a final summary.
//
// No teacher file drives a single agent through a linear, numbered plan;
// this package borrows the teacher's internal/multiagent/orchestrator.go
// texture for the shape of a step-by-step driver (a Process-style loop
// that processes one unit of work at a time, emits an event per step,
// and aggregates a result) while authoring the plan/step/aggregate
// semantics fresh against §4.9, which has no multi-agent handoff
// concept at all.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nexus-agent/runtime/internal/agentloop"
	"github.com/nexus-agent/runtime/internal/llm"
	"github.com/nexus-agent/runtime/internal/telemetry"
	"github.com/nexus-agent/runtime/pkg/models"
)

// Config tunes the planning flow (§6 planning.*).
type Config struct {
	// ContinueOnFailure controls whether a blocked step aborts the
	// remaining plan. Resolves an inconsistency in the source material;
	// defaults to false (§4.9 Invariants / Open Questions).
	ContinueOnFailure bool

	PlanSystemPrompt    string
	SummarySystemPrompt string

	// Tracer, when set, opens a span around every plan step (C9). Nil
	// disables tracing.
	Tracer *telemetry.Tracer
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ContinueOnFailure:   false,
		PlanSystemPrompt:    defaultPlanSystemPrompt,
		SummarySystemPrompt: defaultSummarySystemPrompt,
	}
}

const defaultPlanSystemPrompt = `You plan work for an autonomous agent. Given the user's request, respond with a JSON array of short, ordered, self-contained step descriptions and nothing else. Example: ["Analyse the request", "Gather the needed information", "Produce the final answer"].`

const defaultSummarySystemPrompt = `You summarise a completed multi-step plan for the user. Given the plan's steps, their statuses, and their outputs, write a concise natural-language summary of what was accomplished and note any steps that were blocked.`

// Flow drives the planning lifecycle over an llm.Client (for plan
// generation and the final summary) and an agentloop.Agent (for
// executing each step).
type Flow struct {
	client *llm.Client
	cfg    Config
}

// New builds a Flow.
func New(client *llm.Client, cfg Config) *Flow {
	return &Flow{client: client, cfg: cfg}
}

// StepResult is the per-step outcome recorded alongside the Plan.
type StepResult struct {
	Index  int
	Output string
	Err    error
}

// Outcome is the result of a full planning run.
type Outcome struct {
	Plan    models.Plan
	Steps   []StepResult
	Summary string
}

// Run decomposes prompt into a Plan, executes each step in order through
// agent, and aggregates a final summary (§4.9).
func (f *Flow) Run(ctx context.Context, agent *agentloop.Agent, prompt string) (Outcome, error) {
	plan := f.buildPlan(ctx, prompt)

	steps := make([]StepResult, len(plan.Steps))

	for i, step := range plan.Steps {
		if plan.CurrentStepIndex != i {
			plan.CurrentStepIndex = i
		}
		plan.StepStatuses[i] = models.StepInProgress

		stepPrompt := f.stepPrompt(plan, i)
		stepCtx, endStepSpan := f.startStepSpan(ctx, plan.ID, i, step)
		result, err := agent.Run(stepCtx, stepPrompt)
		endStepSpan(err)

		if err != nil {
			plan.StepStatuses[i] = models.StepBlocked
			plan.StepNotes[i] = err.Error()
			steps[i] = StepResult{Index: i, Err: err}
			if !f.cfg.ContinueOnFailure {
				plan.CurrentStepIndex = i + 1
				break
			}
			plan.CurrentStepIndex = i + 1
			continue
		}

		plan.StepStatuses[i] = models.StepCompleted
		plan.StepNotes[i] = result.Response
		steps[i] = StepResult{Index: i, Output: result.Response}
		plan.CurrentStepIndex = i + 1
	}

	summary := f.aggregate(ctx, plan, steps)

	return Outcome{Plan: plan, Steps: steps, Summary: summary}, nil
}

// startStepSpan opens a C9 plan-step span for step index within planID
// when the Flow was configured with a Tracer, returning the context to run
// the step under and a function that closes the span, recording err if
// non-nil. A nil Tracer makes both a no-op.
func (f *Flow) startStepSpan(ctx context.Context, planID string, index int, step string) (context.Context, func(error)) {
	if f.cfg.Tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := f.cfg.Tracer.TracePlanStep(ctx, planID, index, step)
	return spanCtx, func(err error) {
		if err != nil {
			f.cfg.Tracer.RecordError(span, err)
		}
		span.End()
	}
}

// buildPlan implements §4.9 step 1: ask C5 for a JSON step array with a
// dedicated system prompt, falling back to a default 3-step plan if
// parsing fails.
func (f *Flow) buildPlan(ctx context.Context, prompt string) models.Plan {
	id := uuid.NewString()

	messages := []models.Message{
		{Role: models.RoleSystem, Content: f.cfg.PlanSystemPrompt},
		{Role: models.RoleUser, Content: prompt},
	}

	steps := f.requestSteps(ctx, messages)
	if len(steps) == 0 {
		steps = defaultPlanSteps()
	}

	statuses := make([]models.StepStatus, len(steps))
	for i := range statuses {
		statuses[i] = models.StepNotStarted
	}

	return models.Plan{
		ID:               id,
		Title:            prompt,
		Steps:            steps,
		StepStatuses:     statuses,
		StepNotes:        make([]string, len(steps)),
		CurrentStepIndex: 0,
	}
}

func (f *Flow) requestSteps(ctx context.Context, messages []models.Message) []string {
	text, _, err := f.client.Complete(ctx, messages, llm.Options{})
	if err != nil {
		return nil
	}
	return parseStepArray(text)
}

// parseStepArray extracts a JSON array of strings from text, tolerating
// surrounding prose by scanning for the first '[' ... last ']' span.
func parseStepArray(text string) []string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start == -1 || end == -1 || end < start {
		return nil
	}
	var steps []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &steps); err != nil {
		return nil
	}
	cleaned := make([]string, 0, len(steps))
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

func defaultPlanSteps() []string {
	return []string{"Analyse request", "Execute task", "Verify results"}
}

// stepPrompt builds the step prompt §4.9 step 2 describes: current plan
// status plus the step text.
func (f *Flow) stepPrompt(plan models.Plan, index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", plan.Title)
	for i, step := range plan.Steps {
		status := plan.StepStatuses[i]
		marker := "pending"
		if status != "" {
			marker = string(status)
		}
		if i == index {
			fmt.Fprintf(&b, "-> [%s] %s (current step)\n", marker, step)
		} else {
			fmt.Fprintf(&b, "   [%s] %s\n", marker, step)
		}
	}
	fmt.Fprintf(&b, "\nExecute the current step now: %s\n", plan.Steps[index])
	return b.String()
}

// aggregate implements §4.9 step 3: ask C5 for an enhanced summary of
// step outputs, falling back to a structured textual roll-up on failure.
func (f *Flow) aggregate(ctx context.Context, plan models.Plan, steps []StepResult) string {
	rollup := structuredRollup(plan, steps)

	messages := []models.Message{
		{Role: models.RoleSystem, Content: f.cfg.SummarySystemPrompt},
		{Role: models.RoleUser, Content: rollup},
	}
	text, _, err := f.client.Complete(ctx, messages, llm.Options{})
	if err != nil || strings.TrimSpace(text) == "" {
		return rollup
	}
	return text
}

func structuredRollup(plan models.Plan, steps []StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %q completed with the following step outcomes:\n", plan.Title)
	for i, step := range plan.Steps {
		status := plan.StepStatuses[i]
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, status, step)
		if i < len(steps) {
			if steps[i].Err != nil {
				fmt.Fprintf(&b, "   error: %s\n", steps[i].Err)
			} else if steps[i].Output != "" {
				fmt.Fprintf(&b, "   result: %s\n", steps[i].Output)
			}
		}
	}
	return b.String()
}
