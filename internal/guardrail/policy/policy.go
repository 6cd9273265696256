// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package policy is a guardrail backend that evaluates an embedded Rego
// bundle locally instead of calling a hosted validator.
package policy

import (
	"context"
	"embed"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/skyguard-dev/skyguard/internal/guardrail"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/telemetry"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	policyFile  = "rego/guardrail.rego"
	policyQuery = "data.skyguard.guardrail.decision"

	// ScoreKey names the score this backend reports.
	ScoreKey = "policy"
)

var tracer = telemetry.Tracer("github.com/skyguard-dev/skyguard/internal/guardrail/policy")

// Config is the data the rules evaluate against.
type Config struct {
	DeniedTools          []string          `json:"denied_tools"`
	MaxFlightsPerBooking int               `json:"max_flights_per_booking"`
	BlockedPhrases       []string          `json:"blocked_phrases"`
	ExpertAnswers        map[string]string `json:"expert_answers"`
}

// Engine implements guardrail.Backend with a prepared Rego query.
type Engine struct {
	prepared rego.PreparedEvalQuery
}

var _ guardrail.Backend = (*Engine)(nil)

// New compiles the embedded rules against cfg.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	content, err := embeddedPolicies.ReadFile(policyFile)
	if err != nil {
		return nil, skyerr.Wrapf(err, skyerr.CodeGuardrailPolicyInvalid, "reading embedded policy %s", policyFile)
	}

	r := rego.New(
		rego.Query(policyQuery),
		rego.Module(policyFile, string(content)),
		rego.Store(inmem.NewFromObject(map[string]any{"config": configData(cfg)})),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, skyerr.Wrapf(err, skyerr.CodeGuardrailPolicyInvalid, "preparing policy %s", policyFile)
	}
	return &Engine{prepared: prepared}, nil
}

// configData normalizes cfg into OPA data. Expert answer keys are matched
// case-insensitively, so they are lowercased here.
func configData(cfg Config) map[string]any {
	denied := cfg.DeniedTools
	if denied == nil {
		denied = []string{}
	}
	phrases := cfg.BlockedPhrases
	if phrases == nil {
		phrases = []string{}
	}
	answers := make(map[string]any, len(cfg.ExpertAnswers))
	for q, a := range cfg.ExpertAnswers {
		answers[strings.ToLower(strings.TrimSpace(q))] = a
	}

	toAny := func(in []string) []any {
		out := make([]any, len(in))
		for i, s := range in {
			out[i] = s
		}
		return out
	}
	return map[string]any{
		"denied_tools":            toAny(denied),
		"max_flights_per_booking": cfg.MaxFlightsPerBooking,
		"blocked_phrases":         toAny(phrases),
		"expert_answers":          answers,
	}
}

// Validate evaluates the rules for one candidate. Intermediate steps are
// only logged upstream, so they always pass.
func (e *Engine) Validate(ctx context.Context, req *guardrail.ValidateRequest) (*guardrail.ValidateResponse, error) {
	logID := uuid.NewString()
	if req.Candidate.Kind == guardrail.CandidateIntermediate {
		return &guardrail.ValidateResponse{LogID: logID}, nil
	}

	ctx, span := tracer.Start(ctx, "policy.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("guardrail.candidate", string(req.Candidate.Kind)))

	input := map[string]any{
		"kind":  string(req.Candidate.Kind),
		"query": req.Query,
	}
	switch req.Candidate.Kind {
	case guardrail.CandidateToolCall:
		input["tool"] = map[string]any{
			"name":      req.Candidate.ToolName,
			"arguments": arguments(req.Candidate.Arguments),
		}
	case guardrail.CandidateFinalAnswer:
		input["response"] = req.Candidate.Text
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, skyerr.Wrap(err, skyerr.CodeGuardrailPolicyInvalid, "evaluating guardrail policy")
	}

	reasons, expert := decode(results)
	blocked := len(reasons) > 0

	score := 1.0
	if blocked {
		score = 0
	}
	result := store.EvalResult{
		Score:              &score,
		Triggered:          blocked,
		TriggeredGuardrail: blocked,
	}
	if blocked {
		result.Log = &store.EvalLog{Explanation: strings.Join(reasons, "; ")}
	}

	resp := &guardrail.ValidateResponse{
		ShouldGuardrail: blocked,
		EvalScores:      map[string]store.EvalResult{ScoreKey: result},
		LogID:           logID,
	}
	if expert != "" {
		resp.ExpertAnswer = &expert
	}
	span.SetAttributes(
		attribute.Bool("policy.blocked", blocked),
		attribute.Int("policy.deny_reasons", len(reasons)),
	)
	return resp, nil
}

// Consult has no guidance to offer.
func (e *Engine) Consult(context.Context, *guardrail.ConsultRequest) ([]string, error) {
	return nil, nil
}

func arguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// decode extracts the deny reasons, sorted, and the expert answer from
// the decision object.
func decode(results rego.ResultSet) ([]string, string) {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, ""
	}
	decision, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, ""
	}

	var reasons []string
	switch v := decision["deny"].(type) {
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	sort.Strings(reasons)

	expert, _ := decision["expert_answer"].(string)
	return reasons, expert
}
