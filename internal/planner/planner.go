// Package planner turns a user instruction plus retrieved project context
// into either a structured plan or a direct textual answer. Backends form an
// ordered fallback chain (override command, hosted model, local CLI agent);
// the first ready backend is committed to for the whole run and recorded on
// it. Per-backend circuit breakers persist in the project KV so a flapping
// backend is skipped across restarts.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/faults"
)

// Backend names, in chain order.
const (
	BackendOverride = "override"
	BackendHosted   = "hosted"
	BackendCLI      = "cli"
)

// ContextChunk is one retrieved chunk handed to the planner as grounding.
type ContextChunk struct {
	Path string
	Text string
}

// Request carries everything a backend needs to plan one run.
type Request struct {
	ProjectName string
	Instruction string
	Context     []ContextChunk
}

// PlanStep is one step of the plan wire format.
type PlanStep struct {
	Kind     string `json:"kind"`
	Worktree string `json:"worktree,omitempty"`
	Command  string `json:"command,omitempty"`
	Path     string `json:"path,omitempty"`
	To       string `json:"to,omitempty"`
	Content  string `json:"content,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Plan is the structured planner output.
type Plan struct {
	Kind  string     `json:"kind"`
	Steps []PlanStep `json:"steps"`
}

// Response is the outcome of one planning call. Exactly one of Plan and
// Answer is meaningful: prose with no embedded plan becomes a direct answer.
type Response struct {
	Backend string
	Plan    *Plan
	Answer  string
}

// Backend produces raw planner output. Generate returns the model/process
// text verbatim; the chain decodes and validates it uniformly.
type Backend interface {
	Name() string
	Ready(ctx context.Context) error
	Generate(ctx context.Context, req Request) (string, error)
}

// BackendHealth is the readiness snapshot for one backend.
type BackendHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Chain is the ordered backend list plus breaker policy. One chain serves
// every project; breaker state is scoped per project through the KV passed
// to Plan.
type Chain struct {
	logger    *slog.Logger
	backends  []Backend
	threshold int
	cooldown  time.Duration
	timeout   time.Duration
}

func NewChain(ctx context.Context, logger *slog.Logger, cfg config.Config) *Chain {
	return &Chain{
		logger: logger.With("component", "planner"),
		backends: []Backend{
			newOverrideBackend(cfg.Planner.OverrideCommand),
			newHostedBackend(ctx, logger, cfg),
			newCLIBackend(cfg.Planner.CLICommand),
		},
		threshold: cfg.Planner.FailoverThreshold,
		cooldown:  time.Duration(cfg.Planner.FailoverCooldownSeconds) * time.Second,
		timeout:   cfg.PlannerTimeout(),
	}
}

// Plan resolves the first ready backend whose breaker allows it, runs it
// under the planner timeout, and validates the output. Backend errors and
// invalid plans trip that backend's breaker and fail the call; the next run
// resolves past the tripped backend.
func (c *Chain) Plan(ctx context.Context, kv KV, req Request) (Response, error) {
	breakers := NewBreakers(c.logger, kv, c.threshold, c.cooldown)

	backend := c.resolve(ctx, breakers)
	if backend == nil {
		return Response{}, faults.PlannerUnavailable("no planner backend is ready; configure planner.override_command, a hosted provider API key, or install %s", BackendCLI)
	}
	name := backend.Name()

	planCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		planCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := time.Now()
	raw, err := backend.Generate(planCtx, req)
	if err != nil {
		breakers.Failure(ctx, name)
		return Response{Backend: name}, faults.PlannerUnavailable("planner backend %s failed: %v", name, err)
	}

	plan, answer, err := DecodeResponse(raw)
	if err != nil {
		breakers.Failure(ctx, name)
		return Response{Backend: name}, faults.PlannerUnavailable("planner backend %s returned an invalid plan: %v", name, err)
	}

	breakers.Success(ctx, name)
	c.logger.Info("plan resolved",
		"backend", name,
		"steps", stepCount(plan),
		"direct_answer", plan == nil,
		"duration_ms", time.Since(started).Milliseconds())
	return Response{Backend: name, Plan: plan, Answer: answer}, nil
}

func (c *Chain) resolve(ctx context.Context, breakers *Breakers) Backend {
	for _, b := range c.backends {
		name := b.Name()
		if !breakers.Allowed(ctx, name) {
			c.logger.Debug("planner backend skipped, breaker open", "backend", name)
			continue
		}
		if err := b.Ready(ctx); err != nil {
			c.logger.Debug("planner backend not ready", "backend", name, "reason", err)
			continue
		}
		return b
	}
	return nil
}

// Health reports per-backend readiness without consulting breakers, so the
// client can gate its submit action.
func (c *Chain) Health(ctx context.Context) []BackendHealth {
	out := make([]BackendHealth, 0, len(c.backends))
	for _, b := range c.backends {
		h := BackendHealth{Name: b.Name(), Ready: true}
		if err := b.Ready(ctx); err != nil {
			h.Ready = false
			h.Detail = err.Error()
		}
		out = append(out, h)
	}
	return out
}

func stepCount(p *Plan) int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

const systemPrompt = `You are the planner for a local-first project assistant. The user works in a
project folder; you decide what, if anything, should happen to it.

Respond with exactly one of:
1. A JSON plan: {"kind":"plan","steps":[...]}. Step kinds:
   - {"kind":"command","worktree":"<name>","command":"<shell>"} runs the shell
     command inside an isolated copy of the project named <name> (lowercase
     letters, digits, - and _). Nothing a command writes reaches the real
     project.
   - {"kind":"edit","path":"<rel>","content":"<full new content>"} and
     {"kind":"create",...} stage file writes for user confirmation.
   - {"kind":"delete","path":"<rel>"} and
     {"kind":"rename","path":"<rel>","to":"<rel>"} stage removals and moves.
   - {"kind":"output","text":"..."} reports progress or results to the user.
2. Plain prose, when the instruction needs no project changes. Do not wrap
   prose in JSON.

Paths are always relative to the project root. Prefer few, verifiable steps.`

// BuildPrompt renders the user-side prompt for a request. The system prompt
// travels separately for hosted backends and is prepended for command
// backends reading stdin.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", req.ProjectName)
	if len(req.Context) > 0 {
		b.WriteString("\nRetrieved project context:\n")
		for _, ch := range req.Context {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", ch.Path, strings.TrimSpace(ch.Text))
		}
	}
	fmt.Fprintf(&b, "\nInstruction:\n%s\n", strings.TrimSpace(req.Instruction))
	return b.String()
}
