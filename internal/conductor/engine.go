// Package conductor runs the scheduling loop of one task: it evaluates the
// deterministic rules on each blackboard snapshot, invokes the selected agent
// through the adapter and applies the result.
//
// The loop is single threaded. Exactly one invocation is outstanding at a time
// and cancellation is only observed between steps.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/HebbZhu/multi-agent-living-system/internal/agent"
	"github.com/HebbZhu/multi-agent-living-system/internal/consensus"
	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
	"github.com/HebbZhu/multi-agent-living-system/internal/memory"
	"github.com/HebbZhu/multi-agent-living-system/internal/observability"
	"github.com/HebbZhu/multi-agent-living-system/internal/recorder"
	"github.com/HebbZhu/multi-agent-living-system/internal/slicer"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRepeatLimit is how many consecutive times one agent may be selected
// without any plan-step or consensus change.
const DefaultRepeatLimit = 3

// Terminal reasons recorded in the run's status history.
const (
	ReasonAllStepsDone      = "all_steps_done"
	ReasonStepBudget        = "step_budget_exceeded"
	ReasonTokenBudget       = "token_budget_exceeded"
	ReasonLoopDetected      = "loop_detected"
	ReasonStalled           = "stalled"
	ReasonInternalAssertion = "internal_assertion"
	ReasonCancelled         = "cancelled"
	ReasonBackendError      = "backend_error"
)

// Config bounds a run.
type Config struct {
	Limits
	// RepeatLimit triggers the loop guard; 0 selects DefaultRepeatLimit, a
	// negative value disables it.
	RepeatLimit     int
	DashboardBudget int
}

// Options carries the collaborators of an Engine. Nil fields select defaults.
type Options struct {
	Adapter  *agent.Adapter
	Gate     *consensus.Gate
	Memory   *memory.Manager
	Chooser  Chooser
	Recorder *recorder.Recorder
	Tracer   trace.Tracer
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Result describes a finished run. Workspace content is hydrated regardless of
// the tier each field ended in.
type Result struct {
	TaskID       string                                `json:"task_id"`
	Status       blackboard.RunStatus                  `json:"status"`
	LoopOverride bool                                  `json:"loop_override"`
	Reason       string                                `json:"reason"`
	Cause        error                                 `json:"-"`
	Workspace    map[string]blackboard.Artifact        `json:"workspace"`
	Plan         []blackboard.PlanStep                 `json:"plan"`
	Consensus    map[string]blackboard.ConsensusRecord `json:"consensus"`
	StepCount    int                                   `json:"step_count"`
	TokenCount   int                                   `json:"token_count"`
	Warnings     []string                              `json:"warnings,omitempty"`
}

// Engine drives one run.
type Engine struct {
	store    *blackboard.Store
	registry *agent.Registry
	cfg      Config

	adapter  *agent.Adapter
	gate     *consensus.Gate
	memory   *memory.Manager
	slicer   slicer.Slicer
	chooser  Chooser
	recorder *recorder.Recorder
	tracer   trace.Tracer
	metrics  *observability.Metrics
	logger   *slog.Logger

	// loop guard
	lastAgent    string
	lastProgress string
	repeats      int
}

type terminal struct {
	status   blackboard.RunStatus
	reason   string
	override bool
	cause    error
}

// New creates an engine for the run held by store. Every plan step must map to a
// registered agent.
func New(store *blackboard.Store, registry *agent.Registry, cfg Config, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}
	for _, step := range store.Snapshot().Plan {
		if _, ok := registry.Get(step.Agent); !ok {
			return nil, fmt.Errorf("plan step '%s': agent '%s' is not registered", step.ID, step.Agent)
		}
	}

	if cfg.RepeatLimit == 0 {
		cfg.RepeatLimit = DefaultRepeatLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "conductor", "task_id", store.TaskID())

	e := &Engine{
		store:    store,
		registry: registry,
		cfg:      cfg,
		adapter:  opts.Adapter,
		gate:     opts.Gate,
		memory:   opts.Memory,
		slicer:   slicer.Slicer{DashboardBudget: cfg.DashboardBudget},
		chooser:  opts.Chooser,
		recorder: opts.Recorder,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		logger:   logger,
	}
	if e.adapter == nil {
		e.adapter = agent.NewAdapter(agent.AdapterConfig{}, opts.Tracer, opts.Metrics, logger)
	}
	if e.gate == nil {
		e.gate = consensus.New(consensus.DefaultMaxReviewIterations, opts.Metrics, logger)
	}
	if e.memory == nil {
		e.memory = memory.NewManager(memory.Config{}, nil, opts.Metrics, logger)
	}
	if e.chooser == nil {
		e.chooser = PlanOrder{}
	}
	if e.tracer == nil {
		e.tracer = observability.Tracer(nil)
	}
	return e, nil
}

// TaskID returns the run identifier.
func (e *Engine) TaskID() string {
	return e.store.TaskID()
}

// Dashboard returns the dashboard of the current state, fitted to the configured
// budget. It is safe to call while the run executes.
func (e *Engine) Dashboard() dashboard.Dashboard {
	return dashboard.Build(e.store.Snapshot()).Fit(dashboard.Budget(e.cfg.DashboardBudget))
}

// Run executes the loop until the run reaches a terminal status. It never returns
// an error: every fault is mapped to a terminal status on the Result.
func (e *Engine) Run(ctx context.Context) Result {
	ctx, span := e.tracer.Start(ctx, "conductor.run", trace.WithAttributes(
		attribute.String("task_id", e.store.TaskID()),
	))
	defer span.End()

	st := e.store.Snapshot()
	if st.Status.IsTerminal() {
		return e.result(ctx, terminal{status: st.Status, reason: lastReason(st)})
	}

	e.recorder.Start(st.TaskID, st.Objective)
	e.logEvent("run_started", "objective", st.Objective, "plan_steps", len(st.Plan))

	// A resumed run may have been interrupted mid-step.
	for _, step := range st.Plan {
		if step.Status == blackboard.StepInProgress {
			if err := e.store.SetStepStatus(ctx, step.ID, blackboard.StepPending); err != nil {
				return e.finish(ctx, terminal{status: blackboard.RunFailed, reason: ReasonBackendError, cause: err})
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, terminal{status: blackboard.RunAborted, reason: ReasonCancelled, cause: err})
		}
		if t, done := e.step(ctx); done {
			return e.finish(ctx, t)
		}
	}
}

// step evaluates the rules once and performs the chosen action.
func (e *Engine) step(ctx context.Context) (terminal, bool) {
	st := e.store.Snapshot()
	e.recorder.SetStep(st.StepCounter + 1)

	d := Decide(st, e.registry, e.cfg.Limits)
	switch d.Action {
	case ActionComplete:
		return terminal{status: blackboard.RunCompleted, reason: ReasonAllStepsDone}, true
	case ActionBudget:
		reason := ReasonTokenBudget
		if d.Budget.StepBudget > 0 && d.Budget.Steps >= d.Budget.StepBudget {
			reason = ReasonStepBudget
		}
		return terminal{status: blackboard.RunFailed, reason: reason, override: true, cause: d.Budget}, true
	case ActionStall:
		return terminal{status: blackboard.RunFailed, reason: ReasonStalled}, true
	}

	c := d.Candidates[0]
	if len(d.Candidates) > 1 {
		c = e.choose(ctx, st, d.Candidates)
	}
	if e.looping(st, c.Agent) {
		e.logger.Warn("loop detected", "agent", c.Agent, "repeats", e.repeats)
		return terminal{status: blackboard.RunFailed, reason: ReasonLoopDetected, override: true}, true
	}

	e.logEvent("agent_selected",
		"rule", string(d.Rule),
		"agent", c.Agent,
		"field", c.Field,
		"step_id", c.StepID,
		"candidates", len(d.Candidates))
	e.recorder.Record(recorder.EventDecision, map[string]any{
		"action": "invoke",
		"rule":   string(d.Rule),
		"agent":  c.Agent,
		"field":  c.Field,
	})

	if err := e.invoke(ctx, st, c); err != nil {
		e.recorder.Record(recorder.EventError, map[string]any{"source": "conductor", "error": err.Error()})
		if isAssertion(err) {
			e.logger.Error("internal assertion failed", "agent", c.Agent, "field", c.Field, "error", err)
			return terminal{status: blackboard.RunFailed, reason: ReasonInternalAssertion, cause: err}, true
		}
		e.logger.Error("step failed", "agent", c.Agent, "field", c.Field, "error", err)
		return terminal{status: blackboard.RunFailed, reason: ReasonBackendError, cause: err}, true
	}
	return terminal{}, false
}

// isAssertion reports errors the rules make unreachable.
func isAssertion(err error) bool {
	var cce *blackboard.ConsensusConflictError
	return errors.As(err, &cce) ||
		errors.Is(err, blackboard.ErrFieldUnderReview) ||
		errors.Is(err, blackboard.ErrInvalidTransition) ||
		errors.Is(err, consensus.ErrNotReviewer)
}

// choose defers a tie between R2 candidates to the chooser.
func (e *Engine) choose(ctx context.Context, st *blackboard.State, candidates []Candidate) Candidate {
	d := dashboard.Build(st).Fit(dashboard.Budget(e.cfg.DashboardBudget))
	idx, err := e.chooser.Choose(ctx, d, candidates)
	if err != nil || idx < 0 || idx >= len(candidates) {
		e.logger.Warn("tie-break fell back to plan order", "index", idx, "candidates", len(candidates), "error", err)
		return candidates[0]
	}
	return candidates[idx]
}

// looping updates the loop guard with the selection of name on st.
func (e *Engine) looping(st *blackboard.State, name string) bool {
	p := progress(st)
	if name == e.lastAgent && p == e.lastProgress {
		e.repeats++
	} else {
		e.lastAgent, e.lastProgress, e.repeats = name, p, 1
	}
	return e.cfg.RepeatLimit > 0 && e.repeats > e.cfg.RepeatLimit
}

// invoke runs one agent and applies its result. The step is detached from run
// cancellation so it always completes once started.
func (e *Engine) invoke(ctx context.Context, st *blackboard.State, c Candidate) error {
	ctx, span := e.tracer.Start(context.WithoutCancel(ctx), "conductor.step", trace.WithAttributes(
		attribute.String("agent", c.Agent),
		attribute.String("field", c.Field),
		attribute.String("step_id", c.StepID),
		attribute.Int("step", st.StepCounter+1),
	))
	defer span.End()

	entry, ok := e.registry.Get(c.Agent)
	if !ok {
		return fmt.Errorf("agent '%s' is not registered", c.Agent)
	}

	payload := e.slicer.Slice(st, entry.Spec, slicer.Assignment{StepID: c.StepID, Field: c.Field})
	e.hydrate(ctx, &payload)

	if entry.Spec.Role == agent.RoleProducer && c.StepID != "" {
		if err := e.store.SetStepStatus(ctx, c.StepID, blackboard.StepInProgress); err != nil {
			return err
		}
	}

	e.recorder.Record(recorder.EventAgentStart, map[string]any{"agent": c.Agent, "fields": fieldNames(payload)})
	result, attempts, err := e.adapter.Invoke(ctx, entry, payload)

	tokens := 0
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.recorder.Record(recorder.EventAgentEnd, map[string]any{
			"agent": c.Agent, "status": "error", "attempts": attempts, "error": err.Error(),
		})
		if err := e.invocationFailed(ctx, entry.Spec, c, err); err != nil {
			return err
		}
	} else {
		tokens = result.Tokens
		e.recorder.Record(recorder.EventAgentEnd, map[string]any{
			"agent": c.Agent, "status": "ok", "attempts": attempts, "tokens": tokens,
		})
		if err := e.apply(ctx, st, entry.Spec, c, result); err != nil {
			return err
		}
	}

	if err := e.store.Advance(ctx, 1, tokens); err != nil {
		return err
	}
	e.metrics.RecordStep()
	return e.compact(ctx)
}

// hydrate replaces references in the payload with archived content for cold
// fields the agent named and for the assignment's own field.
func (e *Engine) hydrate(ctx context.Context, p *agent.Payload) {
	for field, v := range p.Fields {
		if v.Tier == blackboard.TierHot || (v.Tier == blackboard.TierWarm && field != p.Field) {
			continue
		}
		art, err := memory.Retrieve(ctx, e.store, field)
		if err != nil {
			e.logger.Warn("failed to hydrate field", "field", field, "error", err)
			continue
		}
		v.Content = art.Content
		p.Fields[field] = v
	}
}

// invocationFailed degrades the work the agent was assigned. A failed reviewer
// abandons the review it was gating.
func (e *Engine) invocationFailed(ctx context.Context, spec agent.CapabilitySpec, c Candidate, invErr error) error {
	e.logEvent("agent_failed", "agent", spec.Name, "field", c.Field, "step_id", c.StepID, "error", invErr)

	if spec.Role == agent.RoleReviewer {
		if err := e.gate.Abandon(ctx, e.store, c.Field, invErr.Error()); err != nil {
			return err
		}
	} else if c.StepID != "" {
		if err := e.store.SetStepStatus(ctx, c.StepID, blackboard.StepFailed); err != nil {
			return err
		}
	}
	return e.store.AddWarning(ctx, invErr.Error())
}

// apply commits a producer's content or resolves a reviewer's verdict, then
// records the hypotheses and plan steps the agent contributed.
func (e *Engine) apply(ctx context.Context, st *blackboard.State, spec agent.CapabilitySpec, c Candidate, result agent.Result) error {
	switch spec.Role {
	case agent.RoleProducer:
		version, err := e.store.Commit(ctx, c.Field, blackboard.Artifact{
			Content:  result.Content,
			Producer: spec.Name,
		}, st.FieldVersion(c.Field))

		var conflict *blackboard.ConflictError
		if errors.As(err, &conflict) {
			e.logEvent("commit_conflict", "field", c.Field, "expected", conflict.Expected, "actual", conflict.Actual)
			if err := e.store.Reload(ctx); err != nil {
				return err
			}
			if c.StepID != "" {
				return e.store.SetStepStatus(ctx, c.StepID, blackboard.StepPending)
			}
			return nil
		}
		if err != nil {
			return err
		}

		e.logEvent("workspace_write", "field", c.Field, "version", version, "producer", spec.Name)
		e.recorder.Record(recorder.EventWorkspaceWrite, map[string]any{
			"field":    c.Field,
			"version":  version,
			"producer": spec.Name,
			"preview":  dashboard.Preview(result.Content),
		})
		if c.StepID != "" {
			if err := e.store.SetStepStatus(ctx, c.StepID, blackboard.StepDone); err != nil {
				return err
			}
		}

		opened, err := e.gate.AfterCommit(ctx, e.store, c.Field, spec)
		if err != nil {
			return err
		}
		if opened {
			e.recorder.Record(recorder.EventConsensusStart, map[string]any{"field": c.Field, "reviewer": spec.Reviewer})
		}

	case agent.RoleReviewer:
		outcome, err := e.gate.ApplyVerdict(ctx, e.store, c.Field, spec.Name, result.Critique.Verdict, result.Critique.Comment)
		if err != nil {
			return err
		}
		e.logEvent("review_resolved", "field", c.Field, "reviewer", spec.Name, "verdict", string(result.Critique.Verdict), "outcome", string(outcome))
		e.recorder.Record(recorder.EventConsensusReview, map[string]any{
			"field":    c.Field,
			"reviewer": spec.Name,
			"verdict":  string(result.Critique.Verdict),
			"outcome":  string(outcome),
			"comment":  result.Critique.Comment,
		})
	}

	return e.applyThread(ctx, spec, result)
}

// applyThread records hypotheses and new plan steps. Rejected contributions are
// recorded as warnings and never fail the run.
func (e *Engine) applyThread(ctx context.Context, spec agent.CapabilitySpec, result agent.Result) error {
	for _, h := range result.Hypotheses {
		id, err := e.store.ProposeHypothesis(ctx, blackboard.Hypothesis{
			Content:  h.Content,
			Category: h.Category,
			Author:   spec.Name,
		})
		if err != nil {
			if err := e.warn(ctx, fmt.Sprintf("hypothesis from '%s' rejected: %v", spec.Name, err)); err != nil {
				return err
			}
			continue
		}
		e.recorder.Record(recorder.EventHypothesisPropose, map[string]any{"id": id, "author": spec.Name, "content": h.Content})
	}

	for _, r := range result.Resolved {
		if err := e.store.ResolveHypothesis(ctx, r.ID, r.Evidence); err != nil {
			if !blackboard.IsNotFound(err) {
				return err
			}
			if err := e.warn(ctx, fmt.Sprintf("'%s' resolved unknown hypothesis '%s'", spec.Name, r.ID)); err != nil {
				return err
			}
			continue
		}
		e.recorder.Record(recorder.EventHypothesisResolve, map[string]any{"id": r.ID, "author": spec.Name})
	}

	if len(result.NewSteps) == 0 {
		return nil
	}
	var accepted []blackboard.PlanStep
	for _, step := range result.NewSteps {
		if _, ok := e.registry.Get(step.Agent); !ok {
			if err := e.warn(ctx, fmt.Sprintf("step '%s' from '%s' names unregistered agent '%s'", step.ID, spec.Name, step.Agent)); err != nil {
				return err
			}
			continue
		}
		if step.TargetField != "" {
			if err := blackboard.ValidateName("target field", step.TargetField); err != nil {
				if err := e.warn(ctx, fmt.Sprintf("step '%s' from '%s' rejected: %v", step.ID, spec.Name, err)); err != nil {
					return err
				}
				continue
			}
		}
		accepted = append(accepted, step)
	}
	if err := e.store.AppendSteps(ctx, accepted); err != nil {
		if errors.Is(err, blackboard.ErrFrozen) {
			return err
		}
		return e.warn(ctx, fmt.Sprintf("steps from '%s' rejected: %v", spec.Name, err))
	}
	if len(accepted) > 0 {
		e.logEvent("plan_extended", "agent", spec.Name, "steps", len(accepted))
	}
	return nil
}

// compact runs the memory manager. Summarisation failures are non-fatal.
func (e *Engine) compact(ctx context.Context) error {
	report, err := e.memory.Compact(ctx, e.store)
	for _, t := range report.Applied {
		e.recorder.Record(recorder.EventMemoryCompress, map[string]any{
			"field": t.Field, "from": string(t.From), "to": string(t.To), "reason": t.Reason,
		})
	}
	if err == nil {
		return nil
	}
	var ce *memory.CompactionError
	if errors.As(err, &ce) {
		e.recorder.Record(recorder.EventError, map[string]any{"source": "memory", "error": err.Error()})
		return nil
	}
	return err
}

func (e *Engine) warn(ctx context.Context, msg string) error {
	e.logger.Warn(msg)
	return e.store.AddWarning(ctx, msg)
}

// finish records the terminal status. Status writes are detached from the run's
// context so a cancelled run is still marked aborted.
func (e *Engine) finish(ctx context.Context, t terminal) Result {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.SetStatus(ctx, t.status, t.reason); err != nil {
		e.logger.Error("failed to record terminal status", "status", t.status, "error", err)
		e.store.Freeze()
	}

	res := e.result(ctx, t)
	e.metrics.RecordRun(string(t.status), t.override)
	e.recorder.Record(recorder.EventTaskEnd, map[string]any{
		"status":        string(t.status),
		"reason":        t.reason,
		"loop_override": t.override,
		"steps":         res.StepCount,
		"tokens":        res.TokenCount,
	})
	e.logEvent("run_finished",
		"status", string(t.status),
		"reason", t.reason,
		"loop_override", t.override,
		"steps", res.StepCount,
		"tokens", res.TokenCount)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("status", string(t.status)),
		attribute.Bool("loop_override", t.override),
	)
	if t.status != blackboard.RunCompleted {
		span.SetStatus(codes.Error, t.reason)
	}
	return res
}

func (e *Engine) result(ctx context.Context, t terminal) Result {
	st := e.store.Snapshot()
	workspace := make(map[string]blackboard.Artifact, len(st.Workspace))
	for field, art := range st.Workspace {
		if art.Evicted {
			full, err := e.store.ReadVersion(ctx, field, art.Version)
			if err != nil {
				e.logger.Warn("failed to hydrate result field", "field", field, "error", err)
			} else {
				art = full
			}
		}
		workspace[field] = art
	}

	return Result{
		TaskID:       st.TaskID,
		Status:       t.status,
		LoopOverride: t.override,
		Reason:       t.reason,
		Cause:        t.cause,
		Workspace:    workspace,
		Plan:         st.Plan,
		Consensus:    st.Consensus,
		StepCount:    st.StepCounter,
		TokenCount:   st.TokenCounter,
		Warnings:     st.Warnings,
	}
}

// logEvent emits one structured record per orchestration event.
func (e *Engine) logEvent(eventType string, attrs ...any) {
	e.logger.Info(eventType, append([]any{"event_type", eventType}, attrs...)...)
}

func lastReason(st *blackboard.State) string {
	if n := len(st.StatusHistory); n > 0 {
		return st.StatusHistory[n-1].Reason
	}
	return ""
}

func fieldNames(p agent.Payload) []string {
	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
