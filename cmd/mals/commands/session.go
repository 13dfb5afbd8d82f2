package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/HebbZhu/multi-agent-living-system/internal/agent"
	"github.com/HebbZhu/multi-agent-living-system/internal/conductor"
	"github.com/HebbZhu/multi-agent-living-system/internal/config"
	"github.com/HebbZhu/multi-agent-living-system/internal/consensus"
	"github.com/HebbZhu/multi-agent-living-system/internal/llm"
	"github.com/HebbZhu/multi-agent-living-system/internal/logging"
	"github.com/HebbZhu/multi-agent-living-system/internal/memory"
	"github.com/HebbZhu/multi-agent-living-system/internal/observability"
	"github.com/HebbZhu/multi-agent-living-system/internal/recorder"
	"github.com/HebbZhu/multi-agent-living-system/internal/resolver"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// session holds everything one configured run needs.
type session struct {
	cfg      *config.Config
	path     string
	logger   *slog.Logger
	backend  blackboard.Backend
	engine   *conductor.Engine
	recorder *recorder.Recorder
	closers  []func(context.Context) error
}

// sessionOptions are shared by every session of one CLI invocation.
type sessionOptions struct {
	metrics  *observability.Metrics
	logOut   io.Writer
	traceOut io.Writer
	resume   string
}

// openBackend connects the configured backend and checks it is reachable.
func openBackend(ctx context.Context, cfg config.BlackboardConfig) (blackboard.Backend, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Backend != "redis" {
		return blackboard.NewMemoryBackend(), noop, nil
	}

	rb, err := blackboard.NewRedisBackendFromURL(cfg.RedisURL, cfg.Namespace)
	if err != nil {
		return nil, nil, err
	}
	if err := rb.Ping(ctx); err != nil {
		rb.Close()
		return nil, nil, fmt.Errorf("redis at %s is not reachable: %w", cfg.RedisURL, err)
	}
	return rb, func(context.Context) error { return rb.Close() }, nil
}

// buildRegistry registers every configured agent, as a subprocess or as a model
// prompt.
func buildRegistry(cfg *config.Config, client *llm.Client) (*agent.Registry, error) {
	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	registry := agent.NewRegistry()
	for _, name := range names {
		a := cfg.Agents[name]
		spec := agent.CapabilitySpec{
			Name:                 name,
			Description:          a.Description,
			Role:                 agent.Role(a.Role),
			Reads:                a.Reads,
			Steps:                a.Steps,
			HypothesisCategories: a.HypothesisCategories,
			ReviewGated:          a.ReviewGated,
			Reviewer:             a.Reviewer,
			Model:                cfg.AgentModel(name),
		}

		var invoke agent.InvokeFunc
		if len(a.Command) > 0 {
			invoke = (&agent.CommandAgent{Command: a.Command, Dir: a.Dir, Env: a.Environment}).Invoke
		} else {
			if client == nil {
				return nil, fmt.Errorf("agent '%s' needs a model client", name)
			}
			invoke = (&llm.PromptAgent{Client: client, Model: spec.Model, Prompt: a.Prompt, MaxTokens: cfg.LLM.MaxTokens}).Invoke
		}
		if err := registry.Register(spec, invoke); err != nil {
			return nil, err
		}
	}
	return registry, registry.Validate()
}

// newSession wires the stack for cfg and creates or resumes its run.
func newSession(ctx context.Context, path string, cfg *config.Config, opts sessionOptions) (*session, error) {
	logger, err := logging.NewWithWriter(opts.logOut, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, path: path, logger: logger.With("config", path)}

	backend, closeBackend, err := openBackend(ctx, cfg.Blackboard)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	s.closers = append(s.closers, closeBackend)

	tp, shutdown, err := observability.NewTracerProvider(observability.TracingConfig{
		Exporter: cfg.Observability.Trace,
		Writer:   opts.traceOut,
	})
	if err != nil {
		s.close(ctx)
		return nil, err
	}
	s.closers = append(s.closers, shutdown)
	tracer := observability.Tracer(tp)

	var client *llm.Client
	if cfg.UsesLLM() {
		llmCfg := llm.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}
		client = llm.NewClient(llm.NewOpenAIClient(llmCfg), llmCfg)
	}

	registry, err := buildRegistry(cfg, client)
	if err != nil {
		s.close(ctx)
		return nil, err
	}

	store, err := openStore(ctx, backend, cfg, opts.resume)
	if err != nil {
		s.close(ctx)
		return nil, err
	}

	var summarizer memory.Summarizer
	var chooser conductor.Chooser
	if cfg.Memory.Summarizer == "llm" {
		summarizer = llm.NewSummarizer(client, cfg.LLM.ConductorModel)
	}
	if cfg.Conductor.TieBreak == "llm" {
		chooser = llm.NewTieBreaker(client, cfg.LLM.ConductorModel, s.logger)
	}

	s.recorder = recorder.New()
	s.engine, err = conductor.New(store, registry, conductor.Config{
		Limits: conductor.Limits{
			StepBudget:  cfg.Run.StepBudget,
			TokenBudget: cfg.Run.TokenBudget,
		},
		RepeatLimit:     cfg.Conductor.RepeatLimit,
		DashboardBudget: cfg.Conductor.DashboardBudget,
	}, conductor.Options{
		Adapter: agent.NewAdapter(agent.AdapterConfig{
			MaxAttempts:   cfg.Conductor.MaxAttempts,
			Timeout:       cfg.Conductor.InvocationTimeoutDuration(),
			RatePerSecond: cfg.Conductor.RatePerSecond,
		}, tracer, opts.metrics, s.logger),
		Gate: consensus.New(*cfg.Conductor.MaxReviewIterations, opts.metrics, s.logger),
		Memory: memory.NewManager(memory.Config{
			HotBudgetBytes:   cfg.Memory.HotBudgetBytes,
			WarmBudgetBytes:  cfg.Memory.WarmBudgetBytes,
			StaleAfterSteps:  cfg.Memory.StaleAfterSteps,
			SynopsisLength:   cfg.Memory.SynopsisLength,
			SummarizeTimeout: cfg.Memory.SummarizeTimeoutDuration(),
		}, summarizer, opts.metrics, s.logger),
		Chooser:  chooser,
		Recorder: s.recorder,
		Tracer:   tracer,
		Metrics:  opts.metrics,
		Logger:   s.logger,
	})
	if err != nil {
		s.close(ctx)
		return nil, err
	}
	return s, nil
}

func openStore(ctx context.Context, backend blackboard.Backend, cfg *config.Config, resume string) (*blackboard.Store, error) {
	if resume != "" {
		taskID, err := resolver.ResolveTaskID(ctx, backend, resume)
		if err != nil {
			return nil, fmt.Errorf("failed to resume task: %w", err)
		}
		store, err := blackboard.Open(ctx, backend, taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to resume task: %w", err)
		}
		// Adopts commits that were interrupted before their state was persisted.
		if err := store.Reload(ctx); err != nil {
			return nil, fmt.Errorf("failed to resume task: %w", err)
		}
		return store, nil
	}

	plan := make([]blackboard.PlanStep, len(cfg.Plan))
	for i, step := range cfg.Plan {
		plan[i] = blackboard.PlanStep{
			ID:          step.ID,
			Description: step.Description,
			TargetField: step.TargetField,
			Agent:       step.Agent,
		}
	}
	return blackboard.Create(ctx, backend, blackboard.Seed{
		TaskID:      cfg.Run.TaskID,
		Objective:   cfg.Run.Objective,
		Constraints: cfg.Run.Constraints,
		Plan:        plan,
	})
}

// close releases the session's resources in reverse order.
func (s *session) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
