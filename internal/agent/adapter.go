package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttempts bounds how often one invocation is tried.
	DefaultMaxAttempts = 3
	// DefaultInvocationTimeout bounds a single attempt.
	DefaultInvocationTimeout = 5 * time.Minute
	// DefaultAbandonGrace is how long a timed-out agent may take to return.
	DefaultAbandonGrace = 5 * time.Second
)

// ErrAgentStillRunning is returned while an agent that outlived its timeout has
// not returned. No invocation starts until it does.
var ErrAgentStillRunning = errors.New("previous invocation is still running")

// InvocationError reports an agent that failed every attempt.
type InvocationError struct {
	Agent    string
	Attempts int
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent '%s' failed after %d attempt(s): %v", e.Agent, e.Attempts, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// AdapterConfig configures an Adapter. Zero values select defaults.
type AdapterConfig struct {
	MaxAttempts int
	Timeout     time.Duration
	// RatePerSecond paces attempts across the adapter; 0 disables pacing.
	RatePerSecond float64
	// AbandonGrace bounds the wait for a timed-out attempt to return before
	// the adapter gives up on the invocation.
	AbandonGrace time.Duration
}

// Adapter calls agents on behalf of the conductor.
//
// Every attempt reuses the same payload. Attempts run on a context detached from
// the caller's cancellation, so cancelling a run never interrupts an invocation;
// each attempt is bounded by the per-invocation timeout instead, and a timeout
// counts as a failed attempt.
//
// At most one agent call is outstanding. Agents must return once their context
// is done; one that keeps running past the timeout plus the abandon grace fails
// the invocation with ErrAgentStillRunning, and every later attempt fails the
// same way until it returns.
type Adapter struct {
	maxAttempts int
	timeout     time.Duration
	grace       time.Duration
	limiter     *rate.Limiter
	tracer      trace.Tracer
	metrics     *observability.Metrics
	logger      *slog.Logger

	mu        sync.Mutex
	straggler <-chan struct{}
}

// NewAdapter creates an adapter. tracer, metrics and logger may be nil.
func NewAdapter(cfg AdapterConfig, tracer trace.Tracer, metrics *observability.Metrics, logger *slog.Logger) *Adapter {
	a := &Adapter{
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.Timeout,
		grace:       cfg.AbandonGrace,
		tracer:      tracer,
		metrics:     metrics,
		logger:      logger,
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = DefaultMaxAttempts
	}
	if a.timeout <= 0 {
		a.timeout = DefaultInvocationTimeout
	}
	if a.grace <= 0 {
		a.grace = DefaultAbandonGrace
	}
	if cfg.RatePerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	if a.tracer == nil {
		a.tracer = observability.Tracer(nil)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	return a
}

// Invoke runs entry with payload, retrying failed or invalid results.
// It returns the validated result and the number of attempts used, or an
// *InvocationError once attempts are exhausted.
func (a *Adapter) Invoke(ctx context.Context, entry Entry, payload Payload) (Result, int, error) {
	name := entry.Spec.Name
	base := context.WithoutCancel(ctx)

	base, span := a.tracer.Start(base, "agent.invoke", trace.WithAttributes(
		attribute.String("agent", name),
		attribute.String("role", string(entry.Spec.Role)),
		attribute.String("field", payload.Field),
		attribute.String("payload.fingerprint", payload.Fingerprint()),
	))
	defer span.End()

	start := time.Now()
	var lastErr error
	attempts := 0
	for attempts < a.maxAttempts {
		attempts++
		if attempts > 1 {
			a.metrics.RecordRetry(name)
		}

		result, err := a.attempt(base, entry, payload)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempts), attribute.Int("tokens", result.Tokens))
			a.metrics.RecordInvocation(name, "success", time.Since(start))
			a.metrics.RecordTokens(name, result.Tokens)
			return result, attempts, nil
		}

		lastErr = err
		a.logger.Warn("agent attempt failed",
			"agent", name,
			"attempt", attempts,
			"max_attempts", a.maxAttempts,
			"error", err)
		if errors.Is(err, ErrAgentStillRunning) {
			break
		}
	}

	invErr := &InvocationError{Agent: name, Attempts: attempts, Err: lastErr}
	span.RecordError(invErr)
	span.SetStatus(codes.Error, invErr.Error())
	a.metrics.RecordInvocation(name, "failure", time.Since(start))
	return Result{}, attempts, invErr
}

type outcome struct {
	result Result
	err    error
}

// attempt runs one call. When the timeout fires the agent gets the abandon grace
// to return; its eventual result is discarded either way.
func (a *Adapter) attempt(ctx context.Context, entry Entry, payload Payload) (Result, error) {
	if err := a.awaitStraggler(); err != nil {
		return Result{}, err
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		res, err := entry.Invoke(attemptCtx, payload)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		select {
		case <-finished:
			return Result{}, fmt.Errorf("invocation timeout (%s)", a.timeout)
		case <-time.After(a.grace):
			a.mu.Lock()
			a.straggler = finished
			a.mu.Unlock()
			return Result{}, fmt.Errorf("invocation timeout (%s): %w", a.timeout, ErrAgentStillRunning)
		}
	}

	if out.err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("invocation timeout (%s): %w", a.timeout, out.err)
		}
		return Result{}, out.err
	}
	if err := out.result.Validate(entry.Spec.Role); err != nil {
		return Result{}, fmt.Errorf("invalid result: %w", err)
	}
	return out.result, nil
}

// awaitStraggler waits up to the abandon grace for an agent left running by an
// earlier timeout.
func (a *Adapter) awaitStraggler() error {
	a.mu.Lock()
	ch := a.straggler
	a.mu.Unlock()
	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		a.mu.Lock()
		if a.straggler == ch {
			a.straggler = nil
		}
		a.mu.Unlock()
		return nil
	case <-time.After(a.grace):
		return ErrAgentStillRunning
	}
}
