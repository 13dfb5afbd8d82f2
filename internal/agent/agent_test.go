package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func producerSpec() CapabilitySpec {
	return CapabilitySpec{Name: "code_generator", Role: RoleProducer, ReviewGated: true, Reviewer: "critic"}
}

func reviewerSpec() CapabilitySpec {
	return CapabilitySpec{Name: "critic", Role: RoleReviewer}
}

func okProducer(context.Context, Payload) (Result, error) {
	return Result{Content: "code", Tokens: 10}, nil
}

func TestCapabilitySpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    CapabilitySpec
		wantErr string
	}{
		{"valid producer", producerSpec(), ""},
		{"valid reviewer", reviewerSpec(), ""},
		{"missing name", CapabilitySpec{Role: RoleProducer}, "name is required"},
		{"bad role", CapabilitySpec{Name: "x", Role: "boss"}, "invalid role"},
		{"gated reviewer", CapabilitySpec{Name: "x", Role: RoleReviewer, ReviewGated: true, Reviewer: "y"}, "only producers"},
		{"gated without reviewer", CapabilitySpec{Name: "x", Role: RoleProducer, ReviewGated: true}, "requires a reviewer"},
		{"self review", CapabilitySpec{Name: "x", Role: RoleProducer, ReviewGated: true, Reviewer: "x"}, "own output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(producerSpec(), okProducer))

	t.Run("duplicate name", func(t *testing.T) {
		assert.ErrorContains(t, r.Register(producerSpec(), okProducer), "already registered")
	})

	t.Run("missing invoke", func(t *testing.T) {
		assert.Error(t, r.Register(CapabilitySpec{Name: "other", Role: RoleProducer}, nil))
	})

	t.Run("unregistered reviewer", func(t *testing.T) {
		assert.ErrorContains(t, r.Validate(), "not registered")
	})

	require.NoError(t, r.Register(reviewerSpec(), func(context.Context, Payload) (Result, error) {
		return Result{Critique: &Critique{Verdict: VerdictApproved}}, nil
	}))
	assert.NoError(t, r.Validate())
	assert.Equal(t, []string{"code_generator", "critic"}, r.Names())

	e, ok := r.Get("critic")
	assert.True(t, ok)
	assert.Equal(t, RoleReviewer, e.Spec.Role)
}

func TestSelectsAndNames(t *testing.T) {
	assert.True(t, Selects([]string{"*"}, "code"))
	assert.True(t, Selects([]string{"code"}, "code"))
	assert.False(t, Selects(nil, "code"))
	assert.False(t, Names([]string{"*"}, "code"))
	assert.True(t, Names([]string{"tests", "code"}, "code"))
}

func TestResultValidate(t *testing.T) {
	assert.NoError(t, (&Result{Content: "x"}).Validate(RoleProducer))
	assert.Error(t, (&Result{}).Validate(RoleProducer))
	assert.Error(t, (&Result{Content: "x", Critique: &Critique{}}).Validate(RoleProducer))
	assert.NoError(t, (&Result{Critique: &Critique{Verdict: VerdictRevise}}).Validate(RoleReviewer))
	assert.Error(t, (&Result{Critique: &Critique{Verdict: "maybe"}}).Validate(RoleReviewer))
	assert.Error(t, (&Result{Content: "x", Tokens: -1}).Validate(RoleProducer))
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(" LGTM ")
	require.NoError(t, err)
	assert.Equal(t, VerdictApproved, v)

	v, err = ParseVerdict("rejected")
	require.NoError(t, err)
	assert.Equal(t, VerdictRevise, v)

	_, err = ParseVerdict("unsure")
	assert.Error(t, err)
}

func TestPayloadFingerprint(t *testing.T) {
	p := Payload{
		TaskID: "t", Objective: "o", Agent: "a", Field: "code",
		Fields: map[string]FieldView{
			"b": {Tier: blackboard.TierHot, Content: "2"},
			"a": {Tier: blackboard.TierWarm, Synopsis: "1"},
		},
		Dashboard: dashboard.Dashboard{Objective: "o"},
	}
	same := p
	same.Fields = map[string]FieldView{
		"a": {Tier: blackboard.TierWarm, Synopsis: "1"},
		"b": {Tier: blackboard.TierHot, Content: "2"},
	}

	assert.Len(t, p.Fingerprint(), 64)
	assert.Equal(t, p.Fingerprint(), same.Fingerprint())

	different := p
	different.Field = "tests"
	assert.NotEqual(t, p.Fingerprint(), different.Fingerprint())
}

func TestAdapter_RetriesWithSamePayload(t *testing.T) {
	var calls atomic.Int32
	var seen []string
	entry := Entry{Spec: producerSpec(), Invoke: func(_ context.Context, p Payload) (Result, error) {
		seen = append(seen, p.Fingerprint())
		if calls.Add(1) < 3 {
			return Result{}, errors.New("transient")
		}
		return Result{Content: "done"}, nil
	}}

	a := NewAdapter(AdapterConfig{MaxAttempts: 3}, nil, nil, nil)
	result, attempts, err := a.Invoke(context.Background(), entry, Payload{Field: "code"})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "done", result.Content)
	require.Len(t, seen, 3)
	assert.Equal(t, seen[0], seen[2])
}

func TestAdapter_ExhaustedAttempts(t *testing.T) {
	entry := Entry{Spec: producerSpec(), Invoke: func(context.Context, Payload) (Result, error) {
		return Result{}, errors.New("model unavailable")
	}}

	a := NewAdapter(AdapterConfig{MaxAttempts: 2}, nil, nil, nil)
	_, attempts, err := a.Invoke(context.Background(), entry, Payload{})

	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "code_generator", invErr.Agent)
	assert.ErrorContains(t, err, "model unavailable")
}

func TestAdapter_InvalidResultIsRetried(t *testing.T) {
	var calls atomic.Int32
	entry := Entry{Spec: reviewerSpec(), Invoke: func(context.Context, Payload) (Result, error) {
		if calls.Add(1) == 1 {
			return Result{Content: "no critique"}, nil
		}
		return Result{Critique: &Critique{Verdict: VerdictApproved}}, nil
	}}

	a := NewAdapter(AdapterConfig{MaxAttempts: 2}, nil, nil, nil)
	result, attempts, err := a.Invoke(context.Background(), entry, Payload{})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, VerdictApproved, result.Critique.Verdict)
}

func TestAdapter_TimeoutCountsAsFailure(t *testing.T) {
	entry := Entry{Spec: producerSpec(), Invoke: func(ctx context.Context, _ Payload) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}

	a := NewAdapter(AdapterConfig{MaxAttempts: 2, Timeout: 20 * time.Millisecond}, nil, nil, nil)
	_, _, err := a.Invoke(context.Background(), entry, Payload{})
	assert.ErrorContains(t, err, "invocation timeout")
}

func TestAdapter_NeverOverlapsAStuckAgent(t *testing.T) {
	release := make(chan struct{})
	var running, stuckCalls, overlaps atomic.Int32

	stuck := Entry{Spec: producerSpec(), Invoke: func(context.Context, Payload) (Result, error) {
		stuckCalls.Add(1)
		running.Add(1)
		defer running.Add(-1)
		<-release
		return Result{Content: "late"}, nil
	}}
	var okCalls atomic.Int32
	ok := Entry{Spec: producerSpec(), Invoke: func(context.Context, Payload) (Result, error) {
		okCalls.Add(1)
		if running.Load() > 0 {
			overlaps.Add(1)
		}
		return Result{Content: "done"}, nil
	}}

	a := NewAdapter(AdapterConfig{MaxAttempts: 3, Timeout: 20 * time.Millisecond, AbandonGrace: 50 * time.Millisecond}, nil, nil, nil)

	_, attempts, err := a.Invoke(context.Background(), stuck, Payload{})
	assert.ErrorIs(t, err, ErrAgentStillRunning)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), stuckCalls.Load())

	t.Run("later invocations wait for it", func(t *testing.T) {
		_, attempts, err := a.Invoke(context.Background(), ok, Payload{})
		assert.ErrorIs(t, err, ErrAgentStillRunning)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, int32(0), okCalls.Load())
	})

	close(release)
	result, _, err := a.Invoke(context.Background(), ok, Payload{})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Content)
	assert.Equal(t, int32(0), overlaps.Load())
}

func TestAdapter_IgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	entry := Entry{Spec: producerSpec(), Invoke: func(ctx context.Context, _ Payload) (Result, error) {
		cancel()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return Result{Content: "finished"}, nil
		}
	}}

	a := NewAdapter(AdapterConfig{MaxAttempts: 1, Timeout: time.Second}, nil, nil, nil)
	result, _, err := a.Invoke(ctx, entry, Payload{})
	require.NoError(t, err)
	assert.Equal(t, "finished", result.Content)
}

func TestAdapter_RecoversPanics(t *testing.T) {
	entry := Entry{Spec: producerSpec(), Invoke: func(context.Context, Payload) (Result, error) {
		panic("boom")
	}}

	a := NewAdapter(AdapterConfig{MaxAttempts: 1}, nil, nil, nil)
	_, _, err := a.Invoke(context.Background(), entry, Payload{})
	assert.ErrorContains(t, err, "agent panicked: boom")
}

func TestAdapter_RecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	a := NewAdapter(AdapterConfig{}, tp.Tracer("test"), nil, nil)
	_, _, err := a.Invoke(context.Background(), Entry{Spec: producerSpec(), Invoke: okProducer}, Payload{Field: "code"})
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "agent.invoke", spans[0].Name)
}
