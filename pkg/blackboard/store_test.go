package blackboard

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	if backend == nil {
		backend = NewMemoryBackend()
	}
	store, err := Create(context.Background(), backend, Seed{
		Objective:   "merge two sorted sequences",
		Constraints: []string{"go only"},
		Plan: []PlanStep{
			{ID: "write_code", TargetField: "code", Agent: "code_generator"},
			{ID: "review", TargetField: "code", Agent: "critic"},
		},
	})
	require.NoError(t, err)
	return store
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("initialises a running state", func(t *testing.T) {
		store := setupTestStore(t, nil)
		st := store.Snapshot()

		assert.True(t, isValidUUID(st.TaskID))
		assert.Equal(t, RunRunning, st.Status)
		assert.Equal(t, StepPending, st.Plan[0].Status)
		assert.Empty(t, st.Workspace)
	})

	t.Run("rejects missing objective", func(t *testing.T) {
		_, err := Create(ctx, NewMemoryBackend(), Seed{})
		assert.Error(t, err)
	})

	t.Run("rejects task ids outside the key alphabet", func(t *testing.T) {
		for _, id := range []string{"run:1", "a/b", strings.Repeat("t", 600)} {
			_, err := Create(ctx, NewMemoryBackend(), Seed{TaskID: id, Objective: "x"})
			assert.Error(t, err, "task id %q", id)
		}
	})

	t.Run("rejects target fields containing the key separator", func(t *testing.T) {
		_, err := Create(ctx, NewMemoryBackend(), Seed{
			Objective: "x",
			Plan:      []PlanStep{{ID: "a", Agent: "x", TargetField: "code:v"}},
		})
		assert.ErrorContains(t, err, "target field")
	})

	t.Run("rejects duplicate step ids", func(t *testing.T) {
		_, err := Create(ctx, NewMemoryBackend(), Seed{
			Objective: "x",
			Plan:      []PlanStep{{ID: "a", Agent: "x"}, {ID: "a", Agent: "y"}},
		})
		assert.ErrorContains(t, err, "duplicate step id")
	})
}

func TestCommit_VersionMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	for want := 1; want <= 5; want++ {
		v, err := store.Commit(ctx, "code", Artifact{Content: "v", Producer: "code_generator"}, want-1)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}

	history, err := store.History(ctx, "code")
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, a := range history {
		assert.Equal(t, i+1, a.Version)
	}
}

func TestCommit_Conflict(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.Commit(ctx, "code", Artifact{Content: "one", Producer: "code_generator"}, 0)
	require.NoError(t, err)

	_, err = store.Commit(ctx, "code", Artifact{Content: "stale", Producer: "code_generator"}, 0)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, conflict.Expected)
	assert.Equal(t, 1, conflict.Actual)
	assert.True(t, IsConflict(err))

	assert.Equal(t, "one", store.Snapshot().Workspace["code"].Content)
}

func TestCommit_ConflictDetectedByBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	first := setupTestStore(t, backend)

	second, err := Open(ctx, backend, first.TaskID())
	require.NoError(t, err)

	_, err = first.Commit(ctx, "code", Artifact{Content: "first", Producer: "code_generator"}, 0)
	require.NoError(t, err)

	_, err = second.Commit(ctx, "code", Artifact{Content: "second", Producer: "code_generator"}, 0)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Actual)

	t.Run("reload recovers the loser", func(t *testing.T) {
		require.NoError(t, second.Reload(ctx))
		assert.Equal(t, 1, second.Snapshot().FieldVersion("code"))

		v, err := second.Commit(ctx, "code", Artifact{Content: "second", Producer: "code_generator"}, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})
}

// flakyBackend fails the next failSets writes of keys with the given suffix.
type flakyBackend struct {
	Backend
	suffix   string
	failSets int
}

func (f *flakyBackend) Set(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	if f.failSets > 0 && strings.HasSuffix(key, f.suffix) {
		f.failSets--
		return 0, errors.New("connection reset by peer")
	}
	return f.Backend.Set(ctx, key, value, version)
}

func TestCommit_RecoversFromPartialWrite(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		suffix string
	}{
		{name: "state write fails", suffix: ":state"},
		{name: "archive write fails", suffix: ":v:00000001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &flakyBackend{Backend: NewMemoryBackend(), suffix: tt.suffix}
			store := setupTestStore(t, backend)

			backend.failSets = 1
			_, err := store.Commit(ctx, "code", Artifact{Content: "first", Producer: "code_generator"}, 0)
			require.Error(t, err)
			assert.False(t, IsConflict(err))

			_, err = store.Commit(ctx, "code", Artifact{Content: "retry", Producer: "code_generator"}, 0)
			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, 1, conflict.Actual)

			require.NoError(t, store.Reload(ctx))
			st := store.Snapshot()
			assert.Equal(t, 1, st.FieldVersion("code"))
			assert.Equal(t, "first", st.Workspace["code"].Content)
			assert.Equal(t, 1, st.Memory.Entries["code"].Version)

			v, err := store.Commit(ctx, "code", Artifact{Content: "retry", Producer: "code_generator"}, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, v)

			history, err := store.History(ctx, "code")
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, "first", history[0].Content)
			assert.Equal(t, "retry", history[1].Content)

			resumed, err := Open(ctx, backend, store.TaskID())
			require.NoError(t, err)
			assert.Equal(t, 2, resumed.Snapshot().FieldVersion("code"))
		})
	}
}

func TestReload_WithoutPendingHeadsKeepsState(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.Commit(ctx, "code", Artifact{Content: "one", Producer: "code_generator"}, 0)
	require.NoError(t, err)
	before := store.Snapshot()

	require.NoError(t, store.Reload(ctx))
	assert.Equal(t, before.UpdatedAtMs, store.Snapshot().UpdatedAtMs)
	assert.Equal(t, 1, store.Snapshot().FieldVersion("code"))
}

func TestCommit_RejectsUnsafeFieldNames(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	for _, field := range []string{"", "code:v", "a b", strings.Repeat("f", MaxNameLength+1)} {
		_, err := store.Commit(ctx, field, Artifact{Content: "x", Producer: "code_generator"}, 0)
		assert.Error(t, err, "field %q", field)
	}

	_, err := store.Commit(ctx, "code.v2", Artifact{Content: "x", Producer: "code_generator"}, 0)
	require.NoError(t, err)
	_, err = store.Commit(ctx, "code", Artifact{Content: "y", Producer: "code_generator"}, 0)
	require.NoError(t, err)

	history, err := store.History(ctx, "code")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "y", history[0].Content)
}

func TestCommit_RejectedWhileUnderReview(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.Commit(ctx, "code", Artifact{Content: "one", Producer: "code_generator"}, 0)
	require.NoError(t, err)
	require.NoError(t, store.OpenConsensus(ctx, "code", "critic"))

	_, err = store.Commit(ctx, "code", Artifact{Content: "two", Producer: "code_generator"}, 1)
	assert.ErrorIs(t, err, ErrFieldUnderReview)
}

func TestCommit_AdmitsToHotMemory(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.Commit(ctx, "code", Artifact{Content: "12345", Producer: "code_generator"}, 0)
	require.NoError(t, err)

	entry := store.Snapshot().Memory.Entries["code"]
	assert.Equal(t, TierHot, entry.Tier)
	assert.Equal(t, 5, entry.SizeBytes)
	assert.Equal(t, VersionKey(store.TaskID(), "code", 1), entry.Ref)
}

func TestConsensusLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.Commit(ctx, "code", Artifact{Content: "one", Producer: "code_generator"}, 0)
	require.NoError(t, err)

	t.Run("open then conflict on second open", func(t *testing.T) {
		require.NoError(t, store.OpenConsensus(ctx, "code", "critic"))

		err := store.OpenConsensus(ctx, "code", "other")
		var cc *ConsensusConflictError
		require.ErrorAs(t, err, &cc)
		assert.Equal(t, "critic", cc.Reviewer)

		rec := store.Snapshot().Consensus["code"]
		assert.Equal(t, ConsensusPendingReview, rec.Status)
		assert.Equal(t, "code_generator", rec.Producer)
		assert.Equal(t, 1, rec.Version)
	})

	t.Run("revise then reset requires new version", func(t *testing.T) {
		require.NoError(t, store.ResolveConsensus(ctx, "code", ConsensusRevise, "handle empty input"))
		assert.ErrorIs(t, store.ResetConsensus(ctx, "code"), ErrInvalidTransition)

		_, err := store.Commit(ctx, "code", Artifact{Content: "two", Producer: "code_generator"}, 1)
		require.NoError(t, err)
		require.NoError(t, store.ResetConsensus(ctx, "code"))

		rec := store.Snapshot().Consensus["code"]
		assert.Equal(t, ConsensusNone, rec.Status)
		assert.Equal(t, 1, rec.Iterations)
		assert.Equal(t, "handle empty input", rec.LastComment)
	})

	t.Run("approve", func(t *testing.T) {
		require.NoError(t, store.OpenConsensus(ctx, "code", "critic"))
		require.NoError(t, store.ResolveConsensus(ctx, "code", ConsensusApproved, "lgtm"))
		assert.Equal(t, ConsensusApproved, store.Snapshot().Consensus["code"].Status)

		err := store.ResolveConsensus(ctx, "code", ConsensusRevise, "late")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("open on unknown field", func(t *testing.T) {
		assert.ErrorIs(t, store.OpenConsensus(ctx, "missing", "critic"), ErrNotFound)
	})
}

// Randomised interleavings of commits, opens and resolves never leave a field with
// more than one open review, and every rejected open is a ConsensusConflictError.
func TestConsensusExclusivity_RandomInterleavings(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	fields := []string{"a", "b", "c"}

	for run := 0; run < 20; run++ {
		store := setupTestStore(t, nil)

		for op := 0; op < 60; op++ {
			field := fields[rng.Intn(len(fields))]
			st := store.Snapshot()

			switch rng.Intn(4) {
			case 0:
				_, err := store.Commit(ctx, field, Artifact{Content: "x", Producer: "p"}, st.FieldVersion(field))
				if st.Consensus[field].IsOpen() {
					assert.ErrorIs(t, err, ErrFieldUnderReview)
				} else {
					require.NoError(t, err)
				}
			case 1:
				err := store.OpenConsensus(ctx, field, "r")
				if st.Consensus[field].IsOpen() {
					var cc *ConsensusConflictError
					assert.ErrorAs(t, err, &cc)
				}
			case 2:
				_ = store.ResolveConsensus(ctx, field, ConsensusRevise, "")
			case 3:
				_ = store.ResetConsensus(ctx, field)
			}

			open := 0
			for _, rec := range store.Snapshot().Consensus {
				if rec.Field == field && rec.IsOpen() {
					open++
				}
			}
			assert.LessOrEqual(t, open, 1)
		}
	}
}

func TestApplyMemory_EvictsNonHotContent(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.Commit(ctx, "code", Artifact{Content: "full content", Producer: "code_generator"}, 0)
	require.NoError(t, err)

	mem := store.Snapshot().Memory
	e := mem.Entries["code"]
	e.Tier = TierWarm
	e.Synopsis = "full..."
	mem.Entries["code"] = e
	require.NoError(t, store.ApplyMemory(ctx, mem))

	st := store.Snapshot()
	assert.True(t, st.Workspace["code"].Evicted)
	assert.Empty(t, st.Workspace["code"].Content)

	archived, err := store.ReadVersion(ctx, "code", 1)
	require.NoError(t, err)
	assert.Equal(t, "full content", archived.Content)

	t.Run("cannot drop entries", func(t *testing.T) {
		err := store.ApplyMemory(ctx, Memory{Entries: map[string]MemoryEntry{}})
		assert.ErrorContains(t, err, "drops entry")
	})
}

func TestSetStatus_FreezesOnTerminal(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	require.NoError(t, store.SetStatus(ctx, RunAborted, "cancelled"))
	assert.True(t, store.Frozen())

	_, err := store.Commit(ctx, "code", Artifact{Content: "x", Producer: "code_generator"}, 0)
	assert.ErrorIs(t, err, ErrFrozen)
	assert.ErrorIs(t, store.Advance(ctx, 1, 0), ErrFrozen)

	st := store.Snapshot()
	assert.Equal(t, RunAborted, st.Status)
	require.Len(t, st.StatusHistory, 1)
	assert.Equal(t, "cancelled", st.StatusHistory[0].Reason)
}

func TestOpen_ResumesPersistedRun(t *testing.T) {
	ctx := context.Background()
	backend, _ := setupRedisBackend(t)
	store := setupTestStore(t, backend)

	_, err := store.Commit(ctx, "code", Artifact{Content: "v1", Producer: "code_generator"}, 0)
	require.NoError(t, err)
	require.NoError(t, store.SetStepStatus(ctx, "write_code", StepDone))
	require.NoError(t, store.Advance(ctx, 1, 42))

	resumed, err := Open(ctx, backend, store.TaskID())
	require.NoError(t, err)
	st := resumed.Snapshot()
	assert.Equal(t, "v1", st.Workspace["code"].Content)
	assert.Equal(t, StepDone, st.Plan[0].Status)
	assert.Equal(t, 42, st.TokenCounter)
	assert.False(t, resumed.Frozen())

	ids, err := ListTasks(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, []string{store.TaskID()}, ids)

	_, err = Open(ctx, backend, "unknown")
	assert.True(t, IsNotFound(err))
}

func TestAdvance_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	require.NoError(t, store.Advance(ctx, 1, 10))
	assert.Error(t, store.Advance(ctx, -1, 0))

	st := store.Snapshot()
	assert.Equal(t, 1, st.StepCounter)
	assert.Equal(t, 10, st.TokenCounter)
}

func TestPlanAndHypotheses(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	require.NoError(t, store.AppendSteps(ctx, []PlanStep{{ID: "docs", TargetField: "docs", Agent: "writer"}}))
	assert.Error(t, store.AppendSteps(ctx, []PlanStep{{ID: "docs", Agent: "writer"}}))
	assert.True(t, errors.Is(store.SetStepStatus(ctx, "nope", StepDone), ErrNotFound))

	id, err := store.ProposeHypothesis(ctx, Hypothesis{Content: "inputs fit in memory", Category: "assumption", Author: "planner"})
	require.NoError(t, err)
	require.NoError(t, store.ResolveHypothesis(ctx, id, "confirmed by constraints"))

	st := store.Snapshot()
	assert.Len(t, st.Plan, 3)
	assert.Equal(t, StepPending, st.Plan[2].Status)
	require.Len(t, st.Hypotheses, 1)
	assert.Equal(t, HypothesisResolved, st.Hypotheses[0].Status)
}
