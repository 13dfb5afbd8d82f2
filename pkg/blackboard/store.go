package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Seed holds the immutable inputs of a new run.
type Seed struct {
	TaskID      string // Optional; a UUID is generated when empty
	Objective   string
	Constraints []string
	Plan        []PlanStep
}

// Store is the blackboard of a single run. Every mutation is applied to a copy of
// the state, persisted through the Backend and only then made visible.
// A Store is safe for concurrent use, although the conductor drives it from one goroutine.
type Store struct {
	mu           sync.Mutex
	backend      Backend
	state        *State
	stateVersion int64
	frozen       bool
	now          func() time.Time
}

// Create starts a new run and persists its initial state.
func Create(ctx context.Context, backend Backend, seed Seed) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if seed.Objective == "" {
		return nil, fmt.Errorf("objective is required")
	}

	taskID := seed.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	if err := ValidateName("task id", taskID); err != nil {
		return nil, err
	}

	plan := make([]PlanStep, len(seed.Plan))
	seen := make(map[string]bool, len(seed.Plan))
	for i, step := range seed.Plan {
		if step.Status == "" {
			step.Status = StepPending
		}
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("invalid plan: %w", err)
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("invalid plan: duplicate step id '%s'", step.ID)
		}
		seen[step.ID] = true
		plan[i] = step
	}

	s := &Store{backend: backend, now: time.Now}
	nowMs := s.now().UnixMilli()
	s.state = &State{
		TaskID:      taskID,
		Objective:   seed.Objective,
		Constraints: append([]string(nil), seed.Constraints...),
		Status:      RunRunning,
		Plan:        plan,
		Workspace:   make(map[string]Artifact),
		Consensus:   make(map[string]ConsensusRecord),
		Memory:      Memory{Entries: make(map[string]MemoryEntry)},
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
	}

	if err := s.persist(ctx, s.state); err != nil {
		return nil, err
	}
	return s, nil
}

// Open resumes a persisted run. Runs that already reached a terminal status are
// opened frozen.
func Open(ctx context.Context, backend Backend, taskID string) (*Store, error) {
	data, version, err := backend.Get(ctx, StateKey(taskID))
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	if st.Workspace == nil {
		st.Workspace = make(map[string]Artifact)
	}
	if st.Consensus == nil {
		st.Consensus = make(map[string]ConsensusRecord)
	}
	if st.Memory.Entries == nil {
		st.Memory.Entries = make(map[string]MemoryEntry)
	}

	return &Store{
		backend:      backend,
		state:        &st,
		stateVersion: version,
		frozen:       st.Status.IsTerminal(),
		now:          time.Now,
	}, nil
}

// ListTasks returns the IDs of every run persisted in the backend.
func ListTasks(ctx context.Context, backend Backend) ([]string, error) {
	keys, err := backend.List(ctx, "task:")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	var ids []string
	for _, k := range keys {
		if id, ok := TaskIDFromStateKey(k); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TaskID returns the run identifier.
func (s *Store) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TaskID
}

// Backend returns the persistence backend of the store.
func (s *Store) Backend() Backend {
	return s.backend
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Frozen reports whether the store rejects mutations.
func (s *Store) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Freeze makes the store read-only. It is idempotent.
func (s *Store) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Commit appends a new version of field. expectedVersion is the version the caller
// based its work on (0 for an unset field); a stale value yields a *ConflictError.
// Commits to a field pending review are rejected with ErrFieldUnderReview.
// The artifact's ID, Field, Version and CreatedAtMs are assigned by the store.
func (s *Store) Commit(ctx context.Context, field string, a Artifact, expectedVersion int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return 0, ErrFrozen
	}
	if err := ValidateName("field", field); err != nil {
		return 0, fmt.Errorf("invalid artifact: %w", err)
	}
	if s.state.Consensus[field].IsOpen() {
		return 0, fmt.Errorf("commit to '%s': %w", field, ErrFieldUnderReview)
	}

	current := s.state.FieldVersion(field)
	if expectedVersion != current {
		return 0, &ConflictError{Field: field, Expected: expectedVersion, Actual: current}
	}

	a.ID = uuid.New().String()
	a.Field = field
	a.Version = current + 1
	a.CreatedAtMs = s.now().UnixMilli()
	a.Evicted = false
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("invalid artifact: %w", err)
	}

	data, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize artifact: %w", err)
	}

	// The head key's backend version tracks the field version, so a second writer
	// holding the same snapshot loses here even if the in-memory check passed.
	// A head left ahead of the state by a failed persist is adopted on Reload.
	taskID := s.state.TaskID
	if _, err := s.backend.Set(ctx, HeadKey(taskID, field), data, int64(current)); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return 0, &ConflictError{Field: field, Expected: expectedVersion, Actual: s.headVersion(ctx, field)}
		}
		return 0, fmt.Errorf("failed to write head of '%s': %w", field, err)
	}
	if _, err := s.backend.Set(ctx, VersionKey(taskID, field, a.Version), data, 0); err != nil {
		return 0, fmt.Errorf("failed to archive '%s' v%d: %w", field, a.Version, err)
	}

	next := s.state.Clone()
	next.Workspace[field] = a
	next.Memory.Admit(a, VersionKey(taskID, field, a.Version), next.StepCounter)
	if err := s.persist(ctx, next); err != nil {
		return 0, err
	}
	return a.Version, nil
}

func (s *Store) headVersion(ctx context.Context, field string) int {
	_, v, err := s.backend.Get(ctx, HeadKey(s.state.TaskID, field))
	if err != nil {
		return s.state.FieldVersion(field)
	}
	return int(v)
}

// OpenConsensus starts a review cycle on field for the current version.
// Returns *ConsensusConflictError when the field already has an open review.
func (s *Store) OpenConsensus(ctx context.Context, field, reviewer string) error {
	if reviewer == "" {
		return fmt.Errorf("reviewer is required")
	}
	return s.mutate(ctx, func(st *State) error {
		art, ok := st.Workspace[field]
		if !ok {
			return fmt.Errorf("open review on '%s': %w", field, ErrNotFound)
		}
		rec := st.Consensus[field]
		if rec.IsOpen() {
			return &ConsensusConflictError{Field: field, Reviewer: rec.Reviewer}
		}
		if !rec.Status.CanTransitionTo(ConsensusPendingReview) {
			return fmt.Errorf("%w: %s -> %s on '%s'", ErrInvalidTransition, rec.Status, ConsensusPendingReview, field)
		}
		st.Consensus[field] = ConsensusRecord{
			Field:       field,
			Status:      ConsensusPendingReview,
			Reviewer:    reviewer,
			Producer:    art.Producer,
			Version:     art.Version,
			LastComment: rec.LastComment,
			Iterations:  rec.Iterations,
		}
		return nil
	})
}

// ResolveConsensus closes the open review on field with outcome approved or revise.
func (s *Store) ResolveConsensus(ctx context.Context, field string, outcome ConsensusStatus, comment string) error {
	if outcome != ConsensusApproved && outcome != ConsensusRevise {
		return fmt.Errorf("%w: outcome must be approved or revise, got %s", ErrInvalidTransition, outcome)
	}
	return s.mutate(ctx, func(st *State) error {
		rec, ok := st.Consensus[field]
		if !ok || !rec.Status.CanTransitionTo(outcome) {
			return fmt.Errorf("%w: %s -> %s on '%s'", ErrInvalidTransition, rec.Status, outcome, field)
		}
		rec.Status = outcome
		rec.LastComment = comment
		if outcome == ConsensusRevise {
			rec.Iterations++
		}
		st.Consensus[field] = rec
		return nil
	})
}

// ResetConsensus returns a closed record to none once a newer version of the field
// has been committed, starting a fresh cycle.
func (s *Store) ResetConsensus(ctx context.Context, field string) error {
	return s.mutate(ctx, func(st *State) error {
		rec, ok := st.Consensus[field]
		if !ok || rec.Status == ConsensusNone {
			return nil
		}
		if !rec.Status.CanTransitionTo(ConsensusNone) {
			return fmt.Errorf("%w: %s -> %s on '%s'", ErrInvalidTransition, rec.Status, ConsensusNone, field)
		}
		if st.FieldVersion(field) <= rec.Version {
			return fmt.Errorf("%w: no new version of '%s' since v%d", ErrInvalidTransition, field, rec.Version)
		}
		rec.Status = ConsensusNone
		st.Consensus[field] = rec
		return nil
	})
}

// SetStepStatus updates the status of a plan step.
func (s *Store) SetStepStatus(ctx context.Context, stepID string, status StepStatus) error {
	return s.mutate(ctx, func(st *State) error {
		for i := range st.Plan {
			if st.Plan[i].ID == stepID {
				st.Plan[i].Status = status
				return st.Plan[i].Validate()
			}
		}
		return fmt.Errorf("step '%s': %w", stepID, ErrNotFound)
	})
}

// AppendSteps adds new pending steps at the end of the plan.
func (s *Store) AppendSteps(ctx context.Context, steps []PlanStep) error {
	if len(steps) == 0 {
		return nil
	}
	return s.mutate(ctx, func(st *State) error {
		for _, step := range steps {
			step.Status = StepPending
			if err := step.Validate(); err != nil {
				return err
			}
			if _, exists := st.Step(step.ID); exists {
				return fmt.Errorf("duplicate step id '%s'", step.ID)
			}
			st.Plan = append(st.Plan, step)
		}
		return nil
	})
}

// ProposeHypothesis records a new open hypothesis and returns its ID.
func (s *Store) ProposeHypothesis(ctx context.Context, h Hypothesis) (string, error) {
	if h.Content == "" {
		return "", fmt.Errorf("hypothesis content is required")
	}
	h.ID = uuid.New().String()
	h.Status = HypothesisOpen
	err := s.mutate(ctx, func(st *State) error {
		st.Hypotheses = append(st.Hypotheses, h)
		return nil
	})
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

// ResolveHypothesis marks a hypothesis resolved with supporting evidence.
func (s *Store) ResolveHypothesis(ctx context.Context, id, evidence string) error {
	return s.mutate(ctx, func(st *State) error {
		for i := range st.Hypotheses {
			if st.Hypotheses[i].ID == id {
				st.Hypotheses[i].Status = HypothesisResolved
				st.Hypotheses[i].Evidence = evidence
				return nil
			}
		}
		return fmt.Errorf("hypothesis '%s': %w", id, ErrNotFound)
	})
}

// ApplyMemory replaces the memory tiers. Workspace content of fields that are no
// longer hot is evicted from the in-memory state; it stays readable by reference.
func (s *Store) ApplyMemory(ctx context.Context, mem Memory) error {
	return s.mutate(ctx, func(st *State) error {
		entries := make(map[string]MemoryEntry, len(mem.Entries))
		for field, e := range mem.Entries {
			if _, ok := st.Memory.Entries[field]; !ok {
				return fmt.Errorf("memory entry '%s': %w", field, ErrNotFound)
			}
			entries[field] = e
		}
		for field := range st.Memory.Entries {
			if _, ok := entries[field]; !ok {
				return fmt.Errorf("memory update drops entry '%s'", field)
			}
		}
		st.Memory.Entries = entries

		for field, e := range entries {
			art, ok := st.Workspace[field]
			if !ok || e.Tier == TierHot || art.Evicted {
				continue
			}
			art.Content = ""
			art.Evicted = true
			st.Workspace[field] = art
		}
		return nil
	})
}

// Advance increments the step and token counters.
func (s *Store) Advance(ctx context.Context, steps, tokens int) error {
	if steps < 0 || tokens < 0 {
		return fmt.Errorf("counters are monotonic: steps %d, tokens %d", steps, tokens)
	}
	return s.mutate(ctx, func(st *State) error {
		st.StepCounter += steps
		st.TokenCounter += tokens
		return nil
	})
}

// AddWarning appends a non-fatal diagnostic to the run.
func (s *Store) AddWarning(ctx context.Context, msg string) error {
	return s.mutate(ctx, func(st *State) error {
		st.Warnings = append(st.Warnings, msg)
		return nil
	})
}

// SetStatus transitions the run status. Terminal statuses freeze the store.
func (s *Store) SetStatus(ctx context.Context, status RunStatus, reason string) error {
	err := s.mutate(ctx, func(st *State) error {
		if st.Status == status {
			return nil
		}
		st.StatusHistory = append(st.StatusHistory, StatusChange{
			From:   st.Status,
			To:     status,
			Reason: reason,
			AtMs:   s.now().UnixMilli(),
		})
		st.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		s.Freeze()
	}
	return nil
}

// Reload replaces the in-memory state with the persisted one. It is how a writer
// recovers after losing a commit race. Commits whose head moved but whose state
// was never persisted are adopted into the reloaded state.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := Open(ctx, s.backend, s.state.TaskID)
	if err != nil {
		return err
	}
	s.state = fresh.state
	s.stateVersion = fresh.stateVersion
	s.frozen = s.frozen || fresh.frozen
	if s.frozen {
		return nil
	}
	return s.adoptHeads(ctx)
}

// adoptHeads folds every head that is ahead of the state into it, restoring the
// archived copy from the head when the archive write never happened. Callers hold mu.
func (s *Store) adoptHeads(ctx context.Context) error {
	taskID := s.state.TaskID
	prefix := HeadPrefix(taskID)
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list heads of task %s: %w", taskID, err)
	}

	var next *State
	for _, key := range keys {
		field := strings.TrimPrefix(key, prefix)
		data, version, err := s.backend.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read head of '%s': %w", field, err)
		}
		if int(version) <= s.state.FieldVersion(field) {
			continue
		}

		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("failed to decode head of '%s': %w", field, err)
		}
		if a.Version != int(version) {
			return fmt.Errorf("head of '%s' holds v%d at backend version %d", field, a.Version, version)
		}
		ref := VersionKey(taskID, field, a.Version)
		if _, err := s.backend.Set(ctx, ref, data, 0); err != nil && !errors.Is(err, ErrVersionMismatch) {
			return fmt.Errorf("failed to archive '%s' v%d: %w", field, a.Version, err)
		}

		if next == nil {
			next = s.state.Clone()
		}
		next.Workspace[field] = a
		next.Memory.Admit(a, ref, next.StepCounter)
	}
	if next == nil {
		return nil
	}
	return s.persist(ctx, next)
}

// ReadVersion returns an archived version of a field.
func (s *Store) ReadVersion(ctx context.Context, field string, version int) (Artifact, error) {
	return ReadRef(ctx, s.backend, VersionKey(s.TaskID(), field, version))
}

// ReadRef returns the artifact archived under a memory reference.
func ReadRef(ctx context.Context, backend Backend, ref string) (Artifact, error) {
	data, _, err := backend.Get(ctx, ref)
	if err != nil {
		if IsNotFound(err) {
			return Artifact{}, fmt.Errorf("artifact %s: %w", ref, ErrNotFound)
		}
		return Artifact{}, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("failed to decode %s: %w", ref, err)
	}
	return a, nil
}

// History returns every committed version of field in ascending version order.
func (s *Store) History(ctx context.Context, field string) ([]Artifact, error) {
	keys, err := s.backend.List(ctx, FieldHistoryPrefix(s.TaskID(), field))
	if err != nil {
		return nil, fmt.Errorf("failed to list history of '%s': %w", field, err)
	}
	out := make([]Artifact, 0, len(keys))
	for _, k := range keys {
		a, err := ReadRef(ctx, s.backend, k)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// mutate applies fn to a copy of the state and swaps it in after persisting.
func (s *Store) mutate(ctx context.Context, fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrFrozen
	}
	next := s.state.Clone()
	if err := fn(next); err != nil {
		return err
	}
	return s.persist(ctx, next)
}

// persist writes st under the state key and makes it current. Callers hold mu,
// except Create which owns the store exclusively.
func (s *Store) persist(ctx context.Context, st *State) error {
	st.UpdatedAtMs = s.now().UnixMilli()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	version, err := s.backend.Set(ctx, StateKey(st.TaskID), data, s.stateVersion)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return fmt.Errorf("state of task %s changed underneath: %w", st.TaskID, err)
		}
		return fmt.Errorf("failed to persist state: %w", err)
	}
	s.stateVersion = version
	s.state = st
	return nil
}
