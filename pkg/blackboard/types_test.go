package blackboard

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestConsensusStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from ConsensusStatus
		to   ConsensusStatus
		want bool
	}{
		{ConsensusNone, ConsensusPendingReview, true},
		{"", ConsensusPendingReview, true},
		{ConsensusNone, ConsensusApproved, false},
		{ConsensusPendingReview, ConsensusApproved, true},
		{ConsensusPendingReview, ConsensusRevise, true},
		{ConsensusPendingReview, ConsensusPendingReview, false},
		{ConsensusPendingReview, ConsensusNone, false},
		{ConsensusRevise, ConsensusNone, true},
		{ConsensusRevise, ConsensusPendingReview, false},
		{ConsensusApproved, ConsensusNone, true},
		{ConsensusApproved, ConsensusRevise, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestArtifactValidate(t *testing.T) {
	valid := Artifact{ID: uuid.New().String(), Field: "code", Producer: "coder", Version: 1}
	assert.NoError(t, valid.Validate())

	noField := valid
	noField.Field = ""
	assert.Error(t, noField.Validate())

	badID := valid
	badID.ID = "not-a-uuid"
	assert.Error(t, badID.Validate())

	zeroVersion := valid
	zeroVersion.Version = 0
	assert.Error(t, zeroVersion.Validate())
}

func TestMemory_AdmitReplacesEntry(t *testing.T) {
	var m Memory
	m.Admit(Artifact{Field: "code", Producer: "coder", Version: 1, Content: "abc"}, "ref1", 0)
	m.Entries["code"] = MemoryEntry{Field: "code", Producer: "coder", Version: 1, Tier: TierWarm, Synopsis: "a"}

	m.Admit(Artifact{Field: "code", Producer: "coder", Version: 2, Content: "abcdef"}, "ref2", 4)

	assert.Len(t, m.Entries, 1)
	e := m.Entries["code"]
	assert.Equal(t, TierHot, e.Tier)
	assert.Equal(t, 2, e.Version)
	assert.Equal(t, 6, e.SizeBytes)
	assert.Equal(t, 4, e.EnteredStep)
	assert.Equal(t, "ref2", e.Ref)
}

func TestMemory_InTierAndSize(t *testing.T) {
	m := Memory{Entries: map[string]MemoryEntry{
		"b": {Field: "b", Tier: TierHot, SizeBytes: 10, EnteredStep: 2},
		"a": {Field: "a", Tier: TierHot, SizeBytes: 5, EnteredStep: 2},
		"c": {Field: "c", Tier: TierHot, SizeBytes: 1, EnteredStep: 1},
		"d": {Field: "d", Tier: TierWarm, SizeBytes: 100, Synopsis: "xyz"},
		"e": {Field: "e", Tier: TierCold, SizeBytes: 100},
	}}

	hot := m.InTier(TierHot)
	assert.Equal(t, []string{"c", "a", "b"}, []string{hot[0].Field, hot[1].Field, hot[2].Field})
	assert.Equal(t, 16, m.Size(TierHot))
	assert.Equal(t, 3, m.Size(TierWarm))
	assert.Equal(t, 0, m.Size(TierCold))
}

func TestState_CloneIsDeep(t *testing.T) {
	st := &State{
		Constraints: []string{"c1"},
		Plan:        []PlanStep{{ID: "s1", Agent: "a", Status: StepPending}},
		Workspace:   map[string]Artifact{"code": {Content: "v1"}},
		Consensus:   map[string]ConsensusRecord{},
		Memory:      Memory{Entries: map[string]MemoryEntry{}},
	}

	c := st.Clone()
	c.Constraints[0] = "changed"
	c.Plan[0].Status = StepDone
	c.Workspace["code"] = Artifact{Content: "v2"}
	c.Consensus["code"] = ConsensusRecord{Status: ConsensusPendingReview}

	assert.Equal(t, "c1", st.Constraints[0])
	assert.Equal(t, StepPending, st.Plan[0].Status)
	assert.Equal(t, "v1", st.Workspace["code"].Content)
	assert.Empty(t, st.Consensus)
}

func TestState_AllStepsDone(t *testing.T) {
	assert.False(t, (&State{}).AllStepsDone())
	assert.True(t, (&State{Plan: []PlanStep{{Status: StepDone}}}).AllStepsDone())
	assert.False(t, (&State{Plan: []PlanStep{{Status: StepDone}, {Status: StepFailed}}}).AllStepsDone())
}

func TestTaskIDFromStateKey(t *testing.T) {
	id, ok := TaskIDFromStateKey(StateKey("abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = TaskIDFromStateKey(HeadKey("abc", "state"))
	assert.False(t, ok)

	assert.Equal(t, "task:t:field:code:v:00000012", VersionKey("t", "code", 12))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "uuid", input: "6f1c2a9e-0b7d-4f43-9f55-2a1c0e4b8d11"},
		{name: "dotted", input: "code.v2_final"},
		{name: "empty", input: "", wantErr: "is required"},
		{name: "key separator", input: "code:v", wantErr: "may only contain"},
		{name: "whitespace", input: "my field", wantErr: "may only contain"},
		{name: "too long", input: strings.Repeat("x", MaxNameLength+1), wantErr: "longer than"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName("field", tt.input)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPlanStepValidate_TargetField(t *testing.T) {
	step := PlanStep{ID: "s", Agent: "a", Status: StepPending, TargetField: "code:v"}
	assert.ErrorContains(t, step.Validate(), "step 's'")

	step.TargetField = "code"
	assert.NoError(t, step.Validate())

	step.TargetField = ""
	assert.NoError(t, step.Validate())
}
