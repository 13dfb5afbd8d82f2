package filter

import (
	"testing"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseTime(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    int64
		wantErr bool
	}{
		{name: "duration", spec: "1h30m", want: now.Add(-90 * time.Minute).UnixMilli()},
		{name: "rfc3339", spec: "2026-02-28T00:00:00Z", want: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC).UnixMilli()},
		{name: "empty", spec: "  ", wantErr: true},
		{name: "garbage", spec: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.spec, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRange(t *testing.T) {
	c, err := ParseRange("2h", "1h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour).UnixMilli(), c.SinceMs)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), c.UntilMs)

	_, err = ParseRange("1h", "2h", now)
	assert.ErrorContains(t, err, "--since must be before --until")

	_, err = ParseRange("nope", "", now)
	assert.ErrorContains(t, err, "invalid --since")

	c, err = ParseRange("", "", now)
	require.NoError(t, err)
	assert.Equal(t, Criteria{}, c)
}

func TestCriteria_MatchesTask(t *testing.T) {
	st := &blackboard.State{Status: blackboard.RunFailed, CreatedAtMs: 1000}

	tests := []struct {
		name string
		c    Criteria
		want bool
	}{
		{name: "no filters", c: Criteria{}, want: true},
		{name: "status glob", c: Criteria{Status: "fail*"}, want: true},
		{name: "other status", c: Criteria{Status: "completed"}, want: false},
		{name: "bad glob", c: Criteria{Status: "["}, want: false},
		{name: "inside range", c: Criteria{SinceMs: 500, UntilMs: 1500}, want: true},
		{name: "too old", c: Criteria{SinceMs: 1001}, want: false},
		{name: "too new", c: Criteria{UntilMs: 999}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.MatchesTask(st))
		})
	}
}

func TestCriteria_MatchesArtifact(t *testing.T) {
	a := blackboard.Artifact{Producer: "code_generator", CreatedAtMs: 2000}
	assert.True(t, Criteria{}.MatchesArtifact(a))
	assert.True(t, Criteria{Producer: "code_generator"}.MatchesArtifact(a))
	assert.False(t, Criteria{Producer: "doc_writer"}.MatchesArtifact(a))
	assert.False(t, Criteria{SinceMs: 3000}.MatchesArtifact(a))
}
