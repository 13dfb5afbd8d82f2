// Package filter selects persisted runs and field versions for inspection.
package filter

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// Criteria defines filtering criteria. All filters are ANDed together and
// zero values match everything.
type Criteria struct {
	SinceMs  int64  // Unix milliseconds, 0 = no lower bound
	UntilMs  int64  // Unix milliseconds, 0 = no upper bound
	Status   string // Glob on the run status, e.g. "fail*"
	Producer string // Exact producer name for field versions
}

// MatchesTask reports whether a run matches. Times compare against the run's
// creation time.
func (c Criteria) MatchesTask(st *blackboard.State) bool {
	if !c.inRange(st.CreatedAtMs) {
		return false
	}
	if c.Status != "" {
		matched, err := filepath.Match(c.Status, string(st.Status))
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// MatchesArtifact reports whether a field version matches.
func (c Criteria) MatchesArtifact(a blackboard.Artifact) bool {
	if !c.inRange(a.CreatedAtMs) {
		return false
	}
	return c.Producer == "" || a.Producer == c.Producer
}

func (c Criteria) inRange(ms int64) bool {
	if c.SinceMs > 0 && ms < c.SinceMs {
		return false
	}
	if c.UntilMs > 0 && ms > c.UntilMs {
		return false
	}
	return true
}

// ParseTime parses a Go duration ("1h30m", meaning that long before now) or an
// RFC3339 timestamp into Unix milliseconds.
func ParseTime(spec string, now time.Time) (int64, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(-d).UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2026-01-02T15:04:05Z')", spec)
}

// ParseRange parses --since and --until. Empty flags leave that bound open.
func ParseRange(since, until string, now time.Time) (Criteria, error) {
	var c Criteria
	var err error
	if since != "" {
		if c.SinceMs, err = ParseTime(since, now); err != nil {
			return Criteria{}, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if c.UntilMs, err = ParseTime(until, now); err != nil {
			return Criteria{}, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if c.SinceMs > 0 && c.UntilMs > 0 && c.SinceMs >= c.UntilMs {
		return Criteria{}, fmt.Errorf("--since must be before --until")
	}
	return c, nil
}
