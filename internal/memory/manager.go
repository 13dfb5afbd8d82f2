package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/internal/observability"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// Config bounds the tiers. Zero values select defaults.
type Config struct {
	HotBudgetBytes   int
	WarmBudgetBytes  int
	StaleAfterSteps  int
	SynopsisLength   int
	SummarizeTimeout time.Duration
}

const (
	DefaultHotBudgetBytes   = 16 * 1024
	DefaultWarmBudgetBytes  = 4 * 1024
	DefaultStaleAfterSteps  = 10
	DefaultSynopsisLength   = 200
	DefaultSummarizeTimeout = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.HotBudgetBytes <= 0 {
		c.HotBudgetBytes = DefaultHotBudgetBytes
	}
	if c.WarmBudgetBytes <= 0 {
		c.WarmBudgetBytes = DefaultWarmBudgetBytes
	}
	if c.StaleAfterSteps <= 0 {
		c.StaleAfterSteps = DefaultStaleAfterSteps
	}
	if c.SynopsisLength <= 0 {
		c.SynopsisLength = DefaultSynopsisLength
	}
	if c.SummarizeTimeout <= 0 {
		c.SummarizeTimeout = DefaultSummarizeTimeout
	}
	return c
}

// Summarizer produces a synopsis of at most maxLen characters.
type Summarizer interface {
	Summarize(ctx context.Context, field, content string, maxLen int) (string, error)
}

// TruncatingSummarizer keeps the first maxLen characters of the content.
type TruncatingSummarizer struct{}

// Summarize implements Summarizer.
func (TruncatingSummarizer) Summarize(_ context.Context, _ string, content string, maxLen int) (string, error) {
	r := []rune(content)
	if len(r) <= maxLen {
		return content, nil
	}
	return string(r[:maxLen]) + "...", nil
}

// CompactionError reports a summarisation failure. The entry stays in its tier.
type CompactionError struct {
	Field string
	Err   error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("memory compaction of '%s' failed: %v", e.Field, e.Err)
}

func (e *CompactionError) Unwrap() error {
	return e.Err
}

// Report describes one compaction pass.
type Report struct {
	Applied []Transition
	Failed  []Transition
}

// Manager applies memory policy to a Store.
type Manager struct {
	cfg        Config
	summarizer Summarizer
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewManager creates a manager. A nil summarizer selects TruncatingSummarizer.
func NewManager(cfg Config, summarizer Summarizer, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if summarizer == nil {
		summarizer = TruncatingSummarizer{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:        cfg.withDefaults(),
		summarizer: summarizer,
		metrics:    metrics,
		logger:     logger,
	}
}

// Compact plans and applies tier transitions on store.
//
// A summariser failure leaves the field hot, records a warning on the run and is
// reported as a *CompactionError joined into the returned error; the remaining
// transitions are still applied. Any other error comes from the store.
func (m *Manager) Compact(ctx context.Context, store *blackboard.Store) (Report, error) {
	st := store.Snapshot()
	transitions := Plan(st, m.cfg)
	if len(transitions) == 0 {
		return Report{}, nil
	}

	mem := st.Clone().Memory
	var report Report
	var failures []error

	for _, t := range transitions {
		entry := mem.Entries[t.Field]
		var next blackboard.MemoryEntry
		var err error

		switch t.To {
		case blackboard.TierWarm:
			var synopsis string
			synopsis, err = m.summarize(ctx, t.Field, st.Workspace[t.Field].Content)
			if err == nil {
				next, err = Demote(entry, synopsis, st.StepCounter)
			}
		case blackboard.TierCold:
			next, err = Archive(entry, st.StepCounter)
		}

		if err != nil {
			report.Failed = append(report.Failed, t)
			failures = append(failures, &CompactionError{Field: t.Field, Err: err})
			m.metrics.RecordCompactionFailure()
			m.logger.Warn("memory transition failed", "field", t.Field, "from", t.From, "to", t.To, "error", err)
			continue
		}

		mem.Entries[t.Field] = next
		report.Applied = append(report.Applied, t)
		m.metrics.RecordTransition(string(t.From), string(t.To))
		m.logger.Debug("memory transition", "field", t.Field, "from", t.From, "to", t.To, "reason", t.Reason)
	}

	if len(report.Applied) > 0 {
		if err := store.ApplyMemory(ctx, mem); err != nil {
			return report, fmt.Errorf("failed to apply memory tiers: %w", err)
		}
	}
	for _, f := range failures {
		if err := store.AddWarning(ctx, f.Error()); err != nil {
			return report, fmt.Errorf("failed to record compaction warning: %w", err)
		}
	}
	return report, errors.Join(failures...)
}

func (m *Manager) summarize(ctx context.Context, field, content string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SummarizeTimeout)
	defer cancel()

	synopsis, err := m.summarizer.Summarize(sctx, field, content, m.cfg.SynopsisLength)
	if err != nil {
		return "", err
	}
	r := []rune(synopsis)
	if len(r) > m.cfg.SynopsisLength {
		synopsis = string(r[:m.cfg.SynopsisLength]) + "..."
	}
	return synopsis, nil
}

// Retrieve returns the full content of field regardless of its tier. Content of
// warm and cold fields is read back by reference; the tier is left unchanged.
func Retrieve(ctx context.Context, store *blackboard.Store, field string) (blackboard.Artifact, error) {
	st := store.Snapshot()
	entry, ok := st.Memory.Entries[field]
	if !ok {
		return blackboard.Artifact{}, fmt.Errorf("field '%s': %w", field, blackboard.ErrNotFound)
	}
	if art, ok := st.Workspace[field]; ok && !art.Evicted && art.Version == entry.Version {
		return art, nil
	}
	return blackboard.ReadRef(ctx, store.Backend(), entry.Ref)
}
