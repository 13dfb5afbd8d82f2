package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/internal/config"
	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
	"github.com/HebbZhu/multi-agent-living-system/internal/filter"
	"github.com/HebbZhu/multi-agent-living-system/internal/printer"
	"github.com/HebbZhu/multi-agent-living-system/internal/recorder"
	"github.com/HebbZhu/multi-agent-living-system/internal/resolver"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
	"github.com/spf13/cobra"
)

type inspectOptions struct {
	redisURL  string
	namespace string
	field     string
	version   int
	output    string
	recording string
	since     string
	until     string
	status    string
	producer  string

	dashboard       bool
	dashboardBudget int
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect [TASK_ID]",
		Short: "Inspect runs persisted in Redis",
		Long: `Inspect the blackboard of a run persisted in Redis.

Without a task ID, lists every task in the namespace. With a task ID, shows the
plan, workspace, review state, hypotheses, status history and dashboard of that
run. A field's full version history is available with --field.

Examples:
  # List persisted tasks
  mals inspect

  # List failed runs started in the last day
  mals inspect --status failed --since 24h

  # Show one run (a unique prefix of 6+ characters is enough)
  mals inspect 6f1c2a

  # Print every version of the 'code' field
  mals inspect 6f1c2a9e-... --field code

  # Print version 2 of the 'code' field
  mals inspect 6f1c2a9e-... --field code --version 2

  # Print only the dashboard the conductor and agents see, as JSON
  mals inspect 6f1c2a --dashboard --output json

  # Print the timeline of an exported recording
  mals inspect --recording run.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args, opts)
		},
	}

	defaultURL := os.Getenv("MALS_REDIS_URL")
	if defaultURL == "" {
		defaultURL = config.DefaultRedisURL
	}
	cmd.Flags().StringVar(&opts.redisURL, "redis-url", defaultURL, "Redis URL of the blackboard")
	cmd.Flags().StringVar(&opts.namespace, "namespace", "", "Key namespace used by the runs")
	cmd.Flags().StringVar(&opts.field, "field", "", "Show the version history of this workspace field")
	cmd.Flags().IntVar(&opts.version, "version", 0, "With --field, show only this version")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "default", "Output format: default or json")
	cmd.Flags().StringVar(&opts.recording, "recording", "", "Print the timeline of an exported recording file")
	cmd.Flags().StringVar(&opts.since, "since", "", "Only runs or versions created after this time (duration like '1h' or RFC3339)")
	cmd.Flags().StringVar(&opts.until, "until", "", "Only runs or versions created before this time (duration like '1h' or RFC3339)")
	cmd.Flags().StringVar(&opts.status, "status", "", "Only runs whose status matches this glob, e.g. 'fail*'")
	cmd.Flags().StringVar(&opts.producer, "producer", "", "With --field, only versions committed by this agent")
	cmd.Flags().BoolVar(&opts.dashboard, "dashboard", false, "Show only the dashboard of the run")
	cmd.Flags().IntVar(&opts.dashboardBudget, "dashboard-budget", 0, fmt.Sprintf("Dashboard size budget in bytes (0 = %d, minimum %d)", dashboard.DefaultBudget, dashboard.MinBudget))
	return cmd
}

func runInspect(cmd *cobra.Command, args []string, opts *inspectOptions) error {
	p := newPrinter(cmd)
	ctx := cmd.Context()

	if opts.output != "default" && opts.output != "json" {
		return p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", opts.output),
			[]string{"Valid formats: default, json"},
		)
	}

	if opts.recording != "" {
		return inspectRecording(p, opts.recording)
	}

	criteria, err := filter.ParseRange(opts.since, opts.until, time.Now())
	if err != nil {
		return p.Error("invalid time range", err.Error(), nil)
	}
	criteria.Status = opts.status
	criteria.Producer = opts.producer

	backend, err := blackboard.NewRedisBackendFromURL(opts.redisURL, opts.namespace)
	if err != nil {
		return p.Error("invalid redis URL", err.Error(), nil)
	}
	defer backend.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		return p.ErrorWithContext(
			"redis is not reachable",
			err.Error(),
			map[string]string{"url": opts.redisURL},
			[]string{"Check --redis-url or MALS_REDIS_URL"},
		)
	}

	if len(args) == 0 {
		return listTasks(ctx, cmd, p, backend, criteria, opts.output)
	}

	var store *blackboard.Store
	var ambiguous *resolver.AmbiguousError
	taskID, err := resolver.ResolveTaskID(ctx, backend, args[0])
	if errors.As(err, &ambiguous) {
		return p.Error("ambiguous task ID", err.Error(), []string{ambiguous.Suggestion()})
	}
	if err == nil {
		store, err = blackboard.Open(ctx, backend, taskID)
	}
	if err != nil {
		if blackboard.IsNotFound(err) {
			return p.ErrorWithContext(
				"task not found",
				fmt.Sprintf("No run with ID '%s' exists in this namespace.", args[0]),
				map[string]string{"namespace": opts.namespace},
				[]string{"List persisted tasks with:\n  mals inspect"},
			)
		}
		return err
	}

	if opts.field != "" {
		return inspectField(ctx, cmd, p, store, criteria, opts)
	}

	st := store.Snapshot()
	d := dashboard.Build(st).Fit(dashboard.Budget(opts.dashboardBudget))
	switch {
	case opts.dashboard && opts.output == "json":
		return writeJSON(cmd, d)
	case opts.dashboard:
		p.Info("%s", d.String())
		return nil
	case opts.output == "json":
		return writeJSON(cmd, st)
	}
	printState(p, st, d)
	return nil
}

func listTasks(ctx context.Context, cmd *cobra.Command, p *printer.Printer, backend blackboard.Backend, criteria filter.Criteria, output string) error {
	ids, err := blackboard.ListTasks(ctx, backend)
	if err != nil {
		return err
	}

	states := make([]*blackboard.State, 0, len(ids))
	for _, id := range ids {
		store, err := blackboard.Open(ctx, backend, id)
		if err != nil {
			p.Warning("failed to load task %s: %v\n", id, err)
			continue
		}
		if st := store.Snapshot(); criteria.MatchesTask(st) {
			states = append(states, st)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].CreatedAtMs < states[j].CreatedAtMs })

	if output == "json" {
		type summary struct {
			TaskID    string               `json:"task_id"`
			Status    blackboard.RunStatus `json:"status"`
			Objective string               `json:"objective"`
			Steps     int                  `json:"step_counter"`
			Tokens    int                  `json:"token_counter"`
		}
		out := make([]summary, 0, len(states))
		for _, st := range states {
			out = append(out, summary{st.TaskID, st.Status, st.Objective, st.StepCounter, st.TokenCounter})
		}
		return writeJSON(cmd, out)
	}

	if len(states) == 0 {
		p.Info("No tasks found\n")
		return nil
	}
	rows := make([][]string, 0, len(states))
	for _, st := range states {
		rows = append(rows, []string{
			st.TaskID,
			p.Status(string(st.Status)),
			fmt.Sprintf("%d", st.StepCounter),
			fmt.Sprintf("%d", st.TokenCounter),
			dashboard.Preview(st.Objective),
		})
	}
	p.Table([]string{"TASK", "STATUS", "STEPS", "TOKENS", "OBJECTIVE"}, rows)
	return nil
}

func inspectField(ctx context.Context, cmd *cobra.Command, p *printer.Printer, store *blackboard.Store, criteria filter.Criteria, opts *inspectOptions) error {
	var versions []blackboard.Artifact
	if opts.version > 0 {
		art, err := store.ReadVersion(ctx, opts.field, opts.version)
		if err != nil {
			return p.ErrorWithContext(
				"version not found",
				err.Error(),
				map[string]string{"field": opts.field, "version": fmt.Sprintf("%d", opts.version)},
				nil,
			)
		}
		versions = []blackboard.Artifact{art}
	} else {
		history, err := store.History(ctx, opts.field)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return p.Error(
				"field not found",
				fmt.Sprintf("Field '%s' has no committed versions.", opts.field),
				nil,
			)
		}
		versions = make([]blackboard.Artifact, 0, len(history))
		for _, art := range history {
			if criteria.MatchesArtifact(art) {
				versions = append(versions, art)
			}
		}
	}

	if opts.output == "json" {
		return writeJSON(cmd, versions)
	}
	for _, art := range versions {
		p.Step("%s v%d by %s (%s)\n", art.Field, art.Version, art.Producer, time.UnixMilli(art.CreatedAtMs).UTC().Format(time.RFC3339))
		p.Info("%s\n\n", strings.TrimRight(art.Content, "\n"))
	}
	return nil
}

func printState(p *printer.Printer, st *blackboard.State, d dashboard.Dashboard) {
	p.Info("Task:      %s\n", st.TaskID)
	p.Info("Status:    %s\n", p.Status(string(st.Status)))
	p.Info("Objective: %s\n", st.Objective)
	if len(st.Constraints) > 0 {
		p.Info("Constraints:\n")
		for _, c := range st.Constraints {
			p.Info("  - %s\n", c)
		}
	}
	p.Info("Progress:  %d steps, %d tokens\n", st.StepCounter, st.TokenCounter)

	p.Info("\nPlan:\n")
	rows := make([][]string, 0, len(st.Plan))
	for _, step := range st.Plan {
		rows = append(rows, []string{"  " + step.ID, step.TargetField, step.Agent, p.Status(string(step.Status))})
	}
	p.Table([]string{"  STEP", "FIELD", "AGENT", "STATUS"}, rows)

	if len(st.Workspace) > 0 {
		p.Info("\nWorkspace:\n")
		rows = rows[:0]
		for _, field := range sortedKeys(st.Workspace) {
			art := st.Workspace[field]
			tier := "-"
			if entry, ok := st.Memory.Entries[field]; ok {
				tier = string(entry.Tier)
			}
			preview := "(evicted)"
			if !art.Evicted {
				preview = strings.ReplaceAll(dashboard.Preview(art.Content), "\n", " ")
			}
			rows = append(rows, []string{"  " + field, fmt.Sprintf("v%d", art.Version), art.Producer, tier, preview})
		}
		p.Table([]string{"  FIELD", "VERSION", "PRODUCER", "TIER", "PREVIEW"}, rows)
	}

	if len(st.Consensus) > 0 {
		p.Info("\nReviews:\n")
		rows = rows[:0]
		for _, field := range sortedKeys(st.Consensus) {
			rec := st.Consensus[field]
			rows = append(rows, []string{
				"  " + field,
				p.Status(string(rec.Status)),
				rec.Reviewer,
				fmt.Sprintf("%d", rec.Iterations),
				dashboard.Preview(rec.LastComment),
			})
		}
		p.Table([]string{"  FIELD", "STATUS", "REVIEWER", "ITERATIONS", "LAST COMMENT"}, rows)
	}

	if len(st.Hypotheses) > 0 {
		p.Info("\nHypotheses:\n")
		for _, h := range st.Hypotheses {
			p.Info("  [%s] %s (%s, by %s)\n", h.Status, h.Content, h.Category, h.Author)
			if h.Evidence != "" {
				p.Info("      evidence: %s\n", h.Evidence)
			}
		}
	}

	if len(st.StatusHistory) > 0 {
		p.Info("\nStatus history:\n")
		for _, change := range st.StatusHistory {
			from := string(change.From)
			if from == "" {
				from = "-"
			}
			line := fmt.Sprintf("  %s  %s -> %s", time.UnixMilli(change.AtMs).UTC().Format(time.RFC3339), from, change.To)
			if change.Reason != "" {
				line += " (" + change.Reason + ")"
			}
			p.Info("%s\n", line)
		}
	}

	if len(st.Warnings) > 0 {
		p.Info("\nWarnings:\n")
		for _, w := range st.Warnings {
			p.Warning("%s\n", w)
		}
	}

	p.Info("\nDashboard (%d bytes):\n", d.Size())
	for _, line := range strings.Split(strings.TrimRight(d.String(), "\n"), "\n") {
		p.Info("  %s\n", line)
	}
}

func inspectRecording(p *printer.Printer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return p.Error("failed to open recording", err.Error(), nil)
	}
	defer f.Close()

	rec, err := recorder.Load(f)
	if err != nil {
		return p.ErrorWithContext("invalid recording", err.Error(), map[string]string{"file": path}, nil)
	}
	for _, line := range rec.Timeline() {
		p.Info("%s\n", line)
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
