package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/internal/conductor"
	"github.com/HebbZhu/multi-agent-living-system/internal/config"
	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
	"github.com/HebbZhu/multi-agent-living-system/internal/observability"
	"github.com/HebbZhu/multi-agent-living-system/internal/printer"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type runOptions struct {
	resume     string
	output     string
	healthAddr string
	record     string
	parallel   int
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [CONFIG...]",
		Short: "Run one or more tasks to completion",
		Long: `Run the task described by each configuration file (default: mals.yml).

Several configuration files run in parallel, each on its own blackboard. A run
always ends in a terminal status: completed, failed (budget exhausted, loop
detected, stalled) or aborted (interrupted). The command exits non-zero when
any run did not complete.

Examples:
  # Run the task in ./mals.yml
  mals run

  # Run two tasks in parallel and print JSON results
  mals run research.yml release.yml --output=json

  # Resume an interrupted run persisted in Redis
  mals run mals.yml --resume 6f1c2a9e-...

  # Export the event recording and serve /metrics and /dashboard while running
  mals run --record run.json --health-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.resume, "resume", "", "Resume the persisted run with this task ID (single config only)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "default", "Output format: default or json")
	cmd.Flags().StringVar(&opts.healthAddr, "health-addr", "", "Serve /healthz, /metrics, /dashboard and /recording on this address")
	cmd.Flags().StringVar(&opts.record, "record", "", "Export the event recording to this file (single config only)")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 0, "Maximum runs executed at once (0 = all)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string, opts *runOptions) error {
	p := newPrinter(cmd)

	if opts.output != "default" && opts.output != "json" {
		return p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", opts.output),
			[]string{"Valid formats: default, json"},
		)
	}

	paths := args
	if len(paths) == 0 {
		paths = []string{"mals.yml"}
	}
	if len(paths) > 1 && (opts.resume != "" || opts.record != "") {
		return p.Error(
			"too many configuration files",
			"--resume and --record apply to a single run.",
			[]string{"Pass exactly one configuration file"},
		)
	}

	configs := make([]*config.Config, len(paths))
	for i, path := range paths {
		cfg, err := config.Load(path)
		if err != nil {
			return p.ErrorWithContext(
				"invalid configuration",
				err.Error(),
				map[string]string{"config": path},
				[]string{fmt.Sprintf("Check the file with:\n  mals validate %s", path)},
			)
		}
		configs[i] = cfg
	}

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sessions []*session
	defer func() {
		for _, s := range sessions {
			if err := s.close(context.Background()); err != nil {
				s.logger.Warn("failed to release session", "error", err)
			}
		}
	}()
	for i, cfg := range configs {
		s, err := newSession(ctx, paths[i], cfg, sessionOptions{
			metrics:  metrics,
			logOut:   cmd.ErrOrStderr(),
			traceOut: cmd.ErrOrStderr(),
			resume:   opts.resume,
		})
		if err != nil {
			return p.ErrorWithContext(
				"failed to start run",
				err.Error(),
				map[string]string{"config": paths[i]},
				nil,
			)
		}
		sessions = append(sessions, s)
	}

	addr := opts.healthAddr
	if addr == "" {
		addr = configs[0].Observability.HealthAddr
	}
	if addr != "" {
		pinger, _ := sessions[0].backend.(observability.Pinger)
		hs := observability.NewHealthServer(addr, pinger, reg, sessions[0].logger)
		for _, s := range sessions {
			hs.WithRuns(observability.LiveRun{
				TaskID:    s.engine.TaskID(),
				Dashboard: s.engine.Dashboard,
				Recorder:  s.recorder,
			})
		}
		if err := hs.Start(); err != nil {
			return p.Error("failed to start health server", err.Error(), []string{"Choose a free address with --health-addr"})
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Shutdown(shutdownCtx); err != nil {
				sessions[0].logger.Warn("health server did not shut down cleanly", "error", err)
			}
		}()
	}

	engines := make([]*conductor.Engine, len(sessions))
	for i, s := range sessions {
		engines[i] = s.engine
		if opts.output == "default" {
			p.Step("Running %s (task %s)\n", s.path, s.engine.TaskID())
		}
	}

	results := conductor.RunAll(ctx, engines, opts.parallel)

	for i, s := range sessions {
		path := s.cfg.Observability.RecordPath
		if opts.record != "" {
			path = opts.record
		}
		if path == "" {
			continue
		}
		if err := s.recorder.Export(path); err != nil {
			p.Warning("failed to export recording of task %s: %v\n", results[i].TaskID, err)
		}
	}

	if opts.output == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			printResult(p, res)
		}
	}

	failed := 0
	for _, res := range results {
		if res.Status != blackboard.RunCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d run(s) did not complete", failed, len(results))
	}
	return nil
}

func printResult(p *printer.Printer, res conductor.Result) {
	p.Info("\n")
	summary := fmt.Sprintf("Task %s %s (%d steps, %d tokens)", res.TaskID, res.Status, res.StepCount, res.TokenCount)
	if res.Status == blackboard.RunCompleted {
		p.Success("%s\n", summary)
	} else {
		if res.LoopOverride {
			summary += " [loop override]"
		}
		p.Warning("%s: %s\n", summary, res.Reason)
		if res.Cause != nil {
			p.Info("  cause: %v\n", res.Cause)
		}
	}

	p.Info("\nPlan:\n")
	rows := make([][]string, 0, len(res.Plan))
	for _, step := range res.Plan {
		rows = append(rows, []string{"  " + step.ID, step.TargetField, step.Agent, p.Status(string(step.Status))})
	}
	p.Table([]string{"  STEP", "FIELD", "AGENT", "STATUS"}, rows)

	if len(res.Workspace) > 0 {
		p.Info("\nWorkspace:\n")
		rows = rows[:0]
		for _, field := range sortedKeys(res.Workspace) {
			art := res.Workspace[field]
			review := "-"
			if rec, ok := res.Consensus[field]; ok && rec.Status != blackboard.ConsensusNone {
				review = p.Status(string(rec.Status))
			}
			preview := strings.ReplaceAll(dashboard.Preview(art.Content), "\n", " ")
			rows = append(rows, []string{"  " + field, fmt.Sprintf("v%d", art.Version), art.Producer, review, preview})
		}
		p.Table([]string{"  FIELD", "VERSION", "PRODUCER", "REVIEW", "PREVIEW"}, rows)
	}

	if len(res.Warnings) > 0 {
		p.Info("\nWarnings:\n")
		for _, w := range res.Warnings {
			p.Warning("%s\n", w)
		}
	}
}
