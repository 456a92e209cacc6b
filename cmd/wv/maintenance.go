package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waveline/internal/config"
	"waveline/internal/domain"
	"waveline/internal/gitsafety"
	"waveline/internal/lock"
	"waveline/internal/ratelimit"
	"waveline/internal/registry"
	"waveline/internal/runner"
	"waveline/internal/scheduler"
)

// buildScheduler wires the full execution rig for a workspace.
func buildScheduler(workspace string, cfg *config.Config, tasks []domain.TaskDefinition) *scheduler.Scheduler {
	ledg := newLedgerWriter(workspace)
	manifests := newManifestService(workspace)
	runr := &runner.Executor{
		Invoker: &runner.CLIInvoker{Cfg: runner.ToolConfig{
			Binary:       cfg.Tool.Binary,
			Model:        cfg.Tool.Model,
			Temperature:  cfg.Tool.Temperature,
			MaxTokens:    cfg.Tool.MaxTokens,
			ApprovalMode: cfg.Tool.ApprovalMode,
		}},
		Limiter:      ratelimit.New(cfg.Limits.PerMinute, cfg.Limits.PerDay, cfg.Limits.Burst),
		Ledger:       ledg,
		Manifests:    manifests,
		BackoffBase:  time.Duration(cfg.Retry.BaseSeconds) * time.Second,
		BackoffCap:   time.Duration(cfg.Retry.CapSeconds) * time.Second,
		RegistryHash: registry.Fingerprint(tasks),
		ConfigHash:   cfg.Fingerprint(),
	}
	return &scheduler.Scheduler{Tasks: tasks, Runner: runr, Manifests: manifests, Ledger: ledg}
}

func reprocessCmd() *cobra.Command {
	var force []string
	cmd := &cobra.Command{
		Use:   "reprocess <date>",
		Short: "Re-run the pipeline for a past date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date := args[0]
			if _, err := time.Parse(dateLayout, date); err != nil {
				return coded(exitConfig, fmt.Errorf("invalid date %q: want YYYY-MM-DD", date))
			}
			return withEnv(cmd.Context(), func(ctx context.Context, workspace string, cfg *config.Config, provider registry.Provider) error {
				manifests := newManifestService(workspace)
				if _, err := manifests.Load(date); err != nil {
					return coded(exitConfig, fmt.Errorf("no prior run to reprocess: %w", err))
				}
				tasks, err := provider.Load(ctx)
				if err != nil {
					return coded(exitConfig, err)
				}

				auditor := newAuditWriter(workspace)
				_ = auditor.Record("reprocess", false, append([]string{date}, force...), "started")

				mgr := lock.NewManager(workspace, time.Duration(cfg.Lock.TTLMinutes)*time.Minute)
				handle, err := mgr.Acquire()
				if err != nil {
					return coded(exitLocked, err)
				}
				defer mgr.Release(handle)

				sched := buildScheduler(workspace, cfg, tasks)
				run, summary, err := sched.Run(ctx, scheduler.Options{Date: date, Forced: force})
				if err != nil {
					_ = auditor.Record("reprocess", false, []string{date}, "error: "+err.Error())
					return err
				}
				outcome := fmt.Sprintf("%d ok, %d failed, %d skipped", summary.Succeeded, summary.Failed, summary.Skipped)
				_ = auditor.Record("reprocess", false, append([]string{date}, run.FailedTaskIDs...), outcome)

				if err := printSummary(workspace, date, summary); err != nil {
					return err
				}
				if summary.Failed > 0 {
					return coded(exitTool, fmt.Errorf("%d task(s) failed during reprocess", summary.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&force, "force", []string{}, "task id or wave name to re-execute (repeatable)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var dryRun, allowDirty bool
	var keepDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove dated artifacts older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return coded(exitConfig, err)
			}
			if keepDays <= 0 {
				keepDays = cfg.Cleanup.KeepDays
			}

			if cfg.Cleanup.RequireCleanGit && !allowDirty && !dryRun {
				clean, dirty, err := gitsafety.WorkTreeClean(cmd.Context(), workspace)
				if err != nil {
					return err
				}
				if !clean {
					_ = newAuditWriter(workspace).Record("cleanup", dryRun, dirty, "refused: dirty work tree")
					return coded(exitLocked, fmt.Errorf("work tree has %d uncommitted change(s); commit them or pass --allow-dirty", len(dirty)))
				}
			}

			cutoff := time.Now().UTC().AddDate(0, 0, -keepDays).Format(dateLayout)
			targets, err := expiredArtifacts(workspace, cutoff)
			if err != nil {
				return err
			}

			mgr := lock.NewManager(workspace, time.Duration(cfg.Lock.TTLMinutes)*time.Minute)
			if record, stale, err := mgr.Status(); err == nil && record != nil && stale {
				targets = append(targets, mgr.Path)
			}

			auditor := newAuditWriter(workspace)
			if len(targets) == 0 {
				_ = auditor.Record("cleanup", dryRun, nil, "nothing to remove")
				fmt.Println("nothing to remove")
				return nil
			}

			if dryRun {
				_ = auditor.Record("cleanup", true, targets, fmt.Sprintf("would remove %d path(s)", len(targets)))
				for _, p := range targets {
					fmt.Println("would remove:", p)
				}
				return nil
			}

			var removed []string
			var failed []string
			for _, p := range targets {
				if err := os.RemoveAll(p); err != nil {
					failed = append(failed, p)
					fmt.Fprintln(os.Stderr, "warning: remove", p+":", err)
					continue
				}
				removed = append(removed, p)
			}
			outcome := fmt.Sprintf("removed %d path(s)", len(removed))
			if len(failed) > 0 {
				outcome += fmt.Sprintf(", %d failed", len(failed))
			}
			_ = auditor.Record("cleanup", false, removed, outcome)
			fmt.Println(outcome)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list removals without deleting")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "retention window in days (default from config)")
	cmd.Flags().BoolVar(&allowDirty, "allow-dirty", false, "skip the clean work tree check")
	return cmd
}

// expiredArtifacts lists dated paths strictly older than the cutoff date.
func expiredArtifacts(workspace, cutoff string) ([]string, error) {
	var targets []string

	collect := func(dir, suffix string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			name := strings.TrimSuffix(e.Name(), suffix)
			if suffix != "" && name == e.Name() {
				continue
			}
			if _, err := time.Parse(dateLayout, name); err != nil {
				continue
			}
			if name < cutoff {
				targets = append(targets, filepath.Join(dir, e.Name()))
			}
		}
		return nil
	}

	logsDir := filepath.Join(workspace, "logs")
	for _, loc := range []struct{ dir, suffix string }{
		{filepath.Join(workspace, "outputs"), ""},
		{filepath.Join(workspace, "manifests"), ".json"},
		{filepath.Join(logsDir, "ledger"), ".jsonl"},
		{filepath.Join(logsDir, "audit"), ".jsonl"},
		{filepath.Join(logsDir, "runs"), ".log"},
	} {
		if err := collect(loc.dir, loc.suffix); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Inspect and manage the task registry"}
	reg.AddCommand(registryValidateCmd())
	reg.AddCommand(registryListCmd())
	reg.AddCommand(registryMigrateCmd())
	return reg
}

func registryValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the registry, reporting every violation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, workspace string, cfg *config.Config, provider registry.Provider) error {
				tasks, err := provider.Load(ctx)
				if err != nil {
					return coded(exitConfig, err)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true, "tasks": len(tasks), "fingerprint": registry.Fingerprint(tasks)})
				}
				fmt.Printf("registry OK: %d task(s), fingerprint %s\n", len(tasks), registry.Fingerprint(tasks)[:12])
				return nil
			})
		},
	}
	return cmd
}

func registryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registry tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, workspace string, cfg *config.Config, provider registry.Provider) error {
				tasks, err := provider.Load(ctx)
				if err != nil {
					return coded(exitConfig, err)
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Wave", "Class", "Timeout", "Retries", "Outputs"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Wave, t.ConcurrencyClass, t.TimeoutSeconds, t.MaxRetries, strings.Join(t.ExpectedOutputs, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func registryMigrateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the YAML registry into the sqlite backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return coded(exitConfig, err)
			}
			path := file
			if path == "" {
				path = filepath.Join(workspace, cfg.Registry.Path)
			}
			src := &registry.YAMLProvider{Path: path}
			tasks, err := src.Load(cmd.Context())
			if err != nil {
				return coded(exitConfig, err)
			}

			sqliteCfg := *cfg
			sqliteCfg.Registry.Backend = "sqlite"
			provider, closeFn, err := registry.New(&sqliteCfg, workspace)
			if err != nil {
				return err
			}
			defer closeFn()
			dst := provider.(*registry.SQLiteProvider)
			if err := dst.Replace(cmd.Context(), tasks); err != nil {
				return err
			}
			_ = newAuditWriter(workspace).Record("registry_migrate", false, []string{path}, fmt.Sprintf("%d task(s) imported", len(tasks)))
			fmt.Printf("imported %d task(s) into the sqlite registry\n", len(tasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "source YAML registry (default from config)")
	return cmd
}

type diagCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func diagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Check the environment the pipeline depends on",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, cfgErr := config.Load(workspace)

			var checks []diagCheck
			if cfgErr != nil {
				checks = append(checks, diagCheck{Name: "config", OK: false, Detail: cfgErr.Error()})
			} else {
				checks = append(checks, diagCheck{Name: "config", OK: true, Detail: config.Path(workspace)})

				if path, err := exec.LookPath(cfg.Tool.Binary); err != nil {
					checks = append(checks, diagCheck{Name: "tool binary", OK: false, Detail: cfg.Tool.Binary + " not on PATH"})
				} else {
					checks = append(checks, diagCheck{Name: "tool binary", OK: true, Detail: path})
				}

				provider, closeFn, err := registry.New(cfg, workspace)
				if err != nil {
					checks = append(checks, diagCheck{Name: "registry", OK: false, Detail: err.Error()})
				} else {
					tasks, loadErr := provider.Load(cmd.Context())
					closeFn()
					if loadErr != nil {
						checks = append(checks, diagCheck{Name: "registry", OK: false, Detail: loadErr.Error()})
					} else {
						checks = append(checks, diagCheck{Name: "registry", OK: true, Detail: fmt.Sprintf("%d task(s), backend %s", len(tasks), cfg.Registry.Backend)})
					}
				}
			}

			checks = append(checks, diagCheck{Name: "git", OK: gitsafety.GitAvailable()})

			probe := filepath.Join(workspace, ".waveline", ".diag-probe")
			if err := os.WriteFile(probe, []byte("ok\n"), 0o644); err != nil {
				checks = append(checks, diagCheck{Name: "workspace writable", OK: false, Detail: err.Error()})
			} else {
				os.Remove(probe)
				checks = append(checks, diagCheck{Name: "workspace writable", OK: true, Detail: workspace})
			}

			ttl := 2 * time.Hour
			if cfgErr == nil {
				ttl = time.Duration(cfg.Lock.TTLMinutes) * time.Minute
			}
			mgr := lock.NewManager(workspace, ttl)
			if record, stale, err := mgr.Status(); err != nil {
				checks = append(checks, diagCheck{Name: "run lock", OK: false, Detail: err.Error()})
			} else if record == nil {
				checks = append(checks, diagCheck{Name: "run lock", OK: true, Detail: "free"})
			} else {
				detail := fmt.Sprintf("held by pid %d on %s", record.PID, record.Host)
				if stale {
					detail += " (expired)"
				}
				checks = append(checks, diagCheck{Name: "run lock", OK: stale || record.PID == os.Getpid(), Detail: detail})
			}

			if viper.GetBool("json") {
				return printJSON(checks)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Check", "OK", "Detail"})
			allOK := true
			for _, c := range checks {
				tw.AppendRow(table.Row{c.Name, c.OK, c.Detail})
				if !c.OK {
					allOK = false
				}
			}
			tw.Render()
			if !allOK {
				return coded(exitConfig, fmt.Errorf("one or more checks failed"))
			}
			return nil
		},
	}
	return cmd
}
