package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waveline/internal/audit"
	"waveline/internal/config"
	"waveline/internal/db"
	"waveline/internal/ledger"
	"waveline/internal/lock"
	"waveline/internal/manifest"
	"waveline/internal/notify"
	"waveline/internal/registry"
	"waveline/internal/runner"
	"waveline/internal/scheduler"
)

const dateLayout = "2006-01-02"

// Exit codes promised to operators and wrapping schedulers.
const (
	exitConfig = 10 // config or registry validation error
	exitLocked = 20 // lock held or dependency unavailable
	exitTool   = 30 // external tool failure
)

var rootCmd = &cobra.Command{
	Use:   "wv",
	Short: "Waveline CLI",
	Long: `Waveline runs a recurring batch pipeline of generative-AI tool calls,
arranged into dependency-ordered waves with a full completion barrier
between stages. Completed tasks leave content-hashed markers on disk, so
reruns skip finished work, and every attempt lands in an append-only
ledger for that date.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("WAVELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier for audit entries")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(reprocessCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(diagCmd())
	rootCmd.AddCommand(serveCmd())
}

// codedError pins an exit code to an error at the point where its class is
// known.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func coded(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

func exitCode(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	var ve *registry.ValidationError
	if errors.As(err, &ve) {
		return exitConfig
	}
	var he *lock.HeldError
	if errors.As(err, &he) {
		return exitLocked
	}
	var de *scheduler.MissingDependencyError
	if errors.As(err, &de) {
		return exitLocked
	}
	var te *runner.ToolError
	if errors.As(err, &te) {
		return exitTool
	}
	return 1
}

func withEnv(ctx context.Context, fn func(ctx context.Context, workspace string, cfg *config.Config, provider registry.Provider) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return coded(exitConfig, err)
	}
	provider, closeFn, err := registry.New(cfg, workspace)
	if err != nil {
		return coded(exitConfig, err)
	}
	defer closeFn()
	return fn(ctx, workspace, cfg, provider)
}

func newLedgerWriter(workspace string) *ledger.Writer {
	return &ledger.Writer{Dir: filepath.Join(workspace, "logs")}
}

func newAuditWriter(workspace string) *audit.Writer {
	return &audit.Writer{Dir: filepath.Join(workspace, "logs"), Actor: viper.GetString("actor-id")}
}

func newManifestService(workspace string) *manifest.Service {
	return &manifest.Service{Root: workspace}
}

func runCmd() *cobra.Command {
	var date, wave string
	var force []string
	var dryRun, allowAbort bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().UTC().Format(dateLayout)
			}
			if _, err := time.Parse(dateLayout, date); err != nil {
				return coded(exitConfig, fmt.Errorf("invalid --date %q: want YYYY-MM-DD", date))
			}
			return withEnv(cmd.Context(), func(ctx context.Context, workspace string, cfg *config.Config, provider registry.Provider) error {
				tasks, err := provider.Load(ctx)
				if err != nil {
					return coded(exitConfig, err)
				}
				sched := buildScheduler(workspace, cfg, tasks)
				opts := scheduler.Options{Date: date, Wave: wave, Forced: force, DryRun: dryRun}

				if dryRun {
					plan, err := sched.Plan(opts)
					if err != nil {
						return coded(exitConfig, err)
					}
					return printPlan(plan)
				}

				auditor := newAuditWriter(workspace)
				if len(force) > 0 {
					_ = auditor.Record("force", false, force, "requested")
				}

				mgr := lock.NewManager(workspace, time.Duration(cfg.Lock.TTLMinutes)*time.Minute)
				handle, err := acquireLock(ctx, mgr, auditor, allowAbort)
				if err != nil {
					return err
				}
				defer mgr.Release(handle)

				run, summary, err := sched.Run(ctx, opts)
				if err != nil {
					return err
				}

				notifier := notify.Notifier{OnSuccess: cfg.Notify.OnSuccess, OnFailure: cfg.Notify.OnFailure}
				if nErr := notifier.Notify(ctx, date, run.FailedTaskIDs, ledger.RunLogPath(filepath.Join(workspace, "logs"), date)); nErr != nil {
					fmt.Fprintln(os.Stderr, "warning:", nErr)
				}

				if err := printSummary(workspace, date, summary); err != nil {
					return err
				}
				if summary.Failed > 0 {
					return coded(exitTool, fmt.Errorf("%d task(s) failed; see %s", summary.Failed,
						ledger.Path(filepath.Join(workspace, "logs"), date)))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "target date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&wave, "wave", "", "run only this wave")
	cmd.Flags().StringArrayVar(&force, "force", []string{}, "task id or wave name to re-execute (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the plan without executing")
	cmd.Flags().BoolVar(&allowAbort, "allow-abort", false, "terminate a live lock holder and take over")
	return cmd
}

// acquireLock takes the run lock, optionally aborting a live holder. The
// abort sequence is always audited, whatever its outcome.
func acquireLock(ctx context.Context, mgr *lock.Manager, auditor *audit.Writer, allowAbort bool) (*lock.Handle, error) {
	handle, err := mgr.Acquire()
	if err == nil {
		return handle, nil
	}
	var he *lock.HeldError
	if !errors.As(err, &he) {
		return nil, err
	}
	if !allowAbort {
		return nil, coded(exitLocked, err)
	}
	_ = auditor.Record("lock_abort", false, []string{mgr.Path}, fmt.Sprintf("signaling holder pid %d on %s", he.Holder.PID, he.Holder.Host))
	holder, abortErr := mgr.Abort(ctx, 30*time.Second)
	if abortErr != nil {
		_ = auditor.Record("lock_abort", false, []string{mgr.Path}, "failed: "+abortErr.Error())
		return nil, coded(exitLocked, abortErr)
	}
	_ = auditor.Record("lock_abort", false, []string{mgr.Path}, fmt.Sprintf("holder pid %d released or removed", holder.PID))
	handle, err = mgr.Acquire()
	if err != nil {
		return nil, coded(exitLocked, err)
	}
	return handle, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPlan(plan []scheduler.PlanItem) error {
	if viper.GetBool("json") {
		return printJSON(plan)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Wave", "Class", "Slots", "Action"})
	for _, item := range plan {
		tw.AppendRow(table.Row{item.TaskID, item.Wave, item.Class, item.Slots, item.Action})
	}
	tw.Render()
	return nil
}

func printSummary(workspace, date string, s scheduler.Summary) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Succeeded", "Failed", "Skipped", "Retried", "Duration"})
	tw.AppendRow(table.Row{s.Succeeded, s.Failed, s.Skipped, s.Retried, s.Duration.Round(time.Millisecond)})
	tw.Render()
	logsDir := filepath.Join(workspace, "logs")
	fmt.Printf("manifest: %s\nledger:   %s\n",
		newManifestService(workspace).ManifestPath(date), ledger.Path(logsDir, date))
	return nil
}
