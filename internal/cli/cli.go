package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/taskflow/internal/backend"
	"github.com/ignatij/taskflow/internal/classifier"
	"github.com/ignatij/taskflow/internal/config"
	internal_http "github.com/ignatij/taskflow/internal/http"
	"github.com/ignatij/taskflow/internal/log"
	internal_storage "github.com/ignatij/taskflow/internal/storage"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/spf13/cobra"
)

// app bundles what every command needs; close releases it.
type app struct {
	cfg   *config.Config
	svc   *service.WorkflowService
	close func()
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (default ./taskflow.yaml if present)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides database.url and DB_* env vars)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the in-flight watchdog",
		Run: func(cmd *cobra.Command, args []string) {
			a := setup(cmd, true)
			defer a.close()
			if err := a.cfg.Validate(); err != nil {
				exitErr("invalid configuration", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go a.svc.RunWatchdog(ctx, a.cfg.Watchdog.Interval, a.cfg.Watchdog.MaxInFlightAge)
			if err := internal_http.StartServer(ctx, a.cfg.Server.Port, a.svc); err != nil {
				exitErr("server stopped", err)
			}
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			a := setup(cmd, false)
			defer a.close()
			listWorkflows(cmd.Context(), a.svc)
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect [rootID]",
		Short: "Show the units and execution log of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := setup(cmd, false)
			defer a.close()
			inspectWorkflow(cmd.Context(), a.svc, args[0])
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry [rootID] [stableID]",
		Short: "Re-submit a failed unit",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			a := setup(cmd, true)
			defer a.close()
			result, err := a.svc.RetryUnit(cmd.Context(), args[0], args[1])
			if err != nil {
				exitErr("failed to retry unit", err)
			}
			fmt.Fprintf(os.Stdout, "Retried unit %s (sequence %d, phase %d)\n", result.StableID, result.Sequence, result.ParallelGroup)
		},
	}

	advanceCmd := &cobra.Command{
		Use:   "advance [rootID]",
		Short: "Dispatch the next pending phase of a decomposed workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := setup(cmd, true)
			defer a.close()
			results, err := a.svc.Advance(cmd.Context(), args[0])
			if err != nil {
				exitErr("failed to advance workflow", err)
			}
			printDispatch(results)
		},
	}

	watchdogCmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Fail units that have been in flight for too long",
		Run: func(cmd *cobra.Command, args []string) {
			a := setup(cmd, false)
			defer a.close()
			once, _ := cmd.Flags().GetBool("once")
			if flagAge, _ := cmd.Flags().GetDuration("max-age"); flagAge > 0 {
				a.cfg.Watchdog.MaxInFlightAge = flagAge
			}
			if err := a.cfg.ValidateWatchdog(); err != nil {
				exitErr("invalid configuration", err)
			}
			maxAge := a.cfg.Watchdog.MaxInFlightAge
			if once {
				expired, err := a.svc.ExpireStale(cmd.Context(), maxAge)
				if err != nil {
					exitErr("watchdog pass failed", err)
				}
				fmt.Fprintf(os.Stdout, "Expired %d unit(s) in flight for more than %s\n", expired, maxAge)
				return
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.GetLogger().Infof("Watchdog running every %s (max in-flight age %s)", a.cfg.Watchdog.Interval, maxAge)
			a.svc.RunWatchdog(ctx, a.cfg.Watchdog.Interval, maxAge)
		},
	}
	watchdogCmd.Flags().Bool("once", false, "Run a single pass and exit")
	watchdogCmd.Flags().Duration("max-age", 0, "Override watchdog.max_in_flight_age")

	rootCmd.AddCommand(serveCmd, listCmd, inspectCmd, retryCmd, advanceCmd, watchdogCmd)
}

// setup loads the configuration and wires the service. Commands that never
// reach the backend pass withBackend=false and run without its settings.
func setup(cmd *cobra.Command, withBackend bool) *app {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		exitErr("failed to load configuration", err)
	}
	log.SetLevel(cfg.Log.Level)
	log.SetFormat(cfg.Log.Format)

	dbConnStr, _ := cmd.Flags().GetString("db")
	if dbConnStr == "" {
		dbConnStr, err = cfg.DatabaseURL()
		if err != nil {
			exitErr("no database configured", err)
		}
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		exitErr("failed to initialize store", err)
	}

	closers := []func(){func() { store.Close() }}
	var (
		be  service.Backend
		cls service.Classifier
	)
	if withBackend && cfg.Backend.URL != "" {
		client, err := backend.NewClient(backend.Config{
			BaseURL: cfg.Backend.URL,
			Token:   cfg.Backend.Token,
			Timeout: cfg.Backend.Timeout,
		})
		if err != nil {
			exitErr("failed to create backend client", err)
		}
		be = client
		closers = append(closers, func() { _ = client.Close() })
	}
	if withBackend && cfg.Anthropic.Enabled {
		c, err := classifier.New(classifier.Config{APIKey: cfg.Anthropic.APIKey, Model: cfg.Anthropic.Model})
		if err != nil {
			log.GetLogger().Warnf("Classifier disabled, every request runs as a single unit: %v", err)
		} else {
			cls = c
		}
	}

	svc := service.NewWorkflowService(store, cls, be, log.GetLogger(),
		service.WithCallbackBaseURL(cfg.Server.CallbackBaseURL),
		service.WithDispatchConcurrency(cfg.Dispatch.Concurrency),
		service.WithClassifyTimeout(cfg.Dispatch.ClassifyTimeout),
		service.WithDecomposeTimeout(cfg.Dispatch.DecomposeTimeout),
		service.WithSubmitTimeout(cfg.Dispatch.SubmitTimeout),
	)
	return &app{
		cfg: cfg,
		svc: svc,
		close: func() {
			for _, c := range closers {
				c()
			}
		},
	}
}

func listWorkflows(ctx context.Context, svc *service.WorkflowService) {
	workflows, err := svc.ListWorkflows(ctx)
	if err != nil {
		exitErr("failed to list workflows", err)
	}
	if len(workflows) == 0 {
		fmt.Fprintf(os.Stdout, "No workflows found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Workflows:\n")
	for _, wf := range workflows {
		fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Units: %d/%d, Decomposed: %t, Created: %s\n",
			wf.RootID, wf.Status, wf.CompletedUnits, wf.TotalUnits, wf.IsDecomposed, wf.CreatedAt.Format(time.RFC3339))
	}
}

func inspectWorkflow(ctx context.Context, svc *service.WorkflowService, rootID string) {
	view, err := svc.GetWorkflow(ctx, rootID)
	if err != nil {
		exitErr("failed to get workflow", err)
	}
	fmt.Fprintf(os.Stdout, "Workflow %s: %s (%d/%d units completed)\n", view.RootID, view.Status, view.CompletedUnits, view.TotalUnits)
	if len(view.BlockedOn) > 0 {
		fmt.Fprintf(os.Stdout, "Blocked on: %s\n", strings.Join(view.BlockedOn, ", "))
	}
	for _, u := range view.Units {
		fmt.Fprintf(os.Stdout, "  [phase %d] #%d %s  %s  attempts=%d  %s\n",
			u.ParallelGroup, u.Sequence, u.StableID, u.Status, u.Attempts, u.Title)
		if u.ResultSummary != "" {
			fmt.Fprintf(os.Stdout, "      %s\n", firstLine(u.ResultSummary))
		}
	}

	logs, err := svc.ExecutionLogs(ctx, rootID)
	if err != nil {
		exitErr("failed to get execution logs", err)
	}
	if len(logs) == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "Execution log:\n")
	for _, l := range logs {
		fmt.Fprintf(os.Stdout, "- %s %-8s %s %s %s\n", l.LoggedAt.Format(time.RFC3339), l.Kind, l.StableID, l.Status, firstLine(l.Message))
	}
}

func printDispatch(results []service.DispatchResult) {
	if len(results) == 0 {
		fmt.Fprintf(os.Stdout, "Nothing to dispatch.\n")
		return
	}
	for _, r := range results {
		state := string(models.InFlightUnitStatus)
		if !r.Dispatched {
			state = "NOT DISPATCHED: " + r.Error
		}
		fmt.Fprintf(os.Stdout, "- [phase %d] #%d %s %s\n", r.ParallelGroup, r.Sequence, r.StableID, state)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func exitErr(msg string, err error) {
	log.GetLogger().Errorf("%s: %v", strings.ToUpper(msg[:1])+msg[1:], err)
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}
