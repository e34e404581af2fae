package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/api"
	"github.com/soochol/ghachieve/internal/notify"
	"github.com/soochol/ghachieve/internal/repository"
	"github.com/soochol/ghachieve/internal/services"
	"github.com/soochol/ghachieve/internal/telemetry"
)

var version = "dev"

var (
	runTier        string
	runTarget      int
	runConcurrency int
	runDelay       time.Duration
	servePort      int
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List achievements and their tiers",
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	runCmd := &cobra.Command{
		Use:   "run ACHIEVEMENT",
		Short: "Execute the operations an achievement still needs",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runTier, "tier", "", "tier to target (default, bronze, silver, gold)")
	runCmd.Flags().IntVar(&runTarget, "target", 0, "override the tier's operation count")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "operations in flight (default engine.concurrency)")
	runCmd.Flags().DurationVar(&runDelay, "delay", 0, "pause after each operation (default engine.delay)")
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status [ACHIEVEMENT]",
		Short: "Show stored progress",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	resetCmd := &cobra.Command{
		Use:   "reset ACHIEVEMENT",
		Short: "Delete stored progress so the next run starts over",
		Args:  cobra.ExactArgs(1),
		RunE:  runReset,
	}
	rootCmd.AddCommand(resetCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and configured schedules",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACHIEVEMENT\tNAME\tTIERS\tDESCRIPTION")
	for _, a := range achieve.Catalog() {
		tiers := ""
		for i, t := range a.AvailableTiers() {
			if i > 0 {
				tiers += " "
			}
			tiers += fmt.Sprintf("%s=%d", t, a.Targets[t])
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Kind, a.DisplayName, tiers, a.Description)
	}
	return w.Flush()
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kind := achieve.Kind(args[0])
	tier, err := achieve.ParseTier(runTier)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Init(ctx, telemetryConfig())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdown(context.Background())

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	p := workflowParams{
		kind:        kind,
		tier:        tier,
		target:      runTarget,
		concurrency: runConcurrency,
		onProgress: func(u achieve.ProgressUpdate) {
			fmt.Fprintf(out, "[%d/%d] %s\n", u.Current, u.Total, u.Label)
		},
	}
	if cmd.Flags().Changed("delay") {
		p.delay = &runDelay
	}
	wf, err := a.buildWorkflow(p)
	if err != nil {
		return err
	}

	res := wf.Execute(ctx)
	fmt.Fprintln(out, res.Summary())
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  %s\n", e)
	}
	if len(res.PRNumbers) > 0 {
		fmt.Fprintf(out, "  pull requests: %v\n", res.PRNumbers)
	}

	notifier := notify.NewNotifier(notify.NewDefaultRegistry(), cfg.Notify)
	_ = notifier.Broadcast(context.WithoutCancel(ctx), res.Summary())

	if !res.Success {
		return fmt.Errorf("%s did not complete", kind)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return printRunDetail(ctx, out, a.store, achieve.Kind(args[0]))
	}

	runs, err := a.store.ListRuns(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACHIEVEMENT\tTIER\tPROGRESS\tSTATUS\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", r.Kind, r.Tier, r.CompletedCount, r.TargetCount, r.Status, r.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printRunDetail(ctx context.Context, out io.Writer, store repository.ProgressRepository, kind achieve.Kind) error {
	if _, err := achieve.Lookup(kind); err != nil {
		return err
	}
	run, err := store.GetRun(ctx, kind)
	if errors.Is(err, repository.ErrNotFound) {
		fmt.Fprintf(out, "%s: no run recorded\n", kind)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (%s): %d/%d, %s\n", run.DisplayName, run.Tier, run.CompletedCount, run.TargetCount, run.Status)

	ops, err := store.OperationsForRun(ctx, kind)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSTATUS\tDETAIL")
	for _, op := range ops {
		detail := op.Error
		if op.Result != nil {
			switch {
			case op.Result.PRNumber > 0:
				detail = fmt.Sprintf("PR #%d", op.Result.PRNumber)
			case op.Result.IssueNumber > 0:
				detail = fmt.Sprintf("issue #%d", op.Result.IssueNumber)
			case op.Result.DiscussionID != "":
				detail = "discussion " + op.Result.DiscussionID
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", op.Sequence, op.Status, detail)
	}
	return w.Flush()
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kind := achieve.Kind(args[0])
	if _, err := achieve.Lookup(kind); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteRun(ctx, kind); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to reset\n", kind)
			return nil
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: progress deleted\n", kind)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	notifier := notify.NewNotifier(notify.NewDefaultRegistry(), cfg.Notify)
	runManager := services.NewRunManager(a.workflowFactory(), notifier, cfg.Engine.RunTTL)
	defer runManager.Stop()

	schedulerSvc := services.NewSchedulerService(runManager, a.store, a.limiter)
	for _, s := range cfg.Schedules {
		if err := schedulerSvc.Add(s); err != nil {
			return err
		}
	}
	schedulerSvc.Start(ctx)
	defer schedulerSvc.Stop()

	srv := api.NewServer(runManager, a.store, a.limiter)
	srv.SetSchedulerService(schedulerSvc)
	srv.SetJWTSecret(cfg.Server.JWTSecret)
	srv.SetCORSOrigins(cfg.Server.CORSOrigins)
	srv.SetRunContext(ctx)

	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting ghachieve server", "addr", httpSrv.Addr, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
	}
	// Runs observe ctx cancellation and mark themselves failed; wait for them.
	runManager.Wait()
	return nil
}

func telemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
	}
}
