package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/taskvault/internal/agent"
	"github.com/fentz26/taskvault/internal/controlplane"
	"github.com/fentz26/taskvault/internal/orchestrator"
	"github.com/fentz26/taskvault/internal/scheduler"
	"github.com/fentz26/taskvault/internal/status"
	"github.com/fentz26/taskvault/internal/watcher"
)

var (
	listenAddr string
	runOnce    bool
)

var runCmd = &cobra.Command{
	Use:   "run [root]",
	Short: "Run the watcher, the orchestrator and the control plane",
	Long: `Starts both pipeline loops and the HTTP control plane in one process.
Before the first cycle the orchestrator replays the recent audit log to
repair anything an unclean shutdown left half done.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDaemon,
}

var watcherCmd = &cobra.Command{
	Use:   "watcher [storePath]",
	Short: "Run only the detection loop",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatcher,
}

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator [storePath]",
	Short: "Run only the state machine loop",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOrchestrator,
}

var serveCmd = &cobra.Command{
	Use:   "serve [root]",
	Short: "Serve the HTTP control plane without running the loops",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, serveCmd} {
		c.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from config)")
	}
	for _, c := range []*cobra.Command{watcherCmd, orchestratorCmd} {
		c.Flags().BoolVar(&runOnce, "once", false, "Run a single cycle and exit")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func watcherLoop(e *env, w *watcher.Watcher, onNew func()) *scheduler.Scheduler {
	task := func(ctx context.Context) error {
		items, err := w.Poll(ctx)
		if len(items) > 0 && onNew != nil {
			onNew()
		}
		return err
	}
	cfg := &scheduler.Config{
		Interval: func() time.Duration { return e.config.Current().Watcher.Interval.Duration },
		Reloader: e.config,
	}
	return scheduler.New("watcher", task, cfg, e.metrics, e.logger)
}

func orchestratorLoop(e *env, o *orchestrator.Orchestrator, r *status.Reporter) *scheduler.Scheduler {
	task := func(ctx context.Context) error {
		if _, err := o.RunCycle(ctx); err != nil {
			return err
		}
		if _, err := r.WriteDashboard(ctx); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		return nil
	}
	cfg := &scheduler.Config{
		Interval: func() time.Duration { return e.config.Current().Orchestrator.Interval.Duration },
		Reloader: e.config,
	}
	return scheduler.New("orchestrator", task, cfg, e.metrics, e.logger)
}

func recoverState(ctx context.Context, e *env, o *orchestrator.Orchestrator) error {
	rep, err := o.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	e.logger.Info("recovery complete",
		zap.Int("scanned", rep.Scanned),
		zap.Int("replayed", rep.Replayed),
		zap.Int("mirrors", rep.Mirrors))
	return nil
}

func newServer(e *env, a agent.Agent, loops ...*scheduler.Scheduler) *controlplane.Server {
	addr := listenAddr
	if addr == "" {
		addr = e.config.Current().Server.Listen
	}
	svc := controlplane.NewService(e.store, e.vault, e.audit, e.newReporter(), e.logger).
		WithAgent(a).
		WithLoops(loops...)
	return controlplane.NewServer(svc, addr, e.metrics, e.registry, e.logger)
}

// serveUntilDone runs the server next to the other group members and shuts
// it down once the group context ends.
func serveUntilDone(ctx context.Context, g *errgroup.Group, server *controlplane.Server, logger *zap.Logger) {
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	e, err := openEnv(root)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	e.logger.Info("starting taskvault", zap.String("root", root), zap.String("version", version))
	a := e.newAgent()
	orch := e.newOrchestrator(a)
	if err := recoverState(ctx, e, orch); err != nil {
		return err
	}

	oLoop := orchestratorLoop(e, orch, e.newReporter())
	wLoop := watcherLoop(e, e.newWatcher(), oLoop.Trigger)
	server := newServer(e, a, wLoop, oLoop)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wLoop.Run(gctx) })
	g.Go(func() error { return oLoop.Run(gctx) })
	serveUntilDone(gctx, g, server, e.logger)

	err = g.Wait()
	e.logger.Info("shutdown complete")
	return err
}

func runWatcher(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	e, err := openEnv(root)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	w := e.newWatcher()
	if runOnce {
		items, err := w.Poll(ctx)
		for _, it := range items {
			fmt.Printf("%s -> %s (%s, %s)\n", it.Name, it.RecordID, it.Priority, it.Category)
		}
		return err
	}
	return watcherLoop(e, w, nil).Run(ctx)
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	e, err := openEnv(root)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	orch := e.newOrchestrator(e.newAgent())
	if err := recoverState(ctx, e, orch); err != nil {
		return err
	}
	reporter := e.newReporter()

	if runOnce {
		stats, err := orch.RunCycle(ctx)
		if err != nil {
			return err
		}
		if _, err := reporter.WriteDashboard(ctx); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	return orchestratorLoop(e, orch, reporter).Run(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	e, err := openEnv(root)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	serveUntilDone(gctx, g, newServer(e, e.newAgent()), e.logger)
	return g.Wait()
}
