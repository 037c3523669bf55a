package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joescharf/forge/internal/api"
	"github.com/joescharf/forge/internal/daemon"
	"github.com/joescharf/forge/internal/metrics"
)

const stopTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, session orchestrator and reconciler",
	Long: `Serve the REST API and Prometheus metrics, run agent sessions, and
reconcile workspaces with upstream on an interval.
By default it listens on port 8080. Use --port to change it.

Use 'forge serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start forge serve in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background forge serve",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background forge serve is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().Int("port", 8080, "port to listen on")
	_ = viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "forge-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "forge-serve.log")
}

func serveRun() error {
	port := viper.GetInt("serve.port")
	log := getLogger()
	mgr := getManager()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	o, err := newOrchestrator(mgr, m)
	if err != nil {
		return err
	}
	r, err := newReconciler(mgr, m)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	if err := o.Initialize(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	r.Start(ctx)

	srv := api.NewServer(api.Options{
		Sessions:   o,
		Sync:       r,
		Workspaces: mgr,
		Todos:      todoStore,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:     log,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	ui.Info("Serving API at http://localhost:%d/api/v1", port)
	log.Info("server started", zap.Int("port", port), zap.String("workspace_root", mgr.Root()))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			r.Stop()
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.Stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := o.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions did not stop in time", zap.Error(err))
	}
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if err := pf.Claim(); err != nil {
		return fmt.Errorf("forge serve: %w", err)
	}
	port := viper.GetInt("serve.port")
	if dryRun {
		ui.DryRunMsg("Would start forge serve on port %d", port)
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve", "--port", strconv.Itoa(port)}
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		args = append(args, "--config", cfg)
	}
	c := exec.Command(exe, args...)
	c.Stdout = logFile
	c.Stderr = logFile
	setDaemonAttrs(c)
	if err := c.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.WritePID(c.Process.Pid); err != nil {
		_ = c.Process.Kill()
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = c.Process.Release()

	ui.Success("Started forge serve (PID %d) on http://localhost:%d", c.Process.Pid, port)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	if dryRun {
		if pid, ok := pf.IsRunning(); ok {
			ui.DryRunMsg("Would stop forge serve (PID %d)", pid)
			return nil
		}
	}

	pid, killed, err := pf.Stop(stopTimeout, sigTERM(), sigKILL())
	if errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("forge serve is not running")
	}
	if err != nil {
		return err
	}
	if killed {
		ui.Warning("forge serve did not exit within %s and was killed", stopTimeout)
	}
	ui.Success("Stopped forge serve (PID %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, ok := pf.IsRunning()
	if !ok {
		if _, err := os.Stat(pf.Path); err == nil {
			ui.VerboseLog("removing stale PID file %s", pf.Path)
			_ = pf.Remove()
		}
		ui.Info("forge serve is not running")
		return nil
	}
	ui.Success("forge serve is running (PID %d) on http://localhost:%d", pid, viper.GetInt("serve.port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
