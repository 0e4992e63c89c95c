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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/flock/internal/api"
	"github.com/joescharf/flock/internal/daemon"
)

const stopTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket control API",
	Long: `Run the control API in the foreground. Sessions are created and driven
over REST; /api/v1/events streams the event bus over a websocket.

Use 'flock serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background API server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd, serveStopCmd, serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "flock-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "flock-serve.log")
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Serve.Port),
		Handler:           api.NewServer(rt.manager, rt.journal, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pf := pidFile()
	if err := pf.Write(srv.Addr); err != nil {
		return errors.Join(fmt.Errorf("write PID file: %w", err), rt.Close(context.Background()))
	}
	defer func() { _ = pf.RemoveIfOwned() }()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving control API", "addr", srv.Addr, "version", buildVersion)

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return errors.Join(serveErr, rt.Close(shutdownCtx))
}

// serveStartRun re-executes this binary as `flock serve` detached from the
// terminal, logging to the state directory.
func serveStartRun() error {
	pf := pidFile()
	if r, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", r.PID)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	port := viper.GetInt("serve.port")
	args := []string{"serve", "--port", fmt.Sprint(port)}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if repo, err := repoRoot(); err == nil {
		args = append(args, "--repo", repo)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	// The child rewrites the record once it has started; write it now so an
	// immediate status or stop sees it.
	pid := child.Process.Pid
	if err := pf.WriteRecord(daemon.Record{PID: pid, Addr: fmt.Sprintf(":%d", port), Started: time.Now().UTC()}); err != nil {
		return err
	}
	_ = child.Process.Release()

	ui.Success("server started (pid %d) on port %d", pid, port)
	ui.Info("logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	r, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return errors.New("server not running")
	}
	pid := r.PID
	if err := pf.Signal(termSignal); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			_ = pf.Remove()
			ui.Success("server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("server did not exit in %s, killing", stopTimeout)
	if err := pf.Signal(killSignal); err != nil {
		return err
	}
	_ = pf.Remove()
	return nil
}

func serveStatusRun() error {
	r, running := pidFile().IsRunning()
	if !running {
		ui.Info("server not running")
		return nil
	}
	ui.Success("server running (pid %d) on %s, up %s", r.PID, r.Addr, time.Since(r.Started).Round(time.Second))
	ui.Info("logs: %s", serveLogPath())
	return nil
}
