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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/sentinell/internal/daemon"
	"github.com/joescharf/sentinell/internal/output"
	"github.com/joescharf/sentinell/internal/watcher"
)

// stopGrace is how long serve stop waits after SIGTERM before sending SIGKILL.
const stopGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, worker, poller and log watcher in the foreground",
	Long: `Run the sentinell server in the foreground.

The HTTP API (ingestion, incidents, repos, /metrics) listens on server.port.
The worker drains the incident queue one incident at a time. The repo poller
runs when poller.enabled is set, and the log watcher runs when watcher.files
lists at least one file. Use 'sentinell serve start' to run in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("server.port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the PID file tracking the background server.
func pidFile() *daemon.PIDFile {
	dir, err := configDirFunc()
	if err != nil {
		dir = os.TempDir()
	}
	return daemon.NewPIDFile(filepath.Join(dir, "sentinell-serve.pid"))
}

// serveLogPath is where the background server's stdout and stderr go.
func serveLogPath() string {
	dir, err := configDirFunc()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sentinell-serve.log")
}

func serveRun() error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	pf := pidFile()
	if err := pf.Acquire(os.Getpid()); err != nil {
		return err
	}
	defer pf.Release(os.Getpid())

	s, err := getStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	svc, err := buildServices(s, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), daemon.ShutdownSignals()...)
	defer stop()

	addr := fmt.Sprintf(":%d", viper.GetInt("server.port"))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           svc.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return svc.worker.Run(gCtx) })

	if viper.GetBool("poller.enabled") {
		g.Go(func() error { return svc.poller.Run(gCtx) })
	}

	if files := viper.GetStringSlice("watcher.files"); len(files) > 0 {
		w, err := watcher.New(watcher.Config{
			Files:    files,
			RepoID:   viper.GetString("watcher.repo_id"),
			MinLevel: viper.GetString("watcher.min_level"),
		}, svc.ingest, logger)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return w.Run(gCtx) })
	}

	ui.Success("sentinell serving at http://localhost%s", addr)
	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	args := []string{"serve"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if viper.IsSet("server.port") {
		args = append(args, "--port", fmt.Sprint(viper.GetInt("server.port")))
	}

	if dryRun {
		ui.DryRunMsg("Would start %s %v (log: %s)", exe, args, serveLogPath())
		return nil
	}

	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	daemon.Detach(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Started sentinell server (PID %d)", child.Process.Pid)
	ui.Info("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	if dryRun {
		if pid, running := pf.IsRunning(); running {
			ui.DryRunMsg("Would stop server (PID %d)", pid)
			return nil
		}
	}

	pid, err := pf.Stop(stopGrace)
	if err != nil {
		return err
	}
	ui.Success("Stopped sentinell server (PID %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server: %s", output.Yellow("not running"))
		return nil
	}
	ui.Success("Server: %s (PID %d)", output.Green("running"), pid)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
