package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browser-agent/internal/app"
	"github.com/shehryarbajwa/browser-agent/internal/config"
	"github.com/shehryarbajwa/browser-agent/internal/logging"
	"github.com/shehryarbajwa/browser-agent/internal/supervisor"
)

const readyWait = 15 * time.Second

func newServerCmd(o *options) *cobra.Command {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the browser server",
	}
	serverCmd.AddCommand(
		newServerStartCmd(o),
		newServerStopCmd(o),
		newServerStatusCmd(o),
		newServerRestartCmd(o),
		newServerLogsCmd(o),
	)
	return serverCmd
}

func newSupervisor(cfg *config.Config) *supervisor.Supervisor {
	return supervisor.New(cfg.PIDPath(), cfg.LogPath(), cfg.ShutdownGrace, nil)
}

func addStartFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("headless", false, "run the browser without a window")
	cmd.Flags().Bool("mock", false, "use the simulated in-process browser")
	cmd.Flags().String("host", "", "listen host (default localhost)")
	cmd.Flags().Int("port", 0, "listen port (default 3001)")
}

// startConfig loads the configuration with the running command's start
// flags bound. start and restart share these keys, so they are bound late.
func startConfig(o *options, cmd *cobra.Command) (*config.Config, error) {
	for key, name := range map[string]string{
		config.KeyHeadless: "headless",
		config.KeyHost:     "host",
		config.KeyPort:     "port",
	} {
		if err := o.v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, err
		}
	}
	if mock, _ := cmd.Flags().GetBool("mock"); mock {
		o.v.Set(config.KeyMode, config.ModeMock)
	}
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServerStartCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the browser server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := startConfig(o, cmd)
			if err != nil {
				return err
			}
			if foreground, _ := cmd.Flags().GetBool("foreground"); foreground {
				return runForeground(cmd.Context(), cfg)
			}
			return startBackground(cmd, cfg)
		},
	}
	addStartFlags(cmd)
	cmd.Flags().Bool("foreground", false, "run in this process instead of in the background")
	return cmd
}

func runForeground(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sup := newSupervisor(cfg)
	if err := sup.Claim(); err != nil {
		return err
	}
	defer sup.Release()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func startBackground(cmd *cobra.Command, cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{
		"server", "start", "--foreground",
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--data-dir", cfg.DataDir,
	}
	if cfg.Headless {
		args = append(args, "--headless")
	}
	if cfg.Mode == config.ModeMock {
		args = append(args, "--mock")
	}

	sup := newSupervisor(cfg)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Starting browser server...")
	pid, err := sup.Start(exe, args...)
	if errors.Is(err, supervisor.ErrAlreadyRunning) {
		fmt.Fprintf(out, "Server is already running (PID %s)\n", pidOf(sup))
		return nil
	}
	if err != nil {
		return err
	}

	deadline := time.Now().Add(readyWait)
	for !sup.Status(cfg.Addr()).Listening {
		if time.Now().After(deadline) {
			fmt.Fprintf(out, "⚠️  Server started (PID %d) but is not listening on %s yet\n", pid, cfg.Addr())
			fmt.Fprintf(out, "Logs: %s\n", sup.LogPath())
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintf(out, "✅ Server started in background (PID %d) on http://%s\n", pid, cfg.Addr())
	fmt.Fprintf(out, "Logs: %s\n", sup.LogPath())
	return nil
}

func pidOf(sup *supervisor.Supervisor) string {
	pid, err := sup.ReadPID()
	if err != nil {
		return "unknown"
	}
	return strconv.Itoa(pid)
}

func newServerStopCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the browser server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			return stopServer(cmd, newSupervisor(cfg))
		},
	}
}

func stopServer(cmd *cobra.Command, sup *supervisor.Supervisor) error {
	out := cmd.OutOrStdout()
	pid, err := sup.Stop(cmd.Context())
	switch {
	case errors.Is(err, supervisor.ErrNotRunning) && pid != 0:
		fmt.Fprintf(out, "Server was not running (removed stale PID %d)\n", pid)
		return nil
	case errors.Is(err, supervisor.ErrNotRunning):
		fmt.Fprintln(out, "Server is not running.")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(out, "✅ Server stopped (PID %d)\n", pid)
	return nil
}

func newServerStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the browser server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			r := newSupervisor(cfg).Status(cfg.Addr())
			out := cmd.OutOrStdout()

			switch r.State {
			case supervisor.StateRunning:
				fmt.Fprintf(out, "✅ Server is running (PID %d)\n", r.PID)
			case supervisor.StateStale:
				fmt.Fprintf(out, "❌ Server is not running (Stale PID %d)\n", r.PID)
			default:
				fmt.Fprintln(out, "❌ Server is not running")
			}
			if r.Listening {
				fmt.Fprintf(out, "Listening on %s\n", r.Addr)
			} else {
				fmt.Fprintf(out, "Nothing listening on %s\n", r.Addr)
			}
			if len(r.LogTail) > 0 {
				fmt.Fprintln(out, "\nLast 5 log lines:")
				for _, line := range r.LogTail {
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
}

func newServerRestartCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the browser server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := startConfig(o, cmd)
			if err != nil {
				return err
			}
			if err := stopServer(cmd, newSupervisor(cfg)); err != nil {
				return err
			}
			return startBackground(cmd, cfg)
		},
	}
	addStartFlags(cmd)
	return cmd
}

func newServerLogsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the server log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			sup := newSupervisor(cfg)
			lines, _ := cmd.Flags().GetInt("lines")
			out := cmd.OutOrStdout()

			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				err := sup.Follow(ctx, out, lines)
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintln(out, "No log file found.")
					return nil
				}
				return err
			}

			tail, err := sup.Tail(lines)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(out, "No log file found.")
				return nil
			}
			if err != nil {
				return err
			}
			for _, line := range tail {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "keep printing new lines")
	cmd.Flags().IntP("lines", "n", 100, "how many trailing lines to show")
	return cmd
}
