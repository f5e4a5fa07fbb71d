package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagehill/foreman/internal/backend"
	"github.com/sagehill/foreman/internal/config"
	"github.com/sagehill/foreman/internal/daemon"
	"github.com/sagehill/foreman/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupServices,
	Short:   "Manage the foreman daemon",
	RunE:    requireSubcommand,
	Long: `Manage the foreman background daemon.

The daemon claims a PID file, recovers tasks orphaned by a previous
instance, then runs the scheduler and health loops until stopped. A
separate supervisor process restarts it after crashes, up to the
configured restart budget.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Start the foreman daemon (and its supervisor) in the background.`,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long: `Stop the running daemon.

A stop marker is written first so the watchdog treats the exit as
deliberate instead of restarting the daemon.`,
	RunE: runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Long:  `Stop and start the daemon. Useful after upgrading fm.`,
	RunE:  runDaemonRestart,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	RunE:  runDaemonLogs,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run daemon in foreground (internal)",
	Hidden: true,
	RunE:   runDaemonRun,
}

var daemonSuperviseCmd = &cobra.Command{
	Use:    "supervise",
	Short:  "Run the daemon watchdog in foreground (internal)",
	Hidden: true,
	RunE:   runDaemonSupervise,
}

var (
	daemonLogLines    int
	daemonLogFollow   bool
	daemonStopForce   bool
	daemonStopTimeout time.Duration
)

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonSuperviseCmd)

	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 50, "Number of lines to show")
	daemonLogsCmd.Flags().BoolVarP(&daemonLogFollow, "follow", "f", false, "Follow log output")

	for _, c := range []*cobra.Command{daemonStopCmd, daemonRestartCmd} {
		c.Flags().BoolVar(&daemonStopForce, "force", false, "SIGKILL if graceful shutdown times out")
		c.Flags().DurationVar(&daemonStopTimeout, "timeout", 10*time.Second, "Graceful shutdown wait")
	}

	rootCmd.AddCommand(daemonCmd)
}

func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newManager() (*daemon.Manager, error) {
	root := foremanRoot()
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	return daemon.NewManager(root, cfg, nil), nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}

	if err := m.Start(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Printf("%s %v\n", ui.RenderWarnIcon(), err)
			return nil
		}
		return err
	}

	_, pid, _ := daemon.IsRunning(foremanRoot())
	fmt.Printf("%s Daemon started (PID %d, v%s)\n", ui.RenderPassIcon(), pid, Version)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}

	_, pid, _ := daemon.IsRunning(foremanRoot())
	if err := m.Stop(daemon.StopOptions{Force: daemonStopForce, Timeout: daemonStopTimeout}); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Printf("%s Daemon not running\n", ui.RenderMuted("○"))
			return nil
		}
		return err
	}

	fmt.Printf("%s Daemon stopped (was PID %d)\n", ui.RenderPassIcon(), pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}

	info, err := m.Status()
	if err != nil {
		return err
	}

	root := foremanRoot()
	p := daemon.Paths{Root: root}

	if !info.Running {
		fmt.Printf("%s Daemon not running\n", ui.RenderMuted("○"))
		fmt.Println()
		fmt.Printf("  Root:       %s\n", ui.ShortenPath(root))
		if info.Record != nil && info.Record.State == daemon.StateFailed {
			fmt.Printf("  %s Watchdog gave up: %s\n", ui.RenderFailIcon(), info.Record.LastError)
		}
		fmt.Println()
		fmt.Printf("  Start with: %s\n", ui.RenderMuted("fm daemon start"))
		return nil
	}

	fmt.Printf("%s Daemon running (PID %d, v%s)\n", ui.RenderPassIcon(), info.PID, Version)
	fmt.Println()
	fmt.Printf("  Root:       %s\n", ui.ShortenPath(root))
	fmt.Printf("  Uptime:     %s\n", info.Uptime.Round(time.Second))

	if rec := info.Record; rec != nil {
		if !rec.LastHeartbeat.IsZero() {
			fmt.Printf("  Heartbeat:  #%d (%s)\n", rec.HeartbeatCount, ui.RelativeTime(rec.LastHeartbeat))
		}
		if rec.Health != nil {
			fmt.Printf("  Health:     %d/%d checks passed\n", rec.Health.ChecksPassed, rec.Health.ChecksRun)
		}
	}
	fmt.Printf("  Log:        %s\n", ui.ShortenPath(p.LogFile()))

	if info.StaleBinary {
		fmt.Println()
		fmt.Printf("  %s Binary updated since daemon start\n", ui.RenderWarnIcon())
		fmt.Printf("    Run: %s\n", ui.RenderMuted("fm daemon restart"))
	}
	return nil
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}

	_, oldPID, _ := daemon.IsRunning(foremanRoot())
	if err := m.Restart(daemon.StopOptions{Force: daemonStopForce, Timeout: daemonStopTimeout}); err != nil {
		return err
	}

	_, newPID, _ := daemon.IsRunning(foremanRoot())
	if oldPID > 0 {
		fmt.Printf("%s Daemon restarted (PID %d → %d, v%s)\n", ui.RenderPassIcon(), oldPID, newPID, Version)
	} else {
		fmt.Printf("%s Daemon started (PID %d, v%s)\n", ui.RenderPassIcon(), newPID, Version)
	}
	return nil
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	logFile := daemon.Paths{Root: foremanRoot()}.LogFile()

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		return fmt.Errorf("no log file found at %s", logFile)
	}

	var tailCmd *exec.Cmd
	if daemonLogFollow {
		tailCmd = exec.Command("tail", "-f", logFile)
	} else {
		tailCmd = exec.Command("tail", "-n", fmt.Sprintf("%d", daemonLogLines), logFile)
	}
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr
	return tailCmd.Run()
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	root := foremanRoot()
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	d, err := daemon.New(root, cfg, newBackend())
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	defer d.Close()

	return d.Run(context.Background())
}

func runDaemonSupervise(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	return m.Supervise(context.Background())
}

// newBackend returns the execution backend the daemon dispatches to.
// TODO(exec): replace with the agent-session backend once its process
// runner lands; the in-memory backend only completes tasks.
func newBackend() backend.Backend {
	return backend.NewDouble()
}
