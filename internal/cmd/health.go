package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagehill/foreman/internal/daemon"
	"github.com/sagehill/foreman/internal/ui"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	GroupID: GroupDiag,
	Short:   "Show the daemon's health report",
	Long: `Show the daemon's health report.

The report is the snapshot the daemon writes on each heartbeat; it is
best-effort and never fails on missing or partial data.`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	root := foremanRoot()
	running, pid, err := daemon.IsRunning(root)
	if err != nil {
		return err
	}

	rec, _ := daemon.LoadRecord(root)

	if !running {
		fmt.Printf("%s Daemon not running\n", ui.RenderMuted("○"))
		if rec != nil && rec.State == daemon.StateFailed {
			fmt.Printf("  %s Watchdog gave up: %s\n", ui.RenderFailIcon(), rec.LastError)
		}
		if rec == nil || rec.Health == nil || len(rec.Health.RecentRestarts) == 0 {
			return nil
		}
		fmt.Println()
	} else {
		fmt.Printf("%s Daemon running (PID %d)\n", ui.RenderPassIcon(), pid)
	}

	if rec == nil || rec.Health == nil {
		fmt.Println(ui.RenderMuted("  no health data recorded yet"))
		return nil
	}

	h := rec.Health
	if running {
		fmt.Printf("  Checks:     %d run, %d passed, %d failed (%.0f%%)\n",
			h.ChecksRun, h.ChecksPassed, h.ChecksFailed, h.PassRate*100)
		fmt.Printf("  Memory:     %.1f MiB\n", float64(h.MemoryBytes)/(1024*1024))
		if !rec.LastHeartbeat.IsZero() {
			fmt.Printf("  Heartbeat:  #%d (%s)\n", rec.HeartbeatCount, ui.RelativeTime(rec.LastHeartbeat))
		}
	}

	if len(h.RecentRestarts) == 0 {
		fmt.Printf("  Restarts:   %s\n", ui.RenderMuted("none"))
		return nil
	}

	fmt.Printf("  Restarts:   %d recorded (most recent first)\n", len(h.RecentRestarts))
	for _, ev := range h.RecentRestarts {
		line := fmt.Sprintf("    %s  %s", ev.Timestamp.Format(time.RFC3339), ev.Reason)
		if ev.ExitCode != nil {
			line += fmt.Sprintf(" (exit %d)", *ev.ExitCode)
		}
		fmt.Println(line)
	}
	return nil
}
