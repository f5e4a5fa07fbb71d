package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sagehill/foreman/internal/daemon"
	"github.com/sagehill/foreman/internal/store"
	"github.com/sagehill/foreman/internal/task"
	"github.com/sagehill/foreman/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: GroupWork,
	Short:   "Manage tasks",
	RunE:    requireSubcommand,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Enqueue a task",
	Long: `Enqueue a task for the daemon to dispatch.

Dependencies must name existing tasks; a dependency set that would form
a cycle is rejected.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued, running, or paused task",
	Long: `Cancel a task.

A queued task is simply never dispatched. For a running task the daemon
notices the cancellation on its next tick and tears the workspace down.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskCancel,
}

var (
	taskAddPriority string
	taskAddDepends  []string
	taskListStatus  string
	taskListAll     bool
)

func init() {
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)

	taskAddCmd.Flags().StringVarP(&taskAddPriority, "priority", "p", "normal", "Priority tier (low, normal, high, urgent) or numeric level")
	taskAddCmd.Flags().StringSliceVar(&taskAddDepends, "depends-on", nil, "Task IDs that must complete first")

	taskListCmd.Flags().StringVarP(&taskListStatus, "status", "s", "", "Filter by status")
	taskListCmd.Flags().BoolVarP(&taskListAll, "all", "a", false, "Include completed and cancelled tasks")

	rootCmd.AddCommand(taskCmd)
}

func openStore() (*store.Store, error) {
	return store.Open(daemon.Paths{Root: foremanRoot()}.DBFile())
}

// parsePriority accepts tier names and raw numeric levels.
func parsePriority(s string) (task.Priority, error) {
	if p, err := task.ParsePriority(s); err == nil {
		return p, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return task.Priority(n), nil
	}
	return 0, fmt.Errorf("unknown priority %q (use low, normal, high, urgent, or a number)", s)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	priority, err := parsePriority(taskAddPriority)
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	t := task.New(strings.Join(args, " "), priority, taskAddDepends)
	if err := s.Create(context.Background(), t); err != nil {
		return fmt.Errorf("enqueueing task: %w", err)
	}

	fmt.Printf("%s Task %s queued (%s, priority %s)\n", ui.RenderPassIcon(), ui.ShortID(t.ID), t.Title, t.Priority)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	var tasks []*task.Task
	if taskListStatus != "" {
		status := task.Status(taskListStatus)
		if !status.IsValid() {
			return fmt.Errorf("unknown status %q", taskListStatus)
		}
		tasks, err = s.ListByStatus(ctx, status)
	} else {
		tasks, err = s.ListAll(ctx)
	}
	if err != nil {
		return err
	}

	blocked, err := s.ListBlocked(ctx)
	if err != nil {
		return err
	}
	blockedIDs := make(map[string]bool, len(blocked))
	for _, t := range blocked {
		blockedIDs[t.ID] = true
	}

	shown := 0
	fmt.Printf("%-10s %-10s %-8s %-6s %-12s %s\n", "ID", "STATUS", "PRIO", "RETRY", "AGE", "TITLE")
	for _, t := range tasks {
		if !taskListAll && taskListStatus == "" && t.Status.Terminal() {
			continue
		}
		status := string(t.Status)
		if blockedIDs[t.ID] {
			status = "blocked"
		}
		fmt.Printf("%-10s %-10s %-8s %-6d %-12s %s\n",
			ui.ShortID(t.ID), status, t.Priority, t.RetryCount,
			ui.RelativeTime(t.CreatedAt), t.Title)
		shown++
	}
	if shown == 0 {
		fmt.Println(ui.RenderMuted("no tasks"))
	}
	return nil
}

// resolveTask finds a task by full ID or unambiguous short prefix.
func resolveTask(ctx context.Context, s *store.Store, ref string) (*task.Task, error) {
	if t, err := s.Get(ctx, ref); err == nil {
		return t, nil
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var match *task.Task
	for _, t := range all {
		if strings.HasPrefix(t.ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("task ID prefix %q is ambiguous", ref)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no task matches %q", ref)
	}
	return match, nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	t, err := resolveTask(ctx, s, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task %s\n", t.ID)
	fmt.Printf("  Title:      %s\n", t.Title)
	fmt.Printf("  Status:     %s\n", t.Status)
	fmt.Printf("  Priority:   %s\n", t.Priority)
	fmt.Printf("  Retries:    %d\n", t.RetryCount)
	if len(t.DependsOn) > 0 {
		fmt.Printf("  Depends on: %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.Stage != "" {
		fmt.Printf("  Stage:      %s\n", t.Stage)
	}
	if t.WorkspaceRef != "" {
		fmt.Printf("  Workspace:  %s\n", t.WorkspaceRef)
	}
	if t.FailReason != "" {
		fmt.Printf("  Failure:    %s\n", t.FailReason)
	}
	fmt.Printf("  Created:    %s (%s)\n", t.CreatedAt.Format("2006-01-02 15:04:05"), ui.RelativeTime(t.CreatedAt))
	if t.StartedAt != nil {
		fmt.Printf("  Started:    %s\n", ui.RelativeTime(*t.StartedAt))
	}
	if t.LastHeartbeatAt != nil {
		fmt.Printf("  Heartbeat:  %s\n", ui.RelativeTime(*t.LastHeartbeatAt))
	}
	if t.CompletedAt != nil {
		fmt.Printf("  Finished:   %s\n", ui.RelativeTime(*t.CompletedAt))
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	t, err := resolveTask(ctx, s, args[0])
	if err != nil {
		return err
	}

	prior, err := s.Cancel(ctx, t.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s Task %s cancelled (was %s)\n", ui.RenderPassIcon(), ui.ShortID(t.ID), prior)
	if prior == task.StatusRunning {
		fmt.Printf("  %s\n", ui.RenderMuted("the daemon will tear down its workspace on the next tick"))
	}
	return nil
}
