// Package cmd provides CLI commands for the fm tool.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sagehill/foreman/internal/daemon"
)

// Version is the foreman release version, overridden at build time.
var Version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:     "fm",
	Short:   "Foreman - long-running task daemon",
	Version: Version,
	Long: `Foreman (fm) schedules and supervises long-lived agent tasks.

A background daemon dispatches queued tasks to an execution backend,
watches session budgets, recovers work orphaned by crashes, and restarts
itself when it dies unexpectedly.`,
}

// Command group IDs - used by subcommands to organize help output
const (
	GroupWork     = "work"
	GroupServices = "services"
	GroupDiag     = "diag"
)

func init() {
	cobra.EnablePrefixMatching = true

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupWork, Title: "Work Management:"},
		&cobra.Group{ID: GroupServices, Title: "Services:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// foremanRoot resolves the runtime root for every command.
func foremanRoot() string {
	return daemon.DefaultRoot()
}

// buildCommandPath walks the command hierarchy to build the full command
// path, e.g. "fm daemon start".
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand returns an error for parent commands invoked without a
// subcommand. Without this, cobra silently shows help and exits 0 for
// unknown subcommands, masking errors.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], buildCommandPath(cmd), buildCommandPath(cmd))
}
