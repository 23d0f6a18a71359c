package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	projectDir string
	logLevel   string
	logFormat  string
	traceRuns  bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackpilot",
		Short: "StackPilot - idempotent deployment topology provisioning",
		Long: `StackPilot provisions and reconciles a fixed cloud deployment topology
for one project: IAM service roles, an artifact bucket, a launch template,
load balancing, per-environment scaling and deployment groups, and
per-branch build projects and pipelines.

Every resource carries a deterministic name derived from the project, so
repeated runs converge: existing matching resources are kept, drifted
mutable attributes are updated in place, and immutable mismatches surface
as conflicts with explicit resolutions.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "project directory (descriptor is searched upward from here)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&traceRuns, "trace", false, "emit trace spans for run phases")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newDownCommand())
	rootCmd.AddCommand(newEnvCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
