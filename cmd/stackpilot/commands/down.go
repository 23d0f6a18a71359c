package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func newDownCommand() *cobra.Command {
	var (
		yes              bool
		deleteBucket     bool
		deleteDescriptor bool
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Tear down every resource carrying the project prefix",
		Long: `Scan the provider for everything named with the project's deterministic
prefix, independent of the descriptor, and delete it in reverse dependency
order. Scaling groups are drained before deletion and asynchronous
deletions are awaited with a bounded timeout.

The artifact bucket is retained unless --delete-bucket is passed; its
contents may be the only copy of released builds. The local descriptor is
a separate opt-in via --delete-descriptor.`,
		Example: `  # Show what would be deleted
  stackpilot down

  # Delete everything except the artifact bucket
  stackpilot down --yes

  # Delete everything including artifacts and the local descriptor
  stackpilot down --yes --delete-bucket --delete-descriptor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			run := rt.project.RunContext()
			inventory := engine.NewInventory(rt.registry, rt.logger)
			teardown := engine.NewTeardown(rt.registry, inventory, rt.recorder, rt.logger)

			scanCtx, span := rt.tracer.StartPhase(ctx, "scan", rt.project.Name)
			plan, err := teardown.Scan(scanCtx, run)
			telemetry.EndPhase(span, err)
			if err != nil {
				return err
			}

			if len(plan.Items) == 0 {
				log.Info().Str("prefix", plan.Prefix).Msg("Nothing to tear down")
				return nil
			}

			fmt.Printf("Resources matching prefix %q, in deletion order:\n", plan.Prefix)
			for _, item := range plan.Items {
				fmt.Printf("  - %s\n", item.Key)
			}

			if !yes {
				return fmt.Errorf("teardown would delete %d resources; rerun with --yes to confirm", len(plan.Items))
			}
			if err := plan.Confirm(); err != nil {
				return err
			}

			runID := uuid.New().String()
			if err := rt.store.CreateRun(ctx, &stores.Run{
				ID:      runID,
				Project: rt.project.Name,
				Mode:    stores.RunModeTeardown,
				Status:  stores.RunStatusRunning,
			}); err != nil {
				rt.logger.WithError(err).Warn("run history unavailable")
			}

			deleteCtx, span := rt.tracer.StartPhase(ctx, "teardown", rt.project.Name)
			results, err := teardown.Execute(deleteCtx, runID, plan, engine.TeardownOptions{
				DeleteBucket: deleteBucket,
			})
			telemetry.EndPhase(span, err)

			finishRun(ctx, rt, runID, results, err)
			if err != nil {
				return err
			}

			if !engine.Failed(results) {
				if err := rt.handlers.Parameters.Purge(ctx, rt.project.Name); err != nil {
					rt.logger.WithError(err).Warn("parameter purge failed")
				}
			}

			if deleteDescriptor {
				path, err := config.FindDescriptor(projectDir)
				if err != nil {
					return err
				}
				if path != "" {
					if err := config.Remove(path); err != nil {
						return err
					}
					log.Info().Str("path", path).Msg("Descriptor removed")
				}
			}

			log.Info().Str("run_id", runID).Msg("Teardown complete")
			return exitErr(results)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion of the scanned resources")
	cmd.Flags().BoolVar(&deleteBucket, "delete-bucket", false, "also delete the artifact bucket and its contents")
	cmd.Flags().BoolVar(&deleteDescriptor, "delete-descriptor", false, "also remove the local descriptor file")

	return cmd
}
