package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/config"
)

func newRunsCommand() *cobra.Command {
	var (
		limit    int
		eventsOf string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show run history",
		Long: `List past provisioning and teardown runs from the project-local history
database, or the per-resource events of one run. History is audit-only;
the engine never reads it back to make decisions.`,
		Example: `  # Last ten runs
  stackpilot runs

  # Per-resource outcomes of one run
  stackpilot runs --events 6b3f0a52-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			project, err := config.Load(projectDir)
			if err != nil {
				return err
			}
			if project == nil {
				return fmt.Errorf("no %s found in or above %s", config.DescriptorName, projectDir)
			}

			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if eventsOf != "" {
				events, err := store.ListEvents(ctx, eventsOf)
				if err != nil {
					return err
				}
				for _, e := range events {
					line := fmt.Sprintf("%s  %-10s %s/%s", e.CreatedAt.Format(time.RFC3339), e.Outcome, e.Kind, e.Name)
					if e.Error != "" {
						line += "  " + e.Error
					}
					fmt.Println(line)
				}
				return nil
			}

			runs, err := store.ListRuns(ctx, project.Name, limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				completed := "-"
				if r.CompletedAt != nil {
					completed = r.CompletedAt.Format(time.RFC3339)
				}
				line := fmt.Sprintf("%s  %-8s %-9s started=%s completed=%s",
					r.ID, r.Mode, r.Status, r.StartedAt.Format(time.RFC3339), completed)
				if r.Error != "" {
					line += "  " + r.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of runs to list")
	cmd.Flags().StringVar(&eventsOf, "events", "", "list the events of this run id instead")

	return cmd
}
