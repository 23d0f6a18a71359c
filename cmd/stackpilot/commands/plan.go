package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the reconciliation plan without applying it",
		Long: `Compute the per-resource reconciliation plan: fetch the observed state of
every resource in the topology, diff it against the descriptor-derived
desired state, and print what an apply would do. Nothing is mutated.

Immutable-field mismatches surface as conflicts; 'stackpilot up' resolves
them with --on-conflict.`,
		Example: `  # Show the plan
  stackpilot plan

  # Persist the plan as JSON for review
  stackpilot plan --out plan.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan, _, err := computePlan(ctx, rt)
			if err != nil {
				return err
			}

			printPlan(plan)

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("encode plan: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("write plan: %w", err)
				}
				log.Info().Str("out", outFile).Msg("Plan written")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")

	return cmd
}

// computePlan derives the desired topology from the descriptor, snapshots the
// provider, and plans. Shared by plan and up.
func computePlan(ctx context.Context, rt *runtime) (*engine.Plan, *engine.Graph, error) {
	ctx, span := rt.tracer.StartPhase(ctx, "plan", rt.project.Name)

	run := rt.project.RunContext()
	states, err := engine.BuildDesired(run, rt.project.Intent())
	if err != nil {
		telemetry.EndPhase(span, err)
		return nil, nil, err
	}
	graph, err := engine.BuildGraph(states)
	if err != nil {
		telemetry.EndPhase(span, err)
		return nil, nil, err
	}

	inventory := engine.NewInventory(rt.registry, rt.logger)
	planner := engine.NewPlanner(inventory, rt.logger)
	plan, err := planner.Plan(ctx, run, states, graph)
	telemetry.EndPhase(span, err)
	if err != nil {
		return nil, nil, err
	}
	return plan, graph, nil
}

func printPlan(plan *engine.Plan) {
	for _, a := range plan.Actions {
		switch a.Op {
		case engine.OpCreate:
			fmt.Printf("  + create   %s\n", a.Key)
		case engine.OpKeep:
			fmt.Printf("  = keep     %s\n", a.Key)
		case engine.OpUpdate:
			fmt.Printf("  ~ update   %s\n", a.Key)
			for _, c := range a.Diff {
				fmt.Printf("               %s: %q -> %q\n", c.Field, c.Observed, c.Desired)
			}
		case engine.OpReplace:
			fmt.Printf("  ± replace  %s\n", a.Key)
		case engine.OpConflict:
			fmt.Printf("  ! conflict %s: %s\n", a.Key, a.Reason)
		}
	}

	s := plan.Summary
	fmt.Printf("\nPlan: %d to create, %d to update, %d to replace, %d unchanged",
		s.ToCreate, s.ToUpdate, s.ToReplace, s.ToKeep)
	if s.Conflicts > 0 {
		fmt.Printf(", %d conflicts", s.Conflicts)
	}
	fmt.Println()

	for _, req := range plan.Conflicts() {
		fmt.Printf("\nConflict on %s/%s: %s\n  observed: %s\n  desired:  %s\n",
			req.Kind, req.Name, req.Reason, req.ObservedSummary, req.DesiredSummary)
	}
}
