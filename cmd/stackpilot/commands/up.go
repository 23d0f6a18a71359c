package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func newUpCommand() *cobra.Command {
	var (
		onConflict     string
		confirmCascade bool
		skipEnvPush    bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision or reconcile the full topology",
		Long: `Plan and apply in one run: compute the reconciliation plan, resolve any
immutable-field conflicts according to --on-conflict, and execute the plan
in dependency order. Missing resources are created, matching ones kept,
drifted mutable attributes updated in place.

A failure on one resource skips its dependents but independent branches
continue. Every create is idempotent; re-running after a partial failure
converges without duplicating anything.`,
		Example: `  # Reconcile, failing if any conflict is found
  stackpilot up

  # Adopt whatever exists on immutable mismatches
  stackpilot up --on-conflict keep

  # Recreate conflicting resources, accepting dependent orphaning
  stackpilot up --on-conflict recreate --confirm-cascade`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan, graph, err := computePlan(ctx, rt)
			if err != nil {
				return err
			}
			printPlan(plan)

			plan, err = resolveConflicts(rt, plan, graph, onConflict, confirmCascade)
			if err != nil {
				return err
			}

			runID := uuid.New().String()
			if err := rt.store.CreateRun(ctx, &stores.Run{
				ID:      runID,
				Project: rt.project.Name,
				Mode:    stores.RunModeApply,
				Status:  stores.RunStatusRunning,
			}); err != nil {
				rt.logger.WithError(err).Warn("run history unavailable")
			}

			applyCtx, span := rt.tracer.StartPhase(ctx, "apply", rt.project.Name)
			provisioner := engine.NewProvisioner(rt.registry, rt.recorder, rt.logger)
			results, err := provisioner.Apply(applyCtx, runID, plan, graph)
			telemetry.EndPhase(span, err)

			finishRun(ctx, rt, runID, results, err)
			if err != nil {
				return err
			}

			if !engine.Failed(results) && !skipEnvPush {
				if err := pushEnvironments(ctx, rt); err != nil {
					return err
				}
			}

			// Bind names regardless of partial failure: whatever was
			// provisioned stays provisioned and future runs adopt it.
			rt.project.BindResults(plan, results)
			dir, err := descriptorDir()
			if err != nil {
				return err
			}
			if err := config.Save(dir, rt.project); err != nil {
				return err
			}

			log.Info().Str("run_id", runID).Msg("Run complete")
			return exitErr(results)
		},
	}

	cmd.Flags().StringVar(&onConflict, "on-conflict", "", "conflict resolution: keep (adopt existing) or recreate (delete and recreate)")
	cmd.Flags().BoolVar(&confirmCascade, "confirm-cascade", false, "acknowledge that recreating a resource orphans its live dependents")
	cmd.Flags().BoolVar(&skipEnvPush, "skip-env-push", false, "do not push resolved environment variables to the parameter store")

	return cmd
}

// resolveConflicts maps the --on-conflict flag onto per-resource resolutions.
// Without the flag, any conflict aborts before anything is mutated.
func resolveConflicts(rt *runtime, plan *engine.Plan, graph *engine.Graph, onConflict string, confirmCascade bool) (*engine.Plan, error) {
	conflicts := plan.Conflicts()
	if len(conflicts) == 0 {
		return plan, nil
	}

	var resolution engine.Resolution
	switch onConflict {
	case "":
		return nil, fmt.Errorf("%d conflicts found; rerun with --on-conflict keep or --on-conflict recreate", len(conflicts))
	case "keep":
		resolution = engine.ResolutionKeepExisting
	case "recreate":
		resolution = engine.ResolutionDeleteAndRecreate
	default:
		return nil, fmt.Errorf("unknown --on-conflict value %q (want keep or recreate)", onConflict)
	}

	resolutions := make(map[engine.NodeKey]engine.Resolution, len(conflicts))
	for _, req := range conflicts {
		resolutions[engine.NodeKey{Kind: req.Kind, Name: req.Name}] = resolution
	}

	inventory := engine.NewInventory(rt.registry, rt.logger)
	planner := engine.NewPlanner(inventory, rt.logger)
	return planner.Resolve(plan, graph, resolutions, engine.ResolveOptions{ConfirmCascade: confirmCascade})
}

// pushEnvironments writes the resolved runtime and build-time variables of
// every environment into the parameter store.
func pushEnvironments(ctx context.Context, rt *runtime) error {
	intent := rt.project.Intent()
	for _, env := range rt.project.Environments {
		resolved := engine.ResolveEnv(intent.EnvDefaults, intent.EnvOverrides[env])
		if len(resolved) == 0 {
			continue
		}
		if err := rt.handlers.Parameters.Push(ctx, rt.project.Name, env, resolved, false); err != nil {
			return err
		}
		if err := rt.handlers.Parameters.Push(ctx, rt.project.Name, env, resolved, true); err != nil {
			return err
		}
		rt.logger.WithField("environment", env).Infof("pushed %d environment variables", len(resolved))
	}
	return nil
}

func finishRun(ctx context.Context, rt *runtime, runID string, results []engine.ProvisionResult, runErr error) {
	status := stores.RunStatusSucceeded
	msg := ""
	if runErr != nil {
		status = stores.RunStatusFailed
		msg = runErr.Error()
	} else if engine.Failed(results) {
		status = stores.RunStatusFailed
		msg = "one or more resources failed or were skipped"
	}
	if err := rt.store.FinishRun(ctx, runID, status, msg); err != nil {
		rt.logger.WithError(err).Warn("failed to finish run record")
	}
}
