package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newEnvCommand() *cobra.Command {
	var (
		environment string
		build       bool
		push        bool
	)

	cmd := &cobra.Command{
		Use:   "env",
		Short: "Show or push resolved environment variables",
		Long: `Resolve the descriptor's layered environment variables for one environment:
per-environment overrides win over defaults, and keys resolved to the empty
string are dropped. By default the resolved set is printed; --push writes it
into the path-namespaced parameter store where instances and builds read it.`,
		Example: `  # Show what production resolves to
  stackpilot env --environment production

  # Push staging variables to the parameter store
  stackpilot env --environment staging --push

  # Push the build-time variant
  stackpilot env --environment staging --push --build`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if !contains(rt.project.Environments, environment) {
				return fmt.Errorf("environment %q is not declared in the descriptor (have %v)",
					environment, rt.project.Environments)
			}

			intent := rt.project.Intent()
			resolved := engine.ResolveEnv(intent.EnvDefaults, intent.EnvOverrides[environment])

			keys := make([]string, 0, len(resolved))
			for k := range resolved {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s=%s\n", k, resolved[k])
			}

			if !push {
				return nil
			}
			if err := rt.handlers.Parameters.Push(ctx, rt.project.Name, environment, resolved, build); err != nil {
				return err
			}
			rt.logger.WithField("environment", environment).
				Infof("pushed %d environment variables", len(resolved))
			return nil
		},
	}

	cmd.Flags().StringVarP(&environment, "environment", "e", "", "environment to resolve")
	cmd.Flags().BoolVar(&build, "build", false, "target the build-time parameter path")
	cmd.Flags().BoolVar(&push, "push", false, "write the resolved set to the parameter store")
	cmd.MarkFlagRequired("environment")

	return cmd
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
