package commands

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		name         string
		region       string
		platform     string
		environments []string
		branches     []string
		instanceType string
		imageID      string
		vpcID        string
		subnets      []string
		capMin       int
		capDesired   int
		capMax       int
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a project descriptor",
		Long: `Write the project descriptor (` + config.DescriptorName + `) into the project
directory. The descriptor is the single declarative input every other
command derives the topology from; it holds names, the compute platform,
and capacity, never secrets or provider-issued identifiers, so it is safe
to commit.`,
		Example: `  stackpilot init --name shop --region eu-west-1 \
    --environment production --environment staging \
    --branch main --branch develop \
    --instance-type t3.small --image-id ami-0abcdef1234567890 \
    --vpc vpc-0123 --subnet subnet-a --subnet subnet-b \
    --min 1 --desired 2 --max 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(projectDir)
			if err != nil {
				return err
			}

			if existing, err := config.FindDescriptor(dir); err != nil {
				return err
			} else if existing != "" && !force {
				return fmt.Errorf("descriptor already exists at %s (use --force to overwrite)", existing)
			}

			project := &config.Project{
				Name:         name,
				Region:       region,
				Platform:     platform,
				Environments: environments,
				Branches:     branches,
				InstanceType: instanceType,
				ImageID:      imageID,
				Capacity: config.Capacity{
					Min:     capMin,
					Desired: capDesired,
					Max:     capMax,
				},
				Network: config.Network{
					VPCID:     vpcID,
					SubnetIDs: subnets,
				},
			}
			if err := config.Save(dir, project); err != nil {
				return err
			}

			log.Info().
				Str("project", name).
				Str("path", filepath.Join(dir, config.DescriptorName)).
				Msg("Descriptor written")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "project name (seeds every resource name)")
	cmd.Flags().StringVar(&region, "region", "", "provider region")
	cmd.Flags().StringVar(&platform, "platform", "Server", "deployment compute platform (Server, Lambda, ECS)")
	cmd.Flags().StringArrayVar(&environments, "environment", []string{"production", "staging"}, "deployment environments")
	cmd.Flags().StringArrayVar(&branches, "branch", []string{"main"}, "branches that get a build project and pipeline")
	cmd.Flags().StringVar(&instanceType, "instance-type", "", "compute instance type")
	cmd.Flags().StringVar(&imageID, "image-id", "", "machine image identifier")
	cmd.Flags().StringVar(&vpcID, "vpc", "", "VPC identifier")
	cmd.Flags().StringArrayVar(&subnets, "subnet", nil, "subnet identifiers")
	cmd.Flags().IntVar(&capMin, "min", 1, "minimum scaling group size")
	cmd.Flags().IntVar(&capDesired, "desired", 1, "desired scaling group capacity (production)")
	cmd.Flags().IntVar(&capMax, "max", 2, "maximum scaling group size")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing descriptor")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("region")
	cmd.MarkFlagRequired("instance-type")
	cmd.MarkFlagRequired("image-id")
	cmd.MarkFlagRequired("vpc")
	cmd.MarkFlagRequired("subnet")

	return cmd
}
