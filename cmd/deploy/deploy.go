// Package deploy provides the deploy command.
package deploy

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/output"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/deploy"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/fleet"
)

func NewCmdDeploy() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build an image and roll it out to a server or group",
		Long: `Build the image locally, smoke test it, stream it to every target over SSH
and swap it in. A failing target is rolled back; the command exits non-zero
unless every target committed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runDeploy(cmd); err != nil {
				return utils.HandleCommandError(cmd, "deploying", err)
			}
			return nil
		},
	}

	cmd.Flags().StringP("target", "t", "", "Server or group to deploy to")
	cmd.Flags().StringP("app", "a", "", "Service name (defaults to the image name)")
	cmd.Flags().StringP("image", "i", "", "Image reference to build or deploy")
	cmd.Flags().String("context", ".", "Build context directory")
	cmd.Flags().StringP("file", "f", "", "Dockerfile path relative to the context")
	cmd.Flags().String("ports", "", "Host ports: one for rename-swap, two for blue/green")
	cmd.Flags().Int("container-port", domain.DefaultContainerPort, "Port the service listens on inside the container")
	cmd.Flags().Bool("parallel", false, "Deploy to all targets of a group at once")
	cmd.Flags().Int("max-concurrency", 0, "Limit concurrent targets in parallel mode")
	cmd.Flags().Bool("dry-run", false, "Print the commands that would run without changing any target")
	cmd.Flags().StringP("env", "e", "", "Environment file to load (defaults to the target's)")
	cmd.Flags().Bool("skip-build", false, "Deploy an existing local image")
	cmd.Flags().Bool("no-cache", false, "Build without the layer cache")
	cmd.Flags().Bool("skip-smoke-test", false, "Do not run the image locally before pushing")
	cmd.Flags().String("health-path", domain.DefaultHealthPath, "HTTP path probed on the candidate")
	cmd.Flags().Duration("health-timeout", 0, "Give up on an unverified candidate after this long")
	cmd.Flags().Bool("no-health-check", false, "Only verify that the candidate keeps running")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func runDeploy(cmd *cobra.Command) error {
	flags := cmd.Flags()
	targetName, _ := flags.GetString("target")
	ports, _ := flags.GetString("ports")
	hostPorts, err := utils.ParsePorts(ports)
	if err != nil {
		return err
	}

	group, targets, err := app.GetInventory().Resolve(targetName)
	if err != nil {
		return err
	}
	if limit, _ := flags.GetInt("max-concurrency"); limit > 0 {
		group.MaxConcurrency = limit
	}

	opts := deploy.Options{
		Trigger:     domain.TriggerCLI,
		Mode:        fleet.Sequential,
		BuildOutput: cmd.ErrOrStderr(),
	}
	opts.App, _ = flags.GetString("app")
	opts.Image, _ = flags.GetString("image")
	opts.ContextDir, _ = flags.GetString("context")
	opts.Dockerfile, _ = flags.GetString("file")
	opts.Env, _ = flags.GetString("env")
	opts.DryRun, _ = flags.GetBool("dry-run")
	opts.SkipBuild, _ = flags.GetBool("skip-build")
	opts.NoCache, _ = flags.GetBool("no-cache")
	opts.SkipSmokeTest, _ = flags.GetBool("skip-smoke-test")
	if parallel, _ := flags.GetBool("parallel"); parallel {
		opts.Mode = fleet.Parallel
	}
	containerPort, _ := flags.GetInt("container-port")
	opts.Ports = domain.PortPlan{HostPorts: hostPorts, ContainerPort: containerPort}
	opts.Health = healthOverride(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := output.FprintPlain(cmd, "Deploying %s to %s (%d target(s), %s)", opts.Image, group.Name, len(targets), opts.Mode); err != nil {
		return err
	}
	outcomes, err := app.GetPipeline().Deploy(ctx, group, targets, opts)
	if err != nil {
		return err
	}

	if opts.DryRun {
		if _, err := fmt.Fprint(cmd.OutOrStdout(), output.PrintPlan(outcomes)); err != nil {
			return err
		}
	}
	table, err := output.PrintOutcomes(outcomes)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(cmd.OutOrStdout(), table); err != nil {
		return err
	}
	return outcomeError(outcomes)
}

// healthOverride merges probe flags over the configured defaults.
func healthOverride(cmd *cobra.Command) *domain.HealthConfig {
	h := app.GetConfig().HealthDefaults()
	h.Path, _ = cmd.Flags().GetString("health-path")
	if timeout, _ := cmd.Flags().GetDuration("health-timeout"); timeout > 0 {
		h.Timeout = timeout
	}
	h.Disabled, _ = cmd.Flags().GetBool("no-health-check")
	return &h
}

// outcomeError fails the command unless every target committed.
func outcomeError(outcomes []domain.Outcome) error {
	fatal, failed := 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case domain.StatusCommitted:
		case domain.StatusFatal:
			fatal++
		default:
			failed++
		}
	}
	switch {
	case fatal > 0:
		return &utils.ExitError{Code: 2, Err: fmt.Errorf("%d target(s) need manual intervention", fatal)}
	case failed > 0:
		return fmt.Errorf("%d of %d target(s) rolled back", failed, len(outcomes))
	}
	return nil
}
