// Package rollback provides the rollback command.
package rollback

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/output"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/deploy"
	"github.com/oar-cd/hoist/domain"
)

func NewCmdRollback() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Put back the version that ran before the last deployment",
		Long: `Bring back the previous instance the server still keeps: the <app>_retiring
container, or the stopped blue/green color. When none is kept, look up the last
committed deployment of the app on the server and deploy the artifact it
replaced. Either way the old version is health checked before it takes traffic.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runRollback(cmd); err != nil {
				return utils.HandleCommandError(cmd, "rolling back", err)
			}
			return nil
		},
	}

	cmd.Flags().StringP("target", "t", "", "Server to roll back")
	cmd.Flags().StringP("app", "a", "", "Service name")
	cmd.Flags().StringP("env", "e", "", "Environment file to load (defaults to the target's)")
	cmd.Flags().Bool("dry-run", false, "Print the commands that would run without changing the target")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

func runRollback(cmd *cobra.Command) error {
	targetName, _ := cmd.Flags().GetString("target")
	appName, _ := cmd.Flags().GetString("app")
	opts := deploy.RollbackOptions{}
	opts.Env, _ = cmd.Flags().GetString("env")
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")

	target, err := utils.Target(targetName)
	if err != nil {
		return err
	}

	if err := output.FprintPlain(cmd, "Rolling back %s on %s", appName, target.Name); err != nil {
		return err
	}
	outcome, err := app.GetPipeline().Rollback(cmd.Context(), target, appName, opts)
	if err != nil {
		return err
	}

	outcomes := []domain.Outcome{outcome}
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
	if !outcome.Committed() {
		return outcome.Err
	}
	return nil
}
