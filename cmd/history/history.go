// Package history provides the history command.
package history

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/output"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/domain"
)

func NewCmdHistory() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runHistory(cmd); err != nil {
				return utils.HandleCommandError(cmd, "listing history", err)
			}
			return nil
		},
	}

	cmd.Flags().StringP("app", "a", "", "Only show this service")
	cmd.Flags().StringP("target", "t", "", "Only show this server")
	cmd.Flags().String("status", "", "Only show committed, rolled_back or fatal deployments")
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of entries")
	return cmd
}

func runHistory(cmd *cobra.Command) error {
	filter := domain.HistoryFilter{}
	filter.App, _ = cmd.Flags().GetString("app")
	filter.Target, _ = cmd.Flags().GetString("target")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	status, _ := cmd.Flags().GetString("status")
	switch domain.Status(status) {
	case "", domain.StatusCommitted, domain.StatusRolledBack, domain.StatusFatal:
		filter.Status = domain.Status(status)
	default:
		return fmt.Errorf("%w: unknown status %q", domain.ErrConfig, status)
	}

	records, err := app.GetDeploymentRepository().List(filter)
	if err != nil {
		return err
	}
	table, err := output.PrintHistory(records)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), table)
	return err
}
