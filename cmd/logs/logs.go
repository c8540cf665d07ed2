// Package logs provides the logs command for viewing service logs on a server.
package logs

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
)

// NewCmdLogs creates the logs command
func NewCmdLogs() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View logs of a service on a server",
		Long: `Display logs of a service container on a server.
Use --follow to stream new lines until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runLogs(cmd); err != nil {
				return utils.HandleCommandError(cmd, "reading logs", err)
			}
			return nil
		},
	}

	cmd.Flags().StringP("target", "t", "", "Server to read logs from")
	cmd.Flags().StringP("app", "a", "", "Service name")
	cmd.Flags().BoolP("follow", "f", false, "Follow log output")
	cmd.Flags().IntP("tail", "n", 100, "Number of lines to show from the end")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

func runLogs(cmd *cobra.Command) error {
	targetName, _ := cmd.Flags().GetString("target")
	appName, _ := cmd.Flags().GetString("app")
	follow, _ := cmd.Flags().GetBool("follow")
	tail, _ := cmd.Flags().GetInt("tail")

	target, err := utils.Target(targetName)
	if err != nil {
		return err
	}
	exec, err := app.GetDialer().Dial(cmd.Context(), target)
	if err != nil {
		return err
	}
	defer func() {
		if err := exec.Close(); err != nil {
			slog.Debug("Closing connection failed", "layer", "cmd", "target", target.Name, "error", err)
		}
	}()

	rt := docker.NewCLI(exec, target.DockerHost)
	c, err := rt.Inspect(cmd.Context(), appName)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: no container named %s on %s", domain.ErrConfig, appName, target.Name)
	}
	return rt.Logs(cmd.Context(), appName, tail, follow, cmd.OutOrStdout())
}
