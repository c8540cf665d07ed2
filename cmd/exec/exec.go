// Package exec provides the exec command for running a command on a server.
package exec

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/remote"
)

func NewCmdExec() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec --target <server> -- <command...>",
		Short: "Run a shell command on a server",
		Long: `Run a command on a server over the same connection deployments use.
Output is streamed; the remote exit status becomes hoist's exit status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runExec(cmd, args); err != nil {
				var exitErr *remote.ExitError
				if errors.As(err, &exitErr) {
					return &utils.ExitError{Code: exitErr.ExitCode, Err: err}
				}
				return utils.HandleCommandError(cmd, "executing command", err)
			}
			return nil
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringP("target", "t", "", "Server to run the command on")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runExec(cmd *cobra.Command, args []string) error {
	targetName, _ := cmd.Flags().GetString("target")
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

	line := strings.Join(args, " ")
	slog.Info("Running remote command", "layer", "cmd", "target", target.Name, "command", line)
	return exec.Stream(cmd.Context(), line, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}
