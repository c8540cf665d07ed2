// Package status provides the status command for inspecting a server.
package status

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/output"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/lock"
)

// NewCmdStatus creates the status command
func NewCmdStatus() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show containers and deployment locks on a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runStatus(cmd); err != nil {
				return utils.HandleCommandError(cmd, "reading status", err)
			}
			return nil
		},
	}

	cmd.Flags().StringP("target", "t", "", "Server to inspect")
	cmd.Flags().StringP("app", "a", "", "Only show this service")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runStatus(cmd *cobra.Command) error {
	targetName, _ := cmd.Flags().GetString("target")
	appName, _ := cmd.Flags().GetString("app")

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

	rows, err := docker.NewCLI(exec, target.DockerHost).List(cmd.Context(), appName)
	if err != nil {
		return err
	}
	table, err := output.PrintContainers(rows)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(cmd.OutOrStdout(), table); err != nil {
		return err
	}

	locks := lock.NewManager(exec, app.GetConfig().LockRoot, app.GetConfig().LockTTL)
	for _, name := range appNames(rows, appName) {
		owner, held, err := locks.Inspect(cmd.Context(), name)
		if err != nil {
			return err
		}
		if !held {
			continue
		}
		msg, err := output.PrintLockOwner(name, owner, held, time.Now())
		if err != nil {
			return err
		}
		if _, err := fmt.Fprint(cmd.OutOrStdout(), output.PrintMessage(output.Warning, "Deployment in progress for %s:", name)+msg); err != nil {
			return err
		}
	}
	return nil
}

// appNames returns the services found on the host, read from the app label.
func appNames(rows []docker.Summary, only string) []string {
	if only != "" {
		return []string{only}
	}
	var names []string
	for _, r := range rows {
		for _, label := range strings.Split(r.Labels, ",") {
			if name, ok := strings.CutPrefix(label, docker.LabelApp+"="); ok && !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	slices.Sort(names)
	return names
}
