// Package lock provides commands for inspecting and clearing deployment locks.
package lock

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/output"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/lock"
	"github.com/oar-cd/hoist/remote"
)

func NewCmdLock() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear deployment locks",
	}

	cmd.PersistentFlags().StringP("target", "t", "", "Server holding the lock")
	cmd.PersistentFlags().StringP("app", "a", "", "Service name")
	_ = cmd.MarkPersistentFlagRequired("target")
	_ = cmd.MarkPersistentFlagRequired("app")

	cmd.AddCommand(newCmdLockStatus())
	cmd.AddCommand(newCmdLockRelease())
	return cmd
}

func newCmdLockStatus() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who holds the deployment lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withManager(cmd, func(m *lock.Manager, appName string) error {
				owner, held, err := m.Inspect(cmd.Context(), appName)
				if err != nil {
					return err
				}
				msg, err := output.PrintLockOwner(appName, owner, held, time.Now())
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), msg)
				return err
			})
			if err != nil {
				return utils.HandleCommandError(cmd, "reading lock", err)
			}
			return nil
		},
	}
}

func newCmdLockRelease() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Remove a deployment lock left by an interrupted run",
		Long: `Remove the deployment lock for an app. Without --force only an expired
lock is removed. A lock whose holder is still running on this machine is
never removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			err := withManager(cmd, func(m *lock.Manager, appName string) error {
				owner, held, err := m.Inspect(cmd.Context(), appName)
				if err != nil {
					return err
				}
				if !held {
					return output.FprintPlain(cmd, "Lock for %s is not held", appName)
				}
				if !force && (owner == nil || !owner.Expired(time.Now())) {
					return fmt.Errorf("lock for %s is still active, use --force to remove it", appName)
				}
				if err := m.ForceRelease(cmd.Context(), appName); err != nil {
					return err
				}
				return output.FprintSuccess(cmd, "Lock for %s released", appName)
			})
			if err != nil {
				return utils.HandleCommandError(cmd, "releasing lock", err)
			}
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Remove the lock even if it has not expired")
	return cmd
}

func withManager(cmd *cobra.Command, fn func(m *lock.Manager, appName string) error) error {
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
	defer closeQuietly(exec, target.Name)

	cfg := app.GetConfig()
	return fn(lock.NewManager(exec, cfg.LockRoot, cfg.LockTTL), appName)
}

func closeQuietly(exec remote.Executor, target string) {
	if err := exec.Close(); err != nil {
		slog.Debug("Closing connection failed", "layer", "cmd", "target", target, "error", err)
	}
}
