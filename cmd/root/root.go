// Package root implements the command line interface for hoist.
package root

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/deploy"
	"github.com/oar-cd/hoist/cmd/exec"
	"github.com/oar-cd/hoist/cmd/history"
	"github.com/oar-cd/hoist/cmd/lock"
	"github.com/oar-cd/hoist/cmd/logs"
	"github.com/oar-cd/hoist/cmd/output"
	"github.com/oar-cd/hoist/cmd/rollback"
	"github.com/oar-cd/hoist/cmd/secret"
	"github.com/oar-cd/hoist/cmd/server"
	"github.com/oar-cd/hoist/cmd/status"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/cmd/version"
	"github.com/oar-cd/hoist/config"
	"github.com/oar-cd/hoist/logging"
)

func Execute() {
	err := NewCmdRoot().Execute()
	if closeErr := app.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Exit(utils.ExitCode(err))
	}
}

func NewCmdRoot() *cobra.Command {
	var overrides config.Overrides

	cmd := &cobra.Command{
		Use:   "hoist",
		Short: "Push-based container deployments over SSH",
		Long: `hoist builds a container image locally, streams it to one or more servers
over SSH and swaps it in with a health checked rename or blue/green swap.
Failed deployments roll back automatically.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			cfg, err := config.Load(overrides)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// CLI flags override config
			colorDisabled := !cfg.ColorEnabled || output.NoColor.IsSet()
			output.InitColors(colorDisabled)

			logLevel := cfg.LogLevel
			if logging.LogLevel.IsSet() {
				logLevel = logging.LogLevel.String()
			}
			logging.InitLogging(logLevel, cfg.LogFormat)

			if err := app.InitializeWithConfig(cfg); err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&overrides.DataDir, "data-dir", "d", "", "Data directory for hoist state and history")
	cmd.PersistentFlags().StringVar(&overrides.InventoryPath, "inventory", "", "Path to the servers inventory (targets.yaml)")
	cmd.PersistentFlags().StringVar(&overrides.LockRoot, "lock-root", "", "Remote directory holding deployment locks")
	cmd.PersistentFlags().VarP(logging.LogLevel, "log-level", "l", "Set log verbosity level")
	cmd.PersistentFlags().VarP(output.NoColor, "no-color", "c", "Disable colored terminal output")

	cmd.AddCommand(deploy.NewCmdDeploy())
	cmd.AddCommand(rollback.NewCmdRollback())
	cmd.AddCommand(logs.NewCmdLogs())
	cmd.AddCommand(exec.NewCmdExec())
	cmd.AddCommand(status.NewCmdStatus())
	cmd.AddCommand(lock.NewCmdLock())
	cmd.AddCommand(history.NewCmdHistory())
	cmd.AddCommand(server.NewCmdServer())
	cmd.AddCommand(secret.NewCmdSecret())
	cmd.AddCommand(version.NewCmdVersion())
	return cmd
}
