// Package version provides the version command for hoist.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
)

// NewCmdVersion creates the version command
func NewCmdVersion() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version information for hoist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), app.Version)
			return err
		},
	}

	return cmd
}
