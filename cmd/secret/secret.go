// Package secret provides commands for encrypting environment file values.
package secret

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/app"
	"github.com/oar-cd/hoist/cmd/utils"
	"github.com/oar-cd/hoist/secrets"
)

func NewCmdSecret() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted values in environment files",
	}

	cmd.AddCommand(newCmdKeygen())
	cmd.AddCommand(newCmdEncrypt())
	return cmd
}

func newCmdKeygen() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new encryption key for HOIST_ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return utils.HandleCommandError(cmd, "generating key", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func newCmdEncrypt() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a value for use in an environment file",
		Long: `Encrypt a value with HOIST_ENCRYPTION_KEY. The value is read from stdin
when not given as an argument, so it stays out of the shell history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sealed, err := encrypt(cmd, args)
			if err != nil {
				return utils.HandleCommandError(cmd, "encrypting value", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return err
		},
	}
}

func encrypt(cmd *cobra.Command, args []string) (string, error) {
	cipher, err := secrets.NewCipher(app.GetConfig().EncryptionKey)
	if err != nil {
		return "", err
	}

	var value string
	if len(args) == 1 {
		value = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read value from stdin: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	return cipher.Seal(value)
}
