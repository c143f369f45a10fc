package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/specforge/specforge/pkg/auth"
)

// NewHashPasswordCommand creates the hash-password command
func NewHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash an operator password for OPERATOR_PASSWORD_HASH",
		Long: `Hash-password checks the given password against the strength
rules and prints its bcrypt hash, ready to be set as the
OPERATOR_PASSWORD_HASH environment variable for the serve command.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := auth.ValidatePasswordStrength(args[0]); err != nil {
				return err
			}
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
