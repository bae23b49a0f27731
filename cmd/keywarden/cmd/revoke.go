package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var revokeAllKeys bool

var revokeCmd = &cobra.Command{
	Use:   "revoke [account-id] [key-id]",
	Short: "Revoke a session key via a running server",
	Long: `Revoke a session key via a running server.

Revocation is permanent; the key identifier cannot be reused. With
--all, every active key for the account is revoked in one sweep and no
key-id is given.

Examples:
  keywarden revoke acct-1 agent-trading
  keywarden revoke acct-1 --all`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRevoke,
}

func init() {
	revokeCmd.Flags().BoolVar(&revokeAllKeys, "all", false, "Revoke every active key for the account")
	registerClientFlags(revokeCmd)
	rootCmd.AddCommand(revokeCmd)
}

func runRevoke(cmd *cobra.Command, args []string) error {
	client := newAdminClient()

	if revokeAllKeys {
		if len(args) != 1 {
			return fmt.Errorf("--all takes an account-id only")
		}
		n, err := client.RevokeAll(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("revoke-all failed: %w", err)
		}
		fmt.Printf("revoked %d key(s) for %s\n", n, args[0])
		return nil
	}

	if len(args) != 2 {
		return fmt.Errorf("key-id is required unless --all is given")
	}
	if err := client.Revoke(cmd.Context(), args[0], args[1]); err != nil {
		return fmt.Errorf("revoke failed: %w", err)
	}
	fmt.Printf("revoked %s/%s\n", args[0], args[1])
	return nil
}
