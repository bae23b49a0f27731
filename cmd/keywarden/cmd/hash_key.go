package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keywarden/keywarden/internal/domain/adminauth"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [admin-key]",
	Short: "Generate an admin key hash for the config file",
	Long: `Generate a hash of an admin API key for use in config.

The output is an argon2id hash by default, or a SHA-256 digest with
--sha256. Either form can be used directly in the
auth.admin_keys.key_hash field.

Example:
  keywarden hash-key "my-secret-admin-key"
  # Output: argon2id:$argon2id$v=19$m=48128,t=1,p=1$...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  keywarden hash-key "$MY_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeySHA256 {
			fmt.Println(adminauth.HashKeySHA256(args[0]))
			return nil
		}
		hash, err := adminauth.HashKeyArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "Emit a SHA-256 digest instead of argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
