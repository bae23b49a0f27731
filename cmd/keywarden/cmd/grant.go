package cmd

import (
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	keywarden "github.com/keywarden/keywarden/sdks/go"
)

var (
	grantSpendingLimit string
	grantDailyLimit    string
	grantExpiresAt     string
	grantTTL           time.Duration
	grantTargets       []string
	grantCondition     string
)

var grantCmd = &cobra.Command{
	Use:   "grant [account-id] [key-id]",
	Short: "Grant a session key via a running server",
	Long: `Grant a session key via a running server.

Limits are base-unit integers as decimal strings. Expiry is either an
absolute RFC 3339 timestamp (--expires-at) or a duration from now
(--ttl). Repeat --target to build the allow-list; no --target leaves
the key unrestricted by target.

Examples:
  keywarden grant acct-1 agent-trading \
    --spending-limit 1000000000000000000 \
    --daily-limit 5000000000000000000 \
    --ttl 168h \
    --target 0x7a250d5630b4cf539739df2c5dacb4c659f2488d`,
	Args: cobra.ExactArgs(2),
	RunE: runGrant,
}

func init() {
	f := grantCmd.Flags()
	f.StringVar(&grantSpendingLimit, "spending-limit", "", "Per-transaction cap in base units (decimal string)")
	f.StringVar(&grantDailyLimit, "daily-limit", "", "Rolling daily cap in base units (decimal string)")
	f.StringVar(&grantExpiresAt, "expires-at", "", "Expiry timestamp, RFC 3339")
	f.DurationVar(&grantTTL, "ttl", 0, "Expiry as a duration from now (alternative to --expires-at)")
	f.StringArrayVar(&grantTargets, "target", nil, "Allowed target (repeatable; none leaves the key unrestricted)")
	f.StringVar(&grantCondition, "condition", "", "CEL condition evaluated on every authorization")
	_ = grantCmd.MarkFlagRequired("spending-limit")
	_ = grantCmd.MarkFlagRequired("daily-limit")
	registerClientFlags(grantCmd)
	rootCmd.AddCommand(grantCmd)
}

func runGrant(cmd *cobra.Command, args []string) error {
	spending, ok := new(big.Int).SetString(grantSpendingLimit, 10)
	if !ok {
		return fmt.Errorf("invalid --spending-limit %q: want a decimal integer", grantSpendingLimit)
	}
	daily, ok := new(big.Int).SetString(grantDailyLimit, 10)
	if !ok {
		return fmt.Errorf("invalid --daily-limit %q: want a decimal integer", grantDailyLimit)
	}

	expiresAt, err := resolveExpiry(grantExpiresAt, grantTTL, time.Now())
	if err != nil {
		return err
	}

	client := newAdminClient()
	key, err := client.Grant(cmd.Context(), args[0], keywarden.GrantParams{
		KeyID:          args[1],
		SpendingLimit:  spending,
		DailyLimit:     daily,
		ExpiresAt:      expiresAt,
		AllowedTargets: grantTargets,
		Condition:      grantCondition,
	})
	if err != nil {
		return fmt.Errorf("grant failed: %w", err)
	}

	fmt.Printf("granted %s/%s\n", key.AccountID, key.KeyID)
	fmt.Printf("  spending limit: %s\n", key.SpendingLimit)
	fmt.Printf("  daily limit:    %s\n", key.DailyLimit)
	fmt.Printf("  expires:        %s\n", key.ExpiresAt.Format(time.RFC3339))
	if len(key.AllowedTargets) > 0 {
		fmt.Printf("  targets:        %v\n", key.AllowedTargets)
	}
	if key.Condition != "" {
		fmt.Printf("  condition:      %s\n", key.Condition)
	}
	return nil
}

// resolveExpiry turns the --expires-at / --ttl flag pair into an
// absolute timestamp. Exactly one must be set.
func resolveExpiry(expiresAt string, ttl time.Duration, now time.Time) (time.Time, error) {
	switch {
	case expiresAt != "" && ttl != 0:
		return time.Time{}, fmt.Errorf("--expires-at and --ttl are mutually exclusive")
	case expiresAt != "":
		t, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --expires-at: %w", err)
		}
		return t, nil
	case ttl > 0:
		return now.Add(ttl), nil
	default:
		return time.Time{}, fmt.Errorf("one of --expires-at or --ttl is required")
	}
}
