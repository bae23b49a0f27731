package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keywarden/keywarden/internal/adapter/outbound/cel"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/domain/sessionkey"
	"github.com/keywarden/keywarden/internal/service"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage session keys",
}

var keysImportSkipExisting bool

var keysImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Grant session keys in bulk from a YAML file",
	Long: `Grant session keys in bulk from a YAML file.

Each entry becomes a grant against the configured store, with audit
events written to the configured sink. Run this while the server is
stopped; the store backends do not support concurrent writers.

File format:
  keys:
    - account_id: "acct-1"
      key_id: "agent-trading"
      spending_limit: "1000000000000000000"
      daily_limit: "5000000000000000000"
      expires_at: "2026-09-01T00:00:00Z"
      allowed_targets:
        - "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
      condition: ""

Values are base-unit integers as decimal strings. Timestamps are
RFC 3339. An empty allow-list leaves the key unrestricted by target.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysImport,
}

func init() {
	keysImportCmd.Flags().BoolVar(&keysImportSkipExisting, "skip-existing", false, "Skip entries whose key already exists instead of failing")
	keysCmd.AddCommand(keysImportCmd)
	rootCmd.AddCommand(keysCmd)
}

// keysImportFile is the YAML schema accepted by "keys import".
type keysImportFile struct {
	Keys []keyImportEntry `yaml:"keys"`
}

type keyImportEntry struct {
	AccountID      string   `yaml:"account_id"`
	KeyID          string   `yaml:"key_id"`
	SpendingLimit  string   `yaml:"spending_limit"`
	DailyLimit     string   `yaml:"daily_limit"`
	ExpiresAt      string   `yaml:"expires_at"`
	AllowedTargets []string `yaml:"allowed_targets"`
	Condition      string   `yaml:"condition"`
}

func runKeysImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	var file keysImportFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse import file: %w", err)
	}
	if len(file.Keys) == 0 {
		return fmt.Errorf("import file contains no keys")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	store, err := buildKeyStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	defer closeQuietly(store, "key store", logger)

	sink, _, err := buildEventSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open event sink: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sink.Flush(ctx)
		_ = sink.Close()
	}()

	engineOpts := []service.EngineOption{}
	if cfg.Conditions.Enabled {
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return fmt.Errorf("failed to create condition evaluator: %w", err)
		}
		engineOpts = append(engineOpts, service.WithConditionChecker(evaluator))
	}
	engine := service.NewEngine(store, sink, logger, engineOpts...)

	ctx := cmd.Context()
	var granted, skipped int
	for i, entry := range file.Keys {
		req, err := grantRequestFromEntry(entry)
		if err != nil {
			return fmt.Errorf("keys[%d] (%s/%s): %w", i, entry.AccountID, entry.KeyID, err)
		}
		if _, err := engine.Grant(ctx, req); err != nil {
			if keysImportSkipExisting && errors.Is(err, sessionkey.ErrKeyExists) {
				skipped++
				continue
			}
			return fmt.Errorf("keys[%d] (%s/%s): %w", i, entry.AccountID, entry.KeyID, err)
		}
		granted++
	}

	fmt.Printf("imported %d key(s), skipped %d\n", granted, skipped)
	return nil
}

// grantRequestFromEntry parses one YAML entry into a grant request.
// Structural errors surface here; domain validation happens in Grant.
func grantRequestFromEntry(entry keyImportEntry) (service.GrantRequest, error) {
	spending, ok := new(big.Int).SetString(entry.SpendingLimit, 10)
	if !ok {
		return service.GrantRequest{}, fmt.Errorf("invalid spending_limit %q", entry.SpendingLimit)
	}
	daily, ok := new(big.Int).SetString(entry.DailyLimit, 10)
	if !ok {
		return service.GrantRequest{}, fmt.Errorf("invalid daily_limit %q", entry.DailyLimit)
	}
	expiresAt, err := time.Parse(time.RFC3339, entry.ExpiresAt)
	if err != nil {
		return service.GrantRequest{}, fmt.Errorf("invalid expires_at: %w", err)
	}
	return service.GrantRequest{
		AccountID:      entry.AccountID,
		KeyID:          entry.KeyID,
		SpendingLimit:  spending,
		DailyLimit:     daily,
		ExpiresAt:      expiresAt,
		AllowedTargets: entry.AllowedTargets,
		Condition:      entry.Condition,
	}, nil
}
