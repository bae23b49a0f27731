// Package sqlite provides a SQLite-backed session key store using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keywarden/keywarden/internal/domain/sessionkey"
)

// schema creates the session_keys table. Limits are decimal TEXT:
// 256-bit values do not fit SQLite integers, and TEXT round-trips
// exactly. Targets are a JSON array.
const schema = `
CREATE TABLE IF NOT EXISTS session_keys (
	account_id      TEXT NOT NULL,
	key_id          TEXT NOT NULL,
	spending_limit  TEXT NOT NULL,
	daily_limit     TEXT NOT NULL,
	used_today      TEXT NOT NULL,
	last_used_day   INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	allowed_targets TEXT,
	condition       TEXT NOT NULL DEFAULT '',
	active          INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	version         INTEGER NOT NULL,
	PRIMARY KEY (account_id, key_id)
);
CREATE INDEX IF NOT EXISTS idx_session_keys_account ON session_keys(account_id);
`

// KeyStore implements sessionkey.Store on a SQLite database.
type KeyStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewKeyStore opens (or creates) the database at dbPath and ensures the
// schema exists. WAL mode keeps concurrent readers off the write lock.
func NewKeyStore(dbPath string, logger *slog.Logger) (*KeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("sqlite keystore opened", "path", dbPath)
	return &KeyStore{db: db, logger: logger}, nil
}

// Create stores a new record.
func (s *KeyStore) Create(ctx context.Context, key *sessionkey.SessionKey) error {
	targets, err := marshalTargets(key.AllowedTargets)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_keys (
			account_id, key_id, spending_limit, daily_limit, used_today,
			last_used_day, expires_at, allowed_targets, condition, active,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, key_id) DO NOTHING`,
		key.AccountID, key.KeyID,
		key.SpendingLimit.String(), key.DailyLimit.String(), key.UsedToday.String(),
		key.LastUsedDay, key.ExpiresAt.Unix(), targets, key.Condition,
		boolToInt(key.Active), key.CreatedAt.Unix(), key.UpdatedAt.Unix(), key.Version)
	if err != nil {
		return fmt.Errorf("insert session key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert session key: %w", err)
	}
	if n == 0 {
		return sessionkey.ErrKeyExists
	}
	return nil
}

// Get retrieves a record.
func (s *KeyStore) Get(ctx context.Context, accountID, keyID string) (*sessionkey.SessionKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, key_id, spending_limit, daily_limit, used_today,
		       last_used_day, expires_at, allowed_targets, condition, active,
		       created_at, updated_at, version
		FROM session_keys WHERE account_id = ? AND key_id = ?`,
		accountID, keyID)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionkey.ErrNotFound
	}
	return key, err
}

// Update overwrites an existing record and bumps its version.
func (s *KeyStore) Update(ctx context.Context, key *sessionkey.SessionKey) error {
	targets, err := marshalTargets(key.AllowedTargets)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_keys SET
			spending_limit = ?, daily_limit = ?, used_today = ?,
			last_used_day = ?, expires_at = ?, allowed_targets = ?,
			condition = ?, active = ?, updated_at = ?, version = version + 1
		WHERE account_id = ? AND key_id = ?`,
		key.SpendingLimit.String(), key.DailyLimit.String(), key.UsedToday.String(),
		key.LastUsedDay, key.ExpiresAt.Unix(), targets, key.Condition,
		boolToInt(key.Active), key.UpdatedAt.Unix(),
		key.AccountID, key.KeyID)
	if err != nil {
		return fmt.Errorf("update session key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session key: %w", err)
	}
	if n == 0 {
		return sessionkey.ErrNotFound
	}
	key.Version++
	return nil
}

// ListByAccount returns all records for the account ordered by key
// identity.
func (s *KeyStore) ListByAccount(ctx context.Context, accountID string) ([]*sessionkey.SessionKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, key_id, spending_limit, daily_limit, used_today,
		       last_used_day, expires_at, allowed_targets, condition, active,
		       created_at, updated_at, version
		FROM session_keys WHERE account_id = ? ORDER BY key_id`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	defer rows.Close()

	var out []*sessionkey.SessionKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *KeyStore) Close() error { return s.db.Close() }

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (*sessionkey.SessionKey, error) {
	var (
		key               sessionkey.SessionKey
		spending, daily   string
		used, targetsJSON string
		expires           int64
		active            int
		created, updated  int64
	)
	var targetsNull sql.NullString
	err := row.Scan(&key.AccountID, &key.KeyID, &spending, &daily, &used,
		&key.LastUsedDay, &expires, &targetsNull, &key.Condition, &active,
		&created, &updated, &key.Version)
	if err != nil {
		return nil, err
	}
	if targetsNull.Valid {
		targetsJSON = targetsNull.String
	}

	var ok bool
	if key.SpendingLimit, ok = new(big.Int).SetString(spending, 10); !ok {
		return nil, fmt.Errorf("row %s/%s spending_limit %q: %w",
			key.AccountID, key.KeyID, spending, sessionkey.ErrCorruptRecord)
	}
	if key.DailyLimit, ok = new(big.Int).SetString(daily, 10); !ok {
		return nil, fmt.Errorf("row %s/%s daily_limit %q: %w",
			key.AccountID, key.KeyID, daily, sessionkey.ErrCorruptRecord)
	}
	if key.UsedToday, ok = new(big.Int).SetString(used, 10); !ok {
		return nil, fmt.Errorf("row %s/%s used_today %q: %w",
			key.AccountID, key.KeyID, used, sessionkey.ErrCorruptRecord)
	}
	if targetsJSON != "" {
		if err := json.Unmarshal([]byte(targetsJSON), &key.AllowedTargets); err != nil {
			return nil, fmt.Errorf("row %s/%s allowed_targets: %w",
				key.AccountID, key.KeyID, sessionkey.ErrCorruptRecord)
		}
	}
	key.ExpiresAt = time.Unix(expires, 0).UTC()
	key.CreatedAt = time.Unix(created, 0).UTC()
	key.UpdatedAt = time.Unix(updated, 0).UTC()
	key.Active = active != 0

	if err := key.CheckInvariants(); err != nil {
		return nil, err
	}
	return &key, nil
}

func marshalTargets(targets []string) (any, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(targets)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed targets: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface verification.
var _ sessionkey.Store = (*KeyStore)(nil)
