package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/domain/sessionkey"
)

// FileKeyStore implements sessionkey.Store on a single keystore.json
// document. It provides atomic writes (write-tmp-then-rename),
// automatic backups, and file locking (flock for cross-process, mutex
// for in-process). Records are cached in memory; every mutation
// rewrites the document so reads after a restart observe the latest
// committed state.
type FileKeyStore struct {
	path   string
	mu     sync.RWMutex
	keys   map[string]*sessionkey.SessionKey
	doc    Document
	logger *slog.Logger
}

// cacheKey joins the pair with NUL so distinct pairs never collide.
func cacheKey(accountID, keyID string) string {
	return accountID + "\x00" + keyID
}

// NewFileKeyStore opens (or initializes) the keystore at path.
// A missing file starts an empty store; invalid JSON or a corrupt
// entry is an error, never silently ignored.
func NewFileKeyStore(path string, logger *slog.Logger) (*FileKeyStore, error) {
	s := &FileKeyStore{
		path:   path,
		keys:   make(map[string]*sessionkey.SessionKey),
		logger: logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads and parses the keystore file into the in-memory cache.
func (s *FileKeyStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("keystore file not found, starting empty", "path", s.path)
			now := time.Now().UTC()
			s.doc = Document{Version: schemaVersion, Keys: []KeyEntry{}, CreatedAt: now, UpdatedAt: now}
			return nil
		}
		return fmt.Errorf("read keystore file: %w", err)
	}

	// Warn if the file is readable beyond the owner. Skip on Windows
	// where Unix permission bits are not supported.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("keystore has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse keystore file: %w", err)
	}
	keys := make(map[string]*sessionkey.SessionKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		key, err := fromEntry(entry)
		if err != nil {
			return fmt.Errorf("load keystore: %w", err)
		}
		keys[cacheKey(key.AccountID, key.KeyID)] = key
	}
	s.doc = doc
	s.keys = keys
	return nil
}

// save writes the current cache to disk atomically. Callers must hold
// the write lock.
//
// The write sequence is:
//  1. Acquire flock on path+".lock"
//  2. Copy current file to path+".bak" (skipped if no current file)
//  3. Marshal the document as indented JSON
//  4. Write to path+".tmp" with 0600 permissions, fsync, rename
//  5. Release flock
func (s *FileKeyStore) save() error {
	s.doc.UpdatedAt = time.Now().UTC()

	entries := make([]KeyEntry, 0, len(s.keys))
	for _, key := range s.keys {
		entries = append(entries, toEntry(key))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AccountID != entries[j].AccountID {
			return entries[i].AccountID < entries[j].AccountID
		}
		return entries[i].KeyID < entries[j].KeyID
	})
	s.doc.Keys = entries

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create keystore backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on keystore file", "error", err)
	}

	s.logger.Debug("keystore saved", "path", s.path, "records", len(entries))
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *FileKeyStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to keystore: %w", err)
	}
	return nil
}

// Create stores a new record and persists the document.
func (s *FileKeyStore) Create(_ context.Context, key *sessionkey.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := cacheKey(key.AccountID, key.KeyID)
	if _, ok := s.keys[id]; ok {
		return sessionkey.ErrKeyExists
	}
	s.keys[id] = key.Clone()
	if err := s.save(); err != nil {
		delete(s.keys, id)
		return err
	}
	return nil
}

// Get retrieves a copy of the record.
func (s *FileKeyStore) Get(_ context.Context, accountID, keyID string) (*sessionkey.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[cacheKey(accountID, keyID)]
	if !ok {
		return nil, sessionkey.ErrNotFound
	}
	if err := key.CheckInvariants(); err != nil {
		return nil, err
	}
	return key.Clone(), nil
}

// Update overwrites an existing record, bumps its version, and
// persists the document.
func (s *FileKeyStore) Update(_ context.Context, key *sessionkey.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := cacheKey(key.AccountID, key.KeyID)
	prev, ok := s.keys[id]
	if !ok {
		return sessionkey.ErrNotFound
	}
	stored := key.Clone()
	stored.Version++
	s.keys[id] = stored
	if err := s.save(); err != nil {
		s.keys[id] = prev
		return err
	}
	key.Version = stored.Version
	return nil
}

// ListByAccount returns copies of all records for the account, ordered
// by key identity.
func (s *FileKeyStore) ListByAccount(_ context.Context, accountID string) ([]*sessionkey.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*sessionkey.SessionKey
	for _, key := range s.keys {
		if key.AccountID == accountID {
			out = append(out, key.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

// Close is a no-op; every mutation is already durable.
func (s *FileKeyStore) Close() error { return nil }

// Path returns the configured file path.
func (s *FileKeyStore) Path() string { return s.path }

// Compile-time interface verification.
var _ sessionkey.Store = (*FileKeyStore)(nil)
