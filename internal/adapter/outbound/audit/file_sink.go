// Package audit provides file-based persistence of the session-key
// event stream: JSON Lines format, daily rotation, size caps, retention
// cleanup, and an in-memory cache of recent events.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/domain/audit"
)

// eventFilePattern matches event log filenames:
// events-YYYY-MM-DD.log or events-YYYY-MM-DD-N.log
var eventFilePattern = regexp.MustCompile(`^events-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// eventFileInfo holds parsed information about an event file.
type eventFileInfo struct {
	name   string
	date   string
	suffix int
}

// parseEventFilename parses an event filename into its components.
func parseEventFilename(name string) (eventFileInfo, bool) {
	matches := eventFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return eventFileInfo{}, false
	}
	info := eventFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return eventFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortEventFiles sorts file info by date then suffix (chronological).
func sortEventFiles(files []eventFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// FileSinkConfig holds configuration for the file-based event sink.
type FileSinkConfig struct {
	// Dir is the directory where event files are stored.
	Dir string
	// RetentionDays is the number of days to keep files (default 30).
	RetentionDays int
	// MaxFileSizeMB is the file size in megabytes before rotation (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent events kept in memory (default 1000).
	CacheSize int
}

// FileSink implements audit.EventSink with rotation, retention, and an
// in-memory cache backing the recent-events query surface.
type FileSink struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	cache         *eventCache
	mu            sync.Mutex
	logger        *slog.Logger
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	closed        bool
}

// NewFileSink creates a file-based event sink. It creates the
// directory, opens today's log file, runs retention cleanup, populates
// the cache from the most recent file, and starts the hourly cleanup
// goroutine.
func NewFileSink(cfg FileSinkConfig, logger *slog.Logger) (*FileSink, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create event directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileSink{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		cache:         newEventCache(cfg.CacheSize),
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open event file: %w", err)
	}

	s.runCleanup()
	s.populateCache()

	s.wg.Add(1)
	go s.startCleanupLoop(ctx)

	return s, nil
}

// Append stores events as JSON Lines in the current file, rotating by
// date and size as needed. Append order is preserved.
func (s *FileSink) Append(_ context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		dateStr := ev.Timestamp.UTC().Format("2006-01-02")

		if dateStr != s.currentDate {
			if err := s.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		line := append(data, '\n')
		n, err := s.currentFile.Write(line)
		if err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		s.currentSize += int64(n)

		s.cache.Add(ev)
	}
	return nil
}

// Flush forces pending events to disk by syncing the current file.
func (s *FileSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup goroutine and closes the current file.
// Safe to call multiple times.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()

	var err error
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err = s.currentFile.Close()
		s.currentFile = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Recent returns up to n most recent events from the cache, newest
// first.
func (s *FileSink) Recent(n int) []audit.Event {
	return s.cache.Recent(n)
}

// openCurrentFile opens or creates the event file for a date, resuming
// at the highest existing suffix.
func (s *FileSink) openCurrentFile(dateStr string) error {
	suffix := s.findHighestSuffix(dateStr)
	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

// findHighestSuffix returns the highest existing suffix for a date.
func (s *FileSink) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseEventFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

// openFile opens an event file, returning the handle and current size.
func (s *FileSink) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := s.buildFilename(dateStr, suffix)
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

// buildFilename constructs the event filename for a date and suffix.
func (s *FileSink) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("events-%s.log", dateStr)
	}
	return fmt.Sprintf("events-%s-%d.log", dateStr, suffix)
}

// rotateDateLocked switches to a new date's file. Caller holds s.mu.
func (s *FileSink) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix = 0
	s.currentSize = 0
	s.currentDate = dateStr

	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// rotateSizeLocked switches to the next suffix. Caller holds s.mu.
func (s *FileSink) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix++
	s.currentSize = 0

	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// runCleanup deletes event files older than the retention period.
func (s *FileSink) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("event cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, e := range entries {
		info, ok := parseEventFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("event cleanup: failed to delete file",
					"file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.logger.Info("event cleanup completed", "deleted", deleted)
	}
}

// startCleanupLoop runs retention cleanup hourly until cancelled.
func (s *FileSink) startCleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// populateCache reads the most recent event file into the cache.
func (s *FileSink) populateCache() {
	mostRecent := s.findMostRecentFile()
	if mostRecent == "" {
		return
	}

	path := filepath.Join(s.dir, mostRecent)
	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("event cache: failed to open file", "file", mostRecent, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	for _, ev := range events {
		s.cache.Add(ev)
	}
}

// findMostRecentFile returns the newest event filename, or empty.
func (s *FileSink) findMostRecentFile() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}

	var files []eventFileInfo
	for _, e := range entries {
		if info, ok := parseEventFilename(e.Name()); ok {
			files = append(files, info)
		}
	}
	if len(files) == 0 {
		return ""
	}
	sortEventFiles(files)
	return files[len(files)-1].name
}

// eventCache is a ring buffer of recent events for fast query access.
type eventCache struct {
	mu     sync.RWMutex
	events []audit.Event
	size   int
}

func newEventCache(size int) *eventCache {
	return &eventCache{size: size}
}

// Add appends an event, evicting the oldest past capacity.
func (c *eventCache) Add(ev audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if len(c.events) > c.size {
		c.events = append([]audit.Event(nil), c.events[len(c.events)-c.size:]...)
	}
}

// Recent returns up to n events, newest first.
func (c *eventCache) Recent(n int) []audit.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.events) {
		n = len(c.events)
	}
	out := make([]audit.Event, n)
	for i := 0; i < n; i++ {
		out[i] = c.events[len(c.events)-1-i]
	}
	return out
}

// Compile-time interface verification.
var (
	_ audit.EventSink   = (*FileSink)(nil)
	_ audit.EventReader = (*FileSink)(nil)
)
