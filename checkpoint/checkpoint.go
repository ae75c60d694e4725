// Package checkpoint persists crawl progress so interrupted runs can resume
// without re-fetching completed pages or re-deriving seen record ids.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Version identifies the on-disk schema.
const Version = 1

// PageKey renders the canonical identifier for one (category, page) unit.
func PageKey(category string, page int) string {
	return fmt.Sprintf("%s_page_%d", category, page)
}

// state is the on-disk shape. Completed pages serialize as an object keyed by
// page identifier with the resolved record count as value, which gives O(1)
// membership and keeps per-page counts inspectable. Completed ids serialize
// sorted so the file stays diffable.
type state struct {
	Version        int            `json:"version"`
	SessionID      string         `json:"session_id"`
	SessionStart   time.Time      `json:"session_start"`
	LastUpdated    time.Time      `json:"last_updated"`
	CompletedPages map[string]int `json:"completed_pages"`
	CompletedIDs   []int64        `json:"completed_ids"`
	CategoryCounts map[string]int `json:"category_counts"`
	TotalRecords   int            `json:"total_records"`
}

// Store owns the checkpoint state. Every mutation goes through it under one
// mutex so page completion stays atomic even if a worker pool is added later.
// Persistence failures are logged and tolerated: the in-memory state governs
// the running crawl, at the documented risk of replaying a page after a
// crash.
type Store struct {
	path   string
	logger *zap.Logger

	mu             sync.Mutex
	sessionID      string
	sessionStart   time.Time
	lastUpdated    time.Time
	pages          map[string]int
	ids            map[int64]struct{}
	categoryCounts map[string]int
	totalRecords   int
}

// Open loads the checkpoint at path, starting fresh when the file does not
// exist or restart is set. A file that exists but cannot be decoded is an
// error rather than a silent fresh start: re-crawling everything would append
// duplicate rows to the output.
func Open(path string, restart bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		path:           path,
		logger:         logger,
		sessionID:      uuid.NewString(),
		sessionStart:   time.Now().UTC(),
		pages:          make(map[string]int),
		ids:            make(map[int64]struct{}),
		categoryCounts: make(map[string]int),
	}

	if restart {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("discard checkpoint %s: %w", path, err)
		}
		logger.Info("checkpoint discarded, starting fresh", zap.String("path", path))
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	var loaded state
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s (pass --restart to discard it): %w", path, err)
	}
	if loaded.Version != Version {
		return nil, fmt.Errorf("checkpoint %s has unsupported version %d (pass --restart to discard it)", path, loaded.Version)
	}

	if loaded.SessionID != "" {
		s.sessionID = loaded.SessionID
	}
	if !loaded.SessionStart.IsZero() {
		s.sessionStart = loaded.SessionStart
	}
	s.lastUpdated = loaded.LastUpdated
	for key, count := range loaded.CompletedPages {
		s.pages[key] = count
	}
	for _, id := range loaded.CompletedIDs {
		s.ids[id] = struct{}{}
	}
	for category, count := range loaded.CategoryCounts {
		s.categoryCounts[category] = count
	}
	s.totalRecords = loaded.TotalRecords

	logger.Info("checkpoint loaded",
		zap.String("path", path),
		zap.Int("completed_pages", len(s.pages)),
		zap.Int("seen_ids", len(s.ids)),
		zap.Int("total_records", s.totalRecords),
	)
	return s, nil
}

// PageDone reports whether the page unit has already been completed.
func (s *Store) PageDone(category string, page int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[PageKey(category, page)]
	return ok
}

// MarkPageDone records a completed page unit with its resolved record count
// and persists the state. Marking is idempotent: re-marking a page neither
// double-counts nor rewrites history.
func (s *Store) MarkPageDone(category string, page int, records int) {
	s.mu.Lock()
	key := PageKey(category, page)
	if _, ok := s.pages[key]; !ok {
		s.pages[key] = records
		s.categoryCounts[category] += records
		s.totalRecords += records
	}
	s.lastUpdated = time.Now().UTC()
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("checkpoint save failed, continuing on in-memory state",
			zap.String("page", key),
			zap.Error(err),
		)
	}
}

// RegisterID adds a record id to the seen set, reporting whether it was
// already present. Ids live in memory until the owning page unit is marked
// done, so an interrupted page leaves no trace of them on disk.
func (s *Store) RegisterID(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return true
	}
	s.ids[id] = struct{}{}
	return false
}

// PageRecords returns the resolved record count for a completed page unit.
func (s *Store) PageRecords(category string, page int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.pages[PageKey(category, page)]
	return count, ok
}

// CompletedPages returns the number of completed page units.
func (s *Store) CompletedPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

// SeenIDs returns the number of distinct record ids registered so far.
func (s *Store) SeenIDs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// CategoryCounts returns a copy of the per-category record counters.
func (s *Store) CategoryCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.categoryCounts))
	for category, count := range s.categoryCounts {
		out[category] = count
	}
	return out
}

// TotalRecords returns the number of records attributed to completed pages.
func (s *Store) TotalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRecords
}

// SessionID identifies this checkpoint lineage across resumed runs.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// saveLocked rewrites the checkpoint file atomically: marshal, write to a
// temp file in the same directory, fsync, rename over the old file.
func (s *Store) saveLocked() error {
	snapshot := state{
		Version:        Version,
		SessionID:      s.sessionID,
		SessionStart:   s.sessionStart,
		LastUpdated:    s.lastUpdated,
		CompletedPages: s.pages,
		CompletedIDs:   sortedIDs(s.ids),
		CategoryCounts: s.categoryCounts,
		TotalRecords:   s.totalRecords,
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

func sortedIDs(ids map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
