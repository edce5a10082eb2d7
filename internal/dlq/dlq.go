// Package dlq stores work items that exhausted their retries.
//
// The store is file-backed, one JSON document per item under the job's DLQ
// directory, so operators can inspect failures with nothing but cat. Every
// failed attempt appends to the item's FailureHistory; history is never
// overwritten, so the full trail survives DLQ retries that fail again.
package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/types"
)

// DefaultCapacity bounds the number of dead-lettered items kept per job.
const DefaultCapacity = 1000

// ErrNotFound reports that the DLQ holds no entry for the item.
var ErrNotFound = errors.New("item not in dead letter queue")

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	ErrorType    types.ErrorType
	EligibleOnly bool
}

// Store is the per-job dead letter queue.
type Store struct {
	dir      string
	capacity int
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewStore keeps dead-lettered items under dir, evicting the oldest once
// capacity is exceeded. capacity <= 0 falls back to DefaultCapacity.
func NewStore(dir string, capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      dir,
		capacity: capacity,
		logger:   logger.With("component", "dlq"),
	}
}

// Add records a terminal failure for item, appending detail to any history
// already present. First and last attempt timestamps, the failure count and
// the error signature are derived from the accumulated history.
func (s *Store) Add(item types.WorkItem, detail types.FailureDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create dlq dir: %w", err)
	}

	entry, err := s.readLocked(item.ID)
	if errors.Is(err, ErrNotFound) {
		entry = types.DeadLetteredItem{
			ItemID:       item.ID,
			ItemData:     item.Payload,
			FirstAttempt: detail.Timestamp,
		}
	} else if err != nil {
		return err
	}

	entry.FailureHistory = append(entry.FailureHistory, detail)
	entry.LastAttempt = detail.Timestamp
	entry.FailureCount = len(entry.FailureHistory)
	entry.ErrorSignature = signature(detail)
	entry.ReprocessEligible = reprocessable(detail.ErrorType)
	entry.ManualReviewNeeded = !entry.ReprocessEligible

	if err := s.writeLocked(entry); err != nil {
		return err
	}
	s.logger.Info("item dead-lettered",
		"item_id", item.ID, "failures", entry.FailureCount, "error_type", detail.ErrorType)

	s.evictLocked()
	return nil
}

// List returns entries matching filter, oldest last-attempt first.
func (s *Store) List(filter Filter) ([]types.DeadLetteredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.allLocked()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if filter.EligibleOnly && !e.ReprocessEligible {
			continue
		}
		if filter.ErrorType != "" && latestErrorType(e) != filter.ErrorType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Inspect returns the full record for one item, history included.
func (s *Store) Inspect(itemID types.ItemID) (types.DeadLetteredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(itemID)
}

// Remove deletes the item's record, e.g. after a successful retry.
func (s *Store) Remove(itemID types.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pathFor(itemID))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	return err
}

// Reprocessable returns the work items eligible for a retry sub-job.
func (s *Store) Reprocessable() ([]types.WorkItem, error) {
	entries, err := s.List(Filter{EligibleOnly: true})
	if err != nil {
		return nil, err
	}
	items := make([]types.WorkItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, types.WorkItem{ID: e.ItemID, Payload: e.ItemData})
	}
	return items, nil
}

func (s *Store) readLocked(itemID types.ItemID) (types.DeadLetteredItem, error) {
	data, err := os.ReadFile(s.pathFor(itemID))
	if err != nil {
		if os.IsNotExist(err) {
			return types.DeadLetteredItem{}, fmt.Errorf("%w: %s", ErrNotFound, itemID)
		}
		return types.DeadLetteredItem{}, fmt.Errorf("failed to read dlq entry: %w", err)
	}
	var entry types.DeadLetteredItem
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.DeadLetteredItem{}, fmt.Errorf("corrupted dlq entry %s: %w", itemID, err)
	}
	return entry, nil
}

func (s *Store) writeLocked(entry types.DeadLetteredItem) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}
	path := s.pathFor(entry.ItemID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write dlq entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename dlq entry: %w", err)
	}
	return nil
}

func (s *Store) allLocked() ([]types.DeadLetteredItem, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read dlq dir: %w", err)
	}

	var entries []types.DeadLetteredItem
	for _, de := range dirEntries {
		if !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		id := types.ItemID(strings.TrimSuffix(de.Name(), ".json"))
		entry, err := s.readLocked(id)
		if err != nil {
			s.logger.Warn("skipping unreadable dlq entry", "file", de.Name(), "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAttempt.Before(entries[j].LastAttempt)
	})
	return entries, nil
}

// evictLocked drops the oldest entries once the capacity is exceeded.
func (s *Store) evictLocked() {
	entries, err := s.allLocked()
	if err != nil || len(entries) <= s.capacity {
		return
	}
	for _, e := range entries[:len(entries)-s.capacity] {
		if err := os.Remove(s.pathFor(e.ItemID)); err != nil {
			s.logger.Warn("failed to evict dlq entry", "item_id", e.ItemID, "error", err)
			continue
		}
		s.logger.Warn("evicted oldest dlq entry", "item_id", e.ItemID, "last_attempt", e.LastAttempt)
	}
}

func (s *Store) pathFor(itemID types.ItemID) string {
	return filepath.Join(s.dir, sanitize(string(itemID))+".json")
}

// sanitize keeps item-derived filenames inside the dlq dir.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}

func signature(detail types.FailureDetail) string {
	msg := detail.ErrorMessage
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return fmt.Sprintf("%s: %s", detail.ErrorType, msg)
}

// reprocessable classifies failures worth retrying in a fresh sub-job.
// Conflicts and unclassified errors need a human first.
func reprocessable(et types.ErrorType) bool {
	switch et {
	case types.ErrorTimeout, types.ErrorCommandFailed, types.ErrorResourceExhausted, types.ErrorWorkspace:
		return true
	default:
		return false
	}
}

func latestErrorType(e types.DeadLetteredItem) types.ErrorType {
	if len(e.FailureHistory) == 0 {
		return types.ErrorUnknown
	}
	return e.FailureHistory[len(e.FailureHistory)-1].ErrorType
}

// NewFailureDetail builds a history entry from an attempt outcome.
func NewFailureDetail(attempt int, et types.ErrorType, message string, workerID types.WorkerID, d time.Duration) types.FailureDetail {
	return types.FailureDetail{
		AttemptNumber: attempt,
		Timestamp:     time.Now().UTC(),
		ErrorType:     et,
		ErrorMessage:  message,
		WorkerID:      workerID,
		DurationMs:    d.Milliseconds(),
	}
}
