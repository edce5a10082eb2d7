package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/types"
)

// MergeRecord is one durably applied merge outcome. A merge whose record is
// not on disk is treated as never having happened.
type MergeRecord struct {
	Seq       uint64       `json:"seq"`
	ItemID    types.ItemID `json:"item_id"`
	Branch    string       `json:"branch"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	AppliedAt time.Time    `json:"applied_at"`
}

// Journal is an append-only JSONL log of merge outcomes since the last
// checkpoint. Every append is fsync'd before it is reported durable: the
// merge queue confirms a merge to its caller only after the record is on
// disk. After each successful checkpoint the journal is truncated, keeping
// replay short.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	encoder *json.Encoder
	lastSeq uint64
}

// OpenJournal opens or creates the journal at path and recovers the last
// written sequence from existing records.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open merge journal: %w", err)
	}

	j := &Journal{
		path:    path,
		file:    file,
		encoder: json.NewEncoder(file),
	}
	// A partial trailing record (crash mid-write) stops the scan; the seq
	// recovered is that of the last complete record, which is exactly the
	// durable prefix.
	_ = j.replayLocked(func(rec MergeRecord) error {
		j.lastSeq = rec.Seq
		return nil
	})
	return j, nil
}

// Append writes rec and syncs it to disk before returning.
func (j *Journal) Append(rec MergeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = time.Now().UTC()
	}
	if err := j.encoder.Encode(rec); err != nil {
		return fmt.Errorf("failed to append merge record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync merge journal: %w", err)
	}
	j.lastSeq = rec.Seq
	return nil
}

// Replay feeds every complete record to handler in write order.
func (j *Journal) Replay(handler func(MergeRecord) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.replayLocked(handler)
}

func (j *Journal) replayLocked(handler func(MergeRecord) error) error {
	file, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec MergeRecord
		if err := decoder.Decode(&rec); err != nil {
			// Torn tail from a crash mid-append: everything before it
			// is valid.
			return nil
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// Truncate discards all records. Called after a successful checkpoint, which
// by then reflects everything the journal held.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close merge journal: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to truncate merge journal: %w", err)
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	return nil
}

// LastSeq returns the sequence of the newest durable record, 0 when empty.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Close flushes nothing (appends are already synced) and releases the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
