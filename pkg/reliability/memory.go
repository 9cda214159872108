// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package reliability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process RecordStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// InsertRetryRecord stores a copy of r
func (s *MemoryStore) InsertRetryRecord(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("retry record %s already exists", r.ID)
	}
	for _, other := range s.records {
		if other.MessageID == r.MessageID {
			return fmt.Errorf("message %s already has retry record %s", r.MessageID, other.ID)
		}
	}
	s.records[r.ID] = r.Clone()
	return nil
}

// GetRetryRecord returns a copy of the record with id
func (s *MemoryStore) GetRetryRecord(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return r.Clone(), nil
}

// FindRetryRecord returns a copy of the record owned by messageID
func (s *MemoryStore) FindRetryRecord(_ context.Context, messageID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.MessageID == messageID {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: message %s", ErrRecordNotFound, messageID)
}

// UpdateRetryRecord replaces the stored record if it still matches prev
func (s *MemoryStore) UpdateRetryRecord(_ context.Context, prev, next *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[next.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, next.ID)
	}
	if cur.Status != prev.Status || cur.CurrentRetry != prev.CurrentRetry {
		return fmt.Errorf("%w: %s is %s after %d retries", ErrRecordConflict, next.ID, cur.Status, cur.CurrentRetry)
	}
	s.records[next.ID] = next.Clone()
	return nil
}

// ListRetryRecords returns matching records ordered by NotBefore.
func (s *MemoryStore) ListRetryRecords(_ context.Context, status Status, before time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.Status == status && !r.NotBefore.After(before) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NotBefore.Equal(out[j].NotBefore) {
			return out[i].ID < out[j].ID
		}
		return out[i].NotBefore.Before(out[j].NotBefore)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// JournalEntry is one exhausted record.
type JournalEntry struct {
	Record *Record
	Reason string
	At     time.Time
}

// MemoryJournal keeps exhausted records in memory.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

// JournalExhausted appends an entry
func (j *MemoryJournal) JournalExhausted(_ context.Context, r *Record, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, JournalEntry{Record: r.Clone(), Reason: reason, At: time.Now().UTC()})
	return nil
}

// Entries returns the journaled records
func (j *MemoryJournal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.entries...)
}
