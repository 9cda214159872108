// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package reliability

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

var dupPrefix = []byte("dup/")

// DuplicateDetector is a persistent duplicate elimination log. A message id
// counts as seen for window after it was first recorded.
type DuplicateDetector struct {
	mu     sync.Mutex
	db     *pebble.DB
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// DuplicateOptions tune a DuplicateDetector.
type DuplicateOptions struct {
	Logger *slog.Logger
	// Now replaces time.Now.
	Now func() time.Time
}

// OpenDuplicateDetector opens or creates the log at path.
func OpenDuplicateDetector(path string, window time.Duration, opts *DuplicateOptions) (*DuplicateDetector, error) {
	if window <= 0 {
		return nil, fmt.Errorf("duplicate detection window must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open duplicate log: %w", err)
	}
	d := &DuplicateDetector{db: db, window: window, now: time.Now, logger: slog.Default()}
	if opts != nil {
		if opts.Logger != nil {
			d.logger = opts.Logger
		}
		if opts.Now != nil {
			d.now = opts.Now
		}
	}
	return d, nil
}

// Close closes the underlying database.
func (d *DuplicateDetector) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Seen reports whether messageID was recorded within the window.
func (d *DuplicateDetector) Seen(messageID string) (bool, error) {
	at, ok, err := d.get(messageID)
	if err != nil || !ok {
		return false, err
	}
	return d.now().Sub(at) < d.window, nil
}

// MarkSeen records messageID at the current time.
func (d *DuplicateDetector) MarkSeen(messageID string) error {
	return d.db.Set(dupKey(messageID), encodeTime(d.now()), pebble.Sync)
}

// CheckAndMark records messageID and reports whether it was already seen.
// An expired entry is refreshed and not reported.
func (d *DuplicateDetector) CheckAndMark(messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen, err := d.Seen(messageID)
	if err != nil {
		return false, err
	}
	if seen {
		d.logger.Debug("duplicate message", "message_id", messageID)
		return true, nil
	}
	return false, d.MarkSeen(messageID)
}

// Forget removes messageID, so its next sighting is not a duplicate.
func (d *DuplicateDetector) Forget(messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Delete(dupKey(messageID), pebble.Sync)
}

// Purge deletes entries older than the window and returns how many went.
func (d *DuplicateDetector) Purge() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: dupPrefix,
		UpperBound: []byte("dup0"),
	})
	if err != nil {
		return 0, err
	}
	cutoff := d.now().Add(-d.window)
	batch := d.db.NewBatch()
	defer batch.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		v := iter.Value()
		if len(v) != 8 {
			continue
		}
		if decodeTime(v).Before(cutoff) {
			key := append([]byte(nil), iter.Key()...)
			if err := batch.Delete(key, nil); err != nil {
				iter.Close()
				return 0, err
			}
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to purge duplicate log: %w", err)
	}
	d.logger.Info("purged duplicate log", "entries", n)
	return n, nil
}

func (d *DuplicateDetector) get(messageID string) (time.Time, bool, error) {
	v, closer, err := d.db.Get(dupKey(messageID))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return time.Time{}, false, fmt.Errorf("corrupt duplicate entry for %s", messageID)
	}
	return decodeTime(v), true, nil
}

func dupKey(messageID string) []byte {
	return append(append([]byte(nil), dupPrefix...), messageID...)
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTime(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}
