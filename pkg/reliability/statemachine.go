// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// transitionAttempts bounds how often a transition is retried after a
// concurrent change of its record.
const transitionAttempts = 3

// TransitionObserver is told about every status change.
type TransitionObserver func(kind Kind, from, to Status)

// StateMachine drives retry records through
// Pending -> Sent -> Completed, or back to Pending with one more retry
// until the policy is used up and the record is Exhausted.
type StateMachine struct {
	mu       sync.Mutex
	store    RecordStore
	journal  ExceptionJournal
	now      func() time.Time
	logger   *slog.Logger
	observer TransitionObserver
}

// Option configures a StateMachine
type Option func(*StateMachine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) { m.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *StateMachine) { m.logger = logger }
}

// WithObserver registers a transition observer
func WithObserver(o TransitionObserver) Option {
	return func(m *StateMachine) { m.observer = o }
}

// NewStateMachine creates a state machine over store. Exhausted records are
// written to journal.
func NewStateMachine(store RecordStore, journal ExceptionJournal, opts ...Option) (*StateMachine, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if journal == nil {
		return nil, fmt.Errorf("exception journal is required")
	}
	m := &StateMachine{store: store, journal: journal, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Schedule creates a pending record for messageID that is due immediately.
func (m *StateMachine) Schedule(ctx context.Context, messageID string, kind Kind, policy RetryPolicy) (*Record, error) {
	if messageID == "" {
		return nil, fmt.Errorf("message id is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	r := &Record{
		ID:        uuid.New().String(),
		MessageID: messageID,
		Kind:      kind,
		MaxRetry:  policy.MaxRetries,
		Interval:  policy.Interval,
		NotBefore: now,
		Status:    StatusPending,
	}
	if err := m.store.InsertRetryRecord(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to insert retry record: %w", err)
	}
	m.logger.Debug("retry record scheduled",
		"record_id", r.ID,
		"message_id", messageID,
		"kind", kind,
		"max_retry", r.MaxRetry)
	return r.Clone(), nil
}

// MarkSent records the start of an attempt. While Sent, NotBefore is the
// time by which the outcome is expected.
func (m *StateMachine) MarkSent(ctx context.Context, id string) (*Record, error) {
	return m.transition(ctx, id, func(r *Record) error {
		if r.Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusSent)
		}
		r.Status = StatusSent
		r.LastAttempt = m.now().UTC()
		r.NotBefore = r.LastAttempt.Add(r.Interval)
		return nil
	})
}

// Complete records a successful outcome. A receipt may arrive after the
// record was put back to Pending, so both Pending and Sent complete.
func (m *StateMachine) Complete(ctx context.Context, id string) (*Record, error) {
	return m.transition(ctx, id, func(r *Record) error {
		r.Status = StatusCompleted
		return nil
	})
}

// Fail records a failed attempt. The record goes back to Pending with one
// more retry, due one interval after the attempt, or becomes Exhausted and
// is journaled when no retry is left. A record only becomes Exhausted once
// its journal entry is written; if the journal fails the record stays Sent
// and the next Fail tries again.
func (m *StateMachine) Fail(ctx context.Context, id, reason string) (*Record, error) {
	apply := func(r *Record) error {
		if r.Status != StatusSent {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, r.Status)
		}
		if r.CurrentRetry < r.MaxRetry {
			r.CurrentRetry++
			r.Status = StatusPending
			r.NotBefore = r.LastAttempt.Add(r.Interval)
			return nil
		}
		r.Status = StatusExhausted
		return nil
	}
	commit := func(ctx context.Context, prev, next *Record) error {
		if next.Status != StatusExhausted {
			return m.store.UpdateRetryRecord(ctx, prev, next)
		}
		if aj, ok := m.journal.(AtomicJournal); ok {
			return aj.ExhaustRetryRecord(ctx, prev, next, reason)
		}
		if err := m.journal.JournalExhausted(ctx, next, reason); err != nil {
			return fmt.Errorf("failed to journal exhausted record %s: %w", next.ID, err)
		}
		return m.store.UpdateRetryRecord(ctx, prev, next)
	}
	r, err := m.transitionWith(ctx, id, apply, commit)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With("record_id", r.ID, "message_id", r.MessageID)
	if r.Status == StatusExhausted {
		logger.Warn("retries exhausted", "retries", r.CurrentRetry, "reason", reason)
		return r, nil
	}
	logger.Info("attempt failed, retry scheduled",
		"retry", r.CurrentRetry,
		"max_retry", r.MaxRetry,
		"not_before", r.NotBefore,
		"reason", reason)
	return r, nil
}

// Due returns up to limit pending records whose NotBefore has passed.
func (m *StateMachine) Due(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	return m.store.ListRetryRecords(ctx, StatusPending, now.UTC(), limit)
}

// Overdue returns up to limit sent records whose outcome did not arrive in
// time. Callers fail them so that the next attempt is scheduled.
func (m *StateMachine) Overdue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	return m.store.ListRetryRecords(ctx, StatusSent, now.UTC(), limit)
}

// ForMessage returns the record owned by messageID.
func (m *StateMachine) ForMessage(ctx context.Context, messageID string) (*Record, error) {
	return m.store.FindRetryRecord(ctx, messageID)
}

// Get returns the record with id.
func (m *StateMachine) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.GetRetryRecord(ctx, id)
}

func (m *StateMachine) transition(ctx context.Context, id string, apply func(*Record) error) (*Record, error) {
	return m.transitionWith(ctx, id, apply, m.store.UpdateRetryRecord)
}

// transitionWith reads the record, applies the change and commits it
// conditionally on the record being unchanged. A record changed by another
// node in between is read again, up to transitionAttempts times.
func (m *StateMachine) transitionWith(ctx context.Context, id string, apply func(*Record) error,
	commit func(ctx context.Context, prev, next *Record) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 1; ; attempt++ {
		prev, err := m.store.GetRetryRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if prev.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, prev.Status)
		}
		next := prev.Clone()
		if err := apply(next); err != nil {
			return nil, err
		}
		err = commit(ctx, prev, next)
		if errors.Is(err, ErrRecordConflict) && attempt < transitionAttempts {
			m.logger.Debug("retry record changed concurrently, reading again", "record_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update retry record: %w", err)
		}
		if m.observer != nil {
			m.observer(next.Kind, prev.Status, next.Status)
		}
		return next.Clone(), nil
	}
}
