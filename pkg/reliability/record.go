// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Status is the reliability state of a record
type Status string

const (
	StatusPending   Status = "pending"   // waiting for its next attempt
	StatusSent      Status = "sent"      // attempt in flight, awaiting outcome
	StatusCompleted Status = "completed" // acknowledged
	StatusExhausted Status = "exhausted" // retries used up
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusExhausted
}

// Kind tells what a record retries
type Kind string

const (
	// KindOutbound retries sending an outbound message until a receipt arrives.
	KindOutbound Kind = "outbound"
	// KindInboundException retries notifying the business application of a
	// failed inbound message.
	KindInboundException Kind = "inbound-exception"
)

// Record is the retry bookkeeping of one message.
type Record struct {
	ID           string
	MessageID    string
	Kind         Kind
	CurrentRetry int
	MaxRetry     int
	Interval     time.Duration
	LastAttempt  time.Time
	NotBefore    time.Time
	Status       Status
}

// Clone returns a copy of r.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

var (
	// ErrTerminal is returned for a transition out of Completed or Exhausted
	ErrTerminal = errors.New("record is in a terminal state")
	// ErrInvalidTransition is returned for a transition the state does not allow
	ErrInvalidTransition = errors.New("invalid reliability transition")
	// ErrRecordNotFound is returned by stores for unknown records
	ErrRecordNotFound = errors.New("retry record not found")
	// ErrInvalidPolicy is returned for unusable retry policies
	ErrInvalidPolicy = errors.New("invalid retry policy")
	// ErrRecordConflict is returned by stores when a record changed since it was read
	ErrRecordConflict = errors.New("retry record changed concurrently")
)

// RecordStore persists retry records.
type RecordStore interface {
	InsertRetryRecord(ctx context.Context, r *Record) error
	GetRetryRecord(ctx context.Context, id string) (*Record, error)
	// FindRetryRecord returns the record owned by messageID.
	FindRetryRecord(ctx context.Context, messageID string) (*Record, error)
	// UpdateRetryRecord stores next only while the stored record still has
	// the status and retry count of prev, and fails with ErrRecordConflict
	// otherwise.
	UpdateRetryRecord(ctx context.Context, prev, next *Record) error
	// ListRetryRecords returns records with status whose NotBefore is not
	// after before, oldest first.
	ListRetryRecords(ctx context.Context, status Status, before time.Time, limit int) ([]*Record, error)
}

// ExceptionJournal records messages whose retries are exhausted.
type ExceptionJournal interface {
	JournalExhausted(ctx context.Context, r *Record, reason string) error
}

// AtomicJournal is an ExceptionJournal kept in the same database as the
// records. ExhaustRetryRecord applies the update of UpdateRetryRecord and
// the journal entry together, or neither.
type AtomicJournal interface {
	ExceptionJournal
	ExhaustRetryRecord(ctx context.Context, prev, next *Record, reason string) error
}

// RetryPolicy bounds the retries of a record.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
}

// Validate rejects negative retries and non-positive intervals when retries are allowed.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max retries", ErrInvalidPolicy)
	}
	if p.MaxRetries > 0 && p.Interval <= 0 {
		return fmt.Errorf("%w: retry interval must be positive", ErrInvalidPolicy)
	}
	return nil
}

// PolicyFor resolves the retry policy of a P-Mode. Without reception
// awareness a single attempt is made.
func PolicyFor(pm *pmode.ProcessingMode) RetryPolicy {
	if pm == nil || pm.ReceptionAwareness == nil || !pm.ReceptionAwareness.Enabled {
		return RetryPolicy{}
	}
	retry := pm.ReceptionAwareness.Retry
	if retry == nil || !retry.Enabled {
		return RetryPolicy{}
	}
	return RetryPolicy{MaxRetries: retry.MaxRetries, Interval: retry.RetryInterval}
}
