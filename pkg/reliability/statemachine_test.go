// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine(t *testing.T) (*StateMachine, *MemoryJournal, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	journal := &MemoryJournal{}
	sm, err := NewStateMachine(NewMemoryStore(), journal, WithClock(clock.now))
	if err != nil {
		t.Fatalf("NewStateMachine: %v", err)
	}
	return sm, journal, clock
}

func TestNewStateMachine_RequiresCollaborators(t *testing.T) {
	if _, err := NewStateMachine(nil, &MemoryJournal{}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewStateMachine(NewMemoryStore(), nil); err == nil {
		t.Error("expected error without journal")
	}
}

func TestStateMachine_CompleteAfterSend(t *testing.T) {
	ctx := context.Background()
	sm, journal, clock := newTestMachine(t)

	rec, err := sm.Schedule(ctx, "msg-1@blue", KindOutbound, RetryPolicy{MaxRetries: 2, Interval: time.Minute})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if rec.Status != StatusPending || !rec.NotBefore.Equal(clock.t) {
		t.Fatalf("unexpected scheduled record %+v", rec)
	}

	rec, err = sm.MarkSent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if rec.Status != StatusSent || !rec.LastAttempt.Equal(clock.t) {
		t.Fatalf("unexpected sent record %+v", rec)
	}

	rec, err = sm.Complete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", rec.Status)
	}
	if len(journal.Entries()) != 0 {
		t.Error("completed record must not be journaled")
	}

	owned, err := sm.ForMessage(ctx, "msg-1@blue")
	if err != nil {
		t.Fatalf("ForMessage: %v", err)
	}
	if owned.ID != rec.ID || owned.Status != StatusCompleted {
		t.Errorf("unexpected owned record %+v", owned)
	}
	if _, err := sm.ForMessage(ctx, "unknown"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestStateMachine_RetryUntilExhausted(t *testing.T) {
	ctx := context.Background()
	sm, journal, clock := newTestMachine(t)

	var transitions []Status
	sm.observer = func(_ Kind, _, to Status) { transitions = append(transitions, to) }

	rec, err := sm.Schedule(ctx, "msg-2@blue", KindOutbound, RetryPolicy{MaxRetries: 2, Interval: 30 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	lastRetry := 0
	for attempt := 0; attempt < 3; attempt++ {
		due, err := sm.Due(ctx, clock.t, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 1 || due[0].ID != rec.ID {
			t.Fatalf("attempt %d: expected record due, got %v", attempt, due)
		}
		if _, err := sm.MarkSent(ctx, rec.ID); err != nil {
			t.Fatalf("attempt %d: MarkSent: %v", attempt, err)
		}
		sentAt := clock.t
		clock.advance(5 * time.Second)

		rec, err = sm.Fail(ctx, rec.ID, "connection refused")
		if err != nil {
			t.Fatalf("attempt %d: Fail: %v", attempt, err)
		}
		if rec.CurrentRetry < lastRetry {
			t.Fatalf("retry count decreased from %d to %d", lastRetry, rec.CurrentRetry)
		}
		if rec.CurrentRetry > rec.MaxRetry {
			t.Fatalf("retry count %d exceeds max %d", rec.CurrentRetry, rec.MaxRetry)
		}
		lastRetry = rec.CurrentRetry

		if attempt < 2 {
			if rec.Status != StatusPending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, rec.Status)
			}
			if want := sentAt.Add(30 * time.Second); !rec.NotBefore.Equal(want) {
				t.Errorf("attempt %d: NotBefore = %v, want %v", attempt, rec.NotBefore, want)
			}
			due, _ := sm.Due(ctx, clock.t, 10)
			if len(due) != 0 {
				t.Errorf("attempt %d: record should not be due before its interval", attempt)
			}
			clock.advance(30 * time.Second)
		}
	}

	if rec.Status != StatusExhausted {
		t.Fatalf("expected exhausted, got %s", rec.Status)
	}
	entries := journal.Entries()
	if len(entries) != 1 || entries[0].Record.ID != rec.ID || entries[0].Reason != "connection refused" {
		t.Fatalf("expected one journal entry, got %+v", entries)
	}
	want := []Status{StatusSent, StatusPending, StatusSent, StatusPending, StatusSent, StatusExhausted}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestStateMachine_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	sm, journal, _ := newTestMachine(t)

	exhausted, _ := sm.Schedule(ctx, "x", KindInboundException, RetryPolicy{})
	if _, err := sm.MarkSent(ctx, exhausted.ID); err != nil {
		t.Fatal(err)
	}
	if rec, err := sm.Fail(ctx, exhausted.ID, "no retries"); err != nil || rec.Status != StatusExhausted {
		t.Fatalf("expected immediate exhaustion, got %+v %v", rec, err)
	}

	completed, _ := sm.Schedule(ctx, "y", KindOutbound, RetryPolicy{MaxRetries: 1, Interval: time.Second})
	if _, err := sm.Complete(ctx, completed.ID); err != nil {
		t.Fatalf("Complete from pending: %v", err)
	}

	for _, id := range []string{exhausted.ID, completed.ID} {
		if _, err := sm.MarkSent(ctx, id); !errors.Is(err, ErrTerminal) {
			t.Errorf("MarkSent(%s): expected ErrTerminal, got %v", id, err)
		}
		if _, err := sm.Fail(ctx, id, "again"); !errors.Is(err, ErrTerminal) {
			t.Errorf("Fail(%s): expected ErrTerminal, got %v", id, err)
		}
		if _, err := sm.Complete(ctx, id); !errors.Is(err, ErrTerminal) {
			t.Errorf("Complete(%s): expected ErrTerminal, got %v", id, err)
		}
	}
	if n := len(journal.Entries()); n != 1 {
		t.Errorf("expected one journal entry, got %d", n)
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	sm, _, _ := newTestMachine(t)

	rec, _ := sm.Schedule(ctx, "z", KindOutbound, RetryPolicy{MaxRetries: 1, Interval: time.Second})
	if _, err := sm.Fail(ctx, rec.ID, "not sent"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Fail from pending: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := sm.MarkSent(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.MarkSent(ctx, rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkSent twice: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := sm.MarkSent(ctx, "unknown"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestStateMachine_ScheduleValidation(t *testing.T) {
	ctx := context.Background()
	sm, _, _ := newTestMachine(t)

	if _, err := sm.Schedule(ctx, "", KindOutbound, RetryPolicy{}); err == nil {
		t.Error("expected error for empty message id")
	}
	if _, err := sm.Schedule(ctx, "a", KindOutbound, RetryPolicy{MaxRetries: -1}); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}
	if _, err := sm.Schedule(ctx, "a", KindOutbound, RetryPolicy{MaxRetries: 3}); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy for zero interval, got %v", err)
	}
}

func TestPolicyFor(t *testing.T) {
	if p := PolicyFor(nil); p != (RetryPolicy{}) {
		t.Errorf("nil pmode: got %+v", p)
	}
	pm := &pmode.ProcessingMode{
		ID: "a",
		ReceptionAwareness: &pmode.ReceptionAwareness{
			Enabled: true,
			Retry:   &pmode.RetryConfig{Enabled: true, MaxRetries: 4, RetryInterval: time.Minute},
		},
	}
	if p := PolicyFor(pm); p.MaxRetries != 4 || p.Interval != time.Minute {
		t.Errorf("unexpected policy %+v", p)
	}
	pm.ReceptionAwareness.Enabled = false
	if p := PolicyFor(pm); p != (RetryPolicy{}) {
		t.Errorf("disabled reception awareness: got %+v", p)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		code     ErrorCode
		expected string
	}{
		{"DeliveryFailure", ErrorDeliveryFailure, "EBMS:0202"},
		{"MissingReceipt", ErrorMissingReceipt, "EBMS:0301"},
		{"DecompressionFailure", ErrorDecompressionFailure, "EBMS:0303"},
		{"EmptyMessagePartition", ErrorEmptyMessagePartition, "EBMS:0006"},
		{"FailedAuthentication", ErrorFailedAuthentication, "EBMS:0101"},
		{"FailedDecryption", ErrorFailedDecryption, "EBMS:0102"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code.Code != tt.expected {
				t.Errorf("expected code %s, got %s", tt.expected, tt.code.Code)
			}
			line := tt.code.Line("ref-1", "")
			if line.Detail.IsPresent() {
				t.Error("empty detail should be absent")
			}
			if ref, _ := line.RefToMessageID.Get(); ref != "ref-1" {
				t.Errorf("expected ref-1, got %q", ref)
			}
		})
	}
	if ExhaustionCode(KindOutbound) != ErrorMissingReceipt {
		t.Error("outbound exhaustion reports a missing receipt")
	}
	if ExhaustionCode(KindInboundException) != ErrorDeliveryFailure {
		t.Error("inbound exhaustion reports a delivery failure")
	}
}

func TestStateMachine_OverdueAfterInterval(t *testing.T) {
	ctx := context.Background()
	sm, _, clock := newTestMachine(t)

	rec, err := sm.Schedule(ctx, "msg-9@blue", KindOutbound, RetryPolicy{MaxRetries: 1, Interval: time.Minute})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	rec, err = sm.MarkSent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if want := clock.t.Add(time.Minute); !rec.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %v, want %v", rec.NotBefore, want)
	}

	overdue, err := sm.Overdue(ctx, clock.t.Add(30*time.Second), 10)
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if len(overdue) != 0 {
		t.Fatalf("record is not overdue yet: %+v", overdue)
	}

	overdue, err = sm.Overdue(ctx, clock.t.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != rec.ID {
		t.Fatalf("expected overdue record, got %+v", overdue)
	}
	if _, err := sm.Fail(ctx, rec.ID, "no receipt"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	due, err := sm.Due(ctx, clock.t.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].CurrentRetry != 1 {
		t.Errorf("expected one retry due, got %+v", due)
	}
}

// flakyJournal fails while down is set.
type flakyJournal struct {
	MemoryJournal
	down bool
}

func (j *flakyJournal) JournalExhausted(ctx context.Context, r *Record, reason string) error {
	if j.down {
		return errors.New("journal unavailable")
	}
	return j.MemoryJournal.JournalExhausted(ctx, r, reason)
}

func TestStateMachine_JournalFailureKeepsRecordSent(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	journal := &flakyJournal{down: true}
	sm, err := NewStateMachine(NewMemoryStore(), journal, WithClock(clock.now))
	if err != nil {
		t.Fatal(err)
	}

	rec, _ := sm.Schedule(ctx, "msg-j@blue", KindOutbound, RetryPolicy{})
	if _, err := sm.MarkSent(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Fail(ctx, rec.ID, "no receipt"); err == nil {
		t.Fatal("expected the journal failure to be reported")
	}
	got, err := sm.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSent {
		t.Fatalf("record must stay sent until journaled, got %s", got.Status)
	}
	overdue, _ := sm.Overdue(ctx, clock.t, 10)
	if len(overdue) != 1 {
		t.Fatalf("unjournaled record must stay overdue, got %+v", overdue)
	}

	journal.down = false
	got, err = sm.Fail(ctx, rec.ID, "no receipt")
	if err != nil {
		t.Fatalf("Fail after recovery: %v", err)
	}
	if got.Status != StatusExhausted {
		t.Errorf("expected exhausted, got %s", got.Status)
	}
	if n := len(journal.Entries()); n != 1 {
		t.Errorf("expected one journal entry, got %d", n)
	}
}

// racingStore runs race before the first update reaches the store, the way
// another node sharing the database would.
type racingStore struct {
	*MemoryStore
	race      func()
	conflicts bool
}

func (s *racingStore) UpdateRetryRecord(ctx context.Context, prev, next *Record) error {
	if s.race != nil {
		race := s.race
		s.race = nil
		race()
	}
	if s.conflicts {
		return ErrRecordConflict
	}
	return s.MemoryStore.UpdateRetryRecord(ctx, prev, next)
}

func TestStateMachine_ConcurrentChanges(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{MaxRetries: 2, Interval: time.Minute}

	t.Run("completion is not overwritten", func(t *testing.T) {
		store := &racingStore{MemoryStore: NewMemoryStore()}
		sm, err := NewStateMachine(store, &MemoryJournal{})
		if err != nil {
			t.Fatal(err)
		}
		rec, _ := sm.Schedule(ctx, "m1", KindOutbound, policy)
		if _, err := sm.MarkSent(ctx, rec.ID); err != nil {
			t.Fatal(err)
		}
		store.race = func() {
			cur, _ := store.MemoryStore.GetRetryRecord(ctx, rec.ID)
			done := cur.Clone()
			done.Status = StatusCompleted
			if err := store.MemoryStore.UpdateRetryRecord(ctx, cur, done); err != nil {
				t.Error(err)
			}
		}
		if _, err := sm.Fail(ctx, rec.ID, "timeout"); !errors.Is(err, ErrTerminal) {
			t.Errorf("expected ErrTerminal after the concurrent completion, got %v", err)
		}
		got, _ := sm.Get(ctx, rec.ID)
		if got.Status != StatusCompleted || got.CurrentRetry != 0 {
			t.Errorf("completion was overwritten: %+v", got)
		}
	})

	t.Run("stale retry count is read again", func(t *testing.T) {
		store := &racingStore{MemoryStore: NewMemoryStore()}
		sm, err := NewStateMachine(store, &MemoryJournal{})
		if err != nil {
			t.Fatal(err)
		}
		rec, _ := sm.Schedule(ctx, "m2", KindOutbound, policy)
		if _, err := sm.MarkSent(ctx, rec.ID); err != nil {
			t.Fatal(err)
		}
		store.race = func() {
			// another node failed and resent the attempt
			cur, _ := store.MemoryStore.GetRetryRecord(ctx, rec.ID)
			resent := cur.Clone()
			resent.CurrentRetry++
			if err := store.MemoryStore.UpdateRetryRecord(ctx, cur, resent); err != nil {
				t.Error(err)
			}
		}
		got, err := sm.Fail(ctx, rec.ID, "timeout")
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if got.CurrentRetry != 2 || got.Status != StatusPending {
			t.Errorf("expected the second retry scheduled, got %+v", got)
		}
	})

	t.Run("persistent conflict is reported", func(t *testing.T) {
		store := &racingStore{MemoryStore: NewMemoryStore()}
		sm, err := NewStateMachine(store, &MemoryJournal{})
		if err != nil {
			t.Fatal(err)
		}
		rec, _ := sm.Schedule(ctx, "m3", KindOutbound, policy)
		store.conflicts = true
		if _, err := sm.MarkSent(ctx, rec.ID); !errors.Is(err, ErrRecordConflict) {
			t.Errorf("expected ErrRecordConflict, got %v", err)
		}
	})
}

func TestMemoryStore_UpdateIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := &Record{ID: "r1", MessageID: "m1", Kind: KindOutbound, Status: StatusPending}
	if err := s.InsertRetryRecord(ctx, r); err != nil {
		t.Fatal(err)
	}
	sent := r.Clone()
	sent.Status = StatusSent
	if err := s.UpdateRetryRecord(ctx, r, sent); err != nil {
		t.Fatal(err)
	}
	again := r.Clone()
	again.Status = StatusCompleted
	if err := s.UpdateRetryRecord(ctx, r, again); !errors.Is(err, ErrRecordConflict) {
		t.Errorf("expected ErrRecordConflict for a stale update, got %v", err)
	}
	if err := s.UpdateRetryRecord(ctx, r, &Record{ID: "nope"}); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}
