// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStrategy returns one scripted batch per cycle.
type scriptedStrategy struct {
	mu         sync.Mutex
	batches    [][]string
	dispatched []string
	failed     []string
	released   []string
	// block is closed by the test to let a dispatch of "slow" finish
	block   chan struct{}
	started chan struct{}
}

func (s *scriptedStrategy) GetMessagesToPoll(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *scriptedStrategy) MessageReceived(ctx context.Context, item string, handler MessageHandler) error {
	if item == "slow" {
		close(s.started)
		<-s.block
	}
	_, err := handler(ctx, &ReceivedMessage{ID: item})
	return err
}

func (s *scriptedStrategy) HandleMessageException(_ context.Context, item string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, item)
}

func (s *scriptedStrategy) ReleasePendingItems(_ context.Context, items []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, items...)
}

func (s *scriptedStrategy) PollingInterval([]string) time.Duration { return time.Millisecond }

func (s *scriptedStrategy) snapshot() (dispatched, failed, released []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dispatched...), append([]string(nil), s.failed...), append([]string(nil), s.released...)
}

func TestPoller_NonPositiveIntervalIsFatal(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		p := NewPoller[string](&scriptedStrategy{}, interval)
		err := p.Run(context.Background(), func(context.Context, *ReceivedMessage) (Result, error) {
			return Ack(), nil
		})
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Equal(t, StateStopped, p.State())
	}
}

func TestPoller_DispatchesInOrderAndSurvivesFailures(t *testing.T) {
	s := &scriptedStrategy{batches: [][]string{{"a", "boom", "b"}, {"c"}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(_ context.Context, m *ReceivedMessage) (Result, error) {
		s.mu.Lock()
		s.dispatched = append(s.dispatched, m.ID)
		s.mu.Unlock()
		if m.ID == "boom" {
			return Result{}, errors.New("boom")
		}
		if m.ID == "c" {
			cancel()
		}
		return Ack(), nil
	}

	var states []State
	var statesMu sync.Mutex
	p := NewPoller[string](s, 10*time.Millisecond, WithStateHook(func(st State) {
		statesMu.Lock()
		states = append(states, st)
		statesMu.Unlock()
	}))
	require.NoError(t, p.Run(ctx, handler))

	dispatched, failed, _ := s.snapshot()
	assert.Equal(t, []string{"a", "boom", "b", "c"}, dispatched)
	assert.Equal(t, []string{"boom"}, failed)
	assert.Equal(t, StateStopped, p.State())

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Contains(t, states, StatePolling)
	assert.Contains(t, states, StateDispatching)
	assert.Equal(t, StateStopped, states[len(states)-1])
}

func TestPoller_HandlerPanicIsContained(t *testing.T) {
	s := &scriptedStrategy{batches: [][]string{{"panic", "after"}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(_ context.Context, m *ReceivedMessage) (Result, error) {
		if m.ID == "panic" {
			panic("handler bug")
		}
		cancel()
		return Ack(), nil
	}
	require.NoError(t, NewPoller[string](s, time.Millisecond).Run(ctx, handler))

	_, failed, _ := s.snapshot()
	assert.Equal(t, []string{"panic"}, failed)
}

func TestPoller_StopFinishesInFlightAndReleasesRest(t *testing.T) {
	s := &scriptedStrategy{
		batches: [][]string{{"slow", "x", "y"}},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	var handled []string
	var handledMu sync.Mutex
	handler := func(ctx context.Context, m *ReceivedMessage) (Result, error) {
		handledMu.Lock()
		handled = append(handled, m.ID)
		handledMu.Unlock()
		return Ack(), ctx.Err()
	}

	p := NewPoller[string](s, time.Hour)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), handler) }()

	<-s.started
	assert.Equal(t, StateDispatching, p.State())

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight dispatch finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(s.block)
	<-stopped
	require.NoError(t, <-done)

	handledMu.Lock()
	assert.Equal(t, []string{"slow"}, handled)
	handledMu.Unlock()
	_, failed, released := s.snapshot()
	assert.Empty(t, failed, "in-flight dispatch runs with a live context")
	assert.Equal(t, []string{"x", "y"}, released)
	assert.Equal(t, StateStopped, p.State())
}

func TestPoller_StopBeforeRun(t *testing.T) {
	p := NewPoller[string](&scriptedStrategy{}, time.Second)
	p.Stop()
	err := p.Run(context.Background(), func(context.Context, *ReceivedMessage) (Result, error) {
		t.Error("handler must not run")
		return Ack(), nil
	})
	assert.NoError(t, err)
	assert.Equal(t, StateStopped, p.State())
}

func TestPoller_RunTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPoller[string](&scriptedStrategy{}, time.Millisecond)
	handler := func(context.Context, *ReceivedMessage) (Result, error) { return Ack(), nil }
	require.NoError(t, p.Run(ctx, handler))
	assert.ErrorIs(t, p.Run(ctx, handler), ErrAlreadyStarted)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "backing-off", StateBackingOff.String())
	assert.Equal(t, "state(42)", State(42).String())
}
