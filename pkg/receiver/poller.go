// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Poller.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateBackingOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateBackingOff:
		return "backing-off"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Strategy supplies the source specific steps of a polling loop.
type Strategy[T any] interface {
	// GetMessagesToPoll claims the next batch of candidates.
	GetMessagesToPoll(ctx context.Context) ([]T, error)
	// MessageReceived dispatches one candidate to handler.
	MessageReceived(ctx context.Context, item T, handler MessageHandler) error
	// HandleMessageException is called when MessageReceived fails for item.
	HandleMessageException(ctx context.Context, item T, err error)
	// ReleasePendingItems returns claimed candidates that were not dispatched.
	ReleasePendingItems(ctx context.Context, items []T)
	// PollingInterval is the pause after a cycle. items is empty when the
	// cycle found nothing.
	PollingInterval(items []T) time.Duration
}

// ErrAlreadyStarted is returned when a poller is started twice.
var ErrAlreadyStarted = errors.New("receiver already started")

// Poller runs a Strategy: poll, dispatch each candidate in order, pause.
type Poller[T any] struct {
	strategy Strategy[T]
	interval time.Duration
	logger   *slog.Logger
	wake     <-chan struct{}

	mu      sync.Mutex
	state   State
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	onState func(State)
}

// PollerOption configures a Poller.
type PollerOption func(*pollerOptions)

type pollerOptions struct {
	logger  *slog.Logger
	wake    <-chan struct{}
	onState func(State)
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(o *pollerOptions) { o.logger = l }
}

// WithWake ends a pause early whenever a value arrives on ch.
func WithWake(ch <-chan struct{}) PollerOption {
	return func(o *pollerOptions) { o.wake = ch }
}

// WithStateHook registers fn to observe state changes.
func WithStateHook(fn func(State)) PollerOption {
	return func(o *pollerOptions) { o.onState = fn }
}

// NewPoller creates a poller. interval is the configured polling interval and
// is validated when the poller starts.
func NewPoller[T any](strategy Strategy[T], interval time.Duration, opts ...PollerOption) *Poller[T] {
	o := pollerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Poller[T]{
		strategy: strategy,
		interval: interval,
		logger:   o.logger,
		wake:     o.wake,
		onState:  o.onState,
		done:     make(chan struct{}),
	}
}

// State returns the current state.
func (p *Poller[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller[T]) setState(s State) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	hook := p.onState
	p.mu.Unlock()
	if changed && hook != nil {
		hook(s)
	}
}

// Run polls until ctx is cancelled or Stop is called. A non-positive
// interval fails immediately with ErrConfiguration.
func (p *Poller[T]) Run(ctx context.Context, handler MessageHandler) error {
	if p.interval <= 0 {
		p.setState(StateStopped)
		return fmt.Errorf("%w: polling interval must be positive, got %s", ErrConfiguration, p.interval)
	}
	if handler == nil {
		return fmt.Errorf("%w: message handler is required", ErrConfiguration)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	if p.state == StateStopped {
		// stopped before it started
		p.mu.Unlock()
		close(p.done)
		return nil
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	defer func() {
		p.setState(StateStopped)
		close(p.done)
	}()

	for {
		p.setState(StatePolling)
		items, err := p.strategy.GetMessagesToPoll(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("polling failed", "error", err)
		}

		for i, item := range items {
			if ctx.Err() != nil {
				p.strategy.ReleasePendingItems(context.WithoutCancel(ctx), items[i:])
				return nil
			}
			p.setState(StateDispatching)
			p.dispatch(ctx, item, handler)
		}

		if len(items) == 0 {
			p.setState(StateBackingOff)
		}
		pause := p.strategy.PollingInterval(items)
		if len(items) == 0 && pause <= 0 {
			pause = p.interval
		}
		if !p.sleep(ctx, pause) {
			return nil
		}
	}
}

// dispatch completes even when ctx is cancelled so a stop never abandons
// a claimed item halfway.
func (p *Poller[T]) dispatch(ctx context.Context, item T, handler MessageHandler) {
	dctx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			p.strategy.HandleMessageException(dctx, item, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := p.strategy.MessageReceived(dctx, item, handler); err != nil {
		p.strategy.HandleMessageException(dctx, item, err)
	}
}

func (p *Poller[T]) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-p.wake:
		return true
	}
}

// Stop ends the loop and waits for it to exit.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	if !p.started {
		p.state = StateStopped
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-p.done
}
