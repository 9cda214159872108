// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Option configures a receiver.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	stateHook func(State)
}

// WithLogger sets the receiver logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStateObserver is told about every polling state change.
func WithStateObserver(fn func(State)) Option {
	return func(o *options) { o.stateHook = fn }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func (o options) pollerOptions(extra ...PollerOption) []PollerOption {
	return append([]PollerOption{WithPollerLogger(o.logger), WithStateHook(o.stateHook)}, extra...)
}

// loop holds the poller of a configured receiver.
type loop[T any] struct {
	mu     sync.Mutex
	poller *Poller[T]
}

func (l *loop[T]) set(p *Poller[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poller = p
}

func (l *loop[T]) run(ctx context.Context, handler MessageHandler) error {
	l.mu.Lock()
	p := l.poller
	l.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: receiver is not configured", ErrConfiguration)
	}
	return p.Run(ctx, handler)
}

func (l *loop[T]) stop() {
	l.mu.Lock()
	p := l.poller
	l.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (l *loop[T]) state() State {
	l.mu.Lock()
	p := l.poller
	l.mu.Unlock()
	if p == nil {
		return StateIdle
	}
	return p.State()
}
