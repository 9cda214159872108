// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-msh/pkg/backoff"
)

// Puller sends a pull request on an MPC. It returns nil when the partner
// answered with the empty message partition warning.
type Puller interface {
	Pull(ctx context.Context, mpc string) (*ReceivedMessage, error)
}

// DefaultPullMinInterval is the pull interval of an MPC without tmin.
const DefaultPullMinInterval = time.Second

// PullRequestReceiver pulls messages from a partner, one loop per MPC. An
// empty answer advances the MPC's backoff, a pulled message resets it.
//
// Settings, one per MPC:
//
//	Mpc  value is the MPC; attributes tmin and tmax bound the backoff,
//	     the optional attribute base overrides the growth factor. tmin
//	     defaults to DefaultPullMinInterval and must be positive
type PullRequestReceiver struct {
	puller Puller
	opts   options
	logger *slog.Logger

	mu      sync.Mutex
	targets []*pullTarget
}

type pullTarget struct {
	mpc    string
	calc   *backoff.Calculator
	puller Puller
	logger *slog.Logger
	poller *Poller[*ReceivedMessage]
}

// NewPullRequestReceiver creates an unconfigured receiver over puller.
func NewPullRequestReceiver(puller Puller, opts ...Option) *PullRequestReceiver {
	o := buildOptions(opts)
	return &PullRequestReceiver{puller: puller, opts: o, logger: o.logger}
}

// Configure implements Receiver.
func (r *PullRequestReceiver) Configure(settings Settings) error {
	if r.puller == nil {
		return fmt.Errorf("%w: pull receiver needs a puller", ErrConfiguration)
	}
	mpcs := settings.All("Mpc")
	if len(mpcs) == 0 {
		return fmt.Errorf("%w: at least one Mpc setting is required", ErrConfiguration)
	}

	targets := make([]*pullTarget, 0, len(mpcs))
	for _, s := range mpcs {
		if s.Value == "" {
			return fmt.Errorf("%w: Mpc setting without value", ErrConfiguration)
		}
		attrs := Settings{}
		for k, v := range s.Attributes {
			attrs = append(attrs, Setting{Key: k, Value: v})
		}
		tmin, err := attrs.Duration("tmin", DefaultPullMinInterval)
		if err != nil {
			return err
		}
		if tmin <= 0 {
			return fmt.Errorf("%w: mpc %s: tmin must be positive, got %s", ErrConfiguration, s.Value, tmin)
		}
		tmax, err := attrs.Duration("tmax", 0)
		if err != nil {
			return err
		}
		base, err := attrs.Float("base", backoff.DefaultBase)
		if err != nil {
			return err
		}
		calc, err := backoff.New(tmin, tmax, backoff.WithBase(base))
		if err != nil {
			return fmt.Errorf("%w: mpc %s: %v", ErrConfiguration, s.Value, err)
		}
		t := &pullTarget{
			mpc:    s.Value,
			calc:   calc,
			puller: r.puller,
			logger: r.opts.logger.With("receiver", "pull", "mpc", s.Value),
		}
		t.poller = NewPoller[*ReceivedMessage](t, tmin, r.opts.pollerOptions(WithPollerLogger(t.logger))...)
		targets = append(targets, t)
	}

	r.mu.Lock()
	r.targets = targets
	r.mu.Unlock()
	return nil
}

// StartReceiving implements Receiver. It runs one polling loop per MPC and
// fails if any of them cannot start.
func (r *PullRequestReceiver) StartReceiving(ctx context.Context, handler MessageHandler) error {
	r.mu.Lock()
	targets := r.targets
	r.mu.Unlock()
	if len(targets) == 0 {
		return fmt.Errorf("%w: receiver is not configured", ErrConfiguration)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error { return t.poller.Run(gctx, handler) })
	}
	return g.Wait()
}

// StopReceiving implements Receiver.
func (r *PullRequestReceiver) StopReceiving() {
	r.mu.Lock()
	targets := r.targets
	r.mu.Unlock()
	for _, t := range targets {
		t.poller.Stop()
	}
}

// Interval returns the current backoff interval of mpc.
func (r *PullRequestReceiver) Interval(mpc string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.mpc == mpc {
			return t.calc.Interval(), true
		}
	}
	return 0, false
}

// GetMessagesToPoll sends one pull request.
func (t *pullTarget) GetMessagesToPoll(ctx context.Context) ([]*ReceivedMessage, error) {
	msg, err := t.puller.Pull(ctx, t.mpc)
	if err != nil || msg == nil {
		return nil, err
	}
	if msg.Origin == "" {
		msg.Origin = t.mpc
	}
	return []*ReceivedMessage{msg}, nil
}

// MessageReceived hands the pulled message to handler. A pulled message
// cannot be given back, so Requeue is only logged.
func (t *pullTarget) MessageReceived(ctx context.Context, msg *ReceivedMessage, handler MessageHandler) error {
	res, err := handler(ctx, msg)
	if err != nil {
		return err
	}
	if res.Requeue {
		t.logger.Warn("pulled message cannot be requeued", "message_id", msg.MessageID)
	}
	return nil
}

// HandleMessageException logs the failure.
func (t *pullTarget) HandleMessageException(_ context.Context, msg *ReceivedMessage, err error) {
	t.logger.Error("failed to process pulled message", "message_id", msg.MessageID, "error", err)
}

// ReleasePendingItems has nothing to release: each cycle pulls one message.
func (t *pullTarget) ReleasePendingItems(context.Context, []*ReceivedMessage) {}

// PollingInterval advances the backoff after an empty pull and resets it
// after a pulled message.
func (t *pullTarget) PollingInterval(items []*ReceivedMessage) time.Duration {
	if len(items) == 0 {
		return t.calc.CalculateNewInterval()
	}
	t.calc.ResetInterval()
	return t.calc.Interval()
}
