// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package sender transfers outbound messages to partner MSHs and keeps their
// reception awareness.
//
// # Transfer
//
// The send flow claims OutMessages rows (ToBeSent -> Sending) and hands each
// one to [Sender.Transfer]. An attempt is recorded on the row's retry record
// (Pending -> Sent), the stored wire message is posted to the address of the
// P-Mode, and the row moves on to Sent. A synchronous reply is parsed and its
// signals processed like asynchronous ones.
//
// # Reception Awareness
//
// [Sender.Run] is the background worker. Every poll interval it
//
//  1. fails sent records whose receipt did not arrive in time,
//  2. re-queues the rows of pending outbound records that are due, so the
//     send flow or the next pull picks them up again (Sent -> ToBeSent, or
//     ToBePulled for pull bound P-Modes),
//  3. notifies the business application of due inbound exceptions.
//
// Exhausted records are journaled by the state machine: the outbound row is
// dead-lettered with an EBMS:0301 exception.
//
// # Concurrency
//
// Row moves are conditional updates. A conflict means another worker or flow
// owns the row and is not an error.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/mime"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/security"
	"github.com/sirosfoundation/go-msh/pkg/transport"
)

// Transport posts a wire message and returns the synchronous answer.
// *transport.HTTPSClient implements it.
type Transport interface {
	Send(ctx context.Context, endpoint string, body []byte, contentType string) (*transport.Response, error)
}

// PModes resolves the P-Mode a row was submitted under.
type PModes interface {
	GetPMode(id string) *pmode.ProcessingMode
}

// VerifyFunc opens a reply before its signals are processed.
type VerifyFunc func(msg *message.Message, pm *pmode.ProcessingMode) error

// Observer is told about every transfer.
type Observer interface {
	ObserveSend(seconds float64, ok bool)
}

// Sender transfers outbound rows and runs the reception awareness loop.
type Sender struct {
	store      storage.Store
	pmodes     PModes
	machine    *reliability.StateMachine
	client     Transport
	serializer *mime.Serializer
	notifier   Notifier
	verify     VerifyFunc
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time

	pollInterval time.Duration
	batchSize    int
}

// Config holds sender configuration
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
	}
}

// Option configures a Sender
type Option func(*Sender)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) { s.logger = logger }
}

// WithNotifier sets where inbound exceptions are reported
func WithNotifier(n Notifier) Option {
	return func(s *Sender) { s.notifier = n }
}

// WithVerifier checks synchronous replies before their signals count
func WithVerifier(v VerifyFunc) Option {
	return func(s *Sender) { s.verify = v }
}

// WithObserver registers a transfer observer
func WithObserver(o Observer) Option {
	return func(s *Sender) { s.observer = o }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// New creates a sender.
func New(
	store storage.Store,
	pmodes PModes,
	machine *reliability.StateMachine,
	client Transport,
	serializer *mime.Serializer,
	cfg *Config,
	opts ...Option,
) (*Sender, error) {
	if store == nil || pmodes == nil || machine == nil || client == nil || serializer == nil {
		return nil, fmt.Errorf("%w: sender needs a store, pmodes, a state machine, a transport and a serializer", storage.ErrInvalidArgument)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Sender{
		store:        store,
		pmodes:       pmodes,
		machine:      machine,
		client:       client,
		serializer:   serializer,
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultConfig().PollInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultConfig().BatchSize
	}
	return s, nil
}

// Transfer makes one attempt for a claimed OutMessages row in Sending. The
// returned error is an infrastructure failure; failed attempts are recorded
// on the retry record and return nil.
func (s *Sender) Transfer(ctx context.Context, row *storage.MessageRow) error {
	log := s.logger.With("row_id", row.ID, "message_id", row.EbmsMessageID)

	rec, err := s.beginAttempt(ctx, row)
	if rec == nil || err != nil {
		return err
	}

	pm := s.pmodes.GetPMode(row.PModeID)
	if pm == nil || pm.Protocol == nil || pm.Protocol.Address == "" {
		if err := s.moveRow(ctx, row.ID, storage.OperationSending, storage.OperationSent); err != nil {
			return err
		}
		return s.fail(ctx, rec, fmt.Sprintf("no endpoint for pmode %q", row.PModeID))
	}

	start := s.now()
	resp, sendErr := s.client.Send(ctx, pm.Protocol.Address, row.Body, row.ContentType)
	if s.observer != nil {
		s.observer.ObserveSend(s.now().Sub(start).Seconds(), sendErr == nil)
	}

	// Leave Sending before the outcome is recorded: exhaustion dead-letters
	// the row from whatever state it is in.
	if err := s.moveRow(ctx, row.ID, storage.OperationSending, storage.OperationSent); err != nil {
		return err
	}
	if sendErr != nil {
		log.Warn("transfer failed", "endpoint", pm.Protocol.Address, "error", sendErr)
		return s.fail(ctx, rec, sendErr.Error())
	}
	log.Info("message transferred", "endpoint", pm.Protocol.Address, "status", resp.StatusCode)

	if len(resp.Body) > 0 {
		reply, err := s.serializer.Deserialize(ctx, bytes.NewReader(resp.Body), resp.ContentType)
		if err != nil {
			return s.fail(ctx, rec, "unreadable reply: "+err.Error())
		}
		if s.verify != nil {
			if err := s.verify(reply, pm); err != nil {
				return s.fail(ctx, rec, "reply rejected: "+err.Error())
			}
		}
		if err := s.ProcessSignals(ctx, reply); err != nil {
			return err
		}
	}
	if !awaitsReceipt(pm) {
		if _, err := s.machine.Complete(ctx, rec.ID); err != nil && !errors.Is(err, reliability.ErrTerminal) {
			return err
		}
	}
	return nil
}

// Handover records that a claimed row in Sending is about to be given to a
// partner as the answer to its pull request. It reports false when the row
// has no attempt left and must not be handed out.
func (s *Sender) Handover(ctx context.Context, row *storage.MessageRow) (bool, error) {
	rec, err := s.beginAttempt(ctx, row)
	if rec == nil || err != nil {
		return false, err
	}
	if err := s.moveRow(ctx, row.ID, storage.OperationSending, storage.OperationSent); err != nil {
		return false, err
	}
	if pm := s.pmodes.GetPMode(row.PModeID); pm == nil || !awaitsReceipt(pm) {
		if _, err := s.machine.Complete(ctx, rec.ID); err != nil && !errors.Is(err, reliability.ErrTerminal) {
			return false, err
		}
	}
	s.logger.Info("message handed to puller", "row_id", row.ID, "message_id", row.EbmsMessageID, "mpc", row.Mpc)
	return true, nil
}

// beginAttempt moves the retry record of row to Sent. A nil record means no
// attempt is left; the row has then been moved out of Sending.
func (s *Sender) beginAttempt(ctx context.Context, row *storage.MessageRow) (*reliability.Record, error) {
	rec, err := s.machine.ForMessage(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load retry record of %s: %w", row.ID, err)
	}
	if rec.Status == reliability.StatusSent {
		// An earlier attempt never recorded its outcome.
		if rec, err = s.machine.Fail(ctx, rec.ID, "attempt interrupted"); err != nil {
			return nil, err
		}
	}
	if rec.Status.IsTerminal() {
		s.logger.Debug("row has no attempt left", "row_id", row.ID, "status", rec.Status)
		return nil, s.moveRow(ctx, row.ID, storage.OperationSending, storage.OperationSent)
	}
	return s.machine.MarkSent(ctx, rec.ID)
}

// ProcessSignals applies the receipts and errors of msg to the outbound rows
// they reference. Unknown references are logged and skipped.
func (s *Sender) ProcessSignals(ctx context.Context, msg *message.Message) error {
	for _, r := range msg.Receipts() {
		if err := s.acknowledge(ctx, r); err != nil {
			return err
		}
	}
	for _, e := range msg.Errors() {
		if e.IsPullRequestWarning() {
			continue
		}
		if err := s.reject(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) acknowledge(ctx context.Context, receipt *message.Receipt) error {
	row, rec, err := s.referenced(ctx, receipt)
	if err != nil || row == nil {
		return err
	}
	log := s.logger.With("row_id", row.ID, "message_id", row.EbmsMessageID, "receipt_id", receipt.ID())

	if pm := s.pmodes.GetPMode(row.PModeID); pm != nil && pm.WantsNonRepudiation() {
		ok, err := s.nonRepudiationMatches(ctx, row, receipt)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn("receipt does not prove the signed parts, waiting for another")
			return s.store.InsertException(ctx, storage.TableOutExceptions, &storage.ExceptionRow{
				MessageRowID:       row.ID,
				EbmsRefToMessageID: row.EbmsMessageID,
				Exception:          "receipt " + receipt.ID() + ": non-repudiation information does not match the signed references",
				Operation:          storage.OperationNotApplicable,
			})
		}
	}
	if _, err := s.machine.Complete(ctx, rec.ID); err != nil {
		if errors.Is(err, reliability.ErrTerminal) {
			log.Debug("receipt for a finished message")
			return nil
		}
		return err
	}
	log.Info("message acknowledged")
	return nil
}

func (s *Sender) reject(ctx context.Context, signal *message.Error) error {
	row, rec, err := s.referenced(ctx, signal)
	if err != nil || row == nil {
		return err
	}
	text := describe(signal.Lines)
	s.logger.Warn("message rejected by partner",
		"row_id", row.ID,
		"message_id", row.EbmsMessageID,
		"error", text)
	if err := s.store.InsertException(ctx, storage.TableOutExceptions, &storage.ExceptionRow{
		MessageRowID:       row.ID,
		EbmsRefToMessageID: row.EbmsMessageID,
		Exception:          text,
		Operation:          storage.OperationNotApplicable,
	}); err != nil {
		return err
	}
	// An error signal ends reception awareness like a receipt does.
	if _, err := s.machine.Complete(ctx, rec.ID); err != nil && !errors.Is(err, reliability.ErrTerminal) {
		return err
	}
	return nil
}

// referenced resolves the outbound row and retry record a signal refers to.
// A nil row means the signal is not for us.
func (s *Sender) referenced(ctx context.Context, signal message.MessageUnit) (*storage.MessageRow, *reliability.Record, error) {
	ref, ok := signal.RefToMessageID().Get()
	if !ok {
		s.logger.Warn("signal without reference ignored", "signal_id", signal.ID())
		return nil, nil, nil
	}
	row, err := s.store.FindMessage(ctx, storage.TableOutMessages, ref)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("signal for unknown message ignored", "signal_id", signal.ID(), "ref_to", ref)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.machine.ForMessage(ctx, row.ID)
	if errors.Is(err, reliability.ErrRecordNotFound) {
		s.logger.Warn("signal for a message without retry record", "signal_id", signal.ID(), "ref_to", ref)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return row, rec, nil
}

func (s *Sender) nonRepudiationMatches(ctx context.Context, row *storage.MessageRow, receipt *message.Receipt) (bool, error) {
	sent, err := s.serializer.Deserialize(ctx, bytes.NewReader(row.Body), row.ContentType)
	if err != nil {
		return false, fmt.Errorf("failed to read stored message %s: %w", row.ID, err)
	}
	refs, err := security.SignedReferences(sent.Envelope())
	if err != nil {
		return false, err
	}
	return message.VerifyNonRepudiationInfo(receipt, refs), nil
}

func (s *Sender) fail(ctx context.Context, rec *reliability.Record, reason string) error {
	if _, err := s.machine.Fail(ctx, rec.ID, reason); err != nil && !errors.Is(err, reliability.ErrTerminal) {
		return err
	}
	return nil
}

func (s *Sender) moveRow(ctx context.Context, id string, from, to storage.Operation) error {
	err := s.store.UpdateOperation(ctx, storage.TableOutMessages, id, from, to)
	if errors.Is(err, storage.ErrConflict) {
		s.logger.Debug("row moved elsewhere", "row_id", id, "from", from, "to", to)
		return nil
	}
	return err
}

// Run drives the reception awareness loop until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of the loop.
func (s *Sender) Tick(ctx context.Context) {
	now := s.now()

	overdue, err := s.machine.Overdue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list overdue records", "error", err)
	}
	for _, rec := range overdue {
		reason := "no receipt before " + rec.NotBefore.Format(time.RFC3339)
		if rec.Kind == reliability.KindInboundException {
			reason = "notification did not complete"
		}
		if err := s.fail(ctx, rec, reason); err != nil {
			s.logger.Error("failed to fail overdue record", "record_id", rec.ID, "error", err)
		}
	}

	due, err := s.machine.Due(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list due records", "error", err)
		return
	}
	for _, rec := range due {
		if ctx.Err() != nil {
			return
		}
		switch rec.Kind {
		case reliability.KindOutbound:
			if err := s.requeue(ctx, rec.MessageID); err != nil {
				s.logger.Error("failed to re-queue message", "row_id", rec.MessageID, "error", err)
			}
		case reliability.KindInboundException:
			s.notify(ctx, rec)
		}
	}
}

// requeue puts a sent row back in the queue it was submitted to.
func (s *Sender) requeue(ctx context.Context, id string) error {
	row, err := s.store.GetMessage(ctx, storage.TableOutMessages, id)
	if err != nil {
		return err
	}
	to := storage.OperationToBeSent
	if pm := s.pmodes.GetPMode(row.PModeID); pm != nil && pm.MEPBinding.IsPull() {
		to = storage.OperationToBePulled
	}
	return s.moveRow(ctx, id, storage.OperationSent, to)
}

func (s *Sender) notify(ctx context.Context, rec *reliability.Record) {
	log := s.logger.With("record_id", rec.ID, "exception_id", rec.MessageID)
	if s.notifier == nil {
		log.Debug("no notifier configured")
		return
	}
	exc, err := s.store.GetException(ctx, storage.TableInExceptions, rec.MessageID)
	if err != nil {
		log.Error("failed to load exception", "error", err)
		return
	}
	if rec, err = s.machine.MarkSent(ctx, rec.ID); err != nil {
		log.Error("failed to record notification attempt", "error", err)
		return
	}
	if err := s.notifier.Notify(ctx, exc); err != nil {
		log.Warn("notification failed", "error", err)
		if err := s.fail(ctx, rec, err.Error()); err != nil {
			log.Error("failed to record notification failure", "error", err)
		}
		return
	}
	if _, err := s.machine.Complete(ctx, rec.ID); err != nil {
		log.Error("failed to complete notification", "error", err)
		return
	}
	if err := s.store.UpdateOperation(ctx, storage.TableInExceptions, exc.ID, exc.Operation, storage.OperationNotified); err != nil {
		log.Warn("failed to mark exception notified", "error", err)
	}
}

func awaitsReceipt(pm *pmode.ProcessingMode) bool {
	return pm.ReceptionAwareness != nil && pm.ReceptionAwareness.Enabled
}

// describe renders error lines as "CODE ShortDescription: detail; ...".
func describe(lines []message.ErrorLine) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		text := l.Code + " " + l.ShortDescription
		if d, ok := l.Detail.Get(); ok {
			text += ": " + d
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "; ")
}
