// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package as4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/receiver"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/security"
)

// notifyPolicy bounds the notification retries of an inbound exception.
var notifyPolicy = reliability.RetryPolicy{MaxRetries: 3, Interval: time.Minute}

// pullClaimAttempts bounds how many queued rows a pull request may skip
// because they ran out of attempts.
const pullClaimAttempts = 3

// HandleInbound is the handler of the receive flow. Protocol failures are
// answered with an ebMS error signal; a returned error means the message
// could not be processed at all and the partner should retry.
func (m *MSH) HandleInbound(ctx context.Context, in *receiver.ReceivedMessage) (receiver.Result, error) {
	msg, err := m.serializer.Deserialize(ctx, bytes.NewReader(in.Body), in.ContentType)
	if err != nil {
		return m.refuse(ctx, nil, "", reliability.ErrorValueNotRecognized, err)
	}

	switch {
	case len(msg.UserMessages()) > 0:
		res, receipt, err := m.receiveUserMessage(ctx, msg)
		if err != nil || receipt == nil {
			return res, err
		}
		return m.reply(ctx, receipt)
	case len(msg.PullRequests()) > 0:
		return m.answerPullRequest(ctx, msg)
	case len(msg.Receipts()) > 0 || len(msg.Errors()) > 0:
		return receiver.Ack(), m.receiveSignals(ctx, msg)
	default:
		return m.refuse(ctx, msg, "", reliability.ErrorValueNotRecognized, errors.New("no message unit"))
	}
}

// receiveUserMessage opens, stores and acknowledges the primary user message
// of msg. A nil receipt with a zero result means the message was accepted
// without receipt; a refusal comes back as the result.
func (m *MSH) receiveUserMessage(ctx context.Context, msg *message.Message) (receiver.Result, *message.Message, error) {
	um, _ := msg.PrimaryUserMessage().Get()
	log := m.logger.With("message_id", um.ID(), "service", um.CollaborationInfo.Service.Value, "action", um.CollaborationInfo.Action)

	pm := m.resolvePMode(um)
	if pm == nil {
		res, err := m.refuse(ctx, msg, um.ID(), reliability.ErrorProcessingModeMismatch,
			fmt.Errorf("no pmode for service %q action %q", um.CollaborationInfo.Service.Value, um.CollaborationInfo.Action))
		return res, nil, err
	}
	if code, err := m.open(msg, pm, m.policies.Inbound); err != nil {
		res, err := m.refuse(ctx, msg, um.ID(), code, err)
		return res, nil, err
	}

	if detectsDuplicates(pm) {
		// Concurrent transfers of one message id share a single acceptance.
		if _, err, _ := m.accepting.Do(um.ID(), func() (any, error) {
			return nil, m.acceptOnce(ctx, msg, um, pm)
		}); err != nil {
			return receiver.Result{}, nil, err
		}
	} else {
		if err := m.storeInbound(ctx, msg, um, pm); err != nil {
			return receiver.Result{}, nil, err
		}
		m.metrics.Message("receive", "accepted")
		log.Info("user message received", "pmode", pm.ID)
	}

	if !sendsReceipt(pm) {
		return receiver.Ack(), nil, nil
	}
	receipt, err := m.receiptFor(msg, um, pm)
	if err != nil {
		return receiver.Result{}, nil, err
	}
	return receiver.Result{}, receipt, nil
}

// acceptOnce stores um unless its id is already in the duplicate log. The
// id is recorded before the row is written and forgotten again when the
// write fails.
func (m *MSH) acceptOnce(ctx context.Context, msg *message.Message, um *message.UserMessage, pm *pmode.ProcessingMode) error {
	log := m.logger.With("message_id", um.ID())
	duplicate, err := m.duplicates.CheckAndMark(um.ID())
	if err != nil {
		return fmt.Errorf("duplicate check of %s: %w", um.ID(), err)
	}
	if duplicate {
		m.metrics.Duplicate()
		log.Info("duplicate user message dropped")
		return nil
	}
	if err := m.storeInbound(ctx, msg, um, pm); err != nil {
		if ferr := m.duplicates.Forget(um.ID()); ferr != nil {
			log.Error("failed to forget message id", "error", ferr)
		}
		return err
	}
	m.metrics.Message("receive", "accepted")
	log.Info("user message received", "pmode", pm.ID)
	return nil
}

func (m *MSH) storeInbound(ctx context.Context, msg *message.Message, um *message.UserMessage, pm *pmode.ProcessingMode) error {
	var body bytes.Buffer
	if err := m.serializer.Serialize(ctx, &body, msg); err != nil {
		return fmt.Errorf("serializing %s: %w", um.ID(), err)
	}
	row := &storage.MessageRow{
		EbmsMessageID:  um.ID(),
		RefToMessageID: um.RefToMessageID().GetOrElse(""),
		ContentType:    msg.ContentType,
		PModeID:        pm.ID,
		Mpc:            um.Mpc,
		Operation:      storage.OperationToBeDelivered,
		Body:           body.Bytes(),
	}
	if err := m.store.InsertInMessage(ctx, row); err != nil {
		return fmt.Errorf("storing %s: %w", um.ID(), err)
	}
	return nil
}

// receiptFor builds the receipt of um, signed when pm signs. With
// non-repudiation it lists the references the sender signed.
func (m *MSH) receiptFor(msg *message.Message, um *message.UserMessage, pm *pmode.ProcessingMode) (*message.Message, error) {
	id := message.NewMessageID(m.cfg.Node.Host)
	var (
		receipt *message.Receipt
		err     error
	)
	if refs := msg.SecurityHeader().SignedReferences(); pm.WantsNonRepudiation() && len(refs) > 0 {
		receipt, err = message.NewNonRepudiationReceipt(id, um.ID(), &message.NonRepudiationInformation{References: refs})
	} else {
		receipt, err = message.NewReceiptForUserMessage(id, um)
	}
	if err != nil {
		return nil, err
	}
	reply := message.New()
	if ri, ok := m.routingInput(msg, message.RoutingReceipt); ok {
		receipt.RoutingInput = message.Just(ri)
		reply.Multihop = true
	}
	if err := reply.AddMessageUnit(receipt); err != nil {
		return nil, err
	}
	if pm.SignsMessages() {
		sig, err := m.policies.signature(pm)
		if err != nil {
			return nil, err
		}
		if err := m.coordinator.Sign(reply, sig); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// receiveSignals applies pushed receipts and errors. Signals are never
// answered with an error: a failure is recorded as an inbound exception.
func (m *MSH) receiveSignals(ctx context.Context, msg *message.Message) error {
	pm := m.signalPMode(ctx, msg)
	if code, err := m.open(msg, pm, m.policies.Reply); err != nil {
		m.logger.Warn("signal rejected", "message_id", msg.PrimaryMessageID(), "error", err)
		return m.recordException(ctx, msg.PrimaryMessageID(), code, err)
	}
	m.metrics.Message("receive", "signal")
	return m.sender.ProcessSignals(ctx, msg)
}

// signalPMode returns the P-Mode of the outbound message the first signal of
// msg refers to, nil when it is unknown.
func (m *MSH) signalPMode(ctx context.Context, msg *message.Message) *pmode.ProcessingMode {
	for _, u := range msg.SignalMessages() {
		ref, ok := u.RefToMessageID().Get()
		if !ok {
			continue
		}
		row, err := m.store.FindMessage(ctx, storage.TableOutMessages, ref)
		if err != nil {
			continue
		}
		return m.pmodes.GetPMode(row.PModeID)
	}
	return nil
}

// answerPullRequest hands the oldest message queued on the requested MPC to
// the partner, or answers with the empty partition warning.
func (m *MSH) answerPullRequest(ctx context.Context, msg *message.Message) (receiver.Result, error) {
	pr := msg.PullRequests()[0]
	log := m.logger.With("pull_request_id", pr.ID(), "mpc", pr.Mpc)

	pm := m.pullPMode(pr.Mpc)
	if pm == nil {
		return m.refuse(ctx, msg, pr.ID(), reliability.ErrorProcessingModeMismatch, fmt.Errorf("mpc %q is not served", pr.Mpc))
	}
	// The signature of the request authorizes the puller.
	if code, err := m.open(msg, pm, m.policies.Inbound); err != nil {
		return m.refuse(ctx, msg, pr.ID(), code, err)
	}

	for range pullClaimAttempts {
		rows, err := m.store.ClaimMessages(ctx, storage.ClaimRequest{
			Table: storage.TableOutMessages,
			From:  storage.OperationToBePulled,
			To:    storage.OperationSending,
			Limit: 1,
			Mpc:   mpcOf(pr.Mpc),
		})
		if err != nil {
			return receiver.Result{}, err
		}
		if len(rows) == 0 {
			break
		}
		ok, err := m.sender.Handover(ctx, rows[0])
		if err != nil {
			return receiver.Result{}, err
		}
		if ok {
			m.metrics.Message("receive", "pulled")
			return receiver.Reply(rows[0].ContentType, rows[0].Body), nil
		}
	}

	log.Debug("nothing to pull")
	empty, err := message.NewEmptyPullResponse(message.NewMessageID(m.cfg.Node.Host), pr.ID())
	if err != nil {
		return receiver.Result{}, err
	}
	reply := message.New()
	if err := reply.AddMessageUnit(empty); err != nil {
		return receiver.Result{}, err
	}
	return m.reply(ctx, reply)
}

// open applies the inbound policy chosen by policyOf for pm to msg. On
// failure it returns the ebMS error describing the failed stage.
func (m *MSH) open(msg *message.Message, pm *pmode.ProcessingMode, policyOf func(*pmode.ProcessingMode) (security.InboundPolicy, error)) (reliability.ErrorCode, error) {
	policy, err := policyOf(pm)
	if err != nil {
		return reliability.ErrorOther, err
	}
	err = m.coordinator.OpenInbound(msg, policy)
	switch {
	case err == nil:
		return reliability.ErrorCode{}, nil
	case errors.Is(err, security.ErrDecryptionFailed):
		return reliability.ErrorFailedDecryption, err
	case errors.Is(err, security.ErrSignatureInvalid):
		return reliability.ErrorFailedAuthentication, err
	case errors.Is(err, security.ErrDecompressionFailed):
		return reliability.ErrorDecompressionFailure, err
	default:
		return reliability.ErrorPolicyNoncompliance, err
	}
}

// openReply checks a synchronous answer to a message sent under pm.
func (m *MSH) openReply(msg *message.Message, pm *pmode.ProcessingMode) error {
	_, err := m.open(msg, pm, m.policies.Reply)
	return err
}

// refuse records the failure and answers with an error signal. msg is the
// refused message, nil when it could not be parsed.
func (m *MSH) refuse(ctx context.Context, msg *message.Message, refTo string, code reliability.ErrorCode, cause error) (receiver.Result, error) {
	m.logger.Warn("message refused", "ref_to_message_id", refTo, "code", code.Code, "error", cause)
	m.metrics.Message("receive", "refused")
	if err := m.recordException(ctx, refTo, code, cause); err != nil {
		return receiver.Result{}, err
	}
	unit, err := message.NewErrorUnit(message.NewMessageID(m.cfg.Node.Host), message.MaybeString(refTo), code.Line(refTo, cause.Error()))
	if err != nil {
		return receiver.Result{}, err
	}
	reply := message.New()
	if ri, ok := m.routingInput(msg, message.RoutingError); ok {
		unit.RoutingInput = message.Just(ri)
		reply.Multihop = true
	}
	if err := reply.AddMessageUnit(unit); err != nil {
		return receiver.Result{}, err
	}
	return m.reply(ctx, reply)
}

// routingInput returns what a signal answering msg must carry for the
// intermediaries to route it back, when msg arrived over multiple hops.
func (m *MSH) routingInput(msg *message.Message, signal string) (*message.UserMessage, bool) {
	if msg == nil || !msg.IsMultihop(m.multihopRole()) {
		return nil, false
	}
	um, ok := msg.PrimaryUserMessage().Get()
	if !ok {
		return nil, false
	}
	return um.RoutingInputFor(signal), true
}

func (m *MSH) multihopRole() string {
	if m.cfg.Node.MultihopRole != "" {
		return m.cfg.Node.MultihopRole
	}
	return message.DefaultMultihopRole
}

// recordException stores an InExceptions row and schedules its notification.
func (m *MSH) recordException(ctx context.Context, refTo string, code reliability.ErrorCode, cause error) error {
	exc := &storage.ExceptionRow{
		EbmsRefToMessageID: refTo,
		Exception:          fmt.Sprintf("%s %s: %v", code.Code, code.ShortDescription, cause),
		Operation:          storage.OperationToBeNotified,
	}
	if err := m.store.InsertException(ctx, storage.TableInExceptions, exc); err != nil {
		return fmt.Errorf("recording inbound exception: %w", err)
	}
	if _, err := m.machine.Schedule(ctx, exc.ID, reliability.KindInboundException, notifyPolicy); err != nil {
		return fmt.Errorf("scheduling notification of %s: %w", exc.ID, err)
	}
	return nil
}

func (m *MSH) reply(ctx context.Context, msg *message.Message) (receiver.Result, error) {
	var body bytes.Buffer
	if err := m.serializer.Serialize(ctx, &body, msg); err != nil {
		return receiver.Result{}, err
	}
	return receiver.Reply(msg.ContentType, body.Bytes()), nil
}

func sendsReceipt(pm *pmode.ProcessingMode) bool {
	return (pm.Security != nil && pm.Security.SendReceipt != nil) ||
		(pm.ReceptionAwareness != nil && pm.ReceptionAwareness.Enabled)
}

func detectsDuplicates(pm *pmode.ProcessingMode) bool {
	ra := pm.ReceptionAwareness
	return ra != nil && ra.DuplicateDetection != nil && ra.DuplicateDetection.Enabled
}
