// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package as4

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/receiver"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

// ErrUnknownPMode is returned when a submission names no loaded P-Mode
var ErrUnknownPMode = errors.New("unknown pmode")

// PropertyOriginalFilename is the part property carrying the name of a
// submitted file.
const PropertyOriginalFilename = "OriginalFileName"

// Payload is one business document handed to Submit.
type Payload struct {
	// ContentID is generated when empty
	ContentID   string
	ContentType string
	Data        []byte
	Properties  map[string]string
}

// Submission describes an outbound user message.
type Submission struct {
	PModeID        string
	ConversationID string
	// RefToMessageID answers an earlier message
	RefToMessageID string
	Properties     map[string]string
	Payloads       []Payload
}

// Submit builds the user message described by sub, protects it as its
// P-Mode requires and queues it in OutMessages: ToBeSent for push bindings,
// ToBePulled for pull bindings. The retry record of the row is scheduled
// with the reception awareness policy of the P-Mode.
func (m *MSH) Submit(ctx context.Context, sub *Submission) (*storage.MessageRow, error) {
	pm := m.pmodes.GetPMode(sub.PModeID)
	if pm == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPMode, sub.PModeID)
	}

	msg, um, err := m.buildSubmission(pm, sub)
	if err != nil {
		return nil, fmt.Errorf("building message for pmode %s: %w", pm.ID, err)
	}
	policy, err := m.policies.Outbound(pm)
	if err != nil {
		return nil, err
	}
	if err := m.coordinator.SecureOutbound(msg, policy); err != nil {
		return nil, fmt.Errorf("securing %s: %w", um.ID(), err)
	}

	var body bytes.Buffer
	if err := m.serializer.Serialize(ctx, &body, msg); err != nil {
		return nil, fmt.Errorf("serializing %s: %w", um.ID(), err)
	}
	row := &storage.MessageRow{
		EbmsMessageID:  um.ID(),
		RefToMessageID: sub.RefToMessageID,
		ContentType:    msg.ContentType,
		PModeID:        pm.ID,
		Mpc:            mpcOf(um.Mpc),
		Operation:      queueOf(pm),
		Body:           body.Bytes(),
	}
	if err := m.store.InsertOutMessage(ctx, row); err != nil {
		return nil, fmt.Errorf("storing %s: %w", um.ID(), err)
	}
	if _, err := m.machine.Schedule(ctx, row.ID, reliability.KindOutbound, reliability.PolicyFor(pm)); err != nil {
		if derr := m.store.DeleteMessage(ctx, storage.TableOutMessages, row.ID); derr != nil {
			m.logger.Error("failed to remove unscheduled row", "row_id", row.ID, "error", derr)
		}
		return nil, fmt.Errorf("scheduling %s: %w", um.ID(), err)
	}

	m.metrics.Message("submit", string(row.Operation))
	m.logger.Info("message submitted",
		"message_id", row.EbmsMessageID,
		"row_id", row.ID,
		"pmode", pm.ID,
		"operation", row.Operation,
		"payloads", len(sub.Payloads))
	return row, nil
}

func (m *MSH) buildSubmission(pm *pmode.ProcessingMode, sub *Submission) (*message.Message, *message.UserMessage, error) {
	opts := m.builderOptions(pm)
	if sub.ConversationID != "" {
		opts = append(opts, message.WithConversationID(sub.ConversationID))
	}
	if sub.RefToMessageID != "" {
		opts = append(opts, message.WithRefToMessageID(sub.RefToMessageID))
	}
	for name, value := range sub.Properties {
		opts = append(opts, message.WithMessageProperty(name, value))
	}

	b := message.NewUserMessage(opts...)
	for _, p := range sub.Payloads {
		if p.ContentID == "" {
			b.AddPayload(p.Data, p.ContentType)
		} else {
			b.AddPayloadWithID(p.ContentID, p.Data, p.ContentType)
		}
		for name, value := range p.Properties {
			b.AddPartProperty(name, value)
		}
	}
	msg, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	um, _ := msg.PrimaryUserMessage().Get()
	return msg, um, nil
}

func queueOf(pm *pmode.ProcessingMode) storage.Operation {
	if pm.MEPBinding.IsPull() {
		return storage.OperationToBePulled
	}
	return storage.OperationToBeSent
}

// HandleSubmission is the handler of the submit flow: every picked up file
// becomes the single payload of a user message sent under the P-Mode of the
// flow.
func (m *MSH) HandleSubmission(ctx context.Context, in *receiver.ReceivedMessage) (receiver.Result, error) {
	p := Payload{ContentType: in.ContentType, Data: in.Body}
	if name := in.Metadata["filename"]; name != "" {
		p.Properties = map[string]string{PropertyOriginalFilename: name}
	}
	_, err := m.Submit(ctx, &Submission{
		PModeID:  m.cfg.Flows.Submit.PMode,
		Payloads: []Payload{p},
	})
	if err != nil {
		return receiver.Result{}, err
	}
	return receiver.Ack(), nil
}

// HandleSend is the handler of the send flow. Transfer failures are owned by
// the retry record of the row; only storage failures are returned.
func (m *MSH) HandleSend(ctx context.Context, in *receiver.ReceivedMessage) (receiver.Result, error) {
	row, err := m.store.GetMessage(ctx, storage.TableOutMessages, in.ID)
	if err != nil {
		return receiver.Result{}, err
	}
	if err := m.sender.Transfer(ctx, row); err != nil {
		return receiver.Result{}, err
	}
	m.metrics.Message("send", "attempted")
	return receiver.Ack(), nil
}
