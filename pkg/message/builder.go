// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultIDHost is the host part of generated message ids.
const DefaultIDHost = "msh.siros.org"

// NewMessageID generates an RFC2822 style message id.
func NewMessageID(host string) string {
	if host == "" {
		host = DefaultIDHost
	}
	return fmt.Sprintf("%s@%s", uuid.New().String(), host)
}

type payload struct {
	id          string
	contentType string
	data        []byte
	properties  map[string]string
}

// UserMessageBuilder helps construct a Message holding one UserMessage.
type UserMessageBuilder struct {
	id         string
	refTo      Maybe[string]
	mpc        string
	from       Party
	to         Party
	collab     CollaborationInfo
	properties []MessageProperty
	payloads   []payload
	multihop   bool
	errs       []error
}

// Option represents a functional option for UserMessageBuilder
type Option func(*UserMessageBuilder)

// NewUserMessage creates a builder with the given options
func NewUserMessage(opts ...Option) *UserMessageBuilder {
	b := &UserMessageBuilder{
		id:     NewMessageID(""),
		mpc:    DefaultMpc,
		from:   Party{Role: DefaultRole},
		to:     Party{Role: DefaultRole},
		collab: CollaborationInfo{ConversationID: uuid.New().String()},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithMessageID overrides the generated message id
func WithMessageID(id string) Option {
	return func(b *UserMessageBuilder) { b.id = id }
}

// WithRefToMessageID sets the RefToMessageId
func WithRefToMessageID(ref string) Option {
	return func(b *UserMessageBuilder) { b.refTo = MaybeString(ref) }
}

// WithMpc sets the message partition channel
func WithMpc(mpc string) Option {
	return func(b *UserMessageBuilder) { b.mpc = mpc }
}

// WithFrom adds a sender party id; partyType may be empty
func WithFrom(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) {
		b.from.PartyIDs = append(b.from.PartyIDs, PartyID{Value: partyID, Type: MaybeString(partyType)})
	}
}

// WithTo adds a receiver party id; partyType may be empty
func WithTo(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) {
		b.to.PartyIDs = append(b.to.PartyIDs, PartyID{Value: partyID, Type: MaybeString(partyType)})
	}
}

// WithFromRole sets the sender role
func WithFromRole(role string) Option {
	return func(b *UserMessageBuilder) { b.from.Role = role }
}

// WithToRole sets the receiver role
func WithToRole(role string) Option {
	return func(b *UserMessageBuilder) { b.to.Role = role }
}

// WithService sets the service
func WithService(service string) Option {
	return func(b *UserMessageBuilder) { b.collab.Service.Value = service }
}

// WithServiceType sets the service type
func WithServiceType(serviceType string) Option {
	return func(b *UserMessageBuilder) { b.collab.Service.Type = MaybeString(serviceType) }
}

// WithAction sets the action
func WithAction(action string) Option {
	return func(b *UserMessageBuilder) { b.collab.Action = action }
}

// WithConversationID sets the conversation id
func WithConversationID(id string) Option {
	return func(b *UserMessageBuilder) { b.collab.ConversationID = id }
}

// WithAgreementRef sets the agreement reference, optionally naming the PMode
func WithAgreementRef(ref, pmodeID string) Option {
	return func(b *UserMessageBuilder) {
		b.collab.AgreementRef = Just(AgreementReference{Value: ref, PModeID: MaybeString(pmodeID)})
	}
}

// WithMessageProperty appends a message property
func WithMessageProperty(name, value string) Option {
	return func(b *UserMessageBuilder) {
		b.properties = append(b.properties, MessageProperty{Name: name, Value: value})
	}
}

// WithMultihop marks the message for multihop routing
func WithMultihop() Option {
	return func(b *UserMessageBuilder) { b.multihop = true }
}

// AddPayload adds an attachment payload with a generated content id
func (b *UserMessageBuilder) AddPayload(data []byte, contentType string) *UserMessageBuilder {
	return b.AddPayloadWithID(NewMessageID(""), data, contentType)
}

// AddPayloadWithID adds an attachment payload with the given content id
func (b *UserMessageBuilder) AddPayloadWithID(contentID string, data []byte, contentType string) *UserMessageBuilder {
	b.payloads = append(b.payloads, payload{
		id:          NormalizeContentID(contentID),
		contentType: contentType,
		data:        data,
		properties:  map[string]string{PropertyMimeType: contentType},
	})
	return b
}

// AddPartProperty adds a property to the last added payload
func (b *UserMessageBuilder) AddPartProperty(name, value string) *UserMessageBuilder {
	if len(b.payloads) == 0 {
		b.errs = append(b.errs, errors.New("no payload parts to add property to"))
		return b
	}
	b.payloads[len(b.payloads)-1].properties[name] = value
	return b
}

// BuildUserMessage validates and returns the user message unit alone
func (b *UserMessageBuilder) BuildUserMessage() (*UserMessage, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.from.PartyIDs) == 0 {
		return nil, invalidArgument("sender party ID is required")
	}
	if len(b.to.PartyIDs) == 0 {
		return nil, invalidArgument("receiver party ID is required")
	}
	if b.collab.Service.Value == "" {
		return nil, invalidArgument("service is required")
	}
	if b.collab.Action == "" {
		return nil, invalidArgument("action is required")
	}

	um, err := NewUserMessageUnit(b.id, b.refTo)
	if err != nil {
		return nil, err
	}
	um.Mpc = b.mpc
	um.Sender = b.from
	um.Receiver = b.to
	um.CollaborationInfo = b.collab
	um.Properties = b.properties
	for _, p := range b.payloads {
		part := NewPartInfo(p.id)
		for k, v := range p.properties {
			part.SetProperty(k, v)
		}
		um.PayloadInfo = append(um.PayloadInfo, part)
	}
	return um, nil
}

// Build returns a Message holding the user message and its attachments
func (b *UserMessageBuilder) Build() (*Message, error) {
	um, err := b.BuildUserMessage()
	if err != nil {
		return nil, err
	}

	msg := New()
	msg.Multihop = b.multihop
	if err := msg.AddMessageUnit(um); err != nil {
		return nil, err
	}
	for _, p := range b.payloads {
		att, err := NewAttachment(p.id, p.contentType, p.data)
		if err != nil {
			return nil, err
		}
		if err := msg.AddAttachment(att); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
