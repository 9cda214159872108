// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

import (
	"bytes"
	"slices"
	"strings"
	"time"
)

// MessageUnit is one addressable item inside an envelope.
// Implemented by *UserMessage, *Receipt, *Error and *PullRequest.
type MessageUnit interface {
	ID() string
	RefToMessageID() Maybe[string]
	Timestamp() time.Time
	isMessageUnit()
}

// unitInfo holds the fields shared by every message unit.
type unitInfo struct {
	id        string
	refTo     Maybe[string]
	timestamp time.Time
}

func newUnitInfo(id string, refTo Maybe[string]) (unitInfo, error) {
	if strings.TrimSpace(id) == "" {
		return unitInfo{}, invalidArgument("message id is required")
	}
	return unitInfo{id: id, refTo: refTo, timestamp: time.Now().UTC()}, nil
}

func (u unitInfo) ID() string                    { return u.id }
func (u unitInfo) RefToMessageID() Maybe[string] { return u.refTo }
func (u unitInfo) Timestamp() time.Time          { return u.timestamp }
func (unitInfo) isMessageUnit()                  {}

// WithTimestamp overrides the creation time, used when parsing inbound messages.
func (u *unitInfo) WithTimestamp(ts time.Time) {
	u.timestamp = ts.UTC()
}

// UserMessage carries business payload references.
type UserMessage struct {
	unitInfo
	Mpc               string
	Sender            Party
	Receiver          Party
	CollaborationInfo CollaborationInfo
	PayloadInfo       []PartInfo
	Properties        []MessageProperty
}

// DefaultMpc is the default message partition channel.
const DefaultMpc = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"

// NewUserMessageUnit creates a user message with the given id.
func NewUserMessageUnit(id string, refTo Maybe[string]) (*UserMessage, error) {
	info, err := newUnitInfo(id, refTo)
	if err != nil {
		return nil, err
	}
	return &UserMessage{unitInfo: info, Mpc: DefaultMpc}, nil
}

// PartInfoFor returns the part referencing the attachment contentID.
func (u *UserMessage) PartInfoFor(contentID string) (*PartInfo, bool) {
	for i := range u.PayloadInfo {
		if MatchContentID(u.PayloadInfo[i].Href, contentID) {
			return &u.PayloadInfo[i], true
		}
	}
	return nil, false
}

// Property returns the value of the named message property.
func (u *UserMessage) Property(name string) Maybe[string] {
	for _, p := range u.Properties {
		if p.Name == name {
			return Just(p.Value)
		}
	}
	return Nothing[string]()
}

// Signal suffixes appended to the action of a routing input.
const (
	RoutingReceipt = "receipt"
	RoutingError   = "error"
)

// RoutingInputFor returns the copy of u an intermediary uses to route a
// signal of the given kind back to the sender: parties swapped, action
// suffixed with "."+signal, payload references dropped.
func (u *UserMessage) RoutingInputFor(signal string) *UserMessage {
	ri := &UserMessage{
		unitInfo:          u.unitInfo,
		Mpc:               u.Mpc,
		Sender:            u.Receiver,
		Receiver:          u.Sender,
		CollaborationInfo: u.CollaborationInfo,
		Properties:        slices.Clone(u.Properties),
	}
	ri.CollaborationInfo.Action = u.CollaborationInfo.Action + "." + signal
	return ri
}

// Reference is a signed reference: URI, digest method, digest value and transforms.
type Reference struct {
	URI          string
	DigestMethod string
	DigestValue  []byte
	Transforms   []string
}

// Equal compares URI, digest and transforms byte for byte.
func (r Reference) Equal(o Reference) bool {
	return r.URI == o.URI &&
		r.DigestMethod == o.DigestMethod &&
		bytes.Equal(r.DigestValue, o.DigestValue) &&
		slices.Equal(r.Transforms, o.Transforms)
}

// NonRepudiationInformation is the list of references a receipt
// echoes as proof that the signed parts arrived unaltered.
type NonRepudiationInformation struct {
	References []Reference
}

// Receipt acknowledges a user message. It carries either the acknowledged
// user message or non-repudiation information, never both.
type Receipt struct {
	unitInfo
	userMessage    *UserMessage
	nonRepudiation *NonRepudiationInformation
	// RoutingInput echoes the user message for multihop delivery.
	RoutingInput Maybe[*UserMessage]
}

// NewReceiptForUserMessage builds a receipt that echoes the acknowledged user message.
func NewReceiptForUserMessage(id string, um *UserMessage) (*Receipt, error) {
	if um == nil {
		return nil, invalidArgument("user message is required")
	}
	info, err := newUnitInfo(id, Just(um.ID()))
	if err != nil {
		return nil, err
	}
	return &Receipt{unitInfo: info, userMessage: um}, nil
}

// NewNonRepudiationReceipt builds a receipt carrying non-repudiation information.
func NewNonRepudiationReceipt(id, refTo string, nri *NonRepudiationInformation) (*Receipt, error) {
	if nri == nil {
		return nil, invalidArgument("non-repudiation information is required")
	}
	if refTo == "" {
		return nil, invalidArgument("receipt must reference a message")
	}
	info, err := newUnitInfo(id, Just(refTo))
	if err != nil {
		return nil, err
	}
	return &Receipt{unitInfo: info, nonRepudiation: nri}, nil
}

// UserMessage returns the echoed user message, if this receipt carries one.
func (r *Receipt) UserMessage() Maybe[*UserMessage] {
	if r.userMessage == nil {
		return Nothing[*UserMessage]()
	}
	return Just(r.userMessage)
}

// NonRepudiationInformation returns the evidence, if this receipt carries it.
func (r *Receipt) NonRepudiationInformation() Maybe[*NonRepudiationInformation] {
	if r.nonRepudiation == nil {
		return Nothing[*NonRepudiationInformation]()
	}
	return Just(r.nonRepudiation)
}

// VerifyNonRepudiationInfo reports whether every signed reference of the
// original user message has an identical URI and digest in the receipt.
func VerifyNonRepudiationInfo(receipt *Receipt, signed []Reference) bool {
	if receipt == nil || receipt.nonRepudiation == nil {
		return false
	}
	received := receipt.nonRepudiation.References
	for _, s := range signed {
		found := slices.ContainsFunc(received, func(r Reference) bool {
			return r.URI == s.URI && bytes.Equal(r.DigestValue, s.DigestValue)
		})
		if !found {
			return false
		}
	}
	return true
}

// Severity of an error line.
type Severity string

const (
	SeverityFailure Severity = "failure"
	SeverityWarning Severity = "warning"
)

// ErrorDescription is a localized human readable description.
type ErrorDescription struct {
	Language string
	Text     string
}

// Equal compares language and text.
func (d ErrorDescription) Equal(o ErrorDescription) bool {
	return d.Language == o.Language && d.Text == o.Text
}

// ErrorLine is a single ebMS error.
type ErrorLine struct {
	Code             string
	Severity         Severity
	ShortDescription string
	Origin           Maybe[string]
	Category         Maybe[string]
	Detail           Maybe[string]
	Description      Maybe[ErrorDescription]
	RefToMessageID   Maybe[string]
}

// Equal compares all fields.
func (l ErrorLine) Equal(o ErrorLine) bool {
	return l.Code == o.Code &&
		l.Severity == o.Severity &&
		l.ShortDescription == o.ShortDescription &&
		EqualMaybe(l.Origin, o.Origin, eqString) &&
		EqualMaybe(l.Category, o.Category, eqString) &&
		EqualMaybe(l.Detail, o.Detail, eqString) &&
		EqualMaybe(l.Description, o.Description, ErrorDescription.Equal) &&
		EqualMaybe(l.RefToMessageID, o.RefToMessageID, eqString)
}

// Error signals one or more processing errors.
type Error struct {
	unitInfo
	Lines []ErrorLine
	// RoutingInput echoes the user message for multihop delivery.
	RoutingInput Maybe[*UserMessage]
}

// NewErrorUnit creates an error signal with at least one line.
func NewErrorUnit(id string, refTo Maybe[string], lines ...ErrorLine) (*Error, error) {
	if len(lines) == 0 {
		return nil, invalidArgument("error requires at least one error line")
	}
	info, err := newUnitInfo(id, refTo)
	if err != nil {
		return nil, err
	}
	return &Error{unitInfo: info, Lines: lines}, nil
}

// EmptyMessagePartitionChannel is the code of the pull response warning
// sent when no message is waiting on the requested MPC.
const EmptyMessagePartitionChannel = "EBMS:0006"

// NewEmptyPullResponse creates the "no messages available" warning for a pull request.
func NewEmptyPullResponse(id, pullRequestID string) (*Error, error) {
	return NewErrorUnit(id, Just(pullRequestID), ErrorLine{
		Code:             EmptyMessagePartitionChannel,
		Severity:         SeverityWarning,
		ShortDescription: "EmptyMessagePartitionChannel",
		Origin:           Just("ebMS"),
		Category:         Just("Communication"),
		RefToMessageID:   Just(pullRequestID),
	})
}

// IsPullRequestWarning reports whether the error is only the empty MPC warning.
func (e *Error) IsPullRequestWarning() bool {
	if len(e.Lines) != 1 {
		return false
	}
	l := e.Lines[0]
	return l.Code == EmptyMessagePartitionChannel && l.Severity == SeverityWarning
}

// PullRequest asks a partner for a message queued on an MPC.
type PullRequest struct {
	unitInfo
	Mpc string
}

// NewPullRequest creates a pull request; an empty mpc selects the default MPC.
func NewPullRequest(id, mpc string) (*PullRequest, error) {
	info, err := newUnitInfo(id, Nothing[string]())
	if err != nil {
		return nil, err
	}
	if mpc == "" {
		mpc = DefaultMpc
	}
	return &PullRequest{unitInfo: info, Mpc: mpc}, nil
}

// IsSignal reports whether u is a signal message unit.
func IsSignal(u MessageUnit) bool {
	_, user := u.(*UserMessage)
	return !user
}
