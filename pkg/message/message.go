// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/beevik/etree"
)

// DefaultMultihopRole is the SOAP role that marks an ebMS3 Messaging header
// as addressed to the next MSH in a multihop path.
const DefaultMultihopRole = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/part2/200811/nextmsh"

// ContentTypeSOAP is the content type of a message without attachments.
const ContentTypeSOAP = "application/soap+xml"

// Serializer writes a message in its wire form.
type Serializer interface {
	Serialize(ctx context.Context, w io.Writer, m *Message) error
}

// Message is the AS4 message aggregate: message units, attachments and
// security state, plus a cached wire envelope. Every structural mutation
// drops the cached envelope.
type Message struct {
	ContentType string
	// Multihop asks the serializer to address the Messaging header to the
	// multihop role.
	Multihop bool

	units       []MessageUnit
	attachments []*Attachment
	security    *SecurityHeader
	envelope    []byte
}

// New creates an empty message.
func New() *Message {
	return &Message{
		ContentType: ContentTypeSOAP,
		security:    &SecurityHeader{},
	}
}

// Envelope returns the cached SOAP envelope, or nil when it must be rebuilt.
func (m *Message) Envelope() []byte {
	return m.envelope
}

// SetEnvelope caches the wire envelope. A nil value clears the cache.
func (m *Message) SetEnvelope(envelope []byte) {
	m.envelope = envelope
}

// SecurityHeader returns the security state of the message.
func (m *Message) SecurityHeader() *SecurityHeader {
	return m.security
}

func (m *Message) invalidate() {
	m.envelope = nil
	m.security.stale()
}

// MessageUnits returns a copy of the message units in order.
func (m *Message) MessageUnits() []MessageUnit {
	return slices.Clone(m.units)
}

// AddMessageUnit appends a unit.
func (m *Message) AddMessageUnit(u MessageUnit) error {
	if isNilUnit(u) {
		return invalidArgument("message unit is nil")
	}
	m.units = append(m.units, u)
	m.invalidate()
	return nil
}

// AddMessageUnits appends units in order. Nothing is added when one of them is nil.
func (m *Message) AddMessageUnits(units ...MessageUnit) error {
	if units == nil {
		return invalidArgument("message units are nil")
	}
	for _, u := range units {
		if isNilUnit(u) {
			return invalidArgument("message unit is nil")
		}
	}
	m.units = append(m.units, units...)
	m.invalidate()
	return nil
}

// UpdateMessageUnit replaces old with replacement at the same position.
func (m *Message) UpdateMessageUnit(old, replacement MessageUnit) error {
	if isNilUnit(old) || isNilUnit(replacement) {
		return invalidArgument("message unit is nil")
	}
	i := slices.Index(m.units, old)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, old.ID())
	}
	m.units[i] = replacement
	m.invalidate()
	return nil
}

// ClearMessageUnits removes all units.
func (m *Message) ClearMessageUnits() {
	m.units = nil
	m.invalidate()
}

// UserMessages returns the user message units in order.
func (m *Message) UserMessages() []*UserMessage {
	var out []*UserMessage
	for _, u := range m.units {
		if um, ok := u.(*UserMessage); ok {
			out = append(out, um)
		}
	}
	return out
}

// SignalMessages returns the signal message units in order.
func (m *Message) SignalMessages() []MessageUnit {
	var out []MessageUnit
	for _, u := range m.units {
		if IsSignal(u) {
			out = append(out, u)
		}
	}
	return out
}

// Receipts returns the receipt units in order.
func (m *Message) Receipts() []*Receipt {
	return unitsOf[*Receipt](m.units)
}

// Errors returns the error units in order.
func (m *Message) Errors() []*Error {
	return unitsOf[*Error](m.units)
}

// PullRequests returns the pull request units in order.
func (m *Message) PullRequests() []*PullRequest {
	return unitsOf[*PullRequest](m.units)
}

func unitsOf[T MessageUnit](units []MessageUnit) []T {
	var out []T
	for _, u := range units {
		if t, ok := u.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// PrimaryUserMessage returns the first user message unit.
func (m *Message) PrimaryUserMessage() Maybe[*UserMessage] {
	for _, u := range m.units {
		if um, ok := u.(*UserMessage); ok {
			return Just(um)
		}
	}
	return Nothing[*UserMessage]()
}

// PrimaryMessageID returns the id of the first user message, or of the first
// signal when the message carries no user message.
func (m *Message) PrimaryMessageID() string {
	if um, ok := m.PrimaryUserMessage().Get(); ok {
		return um.ID()
	}
	if len(m.units) > 0 {
		return m.units[0].ID()
	}
	return ""
}

// MessageIDs returns the ids of all units in order.
func (m *Message) MessageIDs() []string {
	ids := make([]string, 0, len(m.units))
	for _, u := range m.units {
		ids = append(ids, u.ID())
	}
	return ids
}

// Equal reports whether both messages share the same primary message id.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	id := m.PrimaryMessageID()
	return id != "" && id == o.PrimaryMessageID()
}

// Attachments returns the attachments in order. The pointers are shared.
func (m *Message) Attachments() []*Attachment {
	return slices.Clone(m.attachments)
}

// Attachment looks up an attachment by content id.
func (m *Message) Attachment(id string) (*Attachment, bool) {
	for _, a := range m.attachments {
		if MatchContentID(a.ID, id) {
			return a, true
		}
	}
	return nil, false
}

// HasAttachments reports whether the message carries attachments.
func (m *Message) HasAttachments() bool {
	return len(m.attachments) > 0
}

// AddAttachment appends an attachment. An attachment with the same id must
// not already be present; the existing one is then left untouched.
func (m *Message) AddAttachment(a *Attachment) error {
	if a == nil {
		return invalidArgument("attachment is nil")
	}
	if _, exists := m.Attachment(a.ID); exists {
		return fmt.Errorf("%w: attachment %q already exists", ErrConflict, a.ID)
	}
	m.attachments = append(m.attachments, a)
	m.invalidate()
	return nil
}

// RemoveAttachment removes the attachment with a's id, if present.
func (m *Message) RemoveAttachment(a *Attachment) error {
	if a == nil {
		return invalidArgument("attachment is nil")
	}
	m.attachments = slices.DeleteFunc(m.attachments, func(x *Attachment) bool {
		return MatchContentID(x.ID, a.ID)
	})
	m.invalidate()
	return nil
}

// RemoveAllAttachments drops every attachment.
func (m *Message) RemoveAllAttachments() {
	m.attachments = nil
	m.invalidate()
}

// CompressAttachments compresses every attachment not yet compressed and
// records the original MIME type on the matching PartInfo. Nothing changes
// when any attachment fails to compress.
func (m *Message) CompressAttachments(c Compressor) error {
	if c == nil {
		return invalidArgument("compressor is nil")
	}
	var staged []stagedContent
	for _, a := range m.attachments {
		if _, done := a.Properties[PropertyCompressionType]; done {
			continue
		}
		data, err := c.Compress(a.Content)
		if err != nil {
			return fmt.Errorf("failed to compress attachment %s: %w", a.ID, err)
		}
		staged = append(staged, stagedContent{a: a, data: data})
	}
	for _, st := range staged {
		a := st.a
		original := a.ContentType
		if a.Properties == nil {
			a.Properties = make(map[string]string)
		}
		a.Content = st.data
		a.ContentType = c.CompressionType()
		a.Properties[PropertyCompressionType] = c.CompressionType()
		a.Properties[PropertyMimeType] = original
		m.eachPartInfo(a.ID, func(p *PartInfo) {
			p.SetProperty(PropertyCompressionType, c.CompressionType())
			p.SetProperty(PropertyMimeType, original)
		})
	}
	m.invalidate()
	return nil
}

// DecompressAttachments reverses CompressAttachments. Attachments whose
// PartInfo carries no CompressionType are left as they are. Nothing changes
// when any attachment fails to decompress.
func (m *Message) DecompressAttachments(c Compressor) error {
	if c == nil {
		return invalidArgument("compressor is nil")
	}
	var staged []stagedContent
	for _, a := range m.attachments {
		mimeType, compressed := m.compressionOf(a)
		if !compressed {
			continue
		}
		data, err := c.Decompress(a.Content)
		if err != nil {
			return fmt.Errorf("failed to decompress attachment %s: %w", a.ID, err)
		}
		staged = append(staged, stagedContent{a: a, data: data, contentType: mimeType})
	}
	for _, st := range staged {
		st.a.Content = st.data
		st.a.ContentType = st.contentType
		delete(st.a.Properties, PropertyCompressionType)
		m.eachPartInfo(st.a.ID, func(p *PartInfo) {
			delete(p.Properties, PropertyCompressionType)
		})
	}
	m.invalidate()
	return nil
}

// stagedContent is the new content of an attachment, applied only once
// every attachment has been processed.
type stagedContent struct {
	a           *Attachment
	data        []byte
	contentType string
}

func (m *Message) compressionOf(a *Attachment) (mimeType string, compressed bool) {
	if _, ok := a.Properties[PropertyCompressionType]; ok {
		return a.Properties[PropertyMimeType], true
	}
	for _, um := range m.UserMessages() {
		if p, ok := um.PartInfoFor(a.ID); ok && p.CompressionType().IsPresent() {
			return p.MimeType().GetOrElse("application/octet-stream"), true
		}
	}
	return "", false
}

func (m *Message) eachPartInfo(contentID string, fn func(*PartInfo)) {
	for _, um := range m.UserMessages() {
		if p, ok := um.PartInfoFor(contentID); ok {
			fn(p)
		}
	}
}

// DetermineSize returns the wire size of the message by serializing into a
// counting writer. Nothing is buffered.
func (m *Message) DetermineSize(ctx context.Context, s Serializer) (int64, error) {
	if s == nil {
		return 0, invalidArgument("serializer is nil")
	}
	var cw countingWriter
	if err := s.Serialize(ctx, &cw, m); err != nil {
		return 0, fmt.Errorf("failed to determine message size: %w", err)
	}
	return cw.n, nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// IsMultihop reports whether the cached envelope addresses its Messaging
// header to role. Without a cached envelope the Multihop flag is used.
func (m *Message) IsMultihop(role string) bool {
	if m.envelope == nil {
		return m.Multihop
	}
	multihop, err := DetectMultihop(m.envelope, role)
	return err == nil && multihop
}

// DetectMultihop reads the role attribute of the ebMS Messaging header.
func DetectMultihop(envelope []byte, role string) (bool, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return false, fmt.Errorf("failed to parse envelope: %w", err)
	}
	messaging := doc.FindElement("//*[local-name()='Messaging']")
	if messaging == nil {
		return false, nil
	}
	for _, attr := range messaging.Attr {
		if attr.Key == "role" {
			return attr.Value == role, nil
		}
	}
	return false, nil
}

func isNilUnit(u MessageUnit) bool {
	if u == nil {
		return true
	}
	switch v := u.(type) {
	case *UserMessage:
		return v == nil
	case *Receipt:
		return v == nil
	case *Error:
		return v == nil
	case *PullRequest:
		return v == nil
	}
	return false
}
