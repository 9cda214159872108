// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

import (
	"slices"
	"strings"
)

// DefaultRole is the ebMS3 default party role.
const DefaultRole = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultRole"

// PartyID identifies a party, optionally qualified by a type.
type PartyID struct {
	Type  Maybe[string]
	Value string
}

// Equal compares party ids case-insensitively.
func (p PartyID) Equal(o PartyID) bool {
	return strings.EqualFold(p.Value, o.Value) &&
		EqualMaybe(p.Type, o.Type, strings.EqualFold)
}

// Party is a sender or receiver of a user message.
type Party struct {
	Role     string
	PartyIDs []PartyID
}

// NewParty creates a party with at least one id.
func NewParty(role string, ids ...PartyID) (Party, error) {
	if len(ids) == 0 {
		return Party{}, invalidArgument("party requires at least one PartyId")
	}
	return Party{Role: role, PartyIDs: ids}, nil
}

// Equal compares role and the ordered list of ids.
func (p Party) Equal(o Party) bool {
	return p.Role == o.Role && slices.EqualFunc(p.PartyIDs, o.PartyIDs, PartyID.Equal)
}

// PrimaryID returns the value of the first party id, or "".
func (p Party) PrimaryID() string {
	if len(p.PartyIDs) == 0 {
		return ""
	}
	return p.PartyIDs[0].Value
}

// Service names the business service of a collaboration.
type Service struct {
	Type  Maybe[string]
	Value string
}

// Equal compares value and type.
func (s Service) Equal(o Service) bool {
	return s.Value == o.Value && EqualMaybe(s.Type, o.Type, eqString)
}

// AgreementReference points to the agreement governing an exchange.
type AgreementReference struct {
	Value   string
	Type    Maybe[string]
	PModeID Maybe[string]
}

// Equal compares all fields.
func (a AgreementReference) Equal(o AgreementReference) bool {
	return a.Value == o.Value &&
		EqualMaybe(a.Type, o.Type, eqString) &&
		EqualMaybe(a.PModeID, o.PModeID, eqString)
}

// CollaborationInfo groups service, action and conversation.
type CollaborationInfo struct {
	AgreementRef   Maybe[AgreementReference]
	Service        Service
	Action         string
	ConversationID string
}

// Equal compares all fields.
func (c CollaborationInfo) Equal(o CollaborationInfo) bool {
	return c.Service.Equal(o.Service) &&
		c.Action == o.Action &&
		c.ConversationID == o.ConversationID &&
		EqualMaybe(c.AgreementRef, o.AgreementRef, AgreementReference.Equal)
}

// Schema describes the schema of a payload part.
type Schema struct {
	Location  string
	Version   Maybe[string]
	Namespace Maybe[string]
}

// Equal compares all fields.
func (s Schema) Equal(o Schema) bool {
	return s.Location == o.Location &&
		EqualMaybe(s.Version, o.Version, eqString) &&
		EqualMaybe(s.Namespace, o.Namespace, eqString)
}

// MessageProperty is a name/value pair carried in MessageProperties.
type MessageProperty struct {
	Name  string
	Value string
	Type  Maybe[string]
}

// Part property names with protocol meaning.
const (
	PropertyMimeType        = "MimeType"
	PropertyCompressionType = "CompressionType"
	PropertyCharacterSet    = "CharacterSet"
)

// PartInfo references a payload carried as an attachment or in the body.
type PartInfo struct {
	Href       string
	Properties map[string]string
	Schemas    []Schema
}

// NewPartInfo creates a part reference for contentID.
func NewPartInfo(contentID string) PartInfo {
	return PartInfo{
		Href:       "cid:" + NormalizeContentID(contentID),
		Properties: make(map[string]string),
	}
}

// SetProperty sets a part property.
func (p *PartInfo) SetProperty(name, value string) {
	if p.Properties == nil {
		p.Properties = make(map[string]string)
	}
	p.Properties[name] = value
}

// MimeType returns the MimeType part property, if set.
func (p PartInfo) MimeType() Maybe[string] {
	return MaybeString(p.Properties[PropertyMimeType])
}

// CompressionType returns the CompressionType part property, if set.
func (p PartInfo) CompressionType() Maybe[string] {
	return MaybeString(p.Properties[PropertyCompressionType])
}

// ContentID returns the attachment id this part refers to, or "" for body payloads.
func (p PartInfo) ContentID() string {
	if !strings.HasPrefix(p.Href, "cid:") {
		return ""
	}
	return NormalizeContentID(p.Href)
}

// NormalizeContentID strips the cid: scheme and angle brackets.
func NormalizeContentID(contentID string) string {
	id := strings.TrimPrefix(contentID, "cid:")
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}

// MatchContentID compares two content ids in any of their notations.
func MatchContentID(a, b string) bool {
	return NormalizeContentID(a) == NormalizeContentID(b)
}
