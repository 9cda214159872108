// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package mime

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

// Namespace constants for AS4/ebMS3
const (
	NsSOAPEnv  = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMS     = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NsWSSE     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSU      = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NsDS       = "http://www.w3.org/2000/09/xmldsig#"
	NsEbbp     = "http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0"
	NsMultihop = "http://docs.oasis-open.org/ebxml-msg/ns/v3.0/multihop/1.0/"
)

type envelope struct {
	XMLName xml.Name `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  header   `xml:"http://www.w3.org/2003/05/soap-envelope Header"`
	Body    body     `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
}

type header struct {
	Messaging    *messaging    `xml:"http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/ Messaging"`
	RoutingInput *routingInput `xml:"http://docs.oasis-open.org/ebxml-msg/ns/v3.0/multihop/1.0/ RoutingInput,omitempty"`
	Security     *rawElement   `xml:"http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd Security,omitempty"`
}

type rawElement struct {
	Inner []byte `xml:",innerxml"`
}

type body struct {
	Inner []byte `xml:",innerxml"`
}

type messaging struct {
	Role           string          `xml:"http://www.w3.org/2003/05/soap-envelope role,attr,omitempty"`
	UserMessages   []userMessage   `xml:"UserMessage"`
	SignalMessages []signalMessage `xml:"SignalMessage"`
}

type routingInput struct {
	UserMessage userMessage `xml:"UserMessage"`
}

type messageInfo struct {
	Timestamp      time.Time `xml:"Timestamp"`
	MessageID      string    `xml:"MessageId"`
	RefToMessageID string    `xml:"RefToMessageId,omitempty"`
}

type userMessage struct {
	Mpc               string            `xml:"mpc,attr,omitempty"`
	MessageInfo       messageInfo       `xml:"MessageInfo"`
	PartyInfo         partyInfo         `xml:"PartyInfo"`
	CollaborationInfo collaborationInfo `xml:"CollaborationInfo"`
	MessageProperties *properties       `xml:"MessageProperties,omitempty"`
	PayloadInfo       *payloadInfo      `xml:"PayloadInfo,omitempty"`
}

type partyInfo struct {
	From party `xml:"From"`
	To   party `xml:"To"`
}

type party struct {
	PartyIDs []typedValue `xml:"PartyId"`
	Role     string       `xml:"Role"`
}

type typedValue struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

type collaborationInfo struct {
	AgreementRef   *agreementRef `xml:"AgreementRef,omitempty"`
	Service        typedValue    `xml:"Service"`
	Action         string        `xml:"Action"`
	ConversationID string        `xml:"ConversationId"`
}

type agreementRef struct {
	Type  string `xml:"type,attr,omitempty"`
	PMode string `xml:"pmode,attr,omitempty"`
	Value string `xml:",chardata"`
}

type properties struct {
	Property []property `xml:"Property"`
}

type property struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

type payloadInfo struct {
	PartInfo []partInfo `xml:"PartInfo"`
}

type partInfo struct {
	Href           string      `xml:"href,attr,omitempty"`
	Schemas        []schema    `xml:"Schema"`
	PartProperties *properties `xml:"PartProperties,omitempty"`
}

type schema struct {
	Location  string `xml:"location,attr"`
	Version   string `xml:"version,attr,omitempty"`
	Namespace string `xml:"namespace,attr,omitempty"`
}

type signalMessage struct {
	MessageInfo messageInfo  `xml:"MessageInfo"`
	PullRequest *pullRequest `xml:"PullRequest,omitempty"`
	Receipt     *receipt     `xml:"Receipt,omitempty"`
	Errors      []errorLine  `xml:"Error"`
}

type pullRequest struct {
	Mpc string `xml:"mpc,attr,omitempty"`
}

type receipt struct {
	UserMessage    *userMessage    `xml:"http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/ UserMessage,omitempty"`
	NonRepudiation *nonRepudiation `xml:"http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0 NonRepudiationInformation,omitempty"`
}

type nonRepudiation struct {
	Parts []nrPart `xml:"http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0 MessagePartNRInformation"`
}

type nrPart struct {
	Reference dsReference `xml:"http://www.w3.org/2000/09/xmldsig# Reference"`
}

type dsReference struct {
	URI          string        `xml:"URI,attr"`
	Transforms   *dsTransforms `xml:"http://www.w3.org/2000/09/xmldsig# Transforms,omitempty"`
	DigestMethod dsAlgorithm   `xml:"http://www.w3.org/2000/09/xmldsig# DigestMethod"`
	DigestValue  string        `xml:"http://www.w3.org/2000/09/xmldsig# DigestValue"`
}

type dsTransforms struct {
	Transform []dsAlgorithm `xml:"http://www.w3.org/2000/09/xmldsig# Transform"`
}

type dsAlgorithm struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type errorLine struct {
	ErrorCode           string       `xml:"errorCode,attr"`
	Severity            string       `xml:"severity,attr"`
	ShortDescription    string       `xml:"shortDescription,attr,omitempty"`
	Origin              string       `xml:"origin,attr,omitempty"`
	Category            string       `xml:"category,attr,omitempty"`
	RefToMessageInError string       `xml:"refToMessageInError,attr,omitempty"`
	Description         *description `xml:"Description,omitempty"`
	ErrorDetail         string       `xml:"ErrorDetail,omitempty"`
}

type description struct {
	Lang string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Text string `xml:",chardata"`
}

// toWire maps the message units of m onto the ebMS header.
func toWire(m *message.Message, multihopRole string) *envelope {
	env := &envelope{Header: header{Messaging: &messaging{}}}
	if m.Multihop {
		env.Header.Messaging.Role = multihopRole
	}

	for _, u := range m.MessageUnits() {
		switch unit := u.(type) {
		case *message.UserMessage:
			env.Header.Messaging.UserMessages = append(env.Header.Messaging.UserMessages, userMessageToWire(unit))
		case *message.Receipt:
			r := &receipt{}
			if um, ok := unit.UserMessage().Get(); ok {
				w := userMessageToWire(um)
				r.UserMessage = &w
			}
			if nri, ok := unit.NonRepudiationInformation().Get(); ok {
				r.NonRepudiation = nonRepudiationToWire(nri)
			}
			env.Header.Messaging.SignalMessages = append(env.Header.Messaging.SignalMessages,
				signalMessage{MessageInfo: infoToWire(unit), Receipt: r})
			setRoutingInput(env, unit.RoutingInput)
		case *message.Error:
			sm := signalMessage{MessageInfo: infoToWire(unit)}
			for _, l := range unit.Lines {
				sm.Errors = append(sm.Errors, errorLineToWire(l))
			}
			env.Header.Messaging.SignalMessages = append(env.Header.Messaging.SignalMessages, sm)
			setRoutingInput(env, unit.RoutingInput)
		case *message.PullRequest:
			env.Header.Messaging.SignalMessages = append(env.Header.Messaging.SignalMessages,
				signalMessage{MessageInfo: infoToWire(unit), PullRequest: &pullRequest{Mpc: unit.Mpc}})
		}
	}
	return env
}

func setRoutingInput(env *envelope, ri message.Maybe[*message.UserMessage]) {
	if um, ok := ri.Get(); ok && env.Header.RoutingInput == nil {
		env.Header.RoutingInput = &routingInput{UserMessage: userMessageToWire(um)}
	}
}

func infoToWire(u message.MessageUnit) messageInfo {
	return messageInfo{
		Timestamp:      u.Timestamp(),
		MessageID:      u.ID(),
		RefToMessageID: u.RefToMessageID().GetOrElse(""),
	}
}

func userMessageToWire(um *message.UserMessage) userMessage {
	w := userMessage{
		Mpc:         um.Mpc,
		MessageInfo: infoToWire(um),
		PartyInfo: partyInfo{
			From: partyToWire(um.Sender),
			To:   partyToWire(um.Receiver),
		},
		CollaborationInfo: collaborationInfo{
			Service:        typedValue{Type: um.CollaborationInfo.Service.Type.GetOrElse(""), Value: um.CollaborationInfo.Service.Value},
			Action:         um.CollaborationInfo.Action,
			ConversationID: um.CollaborationInfo.ConversationID,
		},
	}
	if agr, ok := um.CollaborationInfo.AgreementRef.Get(); ok {
		w.CollaborationInfo.AgreementRef = &agreementRef{
			Type:  agr.Type.GetOrElse(""),
			PMode: agr.PModeID.GetOrElse(""),
			Value: agr.Value,
		}
	}
	if len(um.Properties) > 0 {
		w.MessageProperties = &properties{}
		for _, p := range um.Properties {
			w.MessageProperties.Property = append(w.MessageProperties.Property,
				property{Name: p.Name, Type: p.Type.GetOrElse(""), Value: p.Value})
		}
	}
	if len(um.PayloadInfo) > 0 {
		w.PayloadInfo = &payloadInfo{}
		for _, p := range um.PayloadInfo {
			w.PayloadInfo.PartInfo = append(w.PayloadInfo.PartInfo, partInfoToWire(p))
		}
	}
	return w
}

func partyToWire(p message.Party) party {
	w := party{Role: p.Role}
	for _, id := range p.PartyIDs {
		w.PartyIDs = append(w.PartyIDs, typedValue{Type: id.Type.GetOrElse(""), Value: id.Value})
	}
	return w
}

func partInfoToWire(p message.PartInfo) partInfo {
	w := partInfo{Href: p.Href}
	for _, s := range p.Schemas {
		w.Schemas = append(w.Schemas, schema{
			Location:  s.Location,
			Version:   s.Version.GetOrElse(""),
			Namespace: s.Namespace.GetOrElse(""),
		})
	}
	if len(p.Properties) > 0 {
		w.PartProperties = &properties{}
		for _, name := range sortedKeys(p.Properties) {
			w.PartProperties.Property = append(w.PartProperties.Property,
				property{Name: name, Value: p.Properties[name]})
		}
	}
	return w
}

func nonRepudiationToWire(nri *message.NonRepudiationInformation) *nonRepudiation {
	w := &nonRepudiation{}
	for _, r := range nri.References {
		ref := dsReference{
			URI:          r.URI,
			DigestMethod: dsAlgorithm{Algorithm: r.DigestMethod},
			DigestValue:  base64.StdEncoding.EncodeToString(r.DigestValue),
		}
		if len(r.Transforms) > 0 {
			ref.Transforms = &dsTransforms{}
			for _, t := range r.Transforms {
				ref.Transforms.Transform = append(ref.Transforms.Transform, dsAlgorithm{Algorithm: t})
			}
		}
		w.Parts = append(w.Parts, nrPart{Reference: ref})
	}
	return w
}

func errorLineToWire(l message.ErrorLine) errorLine {
	w := errorLine{
		ErrorCode:           l.Code,
		Severity:            string(l.Severity),
		ShortDescription:    l.ShortDescription,
		Origin:              l.Origin.GetOrElse(""),
		Category:            l.Category.GetOrElse(""),
		RefToMessageInError: l.RefToMessageID.GetOrElse(""),
		ErrorDetail:         l.Detail.GetOrElse(""),
	}
	if d, ok := l.Description.Get(); ok {
		w.Description = &description{Lang: d.Language, Text: d.Text}
	}
	return w
}

// fromWire rebuilds message units from a parsed header.
func fromWire(env *envelope) ([]message.MessageUnit, error) {
	if env.Header.Messaging == nil {
		return nil, fmt.Errorf("ebMS Messaging header not found")
	}

	var routing message.Maybe[*message.UserMessage]
	if env.Header.RoutingInput != nil {
		um, err := userMessageFromWire(env.Header.RoutingInput.UserMessage)
		if err != nil {
			return nil, fmt.Errorf("invalid RoutingInput: %w", err)
		}
		routing = message.Just(um)
	}

	var units []message.MessageUnit
	for _, w := range env.Header.Messaging.UserMessages {
		um, err := userMessageFromWire(w)
		if err != nil {
			return nil, err
		}
		units = append(units, um)
	}
	for _, w := range env.Header.Messaging.SignalMessages {
		u, err := signalFromWire(w, routing)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

func userMessageFromWire(w userMessage) (*message.UserMessage, error) {
	um, err := message.NewUserMessageUnit(w.MessageInfo.MessageID, message.MaybeString(w.MessageInfo.RefToMessageID))
	if err != nil {
		return nil, err
	}
	if !w.MessageInfo.Timestamp.IsZero() {
		um.WithTimestamp(w.MessageInfo.Timestamp)
	}
	if w.Mpc != "" {
		um.Mpc = w.Mpc
	}
	um.Sender = partyFromWire(w.PartyInfo.From)
	um.Receiver = partyFromWire(w.PartyInfo.To)
	um.CollaborationInfo = message.CollaborationInfo{
		Service: message.Service{
			Type:  message.MaybeString(w.CollaborationInfo.Service.Type),
			Value: w.CollaborationInfo.Service.Value,
		},
		Action:         w.CollaborationInfo.Action,
		ConversationID: w.CollaborationInfo.ConversationID,
	}
	if a := w.CollaborationInfo.AgreementRef; a != nil {
		um.CollaborationInfo.AgreementRef = message.Just(message.AgreementReference{
			Value:   a.Value,
			Type:    message.MaybeString(a.Type),
			PModeID: message.MaybeString(a.PMode),
		})
	}
	if w.MessageProperties != nil {
		for _, p := range w.MessageProperties.Property {
			um.Properties = append(um.Properties, message.MessageProperty{
				Name: p.Name, Value: p.Value, Type: message.MaybeString(p.Type),
			})
		}
	}
	if w.PayloadInfo != nil {
		for _, p := range w.PayloadInfo.PartInfo {
			part := message.PartInfo{Href: p.Href, Properties: make(map[string]string)}
			for _, s := range p.Schemas {
				part.Schemas = append(part.Schemas, message.Schema{
					Location:  s.Location,
					Version:   message.MaybeString(s.Version),
					Namespace: message.MaybeString(s.Namespace),
				})
			}
			if p.PartProperties != nil {
				for _, prop := range p.PartProperties.Property {
					part.Properties[prop.Name] = prop.Value
				}
			}
			um.PayloadInfo = append(um.PayloadInfo, part)
		}
	}
	return um, nil
}

func partyFromWire(w party) message.Party {
	p := message.Party{Role: w.Role}
	for _, id := range w.PartyIDs {
		p.PartyIDs = append(p.PartyIDs, message.PartyID{Type: message.MaybeString(id.Type), Value: id.Value})
	}
	return p
}

func signalFromWire(w signalMessage, routing message.Maybe[*message.UserMessage]) (message.MessageUnit, error) {
	id := w.MessageInfo.MessageID
	ref := w.MessageInfo.RefToMessageID

	var (
		unit message.MessageUnit
		err  error
	)
	switch {
	case w.PullRequest != nil:
		unit, err = message.NewPullRequest(id, w.PullRequest.Mpc)
	case w.Receipt != nil:
		unit, err = receiptFromWire(id, ref, w.Receipt, routing)
	case len(w.Errors) > 0:
		lines := make([]message.ErrorLine, 0, len(w.Errors))
		for _, e := range w.Errors {
			lines = append(lines, errorLineFromWire(e))
		}
		var e *message.Error
		e, err = message.NewErrorUnit(id, message.MaybeString(ref), lines...)
		if err == nil {
			e.RoutingInput = routing
			unit = e
		}
	default:
		return nil, fmt.Errorf("signal message %s carries no receipt, error or pull request", id)
	}
	if err != nil {
		return nil, err
	}
	if ts, ok := unit.(interface{ WithTimestamp(time.Time) }); ok && !w.MessageInfo.Timestamp.IsZero() {
		ts.WithTimestamp(w.MessageInfo.Timestamp)
	}
	return unit, nil
}

func receiptFromWire(id, ref string, w *receipt, routing message.Maybe[*message.UserMessage]) (*message.Receipt, error) {
	var (
		r   *message.Receipt
		err error
	)
	if w.UserMessage != nil && w.NonRepudiation == nil {
		var um *message.UserMessage
		um, err = userMessageFromWire(*w.UserMessage)
		if err != nil {
			return nil, err
		}
		r, err = message.NewReceiptForUserMessage(id, um)
	} else {
		nri := &message.NonRepudiationInformation{}
		if w.NonRepudiation != nil {
			for _, p := range w.NonRepudiation.Parts {
				digest, derr := base64.StdEncoding.DecodeString(p.Reference.DigestValue)
				if derr != nil {
					return nil, fmt.Errorf("invalid digest for %s: %w", p.Reference.URI, derr)
				}
				reference := message.Reference{
					URI:          p.Reference.URI,
					DigestMethod: p.Reference.DigestMethod.Algorithm,
					DigestValue:  digest,
				}
				if p.Reference.Transforms != nil {
					for _, t := range p.Reference.Transforms.Transform {
						reference.Transforms = append(reference.Transforms, t.Algorithm)
					}
				}
				nri.References = append(nri.References, reference)
			}
		}
		r, err = message.NewNonRepudiationReceipt(id, ref, nri)
	}
	if err != nil {
		return nil, err
	}
	r.RoutingInput = routing
	return r, nil
}

func errorLineFromWire(w errorLine) message.ErrorLine {
	l := message.ErrorLine{
		Code:             w.ErrorCode,
		Severity:         message.Severity(w.Severity),
		ShortDescription: w.ShortDescription,
		Origin:           message.MaybeString(w.Origin),
		Category:         message.MaybeString(w.Category),
		Detail:           message.MaybeString(w.ErrorDetail),
		RefToMessageID:   message.MaybeString(w.RefToMessageInError),
	}
	if w.Description != nil {
		l.Description = message.Just(message.ErrorDescription{Language: w.Description.Lang, Text: w.Description.Text})
	}
	return l
}
