// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides the AS4 message aggregate and its message units.

This package models the message structures defined in the OASIS ebXML
Messaging Services Version 3.0 specification and the AS4 profile, independent
of their XML wire form (see package mime for the serializer).

# Message Units

A Message holds an ordered list of message units:

  - UserMessage: business message with PartyInfo, CollaborationInfo,
    PayloadInfo and MessageProperties
  - Receipt: acknowledgment, echoing either the user message or its
    NonRepudiationInformation
  - Error: one or more ErrorLine values, including the EBMS:0006
    empty pull response warning
  - PullRequest: request for a message queued on an MPC

# Attachments and the Envelope Cache

Attachments are identified by content id; adding a duplicate id fails with
ErrConflict. Any structural change (units, attachments, compression) drops the
cached envelope, so it is rebuilt before the next transmission:

	msg := message.New()
	_ = msg.AddMessageUnit(um)
	_ = msg.AddAttachment(att)
	msg.Envelope() // nil

# Building Messages

Use the builder to construct a message with one user message:

	msg, err := message.NewUserMessage(
	    message.WithFrom("sender", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
	    message.WithTo("receiver", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
	    message.WithService("http://example.com/service"),
	    message.WithAction("processDocument"),
	).AddPayload(data, "application/xml").Build()

# Value Objects

Party, PartyID, Service, AgreementReference, CollaborationInfo, Schema,
Reference, ErrorLine and ErrorDescription compare structurally through their
Equal methods. PartyID comparison ignores case. Optional fields use Maybe.

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - ebMS 3.0 Part 2 (multihop): https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/part2/201004/
*/
package message
