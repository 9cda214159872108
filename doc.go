// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gomsh is an AS4 Message Service Handler: a node that exchanges
ebMS 3.0 messages with trading partners following the OASIS AS4 profile and
eDelivery AS4 2.0.

# Overview

A node is run by the msh command. It is configured by one YAML file and a
directory of P-Modes, and keeps its state in SQLite or MongoDB. Each message
passes through a flow: submit, send, receive, pull and deliver. Outbound
user messages are tracked by a retry state machine until a receipt or an
ebMS error settles them, or until their retries are exhausted.

# Package Structure

	cmd/msh                - node and operator commands
	internal/as4           - the MSH: flows and their handlers
	internal/config        - YAML configuration and hot reload
	internal/keystore      - node credential and trust roots
	internal/metrics       - Prometheus collectors
	internal/sender        - outbound transfer and reception awareness
	internal/server        - health probes and the operator API
	internal/storage       - message and exception tables (sqlite, mongodb)
	pkg/backoff            - polling back-off
	pkg/compression        - AS4 payload compression
	pkg/message            - the message aggregate and its units
	pkg/mime               - SOAP with attachments wire format
	pkg/pmode              - processing modes
	pkg/receiver           - receivers and the polling state machine
	pkg/reliability        - retry records and duplicate elimination
	pkg/security           - WS-Security signing and encryption
	pkg/transport          - HTTPS client

# Quick Start

	msh migrate -c msh.yaml
	msh serve -c msh.yaml
	msh submit -c msh.yaml --pmode blue-to-red invoice.xml

# Security

Messages are signed with RSA-SHA256 over exclusive canonicalization and
encrypted with AES-GCM under an RSA-OAEP wrapped key. Which of those a
message gets, and which certificates are trusted, is set per P-Mode.

# References

  - OASIS AS4 Profile of ebMS 3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - eDelivery AS4 2.0: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/pages/845480153/eDelivery+AS4+-+2.0
*/
package gomsh
