// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode provides Processing Mode (P-Mode) configuration for AS4.

A P-Mode describes one agreed exchange between two parties: the message
exchange pattern and its binding, the business service and action, the
partner address, the WS-Security parameters, reception awareness (retry and
duplicate detection) and payload compression.

P-Modes are loaded from YAML files:

	id: invoice-push
	mep: http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay
	mepBinding: http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push
	initiator: {id: blue}
	responder: {id: red}
	businessInfo:
	  service: urn:example:invoice
	  action: Deliver
	protocol:
	  address: https://red.example.com/as4
	receptionAwareness:
	  enabled: true
	  retry: {enabled: true, maxRetries: 3, retryInterval: 1m}

and looked up by the sending and receiving flows:

	manager := pmode.NewPModeManager()
	if _, err := manager.LoadDir("/etc/msh/pmodes"); err != nil {
	    return err
	}
	pm := manager.FindPMode(service, action, from, to)
*/
package pmode
