// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

import "slices"

// SecurityHeader tracks the WS-Security state of a message. The secured XML
// itself lives in the message's cached envelope.
type SecurityHeader struct {
	SigningID  string
	signed     bool
	encrypted  bool
	references []Reference
}

// IsSigned reports whether the current envelope carries a signature.
func (h *SecurityHeader) IsSigned() bool { return h.signed }

// IsEncrypted reports whether the attachments are currently encrypted.
func (h *SecurityHeader) IsEncrypted() bool { return h.encrypted }

// SignedReferences returns the references covered by the last signature.
func (h *SecurityHeader) SignedReferences() []Reference {
	return slices.Clone(h.references)
}

// MarkSigned records a signature over refs.
func (h *SecurityHeader) MarkSigned(signingID string, refs []Reference) {
	h.signed = true
	h.SigningID = signingID
	h.references = slices.Clone(refs)
}

// MarkEncrypted records that attachments were encrypted.
func (h *SecurityHeader) MarkEncrypted() { h.encrypted = true }

// MarkDecrypted records that attachments were decrypted.
func (h *SecurityHeader) MarkDecrypted() { h.encrypted = false }

// stale is called when the message structure changes under an existing
// signature. References are kept so receipts can still echo them.
func (h *SecurityHeader) stale() {
	h.signed = false
}
