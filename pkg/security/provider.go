// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package security

import "github.com/sirosfoundation/go-msh/pkg/message"

// Provider performs the cryptographic work on a serialized envelope and
// its attachments. Attachment content is rewritten in place by Encrypt and
// Decrypt; the returned envelope replaces the input.
type Provider interface {
	Sign(envelope []byte, attachments []*message.Attachment, cfg *SignatureConfig) (*SignResult, error)
	// Verify returns an error only when the input cannot be processed. A
	// signature that does not verify yields a result with Valid false.
	Verify(envelope []byte, attachments []*message.Attachment, cfg *VerifyConfig) (*VerifyResult, error)
	Encrypt(envelope []byte, attachments []*message.Attachment, key *KeyEncryptionConfig, data *DataEncryptionConfig) ([]byte, error)
	Decrypt(envelope []byte, attachments []*message.Attachment, cred *Credential) ([]byte, error)
}

// SignResult is a signed envelope and the references its signature covers.
type SignResult struct {
	Envelope    []byte
	SignatureID string
	References  []message.Reference
}

// VerifyResult is the outcome of a signature check.
type VerifyResult struct {
	Valid       bool
	Reason      string
	SignatureID string
	References  []message.Reference
}
