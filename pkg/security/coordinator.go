// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package security

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

// EnvelopeBuilder returns the envelope of a message, building it when the
// cached one was invalidated. *mime.Serializer implements it.
type EnvelopeBuilder interface {
	Envelope(m *message.Message) ([]byte, error)
}

// Coordinator applies signing and encryption to a message and keeps its
// security header consistent with the attachments it carries. The
// cryptography itself is done by a Provider.
type Coordinator struct {
	provider  Provider
	envelopes EnvelopeBuilder
	logger    *slog.Logger
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(provider Provider, envelopes EnvelopeBuilder, opts ...CoordinatorOption) (*Coordinator, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if envelopes == nil {
		return nil, fmt.Errorf("%w: envelope builder is required", ErrInvalidConfig)
	}
	c := &Coordinator{provider: provider, envelopes: envelopes}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Sign signs the envelope and every attachment of msg. Signing an already
// signed message adds a further signature.
func (c *Coordinator) Sign(msg *message.Message, cfg *SignatureConfig) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", message.ErrInvalidArgument)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	env, err := c.envelopes.Envelope(msg)
	if err != nil {
		return fmt.Errorf("failed to build envelope: %w", err)
	}
	result, err := c.provider.Sign(env, msg.Attachments(), cfg)
	if err != nil {
		return fmt.Errorf("failed to sign message %s: %w", msg.PrimaryMessageID(), err)
	}
	msg.SetEnvelope(result.Envelope)
	msg.SecurityHeader().MarkSigned(result.SignatureID, result.References)
	c.logger.Debug("message signed",
		"message_id", msg.PrimaryMessageID(),
		"signature_id", result.SignatureID)
	return nil
}

// Encrypt encrypts the attachments of msg for the recipient.
func (c *Coordinator) Encrypt(msg *message.Message, key *KeyEncryptionConfig, data *DataEncryptionConfig) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", message.ErrInvalidArgument)
	}
	if err := key.validate(); err != nil {
		return err
	}
	if msg.SecurityHeader().IsEncrypted() {
		return fmt.Errorf("message %s is already encrypted", msg.PrimaryMessageID())
	}
	if !msg.HasAttachments() {
		return ErrNoAttachments
	}
	env, err := c.envelopes.Envelope(msg)
	if err != nil {
		return fmt.Errorf("failed to build envelope: %w", err)
	}
	out, err := c.provider.Encrypt(env, msg.Attachments(), key, data)
	if err != nil {
		return fmt.Errorf("failed to encrypt message %s: %w", msg.PrimaryMessageID(), err)
	}
	msg.SetEnvelope(out)
	msg.SecurityHeader().MarkEncrypted()
	c.logger.Debug("message encrypted", "message_id", msg.PrimaryMessageID())
	return nil
}

// Decrypt decrypts the attachments of msg. It fails with ErrNotEncrypted
// when the message carries no encrypted content.
func (c *Coordinator) Decrypt(msg *message.Message, cred *Credential) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", message.ErrInvalidArgument)
	}
	if cred == nil || cred.PrivateKey == nil {
		return fmt.Errorf("%w: decryption key is required", ErrInvalidConfig)
	}
	if !msg.SecurityHeader().IsEncrypted() {
		return ErrNotEncrypted
	}
	env := msg.Envelope()
	if env == nil {
		return ErrMissingEnvelope
	}
	out, err := c.provider.Decrypt(env, msg.Attachments(), cred)
	if err != nil {
		return fmt.Errorf("failed to decrypt message %s: %w", msg.PrimaryMessageID(), err)
	}
	msg.SetEnvelope(out)
	msg.SecurityHeader().MarkDecrypted()
	return nil
}

// VerifySignature reports whether the signature of msg is valid. An invalid
// signature yields false; an error is returned only for a message that
// cannot be checked at all.
func (c *Coordinator) VerifySignature(msg *message.Message, cfg *VerifyConfig) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("%w: message is nil", message.ErrInvalidArgument)
	}
	env := msg.Envelope()
	if env == nil {
		return false, ErrMissingEnvelope
	}
	if !msg.SecurityHeader().IsSigned() {
		return false, nil
	}
	result, err := c.provider.Verify(env, msg.Attachments(), cfg)
	if err != nil {
		return false, fmt.Errorf("failed to verify message %s: %w", msg.PrimaryMessageID(), err)
	}
	if !result.Valid {
		c.logger.Warn("signature verification failed",
			"message_id", msg.PrimaryMessageID(),
			"reason", result.Reason)
		return false, nil
	}
	msg.SecurityHeader().MarkSigned(result.SignatureID, result.References)
	return true, nil
}

// OutboundPolicy selects the protections applied to an outgoing message.
// Nil parts are skipped.
type OutboundPolicy struct {
	Compressor message.Compressor
	Signature  *SignatureConfig
	Encryption *KeyEncryptionConfig
	Data       *DataEncryptionConfig
}

// InboundPolicy selects the checks applied to an incoming message.
type InboundPolicy struct {
	Decryption   *Credential
	Verification *VerifyConfig
	// RequireSignature rejects unsigned messages.
	RequireSignature bool
	Compressor       message.Compressor
}

// Errors of OpenInbound, one per stage. The cause stays in the chain.
var (
	// ErrSignatureInvalid is returned when verification fails
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrDecryptionFailed is returned when the message cannot be decrypted
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrDecompressionFailed is returned when a payload cannot be decompressed
	ErrDecompressionFailed = errors.New("decompression failed")
)

// SecureOutbound compresses, signs and encrypts msg, in that order.
func (c *Coordinator) SecureOutbound(msg *message.Message, policy OutboundPolicy) error {
	if policy.Compressor != nil && msg.HasAttachments() {
		if err := msg.CompressAttachments(policy.Compressor); err != nil {
			return err
		}
	}
	if policy.Signature != nil {
		if err := c.Sign(msg, policy.Signature); err != nil {
			return err
		}
	}
	if policy.Encryption != nil && msg.HasAttachments() {
		if err := c.Encrypt(msg, policy.Encryption, policy.Data); err != nil {
			return err
		}
	}
	return nil
}

// OpenInbound decrypts, verifies and decompresses msg, in that order.
func (c *Coordinator) OpenInbound(msg *message.Message, policy InboundPolicy) error {
	if msg.SecurityHeader().IsEncrypted() {
		if policy.Decryption == nil {
			return fmt.Errorf("%w: %w: message is encrypted but no decryption key is configured", ErrDecryptionFailed, ErrInvalidConfig)
		}
		if err := c.Decrypt(msg, policy.Decryption); err != nil {
			return fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
	}
	if msg.SecurityHeader().IsSigned() {
		ok, err := c.VerifySignature(msg, policy.Verification)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
		}
		if !ok {
			return fmt.Errorf("%w: message %s", ErrSignatureInvalid, msg.PrimaryMessageID())
		}
	} else if policy.RequireSignature {
		return fmt.Errorf("%w: message %s is not signed", ErrSignatureInvalid, msg.PrimaryMessageID())
	}
	if policy.Compressor != nil {
		// Signed references survive the cache drop for receipts.
		if err := msg.DecompressAttachments(policy.Compressor); err != nil {
			return fmt.Errorf("%w: %w", ErrDecompressionFailed, err)
		}
	}
	return nil
}
