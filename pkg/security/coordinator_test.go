// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package security

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/compression"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/mime"
)

func buildMessage(t *testing.T) *message.Message {
	t.Helper()
	msg, err := message.NewUserMessage(
		message.WithMessageID("um-1@example.com"),
		message.WithFrom("sender", ""),
		message.WithTo("receiver", ""),
		message.WithService("urn:example:service"),
		message.WithAction("Deliver"),
	).
		AddPayloadWithID("doc@example.com", bytes.Repeat([]byte("<doc>hello</doc>"), 64), "application/xml").
		Build()
	require.NoError(t, err)
	return msg
}

func newTestCoordinator(t *testing.T, s *mime.Serializer) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(NewXMLDSigProvider(), s)
	require.NoError(t, err)
	return c
}

func TestNewCoordinator_RequiresCollaborators(t *testing.T) {
	_, err := NewCoordinator(nil, mime.NewSerializer())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCoordinator(NewXMLDSigProvider(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCoordinator_SecureAndOpenOverTheWire(t *testing.T) {
	sender := newTestCredential(t)
	recipient := newTestCredential(t)
	s := mime.NewSerializer()
	c := newTestCoordinator(t, s)

	msg := buildMessage(t)
	payload := bytes.Clone(msg.Attachments()[0].Content)

	err := c.SecureOutbound(msg, OutboundPolicy{
		Compressor: compression.NewCompressor(),
		Signature:  &SignatureConfig{Credential: sender},
		Encryption: &KeyEncryptionConfig{Certificate: recipient.Certificate},
	})
	require.NoError(t, err)
	assert.True(t, msg.SecurityHeader().IsSigned())
	assert.True(t, msg.SecurityHeader().IsEncrypted())
	sentRefs := msg.SecurityHeader().SignedReferences()
	require.NotEmpty(t, sentRefs)

	var wire bytes.Buffer
	require.NoError(t, s.Serialize(context.Background(), &wire, msg))

	received, err := s.Deserialize(context.Background(), &wire, msg.ContentType)
	require.NoError(t, err)
	assert.True(t, received.SecurityHeader().IsSigned())
	assert.True(t, received.SecurityHeader().IsEncrypted())

	err = c.OpenInbound(received, InboundPolicy{
		Decryption:       recipient,
		Verification:     &VerifyConfig{Certificate: sender.Certificate},
		RequireSignature: true,
		Compressor:       compression.NewCompressor(),
	})
	require.NoError(t, err)

	att, ok := received.Attachment("doc@example.com")
	require.True(t, ok)
	assert.Equal(t, payload, att.Content)
	assert.Equal(t, "application/xml", att.ContentType)
	assert.False(t, received.SecurityHeader().IsEncrypted())

	receivedRefs := received.SecurityHeader().SignedReferences()
	require.Len(t, receivedRefs, len(sentRefs))

	receipt, err := message.NewNonRepudiationReceipt("rcpt-1", received.PrimaryMessageID(),
		&message.NonRepudiationInformation{References: receivedRefs})
	require.NoError(t, err)
	assert.True(t, message.VerifyNonRepudiationInfo(receipt, sentRefs))
}

func TestCoordinator_OpenInboundRejectsTamperedPayload(t *testing.T) {
	sender := newTestCredential(t)
	s := mime.NewSerializer()
	c := newTestCoordinator(t, s)

	msg := buildMessage(t)
	require.NoError(t, c.Sign(msg, &SignatureConfig{Credential: sender}))

	var wire bytes.Buffer
	require.NoError(t, s.Serialize(context.Background(), &wire, msg))
	received, err := s.Deserialize(context.Background(), &wire, msg.ContentType)
	require.NoError(t, err)
	received.Attachments()[0].Content = []byte("forged")

	err = c.OpenInbound(received, InboundPolicy{Verification: &VerifyConfig{Certificate: sender.Certificate}})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCoordinator_OpenInboundRequiresSignature(t *testing.T) {
	c := newTestCoordinator(t, mime.NewSerializer())
	msg := buildMessage(t)

	assert.NoError(t, c.OpenInbound(msg, InboundPolicy{}))
	assert.ErrorIs(t, c.OpenInbound(msg, InboundPolicy{RequireSignature: true}), ErrSignatureInvalid)
}

func TestCoordinator_DecryptNotEncrypted(t *testing.T) {
	c := newTestCoordinator(t, mime.NewSerializer())
	msg := buildMessage(t)

	err := c.Decrypt(msg, newTestCredential(t))
	assert.ErrorIs(t, err, ErrNotEncrypted)
}

func TestCoordinator_VerifySignature(t *testing.T) {
	sender := newTestCredential(t)
	s := mime.NewSerializer()
	c := newTestCoordinator(t, s)

	t.Run("no envelope", func(t *testing.T) {
		_, err := c.VerifySignature(buildMessage(t), &VerifyConfig{})
		assert.ErrorIs(t, err, ErrMissingEnvelope)
	})

	t.Run("unsigned", func(t *testing.T) {
		msg := buildMessage(t)
		_, err := s.Envelope(msg)
		require.NoError(t, err)
		ok, err := c.VerifySignature(msg, &VerifyConfig{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("signed", func(t *testing.T) {
		msg := buildMessage(t)
		require.NoError(t, c.Sign(msg, &SignatureConfig{Credential: sender}))
		ok, err := c.VerifySignature(msg, &VerifyConfig{Certificate: sender.Certificate})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong certificate", func(t *testing.T) {
		msg := buildMessage(t)
		require.NoError(t, c.Sign(msg, &SignatureConfig{Credential: sender}))
		ok, err := c.VerifySignature(msg, &VerifyConfig{Certificate: newTestCredential(t).Certificate})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCoordinator_MutationDropsSignature(t *testing.T) {
	sender := newTestCredential(t)
	c := newTestCoordinator(t, mime.NewSerializer())
	msg := buildMessage(t)

	require.NoError(t, c.Sign(msg, &SignatureConfig{Credential: sender}))
	require.True(t, msg.SecurityHeader().IsSigned())

	extra, err := message.NewAttachment("extra@example.com", "text/plain", []byte("late"))
	require.NoError(t, err)
	require.NoError(t, msg.AddAttachment(extra))

	assert.False(t, msg.SecurityHeader().IsSigned())
	assert.Nil(t, msg.Envelope())
	assert.NotEmpty(t, msg.SecurityHeader().SignedReferences())
}

func TestCoordinator_EncryptTwiceFails(t *testing.T) {
	recipient := newTestCredential(t)
	c := newTestCoordinator(t, mime.NewSerializer())
	msg := buildMessage(t)
	key := &KeyEncryptionConfig{Certificate: recipient.Certificate}

	require.NoError(t, c.Encrypt(msg, key, nil))
	assert.Error(t, c.Encrypt(msg, key, nil))

	require.NoError(t, c.Decrypt(msg, recipient))
	assert.ErrorIs(t, c.Decrypt(msg, recipient), ErrNotEncrypted)
}

func TestCoordinator_OpenInboundReportsStage(t *testing.T) {
	recipient := newTestCredential(t)
	s := mime.NewSerializer()
	c := newTestCoordinator(t, s)

	t.Run("no decryption key", func(t *testing.T) {
		msg := buildMessage(t)
		require.NoError(t, c.Encrypt(msg, &KeyEncryptionConfig{Certificate: recipient.Certificate}, nil))
		err := c.OpenInbound(msg, InboundPolicy{})
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("wrong decryption key", func(t *testing.T) {
		msg := buildMessage(t)
		require.NoError(t, c.Encrypt(msg, &KeyEncryptionConfig{Certificate: recipient.Certificate}, nil))
		err := c.OpenInbound(msg, InboundPolicy{Decryption: newTestCredential(t)})
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("corrupt compressed payload", func(t *testing.T) {
		msg := buildMessage(t)
		require.NoError(t, msg.CompressAttachments(compression.NewCompressor()))
		msg.Attachments()[0].Content = []byte("not gzip")
		err := c.OpenInbound(msg, InboundPolicy{Compressor: compression.NewCompressor()})
		assert.ErrorIs(t, err, ErrDecompressionFailed)
	})
}
