// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements WS-Security for AS4 message signing and encryption.

The Coordinator applies protections to a message.Message and keeps the
message's security header in step with its envelope and attachments. The
cryptography is delegated to a Provider; XMLDSigProvider is the default one.

# Digital Signatures

Signatures follow the AS4 profile of WS-Security 1.1.1:

  - RSA-SHA256 signature method (SHA-384 and SHA-512 variants supported)
  - Exclusive XML Canonicalization with InclusiveNamespaces
  - References to the Timestamp, SOAP Body and eb:Messaging header
  - One reference per attachment using the SwA Attachment-Content-Signature-Transform
  - BinarySecurityToken carrying the signing certificate

	c, _ := security.NewCoordinator(security.NewXMLDSigProvider(), serializer)
	err := c.Sign(msg, &security.SignatureConfig{Credential: cred})

VerifySignature returns false for a signature that does not verify and
reserves errors for messages that cannot be checked at all.

# Encryption

Attachments are encrypted with AES-GCM under a fresh content key that is
transported to the recipient certificate with RSA-OAEP (xmlenc11#rsa-oaep,
SHA-256 digest, MGF1-SHA256):

	err := c.Encrypt(msg, &security.KeyEncryptionConfig{Certificate: partnerCert}, nil)

# Processing order

SecureOutbound compresses, signs and encrypts. OpenInbound decrypts,
verifies and decompresses.

# Certificate validation

CertificateValidator decides whether the certificate of a partner is trusted.
DefaultCertificateValidator verifies the chain against a root pool and
PinnedCertificateValidator accepts a fixed partner set.
*/
package security
