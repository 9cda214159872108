// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

// Algorithm URIs for XML signature and encryption
const (
	// Signature algorithms
	AlgorithmRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmRSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgorithmRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"

	// Digest algorithms
	AlgorithmSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	AlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"

	// Canonicalization and transforms
	AlgorithmC14N                = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmAttachmentSignature = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Content-Signature-Transform"
	AlgorithmAttachmentCipher    = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Ciphertext-Transform"

	// Encryption algorithms
	AlgorithmAES128GCM    = "http://www.w3.org/2009/xmlenc11#aes128-gcm"
	AlgorithmAES256GCM    = "http://www.w3.org/2009/xmlenc11#aes256-gcm"
	AlgorithmRSAOAEP      = "http://www.w3.org/2009/xmlenc11#rsa-oaep"
	AlgorithmRSAOAEPMGF1P = "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"

	// Mask generation functions of xmlenc11#rsa-oaep
	AlgorithmMGF1SHA1   = "http://www.w3.org/2009/xmlenc11#mgf1sha1"
	AlgorithmMGF1SHA256 = "http://www.w3.org/2009/xmlenc11#mgf1sha256"
)

// WS-Security namespaces
const (
	NSSecurityExt  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NSSecurityUtil = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NSXMLDSig      = "http://www.w3.org/2000/09/xmldsig#"
	NSXMLEnc       = "http://www.w3.org/2001/04/xmlenc#"
	NSXMLEnc11     = "http://www.w3.org/2009/xmlenc11#"
	NSSOAP12       = "http://www.w3.org/2003/05/soap-envelope"
)

const (
	valueTypeX509   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	encodingBase64  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	typeAttachment  = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Content-Only"
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

var (
	// ErrNotEncrypted is returned when decrypting a message that is not encrypted
	ErrNotEncrypted = errors.New("message is not encrypted")
	// ErrMissingEnvelope is returned when the message has no envelope to operate on
	ErrMissingEnvelope = errors.New("message has no envelope")
	// ErrNoAttachments is returned when encrypting a message without attachments
	ErrNoAttachments = errors.New("message has no attachments to encrypt")
	// ErrInvalidConfig is returned for missing keys or certificates
	ErrInvalidConfig = errors.New("invalid security configuration")
)

// Credential is a certificate with its RSA private key.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// SignatureConfig describes how to sign an outbound message.
type SignatureConfig struct {
	Credential *Credential
	// Algorithm is the signature method URI, default rsa-sha256.
	Algorithm string
	// DigestAlgorithm is the reference digest URI, default sha256.
	DigestAlgorithm string
}

// VerifyConfig describes how to verify an inbound signature.
type VerifyConfig struct {
	// Certificate pins the signer. When nil the BinarySecurityToken of the
	// message is used and checked with Validator.
	Certificate *x509.Certificate
	Validator   CertificateValidator
}

// KeyEncryptionConfig selects the recipient key transport.
type KeyEncryptionConfig struct {
	Certificate *x509.Certificate
	// Algorithm is the key transport URI. Only xmlenc11#rsa-oaep is written,
	// with SHA-256 digest and MGF1-SHA256.
	Algorithm string
}

// DataEncryptionConfig selects the attachment cipher.
type DataEncryptionConfig struct {
	// Algorithm is aes128-gcm (default) or aes256-gcm.
	Algorithm string
}

func (c *SignatureConfig) validate() error {
	if c == nil || c.Credential == nil || c.Credential.Certificate == nil || c.Credential.PrivateKey == nil {
		return fmt.Errorf("%w: signing credential is required", ErrInvalidConfig)
	}
	if _, ok := c.Credential.Certificate.PublicKey.(*rsa.PublicKey); !ok {
		return fmt.Errorf("%w: certificate does not contain RSA public key", ErrInvalidConfig)
	}
	if _, err := signatureAlgorithmURI(c.Algorithm); err != nil {
		return err
	}
	_, err := digestHash(c.DigestAlgorithm)
	return err
}

func (c *KeyEncryptionConfig) validate() error {
	if c == nil || c.Certificate == nil {
		return fmt.Errorf("%w: recipient certificate is required", ErrInvalidConfig)
	}
	if _, ok := c.Certificate.PublicKey.(*rsa.PublicKey); !ok {
		return fmt.Errorf("%w: certificate does not contain RSA public key", ErrInvalidConfig)
	}
	if c.Algorithm != "" && c.Algorithm != AlgorithmRSAOAEP {
		return fmt.Errorf("%w: unsupported key transport %s", ErrInvalidConfig, c.Algorithm)
	}
	return nil
}

func (c *DataEncryptionConfig) keySize() (int, error) {
	if c == nil || c.Algorithm == "" || c.Algorithm == AlgorithmAES128GCM {
		return 16, nil
	}
	if c.Algorithm == AlgorithmAES256GCM {
		return 32, nil
	}
	return 0, fmt.Errorf("%w: unsupported data encryption %s", ErrInvalidConfig, c.Algorithm)
}

func (c *DataEncryptionConfig) algorithm() string {
	if c == nil || c.Algorithm == "" {
		return AlgorithmAES128GCM
	}
	return c.Algorithm
}

func signatureAlgorithmURI(uri string) (string, error) {
	switch uri {
	case "":
		return AlgorithmRSASHA256, nil
	case AlgorithmRSASHA256, AlgorithmRSASHA384, AlgorithmRSASHA512:
		return uri, nil
	}
	return "", fmt.Errorf("%w: unsupported signature algorithm %s", ErrInvalidConfig, uri)
}

func digestHash(uri string) (crypto.Hash, error) {
	switch uri {
	case "", AlgorithmSHA256:
		return crypto.SHA256, nil
	case AlgorithmSHA512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: unsupported digest algorithm %s", ErrInvalidConfig, uri)
}

// generateID generates a random ID for XML elements using hex encoding
// to avoid special characters like '=' that may cause issues with XPointer
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
