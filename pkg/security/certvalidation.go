// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package security

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate is not trusted
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrInvalidCertificate is returned for other certificate validation failures
	ErrInvalidCertificate = errors.New("certificate validation failed")
	// ErrKeyUsage is returned when the key usage of a certificate excludes the purpose
	ErrKeyUsage = errors.New("certificate key usage does not allow purpose")
)

// Certificate purposes understood by DefaultCertificateValidator.
const (
	PurposeSigning    = "signing"
	PurposeEncryption = "encryption"
	PurposeTLSServer  = "tls-server"
	PurposeTLSClient  = "tls-client"
)

// CertificateValidator decides whether a certificate presented by a partner
// is trusted for purpose.
type CertificateValidator interface {
	ValidateCertificate(cert *x509.Certificate, intermediates []*x509.Certificate, purpose string) error
}

// keyUsages maps a message level purpose to the key usage bits that allow it.
// A certificate without a key usage extension is not restricted.
var keyUsages = map[string]x509.KeyUsage{
	PurposeSigning:    x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	PurposeEncryption: x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement,
}

// DefaultCertificateValidator verifies the chain of a partner certificate
// against a root pool.
type DefaultCertificateValidator struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewDefaultCertificateValidator creates a validator trusting roots
func NewDefaultCertificateValidator(roots *x509.CertPool) *DefaultCertificateValidator {
	return &DefaultCertificateValidator{roots: roots, now: time.Now}
}

// WithClock replaces time.Now for validity checks
func (v *DefaultCertificateValidator) WithClock(now func() time.Time) *DefaultCertificateValidator {
	v.now = now
	return v
}

// ValidateCertificate checks the validity period, the key usage for purpose
// and the chain to the roots.
func (v *DefaultCertificateValidator) ValidateCertificate(cert *x509.Certificate, chain []*x509.Certificate, purpose string) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}
	now := v.now()
	if now.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertificateExpired
	}
	if want, ok := keyUsages[purpose]; ok && cert.KeyUsage != 0 && cert.KeyUsage&want == 0 {
		return fmt.Errorf("%w: %s", ErrKeyUsage, purpose)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, intermediate := range chain {
		opts.Intermediates.AddCert(intermediate)
	}

	switch purpose {
	case PurposeTLSServer:
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case PurposeTLSClient:
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}

// PinnedCertificateValidator trusts exactly the configured certificates.
type PinnedCertificateValidator struct {
	pinned []*x509.Certificate
}

// NewPinnedCertificateValidator creates a validator for a fixed partner set.
func NewPinnedCertificateValidator(certs ...*x509.Certificate) *PinnedCertificateValidator {
	return &PinnedCertificateValidator{pinned: certs}
}

// ValidateCertificate accepts cert when it equals one of the pinned certificates.
func (v *PinnedCertificateValidator) ValidateCertificate(cert *x509.Certificate, _ []*x509.Certificate, _ string) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}
	for _, p := range v.pinned {
		if p.Equal(cert) {
			return nil
		}
	}
	return ErrCertificateUntrusted
}
