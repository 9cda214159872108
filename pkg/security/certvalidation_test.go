// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCertificate(t *testing.T, commonName string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	return cert
}

func TestDefaultCertificateValidator(t *testing.T) {
	now := time.Now()
	valid := generateTestCertificate(t, "valid.example.com", now.Add(-time.Hour), now.Add(time.Hour))
	expired := generateTestCertificate(t, "expired.example.com", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	future := generateTestCertificate(t, "future.example.com", now.Add(24*time.Hour), now.Add(48*time.Hour))

	roots := x509.NewCertPool()
	roots.AddCert(valid)
	validator := NewDefaultCertificateValidator(roots)

	tests := []struct {
		name    string
		cert    *x509.Certificate
		wantErr error
	}{
		{"trusted root", valid, nil},
		{"expired", expired, ErrCertificateExpired},
		{"not yet valid", future, ErrCertificateNotYetValid},
		{"nil", nil, ErrInvalidCertificate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateCertificate(tt.cert, nil, PurposeSigning)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("unknown root", func(t *testing.T) {
		err := NewDefaultCertificateValidator(x509.NewCertPool()).ValidateCertificate(valid, nil, "")
		assert.ErrorIs(t, err, ErrCertificateUntrusted)
	})
}

func TestDefaultCertificateValidator_KeyUsage(t *testing.T) {
	now := time.Now()
	root := generateTestCertificate(t, "root.example.com", now.Add(-time.Hour), now.Add(time.Hour))
	roots := x509.NewCertPool()
	roots.AddCert(root)
	v := NewDefaultCertificateValidator(roots)

	assert.NoError(t, v.ValidateCertificate(root, nil, PurposeSigning))
	assert.ErrorIs(t, v.ValidateCertificate(root, nil, PurposeEncryption), ErrKeyUsage)
}

func TestDefaultCertificateValidator_Clock(t *testing.T) {
	now := time.Now()
	cert := generateTestCertificate(t, "valid.example.com", now.Add(-time.Hour), now.Add(time.Hour))
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	v := NewDefaultCertificateValidator(roots).WithClock(func() time.Time { return now.Add(2 * time.Hour) })

	assert.ErrorIs(t, v.ValidateCertificate(cert, nil, PurposeSigning), ErrCertificateExpired)
}

func TestPinnedCertificateValidator(t *testing.T) {
	now := time.Now()
	a := generateTestCertificate(t, "a.example.com", now.Add(-time.Hour), now.Add(time.Hour))
	b := generateTestCertificate(t, "b.example.com", now.Add(-time.Hour), now.Add(time.Hour))

	v := NewPinnedCertificateValidator(a)
	assert.NoError(t, v.ValidateCertificate(a, nil, ""))
	assert.ErrorIs(t, v.ValidateCertificate(b, nil, ""), ErrCertificateUntrusted)
	assert.ErrorIs(t, v.ValidateCertificate(nil, nil, ""), ErrInvalidCertificate)
}
