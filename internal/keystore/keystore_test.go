// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestCredential(t *testing.T, dir, name string) (certFile, keyFile string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, name+".crt")
	keyFile = filepath.Join(dir, name+".key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))
	return certFile, keyFile
}

func TestLoadCredential(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCredential(t, dir, "blue")

	cred, err := LoadCredential(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, "blue", cred.Certificate.Subject.CommonName)
	assert.NotNil(t, cred.PrivateKey)
}

func TestLoadCredential_Mismatch(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := writeTestCredential(t, dir, "blue")
	_, otherKey := writeTestCredential(t, dir, "red")

	_, err := LoadCredential(certFile, otherKey)
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestLoadCredential_RejectsECKeys(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := writeTestCredential(t, dir, "blue")

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	keyFile := filepath.Join(dir, "ec.key")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600))

	_, err = LoadCredential(certFile, keyFile)
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestLoadCredential_Missing(t *testing.T) {
	_, err := LoadCredential(filepath.Join(t.TempDir(), "none.crt"), filepath.Join(t.TempDir(), "none.key"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = LoadCredential("", "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStore_PartnerCertificateCaching(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCredential(t, dir, "blue")
	writeTestCredential(t, dir, "red")

	s, err := Open(Config{
		CertificateFile: certFile,
		PrivateKeyFile:  keyFile,
		TrustRootsFile:  certFile,
		BaseDir:         dir,
	})
	require.NoError(t, err)
	require.NotNil(t, s.Credential())
	require.NotNil(t, s.Roots())

	red, err := s.PartnerCertificate("red.crt")
	require.NoError(t, err)
	assert.Equal(t, "red", red.Subject.CommonName)

	require.NoError(t, os.Remove(filepath.Join(dir, "red.crt")))
	cached, err := s.PartnerCertificate("red.crt")
	require.NoError(t, err)
	assert.Same(t, red, cached)

	_, err = s.PartnerCertificate("green.crt")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestOpen_WithoutCredential(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	assert.Nil(t, s.Credential())
}
