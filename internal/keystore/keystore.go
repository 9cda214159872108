// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package keystore loads the PEM keys and certificates the MSH signs,
// decrypts and verifies with.
//
// The node credential is a certificate with its RSA private key. Partner
// certificates referenced by P-Modes are loaded on first use and cached by
// path.
package keystore

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirosfoundation/go-msh/pkg/security"
)

var (
	// ErrKeyNotFound is returned when a key or certificate file does not exist
	ErrKeyNotFound = errors.New("key not found")
	// ErrUnsupportedKey is returned for keys the security provider cannot use
	ErrUnsupportedKey = errors.New("unsupported key type")
)

// Store holds the node credential, the trust roots and cached partner certificates.
type Store struct {
	credential *security.Credential
	roots      *x509.CertPool
	baseDir    string

	mu       sync.RWMutex
	partners map[string]*x509.Certificate
}

// Config names the PEM files of a Store
type Config struct {
	CertificateFile string
	PrivateKeyFile  string
	// TrustRootsFile is a PEM bundle. Empty means the system pool.
	TrustRootsFile string
	// BaseDir resolves relative partner certificate paths
	BaseDir string
}

// Open loads the credential and trust roots. A Store without credential can
// still verify and encrypt.
func Open(cfg Config) (*Store, error) {
	s := &Store{baseDir: cfg.BaseDir, partners: make(map[string]*x509.Certificate)}

	if cfg.CertificateFile != "" || cfg.PrivateKeyFile != "" {
		cred, err := LoadCredential(cfg.CertificateFile, cfg.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		s.credential = cred
	}

	if cfg.TrustRootsFile != "" {
		pool, err := LoadCertPool(cfg.TrustRootsFile)
		if err != nil {
			return nil, err
		}
		s.roots = pool
	} else {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system roots: %w", err)
		}
		s.roots = pool
	}
	return s, nil
}

// Credential returns the node credential, nil when none is configured.
func (s *Store) Credential() *security.Credential { return s.credential }

// Roots returns the trust anchors for embedded signer certificates.
func (s *Store) Roots() *x509.CertPool { return s.roots }

// PartnerCertificate returns the certificate at path, loading it once.
func (s *Store) PartnerCertificate(path string) (*x509.Certificate, error) {
	if !filepath.IsAbs(path) && s.baseDir != "" {
		path = filepath.Join(s.baseDir, path)
	}

	s.mu.RLock()
	if cert, ok := s.partners[path]; ok {
		s.mu.RUnlock()
		return cert, nil
	}
	s.mu.RUnlock()

	cert, err := LoadCertificate(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.partners[path] = cert
	s.mu.Unlock()
	return cert, nil
}

// LoadCredential reads a PEM certificate and its RSA private key.
func LoadCredential(certFile, keyFile string) (*security.Credential, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("%w: certificate and private key files are both required", ErrKeyNotFound)
	}
	keyPEM, err := readFile(keyFile)
	if err != nil {
		return nil, err
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}

	cert, err := LoadCertificate(certFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&rsaKey.PublicKey) {
		return nil, fmt.Errorf("%w: certificate does not match private key", ErrUnsupportedKey)
	}
	return &security.Credential{Certificate: cert, PrivateKey: rsaKey}, nil
}

// LoadCertificate reads the first certificate of a PEM file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := readFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block in %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// LoadCertPool reads every certificate of a PEM bundle.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
