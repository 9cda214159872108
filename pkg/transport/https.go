// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// maxReplySize bounds the synchronous reply read from a partner.
const maxReplySize = 32 << 20

// Recommended TLS 1.2 cipher suites for AS4
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// ErrStatus is wrapped by Send for non-2xx answers.
var ErrStatus = errors.New("unexpected http status")

// HTTPSConfig contains the outbound client configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	UserAgent       string
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "go-msh/1.0",
	}
}

// Response is the synchronous answer of a partner MSH.
type Response struct {
	StatusCode  int
	ContentType string
	// Body is empty for 202 Accepted.
	Body []byte
}

// HTTPSClient posts messages to partner endpoints
type HTTPSClient struct {
	client *http.Client
	config *HTTPSConfig
	logger *slog.Logger
}

// NewHTTPSClient creates a new HTTPS client. A nil config uses DefaultHTTPSConfig.
func NewHTTPSClient(config *HTTPSConfig, logger *slog.Logger) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		RootCAs:      config.RootCAs,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
		logger: logger,
	}
}

// Send posts message to endpoint. Any 2xx status is a successful transfer;
// the reply body, if any, is returned for the caller to parse.
func (c *HTTPSClient) Send(ctx context.Context, endpoint string, message []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(message))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	req.Header.Set("SOAPAction", "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, truncate(body, 256))
	}

	c.logger.Debug("message transferred",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"reply_bytes", len(body))
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
