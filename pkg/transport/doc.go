// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the outbound HTTPS leg of the MSH.

Messages are posted to the partner endpoint named by the P-Mode. The
synchronous answer (a receipt, an error signal or a pulled user message) is
handed back to the caller together with its content type; a 202 Accepted
answer carries no body.

# TLS Configuration

The package recommends TLS 1.3 with fallback to TLS 1.2:

	config := transport.DefaultHTTPSConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3

For TLS 1.2, the following cipher suites are recommended:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# Client Usage

	client := transport.NewHTTPSClient(&transport.HTTPSConfig{
	    MinTLSVersion: transport.TLS12,
	    Certificates:  []tls.Certificate{clientCert},
	    RootCAs:       certPool,
	}, logger)

	resp, err := client.Send(ctx, "https://red.example.com/as4", body, contentType)

Inbound messages are accepted by receiver.HTTPReceiver; TLS for that leg is
terminated in front of the MSH.
*/
package transport
