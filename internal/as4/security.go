// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package as4

import (
	"fmt"

	"github.com/sirosfoundation/go-msh/internal/keystore"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/security"
)

// Policies turns the security section of a P-Mode into coordinator policies,
// resolving credentials and partner certificates through the keystore.
type Policies struct {
	keys       *keystore.Store
	compressor message.Compressor
	// requireSignature rejects unsigned user messages whatever the P-Mode says
	requireSignature bool
}

// NewPolicies creates a policy resolver.
func NewPolicies(keys *keystore.Store, compressor message.Compressor, requireSignature bool) *Policies {
	return &Policies{keys: keys, compressor: compressor, requireSignature: requireSignature}
}

// Outbound returns the protections for a message sent under pm.
func (p *Policies) Outbound(pm *pmode.ProcessingMode) (security.OutboundPolicy, error) {
	var policy security.OutboundPolicy
	if pm == nil {
		return policy, nil
	}
	if pm.Compresses() {
		policy.Compressor = p.compressor
	}
	if pm.SignsMessages() {
		sig, err := p.signature(pm)
		if err != nil {
			return policy, err
		}
		policy.Signature = sig
	}
	if pm.EncryptsMessages() {
		cert, err := p.keys.PartnerCertificate(pm.Security.Encryption.CertificateFile)
		if err != nil {
			return policy, fmt.Errorf("%w: pmode %s: encryption certificate: %v", security.ErrInvalidConfig, pm.ID, err)
		}
		policy.Encryption = &security.KeyEncryptionConfig{
			Certificate: cert,
			Algorithm:   pm.Security.Encryption.Algorithm,
		}
		policy.Data = &security.DataEncryptionConfig{Algorithm: pm.DataEncryptionAlgorithm()}
	}
	return policy, nil
}

// Inbound returns the checks for a message received under pm. A nil pm
// verifies whatever signature is present against the trust roots.
func (p *Policies) Inbound(pm *pmode.ProcessingMode) (security.InboundPolicy, error) {
	policy := security.InboundPolicy{
		Decryption:       p.keys.Credential(),
		RequireSignature: p.requireSignature,
		Compressor:       p.compressor,
	}
	verify, err := p.verification(pm)
	if err != nil {
		return policy, err
	}
	policy.Verification = verify
	if pm != nil && pm.SignsMessages() {
		policy.RequireSignature = true
	}
	return policy, nil
}

// Reply returns the checks for a synchronous answer to a message sent under
// pm. A receipt only needs a signature when it must prove what it covers.
func (p *Policies) Reply(pm *pmode.ProcessingMode) (security.InboundPolicy, error) {
	policy, err := p.Inbound(pm)
	if err != nil {
		return policy, err
	}
	policy.RequireSignature = pm != nil && pm.WantsNonRepudiation()
	return policy, nil
}

// signature returns the signing configuration of pm with the node credential.
func (p *Policies) signature(pm *pmode.ProcessingMode) (*security.SignatureConfig, error) {
	cred := p.keys.Credential()
	if cred == nil {
		return nil, fmt.Errorf("%w: pmode %s signs but no node credential is configured", security.ErrInvalidConfig, pm.ID)
	}
	return &security.SignatureConfig{
		Credential:      cred,
		Algorithm:       pm.SignatureAlgorithm(),
		DigestAlgorithm: pm.DigestAlgorithm(),
	}, nil
}

func (p *Policies) verification(pm *pmode.ProcessingMode) (*security.VerifyConfig, error) {
	if pm != nil && pm.Security != nil && pm.Security.Sign != nil && pm.Security.Sign.CertificateFile != "" {
		cert, err := p.keys.PartnerCertificate(pm.Security.Sign.CertificateFile)
		if err != nil {
			return nil, fmt.Errorf("%w: pmode %s: signing certificate: %v", security.ErrInvalidConfig, pm.ID, err)
		}
		return &security.VerifyConfig{Certificate: cert}, nil
	}
	return &security.VerifyConfig{Validator: security.NewDefaultCertificateValidator(p.keys.Roots())}, nil
}
