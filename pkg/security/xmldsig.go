// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package security

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

// XMLDSigProvider implements Provider with WS-Security 1.1.1: XML-DSig over
// the Messaging header, Body, Timestamp and SwA attachments, and RSA-OAEP
// key transport with AES-GCM attachment encryption.
type XMLDSigProvider struct {
	logger       *slog.Logger
	timestampTTL time.Duration
	now          func() time.Time
}

// ProviderOption configures an XMLDSigProvider
type ProviderOption func(*XMLDSigProvider)

// WithProviderLogger sets the logger
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *XMLDSigProvider) { p.logger = logger }
}

// WithTimestampTTL sets the lifetime written into wsu:Timestamp
func WithTimestampTTL(ttl time.Duration) ProviderOption {
	return func(p *XMLDSigProvider) { p.timestampTTL = ttl }
}

// NewXMLDSigProvider creates the default provider.
func NewXMLDSigProvider(opts ...ProviderOption) *XMLDSigProvider {
	p := &XMLDSigProvider{
		timestampTTL: 5 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Sign adds a BinarySecurityToken, a Timestamp and a Signature to the
// Security header and signs it with signedxml.
func (p *XMLDSigProvider) Sign(envelope []byte, attachments []*message.Attachment, cfg *SignatureConfig) (*SignResult, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sigAlgorithm, _ := signatureAlgorithmURI(cfg.Algorithm)
	digestAlgorithm := cfg.DigestAlgorithm
	if digestAlgorithm == "" {
		digestAlgorithm = AlgorithmSHA256
	}

	doc, root, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	ensureNamespaces(root)

	header := childElement(root, "Header")
	if header == nil {
		return nil, fmt.Errorf("SOAP Header not found")
	}
	body := childElement(root, "Body")
	if body == nil {
		return nil, fmt.Errorf("SOAP Body not found")
	}
	security := securityElement(header, true)

	cert := cfg.Credential.Certificate
	bstID := "X509-" + generateID()
	bst := security.CreateElement("wsse:BinarySecurityToken")
	bst.CreateAttr("wsu:Id", bstID)
	bst.CreateAttr("EncodingType", encodingBase64)
	bst.CreateAttr("ValueType", valueTypeX509)
	bst.SetText(base64.StdEncoding.EncodeToString(cert.Raw))

	timestampID := "TS-" + generateID()
	timestamp := security.CreateElement("wsu:Timestamp")
	timestamp.CreateAttr("wsu:Id", timestampID)
	now := p.now().UTC()
	timestamp.CreateElement("wsu:Created").SetText(now.Format(timestampLayout))
	timestamp.CreateElement("wsu:Expires").SetText(now.Add(p.timestampTTL).Format(timestampLayout))

	bodyID := getOrCreateID(body, "id-")
	var messagingID string
	messaging := childElement(header, "Messaging")
	if messaging != nil {
		if messaging.SelectAttrValue("env:mustUnderstand", "") == "" {
			messaging.CreateAttr("env:mustUnderstand", "true")
		}
		messagingID = getOrCreateID(messaging, "id-")
	}

	signatureID := "SIG-" + generateID()
	sig := security.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NSXMLDSig)
	sig.CreateAttr("Id", signatureID)

	signedInfo := sig.CreateElement("ds:SignedInfo")
	c14nMethod := signedInfo.CreateElement("ds:CanonicalizationMethod")
	c14nMethod.CreateAttr("Algorithm", AlgorithmC14N)
	inclusive := c14nMethod.CreateElement("ec:InclusiveNamespaces")
	inclusive.CreateAttr("xmlns:ec", AlgorithmC14N)
	inclusive.CreateAttr("PrefixList", "env")
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", sigAlgorithm)

	addReference(signedInfo, timestampID, "", digestAlgorithm)
	addReference(signedInfo, bodyID, "", digestAlgorithm)
	if messaging != nil {
		addReference(signedInfo, messagingID, "env", digestAlgorithm)
	}
	for _, a := range attachments {
		digest, err := attachmentDigest(a, digestAlgorithm)
		if err != nil {
			return nil, err
		}
		addAttachmentReference(signedInfo, a, digestAlgorithm, digest)
	}

	sig.CreateElement("ds:SignatureValue").SetText("placeholder")
	keyInfo := sig.CreateElement("ds:KeyInfo")
	str := keyInfo.CreateElement("wsse:SecurityTokenReference")
	ref := str.CreateElement("wsse:Reference")
	ref.CreateAttr("URI", "#"+bstID)
	ref.CreateAttr("ValueType", valueTypeX509)

	xmlStr, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("failed to write XML: %w", err)
	}
	signer, err := signedxml.NewSigner(xmlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	signer.SetReferenceIDAttribute("wsu:Id")
	signed, err := signer.Sign(cfg.Credential.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	refs, err := signedReferences([]byte(signed), signatureID)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("signed envelope",
		"signature_id", signatureID,
		"references", len(refs),
		"attachments", len(attachments))
	return &SignResult{Envelope: []byte(signed), SignatureID: signatureID, References: refs}, nil
}

// Verify checks the first Signature in the Security header, then the digest
// of every referenced attachment.
func (p *XMLDSigProvider) Verify(envelope []byte, attachments []*message.Attachment, cfg *VerifyConfig) (*VerifyResult, error) {
	if cfg == nil {
		cfg = &VerifyConfig{}
	}
	_, root, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	header := childElement(root, "Header")
	if header == nil {
		return nil, fmt.Errorf("SOAP Header not found")
	}
	security := securityElement(header, false)
	if security == nil {
		return &VerifyResult{Reason: "no Security header"}, nil
	}
	sig := childElement(security, "Signature")
	if sig == nil {
		return &VerifyResult{Reason: "no Signature in Security header"}, nil
	}
	signatureID := sig.SelectAttrValue("Id", "")

	cert := cfg.Certificate
	if cert == nil {
		if cert, err = tokenCertificate(security); err != nil {
			return &VerifyResult{Reason: err.Error(), SignatureID: signatureID}, nil
		}
	}
	if cfg.Validator != nil {
		if err := cfg.Validator.ValidateCertificate(cert, nil, PurposeSigning); err != nil {
			return &VerifyResult{Reason: err.Error(), SignatureID: signatureID}, nil
		}
	}

	validator, err := signedxml.NewValidator(string(envelope))
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	validator.Certificates = append(validator.Certificates, *cert)
	validator.SetReferenceIDAttribute("wsu:Id")
	if _, err := validator.ValidateReferences(); err != nil {
		p.logger.Debug("signature validation failed", "error", err)
		return &VerifyResult{Reason: err.Error(), SignatureID: signatureID}, nil
	}

	refs := referencesOf(sig)
	for _, ref := range refs {
		if !strings.HasPrefix(ref.URI, "cid:") {
			continue
		}
		att := findAttachment(attachments, ref.URI)
		if att == nil {
			return &VerifyResult{Reason: "signed attachment missing: " + ref.URI, SignatureID: signatureID}, nil
		}
		digest, err := attachmentDigest(att, ref.DigestMethod)
		if err != nil {
			return &VerifyResult{Reason: err.Error(), SignatureID: signatureID}, nil
		}
		if !bytes.Equal(digest, ref.DigestValue) {
			return &VerifyResult{Reason: "attachment digest mismatch: " + ref.URI, SignatureID: signatureID}, nil
		}
	}
	return &VerifyResult{Valid: true, SignatureID: signatureID, References: refs}, nil
}

func parseEnvelope(envelope []byte) (*etree.Document, *etree.Element, error) {
	if len(envelope) == 0 {
		return nil, nil, ErrMissingEnvelope
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, nil, fmt.Errorf("no root element found")
	}
	return doc, root, nil
}

func ensureNamespaces(root *etree.Element) {
	for prefix, ns := range map[string]string{
		"xmlns:env":  NSSOAP12,
		"xmlns:wsu":  NSSecurityUtil,
		"xmlns:wsse": NSSecurityExt,
	} {
		if root.SelectAttr(prefix) == nil {
			root.CreateAttr(prefix, ns)
		}
	}
}

func childElement(parent *etree.Element, local string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == local {
			return child
		}
	}
	return nil
}

// securityElement returns the wsse:Security header, creating it when asked.
func securityElement(header *etree.Element, create bool) *etree.Element {
	if security := childElement(header, "Security"); security != nil || !create {
		return security
	}
	security := header.CreateElement("wsse:Security")
	security.CreateAttr("env:mustUnderstand", "true")
	return security
}

func getOrCreateID(elem *etree.Element, prefix string) string {
	for _, attr := range elem.Attr {
		if attr.Key == "Id" && (attr.Space == "wsu" || attr.NamespaceURI() == NSSecurityUtil) {
			return attr.Value
		}
	}
	id := prefix + generateID()
	elem.CreateAttr("wsu:Id", id)
	return id
}

func addReference(signedInfo *etree.Element, id, prefixList, digestAlgorithm string) {
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "#"+id)

	transform := ref.CreateElement("ds:Transforms").CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", AlgorithmC14N)
	if prefixList != "" {
		inclusive := transform.CreateElement("ec:InclusiveNamespaces")
		inclusive.CreateAttr("xmlns:ec", AlgorithmC14N)
		inclusive.CreateAttr("PrefixList", prefixList)
	}
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", digestAlgorithm)
	// Filled in by signedxml.
	ref.CreateElement("ds:DigestValue").SetText("placeholder")
}

func addAttachmentReference(signedInfo *etree.Element, a *message.Attachment, digestAlgorithm string, digest []byte) {
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "cid:"+message.NormalizeContentID(a.ID))
	transform := ref.CreateElement("ds:Transforms").CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", AlgorithmAttachmentSignature)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", digestAlgorithm)
	ref.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest))
}

func attachmentDigest(a *message.Attachment, digestAlgorithm string) ([]byte, error) {
	h, err := digestHash(digestAlgorithm)
	if err != nil {
		return nil, err
	}
	hasher := h.New()
	hasher.Write(a.Content)
	return hasher.Sum(nil), nil
}

func findAttachment(attachments []*message.Attachment, uri string) *message.Attachment {
	for _, a := range attachments {
		if message.MatchContentID(a.ID, uri) {
			return a
		}
	}
	return nil
}

// SignedReferences returns the references of the first signature in the
// Security header of envelope, or nil when it is not signed. Senders keep
// them to check the non-repudiation information of a receipt.
func SignedReferences(envelope []byte) ([]message.Reference, error) {
	_, root, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	header := childElement(root, "Header")
	if header == nil {
		return nil, nil
	}
	security := securityElement(header, false)
	if security == nil {
		return nil, nil
	}
	sig := childElement(security, "Signature")
	if sig == nil {
		return nil, nil
	}
	return referencesOf(sig), nil
}

// signedReferences reads back the references of the signature with id.
func signedReferences(signed []byte, id string) ([]message.Reference, error) {
	_, root, err := parseEnvelope(signed)
	if err != nil {
		return nil, err
	}
	for _, sig := range root.FindElements("//*[local-name()='Signature']") {
		if sig.SelectAttrValue("Id", "") == id {
			return referencesOf(sig), nil
		}
	}
	return nil, fmt.Errorf("signature %s not found in signed envelope", id)
}

func referencesOf(sig *etree.Element) []message.Reference {
	signedInfo := childElement(sig, "SignedInfo")
	if signedInfo == nil {
		return nil
	}
	var refs []message.Reference
	for _, el := range signedInfo.ChildElements() {
		if el.Tag != "Reference" {
			continue
		}
		ref := message.Reference{URI: el.SelectAttrValue("URI", "")}
		if dm := childElement(el, "DigestMethod"); dm != nil {
			ref.DigestMethod = dm.SelectAttrValue("Algorithm", "")
		}
		if dv := childElement(el, "DigestValue"); dv != nil {
			ref.DigestValue, _ = base64.StdEncoding.DecodeString(strings.TrimSpace(dv.Text()))
		}
		if transforms := childElement(el, "Transforms"); transforms != nil {
			for _, t := range transforms.ChildElements() {
				ref.Transforms = append(ref.Transforms, t.SelectAttrValue("Algorithm", ""))
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

func tokenCertificate(security *etree.Element) (*x509.Certificate, error) {
	bst := childElement(security, "BinarySecurityToken")
	if bst == nil {
		return nil, fmt.Errorf("no BinarySecurityToken and no pinned certificate")
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(bst.Text()))
	if err != nil {
		return nil, fmt.Errorf("invalid BinarySecurityToken: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("invalid BinarySecurityToken: %w", err)
	}
	return cert, nil
}

var _ Provider = (*XMLDSigProvider)(nil)
