// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package security

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

// Encrypt encrypts every attachment with one fresh content key, wraps the
// key for the recipient with RSA-OAEP and records an EncryptedKey plus one
// EncryptedData per attachment in the Security header.
func (p *XMLDSigProvider) Encrypt(envelope []byte, attachments []*message.Attachment, key *KeyEncryptionConfig, data *DataEncryptionConfig) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	keySize, err := data.keySize()
	if err != nil {
		return nil, err
	}
	if len(attachments) == 0 {
		return nil, ErrNoAttachments
	}

	doc, root, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	ensureNamespaces(root)
	if root.SelectAttr("xmlns:xenc") == nil {
		root.CreateAttr("xmlns:xenc", NSXMLEnc)
	}
	if root.SelectAttr("xmlns:ds") == nil {
		root.CreateAttr("xmlns:ds", NSXMLDSig)
	}
	if root.SelectAttr("xmlns:xenc11") == nil {
		root.CreateAttr("xmlns:xenc11", NSXMLEnc11)
	}
	header := childElement(root, "Header")
	if header == nil {
		return nil, fmt.Errorf("SOAP Header not found")
	}
	security := securityElement(header, true)

	contentKey := make([]byte, keySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate AES key: %w", err)
	}
	recipient := key.Certificate.PublicKey.(*rsa.PublicKey)
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, contentKey, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encryption failed: %w", err)
	}
	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}

	keyID := "EK-" + generateID()
	ek := etree.NewElement("xenc:EncryptedKey")
	ek.CreateAttr("Id", keyID)
	method := ek.CreateElement("xenc:EncryptionMethod")
	method.CreateAttr("Algorithm", AlgorithmRSAOAEP)
	method.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", AlgorithmSHA256)
	method.CreateElement("xenc11:MGF").CreateAttr("Algorithm", AlgorithmMGF1SHA256)
	issuerSerial := ek.CreateElement("ds:KeyInfo").
		CreateElement("wsse:SecurityTokenReference").
		CreateElement("ds:X509Data").
		CreateElement("ds:X509IssuerSerial")
	issuerSerial.CreateElement("ds:X509IssuerName").SetText(key.Certificate.Issuer.String())
	issuerSerial.CreateElement("ds:X509SerialNumber").SetText(key.Certificate.SerialNumber.String())
	ek.CreateElement("xenc:CipherData").
		CreateElement("xenc:CipherValue").
		SetText(base64.StdEncoding.EncodeToString(wrapped))
	refList := ek.CreateElement("xenc:ReferenceList")

	// Seal everything before touching the attachments.
	sealed := make([][]byte, len(attachments))
	encryptedData := make([]*etree.Element, len(attachments))
	for i, a := range attachments {
		nonce := make([]byte, gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		sealed[i] = gcm.Seal(nonce, nonce, a.Content, nil)

		dataID := "ED-" + generateID()
		ed := etree.NewElement("xenc:EncryptedData")
		ed.CreateAttr("Id", dataID)
		ed.CreateAttr("MimeType", a.ContentType)
		ed.CreateAttr("Type", typeAttachment)
		ed.CreateElement("xenc:EncryptionMethod").CreateAttr("Algorithm", data.algorithm())
		ref := ed.CreateElement("ds:KeyInfo").
			CreateElement("wsse:SecurityTokenReference").
			CreateElement("wsse:Reference")
		ref.CreateAttr("URI", "#"+keyID)
		cipherRef := ed.CreateElement("xenc:CipherData").CreateElement("xenc:CipherReference")
		cipherRef.CreateAttr("URI", "cid:"+message.NormalizeContentID(a.ID))
		cipherRef.CreateElement("xenc:Transforms").
			CreateElement("ds:Transform").
			CreateAttr("Algorithm", AlgorithmAttachmentCipher)
		encryptedData[i] = ed

		refList.CreateElement("xenc:DataReference").CreateAttr("URI", "#"+dataID)
	}

	security.InsertChildAt(0, ek)
	for i, ed := range encryptedData {
		security.InsertChildAt(i+1, ed)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write XML: %w", err)
	}

	for i, a := range attachments {
		a.Content = sealed[i]
		a.ContentType = "application/octet-stream"
	}
	p.logger.Debug("encrypted attachments", "key_id", keyID, "attachments", len(attachments))
	return out, nil
}

// Decrypt reverses Encrypt with the recipient credential and removes the
// encryption elements from the Security header.
func (p *XMLDSigProvider) Decrypt(envelope []byte, attachments []*message.Attachment, cred *Credential) ([]byte, error) {
	if cred == nil || cred.PrivateKey == nil {
		return nil, fmt.Errorf("%w: decryption key is required", ErrInvalidConfig)
	}
	doc, root, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	header := childElement(root, "Header")
	if header == nil {
		return nil, ErrNotEncrypted
	}
	security := securityElement(header, false)
	if security == nil {
		return nil, ErrNotEncrypted
	}
	ek := childElement(security, "EncryptedKey")
	if ek == nil {
		return nil, ErrNotEncrypted
	}

	cipherValue := ek.FindElement(".//*[local-name()='CipherValue']")
	if cipherValue == nil {
		return nil, fmt.Errorf("EncryptedKey has no CipherValue")
	}
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cipherValue.Text()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted key: %w", err)
	}
	oaep, err := oaepOptions(childElement(ek, "EncryptionMethod"))
	if err != nil {
		return nil, err
	}
	contentKey, err := cred.PrivateKey.Decrypt(rand.Reader, wrapped, oaep)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP decryption failed: %w", err)
	}
	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}

	type opened struct {
		attachment  *message.Attachment
		plaintext   []byte
		contentType string
	}
	var results []opened
	var remove []*etree.Element
	for _, dr := range ek.FindElements(".//*[local-name()='DataReference']") {
		id := strings.TrimPrefix(dr.SelectAttrValue("URI", ""), "#")
		ed := encryptedDataByID(security, id)
		if ed == nil {
			return nil, fmt.Errorf("EncryptedData %s not found", id)
		}
		cipherRef := ed.FindElement(".//*[local-name()='CipherReference']")
		if cipherRef == nil {
			return nil, fmt.Errorf("EncryptedData %s has no CipherReference", id)
		}
		uri := cipherRef.SelectAttrValue("URI", "")
		att := findAttachment(attachments, uri)
		if att == nil {
			return nil, fmt.Errorf("encrypted attachment %s not found", uri)
		}
		if len(att.Content) < gcm.NonceSize() {
			return nil, fmt.Errorf("encrypted attachment %s is truncated", uri)
		}
		nonce, ciphertext := att.Content[:gcm.NonceSize()], att.Content[gcm.NonceSize():]
		plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("AES-GCM decryption of %s failed: %w", uri, err)
		}
		results = append(results, opened{
			attachment:  att,
			plaintext:   plaintext,
			contentType: ed.SelectAttrValue("MimeType", "application/octet-stream"),
		})
		remove = append(remove, ed)
	}

	for _, ed := range remove {
		security.RemoveChild(ed)
	}
	security.RemoveChild(ek)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write XML: %w", err)
	}

	for _, r := range results {
		r.attachment.Content = r.plaintext
		r.attachment.ContentType = r.contentType
	}
	p.logger.Debug("decrypted attachments", "attachments", len(results))
	return out, nil
}

func encryptedDataByID(security *etree.Element, id string) *etree.Element {
	for _, el := range security.ChildElements() {
		if el.Tag == "EncryptedData" && el.SelectAttrValue("Id", "") == id {
			return el
		}
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// oaepOptions reads the digest and mask generation function of a key
// transport EncryptionMethod. xmlenc11#rsa-oaep defaults both to SHA-1 when
// absent; rsa-oaep-mgf1p always uses MGF1 with SHA-1.
func oaepOptions(method *etree.Element) (*rsa.OAEPOptions, error) {
	if method == nil {
		return nil, fmt.Errorf("EncryptedKey has no EncryptionMethod")
	}
	digest, mgf := crypto.SHA1, crypto.SHA1
	if dm := childElement(method, "DigestMethod"); dm != nil {
		switch alg := dm.SelectAttrValue("Algorithm", ""); alg {
		case AlgorithmSHA1:
		case AlgorithmSHA256:
			digest = crypto.SHA256
		default:
			return nil, fmt.Errorf("unsupported key transport digest %s", alg)
		}
	}
	switch alg := method.SelectAttrValue("Algorithm", ""); alg {
	case AlgorithmRSAOAEP:
		if m := childElement(method, "MGF"); m != nil {
			switch mgfAlg := m.SelectAttrValue("Algorithm", ""); mgfAlg {
			case AlgorithmMGF1SHA1:
			case AlgorithmMGF1SHA256:
				mgf = crypto.SHA256
			default:
				return nil, fmt.Errorf("unsupported mask generation function %s", mgfAlg)
			}
		}
	case AlgorithmRSAOAEPMGF1P:
	default:
		return nil, fmt.Errorf("unsupported key transport %s", alg)
	}
	return &rsa.OAEPOptions{Hash: digest, MGFHash: mgf}, nil
}
