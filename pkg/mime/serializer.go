// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package mime

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

const (
	// ContentTypeMultipartRelated is the MIME type for multipart/related
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeSOAPXML is the MIME type for SOAP
	ContentTypeSOAPXML = "application/soap+xml"
)

// Serializer converts a message.Message to and from the SOAP with
// attachments wire format. It implements message.Serializer.
type Serializer struct {
	multihopRole string
	idHost       string
	logger       *slog.Logger
}

// Option configures a Serializer
type Option func(*Serializer)

// WithMultihopRole overrides the SOAP role written for multihop messages
func WithMultihopRole(role string) Option {
	return func(s *Serializer) { s.multihopRole = role }
}

// WithIDHost sets the host part of generated Content-IDs
func WithIDHost(host string) Option {
	return func(s *Serializer) { s.idHost = host }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Serializer) { s.logger = logger }
}

// NewSerializer creates a serializer
func NewSerializer(opts ...Option) *Serializer {
	s := &Serializer{
		multihopRole: message.DefaultMultihopRole,
		idHost:       message.DefaultIDHost,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Envelope returns the cached envelope of m, building and caching it first
// when the cache was invalidated.
func (s *Serializer) Envelope(m *message.Message) ([]byte, error) {
	if env := m.Envelope(); env != nil {
		return env, nil
	}
	if len(m.MessageUnits()) == 0 {
		return nil, fmt.Errorf("message has no message units")
	}

	data, err := xml.Marshal(toWire(m, s.multihopRole))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	env := append([]byte(xml.Header), data...)
	m.SetEnvelope(env)
	return env, nil
}

// ContentType returns the transport Content-Type of m. For messages with
// attachments it fixes the multipart boundary and start id on first use.
func (s *Serializer) ContentType(m *message.Message) string {
	if !m.HasAttachments() {
		m.ContentType = ContentTypeSOAPXML
		return m.ContentType
	}
	if _, _, ok := multipartParams(m.ContentType); ok {
		return m.ContentType
	}
	m.ContentType = mime.FormatMediaType(ContentTypeMultipartRelated, map[string]string{
		"boundary": generateBoundary(),
		"type":     ContentTypeSOAPXML,
		"start":    fmt.Sprintf("%s@%s", uuid.New().String(), s.idHost),
	})
	return m.ContentType
}

// Serialize writes m to w without buffering the attachments.
func (s *Serializer) Serialize(ctx context.Context, w io.Writer, m *message.Message) error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	env, err := s.Envelope(m)
	if err != nil {
		return err
	}

	contentType := s.ContentType(m)
	if !m.HasAttachments() {
		_, err := w.Write(env)
		return err
	}

	boundary, start, _ := multipartParams(contentType)
	writer := multipart.NewWriter(w)
	if err := writer.SetBoundary(boundary); err != nil {
		return fmt.Errorf("failed to set boundary: %w", err)
	}

	soapHeader := textproto.MIMEHeader{}
	soapHeader.Set("Content-Type", fmt.Sprintf("%s; charset=UTF-8", ContentTypeSOAPXML))
	soapHeader.Set("Content-Transfer-Encoding", "8bit")
	soapHeader.Set("Content-ID", AddContentIDBrackets(start))

	soapPart, err := writer.CreatePart(soapHeader)
	if err != nil {
		return fmt.Errorf("failed to create SOAP part: %w", err)
	}
	if _, err := soapPart.Write(env); err != nil {
		return fmt.Errorf("failed to write SOAP part: %w", err)
	}

	for _, a := range m.Attachments() {
		if err := ctx.Err(); err != nil {
			return err
		}
		partHeader := textproto.MIMEHeader{}
		partHeader.Set("Content-Type", a.ContentType)
		partHeader.Set("Content-Transfer-Encoding", "binary")
		partHeader.Set("Content-ID", AddContentIDBrackets(a.ID))

		part, err := writer.CreatePart(partHeader)
		if err != nil {
			return fmt.Errorf("failed to create payload part: %w", err)
		}
		if _, err := io.Copy(part, a.Reader()); err != nil {
			return fmt.Errorf("failed to write payload part %s: %w", a.ID, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return nil
}

// Deserialize parses a wire message. The received envelope is kept as the
// cached envelope so signatures can be verified over the original bytes.
func (s *Serializer) Deserialize(ctx context.Context, r io.Reader, contentType string) (*message.Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content type: %w", err)
	}

	msg := message.New()
	var envelopeData []byte
	var attachments []*message.Attachment

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("boundary not found in content type")
		}
		envelopeData, attachments, err = readParts(ctx, multipart.NewReader(r, boundary), params["start"])
		if err != nil {
			return nil, err
		}
	} else {
		envelopeData, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read envelope: %w", err)
		}
	}

	var env envelope
	if err := xml.Unmarshal(envelopeData, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SOAP envelope: %w", err)
	}
	units, err := fromWire(&env)
	if err != nil {
		return nil, err
	}
	if err := msg.AddMessageUnits(units...); err != nil {
		return nil, err
	}
	for _, a := range attachments {
		if err := msg.AddAttachment(a); err != nil {
			return nil, err
		}
	}
	msg.Multihop = env.Header.Messaging.Role == s.multihopRole

	if env.Header.Security != nil {
		markSecurityState(msg.SecurityHeader(), envelopeData)
	}

	// Set last: the mutations above drop the cache.
	msg.ContentType = contentType
	msg.SetEnvelope(envelopeData)

	s.logger.Debug("deserialized message",
		"message_id", msg.PrimaryMessageID(),
		"units", len(units),
		"attachments", len(attachments))
	return msg, nil
}

func readParts(ctx context.Context, reader *multipart.Reader, startID string) ([]byte, []*message.Attachment, error) {
	var envelopeData []byte
	var attachments []*message.Attachment

	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read part: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read part data: %w", err)
		}
		contentID := part.Header.Get("Content-ID")

		isEnvelope := envelopeData == nil && (first && startID == "" ||
			startID != "" && message.MatchContentID(startID, contentID))
		if isEnvelope {
			envelopeData = data
			continue
		}

		att, err := message.NewAttachment(contentID, part.Header.Get("Content-Type"), data)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid attachment part: %w", err)
		}
		attachments = append(attachments, att)
	}

	if envelopeData == nil {
		return nil, nil, fmt.Errorf("SOAP envelope not found in message")
	}
	return envelopeData, attachments, nil
}

// markSecurityState records on h what the received Security header carries.
func markSecurityState(h *message.SecurityHeader, envelopeData []byte) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelopeData); err != nil {
		return
	}
	security := doc.FindElement("//*[local-name()='Security']")
	if security == nil {
		return
	}
	if sig := security.FindElement(".//*[local-name()='Signature']"); sig != nil {
		h.MarkSigned(sig.SelectAttrValue("Id", ""), nil)
	}
	if security.FindElement(".//*[local-name()='EncryptedKey']") != nil {
		h.MarkEncrypted()
	}
}

func multipartParams(contentType string) (boundary, start string, ok bool) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != ContentTypeMultipartRelated || params["boundary"] == "" {
		return "", "", false
	}
	return params["boundary"], params["start"], true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// generateBoundary generates a MIME boundary string
func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// AddContentIDBrackets adds < and > to Content-ID if not present
func AddContentIDBrackets(contentID string) string {
	contentID = message.NormalizeContentID(contentID)
	return "<" + contentID + ">"
}

var _ message.Serializer = (*Serializer)(nil)
