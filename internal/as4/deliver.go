// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package as4

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/receiver"
)

// DeliveryManifest is written as message.yaml next to the payloads of a
// delivered user message.
type DeliveryManifest struct {
	MessageID      string            `yaml:"messageId"`
	RefToMessageID string            `yaml:"refToMessageId,omitempty"`
	ConversationID string            `yaml:"conversationId,omitempty"`
	PModeID        string            `yaml:"pmode"`
	Mpc            string            `yaml:"mpc,omitempty"`
	From           string            `yaml:"from"`
	To             string            `yaml:"to"`
	Service        string            `yaml:"service"`
	Action         string            `yaml:"action"`
	Timestamp      time.Time         `yaml:"timestamp"`
	Properties     map[string]string `yaml:"properties,omitempty"`
	Payloads       []DeliveredPart   `yaml:"payloads"`
}

// DeliveredPart names one payload file of a delivery.
type DeliveredPart struct {
	ContentID   string            `yaml:"contentId"`
	ContentType string            `yaml:"contentType"`
	File        string            `yaml:"file"`
	Properties  map[string]string `yaml:"properties,omitempty"`
}

const manifestFile = "message.yaml"

// HandleDelivery is the handler of the deliver flow. The payloads of the
// claimed InMessages row are written to a directory named after the message
// id, then the row moves from Delivering to Delivered. A failure returns
// the row to ToBeDelivered for the next cycle.
func (m *MSH) HandleDelivery(ctx context.Context, in *receiver.ReceivedMessage) (receiver.Result, error) {
	row, err := m.store.GetMessage(ctx, storage.TableInMessages, in.ID)
	if err != nil {
		return receiver.Result{}, err
	}
	msg, err := m.serializer.Deserialize(ctx, bytes.NewReader(row.Body), row.ContentType)
	if err != nil {
		return receiver.Result{}, fmt.Errorf("parsing stored message %s: %w", row.EbmsMessageID, err)
	}
	um, ok := msg.PrimaryUserMessage().Get()
	if !ok {
		return receiver.Result{}, fmt.Errorf("stored message %s holds no user message", row.EbmsMessageID)
	}

	dir, err := m.deliver(row, msg, um)
	if err != nil {
		return receiver.Result{}, fmt.Errorf("delivering %s: %w", row.EbmsMessageID, err)
	}
	if err := m.store.UpdateOperation(ctx, storage.TableInMessages, row.ID,
		storage.OperationDelivering, storage.OperationDelivered); err != nil {
		return receiver.Result{}, err
	}
	m.metrics.Message("deliver", "delivered")
	m.logger.Info("message delivered", "message_id", row.EbmsMessageID, "dir", dir, "payloads", len(msg.Attachments()))
	return receiver.Ack(), nil
}

// deliver writes the payloads and the manifest into a staging directory and
// renames it into place, so the business application never sees a partial
// delivery. A previous delivery of the same message is replaced.
func (m *MSH) deliver(row *storage.MessageRow, msg *message.Message, um *message.UserMessage) (string, error) {
	root := m.cfg.Flows.Deliver.Directory
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", err
	}
	name := safeName(row.EbmsMessageID)
	final := filepath.Join(root, name)
	staging, err := os.MkdirTemp(root, "."+name+".")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	manifest := DeliveryManifest{
		MessageID:      um.ID(),
		RefToMessageID: um.RefToMessageID().GetOrElse(""),
		ConversationID: um.CollaborationInfo.ConversationID,
		PModeID:        row.PModeID,
		Mpc:            um.Mpc,
		From:           um.Sender.PrimaryID(),
		To:             um.Receiver.PrimaryID(),
		Service:        um.CollaborationInfo.Service.Value,
		Action:         um.CollaborationInfo.Action,
		Timestamp:      um.Timestamp(),
	}
	if len(um.Properties) > 0 {
		manifest.Properties = make(map[string]string, len(um.Properties))
		for _, p := range um.Properties {
			manifest.Properties[p.Name] = p.Value
		}
	}

	meta := message.ExtractPayloadMetadata(um)
	used := map[string]bool{manifestFile: true}
	for i, a := range msg.Attachments() {
		part := DeliveredPart{ContentID: a.ID, ContentType: a.ContentType}
		if md, ok := meta[a.ID]; ok {
			if md.MimeType != "" {
				part.ContentType = md.MimeType
			}
			part.Properties = md.Properties
		}
		part.File = payloadFile(i, part, used)
		used[part.File] = true
		if err := os.WriteFile(filepath.Join(staging, part.File), a.Content, 0o640); err != nil {
			return "", err
		}
		manifest.Payloads = append(manifest.Payloads, part)
	}

	out, err := yaml.Marshal(&manifest)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, manifestFile), out, 0o640); err != nil {
		return "", err
	}
	if err := os.RemoveAll(final); err != nil {
		return "", err
	}
	if err := os.Rename(staging, final); err != nil {
		return "", err
	}
	return final, nil
}

// payloadFile picks the file name of a payload: the submitted file name when
// the sender passed one, otherwise the content id with an extension for its
// type.
func payloadFile(i int, part DeliveredPart, used map[string]bool) string {
	name := safeName(part.Properties[PropertyOriginalFilename])
	if name == "" {
		name = safeName(part.ContentID)
		if exts, _ := mime.ExtensionsByType(part.ContentType); len(exts) > 0 && !strings.HasSuffix(name, exts[0]) {
			name += exts[0]
		}
	}
	if name == "" || used[name] {
		name = fmt.Sprintf("payload-%d%s", i+1, filepath.Ext(name))
	}
	return name
}

// safeName maps s onto a single portable path element.
func safeName(s string) string {
	s = filepath.Base(s)
	if s == "." || s == ".." || s == string(filepath.Separator) {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '@':
			return r
		default:
			return '_'
		}
	}, s)
}
