// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

import (
	"bytes"
	"io"
)

// Attachment is a MIME part carried next to the SOAP envelope.
type Attachment struct {
	ID          string
	ContentType string
	Content     []byte
	// Properties carries part level metadata such as the original
	// content type of a compressed payload.
	Properties map[string]string
}

// NewAttachment creates an attachment with a normalized content id.
func NewAttachment(id, contentType string, content []byte) (*Attachment, error) {
	id = NormalizeContentID(id)
	if id == "" {
		return nil, invalidArgument("attachment id is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Attachment{
		ID:          id,
		ContentType: contentType,
		Content:     content,
		Properties:  make(map[string]string),
	}, nil
}

// Reader returns a reader over the attachment content.
func (a *Attachment) Reader() io.Reader {
	return bytes.NewReader(a.Content)
}

// Size returns the content length in bytes.
func (a *Attachment) Size() int {
	return len(a.Content)
}

// Compressor compresses and decompresses attachment content.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// CompressionType is the MIME type of the compressed form, e.g. application/gzip.
	CompressionType() string
}
