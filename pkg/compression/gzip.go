// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"

	"github.com/klauspost/compress/gzip"
)

// CompressionTypeGzip is the AS4 compression type for GZIP payloads
const CompressionTypeGzip = "application/gzip"

// ErrTooLarge is returned when a payload inflates beyond the configured limit
var ErrTooLarge = errors.New("decompressed payload exceeds size limit")

// Compressor handles payload compression. It satisfies message.Compressor.
type Compressor struct {
	level   int
	maxSize int64
}

// Option configures a Compressor
type Option func(*Compressor)

// WithLevel sets the gzip compression level
func WithLevel(level int) Option {
	return func(c *Compressor) { c.level = level }
}

// WithMaxDecompressedSize bounds the size of a decompressed payload; 0 disables the check
func WithMaxDecompressedSize(n int64) Option {
	return func(c *Compressor) { c.maxSize = n }
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor(opts ...Option) *Compressor {
	c := &Compressor{level: gzip.DefaultCompression}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompressionType returns the MIME type of compressed payloads
func (c *Compressor) CompressionType() string {
	return CompressionTypeGzip
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress decompresses GZIP data
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	var src io.Reader = reader
	if c.maxSize > 0 {
		src = io.LimitReader(reader, c.maxSize+1)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, src); err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}
	if c.maxSize > 0 && int64(buf.Len()) > c.maxSize {
		return nil, ErrTooLarge
	}

	return buf.Bytes(), nil
}

var precompressed = map[string]bool{
	"application/gzip":   true,
	"application/zip":    true,
	"application/x-gzip": true,
	"image/jpeg":         true,
	"image/png":          true,
	"video/mp4":          true,
	"audio/mp3":          true,
	"audio/mpeg":         true,
}

// ShouldCompress determines if payload should be compressed based on content type
func ShouldCompress(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	return !precompressed[mediaType]
}
