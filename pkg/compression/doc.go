// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP payload compression for AS4.

The AS4 profile compresses attachments with GZIP and records the original
MIME type in the CompressionType and MimeType part properties. Compressor
implements message.Compressor, so it plugs directly into
Message.CompressAttachments and Message.DecompressAttachments:

	c := compression.NewCompressor(compression.WithMaxDecompressedSize(64 << 20))
	err := msg.CompressAttachments(c)

ShouldCompress reports whether a content type is worth compressing; already
compressed formats such as application/gzip, application/zip, image/jpeg and
image/png are skipped.

# References

  - OASIS AS4 Compression: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
*/
package compression
