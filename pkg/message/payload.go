// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

// PayloadMetadata describes one payload of a user message, as read from its PartInfo.
type PayloadMetadata struct {
	// ContentID is the href without the "cid:" prefix
	ContentID       string
	MimeType        string
	CompressionType string
	CharacterSet    string
	Properties      map[string]string
}

// ExtractPayloadMetadata indexes the PartInfo of um by normalized content id.
// Body payloads (href not starting with cid:) are skipped.
func ExtractPayloadMetadata(um *UserMessage) map[string]*PayloadMetadata {
	result := make(map[string]*PayloadMetadata)
	if um == nil {
		return result
	}

	for _, p := range um.PayloadInfo {
		id := p.ContentID()
		if id == "" {
			continue
		}
		meta := &PayloadMetadata{
			ContentID:       id,
			MimeType:        p.MimeType().GetOrElse(""),
			CompressionType: p.CompressionType().GetOrElse(""),
			CharacterSet:    p.Properties[PropertyCharacterSet],
			Properties:      make(map[string]string, len(p.Properties)),
		}
		for k, v := range p.Properties {
			meta.Properties[k] = v
		}
		result[id] = meta
	}

	return result
}
