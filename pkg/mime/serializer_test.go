// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package mime

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/message"
)

func buildTestMessage(t *testing.T) *message.Message {
	t.Helper()
	msg, err := message.NewUserMessage(
		message.WithMessageID("um-1@example.com"),
		message.WithFrom("sender", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
		message.WithTo("receiver", ""),
		message.WithService("urn:example:service"),
		message.WithServiceType("urn:example:type"),
		message.WithAction("Deliver"),
		message.WithConversationID("conv-1"),
		message.WithAgreementRef("agreement-1", "pm-push"),
		message.WithMessageProperty("originalSender", "urn:sender"),
	).
		AddPayloadWithID("doc@example.com", []byte("<doc>hello</doc>"), "application/xml").
		AddPayloadWithID("bin@example.com", []byte{0x00, 0x01, 0xff}, "application/octet-stream").
		Build()
	require.NoError(t, err)
	return msg
}

func TestSerializer_RoundTripWithAttachments(t *testing.T) {
	s := NewSerializer()
	msg := buildTestMessage(t)

	var buf bytes.Buffer
	require.NoError(t, s.Serialize(context.Background(), &buf, msg))
	assert.True(t, strings.HasPrefix(msg.ContentType, ContentTypeMultipartRelated))
	assert.NotNil(t, msg.Envelope(), "serialization fills the envelope cache")

	parsed, err := s.Deserialize(context.Background(), &buf, msg.ContentType)
	require.NoError(t, err)

	assert.True(t, parsed.Equal(msg))
	require.Len(t, parsed.Attachments(), 2)
	doc, ok := parsed.Attachment("doc@example.com")
	require.True(t, ok)
	assert.Equal(t, []byte("<doc>hello</doc>"), doc.Content)
	assert.Equal(t, "application/xml", doc.ContentType)
	bin, ok := parsed.Attachment("bin@example.com")
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, bin.Content)

	want, _ := msg.PrimaryUserMessage().Get()
	got, ok := parsed.PrimaryUserMessage().Get()
	require.True(t, ok)
	assert.True(t, want.Sender.Equal(got.Sender))
	assert.True(t, want.Receiver.Equal(got.Receiver))
	assert.True(t, want.CollaborationInfo.Equal(got.CollaborationInfo))
	assert.Equal(t, want.Properties, got.Properties)
	assert.Equal(t, want.Mpc, got.Mpc)
	assert.True(t, want.Timestamp().Equal(got.Timestamp()))
	require.Len(t, got.PayloadInfo, 2)
	assert.Equal(t, "application/xml", got.PayloadInfo[0].MimeType().GetOrElse(""))

	assert.NotNil(t, parsed.Envelope(), "received envelope is cached")
	assert.False(t, parsed.SecurityHeader().IsSigned())
}

func TestSerializer_SignalsRoundTrip(t *testing.T) {
	s := NewSerializer()

	um, err := message.NewUserMessageUnit("um-1", message.Nothing[string]())
	require.NoError(t, err)
	nrr, err := message.NewNonRepudiationReceipt("r-1", "um-1", &message.NonRepudiationInformation{
		References: []message.Reference{{
			URI:          "cid:doc@example.com",
			DigestMethod: "http://www.w3.org/2001/04/xmlenc#sha256",
			DigestValue:  []byte{1, 2, 3, 4},
			Transforms:   []string{"http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Content-Signature-Transform"},
		}},
	})
	require.NoError(t, err)
	echo, err := message.NewReceiptForUserMessage("r-2", um)
	require.NoError(t, err)
	pullErr, err := message.NewEmptyPullResponse("e-1", "pr-1")
	require.NoError(t, err)
	pr, err := message.NewPullRequest("pr-2", "urn:mpc:orders")
	require.NoError(t, err)

	msg := message.New()
	require.NoError(t, msg.AddMessageUnits(nrr, echo, pullErr, pr))

	var buf bytes.Buffer
	require.NoError(t, s.Serialize(context.Background(), &buf, msg))
	assert.Equal(t, ContentTypeSOAPXML, msg.ContentType)

	parsed, err := s.Deserialize(context.Background(), &buf, msg.ContentType)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1", "r-2", "e-1", "pr-2"}, parsed.MessageIDs())

	receipts := parsed.Receipts()
	require.Len(t, receipts, 2)
	nri, ok := receipts[0].NonRepudiationInformation().Get()
	require.True(t, ok)
	require.Len(t, nri.References, 1)
	assert.True(t, nri.References[0].Equal(nrr.NonRepudiationInformation().GetOrElse(nil).References[0]))
	assert.True(t, message.VerifyNonRepudiationInfo(receipts[0], nri.References))

	echoed, ok := receipts[1].UserMessage().Get()
	require.True(t, ok)
	assert.Equal(t, "um-1", echoed.ID())

	errs := parsed.Errors()
	require.Len(t, errs, 1)
	assert.True(t, errs[0].IsPullRequestWarning())
	assert.Equal(t, "pr-1", errs[0].Lines[0].RefToMessageID.GetOrElse(""))

	pulls := parsed.PullRequests()
	require.Len(t, pulls, 1)
	assert.Equal(t, "urn:mpc:orders", pulls[0].Mpc)
}

func TestSerializer_Multihop(t *testing.T) {
	msg := buildTestMessage(t)
	msg.Multihop = true

	s := NewSerializer(WithMultihopRole("urn:test:nextmsh"))
	env, err := s.Envelope(msg)
	require.NoError(t, err)

	multihop, err := message.DetectMultihop(env, "urn:test:nextmsh")
	require.NoError(t, err)
	assert.True(t, multihop)
	assert.True(t, msg.IsMultihop("urn:test:nextmsh"))

	var buf bytes.Buffer
	require.NoError(t, s.Serialize(context.Background(), &buf, msg))
	parsed, err := s.Deserialize(context.Background(), &buf, msg.ContentType)
	require.NoError(t, err)
	assert.True(t, parsed.Multihop)
}

func TestSerializer_ContentTypeIsStable(t *testing.T) {
	s := NewSerializer()
	msg := buildTestMessage(t)

	first := s.ContentType(msg)
	assert.Equal(t, first, s.ContentType(msg))

	size, err := msg.DetermineSize(context.Background(), s)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Serialize(context.Background(), &buf, msg))
	assert.Equal(t, int64(buf.Len()), size)
	assert.Equal(t, first, msg.ContentType)
}

func TestSerializer_CachedEnvelopeIsWrittenVerbatim(t *testing.T) {
	s := NewSerializer()
	msg := message.New()
	pr, err := message.NewPullRequest("pr-1", "")
	require.NoError(t, err)
	require.NoError(t, msg.AddMessageUnit(pr))

	secured := []byte("<S12:Envelope xmlns:S12=\"http://www.w3.org/2003/05/soap-envelope\"><S12:Header/><S12:Body/></S12:Envelope>")
	msg.SetEnvelope(secured)

	var buf bytes.Buffer
	require.NoError(t, s.Serialize(context.Background(), &buf, msg))
	assert.Equal(t, secured, buf.Bytes())
}

func TestSerializer_DeserializeErrors(t *testing.T) {
	s := NewSerializer()
	ctx := context.Background()

	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{"bad content type", "", ";;;"},
		{"missing boundary", "", "multipart/related; type=\"application/soap+xml\""},
		{"not xml", "not xml", ContentTypeSOAPXML},
		{"no messaging header", `<S12:Envelope xmlns:S12="http://www.w3.org/2003/05/soap-envelope"><S12:Header/><S12:Body/></S12:Envelope>`, ContentTypeSOAPXML},
		{"empty multipart", "--b--\r\n", "multipart/related; boundary=b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deserialize(ctx, strings.NewReader(tt.body), tt.contentType)
			assert.Error(t, err)
		})
	}

	_, err := s.Envelope(message.New())
	assert.Error(t, err, "a message without units has no envelope")
}

func TestSerializer_DetectsSecurityState(t *testing.T) {
	envelope := `<S12:Envelope xmlns:S12="http://www.w3.org/2003/05/soap-envelope">
<S12:Header>
<wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
<xenc:EncryptedKey xmlns:xenc="http://www.w3.org/2001/04/xmlenc#"/>
<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#" Id="sig-1"/>
</wsse:Security>
<eb:Messaging xmlns:eb="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/">
<eb:SignalMessage><eb:MessageInfo><eb:Timestamp>2024-01-01T00:00:00Z</eb:Timestamp><eb:MessageId>pr-1</eb:MessageId></eb:MessageInfo><eb:PullRequest/></eb:SignalMessage>
</eb:Messaging>
</S12:Header>
<S12:Body/>
</S12:Envelope>`

	parsed, err := NewSerializer().Deserialize(context.Background(), strings.NewReader(envelope), ContentTypeSOAPXML)
	require.NoError(t, err)
	assert.True(t, parsed.SecurityHeader().IsSigned())
	assert.True(t, parsed.SecurityHeader().IsEncrypted())
	assert.Equal(t, "sig-1", parsed.SecurityHeader().SigningID)
	assert.Equal(t, []byte(envelope), parsed.Envelope())
}
