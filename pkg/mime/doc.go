// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime serializes AS4 messages in the SOAP with Attachments wire format.

Serializer maps a message.Message onto a SOAP 1.2 envelope carrying the ebMS3
Messaging header, and packages attachments as multipart/related:

	Content-Type: multipart/related;
	    type="application/soap+xml";
	    start="<soap-envelope>";
	    boundary="----=_Part_..."

	------=_Part_...
	Content-Type: application/soap+xml; charset=UTF-8
	Content-ID: <soap-envelope>

	<S12:Envelope>...</S12:Envelope>
	------=_Part_...
	Content-Type: application/xml
	Content-ID: <payload-1@msh.siros.org>

	[payload data]
	------=_Part_...--

Messages without attachments are sent as a bare application/soap+xml envelope.

# Envelope Cache

Serializer.Envelope builds the envelope once and stores it in the message's
envelope cache. A signed or encrypted envelope placed in the cache by the
security coordinator is written as is. Deserialize keeps the received
envelope bytes in the cache so signatures are verified over what was sent.

# Size

Serialize streams into the writer, so Message.DetermineSize can count the wire
size without holding the whole message in memory.

# References

  - SOAP Messages with Attachments: https://www.w3.org/TR/SOAP-attachments
  - RFC 2387 multipart/related: https://datatracker.ietf.org/doc/html/rfc2387
*/
package mime
