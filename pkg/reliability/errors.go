// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package reliability

import "github.com/sirosfoundation/go-msh/pkg/message"

// ErrorCode represents AS4 error codes
type ErrorCode struct {
	Code             string
	Severity         message.Severity
	ShortDescription string
	Category         string
}

// Predefined AS4 error codes
var (
	ErrorValueNotRecognized = ErrorCode{
		Code:             "EBMS:0001",
		Severity:         message.SeverityFailure,
		ShortDescription: "ValueNotRecognized",
		Category:         "Content",
	}

	ErrorProcessingModeMismatch = ErrorCode{
		Code:             "EBMS:0010",
		Severity:         message.SeverityFailure,
		ShortDescription: "ProcessingModeMismatch",
		Category:         "Content",
	}

	ErrorOther = ErrorCode{
		Code:             "EBMS:0004",
		Severity:         message.SeverityFailure,
		ShortDescription: "Other",
		Category:         "Content",
	}

	ErrorFailedAuthentication = ErrorCode{
		Code:             "EBMS:0101",
		Severity:         message.SeverityFailure,
		ShortDescription: "FailedAuthentication",
		Category:         "Processing",
	}

	ErrorFailedDecryption = ErrorCode{
		Code:             "EBMS:0102",
		Severity:         message.SeverityFailure,
		ShortDescription: "FailedDecryption",
		Category:         "Processing",
	}

	ErrorPolicyNoncompliance = ErrorCode{
		Code:             "EBMS:0103",
		Severity:         message.SeverityFailure,
		ShortDescription: "PolicyNoncompliance",
		Category:         "Processing",
	}

	ErrorDeliveryFailure = ErrorCode{
		Code:             "EBMS:0202",
		Severity:         message.SeverityFailure,
		ShortDescription: "DeliveryFailure",
		Category:         "Communication",
	}

	ErrorMissingReceipt = ErrorCode{
		Code:             "EBMS:0301",
		Severity:         message.SeverityFailure,
		ShortDescription: "MissingReceipt",
		Category:         "Communication",
	}

	ErrorDecompressionFailure = ErrorCode{
		Code:             "EBMS:0303",
		Severity:         message.SeverityFailure,
		ShortDescription: "DecompressionFailure",
		Category:         "Communication",
	}

	ErrorEmptyMessagePartition = ErrorCode{
		Code:             message.EmptyMessagePartitionChannel,
		Severity:         message.SeverityWarning,
		ShortDescription: "EmptyMessagePartitionChannel",
		Category:         "Communication",
	}
)

// Line builds an ebMS error line for refTo with an optional detail.
func (c ErrorCode) Line(refTo, detail string) message.ErrorLine {
	return message.ErrorLine{
		Code:             c.Code,
		Severity:         c.Severity,
		ShortDescription: c.ShortDescription,
		Origin:           message.Just("ebMS"),
		Category:         message.Just(c.Category),
		Detail:           message.MaybeString(detail),
		RefToMessageID:   message.MaybeString(refTo),
	}
}

// ExhaustionCode is the error reported when retries of kind run out.
func ExhaustionCode(kind Kind) ErrorCode {
	if kind == KindOutbound {
		return ErrorMissingReceipt
	}
	return ErrorDeliveryFailure
}
