// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package storage defines the persistent store of the MSH.
//
// # Layout
//
// Four tables hold the operational state:
//
//   - InMessages and OutMessages: one row per received or sent message
//     unit, keyed by a row id. The ebMS message id of an outbound row is
//     unique.
//   - InExceptions and OutExceptions: failures, optionally linked to the
//     message row they concern.
//
// Retry records (see package reliability) hang off an OutMessages row for
// outbound retries and off an InExceptions row for inbound exception
// notification. Deleting a message row deletes its exception rows and its
// retry record.
//
// # Claiming
//
// Every row carries an Operation. Flows claim work with ClaimMessages, which
// moves each row from one operation to the next with a conditional update
// so that MSH instances sharing a database never process a row twice.
//
// # Implementations
//
// The sqlite sub-package is the default embedded backend. The mongodb
// sub-package serves deployments that already run MongoDB.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

var (
	// ErrNotFound is returned for unknown rows
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an outbound ebMS message id is reused
	ErrDuplicate = errors.New("duplicate message id")
	// ErrConflict is returned when a conditional update finds the row in another state
	ErrConflict = errors.New("row is not in the expected state")
	// ErrInvalidArgument is returned for unknown tables or fields and missing values
	ErrInvalidArgument = errors.New("invalid argument")
)

// Table names a message or exception table.
type Table string

const (
	TableInMessages    Table = "InMessages"
	TableOutMessages   Table = "OutMessages"
	TableInExceptions  Table = "InExceptions"
	TableOutExceptions Table = "OutExceptions"
)

// ParseTable resolves a table name case-insensitively.
func ParseTable(name string) (Table, error) {
	for _, t := range []Table{TableInMessages, TableOutMessages, TableInExceptions, TableOutExceptions} {
		if strings.EqualFold(string(t), name) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown table %q", ErrInvalidArgument, name)
}

// IsMessageTable reports whether t holds message rows.
func (t Table) IsMessageTable() bool {
	return t == TableInMessages || t == TableOutMessages
}

// IsExceptionTable reports whether t holds exception rows.
func (t Table) IsExceptionTable() bool {
	return t == TableInExceptions || t == TableOutExceptions
}

// Operation is the processing step a row waits for or is in.
type Operation string

const (
	OperationNotApplicable Operation = "NotApplicable"
	OperationToBeProcessed Operation = "ToBeProcessed"
	OperationProcessing    Operation = "Processing"
	OperationToBeSent      Operation = "ToBeSent"
	OperationSending       Operation = "Sending"
	OperationSent          Operation = "Sent"
	OperationToBePulled    Operation = "ToBePulled"
	OperationToBeDelivered Operation = "ToBeDelivered"
	OperationDelivering    Operation = "Delivering"
	OperationDelivered     Operation = "Delivered"
	OperationToBeNotified  Operation = "ToBeNotified"
	OperationNotifying     Operation = "Notifying"
	OperationNotified      Operation = "Notified"
	OperationDeadLettered  Operation = "DeadLettered"
)

// FieldOperation is the only claimable field.
const FieldOperation = "Operation"

// MessageRow is a stored message unit.
type MessageRow struct {
	ID             string    `bson:"_id"`
	EbmsMessageID  string    `bson:"ebms_message_id"`
	RefToMessageID string    `bson:"ref_to_message_id,omitempty"`
	ContentType    string    `bson:"content_type"`
	PModeID        string    `bson:"pmode_id,omitempty"`
	Mpc            string    `bson:"mpc,omitempty"`
	Operation      Operation `bson:"operation"`
	// Body is the serialized wire message.
	Body       []byte    `bson:"body,omitempty"`
	InsertedAt time.Time `bson:"inserted_at"`
	ModifiedAt time.Time `bson:"modified_at"`
}

// ExceptionRow is a stored failure.
type ExceptionRow struct {
	ID string `bson:"_id" json:"id"`
	// MessageRowID links the failing message row, empty when there is none.
	MessageRowID       string    `bson:"message_row_id,omitempty" json:"messageRowId,omitempty"`
	EbmsRefToMessageID string    `bson:"ebms_ref_to_message_id,omitempty" json:"ebmsRefToMessageId,omitempty"`
	Exception          string    `bson:"exception" json:"exception"`
	Operation          Operation `bson:"operation" json:"operation"`
	InsertedAt         time.Time `bson:"inserted_at" json:"insertedAt"`
	ModifiedAt         time.Time `bson:"modified_at" json:"modifiedAt"`
}

// ClaimRequest moves up to Limit rows of Table from From to To. A non-empty
// Mpc restricts the claim to rows queued on that partition channel.
type ClaimRequest struct {
	Table Table
	From  Operation
	To    Operation
	Limit int
	Mpc   string
}

// Validate checks the request.
func (r ClaimRequest) Validate() error {
	if !r.Table.IsMessageTable() {
		return fmt.Errorf("%w: cannot claim from %q", ErrInvalidArgument, r.Table)
	}
	if r.From == "" || r.To == "" || r.From == r.To {
		return fmt.Errorf("%w: claim needs two distinct operations", ErrInvalidArgument)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: claim limit must be positive", ErrInvalidArgument)
	}
	return nil
}

// MessageStore manages message rows.
type MessageStore interface {
	// InsertOutMessage stores an outbound row; a reused ebMS id is ErrDuplicate.
	InsertOutMessage(ctx context.Context, row *MessageRow) error
	InsertInMessage(ctx context.Context, row *MessageRow) error
	GetMessage(ctx context.Context, table Table, id string) (*MessageRow, error)
	// FindMessage looks a row up by ebMS message id.
	FindMessage(ctx context.Context, table Table, ebmsMessageID string) (*MessageRow, error)
	// ClaimMessages atomically moves rows from req.From to req.To, oldest first.
	ClaimMessages(ctx context.Context, req ClaimRequest) ([]*MessageRow, error)
	// UpdateOperation moves row id from `from` to `to`, or fails with ErrConflict.
	UpdateOperation(ctx context.Context, table Table, id string, from, to Operation) error
	// DeleteMessage removes a row with its exceptions and retry record.
	DeleteMessage(ctx context.Context, table Table, id string) error
}

// ExceptionStore manages exception rows.
type ExceptionStore interface {
	InsertException(ctx context.Context, table Table, row *ExceptionRow) error
	GetException(ctx context.Context, table Table, id string) (*ExceptionRow, error)
	// ListExceptions returns rows of table, newest first.
	ListExceptions(ctx context.Context, table Table, limit int) ([]*ExceptionRow, error)
}

// Store combines the sub-stores with the reliability bookkeeping.
type Store interface {
	MessageStore
	ExceptionStore
	reliability.RecordStore
	reliability.ExceptionJournal

	// Ping checks database connectivity
	Ping(ctx context.Context) error
	// Close releases storage resources
	Close(ctx context.Context) error
}
