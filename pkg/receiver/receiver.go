// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"context"
)

// Receiver discovers units of work and hands each one to a MessageHandler.
type Receiver interface {
	// Configure validates and applies settings. It must be called before
	// StartReceiving.
	Configure(settings Settings) error
	// StartReceiving blocks until ctx is cancelled or StopReceiving is called.
	StartReceiving(ctx context.Context, handler MessageHandler) error
	// StopReceiving stops the loop after the in-flight dispatch completes.
	// It may be called from any goroutine.
	StopReceiving()
}

// ReceivedMessage is one unit of work found by a receiver.
type ReceivedMessage struct {
	// ID identifies the work item within its source (row id, file path, request id).
	ID          string
	MessageID   string
	ContentType string
	Body        []byte
	// Origin names the source: a table, a directory, a URL or an MPC.
	Origin   string
	Metadata map[string]string
}

// Result tells the receiver what to do with a handled item.
type Result struct {
	Requeue bool
	// ContentType and Body form the synchronous reply of push receivers.
	ContentType string
	Body        []byte
}

// Ack accepts the work item.
func Ack() Result { return Result{} }

// Reply accepts the work item and answers with body.
func Reply(contentType string, body []byte) Result {
	return Result{ContentType: contentType, Body: body}
}

// Requeue returns the work item to its source for a later cycle.
func Requeue() Result { return Result{Requeue: true} }

// MessageHandler processes one received message.
type MessageHandler func(ctx context.Context, msg *ReceivedMessage) (Result, error)
