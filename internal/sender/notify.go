// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirosfoundation/go-msh/internal/storage"
)

// Notifier reports an exception to the business application.
type Notifier interface {
	Notify(ctx context.Context, exc *storage.ExceptionRow) error
}

// Notification is the JSON document a Notifier emits.
type Notification struct {
	ExceptionID    string    `json:"exceptionId"`
	RefToMessageID string    `json:"refToMessageId,omitempty"`
	Exception      string    `json:"exception"`
	InsertedAt     time.Time `json:"insertedAt"`
}

func notificationOf(exc *storage.ExceptionRow) Notification {
	return Notification{
		ExceptionID:    exc.ID,
		RefToMessageID: exc.EbmsRefToMessageID,
		Exception:      exc.Exception,
		InsertedAt:     exc.InsertedAt,
	}
}

// HTTPNotifier posts each exception as JSON to a URL.
type HTTPNotifier struct {
	client Transport
	url    string
}

// NewHTTPNotifier creates a notifier posting to url through client.
func NewHTTPNotifier(client Transport, url string) *HTTPNotifier {
	return &HTTPNotifier{client: client, url: url}
}

// Notify implements Notifier.
func (n *HTTPNotifier) Notify(ctx context.Context, exc *storage.ExceptionRow) error {
	body, err := json.Marshal(notificationOf(exc))
	if err != nil {
		return err
	}
	if _, err := n.client.Send(ctx, n.url, body, "application/json"); err != nil {
		return fmt.Errorf("failed to notify %s: %w", n.url, err)
	}
	return nil
}

// DirNotifier writes each exception to <dir>/<exception id>.json.
type DirNotifier struct {
	dir string
}

// NewDirNotifier creates a notifier writing into dir.
func NewDirNotifier(dir string) *DirNotifier {
	return &DirNotifier{dir: dir}
}

// Notify implements Notifier. The file is written under a temporary name
// and renamed so readers never see a partial document.
func (n *DirNotifier) Notify(_ context.Context, exc *storage.ExceptionRow) error {
	if err := os.MkdirAll(n.dir, 0o750); err != nil {
		return err
	}
	body, err := json.MarshalIndent(notificationOf(exc), "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(n.dir, exc.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, body, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}
