// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Suffixes a FileReceiver appends to files it has claimed or finished.
const (
	SuffixPending   = ".pending"
	SuffixAccepted  = ".accepted"
	SuffixException = ".exception"
)

type fileItem struct {
	original string
	pending  string
}

// FileReceiver picks up files from a directory. A file is claimed by
// renaming it to *.pending, which is atomic within one filesystem.
//
// Settings:
//
//	FilePath         directory to watch (required)
//	FileMask         glob of files to pick up (default *)
//	PollingInterval  pause between scans (default 3s)
//	BatchSize        files claimed per scan (default 20)
type FileReceiver struct {
	opts   options
	logger *slog.Logger

	dir      string
	mask     string
	batch    int
	interval time.Duration
	wake     chan struct{}
	loop     loop[fileItem]
}

// NewFileReceiver creates an unconfigured FileReceiver.
func NewFileReceiver(opts ...Option) *FileReceiver {
	o := buildOptions(opts)
	return &FileReceiver{opts: o, logger: o.logger}
}

// Configure implements Receiver.
func (r *FileReceiver) Configure(settings Settings) error {
	path, err := settings.Required("FilePath")
	if err != nil {
		return err
	}
	info, err := os.Stat(path.Value)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: FilePath %q is not a directory", ErrConfiguration, path.Value)
	}
	mask := settings.String("FileMask", "*")
	if _, err := filepath.Match(mask, ""); err != nil {
		return fmt.Errorf("%w: FileMask %q: %v", ErrConfiguration, mask, err)
	}
	interval, err := settings.Duration("PollingInterval", defaultPollingInterval)
	if err != nil {
		return err
	}
	batch, err := settings.Int("BatchSize", defaultBatchSize)
	if err != nil {
		return err
	}
	if batch <= 0 {
		return fmt.Errorf("%w: BatchSize must be positive", ErrConfiguration)
	}

	r.dir = path.Value
	r.mask = mask
	r.batch = batch
	r.interval = interval
	r.wake = make(chan struct{}, 1)
	r.logger = r.opts.logger.With("receiver", "file", "dir", r.dir)
	r.loop.set(NewPoller[fileItem](r, interval,
		r.opts.pollerOptions(WithPollerLogger(r.logger), WithWake(r.wake))...))
	return nil
}

// StartReceiving implements Receiver. Files left pending by a previous run
// are released first.
func (r *FileReceiver) StartReceiving(ctx context.Context, handler MessageHandler) error {
	if r.dir == "" {
		return fmt.Errorf("%w: receiver is not configured", ErrConfiguration)
	}
	r.releaseOrphans()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("file watcher unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(r.dir); err != nil {
			r.logger.Warn("failed to watch directory, polling only", "error", err)
		} else {
			go r.watch(watcher)
		}
	}
	return r.loop.run(ctx, handler)
}

// StopReceiving implements Receiver.
func (r *FileReceiver) StopReceiving() { r.loop.stop() }

// State returns the polling state.
func (r *FileReceiver) State() State { return r.loop.state() }

func (r *FileReceiver) watch(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !r.matches(ev.Name) {
				continue
			}
			select {
			case r.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (r *FileReceiver) matches(path string) bool {
	name := filepath.Base(path)
	for _, suffix := range []string{SuffixPending, SuffixAccepted, SuffixException} {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	ok, _ := filepath.Match(r.mask, name)
	return ok
}

// GetMessagesToPoll claims up to BatchSize matching files, oldest name first.
func (r *FileReceiver) GetMessagesToPoll(ctx context.Context) ([]fileItem, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && r.matches(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var items []fileItem
	for _, name := range names {
		if len(items) == r.batch || ctx.Err() != nil {
			break
		}
		original := filepath.Join(r.dir, name)
		pending := original + SuffixPending
		// another instance won the rename
		if err := os.Rename(original, pending); err != nil {
			continue
		}
		items = append(items, fileItem{original: original, pending: pending})
	}
	return items, nil
}

// MessageReceived reads a claimed file and hands it to handler.
func (r *FileReceiver) MessageReceived(ctx context.Context, item fileItem, handler MessageHandler) error {
	body, err := os.ReadFile(item.pending)
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(item.original))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	res, err := handler(ctx, &ReceivedMessage{
		ID:          item.original,
		ContentType: contentType,
		Body:        body,
		Origin:      r.dir,
		Metadata:    map[string]string{"filename": filepath.Base(item.original)},
	})
	if err != nil {
		return err
	}
	if res.Requeue {
		return os.Rename(item.pending, item.original)
	}
	return os.Rename(item.pending, item.original+SuffixAccepted)
}

// HandleMessageException parks the file as *.exception.
func (r *FileReceiver) HandleMessageException(_ context.Context, item fileItem, err error) {
	r.logger.Error("failed to process file", "file", item.original, "error", err)
	if rerr := os.Rename(item.pending, item.original+SuffixException); rerr != nil {
		r.logger.Warn("failed to park file", "file", item.pending, "error", rerr)
	}
}

// ReleasePendingItems renames claimed files back.
func (r *FileReceiver) ReleasePendingItems(_ context.Context, items []fileItem) {
	for _, item := range items {
		if err := os.Rename(item.pending, item.original); err != nil {
			r.logger.Warn("failed to release file", "file", item.pending, "error", err)
		}
	}
}

// PollingInterval returns the configured interval.
func (r *FileReceiver) PollingInterval([]fileItem) time.Duration { return r.interval }

func (r *FileReceiver) releaseOrphans() {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*"+SuffixPending))
	if err != nil {
		return
	}
	for _, pending := range matches {
		original := strings.TrimSuffix(pending, SuffixPending)
		if err := os.Rename(pending, original); err == nil {
			r.logger.Info("released orphaned file", "file", original)
		}
	}
}
