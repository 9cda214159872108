// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Row is a message row claimed from a store.
type Row struct {
	Table       string
	ID          string
	MessageID   string
	Operation   string
	ContentType string
	Body        []byte
}

// ClaimFilter selects rows whose Field equals From and moves them to To.
type ClaimFilter struct {
	Table string
	Field string
	From  string
	To    string
	Limit int
}

// RowStore is the store a DatastoreReceiver polls. ClaimRows must move
// every returned row from From to To in one conditional update per row, so
// that receivers in other processes never claim the same row.
type RowStore interface {
	ClaimRows(ctx context.Context, f ClaimFilter) ([]Row, error)
	// TransitionRow sets field of row id to `to` if it still holds `from`.
	TransitionRow(ctx context.Context, table, field, id, from, to string) error
}

const (
	defaultPollingInterval = 3 * time.Second
	defaultBatchSize       = 20
	defaultClaimField      = "Operation"
)

// DatastoreReceiver polls a table for rows in an expected state.
//
// Settings:
//
//	Table            table to poll (required)
//	Filter           expected value; attribute "field" names the column (default Operation)
//	Update           value a claimed row is moved to; attribute "field" must match Filter
//	PollingInterval  pause between cycles (default 3s)
//	BatchSize        rows claimed per cycle (default 20)
type DatastoreReceiver struct {
	store  RowStore
	opts   options
	logger *slog.Logger

	filter   ClaimFilter
	interval time.Duration
	loop     loop[Row]
}

// NewDatastoreReceiver creates a receiver over store.
func NewDatastoreReceiver(store RowStore, opts ...Option) *DatastoreReceiver {
	o := buildOptions(opts)
	return &DatastoreReceiver{store: store, opts: o, logger: o.logger}
}

// Configure implements Receiver.
func (r *DatastoreReceiver) Configure(settings Settings) error {
	if r.store == nil {
		return fmt.Errorf("%w: datastore receiver needs a store", ErrConfiguration)
	}
	table, err := settings.Required("Table")
	if err != nil {
		return err
	}
	filter, err := settings.Required("Filter")
	if err != nil {
		return err
	}
	update, err := settings.Required("Update")
	if err != nil {
		return err
	}
	field := defaultClaimField
	if f, ok := filter.Attr("field"); ok && f != "" {
		field = f
	}
	if f, ok := update.Attr("field"); ok && f != "" && f != field {
		return fmt.Errorf("%w: update field %q differs from filter field %q", ErrConfiguration, f, field)
	}
	if filter.Value == update.Value {
		return fmt.Errorf("%w: filter and update values are both %q", ErrConfiguration, filter.Value)
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

	r.filter = ClaimFilter{
		Table: table.Value,
		Field: field,
		From:  filter.Value,
		To:    update.Value,
		Limit: batch,
	}
	r.interval = interval
	r.logger = r.opts.logger.With("receiver", "datastore", "table", table.Value)
	r.loop.set(NewPoller[Row](r, interval, r.opts.pollerOptions(WithPollerLogger(r.logger))...))
	return nil
}

// StartReceiving implements Receiver.
func (r *DatastoreReceiver) StartReceiving(ctx context.Context, handler MessageHandler) error {
	r.logger.Info("start polling", "field", r.filter.Field, "from", r.filter.From, "to", r.filter.To)
	return r.loop.run(ctx, handler)
}

// StopReceiving implements Receiver.
func (r *DatastoreReceiver) StopReceiving() { r.loop.stop() }

// State returns the polling state.
func (r *DatastoreReceiver) State() State { return r.loop.state() }

// GetMessagesToPoll claims the next batch.
func (r *DatastoreReceiver) GetMessagesToPoll(ctx context.Context) ([]Row, error) {
	return r.store.ClaimRows(ctx, r.filter)
}

// MessageReceived hands a claimed row to handler.
func (r *DatastoreReceiver) MessageReceived(ctx context.Context, row Row, handler MessageHandler) error {
	res, err := handler(ctx, &ReceivedMessage{
		ID:          row.ID,
		MessageID:   row.MessageID,
		ContentType: row.ContentType,
		Body:        row.Body,
		Origin:      row.Table,
		Metadata:    map[string]string{r.filter.Field: r.filter.To},
	})
	if err != nil {
		return err
	}
	if res.Requeue {
		r.release(ctx, row)
	}
	return nil
}

// HandleMessageException puts the row back to its filter value so a later
// cycle retries it. Handlers that treat a failure as final move the row
// themselves before returning the error.
func (r *DatastoreReceiver) HandleMessageException(ctx context.Context, row Row, err error) {
	r.logger.Error("failed to process row", "row_id", row.ID, "message_id", row.MessageID, "error", err)
	r.release(ctx, row)
}

// ReleasePendingItems puts claimed rows back.
func (r *DatastoreReceiver) ReleasePendingItems(ctx context.Context, rows []Row) {
	for _, row := range rows {
		r.release(ctx, row)
	}
	if len(rows) > 0 {
		r.logger.Info("released pending rows", "count", len(rows))
	}
}

// PollingInterval returns the configured interval.
func (r *DatastoreReceiver) PollingInterval([]Row) time.Duration { return r.interval }

func (r *DatastoreReceiver) release(ctx context.Context, row Row) {
	err := r.store.TransitionRow(ctx, r.filter.Table, r.filter.Field, row.ID, r.filter.To, r.filter.From)
	if err != nil {
		r.logger.Warn("failed to release row", "row_id", row.ID, "error", err)
	}
}
