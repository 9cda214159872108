// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package storage

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-msh/pkg/receiver"
)

// RowSource adapts a MessageStore to the row store polled by
// receiver.DatastoreReceiver. Only the Operation field can be claimed.
func RowSource(store MessageStore) receiver.RowStore {
	return &rowSource{store: store}
}

type rowSource struct {
	store MessageStore
}

func (s *rowSource) ClaimRows(ctx context.Context, f receiver.ClaimFilter) ([]receiver.Row, error) {
	table, err := claimTable(f.Table, f.Field)
	if err != nil {
		return nil, err
	}
	claimed, err := s.store.ClaimMessages(ctx, ClaimRequest{
		Table: table,
		From:  Operation(f.From),
		To:    Operation(f.To),
		Limit: f.Limit,
	})
	rows := make([]receiver.Row, 0, len(claimed))
	for _, m := range claimed {
		rows = append(rows, receiver.Row{
			Table:       string(table),
			ID:          m.ID,
			MessageID:   m.EbmsMessageID,
			Operation:   string(m.Operation),
			ContentType: m.ContentType,
			Body:        m.Body,
		})
	}
	return rows, err
}

func (s *rowSource) TransitionRow(ctx context.Context, table, field, id, from, to string) error {
	t, err := claimTable(table, field)
	if err != nil {
		return err
	}
	return s.store.UpdateOperation(ctx, t, id, Operation(from), Operation(to))
}

func claimTable(table, field string) (Table, error) {
	if field != FieldOperation {
		return "", fmt.Errorf("%w: cannot claim on field %q", ErrInvalidArgument, field)
	}
	t, err := ParseTable(table)
	if err != nil {
		return "", err
	}
	if !t.IsMessageTable() {
		return "", fmt.Errorf("%w: cannot claim from %q", ErrInvalidArgument, table)
	}
	return t, nil
}
