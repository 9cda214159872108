// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package sqlite implements storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

// Config holds SQLite settings
type Config struct {
	// Path of the database file
	Path string
	// BusyTimeout bounds how long a writer waits for a lock held by another connection
	BusyTimeout time.Duration
}

// Store implements storage.Store using SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens the database with foreign keys on and applies pending migrations.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", storage.ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	version, err := Migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	logger.Debug("sqlite store ready", "path", cfg.Path, "schema_version", version)
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MessageStore implementation

const messageColumns = `id, ebms_message_id, ref_to_message_id, content_type, pmode_id, mpc, operation, body, inserted_at, modified_at`

func (s *Store) InsertOutMessage(ctx context.Context, row *storage.MessageRow) error {
	return s.insertMessage(ctx, storage.TableOutMessages, row)
}

func (s *Store) InsertInMessage(ctx context.Context, row *storage.MessageRow) error {
	return s.insertMessage(ctx, storage.TableInMessages, row)
}

func (s *Store) insertMessage(ctx context.Context, table storage.Table, row *storage.MessageRow) error {
	if row == nil || row.EbmsMessageID == "" {
		return fmt.Errorf("%w: message row needs an ebMS message id", storage.ErrInvalidArgument)
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.Operation == "" {
		row.Operation = storage.OperationNotApplicable
	}
	now := s.now().UTC()
	row.InsertedAt, row.ModifiedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+string(table)+` (`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		row.ID, row.EbmsMessageID, nullable(row.RefToMessageID), row.ContentType, nullable(row.PModeID),
		nullable(row.Mpc), string(row.Operation), row.Body, now.UnixNano(), now.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, row.EbmsMessageID)
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, table storage.Table, id string) (*storage.MessageRow, error) {
	if !table.IsMessageTable() {
		return nil, fmt.Errorf("%w: %q is not a message table", storage.ErrInvalidArgument, table)
	}
	return scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM `+string(table)+` WHERE id=?`, id))
}

func (s *Store) FindMessage(ctx context.Context, table storage.Table, ebmsMessageID string) (*storage.MessageRow, error) {
	if !table.IsMessageTable() {
		return nil, fmt.Errorf("%w: %q is not a message table", storage.ErrInvalidArgument, table)
	}
	return scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM `+string(table)+` WHERE ebms_message_id=? ORDER BY inserted_at LIMIT 1`, ebmsMessageID))
}

// ClaimMessages selects candidates and claims each with a conditional
// update. A candidate another instance claimed first is skipped.
func (s *Store) ClaimMessages(ctx context.Context, req storage.ClaimRequest) ([]*storage.MessageRow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	query := `SELECT id FROM ` + string(req.Table) + ` WHERE operation=?`
	args := []any{string(req.From)}
	if req.Mpc != "" {
		query += ` AND mpc=?`
		args = append(args, req.Mpc)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY inserted_at, id LIMIT ?`, append(args, req.Limit)...)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*storage.MessageRow
	for _, id := range candidates {
		err := s.UpdateOperation(ctx, req.Table, id, req.From, req.To)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		row, err := s.GetMessage(ctx, req.Table, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, row)
	}
	return claimed, nil
}

func (s *Store) UpdateOperation(ctx context.Context, table storage.Table, id string, from, to storage.Operation) error {
	if !table.IsMessageTable() && !table.IsExceptionTable() {
		return fmt.Errorf("%w: unknown table %q", storage.ErrInvalidArgument, table)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+string(table)+` SET operation=?, modified_at=? WHERE id=? AND operation=?`,
		string(to), s.now().UTC().UnixNano(), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+string(table)+` WHERE id=?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", storage.ErrNotFound, table, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s is not %s", storage.ErrConflict, table, id, from)
}

func (s *Store) DeleteMessage(ctx context.Context, table storage.Table, id string) error {
	if !table.IsMessageTable() {
		return fmt.Errorf("%w: %q is not a message table", storage.ErrInvalidArgument, table)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+string(table)+` WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ExceptionStore implementation

const exceptionColumns = `id, message_row_id, ebms_ref_to_message_id, exception, operation, inserted_at, modified_at`

func (s *Store) InsertException(ctx context.Context, table storage.Table, row *storage.ExceptionRow) error {
	return insertException(ctx, s.db, table, row, s.now().UTC())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertException(ctx context.Context, db execer, table storage.Table, row *storage.ExceptionRow, now time.Time) error {
	if !table.IsExceptionTable() {
		return fmt.Errorf("%w: %q is not an exception table", storage.ErrInvalidArgument, table)
	}
	if row == nil {
		return fmt.Errorf("%w: nil exception row", storage.ErrInvalidArgument)
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.Operation == "" {
		row.Operation = storage.OperationToBeNotified
	}
	row.InsertedAt, row.ModifiedAt = now, now
	_, err := db.ExecContext(ctx,
		`INSERT INTO `+string(table)+` (`+exceptionColumns+`) VALUES (?,?,?,?,?,?,?)`,
		row.ID, nullable(row.MessageRowID), nullable(row.EbmsRefToMessageID), row.Exception,
		string(row.Operation), now.UnixNano(), now.UnixNano())
	return err
}

func (s *Store) GetException(ctx context.Context, table storage.Table, id string) (*storage.ExceptionRow, error) {
	if !table.IsExceptionTable() {
		return nil, fmt.Errorf("%w: %q is not an exception table", storage.ErrInvalidArgument, table)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+exceptionColumns+` FROM `+string(table)+` WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	out, err := scanExceptions(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out[0], nil
}

func (s *Store) ListExceptions(ctx context.Context, table storage.Table, limit int) ([]*storage.ExceptionRow, error) {
	if !table.IsExceptionTable() {
		return nil, fmt.Errorf("%w: %q is not an exception table", storage.ErrInvalidArgument, table)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+exceptionColumns+` FROM `+string(table)+` ORDER BY inserted_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanExceptions(rows)
}

// RecordStore implementation. Record.MessageID is the id of the owning
// OutMessages row for outbound records and of the owning InExceptions row
// for inbound exception records.

const retryColumns = `id, out_message_id, in_exception_id, kind, current_retry, max_retry, retry_interval, last_attempt, not_before, status`

func (s *Store) InsertRetryRecord(ctx context.Context, r *reliability.Record) error {
	var outID, inID any
	switch r.Kind {
	case reliability.KindOutbound:
		outID = r.MessageID
	case reliability.KindInboundException:
		inID = r.MessageID
	default:
		return fmt.Errorf("%w: unknown retry kind %q", storage.ErrInvalidArgument, r.Kind)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO RetryReliability (`+retryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, outID, inID, string(r.Kind), r.CurrentRetry, r.MaxRetry, int64(r.Interval),
		nullableTime(r.LastAttempt), r.NotBefore.UTC().UnixNano(), string(r.Status))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: retry record for %s", storage.ErrDuplicate, r.MessageID)
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: no owning row %s", storage.ErrNotFound, r.MessageID)
	}
	return err
}

func (s *Store) GetRetryRecord(ctx context.Context, id string) (*reliability.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+retryColumns+` FROM RetryReliability WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", reliability.ErrRecordNotFound, id)
	}
	return out[0], nil
}

func (s *Store) FindRetryRecord(ctx context.Context, messageID string) (*reliability.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM RetryReliability WHERE out_message_id=? OR in_exception_id=?`, messageID, messageID)
	if err != nil {
		return nil, err
	}
	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: message %s", reliability.ErrRecordNotFound, messageID)
	}
	return out[0], nil
}

func (s *Store) UpdateRetryRecord(ctx context.Context, prev, next *reliability.Record) error {
	return updateRetryRecord(ctx, s.db, prev, next)
}

// updateRetryRecord writes next while the stored status and retry count
// still match prev.
func updateRetryRecord(ctx context.Context, db execer, prev, next *reliability.Record) error {
	res, err := db.ExecContext(ctx,
		`UPDATE RetryReliability SET current_retry=?, max_retry=?, retry_interval=?, last_attempt=?, not_before=?, status=?
		 WHERE id=? AND status=? AND current_retry=?`,
		next.CurrentRetry, next.MaxRetry, int64(next.Interval), nullableTime(next.LastAttempt),
		next.NotBefore.UTC().UnixNano(), string(next.Status),
		next.ID, string(prev.Status), prev.CurrentRetry)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", reliability.ErrRecordConflict, next.ID)
	}
	return nil
}

func (s *Store) ListRetryRecords(ctx context.Context, status reliability.Status, before time.Time, limit int) ([]*reliability.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM RetryReliability WHERE status=? AND not_before<=? ORDER BY not_before, id LIMIT ?`,
		string(status), before.UTC().UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// JournalExhausted records the failure for operators. An exhausted outbound
// message gets an OutExceptions row and is dead-lettered; an exhausted
// inbound exception is dead-lettered with the reason appended.
func (s *Store) JournalExhausted(ctx context.Context, r *reliability.Record, reason string) error {
	if err := s.inTx(ctx, func(tx *sql.Tx) error { return s.journal(ctx, tx, r, reason) }); err != nil {
		return err
	}
	s.logger.Warn("retry record journaled", "record_id", r.ID, "kind", r.Kind, "owner", r.MessageID)
	return nil
}

// ExhaustRetryRecord stores the exhausted record and its journal entry in
// one transaction.
func (s *Store) ExhaustRetryRecord(ctx context.Context, prev, next *reliability.Record, reason string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateRetryRecord(ctx, tx, prev, next); err != nil {
			return err
		}
		return s.journal(ctx, tx, next, reason)
	})
	if err != nil {
		return err
	}
	s.logger.Warn("retry record journaled", "record_id", next.ID, "kind", next.Kind, "owner", next.MessageID)
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) journal(ctx context.Context, tx *sql.Tx, r *reliability.Record, reason string) error {
	now := s.now().UTC()
	switch r.Kind {
	case reliability.KindOutbound:
		var ebmsID string
		err := tx.QueryRowContext(ctx, `SELECT ebms_message_id FROM OutMessages WHERE id=?`, r.MessageID).Scan(&ebmsID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: out message %s", storage.ErrNotFound, r.MessageID)
		}
		if err != nil {
			return err
		}
		if err := insertException(ctx, tx, storage.TableOutExceptions, &storage.ExceptionRow{
			MessageRowID:       r.MessageID,
			EbmsRefToMessageID: ebmsID,
			Exception:          exhaustionText(r, reason),
		}, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE OutMessages SET operation=?, modified_at=? WHERE id=?`,
			string(storage.OperationDeadLettered), now.UnixNano(), r.MessageID); err != nil {
			return err
		}
	case reliability.KindInboundException:
		res, err := tx.ExecContext(ctx,
			`UPDATE InExceptions SET operation=?, exception=exception || char(10) || ?, modified_at=? WHERE id=?`,
			string(storage.OperationDeadLettered), exhaustionText(r, reason), now.UnixNano(), r.MessageID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: in exception %s", storage.ErrNotFound, r.MessageID)
		}
	default:
		return fmt.Errorf("%w: unknown retry kind %q", storage.ErrInvalidArgument, r.Kind)
	}
	return nil
}

func exhaustionText(r *reliability.Record, reason string) string {
	code := reliability.ExhaustionCode(r.Kind)
	return fmt.Sprintf("%s %s: gave up after %d retries: %s", code.Code, code.ShortDescription, r.CurrentRetry, reason)
}

// helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc rowScanner) (*storage.MessageRow, error) {
	var (
		row                 storage.MessageRow
		refTo, pmodeID, mpc sql.NullString
		op                  string
		inserted, modified  int64
	)
	err := sc.Scan(&row.ID, &row.EbmsMessageID, &refTo, &row.ContentType, &pmodeID, &mpc, &op,
		&row.Body, &inserted, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.RefToMessageID = refTo.String
	row.PModeID = pmodeID.String
	row.Mpc = mpc.String
	row.Operation = storage.Operation(op)
	row.InsertedAt = time.Unix(0, inserted).UTC()
	row.ModifiedAt = time.Unix(0, modified).UTC()
	return &row, nil
}

func scanExceptions(rows *sql.Rows) ([]*storage.ExceptionRow, error) {
	defer rows.Close()
	var out []*storage.ExceptionRow
	for rows.Next() {
		var (
			row                storage.ExceptionRow
			msgID, refTo       sql.NullString
			op                 string
			inserted, modified int64
		)
		if err := rows.Scan(&row.ID, &msgID, &refTo, &row.Exception, &op, &inserted, &modified); err != nil {
			return nil, err
		}
		row.MessageRowID = msgID.String
		row.EbmsRefToMessageID = refTo.String
		row.Operation = storage.Operation(op)
		row.InsertedAt = time.Unix(0, inserted).UTC()
		row.ModifiedAt = time.Unix(0, modified).UTC()
		out = append(out, &row)
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]*reliability.Record, error) {
	defer rows.Close()
	var out []*reliability.Record
	for rows.Next() {
		var (
			r                reliability.Record
			outID, inID      sql.NullString
			kind, status     string
			interval, before int64
			lastAttempt      sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &outID, &inID, &kind, &r.CurrentRetry, &r.MaxRetry, &interval,
			&lastAttempt, &before, &status); err != nil {
			return nil, err
		}
		r.MessageID = outID.String
		if inID.Valid {
			r.MessageID = inID.String
		}
		r.Kind = reliability.Kind(kind)
		r.Status = reliability.Status(status)
		r.Interval = time.Duration(interval)
		if lastAttempt.Valid {
			r.LastAttempt = time.Unix(0, lastAttempt.Int64).UTC()
		}
		r.NotBefore = time.Unix(0, before).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func isUniqueViolation(err error) bool {
	var e *msqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || e.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isForeignKeyViolation(err error) bool {
	var e *msqlite.Error
	return errors.As(err, &e) && e.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}
