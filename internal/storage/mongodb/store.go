// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package mongodb implements storage.Store using MongoDB
package mongodb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	bodies *gridfs.Bucket
	logger *slog.Logger
	now    func() time.Time

	inlineLimit int

	// Collections
	tables map[storage.Table]*mongo.Collection
	retry  *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
	// BodyBucket names the GridFS bucket for bodies too large to inline
	BodyBucket     string
	ChunkSizeBytes int32
	// InlineBodyLimit is the largest body kept in the message document
	InlineBodyLimit int
}

const defaultInlineBodyLimit = 1 << 20

// NewStore connects, verifies the connection and creates the indexes.
func NewStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil || cfg.URI == "" || cfg.Database == "" {
		return nil, fmt.Errorf("%w: mongodb uri and database are required", storage.ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	bucketName := cfg.BodyBucket
	if bucketName == "" {
		bucketName = "bodies"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	inline := cfg.InlineBodyLimit
	if inline <= 0 {
		inline = defaultInlineBodyLimit
	}
	s := &Store{
		client:      client,
		db:          db,
		bodies:      bucket,
		logger:      logger,
		now:         time.Now,
		inlineLimit: inline,
		tables: map[storage.Table]*mongo.Collection{
			storage.TableOutMessages:   db.Collection("out_messages"),
			storage.TableInMessages:    db.Collection("in_messages"),
			storage.TableOutExceptions: db.Collection("out_exceptions"),
			storage.TableInExceptions:  db.Collection("in_exceptions"),
		},
		retry: db.Collection("retry_records"),
	}

	if err := s.createIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	byOperation := mongo.IndexModel{Keys: bson.D{{Key: "operation", Value: 1}, {Key: "inserted_at", Value: 1}}}

	_, err := s.tables[storage.TableOutMessages].Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ebms_message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		byOperation,
	})
	if err != nil {
		return fmt.Errorf("creating out message indexes: %w", err)
	}

	_, err = s.tables[storage.TableInMessages].Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ebms_message_id", Value: 1}}},
		byOperation,
	})
	if err != nil {
		return fmt.Errorf("creating in message indexes: %w", err)
	}

	for _, t := range []storage.Table{storage.TableOutExceptions, storage.TableInExceptions} {
		_, err = s.tables[t].Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "message_row_id", Value: 1}}},
			byOperation,
		})
		if err != nil {
			return fmt.Errorf("creating %s indexes: %w", t, err)
		}
	}

	_, err = s.retry.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "not_before", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating retry record indexes: %w", err)
	}
	return nil
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// messageDoc is a message row whose body may live in GridFS.
type messageDoc struct {
	storage.MessageRow `bson:",inline"`
	BodyRef            primitive.ObjectID `bson:"body_ref,omitempty"`
}

// MessageStore implementation

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

	doc := messageDoc{MessageRow: *row}
	if len(row.Body) > s.inlineLimit {
		ref, err := s.bodies.UploadFromStream(row.ID, bytes.NewReader(row.Body))
		if err != nil {
			return fmt.Errorf("storing body: %w", err)
		}
		doc.BodyRef = ref
		doc.Body = nil
	}

	_, err := s.tables[table].InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		s.deleteBody(doc.BodyRef)
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, row.EbmsMessageID)
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, table storage.Table, id string) (*storage.MessageRow, error) {
	if !table.IsMessageTable() {
		return nil, fmt.Errorf("%w: %q is not a message table", storage.ErrInvalidArgument, table)
	}
	return s.findMessage(ctx, table, bson.M{"_id": id})
}

func (s *Store) FindMessage(ctx context.Context, table storage.Table, ebmsMessageID string) (*storage.MessageRow, error) {
	if !table.IsMessageTable() {
		return nil, fmt.Errorf("%w: %q is not a message table", storage.ErrInvalidArgument, table)
	}
	return s.findMessage(ctx, table, bson.M{"ebms_message_id": ebmsMessageID},
		options.FindOne().SetSort(bson.D{{Key: "inserted_at", Value: 1}}))
}

func (s *Store) findMessage(ctx context.Context, table storage.Table, filter bson.M, opts ...*options.FindOneOptions) (*storage.MessageRow, error) {
	var doc messageDoc
	err := s.tables[table].FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.loadBody(ctx, &doc)
}

// ClaimMessages claims rows one at a time with findAndModify, so
// concurrent claimers never receive the same row.
func (s *Store) ClaimMessages(ctx context.Context, req storage.ClaimRequest) ([]*storage.MessageRow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	coll := s.tables[req.Table]
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "inserted_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	filter := bson.M{"operation": req.From}
	if req.Mpc != "" {
		filter["mpc"] = req.Mpc
	}

	var claimed []*storage.MessageRow
	for len(claimed) < req.Limit {
		var doc messageDoc
		err := coll.FindOneAndUpdate(ctx,
			filter,
			bson.M{"$set": bson.M{"operation": req.To, "modified_at": s.now().UTC()}},
			opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, err
		}
		row, err := s.loadBody(ctx, &doc)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, row)
	}
	return claimed, nil
}

func (s *Store) UpdateOperation(ctx context.Context, table storage.Table, id string, from, to storage.Operation) error {
	coll, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("%w: unknown table %q", storage.ErrInvalidArgument, table)
	}
	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": id, "operation": from},
		bson.M{"$set": bson.M{"operation": to, "modified_at": s.now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", storage.ErrNotFound, table, id)
	}
	return fmt.Errorf("%w: %s %s is not %s", storage.ErrConflict, table, id, from)
}

// DeleteMessage removes the row, its exception rows, the retry records
// owned by either and a body stored in GridFS.
func (s *Store) DeleteMessage(ctx context.Context, table storage.Table, id string) error {
	if !table.IsMessageTable() {
		return fmt.Errorf("%w: %q is not a message table", storage.ErrInvalidArgument, table)
	}
	var doc messageDoc
	err := s.tables[table].FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	s.deleteBody(doc.BodyRef)

	exTable := storage.TableInExceptions
	if table == storage.TableOutMessages {
		exTable = storage.TableOutExceptions
	}
	owners := []string{id}
	cur, err := s.tables[exTable].Find(ctx, bson.M{"message_row_id": id},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return err
	}
	var exIDs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &exIDs); err != nil {
		return err
	}
	for _, ex := range exIDs {
		owners = append(owners, ex.ID)
	}
	if _, err := s.tables[exTable].DeleteMany(ctx, bson.M{"message_row_id": id}); err != nil {
		return err
	}
	_, err = s.retry.DeleteMany(ctx, bson.M{"message_id": bson.M{"$in": owners}})
	return err
}

func (s *Store) loadBody(ctx context.Context, doc *messageDoc) (*storage.MessageRow, error) {
	row := doc.MessageRow
	if doc.BodyRef.IsZero() {
		return &row, nil
	}
	stream, err := s.bodies.OpenDownloadStream(doc.BodyRef)
	if err != nil {
		return nil, fmt.Errorf("opening body stream: %w", err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(deadline)
	}
	row.Body, err = io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return &row, nil
}

func (s *Store) deleteBody(ref primitive.ObjectID) {
	if ref.IsZero() {
		return
	}
	if err := s.bodies.Delete(ref); err != nil {
		s.logger.Warn("failed to delete stored body", "body_ref", ref.Hex(), "error", err)
	}
}

// ExceptionStore implementation

func (s *Store) InsertException(ctx context.Context, table storage.Table, row *storage.ExceptionRow) error {
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
	now := s.now().UTC()
	row.InsertedAt, row.ModifiedAt = now, now
	_, err := s.tables[table].InsertOne(ctx, row)
	return err
}

func (s *Store) GetException(ctx context.Context, table storage.Table, id string) (*storage.ExceptionRow, error) {
	if !table.IsExceptionTable() {
		return nil, fmt.Errorf("%w: %q is not an exception table", storage.ErrInvalidArgument, table)
	}
	var row storage.ExceptionRow
	err := s.tables[table].FindOne(ctx, bson.M{"_id": id}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) ListExceptions(ctx context.Context, table storage.Table, limit int) ([]*storage.ExceptionRow, error) {
	if !table.IsExceptionTable() {
		return nil, fmt.Errorf("%w: %q is not an exception table", storage.ErrInvalidArgument, table)
	}
	if limit <= 0 {
		limit = 100
	}
	cur, err := s.tables[table].Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "inserted_at", Value: -1}, {Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var rows []*storage.ExceptionRow
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// RecordStore implementation

type recordDoc struct {
	ID           string    `bson:"_id"`
	MessageID    string    `bson:"message_id"`
	Kind         string    `bson:"kind"`
	CurrentRetry int       `bson:"current_retry"`
	MaxRetry     int       `bson:"max_retry"`
	Interval     int64     `bson:"retry_interval"`
	LastAttempt  time.Time `bson:"last_attempt,omitempty"`
	NotBefore    time.Time `bson:"not_before"`
	Status       string    `bson:"status"`
}

func toRecordDoc(r *reliability.Record) recordDoc {
	return recordDoc{
		ID:           r.ID,
		MessageID:    r.MessageID,
		Kind:         string(r.Kind),
		CurrentRetry: r.CurrentRetry,
		MaxRetry:     r.MaxRetry,
		Interval:     int64(r.Interval),
		LastAttempt:  r.LastAttempt.UTC(),
		NotBefore:    r.NotBefore.UTC(),
		Status:       string(r.Status),
	}
}

func (d recordDoc) record() *reliability.Record {
	return &reliability.Record{
		ID:           d.ID,
		MessageID:    d.MessageID,
		Kind:         reliability.Kind(d.Kind),
		CurrentRetry: d.CurrentRetry,
		MaxRetry:     d.MaxRetry,
		Interval:     time.Duration(d.Interval),
		LastAttempt:  d.LastAttempt,
		NotBefore:    d.NotBefore,
		Status:       reliability.Status(d.Status),
	}
}

// ownerTable is the collection holding the row a record belongs to.
func ownerTable(kind reliability.Kind) (storage.Table, error) {
	switch kind {
	case reliability.KindOutbound:
		return storage.TableOutMessages, nil
	case reliability.KindInboundException:
		return storage.TableInExceptions, nil
	}
	return "", fmt.Errorf("%w: unknown retry kind %q", storage.ErrInvalidArgument, kind)
}

func (s *Store) InsertRetryRecord(ctx context.Context, r *reliability.Record) error {
	owner, err := ownerTable(r.Kind)
	if err != nil {
		return err
	}
	n, err := s.tables[owner].CountDocuments(ctx, bson.M{"_id": r.MessageID})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no owning row %s", storage.ErrNotFound, r.MessageID)
	}
	_, err = s.retry.InsertOne(ctx, toRecordDoc(r))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: retry record for %s", storage.ErrDuplicate, r.MessageID)
	}
	return err
}

func (s *Store) GetRetryRecord(ctx context.Context, id string) (*reliability.Record, error) {
	var doc recordDoc
	err := s.retry.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", reliability.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return doc.record(), nil
}

func (s *Store) FindRetryRecord(ctx context.Context, messageID string) (*reliability.Record, error) {
	var doc recordDoc
	err := s.retry.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: message %s", reliability.ErrRecordNotFound, messageID)
	}
	if err != nil {
		return nil, err
	}
	return doc.record(), nil
}

// UpdateRetryRecord replaces the record while its stored status and retry
// count still match prev.
func (s *Store) UpdateRetryRecord(ctx context.Context, prev, next *reliability.Record) error {
	res, err := s.retry.ReplaceOne(ctx, bson.M{
		"_id":           next.ID,
		"status":        string(prev.Status),
		"current_retry": prev.CurrentRetry,
	}, toRecordDoc(next))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", reliability.ErrRecordConflict, next.ID)
	}
	return nil
}

func (s *Store) ListRetryRecords(ctx context.Context, status reliability.Status, before time.Time, limit int) ([]*reliability.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := s.retry.Find(ctx,
		bson.M{"status": string(status), "not_before": bson.M{"$lte": before.UTC()}},
		options.Find().SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*reliability.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

// JournalExhausted records the failure for operators. An exhausted outbound
// message gets an out exception and is dead-lettered; an exhausted inbound
// exception is dead-lettered with the reason appended.
func (s *Store) JournalExhausted(ctx context.Context, r *reliability.Record, reason string) error {
	code := reliability.ExhaustionCode(r.Kind)
	text := fmt.Sprintf("%s %s: gave up after %d retries: %s", code.Code, code.ShortDescription, r.CurrentRetry, reason)
	now := s.now().UTC()

	switch r.Kind {
	case reliability.KindOutbound:
		msg, err := s.GetMessage(ctx, storage.TableOutMessages, r.MessageID)
		if err != nil {
			return err
		}
		if err := s.InsertException(ctx, storage.TableOutExceptions, &storage.ExceptionRow{
			MessageRowID:       msg.ID,
			EbmsRefToMessageID: msg.EbmsMessageID,
			Exception:          text,
		}); err != nil {
			return err
		}
		_, err = s.tables[storage.TableOutMessages].UpdateOne(ctx, bson.M{"_id": msg.ID},
			bson.M{"$set": bson.M{"operation": storage.OperationDeadLettered, "modified_at": now}})
		if err != nil {
			return err
		}
	case reliability.KindInboundException:
		ex, err := s.GetException(ctx, storage.TableInExceptions, r.MessageID)
		if err != nil {
			return err
		}
		_, err = s.tables[storage.TableInExceptions].UpdateOne(ctx, bson.M{"_id": ex.ID},
			bson.M{"$set": bson.M{
				"operation":   storage.OperationDeadLettered,
				"exception":   ex.Exception + "\n" + text,
				"modified_at": now,
			}})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown retry kind %q", storage.ErrInvalidArgument, r.Kind)
	}
	s.logger.Warn("retry record journaled", "record_id", r.ID, "kind", r.Kind, "owner", r.MessageID)
	return nil
}
