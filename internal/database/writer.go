package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docdb-transfer/internal/transfer"
)

// ErrDocumentExists is reported for documents skipped because their _id is
// already present in the target.
var ErrDocumentExists = errors.New("document with this _id already exists")

type WriterOptions struct {
	MaxBatchSize int
	MaxMemoryMB  float64
	// NewBackOff returns the retry policy used while throttled.
	NewBackOff func() backoff.BackOff
}

// bulkCollection is the part of *mongo.Collection the write path uses.
type bulkCollection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// Writer writes batches into one collection with a conflict resolution
// strategy. The batch size adapts to server throttling.
type Writer struct {
	db       *mongo.Database
	coll     bulkCollection
	ns       transfer.Namespace
	strategy transfer.ConflictResolutionStrategy
	opts     WriterOptions
	sizer    *batchSizer
	log      logrus.FieldLogger
}

func NewWriter(client *mongo.Client, ns transfer.Namespace, strategy transfer.ConflictResolutionStrategy, opts WriterOptions, log logrus.FieldLogger) *Writer {
	db := client.Database(ns.Database)
	return newWriter(db, db.Collection(ns.Collection), ns, strategy, opts, log)
}

func newWriter(db *mongo.Database, coll bulkCollection, ns transfer.Namespace, strategy transfer.ConflictResolutionStrategy, opts WriterOptions, log logrus.FieldLogger) *Writer {
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return b
		}
	}
	return &Writer{
		db:       db,
		coll:     coll,
		ns:       ns,
		strategy: strategy,
		opts:     opts,
		sizer:    newBatchSizer(opts.MaxBatchSize),
		log:      log.WithField("namespace", ns.String()),
	}
}

func (w *Writer) EnsureCollectionExists(ctx context.Context) error {
	names, err := w.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: w.ns.Collection}})
	if err != nil {
		return fmt.Errorf("list collections of %s: %w", w.ns.Database, err)
	}
	if len(names) > 0 {
		return nil
	}
	err = w.db.CreateCollection(ctx, w.ns.Collection)
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == 48 {
		// created concurrently
		return nil
	}
	if err != nil {
		return fmt.Errorf("create collection %s: %w", w.ns, err)
	}
	w.log.Infof("Created target collection %s", w.ns)
	return nil
}

// BufferConstraints returns the live batch size, which shrinks while the
// server throttles.
func (w *Writer) BufferConstraints() transfer.BufferConstraints {
	return transfer.BufferConstraints{
		OptimalDocumentCount: w.sizer.size(),
		MaxMemoryMB:          w.opts.MaxMemoryMB,
	}
}

// WriteDocuments writes docs in sub-batches of the live batch size. A
// cancelled ctx ends the call early with the work done so far and no error.
func (w *Writer) WriteDocuments(ctx context.Context, docs []transfer.DocumentDetails, opts transfer.WriteOptions) (*transfer.WriteResult, error) {
	res := &transfer.WriteResult{}
	retry := backoff.WithContext(w.opts.NewBackOff(), ctx)
	remaining := docs

	for len(remaining) > 0 {
		if ctx.Err() != nil {
			return res, nil
		}
		n := min(w.sizer.size(), len(remaining))
		chunk, rest := remaining[:n], remaining[n:]

		out, err := w.writeChunk(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return res, nil
			}
			return res, err
		}

		mergeResult(res, out.result)
		if opts.Progress != nil && out.result.ProcessedCount > 0 {
			opts.Progress(progressOf(out.result))
		}
		if len(out.result.Errors) > 0 && (w.strategy == transfer.Abort || w.strategy == transfer.Overwrite) {
			// abort and overwrite stop at the first failed chunk
			return res, nil
		}

		if len(out.retry) == 0 {
			w.sizer.succeeded()
			retry.Reset()
			remaining = rest
			continue
		}

		size := w.sizer.throttled()
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return res, nil
			}
			return res, fmt.Errorf("writes to %s still throttled, giving up: %w", w.ns, out.throttleErr)
		}
		w.log.Warnf("Throttled writing to %s, batch size reduced to %d, retrying %d documents in %s",
			w.ns, size, len(out.retry), wait.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(wait):
		}
		remaining = append(append([]transfer.DocumentDetails(nil), out.retry...), rest...)
	}
	return res, nil
}

type chunkOutcome struct {
	result      transfer.WriteResult
	retry       []transfer.DocumentDetails
	throttleErr error
}

func (w *Writer) writeChunk(ctx context.Context, chunk []transfer.DocumentDetails) (chunkOutcome, error) {
	switch w.strategy {
	case transfer.Abort:
		return w.insert(ctx, chunk, true)
	case transfer.Skip:
		return w.insertMissing(ctx, chunk)
	case transfer.Overwrite:
		return w.replace(ctx, chunk)
	case transfer.GenerateNewIds:
		renamed := make([]transfer.DocumentDetails, 0, len(chunk))
		var out chunkOutcome
		for _, d := range chunk {
			doc, id, err := withNewID(d.Document)
			if err != nil {
				out.result.Errors = append(out.result.Errors, transfer.WriteError{DocumentID: d.ID, Err: err})
				continue
			}
			renamed = append(renamed, transfer.DocumentDetails{ID: id, Document: doc})
		}
		inserted, err := w.insert(ctx, renamed, false)
		inserted.result.Errors = append(out.result.Errors, inserted.result.Errors...)
		return inserted, err
	default:
		return chunkOutcome{}, fmt.Errorf("unsupported strategy %q", w.strategy)
	}
}

func (w *Writer) insert(ctx context.Context, chunk []transfer.DocumentDetails, ordered bool) (chunkOutcome, error) {
	var out chunkOutcome
	if len(chunk) == 0 {
		return out, nil
	}
	models := make([]mongo.WriteModel, len(chunk))
	for i, d := range chunk {
		models[i] = mongo.NewInsertOneModel().SetDocument(d.Document)
	}

	bw, err := w.bulkWrite(ctx, models, ordered)
	if bw != nil {
		out.result.InsertedCount = bw.InsertedCount
		out.result.ProcessedCount = bw.InsertedCount
	}
	failures, retry, fatal := classifyBulkError(err, chunk, ordered)
	if fatal != nil {
		return out, fatal
	}
	out.retry = retry
	if len(retry) > 0 {
		out.throttleErr = err
	}
	for _, f := range failures {
		out.result.Errors = append(out.result.Errors, transfer.WriteError{DocumentID: f.doc.ID, Err: f.err})
	}
	return out, nil
}

// insertMissing skips documents whose _id already exists in the target and
// inserts the rest. Duplicate keys raised by concurrent writers are skipped
// the same way.
func (w *Writer) insertMissing(ctx context.Context, chunk []transfer.DocumentDetails) (chunkOutcome, error) {
	existing, err := w.existingIDs(ctx, chunk)
	if err != nil {
		if isThrottleError(err) {
			return chunkOutcome{retry: chunk, throttleErr: err}, nil
		}
		return chunkOutcome{}, err
	}

	var (
		out     chunkOutcome
		missing []transfer.DocumentDetails
	)
	for _, d := range chunk {
		if existing[idKey(d.ID)] {
			out.result.SkippedCount++
			out.result.ProcessedCount++
			out.result.Errors = append(out.result.Errors, transfer.WriteError{DocumentID: d.ID, Err: ErrDocumentExists})
			continue
		}
		missing = append(missing, d)
	}

	inserted, err := w.insert(ctx, missing, false)
	if err != nil {
		return out, err
	}
	out.result.InsertedCount += inserted.result.InsertedCount
	out.result.ProcessedCount += inserted.result.ProcessedCount
	out.retry = inserted.retry
	out.throttleErr = inserted.throttleErr
	for _, e := range inserted.result.Errors {
		var we mongo.WriteError
		if errors.As(e.Err, &we) && isDuplicateKeyCode(we.Code) {
			out.result.SkippedCount++
			out.result.ProcessedCount++
			e.Err = ErrDocumentExists
		}
		out.result.Errors = append(out.result.Errors, e)
	}
	return out, nil
}

func (w *Writer) existingIDs(ctx context.Context, chunk []transfer.DocumentDetails) (map[string]bool, error) {
	ids := make(bson.A, len(chunk))
	for i, d := range chunk {
		ids[i] = d.ID
	}
	cur, err := w.coll.Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("look up existing ids in %s: %w", w.ns, err)
	}
	defer cur.Close(ctx)

	found := make(map[string]bool)
	for cur.Next(ctx) {
		found[idKey(cur.Current.Lookup("_id"))] = true
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("look up existing ids in %s: %w", w.ns, err)
	}
	return found, nil
}

func (w *Writer) replace(ctx context.Context, chunk []transfer.DocumentDetails) (chunkOutcome, error) {
	var out chunkOutcome
	models := make([]mongo.WriteModel, len(chunk))
	for i, d := range chunk {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: d.ID}}).
			SetReplacement(d.Document).
			SetUpsert(true)
	}

	bw, err := w.bulkWrite(ctx, models, false)
	if bw != nil {
		out.result.MatchedCount = bw.MatchedCount
		out.result.UpsertedCount = bw.UpsertedCount
		out.result.ProcessedCount = bw.MatchedCount + bw.UpsertedCount
	}
	failures, retry, fatal := classifyBulkError(err, chunk, false)
	if fatal != nil {
		return out, fatal
	}
	out.retry = retry
	if len(retry) > 0 {
		out.throttleErr = err
	}
	for _, f := range failures {
		out.result.Errors = append(out.result.Errors, transfer.WriteError{DocumentID: f.doc.ID, Err: f.err})
	}
	return out, nil
}

// bulkWrite falls back to one document per request when the batch exceeds
// the server's message size.
func (w *Writer) bulkWrite(ctx context.Context, models []mongo.WriteModel, ordered bool) (*mongo.BulkWriteResult, error) {
	opts := options.BulkWrite().SetOrdered(ordered)
	res, err := w.coll.BulkWrite(ctx, models, opts)
	if err == nil || !strings.Contains(err.Error(), "is too large") {
		return res, err
	}

	w.log.Warnf("BulkWrite of %d documents to %s failed: %v. Trying serial push instead.", len(models), w.ns, err)
	total := &mongo.BulkWriteResult{}
	var writeErrors []mongo.BulkWriteError
	for i, m := range models {
		r, err := w.coll.BulkWrite(ctx, []mongo.WriteModel{m}, opts)
		if r != nil {
			total.InsertedCount += r.InsertedCount
			total.MatchedCount += r.MatchedCount
			total.ModifiedCount += r.ModifiedCount
			total.UpsertedCount += r.UpsertedCount
		}
		if err == nil {
			continue
		}
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) {
			return total, fmt.Errorf("failed to push document %d: %w", i, err)
		}
		for _, we := range bwe.WriteErrors {
			we.Index = i
			writeErrors = append(writeErrors, we)
		}
		if ordered {
			break
		}
	}
	if len(writeErrors) > 0 {
		return total, mongo.BulkWriteException{WriteErrors: writeErrors}
	}
	return total, nil
}

type docFailure struct {
	doc transfer.DocumentDetails
	err error
}

// classifyBulkError sorts a bulk write error into per-document failures and
// documents to retry after throttling. Anything else is fatal.
func classifyBulkError(err error, chunk []transfer.DocumentDetails, ordered bool) (failures []docFailure, retry []transfer.DocumentDetails, fatal error) {
	if err == nil {
		return nil, nil, nil
	}
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		if isThrottleError(err) {
			return nil, chunk, nil
		}
		return nil, nil, err
	}
	if len(bwe.WriteErrors) == 0 {
		if isThrottleError(err) {
			return nil, chunk, nil
		}
		return nil, nil, err
	}

	for _, we := range bwe.WriteErrors {
		if we.Index < 0 || we.Index >= len(chunk) {
			return nil, nil, err
		}
		if isThrottleCode(we.Code) || isThrottleMessage(we.Message) {
			if ordered {
				retry = append(retry, chunk[we.Index:]...)
				break
			}
			retry = append(retry, chunk[we.Index])
			continue
		}
		failures = append(failures, docFailure{doc: chunk[we.Index], err: we.WriteError})
		if ordered {
			break
		}
	}
	return failures, retry, nil
}

// withNewID copies doc with its _id replaced by a fresh ObjectID.
func withNewID(doc any) (bson.D, primitive.ObjectID, error) {
	id := primitive.NewObjectID()
	out, err := transfer.ReplaceID(doc, id)
	if err != nil {
		return nil, primitive.NilObjectID, err
	}
	return out, id, nil
}

// idKey gives ids read from the source and ids read back from the target the
// same map key.
func idKey(id any) string {
	if rv, ok := id.(bson.RawValue); ok {
		return rv.String()
	}
	typ, data, err := bson.MarshalValue(id)
	if err != nil {
		return fmt.Sprint(id)
	}
	return bson.RawValue{Type: typ, Value: data}.String()
}

func mergeResult(dst *transfer.WriteResult, src transfer.WriteResult) {
	dst.ProcessedCount += src.ProcessedCount
	dst.InsertedCount += src.InsertedCount
	dst.SkippedCount += src.SkippedCount
	dst.MatchedCount += src.MatchedCount
	dst.UpsertedCount += src.UpsertedCount
	dst.Errors = append(dst.Errors, src.Errors...)
}

func progressOf(r transfer.WriteResult) transfer.ProgressDetails {
	return transfer.ProgressDetails{
		ProcessedCount: r.ProcessedCount,
		InsertedCount:  r.InsertedCount,
		SkippedCount:   r.SkippedCount,
		MatchedCount:   r.MatchedCount,
		UpsertedCount:  r.UpsertedCount,
	}
}
