package database

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docdb-transfer/internal/transfer"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeCollection applies bulk writes to an in-memory id set the way the
// server reports them.
type fakeCollection struct {
	mu    sync.Mutex
	ids   map[string]bool
	calls []int

	// fail runs before a call is applied; a non-nil error is returned as is.
	fail func(call int, models []mongo.WriteModel) error
	// throttleOnce ids are rejected with a throttling write error the first
	// time they are written.
	throttleOnce map[any]bool
	// hidden ids exist but are not returned by Find, like documents a
	// concurrent writer inserted after the lookup.
	hidden map[any]bool
}

func newFakeCollection(existing ...any) *fakeCollection {
	f := &fakeCollection{ids: make(map[string]bool), throttleOnce: map[any]bool{}, hidden: map[any]bool{}}
	for _, id := range existing {
		f.ids[idKey(id)] = true
	}
	return f
}

func (f *fakeCollection) BulkWrite(_ context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.calls)
	f.calls = append(f.calls, len(models))
	if f.fail != nil {
		if err := f.fail(call, models); err != nil {
			return nil, err
		}
	}
	ordered := true
	for _, o := range opts {
		if o != nil && o.Ordered != nil {
			ordered = *o.Ordered
		}
	}

	res := &mongo.BulkWriteResult{}
	var bwe mongo.BulkWriteException
	for i, m := range models {
		var werr *mongo.WriteError
		switch m := m.(type) {
		case *mongo.InsertOneModel:
			id := lookupID(m.Document)
			switch {
			case f.throttleOnce[id]:
				delete(f.throttleOnce, id)
				werr = &mongo.WriteError{Index: i, Code: 16500, Message: "Request rate is large"}
			case f.ids[idKey(id)]:
				werr = &mongo.WriteError{Index: i, Code: 11000, Message: "E11000 duplicate key error"}
			default:
				f.ids[idKey(id)] = true
				res.InsertedCount++
			}
		case *mongo.ReplaceOneModel:
			id := lookupID(m.Filter)
			switch {
			case f.throttleOnce[id]:
				delete(f.throttleOnce, id)
				werr = &mongo.WriteError{Index: i, Code: 16500, Message: "Request rate is large"}
			case f.ids[idKey(id)]:
				res.MatchedCount++
				res.ModifiedCount++
			default:
				f.ids[idKey(id)] = true
				res.UpsertedCount++
			}
		}
		if werr != nil {
			bwe.WriteErrors = append(bwe.WriteErrors, mongo.BulkWriteError{WriteError: *werr, Request: m})
			if ordered {
				break
			}
		}
	}
	if len(bwe.WriteErrors) > 0 {
		return res, bwe
	}
	return res, nil
}

func (f *fakeCollection) Find(_ context.Context, filter interface{}, _ ...*options.FindOptions) (*mongo.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := filter.(bson.D)[0].Value.(bson.D)[0].Value.(bson.A)
	var found []interface{}
	for _, id := range in {
		if f.ids[idKey(id)] && !f.hidden[id] {
			found = append(found, bson.D{{Key: "_id", Value: id}})
		}
	}
	return mongo.NewCursorFromDocuments(found, nil, nil)
}

func (f *fakeCollection) has(id any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[idKey(id)]
}

func (f *fakeCollection) callSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func lookupID(doc interface{}) any {
	for _, e := range doc.(bson.D) {
		if e.Key == "_id" {
			return e.Value
		}
	}
	return nil
}

func fastRetry(retries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), retries)
	}
}

func newTestWriter(coll bulkCollection, strategy transfer.ConflictResolutionStrategy, batch int) *Writer {
	return newWriter(nil, coll, transfer.Namespace{Database: "app", Collection: "users"}, strategy,
		WriterOptions{MaxBatchSize: batch, MaxMemoryMB: 16, NewBackOff: fastRetry(5)}, quietLogger())
}

func TestWriteDocumentsAbortInSubBatches(t *testing.T) {
	coll := newFakeCollection()
	w := newTestWriter(coll, transfer.Abort, 10)

	var progress []int64
	res, err := w.WriteDocuments(context.Background(), chunkOf(25), transfer.WriteOptions{
		Progress: func(p transfer.ProgressDetails) { progress = append(progress, p.ProcessedCount) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.InsertedCount)
	assert.Equal(t, int64(25), res.ProcessedCount)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []int{10, 10, 5}, coll.callSizes())
	assert.Equal(t, []int64{10, 10, 5}, progress)
}

func TestWriteDocumentsAbortStopsAtFirstConflict(t *testing.T) {
	coll := newFakeCollection(13)
	w := newTestWriter(coll, transfer.Abort, 10)

	res, err := w.WriteDocuments(context.Background(), chunkOf(30), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(13), res.InsertedCount)
	assert.Equal(t, int64(13), res.ProcessedCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 13, res.Errors[0].DocumentID)

	var we mongo.WriteError
	require.True(t, errors.As(res.Errors[0].Err, &we))
	assert.Equal(t, 11000, we.Code)
	assert.Equal(t, []int{10, 10}, coll.callSizes(), "no chunk is written after the failed one")
	assert.False(t, coll.has(14))
}

func TestWriteDocumentsSkipCountsExistingAndRaces(t *testing.T) {
	coll := newFakeCollection(2, 5)
	coll.hidden[5] = true
	w := newTestWriter(coll, transfer.Skip, 8)

	res, err := w.WriteDocuments(context.Background(), chunkOf(8), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.InsertedCount)
	assert.Equal(t, int64(2), res.SkippedCount)
	assert.Equal(t, int64(8), res.ProcessedCount)
	require.Len(t, res.Errors, 2)
	assert.ElementsMatch(t, []any{2, 5}, []any{res.Errors[0].DocumentID, res.Errors[1].DocumentID})
	for _, e := range res.Errors {
		assert.ErrorIs(t, e.Err, ErrDocumentExists)
	}
	assert.Equal(t, []int{7}, coll.callSizes(), "the known duplicate is never sent")
}

func TestWriteDocumentsSkipContinuesAfterErrors(t *testing.T) {
	coll := newFakeCollection(1, 12)
	w := newTestWriter(coll, transfer.Skip, 5)

	res, err := w.WriteDocuments(context.Background(), chunkOf(15), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(13), res.InsertedCount)
	assert.Equal(t, int64(2), res.SkippedCount)
	assert.Equal(t, int64(15), res.ProcessedCount)
	assert.True(t, coll.has(14))
}

func TestWriteDocumentsOverwriteCounts(t *testing.T) {
	coll := newFakeCollection(1, 3)
	w := newTestWriter(coll, transfer.Overwrite, 10)

	var got transfer.ProgressDetails
	res, err := w.WriteDocuments(context.Background(), chunkOf(5), transfer.WriteOptions{
		Progress: func(p transfer.ProgressDetails) { got = p },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.MatchedCount)
	assert.Equal(t, int64(3), res.UpsertedCount)
	assert.Equal(t, int64(5), res.ProcessedCount)
	assert.Zero(t, res.InsertedCount)
	assert.Equal(t, transfer.ProgressDetails{ProcessedCount: 5, MatchedCount: 2, UpsertedCount: 3}, got)
}

func TestWriteDocumentsGenerateNewIds(t *testing.T) {
	coll := newFakeCollection(0, 1, 2)
	w := newTestWriter(coll, transfer.GenerateNewIds, 10)

	res, err := w.WriteDocuments(context.Background(), chunkOf(3), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.InsertedCount)
	assert.Empty(t, res.Errors)
	assert.Len(t, coll.ids, 6)
}

func TestWriteDocumentsRequeuesThrottledRemainder(t *testing.T) {
	coll := newFakeCollection()
	coll.throttleOnce[4] = true
	w := newTestWriter(coll, transfer.Abort, 8)

	res, err := w.WriteDocuments(context.Background(), chunkOf(10), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.InsertedCount)
	assert.Empty(t, res.Errors)
	// 0-3 land, 4-7 are retried at the halved size, then 8-9
	assert.Equal(t, []int{8, 4, 2}, coll.callSizes())
	assert.Equal(t, 4, w.BufferConstraints().OptimalDocumentCount)
	for i := 0; i < 10; i++ {
		assert.True(t, coll.has(i), i)
	}
}

func TestWriteDocumentsRetriesThrottledDocumentsUnordered(t *testing.T) {
	coll := newFakeCollection()
	coll.throttleOnce[1] = true
	coll.throttleOnce[3] = true
	w := newTestWriter(coll, transfer.Overwrite, 6)

	res, err := w.WriteDocuments(context.Background(), chunkOf(6), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.UpsertedCount)
	assert.Equal(t, int64(6), res.ProcessedCount)
	// only the two rejected documents are sent again
	assert.Equal(t, []int{6, 2}, coll.callSizes())
}

func TestWriteDocumentsGivesUpWhenThrottlingPersists(t *testing.T) {
	coll := newFakeCollection()
	throttled := mongo.CommandError{Code: 16500, Message: "Request rate is large"}
	coll.fail = func(int, []mongo.WriteModel) error { return throttled }
	w := newWriter(nil, coll, transfer.Namespace{Database: "app", Collection: "users"}, transfer.Abort,
		WriterOptions{MaxBatchSize: 10, NewBackOff: fastRetry(2)}, quietLogger())

	res, err := w.WriteDocuments(context.Background(), chunkOf(10), transfer.WriteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still throttled")
	var ce mongo.CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int32(16500), ce.Code)
	assert.Zero(t, res.ProcessedCount)
	assert.Equal(t, []int{10, 5, 2}, coll.callSizes())
	assert.Equal(t, 1, w.BufferConstraints().OptimalDocumentCount)
}

func TestWriteDocumentsFatalError(t *testing.T) {
	coll := newFakeCollection()
	coll.fail = func(call int, _ []mongo.WriteModel) error {
		if call == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	w := newTestWriter(coll, transfer.Abort, 5)

	res, err := w.WriteDocuments(context.Background(), chunkOf(12), transfer.WriteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Equal(t, int64(5), res.InsertedCount, "the chunk written before the failure is reported")
}

func TestWriteDocumentsCancelled(t *testing.T) {
	coll := newFakeCollection()
	w := newTestWriter(coll, transfer.Abort, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := w.WriteDocuments(ctx, chunkOf(12), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.ProcessedCount)
	assert.Empty(t, coll.callSizes())
}

func TestBulkWriteFallsBackToSerialWhenTooLarge(t *testing.T) {
	coll := newFakeCollection()
	coll.fail = func(call int, _ []mongo.WriteModel) error {
		if call == 0 {
			return errors.New("BSONObj size: 17825792 (0x1100000) is invalid. Size must be between 0 and 16793600(16MB). object to insert is too large")
		}
		return nil
	}
	w := newTestWriter(coll, transfer.Abort, 10)

	res, err := w.WriteDocuments(context.Background(), chunkOf(3), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.InsertedCount)
	assert.Equal(t, []int{3, 1, 1, 1}, coll.callSizes())
}

func TestBulkWriteSerialFallbackKeepsOrderedSemantics(t *testing.T) {
	coll := newFakeCollection(1)
	coll.fail = func(call int, _ []mongo.WriteModel) error {
		if call == 0 {
			return errors.New("message is too large")
		}
		return nil
	}
	w := newTestWriter(coll, transfer.Abort, 10)

	res, err := w.WriteDocuments(context.Background(), chunkOf(3), transfer.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.InsertedCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].DocumentID)
	assert.Equal(t, []int{3, 1, 1}, coll.callSizes(), "ordered writes stop at the failed document")
	assert.False(t, coll.has(2))
}
