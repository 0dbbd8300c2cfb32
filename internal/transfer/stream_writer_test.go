package transfer_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"docdb-transfer/internal/transfer"
	"docdb-transfer/internal/transfer/memdoc"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func makeDocs(from, to int) []transfer.DocumentDetails {
	docs := make([]transfer.DocumentDetails, 0, to-from+1)
	for i := from; i <= to; i++ {
		docs = append(docs, transfer.DocumentDetails{
			ID:       i,
			Document: bson.D{{Key: "_id", Value: i}, {Key: "value", Value: i * 10}},
		})
	}
	return docs
}

func defaultConstraints(count int) transfer.BufferConstraints {
	return transfer.BufferConstraints{OptimalDocumentCount: count, MaxMemoryMB: 24}
}

func stream(t *testing.T, w transfer.DocumentWriter, s transfer.ConflictResolutionStrategy,
	docs []transfer.DocumentDetails, opts transfer.StreamOptions) (transfer.StreamWriteResult, error) {
	t.Helper()
	sw := transfer.NewStreamDocumentWriter(w, quietLogger())
	return sw.StreamDocuments(context.Background(),
		transfer.StreamWriterConfig{ConflictResolutionStrategy: s}, memdoc.NewStream(docs), opts)
}

func TestStreamEmpty(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(10))

	res, err := stream(t, w, transfer.Abort, nil, transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, transfer.StreamWriteResult{}, res)
	assert.Empty(t, w.BatchSizes())
}

func TestStreamUnknownStrategy(t *testing.T) {
	w := memdoc.NewWriter(memdoc.NewCollection(), transfer.Abort, defaultConstraints(10))
	_, err := stream(t, w, "merge", makeDocs(1, 3), transfer.StreamOptions{})
	assert.Error(t, err)
	assert.Empty(t, w.BatchSizes())
}

func TestStreamFlushesByCount(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(3))

	res, err := stream(t, w, transfer.Abort, makeDocs(1, 10), transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 3, 1}, w.BatchSizes())
	assert.Equal(t, 4, res.FlushCount)
	assert.Equal(t, int64(10), res.TotalProcessed)
	assert.Equal(t, res.TotalProcessed, res.InsertedCount)
	assert.Equal(t, 10, target.Len())
}

func TestStreamLargeMultiFlush(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(500))

	res, err := stream(t, w, transfer.Abort, makeDocs(1, 1500), transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Greater(t, res.FlushCount, 1)
	assert.Equal(t, int64(1500), res.TotalProcessed)
	assert.Equal(t, int64(1500), res.InsertedCount)
	assert.Equal(t, 1500, target.Len())
}

func TestStreamFlushesByMemory(t *testing.T) {
	docs := makeDocs(1, 6)
	size := transfer.EstimateDocumentSize(docs[0].Document)
	target := memdoc.NewCollection()
	// two documents fill the memory budget well before the count limit
	w := memdoc.NewWriter(target, transfer.Abort, transfer.BufferConstraints{
		OptimalDocumentCount: 100,
		MaxMemoryMB:          float64(size*2) / (1024 * 1024),
	})

	res, err := stream(t, w, transfer.Abort, docs, transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, w.BatchSizes())
	assert.Equal(t, int64(6), res.TotalProcessed)
}

func TestStreamOversizedDocumentWrittenAlone(t *testing.T) {
	docs := makeDocs(1, 3)
	size := transfer.EstimateDocumentSize(docs[0].Document)
	big := transfer.DocumentDetails{ID: 99, Document: bson.D{{Key: "_id", Value: 99}, {Key: "blob", Value: string(make([]byte, size*4))}}}
	docs = []transfer.DocumentDetails{docs[0], docs[1], big, docs[2]}

	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Abort, transfer.BufferConstraints{
		OptimalDocumentCount: 100,
		MaxMemoryMB:          float64(size*3) / (1024 * 1024),
	})

	res, err := stream(t, w, transfer.Abort, docs, transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 1}, w.BatchSizes(), "buffer is flushed before the oversized document")
	assert.Equal(t, int64(4), res.TotalProcessed)
	assert.True(t, target.Has(99))
}

func TestStreamConstraintsShrinkMidStream(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(10))
	w.BeforeWrite = func(call int, _ []transfer.DocumentDetails) error {
		if call == 0 {
			// simulate a throttle response
			w.SetConstraints(defaultConstraints(4))
		}
		return nil
	}

	res, err := stream(t, w, transfer.Abort, makeDocs(1, 30), transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 4, 4, 4, 4, 4}, w.BatchSizes())
	assert.Equal(t, int64(30), res.TotalProcessed)
}

func TestStreamSkipScenario(t *testing.T) {
	target := memdoc.NewCollection()
	for _, id := range []int{10, 20, 30} {
		target.Put(id, bson.D{{Key: "_id", Value: id}, {Key: "existing", Value: true}})
	}
	w := memdoc.NewWriter(target, transfer.Skip, defaultConstraints(500))

	var reported []any
	res, err := stream(t, w, transfer.Skip, makeDocs(1, 50), transfer.StreamOptions{
		OnDocumentError: func(e transfer.WriteError) { reported = append(reported, e.DocumentID) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(47), res.InsertedCount)
	assert.Equal(t, int64(3), res.SkippedCount)
	assert.Equal(t, res.TotalProcessed, res.InsertedCount+res.SkippedCount)
	assert.Equal(t, 50, target.Len())
	assert.ElementsMatch(t, []any{10, 20, 30}, reported)

	doc, _ := target.Get(20)
	assert.Contains(t, doc.(bson.D), bson.E{Key: "existing", Value: true})
}

func TestStreamOverwriteScenario(t *testing.T) {
	target := memdoc.NewCollection()
	for _, id := range []int{10, 20, 30} {
		target.Put(id, bson.D{{Key: "_id", Value: id}, {Key: "existing", Value: true}})
	}
	w := memdoc.NewWriter(target, transfer.Overwrite, defaultConstraints(500))

	res, err := stream(t, w, transfer.Overwrite, makeDocs(1, 50), transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.MatchedCount)
	assert.Equal(t, int64(47), res.UpsertedCount)
	assert.Equal(t, res.TotalProcessed, res.MatchedCount+res.UpsertedCount)
	assert.Equal(t, 50, target.Len())

	doc, _ := target.Get(20)
	assert.NotContains(t, doc.(bson.D), bson.E{Key: "existing", Value: true})
}

func TestStreamGenerateNewIds(t *testing.T) {
	target := memdoc.NewCollection()
	for _, id := range []int{1, 2} {
		target.Put(id, bson.D{{Key: "_id", Value: id}})
	}
	w := memdoc.NewWriter(target, transfer.GenerateNewIds, defaultConstraints(4))

	res, err := stream(t, w, transfer.GenerateNewIds, makeDocs(1, 10), transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.InsertedCount)
	assert.Equal(t, res.TotalProcessed, res.InsertedCount)
	assert.Equal(t, 12, target.Len())
}

func TestStreamAbortOnConflict(t *testing.T) {
	target := memdoc.NewCollection()
	target.Put(25, bson.D{{Key: "_id", Value: 25}})
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(10))

	res, err := stream(t, w, transfer.Abort, makeDocs(1, 50), transfer.StreamOptions{})
	require.Error(t, err)

	var swe *transfer.StreamWriterError
	require.True(t, errors.As(err, &swe))
	assert.ErrorIs(t, err, memdoc.ErrDuplicateKey)
	assert.Equal(t, transfer.Abort, swe.Strategy)
	assert.Greater(t, swe.PartialStats.TotalProcessed, int64(0))
	assert.Less(t, swe.PartialStats.TotalProcessed, int64(50))
	// the failing batch's own successes are included
	assert.Equal(t, int64(24), swe.PartialStats.TotalProcessed)
	assert.Equal(t, swe.PartialStats, res)
	assert.Equal(t, "24 total (24 inserted)", swe.StatsString())
	assert.Len(t, w.BatchSizes(), 3, "no further batches after the failure")
}

func TestStreamOverwriteErrorIsFatal(t *testing.T) {
	target := memdoc.NewCollection()
	w := &erroringWriter{
		inner: memdoc.NewWriter(target, transfer.Overwrite, defaultConstraints(5)),
		errAt: 1,
	}

	_, err := stream(t, w, transfer.Overwrite, makeDocs(1, 20), transfer.StreamOptions{})
	var swe *transfer.StreamWriterError
	require.True(t, errors.As(err, &swe))
	assert.Equal(t, transfer.Overwrite, swe.Strategy)
	assert.Equal(t, int64(10), swe.PartialStats.TotalProcessed)
	assert.Equal(t, 2, w.calls)
}

func TestStreamGenerateNewIdsErrorsContinue(t *testing.T) {
	target := memdoc.NewCollection()
	w := &erroringWriter{
		inner: memdoc.NewWriter(target, transfer.GenerateNewIds, defaultConstraints(5)),
		errAt: 1,
	}

	res, err := stream(t, w, transfer.GenerateNewIds, makeDocs(1, 20), transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.TotalProcessed)
	assert.Equal(t, 4, w.calls)
}

func TestStreamWriterFailureCarriesPartialStats(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Skip, defaultConstraints(5))
	boom := errors.New("connection reset")
	w.BeforeWrite = func(call int, _ []transfer.DocumentDetails) error {
		if call == 2 {
			return boom
		}
		return nil
	}

	_, err := stream(t, w, transfer.Skip, makeDocs(1, 20), transfer.StreamOptions{})
	var swe *transfer.StreamWriterError
	require.True(t, errors.As(err, &swe))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, int64(10), swe.PartialStats.TotalProcessed)
	assert.Equal(t, 2, swe.PartialStats.FlushCount)
}

func TestStreamWriterFailureCountsPartialFlush(t *testing.T) {
	target := memdoc.NewCollection()
	w := &partialWriter{inner: memdoc.NewWriter(target, transfer.Abort, defaultConstraints(5)), failAt: 1, landed: 3}

	_, err := stream(t, w, transfer.Abort, makeDocs(1, 20), transfer.StreamOptions{})
	var swe *transfer.StreamWriterError
	require.True(t, errors.As(err, &swe))
	assert.Contains(t, err.Error(), "socket closed")
	assert.Equal(t, int64(8), swe.PartialStats.TotalProcessed)
	assert.Equal(t, int64(8), swe.PartialStats.InsertedCount)
	assert.Equal(t, 2, swe.PartialStats.FlushCount, "the batch that partially landed is a flush")
	assert.Equal(t, "8 total (8 inserted)", swe.StatsString())
}

func TestStreamReadFailure(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(5))
	src := memdoc.NewStream(makeDocs(1, 20))
	src.FailAt = 12
	src.FailErr = errors.New("cursor killed")

	sw := transfer.NewStreamDocumentWriter(w, quietLogger())
	_, err := sw.StreamDocuments(context.Background(),
		transfer.StreamWriterConfig{ConflictResolutionStrategy: transfer.Abort}, src, transfer.StreamOptions{})

	var swe *transfer.StreamWriterError
	require.True(t, errors.As(err, &swe))
	assert.ErrorIs(t, err, src.FailErr)
	assert.Contains(t, err.Error(), "read from source failed: cursor killed")
	assert.Equal(t, int64(10), swe.PartialStats.TotalProcessed)
	assert.Equal(t, 10, target.Len(), "buffered documents are not written after a read failure")
}

func TestStreamCancellation(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	sw := transfer.NewStreamDocumentWriter(w, quietLogger())
	res, err := sw.StreamDocuments(ctx,
		transfer.StreamWriterConfig{ConflictResolutionStrategy: transfer.Abort},
		memdoc.NewStream(makeDocs(1, 100)),
		transfer.StreamOptions{OnProgress: func(int64, string) {
			calls++
			cancel()
		}})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Greater(t, res.TotalProcessed, int64(0))
	assert.Less(t, res.TotalProcessed, int64(100))
	assert.Equal(t, int(res.TotalProcessed), target.Len())
}

func TestStreamCancellationDiscardsBuffer(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(10))

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancelAfter{SliceStream: memdoc.NewStream(makeDocs(1, 15)), n: 15, cancel: cancel}

	sw := transfer.NewStreamDocumentWriter(w, quietLogger())
	res, err := sw.StreamDocuments(ctx,
		transfer.StreamWriterConfig{ConflictResolutionStrategy: transfer.Abort}, src, transfer.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.TotalProcessed)
	assert.Equal(t, 10, target.Len(), "remaining 5 buffered documents are never written")
}

func TestStreamProgressAndTotalsDisagree(t *testing.T) {
	target := memdoc.NewCollection()
	w := &duplicatingWriter{inner: memdoc.NewWriter(target, transfer.Abort, defaultConstraints(5))}

	var reported int64
	var details []string
	m := transfer.Measurements{}
	res, err := stream(t, w, transfer.Abort, makeDocs(1, 12), transfer.StreamOptions{
		OnProgress: func(n int64, d string) {
			reported += n
			details = append(details, d)
		},
		Telemetry: m,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(24), reported, "callbacks double-report during retries")
	assert.Equal(t, int64(12), res.TotalProcessed, "totals come from the writer result")
	assert.Equal(t, int64(12), res.InsertedCount)
	assert.Equal(t, "5 inserted", details[0])
	assert.Equal(t, float64(12), m["totalProcessed"])
	assert.Equal(t, float64(3), m["flushCount"])
}

func TestStreamProgressWithoutWriterCallbacks(t *testing.T) {
	target := memdoc.NewCollection()
	w := &silentWriter{inner: memdoc.NewWriter(target, transfer.Skip, defaultConstraints(4))}
	target.Put(2, bson.D{{Key: "_id", Value: 2}})

	var counts []int64
	var details []string
	_, err := stream(t, w, transfer.Skip, makeDocs(1, 6), transfer.StreamOptions{
		OnProgress: func(n int64, d string) {
			counts = append(counts, n)
			details = append(details, d)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2}, counts)
	assert.Equal(t, []string{"3 inserted, 1 skipped", "5 inserted, 1 skipped"}, details)
}

func TestStreamTelemetryNotRecordedOnError(t *testing.T) {
	target := memdoc.NewCollection()
	target.Put(3, bson.D{{Key: "_id", Value: 3}})
	w := memdoc.NewWriter(target, transfer.Abort, defaultConstraints(10))

	m := transfer.Measurements{}
	_, err := stream(t, w, transfer.Abort, makeDocs(1, 5), transfer.StreamOptions{Telemetry: m})
	require.Error(t, err)
	assert.Empty(t, m)
}

func TestStreamResetsBetweenCalls(t *testing.T) {
	target := memdoc.NewCollection()
	w := memdoc.NewWriter(target, transfer.Overwrite, defaultConstraints(10))
	sw := transfer.NewStreamDocumentWriter(w, quietLogger())
	cfg := transfer.StreamWriterConfig{ConflictResolutionStrategy: transfer.Overwrite}

	first, err := sw.StreamDocuments(context.Background(), cfg, memdoc.NewStream(makeDocs(1, 5)), transfer.StreamOptions{})
	require.NoError(t, err)
	second, err := sw.StreamDocuments(context.Background(), cfg, memdoc.NewStream(makeDocs(1, 5)), transfer.StreamOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(5), first.UpsertedCount)
	assert.Equal(t, int64(5), second.MatchedCount)
	assert.Equal(t, int64(5), second.TotalProcessed)
	assert.Equal(t, 1, second.FlushCount)
}

// erroringWriter reports every document of the errAt-th call as failed
// while still writing them.
type erroringWriter struct {
	inner *memdoc.Writer
	errAt int
	calls int
}

func (w *erroringWriter) EnsureCollectionExists(ctx context.Context) error {
	return w.inner.EnsureCollectionExists(ctx)
}

func (w *erroringWriter) BufferConstraints() transfer.BufferConstraints {
	return w.inner.BufferConstraints()
}

func (w *erroringWriter) WriteDocuments(ctx context.Context, docs []transfer.DocumentDetails, opts transfer.WriteOptions) (*transfer.WriteResult, error) {
	call := w.calls
	w.calls++
	res, err := w.inner.WriteDocuments(ctx, docs, opts)
	if err != nil || call != w.errAt {
		return res, err
	}
	res.Errors = append(res.Errors, transfer.WriteError{DocumentID: docs[0].ID, Err: errors.New("unexpected")})
	return res, nil
}

// partialWriter writes the first landed documents of the failAt-th call and
// then fails, returning the partial result with the error.
type partialWriter struct {
	inner  *memdoc.Writer
	failAt int
	landed int
	calls  int
}

func (w *partialWriter) EnsureCollectionExists(ctx context.Context) error {
	return w.inner.EnsureCollectionExists(ctx)
}

func (w *partialWriter) BufferConstraints() transfer.BufferConstraints {
	return w.inner.BufferConstraints()
}

func (w *partialWriter) WriteDocuments(ctx context.Context, docs []transfer.DocumentDetails, opts transfer.WriteOptions) (*transfer.WriteResult, error) {
	call := w.calls
	w.calls++
	if call != w.failAt {
		return w.inner.WriteDocuments(ctx, docs, opts)
	}
	res, err := w.inner.WriteDocuments(ctx, docs[:w.landed], opts)
	if err != nil {
		return res, err
	}
	return res, errors.New("socket closed")
}

// duplicatingWriter reports every batch twice through the progress
// callback, like a writer that retried a throttled batch.
type duplicatingWriter struct {
	inner *memdoc.Writer
}

func (w *duplicatingWriter) EnsureCollectionExists(ctx context.Context) error {
	return w.inner.EnsureCollectionExists(ctx)
}

func (w *duplicatingWriter) BufferConstraints() transfer.BufferConstraints {
	return w.inner.BufferConstraints()
}

func (w *duplicatingWriter) WriteDocuments(ctx context.Context, docs []transfer.DocumentDetails, opts transfer.WriteOptions) (*transfer.WriteResult, error) {
	res, err := w.inner.WriteDocuments(ctx, docs, opts)
	if err == nil && opts.Progress != nil {
		opts.Progress(transfer.ProgressDetails{ProcessedCount: res.ProcessedCount})
	}
	return res, err
}

// silentWriter never invokes the progress callback.
type silentWriter struct {
	inner *memdoc.Writer
}

func (w *silentWriter) EnsureCollectionExists(ctx context.Context) error {
	return w.inner.EnsureCollectionExists(ctx)
}

func (w *silentWriter) BufferConstraints() transfer.BufferConstraints {
	return w.inner.BufferConstraints()
}

func (w *silentWriter) WriteDocuments(ctx context.Context, docs []transfer.DocumentDetails, _ transfer.WriteOptions) (*transfer.WriteResult, error) {
	return w.inner.WriteDocuments(ctx, docs, transfer.WriteOptions{})
}

// cancelAfter cancels the context once n documents were handed out.
type cancelAfter struct {
	*memdoc.SliceStream
	n      int
	read   int
	cancel context.CancelFunc
}

func (c *cancelAfter) Next(ctx context.Context) bool {
	if !c.SliceStream.Next(ctx) {
		return false
	}
	c.read++
	if c.read == c.n {
		c.cancel()
	}
	return true
}
