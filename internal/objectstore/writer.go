package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/semaphore"

	"docdb-transfer/internal/transfer"
)

type WriterOptions struct {
	BatchSize   int
	MaxMemoryMB float64
	// Concurrency bounds the HeadObject and PutObject calls in flight.
	Concurrency int64
}

// Writer stores documents as objects. Conflicts are detected with
// HeadObject before anything of a batch is written.
type Writer struct {
	api      API
	loc      Location
	ns       transfer.Namespace
	strategy transfer.ConflictResolutionStrategy
	opts     WriterOptions
	log      logrus.FieldLogger
}

func NewWriter(api API, loc Location, ns transfer.Namespace, strategy transfer.ConflictResolutionStrategy, opts WriterOptions, log logrus.FieldLogger) *Writer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Writer{
		api:      api,
		loc:      loc,
		ns:       ns,
		strategy: strategy,
		opts:     opts,
		log:      log.WithField("namespace", loc.Bucket+"/"+loc.CollectionPrefix(ns)),
	}
}

// EnsureCollectionExists checks the bucket; prefixes need no creation.
func (w *Writer) EnsureCollectionExists(ctx context.Context) error {
	_, err := w.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(w.loc.Bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s is not accessible: %w", w.loc.Bucket, err)
	}
	return nil
}

func (w *Writer) BufferConstraints() transfer.BufferConstraints {
	return transfer.BufferConstraints{OptimalDocumentCount: w.opts.BatchSize, MaxMemoryMB: w.opts.MaxMemoryMB}
}

type putItem struct {
	source transfer.DocumentDetails
	key    string
	body   any
	// existed is the HeadObject result, for overwrite accounting
	existed bool
}

func (w *Writer) WriteDocuments(ctx context.Context, docs []transfer.DocumentDetails, opts transfer.WriteOptions) (*transfer.WriteResult, error) {
	res := &transfer.WriteResult{}
	var items []putItem

	if w.strategy == transfer.GenerateNewIds {
		for _, d := range docs {
			id := primitive.NewObjectID()
			body, err := transfer.ReplaceID(d.Document, id)
			if err != nil {
				res.Errors = append(res.Errors, transfer.WriteError{DocumentID: d.ID, Err: err})
				continue
			}
			items = append(items, putItem{source: d, key: w.loc.ObjectKey(w.ns, id), body: body})
		}
	} else {
		exists, err := w.headAll(ctx, docs)
		if err != nil {
			if ctx.Err() != nil {
				return res, nil
			}
			return nil, err
		}
		items = w.plan(docs, exists, res)
	}

	putErrs := w.putAll(ctx, items)
	if ctx.Err() != nil {
		// failures caused by the cancellation are not reported
		putErrs = dropCancelled(putErrs)
	}
	for i, it := range items {
		err, attempted := putErrs[i]
		switch {
		case !attempted:
		case err != nil:
			res.Errors = append(res.Errors, transfer.WriteError{DocumentID: it.source.ID, Err: err})
		case w.strategy == transfer.Overwrite && it.existed:
			res.MatchedCount++
			res.ProcessedCount++
		case w.strategy == transfer.Overwrite:
			res.UpsertedCount++
			res.ProcessedCount++
		default:
			res.InsertedCount++
			res.ProcessedCount++
		}
	}

	if opts.Progress != nil && res.ProcessedCount > 0 {
		opts.Progress(transfer.ProgressDetails{
			ProcessedCount: res.ProcessedCount,
			InsertedCount:  res.InsertedCount,
			SkippedCount:   res.SkippedCount,
			MatchedCount:   res.MatchedCount,
			UpsertedCount:  res.UpsertedCount,
		})
	}
	return res, nil
}

// plan decides which documents to put from their existence in the target.
func (w *Writer) plan(docs []transfer.DocumentDetails, exists []bool, res *transfer.WriteResult) []putItem {
	items := make([]putItem, 0, len(docs))
	for i, d := range docs {
		key := w.loc.ObjectKey(w.ns, d.ID)
		switch w.strategy {
		case transfer.Abort:
			if exists[i] {
				// documents after the first conflict are not written
				res.Errors = append(res.Errors, transfer.WriteError{DocumentID: d.ID, Err: fmt.Errorf("%w: %s", ErrObjectExists, key)})
				return items
			}
		case transfer.Skip:
			if exists[i] {
				res.SkippedCount++
				res.ProcessedCount++
				res.Errors = append(res.Errors, transfer.WriteError{DocumentID: d.ID, Err: fmt.Errorf("%w: %s", ErrObjectExists, key)})
				continue
			}
		}
		items = append(items, putItem{source: d, key: key, body: d.Document, existed: exists[i]})
	}
	return items
}

// headAll checks concurrently which documents already have an object.
func (w *Writer) headAll(ctx context.Context, docs []transfer.DocumentDetails) ([]bool, error) {
	exists := make([]bool, len(docs))
	sem := semaphore.NewWeighted(w.opts.Concurrency)
	wg := sync.WaitGroup{}

	var (
		mu       sync.Mutex
		firstErr error
	)
	for i, d := range docs {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(i int, key string) {
			defer sem.Release(1)
			defer wg.Done()
			_, err := w.api.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(w.loc.Bucket),
				Key:    aws.String(key),
			})
			switch {
			case err == nil:
				exists[i] = true
			case isNotFound(err):
			default:
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("head %s: %w", key, err)
				}
				mu.Unlock()
			}
		}(i, w.loc.ObjectKey(w.ns, d.ID))
	}
	wg.Wait()
	return exists, firstErr
}

// putAll writes items concurrently. The result maps an item index to its
// error; items missing from the map were never attempted.
func (w *Writer) putAll(ctx context.Context, items []putItem) map[int]error {
	results := make(map[int]error, len(items))
	var mu sync.Mutex
	sem := semaphore.NewWeighted(w.opts.Concurrency)
	wg := sync.WaitGroup{}

	for i, it := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, it putItem) {
			defer sem.Release(1)
			defer wg.Done()
			err := w.put(ctx, it)
			mu.Lock()
			results[i] = err
			mu.Unlock()
		}(i, it)
	}
	wg.Wait()
	return results
}

func (w *Writer) put(ctx context.Context, it putItem) error {
	data, err := bson.MarshalExtJSON(it.body, true, false)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = w.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.loc.Bucket),
		Key:           aws.String(it.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", it.key, err)
	}
	return nil
}

// dropCancelled forgets puts that failed only because ctx was cancelled.
func dropCancelled(errs map[int]error) map[int]error {
	out := make(map[int]error, len(errs))
	for i, err := range errs {
		if err == nil {
			out[i] = nil
		}
	}
	return out
}
