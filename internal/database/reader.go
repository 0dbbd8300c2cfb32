package database

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"docdb-transfer/internal/transfer"
)

type ReaderOptions struct {
	BatchSize int32
	// DocsPerSecond limits reads; zero means unlimited.
	DocsPerSecond float64
}

// Reader reads a whole collection in natural order.
type Reader struct {
	coll    *mongo.Collection
	opts    ReaderOptions
	limiter *rate.Limiter
}

func NewReader(client *mongo.Client, ns transfer.Namespace, opts ReaderOptions) *Reader {
	r := &Reader{
		coll: client.Database(ns.Database).Collection(ns.Collection),
		opts: opts,
	}
	if opts.DocsPerSecond > 0 {
		burst := max(int(opts.DocsPerSecond), 1)
		r.limiter = rate.NewLimiter(rate.Limit(opts.DocsPerSecond), burst)
	}
	return r
}

func (r *Reader) CountDocuments(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", r.coll.Name(), err)
	}
	return n, nil
}

func (r *Reader) StreamDocuments(ctx context.Context) (transfer.DocumentStream, error) {
	opts := options.Find()
	if r.opts.BatchSize > 0 {
		opts.SetBatchSize(r.opts.BatchSize)
	}
	cur, err := r.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", r.coll.Name(), err)
	}
	return &cursorStream{cur: cur, limiter: r.limiter}, nil
}

// cursorStream adapts a driver cursor. Documents are kept raw; the id is
// the raw _id value so it round-trips into filters unchanged.
type cursorStream struct {
	cur     *mongo.Cursor
	limiter *rate.Limiter
	doc     transfer.DocumentDetails
	err     error
}

func (s *cursorStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.err = err
			return false
		}
	}
	if !s.cur.Next(ctx) {
		return false
	}
	raw := make(bson.Raw, len(s.cur.Current))
	copy(raw, s.cur.Current)
	s.doc = transfer.DocumentDetails{ID: raw.Lookup("_id"), Document: raw}
	return true
}

func (s *cursorStream) Document() transfer.DocumentDetails { return s.doc }

func (s *cursorStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.cur.Err()
}

func (s *cursorStream) Close(ctx context.Context) error {
	return s.cur.Close(ctx)
}
