// Package memdoc keeps collections in memory. It backs the "memory"
// connection type used for dry runs and serves as a reader/writer in tests.
package memdoc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"docdb-transfer/internal/transfer"
)

// ErrDuplicateKey is reported when a document id already exists.
var ErrDuplicateKey = errors.New("duplicate key")

type entry struct {
	id  any
	doc any
}

// Collection is an ordered, id-indexed set of documents.
type Collection struct {
	mu    sync.RWMutex
	docs  []entry
	index map[string]int
}

func NewCollection() *Collection {
	return &Collection{index: make(map[string]int)}
}

func key(id any) string {
	return fmt.Sprintf("%T:%v", id, id)
}

// Put inserts or replaces a document. It reports whether it replaced one.
func (c *Collection) Put(id, doc any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(id, doc)
}

func (c *Collection) putLocked(id, doc any) bool {
	k := key(id)
	if i, ok := c.index[k]; ok {
		c.docs[i].doc = doc
		return true
	}
	c.index[k] = len(c.docs)
	c.docs = append(c.docs, entry{id: id, doc: doc})
	return false
}

func (c *Collection) Get(id any) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[key(id)]
	if !ok {
		return nil, false
	}
	return c.docs[i].doc, true
}

func (c *Collection) Has(id any) bool {
	_, ok := c.Get(id)
	return ok
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

func (c *Collection) snapshot() []transfer.DocumentDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]transfer.DocumentDetails, len(c.docs))
	for i, e := range c.docs {
		out[i] = transfer.DocumentDetails{ID: e.id, Document: e.doc}
	}
	return out
}

// Reader streams a snapshot of a collection.
type Reader struct {
	c *Collection
}

func NewReader(c *Collection) *Reader {
	return &Reader{c: c}
}

func (r *Reader) CountDocuments(context.Context) (int64, error) {
	return int64(r.c.Len()), nil
}

func (r *Reader) StreamDocuments(context.Context) (transfer.DocumentStream, error) {
	return NewStream(r.c.snapshot()), nil
}

// SliceStream is a DocumentStream over a slice.
type SliceStream struct {
	docs []transfer.DocumentDetails
	pos  int
	cur  transfer.DocumentDetails
	err  error
	// FailAt makes Next fail with FailErr when that many documents were read.
	FailAt  int
	FailErr error
	Closed  bool
}

func NewStream(docs []transfer.DocumentDetails) *SliceStream {
	return &SliceStream{docs: docs, FailAt: -1}
}

func (s *SliceStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.FailAt >= 0 && s.pos == s.FailAt {
		s.err = s.FailErr
		return false
	}
	if s.pos >= len(s.docs) {
		return false
	}
	s.cur = s.docs[s.pos]
	s.pos++
	return true
}

func (s *SliceStream) Document() transfer.DocumentDetails { return s.cur }

func (s *SliceStream) Err() error { return s.err }

func (s *SliceStream) Close(context.Context) error {
	s.Closed = true
	return nil
}

// Writer applies a conflict resolution strategy against a Collection.
type Writer struct {
	target   *Collection
	strategy transfer.ConflictResolutionStrategy

	mu          sync.Mutex
	constraints transfer.BufferConstraints
	ensured     bool
	batchSizes  []int

	// BeforeWrite runs before each batch is applied. A returned error is
	// returned from WriteDocuments as is.
	BeforeWrite func(call int, docs []transfer.DocumentDetails) error
	// ProgressChunk splits progress reporting into chunks of that size.
	// Progress runs while the target collection is locked.
	ProgressChunk int
}

func NewWriter(target *Collection, strategy transfer.ConflictResolutionStrategy, constraints transfer.BufferConstraints) *Writer {
	return &Writer{target: target, strategy: strategy, constraints: constraints}
}

func (w *Writer) EnsureCollectionExists(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensured = true
	return nil
}

func (w *Writer) Ensured() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensured
}

func (w *Writer) BufferConstraints() transfer.BufferConstraints {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.constraints
}

// SetConstraints changes the limits returned to the streamer.
func (w *Writer) SetConstraints(c transfer.BufferConstraints) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.constraints = c
}

// BatchSizes returns the size of every batch written so far.
func (w *Writer) BatchSizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.batchSizes...)
}

func (w *Writer) WriteDocuments(ctx context.Context, docs []transfer.DocumentDetails, opts transfer.WriteOptions) (*transfer.WriteResult, error) {
	w.mu.Lock()
	call := len(w.batchSizes)
	w.batchSizes = append(w.batchSizes, len(docs))
	w.mu.Unlock()

	if w.BeforeWrite != nil {
		if err := w.BeforeWrite(call, docs); err != nil {
			return nil, err
		}
	}

	res := &transfer.WriteResult{}
	var pending transfer.ProgressDetails
	report := func(force bool) {
		if opts.Progress == nil || pending.ProcessedCount == 0 {
			return
		}
		if force || (w.ProgressChunk > 0 && pending.ProcessedCount >= int64(w.ProgressChunk)) {
			opts.Progress(pending)
			pending = transfer.ProgressDetails{}
		}
	}

	w.target.mu.Lock()
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			w.target.mu.Unlock()
			report(true)
			return res, nil
		}
		exists := false
		if _, ok := w.target.index[key(d.ID)]; ok {
			exists = true
		}

		switch w.strategy {
		case transfer.Abort:
			if exists {
				res.Errors = append(res.Errors, transfer.WriteError{DocumentID: d.ID, Err: ErrDuplicateKey})
				w.target.mu.Unlock()
				report(true)
				return res, nil
			}
			w.target.putLocked(d.ID, d.Document)
			res.InsertedCount++
			pending.InsertedCount++
		case transfer.Skip:
			if exists {
				res.SkippedCount++
				pending.SkippedCount++
				res.Errors = append(res.Errors, transfer.WriteError{DocumentID: d.ID, Err: ErrDuplicateKey})
			} else {
				w.target.putLocked(d.ID, d.Document)
				res.InsertedCount++
				pending.InsertedCount++
			}
		case transfer.Overwrite:
			if w.target.putLocked(d.ID, d.Document) {
				res.MatchedCount++
				pending.MatchedCount++
			} else {
				res.UpsertedCount++
				pending.UpsertedCount++
			}
		case transfer.GenerateNewIds:
			id := primitive.NewObjectID()
			doc, err := transfer.ReplaceID(d.Document, id)
			if err != nil {
				res.Errors = append(res.Errors, transfer.WriteError{DocumentID: d.ID, Err: err})
				continue
			}
			w.target.putLocked(id, doc)
			res.InsertedCount++
			pending.InsertedCount++
		default:
			w.target.mu.Unlock()
			return nil, fmt.Errorf("unsupported strategy %q", w.strategy)
		}
		res.ProcessedCount++
		pending.ProcessedCount++
		report(false)
	}
	w.target.mu.Unlock()
	report(true)
	return res, nil
}

// Registry holds named in-memory collections.
type Registry struct {
	mu          sync.Mutex
	collections map[string]*Collection
}

func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]*Collection)}
}

// Collection returns the collection for ns, creating it on first use.
func (r *Registry) Collection(connectionID string, ns transfer.Namespace) *Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := connectionID + "/" + ns.String()
	c, ok := r.collections[k]
	if !ok {
		c = NewCollection()
		r.collections[k] = c
	}
	return c
}

// Namespaces lists the collections of a connection, sorted.
func (r *Registry) Namespaces(connectionID string) []transfer.Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transfer.Namespace
	for k := range r.collections {
		conn, ns, ok := strings.Cut(k, "/")
		if !ok || conn != connectionID {
			continue
		}
		db, coll, _ := strings.Cut(ns, ".")
		out = append(out, transfer.Namespace{Database: db, Collection: coll})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
