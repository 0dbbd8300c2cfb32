package transfer

import (
	"context"
	"fmt"
	"math"
)

// Namespace identifies a collection inside a database.
type Namespace struct {
	Database   string `bson:"database" json:"database" yaml:"database"`
	Collection string `bson:"collection" json:"collection" yaml:"collection"`
}

func (n Namespace) String() string {
	return fmt.Sprintf("%s.%s", n.Database, n.Collection)
}

// DocumentDetails is one document read from a source.
// ID is used by writers for conflict detection; Document is the opaque payload.
type DocumentDetails struct {
	ID       any
	Document any
}

// DocumentStream is a lazy, finite, single-pass sequence of documents.
// It follows the shape of mongo.Cursor.
type DocumentStream interface {
	Next(ctx context.Context) bool
	Document() DocumentDetails
	Err() error
	Close(ctx context.Context) error
}

// DocumentReader is bound to one source collection.
type DocumentReader interface {
	CountDocuments(ctx context.Context) (int64, error)
	StreamDocuments(ctx context.Context) (DocumentStream, error)
}

// BufferConstraints are writer-supplied limits. They may change between
// flushes, callers must re-read them instead of caching.
type BufferConstraints struct {
	OptimalDocumentCount int     `json:"optimal_document_count"`
	MaxMemoryMB          float64 `json:"max_memory_mb"`
}

// MaxBytes converts MaxMemoryMB to bytes.
func (c BufferConstraints) MaxBytes() int64 {
	return int64(math.Round(c.MaxMemoryMB * 1024 * 1024))
}

// ProgressDetails is reported by a writer for one callback invocation.
// Counts are incremental, not cumulative.
type ProgressDetails struct {
	ProcessedCount int64
	InsertedCount  int64
	SkippedCount   int64
	MatchedCount   int64
	UpsertedCount  int64
}

// WriteOptions is passed to DocumentWriter.WriteDocuments.
type WriteOptions struct {
	// Progress may be invoked zero or more times during one write call,
	// possibly reporting the same documents twice across internal retries.
	Progress func(ProgressDetails)
}

// WriteError describes a document the writer could not write as requested.
type WriteError struct {
	DocumentID any
	Err        error
}

func (e WriteError) Error() string {
	if e.DocumentID == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("document %v: %v", e.DocumentID, e.Err)
}

// WriteResult is the authoritative outcome of one WriteDocuments call.
type WriteResult struct {
	ProcessedCount int64
	InsertedCount  int64
	SkippedCount   int64
	MatchedCount   int64
	UpsertedCount  int64
	Errors         []WriteError
}

// DocumentWriter is bound to one target collection and is the sole authority
// for conflict detection and persistence.
type DocumentWriter interface {
	EnsureCollectionExists(ctx context.Context) error
	BufferConstraints() BufferConstraints
	WriteDocuments(ctx context.Context, docs []DocumentDetails, opts WriteOptions) (*WriteResult, error)
}

// ActionContext receives aggregate measurements after a stream completes.
type ActionContext interface {
	AddMeasurement(name string, value float64)
}

// Measurements is a map-backed ActionContext.
type Measurements map[string]float64

func (m Measurements) AddMeasurement(name string, value float64) {
	m[name] = value
}
