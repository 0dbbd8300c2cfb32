package transfer

import (
	"go.mongodb.org/mongo-driver/bson"
)

// DefaultDocumentSizeEstimate is used when a document cannot be serialized.
const DefaultDocumentSizeEstimate int64 = 1024

// InsertFailure explains why DocumentBuffer.Insert rejected a document.
type InsertFailure int

const (
	InsertOK InsertFailure = iota
	// BufferFull means the buffer must be flushed before the document fits.
	BufferFull
	// DocumentTooLarge means the document alone exceeds the memory cap and
	// will never fit; it has to be written as its own batch.
	DocumentTooLarge
)

func (f InsertFailure) String() string {
	switch f {
	case InsertOK:
		return "ok"
	case BufferFull:
		return "buffer full"
	case DocumentTooLarge:
		return "document too large"
	default:
		return "unknown"
	}
}

// InsertResult is returned by DocumentBuffer.Insert.
type InsertResult struct {
	Success bool
	Reason  InsertFailure
	// EstimatedBytes is the size estimate computed for the document.
	EstimatedBytes int64
}

// BufferStats is a snapshot of the buffer's content.
type BufferStats struct {
	DocumentCount  int
	EstimatedBytes int64
}

// DocumentBuffer holds documents awaiting a batched write. Insert never
// flushes on its own; the caller decides when to flush.
type DocumentBuffer struct {
	constraints    BufferConstraints
	docs           []DocumentDetails
	estimatedBytes int64
}

// maxPreallocated bounds the up-front slice capacity; larger batches grow
// through append.
const maxPreallocated = 1024

func NewDocumentBuffer(constraints BufferConstraints) *DocumentBuffer {
	return &DocumentBuffer{
		constraints: constraints,
		docs:        make([]DocumentDetails, 0, min(max(constraints.OptimalDocumentCount, 0), maxPreallocated)),
	}
}

// SetConstraints replaces the limits used by subsequent checks. Documents
// already held are kept even if they now exceed the limits.
func (b *DocumentBuffer) SetConstraints(constraints BufferConstraints) {
	b.constraints = constraints
}

func (b *DocumentBuffer) Constraints() BufferConstraints {
	return b.constraints
}

// Insert appends doc if both the count and the memory cap allow it.
func (b *DocumentBuffer) Insert(doc DocumentDetails) InsertResult {
	size := EstimateDocumentSize(doc.Document)
	maxBytes := b.constraints.MaxBytes()

	if maxBytes > 0 && size > maxBytes {
		return InsertResult{Reason: DocumentTooLarge, EstimatedBytes: size}
	}
	if len(b.docs)+1 > b.maxCount() {
		return InsertResult{Reason: BufferFull, EstimatedBytes: size}
	}
	if maxBytes > 0 && b.estimatedBytes+size > maxBytes {
		return InsertResult{Reason: BufferFull, EstimatedBytes: size}
	}

	b.docs = append(b.docs, doc)
	b.estimatedBytes += size
	return InsertResult{Success: true, Reason: InsertOK, EstimatedBytes: size}
}

// ShouldFlush reports whether the count or memory threshold is reached.
func (b *DocumentBuffer) ShouldFlush() bool {
	if len(b.docs) == 0 {
		return false
	}
	if len(b.docs) >= b.maxCount() {
		return true
	}
	maxBytes := b.constraints.MaxBytes()
	return maxBytes > 0 && b.estimatedBytes >= maxBytes
}

func (b *DocumentBuffer) Stats() BufferStats {
	return BufferStats{DocumentCount: len(b.docs), EstimatedBytes: b.estimatedBytes}
}

func (b *DocumentBuffer) Len() int {
	return len(b.docs)
}

// Flush hands the buffered documents to the caller and clears the buffer.
func (b *DocumentBuffer) Flush() []DocumentDetails {
	if len(b.docs) == 0 {
		return []DocumentDetails{}
	}
	out := b.docs
	b.docs = make([]DocumentDetails, 0, min(cap(out), maxPreallocated))
	b.estimatedBytes = 0
	return out
}

func (b *DocumentBuffer) maxCount() int {
	// a zero or negative count would never let a document in
	return max(b.constraints.OptimalDocumentCount, 1)
}

// EstimateDocumentSize approximates the in-memory size of a document as
// twice the length of its relaxed Extended JSON form.
func EstimateDocumentSize(doc any) int64 {
	if doc == nil {
		return DefaultDocumentSizeEstimate
	}
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return DefaultDocumentSizeEstimate
	}
	return int64(len(data)) * 2
}
