package transfer

import (
	"fmt"
)

// StreamWriteResult holds running totals of one StreamDocuments call.
type StreamWriteResult struct {
	TotalProcessed int64 `json:"total_processed"`
	InsertedCount  int64 `json:"inserted_count"`
	SkippedCount   int64 `json:"skipped_count"`
	MatchedCount   int64 `json:"matched_count"`
	UpsertedCount  int64 `json:"upserted_count"`
	FlushCount     int   `json:"flush_count"`
}

func (r *StreamWriteResult) add(res *WriteResult) {
	r.TotalProcessed += res.ProcessedCount
	r.InsertedCount += res.InsertedCount
	r.SkippedCount += res.SkippedCount
	r.MatchedCount += res.MatchedCount
	r.UpsertedCount += res.UpsertedCount
}

func (r *StreamWriteResult) addProgress(p ProgressDetails) {
	r.TotalProcessed += p.ProcessedCount
	r.InsertedCount += p.InsertedCount
	r.SkippedCount += p.SkippedCount
	r.MatchedCount += p.MatchedCount
	r.UpsertedCount += p.UpsertedCount
}

// StreamWriterError is returned when a stream stops on a fatal error. It
// carries the statistics of the work completed before the failure.
type StreamWriterError struct {
	Message      string
	Cause        error
	PartialStats StreamWriteResult
	Strategy     ConflictResolutionStrategy
}

func (e *StreamWriterError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s (%s processed before failure)", e.Message, e.StatsString())
	}
	return fmt.Sprintf("%s: %v (%s processed before failure)", e.Message, e.Cause, e.StatsString())
}

func (e *StreamWriterError) Unwrap() error {
	return e.Cause
}

// StatsString formats the partial statistics as "<total> total (<breakdown>)".
func (e *StreamWriterError) StatsString() string {
	var breakdown string
	if st, err := strategyFor(e.Strategy); err == nil {
		breakdown = st.formatProgress(e.PartialStats)
	} else {
		breakdown = joinCounts(
			countPart{e.PartialStats.InsertedCount, "inserted"},
			countPart{e.PartialStats.SkippedCount, "skipped"},
			countPart{e.PartialStats.MatchedCount, "matched"},
			countPart{e.PartialStats.UpsertedCount, "upserted"},
		)
	}
	if breakdown == "" {
		return fmt.Sprintf("%d total", e.PartialStats.TotalProcessed)
	}
	return fmt.Sprintf("%d total (%s)", e.PartialStats.TotalProcessed, breakdown)
}
