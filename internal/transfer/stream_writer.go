package transfer

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// StreamOptions are optional hooks for StreamDocuments.
type StreamOptions struct {
	// OnProgress receives the number of documents processed since the last
	// call and a strategy-specific breakdown of the running totals.
	OnProgress func(count int64, details string)
	// OnDocumentError receives every per-document error the writer reported.
	OnDocumentError func(WriteError)
	// Telemetry, when set, receives the final counts.
	Telemetry ActionContext
}

// StreamDocumentWriter consumes a document stream into a DocumentBuffer and
// flushes it to a DocumentWriter. An instance must not be used by two
// overlapping StreamDocuments calls.
type StreamDocumentWriter struct {
	writer DocumentWriter
	log    logrus.FieldLogger

	buffer   *DocumentBuffer
	stats    StreamWriteResult
	strategy strategy
	opts     StreamOptions
}

func NewStreamDocumentWriter(writer DocumentWriter, log logrus.FieldLogger) *StreamDocumentWriter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StreamDocumentWriter{
		writer: writer,
		log:    log,
		buffer: NewDocumentBuffer(writer.BufferConstraints()),
	}
}

// StreamDocuments reads stream until it is exhausted and writes every
// document through the writer. The stream is not closed.
//
// When ctx is cancelled, consumption stops, buffered documents are discarded
// and the statistics of the flushed work are returned with a nil error.
// Fatal write errors are returned as *StreamWriterError.
func (s *StreamDocumentWriter) StreamDocuments(
	ctx context.Context,
	config StreamWriterConfig,
	stream DocumentStream,
	opts StreamOptions,
) (StreamWriteResult, error) {
	st, err := strategyFor(config.ConflictResolutionStrategy)
	if err != nil {
		return StreamWriteResult{}, err
	}
	s.reset(st, opts)

	aborted := false
	for {
		if ctx.Err() != nil {
			aborted = true
			break
		}
		if !stream.Next(ctx) {
			break
		}
		if err := s.push(ctx, stream.Document()); err != nil {
			return s.stats, err
		}
	}

	if !aborted {
		if err := stream.Err(); err != nil {
			if ctx.Err() == nil {
				return s.stats, s.newError("read from source failed", err)
			}
			aborted = true
		}
	}

	if !aborted && ctx.Err() != nil {
		aborted = true
	}

	if aborted {
		dropped := s.buffer.Flush()
		s.log.Infof("Stream cancelled, discarded %d buffered documents. Processed %d so far",
			len(dropped), s.stats.TotalProcessed)
	} else if err := s.flush(ctx); err != nil {
		return s.stats, err
	}

	s.recordTelemetry()
	return s.stats, nil
}

func (s *StreamDocumentWriter) reset(st strategy, opts StreamOptions) {
	s.strategy = st
	s.opts = opts
	s.stats = StreamWriteResult{}
	s.buffer = NewDocumentBuffer(s.writer.BufferConstraints())
}

// push buffers one document and flushes when the live limits are reached.
func (s *StreamDocumentWriter) push(ctx context.Context, doc DocumentDetails) error {
	s.buffer.SetConstraints(s.writer.BufferConstraints())
	res := s.buffer.Insert(doc)

	switch res.Reason {
	case BufferFull:
		if err := s.flush(ctx); err != nil {
			return err
		}
		s.buffer.SetConstraints(s.writer.BufferConstraints())
		res = s.buffer.Insert(doc)
		if res.Reason == DocumentTooLarge {
			return s.writeOversized(ctx, doc, res.EstimatedBytes)
		}
	case DocumentTooLarge:
		if err := s.flush(ctx); err != nil {
			return err
		}
		return s.writeOversized(ctx, doc, res.EstimatedBytes)
	}

	s.buffer.SetConstraints(s.writer.BufferConstraints())
	if s.buffer.ShouldFlush() {
		return s.flush(ctx)
	}
	return nil
}

func (s *StreamDocumentWriter) writeOversized(ctx context.Context, doc DocumentDetails, size int64) error {
	s.log.WithField("document_id", doc.ID).
		Infof("Document of ~%s exceeds the buffer limit, writing it on its own", humanize.Bytes(uint64(size)))
	return s.write(ctx, []DocumentDetails{doc})
}

func (s *StreamDocumentWriter) flush(ctx context.Context) error {
	if s.buffer.Len() == 0 {
		return nil
	}
	stats := s.buffer.Stats()
	s.log.Debugf("Flushing %d documents (~%s)", stats.DocumentCount, humanize.Bytes(uint64(stats.EstimatedBytes)))
	return s.write(ctx, s.buffer.Flush())
}

// write sends one batch to the writer. Totals are only updated from the
// returned result; progress callbacks are used for live reporting.
func (s *StreamDocumentWriter) write(ctx context.Context, docs []DocumentDetails) error {
	var inFlush StreamWriteResult

	result, err := s.writer.WriteDocuments(ctx, docs, WriteOptions{
		Progress: func(p ProgressDetails) {
			inFlush.addProgress(p)
			if s.opts.OnProgress == nil || p.ProcessedCount <= 0 {
				return
			}
			live := s.stats
			live.addProgress(ProgressDetails{
				ProcessedCount: inFlush.TotalProcessed,
				InsertedCount:  inFlush.InsertedCount,
				SkippedCount:   inFlush.SkippedCount,
				MatchedCount:   inFlush.MatchedCount,
				UpsertedCount:  inFlush.UpsertedCount,
			})
			s.opts.OnProgress(p.ProcessedCount, s.strategy.formatProgress(live))
		},
	})
	if err != nil {
		if result != nil && result.ProcessedCount > 0 {
			// documents written before the failure still count
			s.stats.add(result)
			s.stats.FlushCount++
		}
		return s.newError(fmt.Sprintf("writing %d documents failed", len(docs)), err)
	}
	if result == nil {
		result = &WriteResult{}
	}

	s.stats.add(result)
	s.stats.FlushCount++

	if inFlush.TotalProcessed != result.ProcessedCount {
		// retries may report the same documents more than once
		s.log.Debugf("Progress callbacks reported %d documents, writer result says %d",
			inFlush.TotalProcessed, result.ProcessedCount)
	}
	if inFlush.TotalProcessed == 0 && result.ProcessedCount > 0 && s.opts.OnProgress != nil {
		s.opts.OnProgress(result.ProcessedCount, s.strategy.formatProgress(s.stats))
	}

	if len(result.Errors) == 0 {
		return nil
	}
	if s.opts.OnDocumentError != nil {
		for _, we := range result.Errors {
			s.opts.OnDocumentError(we)
		}
	}
	return s.strategy.handleErrors(result.Errors, s.stats, s.log)
}

func (s *StreamDocumentWriter) newError(msg string, cause error) error {
	return &StreamWriterError{
		Message:      msg,
		Cause:        cause,
		PartialStats: s.stats,
		Strategy:     s.strategy.name(),
	}
}

func (s *StreamDocumentWriter) recordTelemetry() {
	t := s.opts.Telemetry
	if t == nil {
		return
	}
	t.AddMeasurement("totalProcessed", float64(s.stats.TotalProcessed))
	t.AddMeasurement("insertedCount", float64(s.stats.InsertedCount))
	t.AddMeasurement("skippedCount", float64(s.stats.SkippedCount))
	t.AddMeasurement("matchedCount", float64(s.stats.MatchedCount))
	t.AddMeasurement("upsertedCount", float64(s.stats.UpsertedCount))
	t.AddMeasurement("flushCount", float64(s.stats.FlushCount))
}
