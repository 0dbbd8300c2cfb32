package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"docdb-transfer/internal/task"
	"docdb-transfer/internal/transfer"
)

// CopyConfig describes one collection copy.
type CopyConfig struct {
	Source   transfer.Namespace
	Target   transfer.Namespace
	Strategy transfer.ConflictResolutionStrategy
}

// ErrorRecorder receives the per-document errors a strategy chose to tolerate.
type ErrorRecorder interface {
	RecordError(werr transfer.WriteError)
}

type ErrorRecorderFunc func(werr transfer.WriteError)

func (f ErrorRecorderFunc) RecordError(werr transfer.WriteError) { f(werr) }

// CopyPasteCollectionTask streams every document of a source collection into
// a target collection.
type CopyPasteCollectionTask struct {
	cfg      CopyConfig
	reader   transfer.DocumentReader
	writer   transfer.DocumentWriter
	log      logrus.FieldLogger
	recorder ErrorRecorder

	total     atomic.Int64
	processed atomic.Int64

	mu           sync.Mutex
	result       transfer.StreamWriteResult
	measurements transfer.Measurements
}

func NewCopyPasteCollectionTask(
	cfg CopyConfig,
	reader transfer.DocumentReader,
	writer transfer.DocumentWriter,
	log logrus.FieldLogger,
	recorder ErrorRecorder,
) *CopyPasteCollectionTask {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CopyPasteCollectionTask{
		cfg:      cfg,
		reader:   reader,
		writer:   writer,
		log:      log.WithField("namespace", cfg.Source.String()+" -> "+cfg.Target.String()),
		recorder: recorder,
	}
}

func (c *CopyPasteCollectionTask) Initialize(ctx context.Context, r task.Reporter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	total, err := c.reader.CountDocuments(ctx)
	if err != nil {
		return fmt.Errorf("count documents in %s: %w", c.cfg.Source, err)
	}
	c.total.Store(total)

	if err := c.writer.EnsureCollectionExists(ctx); err != nil {
		return fmt.Errorf("ensure target collection %s: %w", c.cfg.Target, err)
	}

	r.UpdateProgress(10, fmt.Sprintf("Found %d documents in %s", total, c.cfg.Source))
	return nil
}

func (c *CopyPasteCollectionTask) Run(ctx context.Context, r task.Reporter) error {
	total := c.total.Load()
	if total == 0 {
		r.UpdateProgress(100, "Source collection is empty")
		return nil
	}

	stream, err := c.reader.StreamDocuments(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.cfg.Source, err)
	}
	defer func() {
		if err := stream.Close(context.Background()); err != nil {
			c.log.Warnf("Closing source stream failed: %v", err)
		}
	}()

	measurements := transfer.Measurements{}
	opts := transfer.StreamOptions{
		OnProgress: func(count int64, details string) {
			done := c.processed.Add(count)
			percent := 10 + int(90*min(done, total)/total)
			msg := fmt.Sprintf("Copied %d of %d documents", min(done, total), total)
			if details != "" {
				msg += " (" + details + ")"
			}
			r.UpdateProgress(percent, msg)
		},
		OnDocumentError: func(werr transfer.WriteError) {
			if c.recorder != nil {
				c.recorder.RecordError(werr)
			}
		},
		Telemetry: measurements,
	}

	sw := transfer.NewStreamDocumentWriter(c.writer, c.log)
	res, err := sw.StreamDocuments(ctx, transfer.StreamWriterConfig{ConflictResolutionStrategy: c.cfg.Strategy}, stream, opts)

	c.mu.Lock()
	c.result = res
	c.measurements = measurements
	c.mu.Unlock()

	if err != nil {
		var swe *transfer.StreamWriterError
		if errors.As(err, &swe) {
			return fmt.Errorf("copy %s to %s stopped after %s: %w", c.cfg.Source, c.cfg.Target, swe.StatsString(), err)
		}
		return fmt.Errorf("copy %s to %s: %w", c.cfg.Source, c.cfg.Target, err)
	}
	if ctx.Err() != nil {
		return nil
	}

	r.UpdateProgress(100, completionMessage(c.cfg.Strategy, res))
	return nil
}

func (c *CopyPasteCollectionTask) OnCancel() {
	c.log.Infof("Copy cancelled after %d documents, buffered documents were discarded", c.processed.Load())
}

// Total is the number of source documents counted during initialization.
func (c *CopyPasteCollectionTask) Total() int64 { return c.total.Load() }

// Result returns the final stream counters, or the live processed count
// while the copy is running.
func (c *CopyPasteCollectionTask) Result() transfer.StreamWriteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result.FlushCount == 0 && c.result.TotalProcessed == 0 {
		return transfer.StreamWriteResult{TotalProcessed: c.processed.Load()}
	}
	return c.result
}

func (c *CopyPasteCollectionTask) Measurements() transfer.Measurements {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(transfer.Measurements, len(c.measurements))
	for k, v := range c.measurements {
		out[k] = v
	}
	return out
}

func completionMessage(strategy transfer.ConflictResolutionStrategy, res transfer.StreamWriteResult) string {
	switch strategy {
	case transfer.Skip:
		return fmt.Sprintf("Copy completed: %d inserted, %d skipped", res.InsertedCount, res.SkippedCount)
	case transfer.Overwrite:
		return fmt.Sprintf("Copy completed: %d matched, %d upserted", res.MatchedCount, res.UpsertedCount)
	default:
		return fmt.Sprintf("Copy completed: %d inserted", res.InsertedCount)
	}
}
