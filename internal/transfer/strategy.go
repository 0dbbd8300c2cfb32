package transfer

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ConflictResolutionStrategy decides what happens when a document id already
// exists in the target.
type ConflictResolutionStrategy string

const (
	// Abort stops on the first conflict or error and reports partial progress.
	Abort ConflictResolutionStrategy = "abort"
	// Skip leaves existing target documents untouched and continues.
	Skip ConflictResolutionStrategy = "skip"
	// Overwrite replaces documents with matching ids and upserts the rest.
	Overwrite ConflictResolutionStrategy = "overwrite"
	// GenerateNewIds drops source ids so that collisions cannot happen.
	GenerateNewIds ConflictResolutionStrategy = "generateNewIds"
)

// Strategies lists every supported strategy.
var Strategies = []ConflictResolutionStrategy{Abort, Skip, Overwrite, GenerateNewIds}

// ParseStrategy accepts the strategy names case-insensitively.
func ParseStrategy(s string) (ConflictResolutionStrategy, error) {
	for _, st := range Strategies {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown conflict resolution strategy %q", s)
}

func (s ConflictResolutionStrategy) Valid() bool {
	_, err := ParseStrategy(string(s))
	return err == nil
}

// StreamWriterConfig is set once per stream.
type StreamWriterConfig struct {
	ConflictResolutionStrategy ConflictResolutionStrategy
}

// strategy bundles the strategy-specific behavior of the streamer so that
// formatting and error handling are selected in one place.
type strategy interface {
	name() ConflictResolutionStrategy
	formatProgress(stats StreamWriteResult) string
	// handleErrors returns a non-nil error when the stream must stop.
	handleErrors(errs []WriteError, stats StreamWriteResult, log logrus.FieldLogger) error
}

func strategyFor(s ConflictResolutionStrategy) (strategy, error) {
	switch s {
	case Abort:
		return fatalStrategy{strategy: Abort}, nil
	case Overwrite:
		return fatalStrategy{strategy: Overwrite}, nil
	case Skip:
		return skipStrategy{}, nil
	case GenerateNewIds:
		return generateNewIdsStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict resolution strategy %q", s)
	}
}

// fatalStrategy serves Abort and Overwrite: any reported error ends the stream.
type fatalStrategy struct {
	strategy ConflictResolutionStrategy
}

func (f fatalStrategy) name() ConflictResolutionStrategy { return f.strategy }

func (f fatalStrategy) formatProgress(stats StreamWriteResult) string {
	if f.strategy == Overwrite {
		return joinCounts(
			countPart{stats.MatchedCount, "matched"},
			countPart{stats.UpsertedCount, "upserted"},
		)
	}
	return joinCounts(countPart{stats.InsertedCount, "inserted"})
}

func (f fatalStrategy) handleErrors(errs []WriteError, stats StreamWriteResult, log logrus.FieldLogger) error {
	if len(errs) == 0 {
		return nil
	}
	first := errs[0]
	log.WithField("document_id", first.DocumentID).
		Errorf("Write failed with %s strategy: %v", f.strategy, first.Err)

	return &StreamWriterError{
		Message:      fmt.Sprintf("write of document %v failed with %s strategy", first.DocumentID, f.strategy),
		Cause:        first.Err,
		PartialStats: stats,
		Strategy:     f.strategy,
	}
}

type skipStrategy struct{}

func (skipStrategy) name() ConflictResolutionStrategy { return Skip }

func (skipStrategy) formatProgress(stats StreamWriteResult) string {
	return joinCounts(
		countPart{stats.InsertedCount, "inserted"},
		countPart{stats.SkippedCount, "skipped"},
	)
}

func (skipStrategy) handleErrors(errs []WriteError, _ StreamWriteResult, log logrus.FieldLogger) error {
	for _, e := range errs {
		log.WithField("document_id", e.DocumentID).Debugf("Skipped document: %v", e.Err)
	}
	return nil
}

type generateNewIdsStrategy struct{}

func (generateNewIdsStrategy) name() ConflictResolutionStrategy { return GenerateNewIds }

func (generateNewIdsStrategy) formatProgress(stats StreamWriteResult) string {
	return joinCounts(countPart{stats.InsertedCount, "inserted"})
}

func (generateNewIdsStrategy) handleErrors(errs []WriteError, _ StreamWriteResult, log logrus.FieldLogger) error {
	for _, e := range errs {
		// ids are regenerated, so any error here is unexpected
		log.WithField("document_id", e.DocumentID).Warnf("Unexpected write error: %v", e.Err)
	}
	return nil
}

type countPart struct {
	n     int64
	label string
}

func joinCounts(parts ...countPart) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.n == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("%d %s", p.n, p.label))
	}
	return strings.Join(out, ", ")
}
