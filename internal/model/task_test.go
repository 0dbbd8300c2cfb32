package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docdb-transfer/internal/task"
	"docdb-transfer/internal/transfer"
)

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("primary:app.users.archive")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{ConnectionID: "primary", Database: "app", Collection: "users.archive"}, ep)
	assert.Equal(t, "primary:app.users.archive", ep.String())

	for _, bad := range []string{"", "app.users", ":app.users", "primary:app", "primary:.users", "primary:app."} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestApplyStatusSetsEndedAtOnce(t *testing.T) {
	rec := &TaskRecord{}
	running := time.Now()
	rec.ApplyStatus(task.Status{State: task.StateRunning, Progress: 50, Message: "half", UpdatedAt: running})
	assert.True(t, rec.EndedAt.IsZero())
	assert.Equal(t, 50, rec.Progress)

	failed := running.Add(time.Second)
	rec.ApplyStatus(task.Status{State: task.StateFailed, Progress: 50, Message: "boom", Err: errors.New("write failed"), UpdatedAt: failed})
	assert.Equal(t, failed, rec.EndedAt)
	assert.Equal(t, "write failed", rec.LastError)

	rec.ApplyStatus(task.Status{State: task.StateFailed, UpdatedAt: failed.Add(time.Minute)})
	assert.Equal(t, failed, rec.EndedAt)
}

func TestApplyResult(t *testing.T) {
	rec := &TaskRecord{}
	rec.ApplyResult(transfer.StreamWriteResult{TotalProcessed: 10, InsertedCount: 7, SkippedCount: 3, FlushCount: 2})
	assert.Equal(t, int64(10), rec.ProcessedDocuments)
	assert.Equal(t, int64(7), rec.InsertedDocuments)
	assert.Equal(t, int64(3), rec.SkippedDocuments)
	assert.Equal(t, 2, rec.FlushCount)
}
