package model

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"docdb-transfer/internal/task"
	"docdb-transfer/internal/transfer"
)

const KindCopyCollection = "copy-paste-collection"

// Endpoint names a collection on a configured connection.
type Endpoint struct {
	ConnectionID string `bson:"connection_id" json:"connection_id"`
	Database     string `bson:"database" json:"database"`
	Collection   string `bson:"collection" json:"collection"`
}

func (e Endpoint) Namespace() transfer.Namespace {
	return transfer.Namespace{Database: e.Database, Collection: e.Collection}
}

func (e Endpoint) String() string {
	return e.ConnectionID + ":" + e.Namespace().String()
}

// ParseEndpoint parses the "<connection>:<database>.<collection>" form
// produced by String.
func ParseEndpoint(s string) (Endpoint, error) {
	conn, ns, ok := strings.Cut(s, ":")
	if !ok || conn == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: expected <connection>:<database>.<collection>", s)
	}
	db, coll, ok := strings.Cut(ns, ".")
	if !ok || db == "" || coll == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: expected <connection>:<database>.<collection>", s)
	}
	return Endpoint{ConnectionID: conn, Database: db, Collection: coll}, nil
}

// TaskRecord is a document of the "tasks" collection.
type TaskRecord struct {
	ID       string     `bson:"_id" json:"id"`
	Kind     string     `bson:"kind" json:"kind"`
	Name     string     `bson:"name" json:"name"`
	Source   Endpoint   `bson:"source" json:"source"`
	Target   Endpoint   `bson:"target" json:"target"`
	Strategy string     `bson:"strategy" json:"strategy"`
	Status   task.State `bson:"status" json:"status"`
	Progress int        `bson:"progress" json:"progress"`
	Message  string     `bson:"message" json:"message"`

	LastError string `bson:"last_error,omitempty" json:"last_error,omitempty"`

	// Counters, refreshed periodically while the task runs.
	TotalDocuments     int64 `bson:"total_documents" json:"total_documents"`
	ProcessedDocuments int64 `bson:"processed_documents" json:"processed_documents"`
	InsertedDocuments  int64 `bson:"inserted_documents" json:"inserted_documents"`
	SkippedDocuments   int64 `bson:"skipped_documents" json:"skipped_documents"`
	MatchedDocuments   int64 `bson:"matched_documents" json:"matched_documents"`
	UpsertedDocuments  int64 `bson:"upserted_documents" json:"upserted_documents"`
	FlushCount         int   `bson:"flush_count" json:"flush_count"`

	Measurements map[string]float64 `bson:"measurements,omitempty" json:"measurements,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	EndedAt   time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// ApplyResult copies stream counters into the record.
func (r *TaskRecord) ApplyResult(res transfer.StreamWriteResult) {
	r.ProcessedDocuments = res.TotalProcessed
	r.InsertedDocuments = res.InsertedCount
	r.SkippedDocuments = res.SkippedCount
	r.MatchedDocuments = res.MatchedCount
	r.UpsertedDocuments = res.UpsertedCount
	r.FlushCount = res.FlushCount
}

// ApplyStatus copies a lifecycle snapshot into the record.
func (r *TaskRecord) ApplyStatus(s task.Status) {
	r.Status = s.State
	r.Progress = s.Progress
	r.Message = s.Message
	r.LastError = s.ErrorMessage()
	r.UpdatedAt = s.UpdatedAt
	if s.State.Terminal() && r.EndedAt.IsZero() {
		r.EndedAt = s.UpdatedAt
	}
}

// TaskError is a document of the "task_errors" collection, one per
// document the writer rejected.
type TaskError struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	TaskID     string             `bson:"task_id" json:"task_id"`
	DocumentID string             `bson:"document_id" json:"document_id"`
	ErrorMsg   string             `bson:"error_msg" json:"error_msg"`
	Timestamp  time.Time          `bson:"timestamp" json:"timestamp"`
}
