package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docdb-transfer/internal/model"
	"docdb-transfer/internal/task"
)

const (
	TasksCollection      = "tasks"
	TaskErrorsCollection = "task_errors"
)

var ErrRecordNotFound = errors.New("task record not found")

// ActiveStates are the states of a task that still owns its target.
var ActiveStates = []task.State{task.StatePending, task.StateInitializing, task.StateRunning, task.StateStopping}

// TaskRepository persists task records and per-document errors.
type TaskRepository struct {
	tasks  *mongo.Collection
	errors *mongo.Collection
}

func NewTaskRepository(db *mongo.Database) *TaskRepository {
	return &TaskRepository{
		tasks:  db.Collection(TasksCollection),
		errors: db.Collection(TaskErrorsCollection),
	}
}

func (r *TaskRepository) EnsureIndexes(ctx context.Context) error {
	if _, err := r.errors.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "timestamp", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create %s index: %w", TaskErrorsCollection, err)
	}
	if _, err := r.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create %s index: %w", TasksCollection, err)
	}
	return nil
}

// Save inserts or replaces the whole record.
func (r *TaskRepository) Save(ctx context.Context, rec *model.TaskRecord) error {
	_, err := r.tasks.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save task %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateProgress sets the mutable fields of a record without touching its
// definition.
func (r *TaskRepository) UpdateProgress(ctx context.Context, rec *model.TaskRecord) error {
	set := bson.M{
		"status":              rec.Status,
		"progress":            rec.Progress,
		"message":             rec.Message,
		"last_error":          rec.LastError,
		"total_documents":     rec.TotalDocuments,
		"processed_documents": rec.ProcessedDocuments,
		"inserted_documents":  rec.InsertedDocuments,
		"skipped_documents":   rec.SkippedDocuments,
		"matched_documents":   rec.MatchedDocuments,
		"upserted_documents":  rec.UpsertedDocuments,
		"flush_count":         rec.FlushCount,
		"updated_at":          rec.UpdatedAt,
	}
	if len(rec.Measurements) > 0 {
		set["measurements"] = rec.Measurements
	}
	if !rec.EndedAt.IsZero() {
		set["ended_at"] = rec.EndedAt
	}
	_, err := r.tasks.UpdateOne(ctx, bson.M{"_id": rec.ID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update task %s: %w", rec.ID, err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	err := r.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return &rec, nil
}

// List returns all records, newest first.
func (r *TaskRepository) List(ctx context.Context) ([]model.TaskRecord, error) {
	return r.find(ctx, bson.M{})
}

// FindActive returns the records whose tasks still own their target.
func (r *TaskRepository) FindActive(ctx context.Context) ([]model.TaskRecord, error) {
	return r.find(ctx, bson.M{"status": bson.M{"$in": ActiveStates}})
}

func (r *TaskRepository) find(ctx context.Context, filter bson.M) ([]model.TaskRecord, error) {
	cur, err := r.tasks.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer cur.Close(ctx)

	recs := []model.TaskRecord{}
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return recs, nil
}

// Delete removes a record and its errors.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	res, err := r.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if _, err := r.errors.DeleteMany(ctx, bson.M{"task_id": id}); err != nil {
		return fmt.Errorf("delete errors of task %s: %w", id, err)
	}
	return nil
}

func (r *TaskRepository) LogError(ctx context.Context, e model.TaskError) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if _, err := r.errors.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("log error of task %s: %w", e.TaskID, err)
	}
	return nil
}

// ListErrors returns up to limit errors of a task in the order they happened.
func (r *TaskRepository) ListErrors(ctx context.Context, taskID string, limit int64) ([]model.TaskError, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.errors.Find(ctx, bson.M{"task_id": taskID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list errors of task %s: %w", taskID, err)
	}
	defer cur.Close(ctx)

	out := []model.TaskError{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode errors of task %s: %w", taskID, err)
	}
	return out, nil
}

// ResetInterrupted marks every active record as stopped. Their goroutines
// died with the previous process.
func (r *TaskRepository) ResetInterrupted(ctx context.Context, message string) (int64, error) {
	now := time.Now()
	res, err := r.tasks.UpdateMany(ctx,
		bson.M{"status": bson.M{"$in": ActiveStates}},
		bson.M{"$set": bson.M{
			"status":     task.StateStopped,
			"message":    message,
			"updated_at": now,
			"ended_at":   now,
		}})
	if err != nil {
		return 0, fmt.Errorf("reset interrupted tasks: %w", err)
	}
	return res.ModifiedCount, nil
}
