package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docdb-transfer/internal/config"
	"docdb-transfer/internal/database"
	"docdb-transfer/internal/model"
	"docdb-transfer/internal/task"
	"docdb-transfer/internal/transfer"
	"docdb-transfer/internal/worker"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("target conflict")
	ErrNotFound       = errors.New("task not found")
	ErrNotRunning     = errors.New("task is not running in this process")
)

// DefaultMaxRecordedErrors caps the document errors stored per task.
const DefaultMaxRecordedErrors = 1000

// TaskStore persists task records. *database.TaskRepository implements it.
type TaskStore interface {
	Save(ctx context.Context, rec *model.TaskRecord) error
	UpdateProgress(ctx context.Context, rec *model.TaskRecord) error
	Get(ctx context.Context, id string) (*model.TaskRecord, error)
	List(ctx context.Context) ([]model.TaskRecord, error)
	FindActive(ctx context.Context) ([]model.TaskRecord, error)
	Delete(ctx context.Context, id string) error
	LogError(ctx context.Context, e model.TaskError) error
	ListErrors(ctx context.Context, taskID string, limit int64) ([]model.TaskError, error)
	ResetInterrupted(ctx context.Context, message string) (int64, error)
}

type CreateCopyRequest struct {
	Name     string         `json:"name"`
	Source   model.Endpoint `json:"source"`
	Target   model.Endpoint `json:"target"`
	Strategy string         `json:"strategy"`
}

type Options struct {
	MaxRecordedErrors int
	StopTimeout       time.Duration
}

// CopyService creates copy tasks, runs them on the engine and keeps their
// records in the store.
type CopyService struct {
	cfg       *config.Config
	store     TaskStore
	endpoints Endpoints
	log       logrus.FieldLogger
	opts      Options

	engine *worker.Engine

	// serializes the conflict check with the record insert
	createMu sync.Mutex
}

// NewCopyService builds the service. The engine is attached afterwards with
// SetEngine because the engine flushes into the service.
func NewCopyService(cfg *config.Config, store TaskStore, endpoints Endpoints, opts Options, log logrus.FieldLogger) *CopyService {
	if opts.MaxRecordedErrors <= 0 {
		opts.MaxRecordedErrors = DefaultMaxRecordedErrors
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = cfg.Transfer.StopTimeout
	}
	return &CopyService{cfg: cfg, store: store, endpoints: endpoints, opts: opts, log: log}
}

func (s *CopyService) SetEngine(engine *worker.Engine) {
	s.engine = engine
}

// FlushStatus persists an engine snapshot.
func (s *CopyService) FlushStatus(ctx context.Context, snap worker.Snapshot) error {
	rec := &model.TaskRecord{ID: snap.ID, Kind: snap.Kind, TotalDocuments: snap.Total}
	rec.ApplyStatus(snap.Status)
	rec.ApplyResult(snap.Result)
	if len(snap.Measurements) > 0 {
		rec.Measurements = snap.Measurements
	}
	return s.store.UpdateProgress(ctx, rec)
}

func (s *CopyService) validate(req *CreateCopyRequest) (transfer.ConflictResolutionStrategy, error) {
	endpoints := []struct {
		name string
		ep   model.Endpoint
	}{{"source", req.Source}, {"target", req.Target}}
	for _, e := range endpoints {
		name, ep := e.name, e.ep
		if ep.ConnectionID == "" || ep.Database == "" || ep.Collection == "" {
			return "", fmt.Errorf("%w: %s needs connection_id, database and collection", ErrInvalidRequest, name)
		}
		if _, ok := s.cfg.GetConnection(ep.ConnectionID); !ok {
			return "", fmt.Errorf("%w: unknown connection %q", ErrInvalidRequest, ep.ConnectionID)
		}
	}
	if resolveTarget(s.cfg, req.Source).overlaps(resolveTarget(s.cfg, req.Target)) {
		return "", fmt.Errorf("%w: source and target are the same collection", ErrInvalidRequest)
	}
	if req.Strategy == "" {
		req.Strategy = string(transfer.Abort)
	}
	strategy, err := transfer.ParseStrategy(req.Strategy)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return strategy, nil
}

// CreateCopyTask validates the request, stores a pending record and submits
// the copy to the engine.
func (s *CopyService) CreateCopyTask(ctx context.Context, req CreateCopyRequest) (*model.TaskRecord, error) {
	strategy, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	active, err := s.store.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	if err := CheckTargetConflict(s.cfg, req.Target, active); err != nil {
		return nil, err
	}

	reader, err := s.endpoints.Reader(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", req.Source, err)
	}
	writer, err := s.endpoints.Writer(ctx, req.Target, strategy)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", req.Target, err)
	}

	id := ulid.Make().String()
	if req.Name == "" {
		req.Name = fmt.Sprintf("Copy %s to %s", req.Source, req.Target)
	}
	now := time.Now()
	rec := &model.TaskRecord{
		ID:        id,
		Kind:      model.KindCopyCollection,
		Name:      req.Name,
		Source:    req.Source,
		Target:    req.Target,
		Strategy:  string(strategy),
		Status:    task.StatePending,
		Message:   "Pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	log := s.log.WithField("task_id", id)
	hooks := worker.NewCopyPasteCollectionTask(worker.CopyConfig{
		Source:   req.Source.Namespace(),
		Target:   req.Target.Namespace(),
		Strategy: strategy,
	}, reader, writer, log, s.errorRecorder(id, log))

	if _, err := s.engine.Submit(id, model.KindCopyCollection, req.Name, hooks); err != nil {
		rec.Status = task.StateFailed
		rec.LastError = err.Error()
		rec.Message = "Task could not be scheduled"
		if saveErr := s.store.Save(ctx, rec); saveErr != nil {
			log.Errorf("Saving unscheduled task failed: %v", saveErr)
		}
		return nil, err
	}
	log.Infof("Created task %q (%s, strategy %s)", req.Name, model.KindCopyCollection, strategy)
	return rec, nil
}

// errorRecorder stores the first MaxRecordedErrors document errors of a task.
func (s *CopyService) errorRecorder(taskID string, log logrus.FieldLogger) worker.ErrorRecorder {
	var recorded atomic.Int64
	limit := int64(s.opts.MaxRecordedErrors)
	return worker.ErrorRecorderFunc(func(werr transfer.WriteError) {
		n := recorded.Add(1)
		if n > limit {
			if n == limit+1 {
				log.Warnf("More than %d document errors, further errors are not recorded", limit)
			}
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.store.LogError(ctx, model.TaskError{
			TaskID:     taskID,
			DocumentID: documentIDString(werr.DocumentID),
			ErrorMsg:   errorText(werr),
			Timestamp:  time.Now(),
		})
		if err != nil {
			log.Warnf("Recording document error failed: %v", err)
		}
	})
}

func documentIDString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case bson.RawValue:
		if s, ok := v.StringValueOK(); ok {
			return s
		}
		if oid, ok := v.ObjectIDOK(); ok {
			return oid.Hex()
		}
		return v.String()
	case primitive.ObjectID:
		return v.Hex()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func errorText(werr transfer.WriteError) string {
	if werr.Err == nil {
		return "unknown error"
	}
	return werr.Err.Error()
}

// overlay replaces persisted state with the live state of tasks this
// process runs; the store lags by up to one flush interval.
func (s *CopyService) overlay(rec *model.TaskRecord) {
	snap, err := s.engine.Snapshot(rec.ID)
	if err != nil {
		return
	}
	rec.ApplyStatus(snap.Status)
	rec.ApplyResult(snap.Result)
	if snap.Total > 0 {
		rec.TotalDocuments = snap.Total
	}
	if len(snap.Measurements) > 0 {
		rec.Measurements = snap.Measurements
	}
}

func (s *CopyService) ListTasks(ctx context.Context) ([]model.TaskRecord, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		s.overlay(&recs[i])
	}
	return recs, nil
}

func (s *CopyService) GetTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	s.overlay(rec)
	return rec, nil
}

// StopTask stops a task and waits for it to acknowledge, up to the stop
// timeout.
func (s *CopyService) StopTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	rec, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	if err := s.engine.Stop(stopCtx, id); err != nil {
		if errors.Is(err, worker.ErrTaskNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
		}
		return nil, fmt.Errorf("stop task %s: %w", id, err)
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes a finished task and its recorded errors.
func (s *CopyService) DeleteTask(ctx context.Context, id string) error {
	rec, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := s.engine.Delete(id); err != nil && !errors.Is(err, worker.ErrTaskNotFound) {
		return err
	}
	if err := s.store.Delete(ctx, rec.ID); err != nil {
		return err
	}
	s.log.WithField("task_id", id).Info("Deleted task")
	return nil
}

func (s *CopyService) TaskErrors(ctx context.Context, id string, limit int64) ([]model.TaskError, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListErrors(ctx, id, limit)
}

// Connections lists the configured connections. Secrets are not serialized.
func (s *CopyService) Connections() []config.Connection {
	return s.cfg.Connections
}
