package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"docdb-transfer/internal/task"
	"docdb-transfer/internal/transfer"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already registered")
)

const (
	DefaultFlushInterval = 3 * time.Second
	DefaultMaxConcurrent = 4
)

// Snapshot is what the engine persists about a task.
type Snapshot struct {
	ID           string
	Kind         string
	Status       task.Status
	Total        int64
	Result       transfer.StreamWriteResult
	Measurements transfer.Measurements
}

// StatusSink stores task snapshots, periodically and once more on completion.
type StatusSink interface {
	FlushStatus(ctx context.Context, snap Snapshot) error
}

// Counters is implemented by hooks that expose running counters.
type Counters interface {
	Total() int64
	Result() transfer.StreamWriteResult
	Measurements() transfer.Measurements
}

type EngineOptions struct {
	MaxConcurrent int64
	FlushInterval time.Duration
	Sink          StatusSink
	Logger        logrus.FieldLogger
}

type entry struct {
	task  *task.Task
	hooks task.Hooks
	// receives once the dispatcher handed this task a slot
	admitted chan struct{}
}

// Engine owns every task of the process and runs a bounded number of them
// at a time. Slots are handed out in submission order.
type Engine struct {
	sem           *semaphore.Weighted
	sink          StatusSink
	flushInterval time.Duration
	log           logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	entries map[string]*entry
	queue   []*entry
	wake    chan struct{}
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sem:           semaphore.NewWeighted(opts.MaxConcurrent),
		sink:          opts.Sink,
		flushInterval: opts.FlushInterval,
		log:           opts.Logger,
		ctx:           ctx,
		cancel:        cancel,
		entries:       make(map[string]*entry),
		wake:          make(chan struct{}, 1),
	}
	go e.dispatch()
	return e
}

// Submit registers a task and starts it as soon as a slot is free.
func (e *Engine) Submit(id, kind, name string, hooks task.Hooks) (*task.Task, error) {
	e.mu.Lock()
	if _, ok := e.entries[id]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is shut down: %w", e.ctx.Err())
	}
	en := &entry{
		task:     task.New(id, kind, name, hooks, e.log),
		hooks:    hooks,
		admitted: make(chan struct{}),
	}
	e.entries[id] = en
	e.queue = append(e.queue, en)
	e.wg.Add(1)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	go e.launch(en)
	return en.task, nil
}

// dispatch hands slots to queued tasks one at a time, oldest first.
func (e *Engine) dispatch() {
	for {
		en, ok := e.dequeue()
		if !ok {
			return
		}
		select {
		case <-en.task.Done():
			continue
		default:
		}
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return
		}
		select {
		case en.admitted <- struct{}{}:
		case <-en.task.Done():
			e.sem.Release(1)
		case <-e.ctx.Done():
			e.sem.Release(1)
			return
		}
	}
}

func (e *Engine) dequeue() (*entry, bool) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			en := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return en, true
		}
		e.mu.Unlock()

		select {
		case <-e.wake:
		case <-e.ctx.Done():
			return nil, false
		}
	}
}

func (e *Engine) launch(en *entry) {
	defer e.wg.Done()
	t := en.task

	// Waiting for a slot ends early if the task is stopped while pending
	// or the engine shuts down.
	select {
	case <-en.admitted:
	case <-t.Done():
		e.flush(en)
		return
	case <-e.ctx.Done():
		if t.Status().State == task.StatePending {
			_ = t.Stop(context.Background())
		}
		e.flush(en)
		return
	}
	defer e.sem.Release(1)

	if err := t.Start(e.ctx); err != nil {
		e.log.WithField("task_id", t.ID()).Debugf("Task not started: %v", err)
		e.flush(en)
		return
	}
	e.progressReporter(en)
}

// progressReporter flushes snapshots on a ticker until the task ends.
func (e *Engine) progressReporter(en *entry) {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-en.task.Done():
			e.flush(en)
			return
		case <-ticker.C:
			e.flush(en)
		}
	}
}

func (e *Engine) flush(en *entry) {
	if e.sink == nil || en.task.Deleted() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.sink.FlushStatus(ctx, snapshotOf(en)); err != nil {
		e.log.WithField("task_id", en.task.ID()).Warnf("Persisting task status failed: %v", err)
	}
}

func snapshotOf(en *entry) Snapshot {
	snap := Snapshot{
		ID:     en.task.ID(),
		Kind:   en.task.Kind(),
		Status: en.task.Status(),
	}
	if c, ok := en.hooks.(Counters); ok {
		snap.Total = c.Total()
		snap.Result = c.Result()
		snap.Measurements = c.Measurements()
	}
	return snap
}

func (e *Engine) Get(id string) (*task.Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return en.task, nil
}

// Snapshot returns the current view of a task.
func (e *Engine) Snapshot(id string) (Snapshot, error) {
	e.mu.RLock()
	en, ok := e.entries[id]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return snapshotOf(en), nil
}

// List returns all tasks ordered by id.
func (e *Engine) List() []*task.Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*task.Task, 0, len(e.entries))
	for _, en := range e.entries {
		out = append(out, en.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stop stops a task and waits for it to acknowledge.
func (e *Engine) Stop(ctx context.Context, id string) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	return t.Stop(ctx)
}

// Delete forgets a task that is no longer active.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := en.task.Delete(); err != nil {
		return err
	}
	// releases a launch still waiting for a slot
	_ = en.task.Stop(context.Background())
	delete(e.entries, id)
	return nil
}

// Wait blocks until every submitted task has ended and its final status
// was flushed.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every task and waits for them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	return e.Wait(ctx)
}
