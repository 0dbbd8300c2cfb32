// Package task runs long operations with a small lifecycle state machine:
// pending -> initializing -> running -> completed | failed | stopped, with
// stopping between a stop request and its acknowledgment.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State string

const (
	StatePending      State = "pending"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// Active reports whether the task is doing or finishing work.
func (s State) Active() bool {
	return s == StateInitializing || s == StateRunning || s == StateStopping
}

var (
	ErrNotPending = errors.New("task is not pending")
	ErrActive     = errors.New("task is still active")
	ErrDeleted    = errors.New("task was deleted")
)

// Status is owned by the task and only changed by it.
type Status struct {
	State     State     `json:"state"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Err       error     `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Status) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Reporter lets hooks publish progress.
type Reporter interface {
	UpdateProgress(percent int, message string)
}

// Hooks are implemented by concrete task types.
type Hooks interface {
	Initialize(ctx context.Context, r Reporter) error
	Run(ctx context.Context, r Reporter) error
	// OnCancel runs on the task goroutine after cancellation was observed.
	OnCancel()
}

const defaultPollInterval = 100 * time.Millisecond

type Task struct {
	id    string
	kind  string
	name  string
	hooks Hooks
	log   logrus.FieldLogger

	mu        sync.RWMutex
	status    Status
	cancel    context.CancelFunc
	deleted   bool
	listeners []func(Status)

	done      chan struct{}
	closeOnce sync.Once

	// PollInterval is how often Stop checks for acknowledgment.
	PollInterval time.Duration
}

func New(id, kind, name string, hooks Hooks, log logrus.FieldLogger) *Task {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Task{
		id:    id,
		kind:  kind,
		name:  name,
		hooks: hooks,
		log:   log.WithField("task_id", id),
		status: Status{
			State:     StatePending,
			Message:   "Pending",
			UpdatedAt: time.Now(),
		},
		done:         make(chan struct{}),
		PollInterval: defaultPollInterval,
	}
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Kind() string { return t.kind }
func (t *Task) Name() string { return t.name }

// Done is closed when the task reached a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// OnStatusChange registers fn to be called after every status change.
func (t *Task) OnStatusChange(fn func(Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Start launches the task in its own goroutine.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return ErrDeleted
	}
	if t.status.State != StatePending {
		t.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotPending, t.status.State)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.setLocked(StateInitializing, 0, "Initializing", nil)
	snapshot, listeners := t.status, t.listeners
	t.mu.Unlock()

	notify(listeners, snapshot)
	t.log.Infof("Task %q (%s) started", t.name, t.kind)

	go t.run(runCtx, cancel)
	return nil
}

func (t *Task) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	err := t.hooks.Initialize(ctx, t)
	if err == nil && ctx.Err() == nil && t.transition(StateRunning, "Running") {
		err = t.hooks.Run(ctx, t)
	}
	t.finish(ctx, err)
}

func (t *Task) finish(ctx context.Context, err error) {
	var (
		state   State
		message string
	)
	cancelled := ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || t.Status().State == StateStopping)

	switch {
	case cancelled:
		t.hooks.OnCancel()
		state, message, err = StateStopped, "Task stopped", nil
	case err != nil:
		state, message = StateFailed, err.Error()
	default:
		state = StateCompleted
		message = t.Status().Message
	}

	t.mu.Lock()
	progress := t.status.Progress
	if state == StateCompleted {
		progress = 100
	}
	t.setLocked(state, progress, message, err)
	snapshot, listeners := t.status, t.listeners
	t.mu.Unlock()

	switch state {
	case StateFailed:
		t.log.Errorf("Task %q failed: %v", t.name, err)
	default:
		t.log.Infof("Task %q %s: %s", t.name, state, message)
	}
	notify(listeners, snapshot)
	t.closeOnce.Do(func() { close(t.done) })
}

// transition moves to state unless a stop was requested meanwhile.
func (t *Task) transition(state State, message string) bool {
	t.mu.Lock()
	if t.status.State == StateStopping {
		t.mu.Unlock()
		return false
	}
	t.setLocked(state, t.status.Progress, message, nil)
	snapshot, listeners := t.status, t.listeners
	t.mu.Unlock()

	notify(listeners, snapshot)
	return true
}

// UpdateProgress implements Reporter. Progress never goes backwards and is
// ignored once the task stops running.
func (t *Task) UpdateProgress(percent int, message string) {
	t.mu.Lock()
	if t.status.State != StateInitializing && t.status.State != StateRunning {
		t.mu.Unlock()
		return
	}
	percent = min(max(percent, t.status.Progress), 100)
	t.setLocked(t.status.State, percent, message, nil)
	snapshot, listeners := t.status, t.listeners
	t.mu.Unlock()

	notify(listeners, snapshot)
}

// Stop requests cancellation and waits until the task acknowledges it or
// ctx expires. The running operation cannot be preempted mid-write, so the
// acknowledgment is polled.
func (t *Task) Stop(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.status.State.Terminal():
		t.mu.Unlock()
		return nil
	case t.status.State == StatePending:
		t.setLocked(StateStopped, 0, "Task stopped before start", nil)
		snapshot, listeners := t.status, t.listeners
		t.mu.Unlock()
		notify(listeners, snapshot)
		t.closeOnce.Do(func() { close(t.done) })
		return nil
	case t.status.State != StateStopping:
		t.setLocked(StateStopping, t.status.Progress, "Stopping", nil)
		t.cancel()
	}
	snapshot, listeners := t.status, t.listeners
	t.mu.Unlock()
	notify(listeners, snapshot)

	interval := t.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	for !t.Status().State.Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}

// Delete marks the task as removed. Active tasks must be stopped first.
func (t *Task) Delete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.State.Active() {
		return ErrActive
	}
	t.deleted = true
	return nil
}

func (t *Task) Deleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deleted
}

func (t *Task) setLocked(state State, progress int, message string, err error) {
	t.status = Status{
		State:     state,
		Progress:  progress,
		Message:   message,
		Err:       err,
		UpdatedAt: time.Now(),
	}
}

func notify(listeners []func(Status), s Status) {
	for _, fn := range listeners {
		fn(s)
	}
}
