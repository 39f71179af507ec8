package eventbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	taskGroupArchive  = "archive"
	taskGroupReminder = "reminder"
)

// ErrSchedulerClosed is returned by Close when called more than once,
// and logged when scheduling is attempted after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// Action is the work a scheduled task performs. The context is canceled
// when the owning Scheduler is closed and its grace period expires.
type Action func(ctx context.Context) error

// OffsetAction pairs an offset before a reference instant with the action
// to run at that moment.
type OffsetAction struct {
	Offset time.Duration
	Label  string
	Action Action
}

// TaskInfo is a point-in-time description of a task.
type TaskInfo struct {
	ID        string    `json:"id"`
	Group     string    `json:"group"`
	EntityID  string    `json:"entity_id"`
	Label     string    `json:"label"`
	FireAt    time.Time `json:"fire_at"`
	Immediate bool      `json:"immediate"`
}

func (t TaskInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("group", t.Group),
		slog.String("entity_id", t.EntityID),
		slog.String("label", t.Label),
		slog.Time("fire_at", t.FireAt),
	)
}

// TaskObserver is notified after every task execution, successful or not.
type TaskObserver interface {
	ObserveTask(ctx context.Context, task TaskInfo, started time.Time, finished time.Time, err error)
}

// TaskHandle identifies one scheduled task. Handles are compared by
// identity: a rescheduled entity always gets a new handle.
type TaskHandle struct {
	info     TaskInfo
	stop     chan struct{}
	stopOnce sync.Once
}

func (h *TaskHandle) Info() TaskInfo {
	return h.info
}

func (h *TaskHandle) cancelWait() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Scheduler runs one-shot actions at a target instant. Each entity has its
// own cancellation group: scheduling an entity again cancels whatever was
// pending for it. The table is owned by the Scheduler and is not persisted.
type Scheduler struct {
	group    string
	clock    Clock
	logger   *slog.Logger
	observer TaskObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string][]*TaskHandle
	closed bool
}

// NewScheduler returns a Scheduler for the given task group. observer
// may be nil.
func NewScheduler(
	group string,
	clock Clock,
	logger *slog.Logger,
	observer TaskObserver,
) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		group:    group,
		clock:    clock,
		logger:   logger.With(loggerNameKey, "scheduler", "task_group", group),
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    map[string][]*TaskHandle{},
	}
}

// Group returns the task group name
func (s *Scheduler) Group() string {
	return s.group
}

// Schedule arranges for action to run at fireAt, replacing anything
// pending for entityID. If fireAt is not in the future, the action starts
// immediately and no entry is recorded.
func (s *Scheduler) Schedule(
	entityID string,
	fireAt time.Time,
	label string,
	action Action,
) *TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("schedule after close ignored", "entity_id", entityID, "label", label)
		return nil
	}
	s.cancelLocked(entityID)
	return s.scheduleLocked(entityID, fireAt, label, action, true)
}

// ScheduleMany replaces anything pending for entityID with one task per
// offset, each firing at reference minus its offset. Offsets whose moment
// has already passed are dropped rather than run late. It returns the
// handles that were scheduled.
func (s *Scheduler) ScheduleMany(
	entityID string,
	reference time.Time,
	actions []OffsetAction,
) []*TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("schedule after close ignored", "entity_id", entityID)
		return nil
	}
	s.cancelLocked(entityID)

	now := s.clock.Now()
	var handles []*TaskHandle
	for _, oa := range actions {
		fireAt := reference.Add(-oa.Offset)
		if !fireAt.After(now) {
			s.logger.Debug(
				"dropping past task",
				"entity_id", entityID,
				"label", oa.Label,
				"fire_at", fireAt,
			)
			continue
		}
		handles = append(handles, s.scheduleLocked(entityID, fireAt, oa.Label, oa.Action, false))
	}
	return handles
}

// RunNow cancels anything pending for entityID and starts action
// immediately.
func (s *Scheduler) RunNow(entityID string, label string, action Action) *TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("run after close ignored", "entity_id", entityID, "label", label)
		return nil
	}
	s.cancelLocked(entityID)
	h := s.newHandle(entityID, s.clock.Now(), label, true)
	s.wg.Add(1)
	go s.execute(h, action)
	return h
}

// Cancel stops every pending wait for entityID. It reports whether
// anything was pending. Actions that have already started run to
// completion.
func (s *Scheduler) Cancel(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(entityID)
}

// Pending returns the tasks currently waiting for entityID.
func (s *Scheduler) Pending(entityID string) []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := s.tasks[entityID]
	rv := make([]TaskInfo, 0, len(handles))
	for _, h := range handles {
		rv = append(rv, h.info)
	}
	sortTaskInfo(rv)
	return rv
}

// Entries returns every pending task, ordered by fire time.
func (s *Scheduler) Entries() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rv []TaskInfo
	for _, handles := range s.tasks {
		for _, h := range handles {
			rv = append(rv, h.info)
		}
	}
	sortTaskInfo(rv)
	return rv
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, handles := range s.tasks {
		n += len(handles)
	}
	return n
}

// Close cancels every pending wait and waits for running actions to
// finish, until ctx is done. The context passed to actions is canceled
// when Close returns.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.closed = true
	for entityID := range s.tasks {
		s.cancelLocked(entityID)
	}
	s.mu.Unlock()
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting on %s tasks: %w", s.group, ctx.Err())
	}
}

func (s *Scheduler) newHandle(
	entityID string,
	fireAt time.Time,
	label string,
	immediate bool,
) *TaskHandle {
	return &TaskHandle{
		info: TaskInfo{
			ID:        uuid.NewString(),
			Group:     s.group,
			EntityID:  entityID,
			Label:     label,
			FireAt:    fireAt.UTC(),
			Immediate: immediate,
		},
		stop: make(chan struct{}),
	}
}

func (s *Scheduler) scheduleLocked(
	entityID string,
	fireAt time.Time,
	label string,
	action Action,
	runIfDue bool,
) *TaskHandle {
	delay := fireAt.Sub(s.clock.Now())
	if delay <= 0 && runIfDue {
		h := s.newHandle(entityID, fireAt, label, true)
		s.logger.Info("task overdue, running now", "task", h.info, "overdue", -delay)
		s.wg.Add(1)
		go s.execute(h, action)
		return h
	}

	h := s.newHandle(entityID, fireAt, label, false)
	s.tasks[entityID] = append(s.tasks[entityID], h)
	s.logger.Info("task scheduled", "task", h.info, "delay", delay)

	s.wg.Add(1)
	go s.wait(h, delay, action)
	return h
}

func (s *Scheduler) wait(h *TaskHandle, delay time.Duration, action Action) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-h.stop:
		s.wg.Done()
		return
	case <-s.ctx.Done():
		s.remove(h)
		s.wg.Done()
		return
	case <-timer.C:
	}
	s.execute(h, action)
}

// execute runs the action and is the final handling point for anything
// it returns or panics with. The table entry is removed afterward, by
// handle identity, so a replacement scheduled meanwhile is left intact.
func (s *Scheduler) execute(h *TaskHandle, action Action) {
	defer s.wg.Done()
	defer s.remove(h)

	ctx := WithLogger(s.ctx, s.logger.With("task", h.info))
	started := s.clock.Now()
	var err error

	defer func() {
		if rc := recover(); rc != nil {
			err = fmt.Errorf("panic: %v", rc)
			handleRecover(ctx, rc)
		}
		if s.observer != nil {
			s.observer.ObserveTask(ctx, h.info, started, s.clock.Now(), err)
		}
	}()

	s.logger.Debug("running task", "task", h.info)
	err = action(ctx)
	if err != nil {
		s.logger.Error("task failed", "task", h.info, tint.Err(err))
		return
	}
	s.logger.Info("task finished", "task", h.info)
}

func (s *Scheduler) cancelLocked(entityID string) bool {
	handles, ok := s.tasks[entityID]
	if !ok {
		return false
	}
	delete(s.tasks, entityID)
	for _, h := range handles {
		h.cancelWait()
	}
	s.logger.Debug("canceled tasks", "entity_id", entityID, "count", len(handles))
	return len(handles) > 0
}

func (s *Scheduler) remove(h *TaskHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := s.tasks[h.info.EntityID]
	for i, existing := range handles {
		if existing != h {
			continue
		}
		handles = append(handles[:i:i], handles[i+1:]...)
		if len(handles) == 0 {
			delete(s.tasks, h.info.EntityID)
		} else {
			s.tasks[h.info.EntityID] = handles
		}
		return
	}
}

func sortTaskInfo(tasks []TaskInfo) {
	sort.SliceStable(
		tasks, func(i, j int) bool {
			if tasks[i].FireAt.Equal(tasks[j].FireAt) {
				return tasks[i].EntityID < tasks[j].EntityID
			}
			return tasks[i].FireAt.Before(tasks[j].FireAt)
		},
	)
}
