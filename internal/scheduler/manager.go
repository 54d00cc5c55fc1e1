package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"maintflow/internal/domain"
	"maintflow/internal/metrics"
	"maintflow/internal/queue"
	"maintflow/internal/worker"
)

// ErrStopped is returned to callers once the manager loop has exited.
var ErrStopped = fmt.Errorf("%w: stopped", domain.ErrUnavailable)

// interruptedError is stored on tasks found running when the scheduler starts.
const interruptedError = "interrupted by scheduler restart"

// Config tunes the manager loop.
type Config struct {
	// ShutdownTimeout bounds how long Run waits for running handlers once its
	// context is cancelled. Handlers still running afterwards are resolved by
	// the next recovery.
	ShutdownTimeout time.Duration
	// PurgeInterval is how often expired terminal tasks are deleted. 0 disables.
	PurgeInterval time.Duration
	// Bootstrap tasks are scheduled right after recovery.
	Bootstrap []domain.ScheduleRequest
}

type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log.With().Str("component", "scheduler").Logger() }
}

type op int

const (
	opSchedule op = iota
	opList
	opCancel
)

type message struct {
	op     op
	req    domain.ScheduleRequest
	filter domain.ListFilter
	id     string
	reply  chan reply
}

type reply struct {
	task  domain.Task
	tasks []domain.Task
	err   error
}

// Manager is the single owner of task state. Every mutation happens on the
// goroutine running Run; Schedule, List and Cancel only exchange messages
// with it, so they are safe to call from any number of goroutines.
type Manager struct {
	repo queue.Repository
	pool *worker.Pool
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	msgs    chan message
	started chan struct{}
	done    chan struct{}

	// Owned by the Run goroutine.
	due      taskHeap
	ready    map[string]*taskHeap
	live     map[string]*entry
	seq      uint64
	running  int
	stopping bool
}

func NewManager(repo queue.Repository, pool *worker.Pool, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		pool:    pool,
		cfg:     cfg,
		log:     zerolog.Nop(),
		now:     time.Now,
		msgs:    make(chan message),
		started: make(chan struct{}),
		done:    make(chan struct{}),
		ready:   make(map[string]*taskHeap),
		live:    make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Started is closed once recovery has completed and messages are served.
func (m *Manager) Started() <-chan struct{} { return m.started }

// Schedule accepts a task, or returns the live task already holding the same
// id when the request describes the same operation.
func (m *Manager) Schedule(ctx context.Context, req domain.ScheduleRequest) (domain.Task, error) {
	r, err := m.send(ctx, message{op: opSchedule, req: req})
	return r.task, err
}

// List returns stored tasks matching f, ordered by start time then id.
func (m *Manager) List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error) {
	r, err := m.send(ctx, message{op: opList, filter: f})
	return r.tasks, err
}

// Cancel cancels a pending task or asks a running one to abort.
func (m *Manager) Cancel(ctx context.Context, id string) (domain.Task, error) {
	r, err := m.send(ctx, message{op: opCancel, id: id})
	return r.task, err
}

func (m *Manager) send(ctx context.Context, msg message) (reply, error) {
	msg.reply = make(chan reply, 1)
	select {
	case m.msgs <- msg:
	case <-m.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-msg.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Run recovers persisted tasks and then serves messages, timers and worker
// results until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	// Store writes must outlive ctx so that shutdown can persist results.
	sctx := context.WithoutCancel(ctx)

	if err := m.recover(sctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	m.bootstrap(sctx)
	close(m.started)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	var purge <-chan time.Time
	if m.cfg.PurgeInterval > 0 {
		t := time.NewTicker(m.cfg.PurgeInterval)
		defer t.Stop()
		purge = t.C
	}

	for {
		m.promoteDue(sctx)
		m.armTimer(timer)

		select {
		case <-ctx.Done():
			m.drain(sctx)
			return nil
		case msg := <-m.msgs:
			msg.reply <- m.handle(sctx, msg)
		case r := <-m.pool.Results():
			m.finish(sctx, r)
		case <-timer.C:
		case <-purge:
			m.purge(sctx)
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg message) reply {
	switch msg.op {
	case opSchedule:
		t, err := m.schedule(ctx, msg.req)
		return reply{task: t, err: err}
	case opList:
		tasks, err := m.repo.List(ctx, msg.filter)
		if err != nil {
			err = fmt.Errorf("list tasks: %w", err)
		}
		return reply{tasks: tasks, err: err}
	case opCancel:
		t, err := m.cancel(ctx, msg.id)
		return reply{task: t, err: err}
	}
	return reply{err: fmt.Errorf("unknown message %d", msg.op)}
}

// armTimer makes the timer fire when the earliest scheduled task is due.
func (m *Manager) armTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	next := m.due.peek()
	if next == nil {
		t.Reset(time.Hour)
		return
	}
	t.Reset(max(next.task.StartAt.Sub(m.now()), 0))
}

func (m *Manager) validate(req domain.ScheduleRequest) error {
	if req.WorkerName == "" {
		return domain.Invalidf("worker name is required")
	}
	if !m.pool.Has(req.WorkerName) {
		return &domain.UnknownWorkerError{WorkerName: req.WorkerName}
	}
	if req.ID != "" && !domain.ValidTaskID(req.ID) {
		return domain.Invalidf("task id %q is not %d lowercase hex characters", req.ID, domain.TaskIDLength)
	}
	if req.Redo != "" {
		if err := ValidateCronExpression(req.Redo); err != nil {
			return domain.Invalidf("redo %q: %v", req.Redo, err)
		}
	}
	if req.Expire < 0 {
		return domain.Invalidf("expire must not be negative")
	}
	return nil
}

// derivedID is used when the caller does not build its own dedup id.
func derivedID(req domain.ScheduleRequest, start time.Time) (string, error) {
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return "", domain.Invalidf("options are not serializable: %v", err)
	}
	return domain.TaskID(req.WorkerName, string(opts), start.Format(time.RFC3339Nano), req.Redo), nil
}

func (m *Manager) schedule(ctx context.Context, req domain.ScheduleRequest) (domain.Task, error) {
	if err := m.validate(req); err != nil {
		return domain.Task{}, err
	}

	now := m.now().UTC()
	start := req.StartAt.UTC()
	if req.StartAt.IsZero() {
		start = now
	}
	id := req.ID
	if id == "" {
		var err error
		if id, err = derivedID(req, start); err != nil {
			return domain.Task{}, err
		}
	}

	// Nudge by one microsecond so a start time is always strictly after the
	// instant it was requested for; recovery then treats anything at or
	// before "now" as due.
	start = start.Truncate(time.Microsecond).Add(time.Microsecond)

	t := domain.Task{
		ID:         id,
		WorkerName: req.WorkerName,
		Options:    req.Options,
		StartAt:    start,
		Status:     domain.StatusTodo,
		Redo:       req.Redo,
		Expire:     req.Expire,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if t.Options == nil {
		t.Options = domain.Options{}
	}

	if e, ok := m.live[id]; ok {
		if e.task.SameOperation(t) {
			return e.task, nil
		}
		return domain.Task{}, &domain.ConflictError{TaskID: id}
	}

	var previous *domain.Task
	existing, err := m.repo.Get(ctx, id)
	switch {
	case err == nil && !existing.Status.IsTerminal():
		// Not tracked in memory but live on disk: only possible if a write
		// failed earlier. Keep the stored record authoritative.
		if existing.SameOperation(t) {
			return existing, nil
		}
		return domain.Task{}, &domain.ConflictError{TaskID: id}
	case err == nil:
		previous = &existing
		err = m.repo.Replace(ctx, t)
	case errors.Is(err, domain.ErrNotFound):
		err = m.repo.Insert(ctx, t)
	}
	if errors.Is(err, queue.ErrDuplicate) {
		return domain.Task{}, &domain.ConflictError{TaskID: id}
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("store task %s: %w", id, err)
	}

	if err := m.repo.UpdateStatus(ctx, id, domain.StatusScheduled, now); err != nil {
		m.rollback(ctx, id, previous)
		return domain.Task{}, fmt.Errorf("accept task %s: %w", id, err)
	}
	t.Status = domain.StatusScheduled
	m.pushDue(m.track(t))

	metrics.TasksScheduled.WithLabelValues(t.WorkerName).Inc()
	m.log.Info().
		Str("task_id", t.ID).
		Str("worker", t.WorkerName).
		Time("start_at", t.StartAt).
		Str("redo", t.Redo).
		Msg("task scheduled")
	return t, nil
}

// rollback undoes a store write whose follow-up failed. A replaced terminal
// record is put back as it was; a fresh insert is removed.
func (m *Manager) rollback(ctx context.Context, id string, previous *domain.Task) {
	var err error
	if previous != nil {
		err = m.repo.Replace(ctx, *previous)
	} else {
		err = m.repo.Delete(ctx, id)
	}
	if err != nil {
		m.log.Error().Err(err).Str("task_id", id).Msg("failed to roll back task write")
	}
}

func (m *Manager) cancel(ctx context.Context, id string) (domain.Task, error) {
	e, ok := m.live[id]
	if !ok {
		return domain.Task{}, &domain.NotFoundError{TaskID: id}
	}
	now := m.now().UTC()

	switch e.task.Status {
	case domain.StatusTodo, domain.StatusScheduled, domain.StatusQueued:
		if err := m.repo.UpdateStatus(ctx, id, domain.StatusCanceled, now); err != nil {
			return domain.Task{}, fmt.Errorf("cancel task %s: %w", id, err)
		}
		if e.task.Status == domain.StatusQueued {
			m.removeReady(e)
		} else {
			m.removeDue(e)
		}
		delete(m.live, id)
		e.task.Status = domain.StatusCanceled
		e.task.UpdatedAt = now
		metrics.TasksFinished.WithLabelValues(e.task.WorkerName, e.task.Status.Label()).Inc()
		m.log.Info().Str("task_id", id).Str("worker", e.task.WorkerName).Msg("task canceled")
		return e.task, nil

	case domain.StatusDoing:
		if err := m.repo.UpdateStatus(ctx, id, domain.StatusAbort, now); err != nil {
			return domain.Task{}, fmt.Errorf("abort task %s: %w", id, err)
		}
		e.task.Status = domain.StatusAbort
		e.task.UpdatedAt = now
		if !m.pool.Abort(id) {
			m.log.Warn().Str("task_id", id).Msg("abort requested but no running handler found")
		}
		m.log.Info().Str("task_id", id).Str("worker", e.task.WorkerName).Msg("task abort requested")
		return e.task, nil
	}

	// StatusAbort: already aborting.
	return e.task, nil
}

// promoteDue moves every scheduled task whose start time has passed to its
// worker's ready queue and dispatches what the pool can take.
func (m *Manager) promoteDue(ctx context.Context) {
	now := m.now()
	touched := map[string]struct{}{}
	for {
		e := m.due.peek()
		if e == nil || e.task.StartAt.After(now) {
			break
		}
		m.popDue()
		if err := m.repo.UpdateStatus(ctx, e.task.ID, domain.StatusQueued, now.UTC()); err != nil {
			m.log.Error().Err(err).Str("task_id", e.task.ID).Msg("failed to persist queued status")
		}
		e.task.Status = domain.StatusQueued
		e.task.UpdatedAt = now.UTC()
		m.pushReady(e)
		touched[e.task.WorkerName] = struct{}{}
	}
	for name := range touched {
		m.dispatch(ctx, name)
	}
}

// dispatch hands queued tasks of one worker to the pool while it has free
// slots, earliest start time first.
func (m *Manager) dispatch(ctx context.Context, name string) {
	if m.stopping {
		return
	}
	h := m.ready[name]
	for h != nil && h.Len() > 0 && m.pool.TryAcquire(name) {
		e := m.popReady(name)
		now := m.now().UTC()
		if err := m.repo.UpdateStatus(ctx, e.task.ID, domain.StatusDoing, now); err != nil {
			m.log.Error().Err(err).Str("task_id", e.task.ID).Msg("failed to persist doing status")
		}
		e.task.Status = domain.StatusDoing
		e.task.UpdatedAt = now
		m.running++
		m.log.Debug().Str("task_id", e.task.ID).Str("worker", name).Msg("task dispatched")
		m.pool.Run(e.task)
	}
}

// finish records a worker result.
func (m *Manager) finish(ctx context.Context, r worker.Result) {
	m.running--
	e, ok := m.live[r.TaskID]
	if !ok {
		m.log.Warn().Str("task_id", r.TaskID).Msg("result for unknown task")
		m.dispatch(ctx, r.WorkerName)
		return
	}

	// A handler that returned before the abort reached it completed its
	// work, so only a delivered abort turns into aborted.
	var status domain.Status
	switch {
	case e.task.Status == domain.StatusAbort && (r.Aborted || r.Err != nil):
		status = domain.StatusAborted
	case r.Err != nil:
		status = domain.StatusFailed
	default:
		status = domain.StatusDone
	}
	var errStr string
	switch {
	case r.Err != nil:
		errStr = r.Err.Error()
	case status == domain.StatusAborted:
		errStr = worker.ErrAborted.Error()
	}

	lvl := zerolog.InfoLevel
	if status != domain.StatusDone {
		lvl = zerolog.WarnLevel
	}
	m.log.WithLevel(lvl).
		Str("task_id", r.TaskID).
		Str("error", errStr).
		Str("worker", r.WorkerName).
		Str("status", status.Label()).
		Dur("duration", r.Duration).
		Msg("task finished")

	m.complete(ctx, e, status, r.Output, errStr)
	m.dispatch(ctx, r.WorkerName)
}

// complete persists a terminal status and either forgets the task or, for a
// recurring one, schedules its next run.
func (m *Manager) complete(ctx context.Context, e *entry, status domain.Status, output json.RawMessage, errStr string) {
	now := m.now().UTC()
	if !domain.CanTransition(e.task.Status, status) {
		m.log.Warn().
			Str("task_id", e.task.ID).
			Str("from", e.task.Status.Label()).
			Str("to", status.Label()).
			Msg("unexpected status transition")
	}
	if err := m.repo.Finish(ctx, e.task.ID, status, output, errStr, now); err != nil {
		m.log.Error().Err(err).Str("task_id", e.task.ID).Msg("failed to persist task result")
	}
	e.task.Status = status
	e.task.Output = output
	e.task.Error = errStr
	e.task.UpdatedAt = now
	metrics.TasksFinished.WithLabelValues(e.task.WorkerName, status.Label()).Inc()

	if e.task.Redo == "" || !domain.CanRearm(status) {
		delete(m.live, e.task.ID)
		return
	}
	next, err := NextRunTime(e.task.Redo, now)
	if err != nil {
		m.log.Error().Err(err).Str("task_id", e.task.ID).Str("redo", e.task.Redo).Msg("cannot compute next run")
		delete(m.live, e.task.ID)
		return
	}
	if err := m.repo.Rearm(ctx, e.task.ID, next, now); err != nil {
		m.log.Error().Err(err).Str("task_id", e.task.ID).Msg("failed to rearm recurring task")
		delete(m.live, e.task.ID)
		return
	}
	e.task.Status = domain.StatusScheduled
	e.task.StartAt = next
	m.pushDue(e)
	m.log.Info().Str("task_id", e.task.ID).Time("next_run", next).Msg("recurring task rearmed")
}

// recover reloads every non-terminal task. Tasks found running have no live
// worker any more; they are marked failed (or aborted if an abort was pending)
// rather than re-run, since handlers are not guaranteed to be idempotent.
func (m *Manager) recover(ctx context.Context) error {
	tasks, err := m.repo.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	var requeued, interrupted int
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusTodo:
			if err := m.repo.UpdateStatus(ctx, t.ID, domain.StatusScheduled, m.now().UTC()); err != nil {
				return err
			}
			t.Status = domain.StatusScheduled
			m.pushDue(m.track(t))
		case domain.StatusScheduled:
			m.pushDue(m.track(t))
		case domain.StatusQueued:
			m.pushReady(m.track(t))
		case domain.StatusDoing, domain.StatusAbort:
			status := domain.StatusFailed
			if t.Status == domain.StatusAbort {
				status = domain.StatusAborted
			}
			m.log.Warn().
				Str("task_id", t.ID).
				Str("worker", t.WorkerName).
				Str("was", t.Status.Label()).
				Str("now", status.Label()).
				Msg("task was running when the scheduler stopped")
			m.complete(ctx, m.track(t), status, nil, interruptedError)
			interrupted++
			continue
		default:
			continue
		}
		requeued++
	}
	for name := range m.ready {
		m.dispatch(ctx, name)
	}
	m.log.Info().Int("recovered", requeued).Int("interrupted", interrupted).Msg("task recovery done")
	return nil
}

func (m *Manager) bootstrap(ctx context.Context) {
	for _, req := range m.cfg.Bootstrap {
		if _, ok := m.live[req.ID]; ok && req.ID != "" {
			continue
		}
		if _, err := m.schedule(ctx, req); err != nil {
			m.log.Error().Err(err).Str("worker", req.WorkerName).Str("task_id", req.ID).Msg("bootstrap task rejected")
		}
	}
}

func (m *Manager) purge(ctx context.Context) {
	n, err := m.repo.PurgeExpired(ctx, m.now())
	if err != nil {
		m.log.Error().Err(err).Msg("failed to purge expired tasks")
		return
	}
	if n > 0 {
		metrics.TasksPurged.Add(float64(n))
		m.log.Info().Int("purged", n).Msg("expired tasks purged")
	}
}

// drain waits for running handlers and records their results.
func (m *Manager) drain(ctx context.Context) {
	m.stopping = true
	if m.running == 0 {
		return
	}
	m.log.Info().Int("running", m.running).Dur("timeout", m.cfg.ShutdownTimeout).Msg("waiting for running tasks")
	deadline := time.NewTimer(m.cfg.ShutdownTimeout)
	defer deadline.Stop()
	for m.running > 0 {
		select {
		case r := <-m.pool.Results():
			m.finish(ctx, r)
		case <-deadline.C:
			m.log.Warn().Int("running", m.running).Msg("shutdown timeout, leaving tasks to recovery")
			return
		}
	}
}

func (m *Manager) track(t domain.Task) *entry {
	m.seq++
	e := &entry{task: t, seq: m.seq, index: -1}
	m.live[t.ID] = e
	return e
}

func (m *Manager) pushDue(e *entry) {
	m.due.push(e)
	metrics.TasksWaiting.WithLabelValues(e.task.WorkerName, "scheduled").Inc()
}

func (m *Manager) popDue() *entry {
	e := m.due.pop()
	metrics.TasksWaiting.WithLabelValues(e.task.WorkerName, "scheduled").Dec()
	return e
}

func (m *Manager) removeDue(e *entry) {
	if m.due.remove(e) {
		metrics.TasksWaiting.WithLabelValues(e.task.WorkerName, "scheduled").Dec()
	}
}

func (m *Manager) pushReady(e *entry) {
	h := m.ready[e.task.WorkerName]
	if h == nil {
		h = &taskHeap{}
		m.ready[e.task.WorkerName] = h
	}
	h.push(e)
	metrics.TasksWaiting.WithLabelValues(e.task.WorkerName, "queued").Inc()
}

func (m *Manager) popReady(name string) *entry {
	e := m.ready[name].pop()
	metrics.TasksWaiting.WithLabelValues(name, "queued").Dec()
	return e
}

func (m *Manager) removeReady(e *entry) {
	if h := m.ready[e.task.WorkerName]; h != nil && h.remove(e) {
		metrics.TasksWaiting.WithLabelValues(e.task.WorkerName, "queued").Dec()
	}
}
