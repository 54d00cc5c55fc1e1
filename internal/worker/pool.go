package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"maintflow/internal/domain"
	"maintflow/internal/metrics"
)

// Handler runs one task. It receives exactly the task's options and must
// watch ctx: cancellation means the task was aborted and the handler should
// stop at its next safe point.
type Handler interface {
	Handle(ctx context.Context, opts domain.Options) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, opts domain.Options) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, opts domain.Options) (json.RawMessage, error) {
	return f(ctx, opts)
}

// ErrAborted is reported when a handler returns after its task was aborted.
var ErrAborted = errors.New("task aborted")

// Result is the outcome of one execution, published on Pool.Results.
type Result struct {
	TaskID     string
	WorkerName string
	Output     json.RawMessage
	Err        error
	// Aborted is set when Abort was called before the handler returned.
	Aborted  bool
	Duration time.Duration
}

type taskIDKey struct{}

// TaskID returns the id of the task a handler is running for.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

type kind struct {
	handler Handler
	sem     chan struct{}
}

type running struct {
	cancel  context.CancelFunc
	aborted bool
}

// Pool executes tasks with a fixed concurrency bound per worker name.
//
// Slots are taken with TryAcquire by the caller, which decides dispatch order;
// Run must only be called after a successful TryAcquire for the same worker.
type Pool struct {
	log     zerolog.Logger
	results chan Result

	mu      sync.Mutex
	kinds   map[string]*kind
	running map[string]*running
	wg      sync.WaitGroup
}

func NewPool(log zerolog.Logger) *Pool {
	return &Pool{
		log:     log.With().Str("component", "worker").Logger(),
		results: make(chan Result, 64),
		kinds:   make(map[string]*kind),
		running: make(map[string]*running),
	}
}

// Register adds a handler under name with at most size concurrent executions.
func (p *Pool) Register(name string, h Handler, size int) error {
	if name == "" {
		return errors.New("worker name is required")
	}
	if h == nil {
		return fmt.Errorf("worker %s: handler is nil", name)
	}
	if size <= 0 {
		return fmt.Errorf("worker %s: pool size must be positive, got %d", name, size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.kinds[name]; ok {
		return fmt.Errorf("worker %s already registered", name)
	}
	p.kinds[name] = &kind{handler: h, sem: make(chan struct{}, size)}
	return nil
}

// Has reports whether a handler is registered under name.
func (p *Pool) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.kinds[name]
	return ok
}

// Names returns the registered worker names.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.kinds))
	for n := range p.kinds {
		names = append(names, n)
	}
	return names
}

// TryAcquire takes a free slot for name without blocking.
func (p *Pool) TryAcquire(name string) bool {
	k := p.kind(name)
	if k == nil {
		return false
	}
	select {
	case k.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) release(name string) {
	if k := p.kind(name); k != nil {
		<-k.sem
	}
}

func (p *Pool) kind(name string) *kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kinds[name]
}

// Results delivers one Result per Run call.
func (p *Pool) Results() <-chan Result { return p.results }

// InFlight returns the number of running executions.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Run starts t's handler in its own goroutine.
func (p *Pool) Run(t domain.Task) {
	k := p.kind(t.WorkerName)
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), taskIDKey{}, t.ID))
	rs := &running{cancel: cancel}

	p.mu.Lock()
	p.running[t.ID] = rs
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		started := time.Now()
		metrics.WorkerInFlight.WithLabelValues(t.WorkerName).Inc()
		out, err := p.execute(ctx, k, t)
		d := time.Since(started)
		metrics.WorkerInFlight.WithLabelValues(t.WorkerName).Dec()
		metrics.WorkerDurationSeconds.WithLabelValues(t.WorkerName).Observe(d.Seconds())

		p.mu.Lock()
		aborted := rs.aborted
		delete(p.running, t.ID)
		p.mu.Unlock()
		if k != nil {
			p.release(t.WorkerName)
		}

		if aborted && err != nil && !errors.Is(err, ErrAborted) {
			err = fmt.Errorf("%w: %w", ErrAborted, err)
		}
		p.results <- Result{
			TaskID:     t.ID,
			WorkerName: t.WorkerName,
			Output:     out,
			Err:        err,
			Aborted:    aborted,
			Duration:   d,
		}
	}()
}

// execute calls the handler and turns a panic into an error.
func (p *Pool) execute(ctx context.Context, k *kind, t domain.Task) (out json.RawMessage, err error) {
	if k == nil {
		return nil, &domain.UnknownWorkerError{WorkerName: t.WorkerName}
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.WithLabelValues(t.WorkerName).Inc()
			p.log.Error().
				Str("task_id", t.ID).
				Str("worker", t.WorkerName).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return k.handler.Handle(ctx, t.Options)
}

// Abort signals the task's handler to stop. It returns false if the task is
// not running in this pool.
func (p *Pool) Abort(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.running[id]
	if !ok {
		return false
	}
	rs.aborted = true
	rs.cancel()
	return true
}

// Wait blocks until every started handler has returned and its result has
// been consumed from Results.
func (p *Pool) Wait() { p.wg.Wait() }
