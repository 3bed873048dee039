// Package lifecycle owns the background worker of every running resource.
//
// A Registry maps a resource id to one entry holding the worker, its run flag and
// its progress. Cameras and video jobs use two registries with different key types.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lookout/internal/framestore"
)

// DefaultStopTimeout bounds how long Stop waits for a worker to exit
const DefaultStopTimeout = 2 * time.Second

// StartingPlaceholder is shown until the first real frame of a resource arrives
const StartingPlaceholder = "Starting..."

var (
	// ErrSourceOpen matches every *SourceError
	ErrSourceOpen = errors.New("source could not be opened")
	// ErrStopTimeout is returned by Stop when the worker did not exit in time
	ErrStopTimeout = errors.New("worker did not stop in time")
	// ErrClosed is returned by Start once the registry is shutting down
	ErrClosed = errors.New("registry is shutting down")
)

// SourceError reports a start attempt whose source failed to open
type SourceError struct {
	ID  string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("failed to open source for %s: %v", e.ID, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSourceOpen) true for any SourceError
func (e *SourceError) Is(target error) bool { return target == ErrSourceOpen }

// Status is the outcome of Start and Stop
type Status string

const (
	StatusStarted        Status = "started"
	StatusAlreadyRunning Status = "already_running"
	StatusStopped        Status = "stopped"
	StatusNotRunning     Status = "not_running"
	StatusFailed         Status = "failed"
)

// State is the lifecycle state of one id
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	// StateFinished means the worker exited on its own and the entry awaits cleanup
	StateFinished State = "finished"
)

// Control is handed to a running worker
type Control interface {
	// Running reports whether the worker should keep going
	Running() bool
	SetProgress(pct float64)
	SetError(msg string)
}

// Worker is the unit of execution for one resource
type Worker interface {
	// Open acquires the source. It runs outside the registry lock.
	Open(ctx context.Context) error
	// Run loops until ctl.Running() turns false or the source ends.
	// ctx is cancelled on cleanup.
	Run(ctx context.Context, ctl Control)
	// Close releases the source
	Close() error
}

// Gauge tracks the number of live workers
type Gauge interface {
	Inc()
	Dec()
}

// Snapshot is a read-only view of one id
type Snapshot struct {
	State    State   `json:"state"`
	Running  bool    `json:"running"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

type entry struct {
	worker  Worker
	state   State
	running atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc

	mu       sync.Mutex
	progress float64
	errMsg   string

	closeOnce sync.Once
}

func (e *entry) Running() bool { return e.running.Load() }

func (e *entry) SetProgress(pct float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	e.mu.Lock()
	if pct > e.progress {
		e.progress = pct
	}
	e.mu.Unlock()
}

func (e *entry) SetError(msg string) {
	e.mu.Lock()
	e.errMsg = msg
	e.mu.Unlock()
}

func (e *entry) exited() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *entry) closeSource() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.worker.Close()
	})
	return err
}

// Registry tracks the workers of one id namespace
type Registry[K comparable] struct {
	name        string
	frames      *framestore.Store[K]
	gauge       Gauge
	logger      *slog.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	entries map[K]*entry
	closed  bool
}

// Option configures a Registry
type Option func(*options)

type options struct {
	gauge       Gauge
	logger      *slog.Logger
	stopTimeout time.Duration
}

// WithGauge attaches the active worker gauge
func WithGauge(g Gauge) Option {
	return func(o *options) { o.gauge = g }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStopTimeout changes how long Stop waits
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) { o.stopTimeout = d }
}

// NewRegistry creates a registry named after its namespace ("cameras", "jobs")
func NewRegistry[K comparable](name string, frames *framestore.Store[K], opts ...Option) *Registry[K] {
	o := options{logger: slog.Default(), stopTimeout: DefaultStopTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[K]{
		name:        name,
		frames:      frames,
		gauge:       o.gauge,
		logger:      o.logger.With("component", "lifecycle", "namespace", name),
		stopTimeout: o.stopTimeout,
		entries:     make(map[K]*entry),
	}
}

// Frames returns the frame store shared with the workers
func (r *Registry[K]) Frames() *framestore.Store[K] {
	return r.frames
}

// Start reserves id, opens the worker's source and launches the worker goroutine.
// A live entry for id yields StatusAlreadyRunning. A source that fails to open
// yields a *SourceError and leaves id absent.
func (r *Registry[K]) Start(ctx context.Context, id K, w Worker) (Status, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return StatusFailed, ErrClosed
	}
	stale, exists := r.entries[id]
	if exists && !stale.exited() {
		r.mu.Unlock()
		return StatusAlreadyRunning, nil
	}
	var staleCancel context.CancelFunc
	if exists {
		staleCancel = stale.cancel
	}
	e := &entry{
		worker: w,
		state:  StateStarting,
		done:   make(chan struct{}),
	}
	e.running.Store(true)
	r.entries[id] = e
	r.mu.Unlock()

	if exists {
		r.logger.Debug("replacing finished worker", "id", id)
		if staleCancel != nil {
			staleCancel()
		}
		if err := stale.closeSource(); err != nil {
			r.logger.Warn("failed to close previous source", "id", id, "error", err)
		}
		r.frames.Remove(id)
	}

	if err := w.Open(ctx); err != nil {
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		_ = w.Close()
		r.logger.Error("failed to open source", "id", id, "error", err)
		return StatusFailed, &SourceError{ID: fmt.Sprint(id), Err: err}
	}

	r.mu.Lock()
	if r.closed {
		// Close ran while the source was opening and did not see a running entry
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		_ = w.Close()
		return StatusFailed, ErrClosed
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.state = StateRunning
	e.cancel = cancel
	r.mu.Unlock()

	r.frames.Ensure(id)
	r.frames.SetPlaceholder(id, StartingPlaceholder)
	if r.gauge != nil {
		r.gauge.Inc()
	}

	go r.run(runCtx, id, e)

	r.logger.Info("worker started", "id", id)
	return StatusStarted, nil
}

// run is the worker goroutine. Its deferred block is the only place the gauge is decremented.
func (r *Registry[K]) run(ctx context.Context, id K, e *entry) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("worker panicked", "id", id, "panic", p)
			e.SetError(fmt.Sprint(p))
		}
		e.running.Store(false)
		if err := e.closeSource(); err != nil {
			r.logger.Warn("failed to close source", "id", id, "error", err)
		}

		r.mu.Lock()
		if e.state != StateStopping {
			e.state = StateFinished
		}
		r.mu.Unlock()

		if r.gauge != nil {
			r.gauge.Dec()
		}
		close(e.done)
		r.logger.Info("worker exited", "id", id)
	}()

	e.worker.Run(ctx, e)
}

// Stop clears the run flag, waits for the worker to exit and cleans up.
// When the worker outlives the stop timeout ErrStopTimeout is returned with
// StatusStopped and cleanup proceeds anyway.
func (r *Registry[K]) Stop(id K) (Status, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state == StateStarting {
		r.mu.Unlock()
		return StatusNotRunning, nil
	}
	if e.state == StateRunning {
		e.state = StateStopping
	}
	r.mu.Unlock()

	e.running.Store(false)

	var err error
	select {
	case <-e.done:
	case <-time.After(r.stopTimeout):
		r.logger.Warn("worker did not stop in time", "id", id, "timeout", r.stopTimeout)
		err = ErrStopTimeout
	}

	r.cleanupEntry(id, e)
	return StatusStopped, err
}

// Cleanup releases everything held for id. Safe to call on absent ids.
// An entry that is still opening its source belongs to the in-flight Start and is left alone.
func (r *Registry[K]) Cleanup(id K) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		r.frames.Remove(id)
		return
	}
	r.cleanupEntry(id, e)
}

// cleanupEntry releases e. The map slot and the frame of id are only removed while
// e is still the registered entry, so a late Stop never tears down a newer worker.
func (r *Registry[K]) cleanupEntry(id K, e *entry) {
	r.mu.Lock()
	current := r.entries[id] == e
	if current && e.state == StateStarting {
		r.mu.Unlock()
		return
	}
	if current {
		delete(r.entries, id)
	}
	cancel := e.cancel
	r.mu.Unlock()

	e.running.Store(false)
	if cancel != nil {
		cancel()
	}
	if err := e.closeSource(); err != nil {
		r.logger.Warn("failed to close source", "id", id, "error", err)
	}
	if current {
		r.frames.Remove(id)
	}
}

// StopAll stops every registered id concurrently. Timeouts are logged.
func (r *Registry[K]) StopAll() {
	ids := r.IDs()
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id K) {
			defer wg.Done()
			if _, err := r.Stop(id); err != nil {
				r.logger.Warn("stop failed", "id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
	r.logger.Info("all workers stopped", "count", len(ids))
}

// Close refuses further starts and stops every worker
func (r *Registry[K]) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.StopAll()
}

// IDs lists the registered ids
func (r *Registry[K]) IDs() []K {
	r.mu.Lock()
	ids := make([]K, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		return fmt.Sprint(ids[i]) < fmt.Sprint(ids[j])
	})
	return ids
}

// Running reports whether id has a live worker
func (r *Registry[K]) Running(id K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.state == StateRunning && e.running.Load()
}

// Status returns a snapshot of id
func (r *Registry[K]) Status(id K) Snapshot {
	r.mu.Lock()
	e, ok := r.entries[id]
	var state State
	if ok {
		state = e.state
	}
	r.mu.Unlock()

	if !ok {
		return Snapshot{State: StateAbsent}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:    state,
		Running:  state == StateRunning && e.running.Load(),
		Progress: e.progress,
		Error:    e.errMsg,
	}
}

// SetProgress records progress for id, clamped to [0,100] and never decreasing
func (r *Registry[K]) SetProgress(id K, pct float64) {
	if e := r.lookup(id); e != nil {
		e.SetProgress(pct)
	}
}

// SetError records the last error of id
func (r *Registry[K]) SetError(id K, msg string) {
	if e := r.lookup(id); e != nil {
		e.SetError(msg)
	}
}

// Len returns the number of registered ids
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry[K]) lookup(id K) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}
