package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Component is a long-running part of the daemon with an explicit
// lifecycle. Start and Stop must be safe to call more than once.
type Component interface {
	Name() string
	Start() error
	Stop() error
}

type StageFunc func(context.Context) error

type stage struct {
	name string
	fn   StageFunc
}

// Runner starts components in registration order, runs stages until the
// context ends or a stage fails, then stops the components in reverse.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	components []Component
	stages     []stage

	mu      sync.Mutex
	started []Component

	workWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	since time.Time
}

func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// Add registers a component. Nil components are ignored.
func (r *Runner) Add(c Component) {
	if c == nil {
		return
	}
	r.components = append(r.components, c)
}

// AddStage registers fn to run in its own goroutine once all components
// are started. A stage error shuts the runner down.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Shutdown asks Run to stop without recording an error.
func (r *Runner) Shutdown() {
	r.cancel()
}

// Start starts every component in order. When one fails the components
// already started are stopped again and the error is returned.
func (r *Runner) Start() error {
	for _, c := range r.components {
		if err := c.Start(); err != nil {
			err = fmt.Errorf("start %s: %w", c.Name(), err)
			r.logger.Error("component failed to start", "component", c.Name(), "err", err)
			return errors.Join(err, r.Stop())
		}
		r.mu.Lock()
		r.started = append(r.started, c)
		r.mu.Unlock()
		r.logger.Debug("component started", "component", c.Name())
	}

	for _, s := range r.stages {
		r.workWG.Add(1)
		go func(s stage) {
			defer r.workWG.Done()
			if err := s.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", s.name, err))
			}
		}(s)
	}
	return nil
}

// Stop stops started components in reverse order and joins their errors.
func (r *Runner) Stop() error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Stop(); err != nil {
			r.logger.Warn("component failed to stop", "component", c.Name(), "err", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
			continue
		}
		r.logger.Debug("component stopped", "component", c.Name())
	}
	return errors.Join(errs...)
}

// Run starts everything, blocks until ctx is done, Shutdown is called or a
// stage fails, and then stops everything.
func (r *Runner) Run(ctx context.Context) error {
	r.since = time.Now()

	if err := r.Start(); err != nil {
		r.cancel()
		return err
	}

	select {
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
	r.cancel()

	stopErr := r.Stop()
	r.workWG.Wait()

	err := errors.Join(r.Err(), stopErr)
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("runner failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("runner stopped", "duration", duration)
	return nil
}

func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
