package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/dhcgn/mail-notify/config"
	"github.com/dhcgn/mail-notify/model"
	"github.com/dhcgn/mail-notify/stats"
)

// ErrDisabled is returned by New when the enablement gate is off.
var ErrDisabled = errors.New("mail notification is disabled")

// Fetcher returns mail that arrived since the previous call. A fetcher that
// fails after it already claimed some mail returns that mail together with
// the error; the engine dispatches it.
type Fetcher interface {
	FetchNew(ctx context.Context) ([]model.Mail, error)
}

type FetcherFunc func(ctx context.Context) ([]model.Mail, error)

func (f FetcherFunc) FetchNew(ctx context.Context) ([]model.Mail, error) {
	return f(ctx)
}

type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tune the poll loop. Zero timeouts mean no limit.
type Options struct {
	Interval        time.Duration
	FetchTimeout    time.Duration
	DispatchTimeout time.Duration
	StopTimeout     time.Duration
}

func OptionsFromConfig(cfg config.NotificationConfig) Options {
	return Options{
		Interval:        cfg.LookupTime,
		FetchTimeout:    cfg.FetchTimeout,
		DispatchTimeout: cfg.DispatchTimeout,
		StopTimeout:     cfg.ShutdownTimeout,
	}
}

type Option func(*Service)

// WithSink forwards events to sink in addition to the built-in collector.
func WithSink(sink stats.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// WithRegistry shares an existing registry with the service.
func WithRegistry(r *Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

// Service polls a Fetcher on a fixed interval and dispatches every mail to
// the registry. At most one poll runs at a time.
type Service struct {
	opts      Options
	fetcher   Fetcher
	registry  *Registry
	collector *stats.Collector
	sinks     stats.Multi
	logger    *slog.Logger

	lifecycleMu sync.Mutex
	state       atomic.Int32
	cron        gocron.Scheduler

	// held for the duration of a poll; Stop acquires it to wait for the
	// in-flight poll to finish
	tickMu sync.Mutex
}

// New builds the service from configuration. It returns ErrDisabled when
// notification is switched off so the caller can skip registration.
func New(cfg config.Config, fetcher Fetcher, logger *slog.Logger, opts ...Option) (*Service, error) {
	if !cfg.Notification.Enabled {
		return nil, ErrDisabled
	}
	return NewService(fetcher, OptionsFromConfig(cfg.Notification), logger, opts...)
}

func NewService(fetcher Fetcher, o Options, logger *slog.Logger, opts ...Option) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("notification: fetcher is required")
	}
	if o.Interval <= 0 {
		o.Interval = config.DefaultLookupTime
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = config.DefaultShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		opts:      o,
		fetcher:   fetcher,
		collector: stats.NewCollector(),
		logger:    logger.With("component", "notification"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry(s.logger)
	}
	s.sinks = append(stats.Multi{s.collector}, s.sinks...)
	return s, nil
}

func (s *Service) Name() string { return "notification" }

func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) IsRunning() bool { return s.State() == Running }

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Summary() stats.Summary { return s.collector.Snapshot() }

func (s *Service) RegisterConsumer(fn Consumer) Handle {
	return s.registry.RegisterConsumer(fn)
}

func (s *Service) RegisterMessageHandler(h MessageHandler) Handle {
	return s.registry.RegisterMessageHandler(h)
}

func (s *Service) Unregister(h Handle) bool {
	return s.registry.Unregister(h)
}

func (s *Service) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug("state changed", "from", old.String(), "to", st.String())
	}
}

// Start schedules the poll loop. The first poll runs immediately. Calling
// Start on a service that is not stopped is a no-op.
func (s *Service) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.State() != Stopped {
		s.logger.Debug("start ignored", "state", s.State().String())
		return nil
	}
	s.setState(Starting)

	cron, err := gocron.NewScheduler(gocron.WithStopTimeout(s.opts.StopTimeout))
	if err != nil {
		s.setState(Stopped)
		return fmt.Errorf("create poll scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(s.opts.Interval),
		gocron.NewTask(s.tick),
		gocron.WithName("mail-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = cron.Shutdown()
		s.setState(Stopped)
		return fmt.Errorf("schedule poll job: %w", err)
	}

	s.cron = cron
	s.setState(Running)
	cron.Start()

	s.logger.Info("mail notification started", "interval", s.opts.Interval.String())
	return nil
}

// Stop halts the poll loop and waits for an in-flight poll to complete.
// Calling Stop on a stopped service is a no-op. Stop must not be called
// from a consumer or handler.
func (s *Service) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	st := s.State()
	if st != Starting && st != Running {
		s.logger.Debug("stop ignored", "state", st.String())
		return nil
	}
	s.setState(Stopping)

	var stopErr error
	if s.cron != nil {
		err := s.cron.Shutdown()
		if errors.Is(err, gocron.ErrStopJobsTimedOut) || errors.Is(err, gocron.ErrStopSchedulerTimedOut) {
			s.logger.Warn("poll still running after stop timeout, waiting", "timeout", s.opts.StopTimeout.String())
		} else if err != nil {
			stopErr = fmt.Errorf("stop poll scheduler: %w", err)
		}
		s.cron = nil
	}

	// wait for the running poll
	s.tickMu.Lock()
	s.tickMu.Unlock() //nolint:staticcheck

	s.setState(Stopped)
	s.logger.Info("mail notification stopped", s.collector.Snapshot().LogAttrs()...)
	return stopErr
}

func (s *Service) tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.State() != Running {
		return
	}
	_, _ = s.poll(context.Background())
}

// PollOnce runs a single fetch and dispatch cycle outside the schedule and
// returns the number of mails dispatched.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.poll(ctx)
}

func (s *Service) poll(ctx context.Context) (n int, err error) {
	s.sinks.Record(stats.Event{Stage: stats.StagePoll, Type: stats.EventPolled})

	mails, fetchErr := s.fetch(ctx)
	if fetchErr != nil {
		s.logger.Warn("fetch new mail failed", "err", fetchErr, "partial", len(mails))
		s.sinks.Record(stats.Event{Stage: stats.StagePoll, Type: stats.EventFetchFailed, Err: fetchErr})
	}
	if fetchErr == nil || len(mails) > 0 {
		s.sinks.Record(stats.Event{Stage: stats.StagePoll, Type: stats.EventFetched, Count: len(mails)})
	}
	if len(mails) > 0 {
		s.logger.Debug("new mail fetched", "count", len(mails))
	}

	for _, m := range mails {
		if ctx.Err() != nil {
			return n, errors.Join(fetchErr, ctx.Err())
		}
		s.Dispatch(ctx, m)
		n++
	}
	return n, fetchErr
}

func (s *Service) fetch(ctx context.Context) (mails []model.Mail, err error) {
	if s.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
	}
	defer recoverInto(&err)
	return s.fetcher.FetchNew(ctx)
}

// Dispatch hands m to the registry and records the outcome. It is used by
// the poll loop and may be called directly for mail obtained elsewhere.
func (s *Service) Dispatch(ctx context.Context, m model.Mail) Result {
	if s.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DispatchTimeout)
		defer cancel()
	}

	start := time.Now()
	res := s.registry.Dispatch(ctx, m)
	elapsed := time.Since(start)
	id := m.Key()

	s.sinks.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventDispatched, MessageID: id, Duration: elapsed})
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("dispatch exceeded timeout", "messageID", id, "timeout", s.opts.DispatchTimeout.String())
		s.sinks.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventDispatchTimeout, MessageID: id, Err: ctx.Err()})
	}

	for _, err := range res.Errors {
		evt := stats.Event{Stage: stats.StageDispatch, Type: stats.EventHandlerFailed, MessageID: id, Err: err}
		var he *HandlerError
		if errors.As(err, &he) && he.Handle.Kind() == KindConsumer {
			evt.Type = stats.EventConsumerFailed
		}
		s.sinks.Record(evt)
	}

	if res.Handled {
		s.sinks.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventHandled, MessageID: id})
	} else {
		s.sinks.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventUnhandled, MessageID: id})
	}

	s.logger.Debug("mail dispatched",
		"messageID", id,
		"subject", m.Subject,
		"handled", res.Handled,
		"consulted", res.Consulted,
		"errors", len(res.Errors),
		"duration", elapsed.String())
	return res
}
