package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-notify/model"
)

var ErrPanic = errors.New("handler panicked")

// Outcome is the verdict of a MessageHandler for one mail.
type Outcome int

const (
	NotHandled Outcome = iota
	Handled
)

func (o Outcome) String() string {
	if o == Handled {
		return "handled"
	}
	return "not_handled"
}

// Consumer receives every dispatched mail. A returned error is reported but
// never stops dispatch to other handlers.
type Consumer func(ctx context.Context, m model.Mail) error

// MessageHandler may claim a mail. Handlers are consulted in registration
// order until one returns Handled.
type MessageHandler interface {
	Accepts(m model.Mail) bool
	Handle(ctx context.Context, m model.Mail) (Outcome, error)
}

type messageHandlerFuncs struct {
	accepts func(model.Mail) bool
	handle  func(context.Context, model.Mail) (Outcome, error)
}

func (h messageHandlerFuncs) Accepts(m model.Mail) bool {
	if h.accepts == nil {
		return true
	}
	return h.accepts(m)
}

func (h messageHandlerFuncs) Handle(ctx context.Context, m model.Mail) (Outcome, error) {
	return h.handle(ctx, m)
}

// NewMessageHandler builds a MessageHandler from functions. A nil accepts
// accepts every mail.
func NewMessageHandler(accepts func(model.Mail) bool, handle func(context.Context, model.Mail) (Outcome, error)) MessageHandler {
	return messageHandlerFuncs{accepts: accepts, handle: handle}
}

type Kind int

const (
	KindConsumer Kind = iota + 1
	KindMessageHandler
)

func (k Kind) String() string {
	switch k {
	case KindConsumer:
		return "consumer"
	case KindMessageHandler:
		return "message_handler"
	default:
		return "unknown"
	}
}

// Handle identifies a registration for later Unregister calls. The zero
// Handle is returned for rejected registrations.
type Handle struct {
	id   uuid.UUID
	kind Kind
}

func newHandle(kind Kind) Handle {
	return Handle{id: uuid.New(), kind: kind}
}

func (h Handle) ID() uuid.UUID { return h.id }
func (h Handle) Kind() Kind    { return h.kind }
func (h Handle) IsZero() bool  { return h.id == uuid.Nil }

func (h Handle) String() string {
	return h.kind.String() + "/" + h.id.String()
}

// HandlerError wraps a failure of a single consumer or message handler.
type HandlerError struct {
	Handle Handle
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Handle, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Result summarizes one Dispatch call.
type Result struct {
	Handled   bool
	HandledBy Handle
	Consumers int
	Consulted int
	Errors    []error
}

// Err joins all handler failures.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

type consumerEntry struct {
	handle Handle
	fn     Consumer
}

type handlerEntry struct {
	handle  Handle
	handler MessageHandler
}

type snapshot struct {
	consumers []consumerEntry
	handlers  []handlerEntry
}

// Registry holds consumers and message handlers. Writers copy the current
// snapshot and swap it in; Dispatch works on the snapshot it loaded first,
// so changes made during a dispatch apply from the next one.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	r.current.Store(&snapshot{})
	return r
}

// RegisterConsumer appends fn. A nil fn is ignored.
func (r *Registry) RegisterConsumer(fn Consumer) Handle {
	if fn == nil {
		return Handle{}
	}
	h := newHandle(KindConsumer)
	r.update(func(s *snapshot) {
		s.consumers = append(s.consumers, consumerEntry{handle: h, fn: fn})
	})
	if r.logger != nil {
		r.logger.Debug("consumer registered", "handle", h.String())
	}
	return h
}

// RegisterMessageHandler appends handler. A nil handler is ignored.
func (r *Registry) RegisterMessageHandler(handler MessageHandler) Handle {
	if handler == nil {
		return Handle{}
	}
	h := newHandle(KindMessageHandler)
	r.update(func(s *snapshot) {
		s.handlers = append(s.handlers, handlerEntry{handle: h, handler: handler})
	})
	if r.logger != nil {
		r.logger.Debug("message handler registered", "handle", h.String())
	}
	return h
}

// Unregister removes the registration and reports whether it existed.
func (r *Registry) Unregister(h Handle) bool {
	if h.IsZero() {
		return false
	}
	removed := false
	r.update(func(s *snapshot) {
		before := len(s.consumers) + len(s.handlers)
		s.consumers = slices.DeleteFunc(s.consumers, func(e consumerEntry) bool { return e.handle == h })
		s.handlers = slices.DeleteFunc(s.handlers, func(e handlerEntry) bool { return e.handle == h })
		removed = len(s.consumers)+len(s.handlers) != before
	})
	if removed && r.logger != nil {
		r.logger.Debug("registration removed", "handle", h.String())
	}
	return removed
}

// Len returns the number of registered consumers and message handlers.
func (r *Registry) Len() (consumers, handlers int) {
	s := r.current.Load()
	return len(s.consumers), len(s.handlers)
}

func (r *Registry) update(fn func(s *snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	next := &snapshot{
		consumers: slices.Clone(old.consumers),
		handlers:  slices.Clone(old.handlers),
	}
	fn(next)
	r.current.Store(next)
}

// Dispatch hands m to every consumer in registration order, then consults
// message handlers in registration order until one reports Handled. A
// failing or panicking handler is recorded in the result and treated as
// not handled.
func (r *Registry) Dispatch(ctx context.Context, m model.Mail) Result {
	snap := r.current.Load()
	var res Result

	for _, c := range snap.consumers {
		res.Consumers++
		if err := r.callConsumer(ctx, c, m); err != nil {
			res.Errors = append(res.Errors, &HandlerError{Handle: c.handle, Err: err})
			if r.logger != nil {
				r.logger.Warn("mail consumer failed", "handle", c.handle.String(), "messageID", m.Key(), "err", err)
			}
		}
	}

	for _, e := range snap.handlers {
		res.Consulted++
		outcome, err := r.callHandler(ctx, e, m)
		if err != nil {
			res.Errors = append(res.Errors, &HandlerError{Handle: e.handle, Err: err})
			if r.logger != nil {
				r.logger.Warn("message handler failed", "handle", e.handle.String(), "messageID", m.Key(), "err", err)
			}
			continue
		}
		if outcome == Handled {
			res.Handled = true
			res.HandledBy = e.handle
			break
		}
	}

	return res
}

func (r *Registry) callConsumer(ctx context.Context, c consumerEntry, m model.Mail) (err error) {
	defer recoverInto(&err)
	return c.fn(ctx, m)
}

func (r *Registry) callHandler(ctx context.Context, e handlerEntry, m model.Mail) (outcome Outcome, err error) {
	defer func() {
		recoverInto(&err)
		if err != nil {
			outcome = NotHandled
		}
	}()
	if !e.handler.Accepts(m) {
		return NotHandled, nil
	}
	return e.handler.Handle(ctx, m)
}

func recoverInto(err *error) {
	if rvr := recover(); rvr != nil {
		*err = fmt.Errorf("%w: %v\n%s", ErrPanic, rvr, debug.Stack())
	}
}
