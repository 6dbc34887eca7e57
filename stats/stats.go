package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StagePoll     Stage = "poll"
	StageDispatch Stage = "dispatch"
)

type EventType string

const (
	EventPolled          EventType = "polled"
	EventFetched         EventType = "fetched"
	EventFetchFailed     EventType = "fetch_failed"
	EventDispatched      EventType = "dispatched"
	EventHandled         EventType = "handled"
	EventUnhandled       EventType = "unhandled"
	EventConsumerFailed  EventType = "consumer_failed"
	EventHandlerFailed   EventType = "handler_failed"
	EventDispatchTimeout EventType = "dispatch_timeout"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Count     int
	Err       error
	Duration  time.Duration
}

// Sink receives dispatch events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(evt Event)
}

// Multi fans an event out to several sinks; nil entries are skipped.
type Multi []Sink

func (m Multi) Record(evt Event) {
	for _, s := range m {
		if s != nil {
			s.Record(evt)
		}
	}
}

type Summary struct {
	Polls          int       `json:"polls"`
	Fetched        int       `json:"fetched"`
	FetchFailures  int       `json:"fetchFailures"`
	Dispatched     int       `json:"dispatched"`
	Handled        int       `json:"handled"`
	Unhandled      int       `json:"unhandled"`
	ConsumerErrors int       `json:"consumerErrors"`
	HandlerErrors  int       `json:"handlerErrors"`
	Timeouts       int       `json:"timeouts"`
	LastPoll       time.Time `json:"lastPoll"`
	LastError      string    `json:"lastError,omitempty"`
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"polls", s.Polls,
		"fetched", s.Fetched,
		"fetchFailures", s.FetchFailures,
		"dispatched", s.Dispatched,
		"handled", s.Handled,
		"unhandled", s.Unhandled,
		"consumerErrors", s.ConsumerErrors,
		"handlerErrors", s.HandlerErrors,
	}
	if s.LastError != "" {
		attrs = append(attrs, "lastError", s.LastError)
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
	now     func() time.Time
}

func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventPolled:
		c.summary.Polls++
		c.summary.LastPoll = c.now()
	case EventFetched:
		c.summary.Fetched += evt.Count
	case EventFetchFailed:
		c.summary.FetchFailures++
	case EventDispatched:
		c.summary.Dispatched++
	case EventHandled:
		c.summary.Handled++
	case EventUnhandled:
		c.summary.Unhandled++
	case EventConsumerFailed:
		c.summary.ConsumerErrors++
	case EventHandlerFailed:
		c.summary.HandlerErrors++
	case EventDispatchTimeout:
		c.summary.Timeouts++
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err.Error()
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
