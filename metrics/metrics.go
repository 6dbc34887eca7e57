package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhcgn/mail-notify/stats"
)

var (
	Polls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_notify_polls_total",
		Help: "Total number of mail polls started",
	})
	FetchedMails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_notify_fetched_mails_total",
		Help: "Total number of new mails returned by the mail service",
	})
	FetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_notify_fetch_failures_total",
		Help: "Total number of polls whose fetch failed",
	})
	// Dispatch outcomes keyed by result (handled/unhandled)
	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_notify_dispatches_total",
		Help: "Total number of mails dispatched, by outcome",
	}, []string{"outcome"})
	HandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_notify_handler_errors_total",
		Help: "Total number of failed handler invocations, by handler kind",
	}, []string{"kind"})
	DispatchTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_notify_dispatch_timeouts_total",
		Help: "Total number of dispatches that exceeded the dispatch timeout",
	})
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mail_notify_dispatch_duration_seconds",
		Help:    "Time spent dispatching a single mail to all handlers",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(Polls)
	prometheus.MustRegister(FetchedMails)
	prometheus.MustRegister(FetchFailures)
	prometheus.MustRegister(Dispatches)
	prometheus.MustRegister(HandlerErrors)
	prometheus.MustRegister(DispatchTimeouts)
	prometheus.MustRegister(DispatchDuration)
}

// Sink translates dispatch events into the package counters.
type Sink struct{}

func (Sink) Record(evt stats.Event) {
	switch evt.Type {
	case stats.EventPolled:
		Polls.Inc()
	case stats.EventFetched:
		FetchedMails.Add(float64(evt.Count))
	case stats.EventFetchFailed:
		FetchFailures.Inc()
	case stats.EventDispatched:
		DispatchDuration.Observe(evt.Duration.Seconds())
	case stats.EventHandled:
		Dispatches.WithLabelValues("handled").Inc()
	case stats.EventUnhandled:
		Dispatches.WithLabelValues("unhandled").Inc()
	case stats.EventConsumerFailed:
		HandlerErrors.WithLabelValues("consumer").Inc()
	case stats.EventHandlerFailed:
		HandlerErrors.WithLabelValues("message_handler").Inc()
	case stats.EventDispatchTimeout:
		DispatchTimeouts.Inc()
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
