package collection

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qbank",
			Subsystem: "collection",
			Name:      "requests_total",
			Help:      "Collection client calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qbank",
			Subsystem: "collection",
			Name:      "request_duration_seconds",
			Help:      "Collection client call latency including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qbank",
			Subsystem: "collection",
			Name:      "retries_total",
			Help:      "Retried collection requests by operation",
		},
		[]string{"op"},
	)
)

func observe(op string, start time.Time, err error) {
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &httpErr):
		if httpErr.Class() == 5 {
			return "server_error"
		}
		return "client_error"
	}
	return "transport_error"
}
