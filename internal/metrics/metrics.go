// Package metrics defines Prometheus collectors for the service
// request lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "garagelink"

var (
	// RequestsCreated counts service requests created.
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "service_requests_created_total",
		Help:      "Total number of service requests created",
	})

	// RequestsExpired counts requests expired, by sweep or lazy read.
	RequestsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "service_requests_expired_total",
		Help:      "Total number of service requests expired",
	}, []string{"source"})

	// ConnectionTransitions counts connection state changes by outcome.
	ConnectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_transitions_total",
		Help:      "Total number of workshop connection transitions",
	}, []string{"outcome"})

	// EstimateTransitions counts estimate state changes by outcome.
	EstimateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "estimate_transitions_total",
		Help:      "Total number of estimate transitions",
	}, []string{"outcome"})

	// PaymentsCompleted counts completed payments by type.
	PaymentsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_completed_total",
		Help:      "Total number of payments marked completed",
	}, []string{"type"})

	// PaymentsRefunded counts platform fee refunds credited to wallets.
	PaymentsRefunded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_refunded_total",
		Help:      "Total number of platform fees refunded",
	})

	// EscrowReleases counts escrow amounts released to workshop wallets.
	EscrowReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_releases_total",
		Help:      "Total number of escrow releases",
	})

	// OTPVerifications counts OTP verification attempts by result.
	OTPVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "otp_verifications_total",
		Help:      "Total number of completion OTP verification attempts",
	}, []string{"result"})

	// WalletOperations counts wallet credits and debits.
	WalletOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wallet_operations_total",
		Help:      "Total number of wallet credits and debits",
	}, []string{"op"})

	// SweepDuration observes how long a sweeper pass takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of expiry sweep passes",
		Buckets:   prometheus.DefBuckets,
	})

	// HTTPRequestDuration observes handler latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
