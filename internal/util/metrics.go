package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrdersSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_settled_total",
		Help: "Total number of orders settled after payment",
	})

	CartOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_operations_total",
		Help: "Total number of cart operations",
	}, []string{"op"})

	CouponsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupons_applied_total",
		Help: "Total number of coupons applied to orders",
	})

	CouponsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupons_rejected_total",
		Help: "Total number of rejected coupon attempts",
	}, []string{"reason"})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment initiations",
	}, []string{"gateway"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Total number of gateway webhooks by outcome",
	}, []string{"gateway", "outcome"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of refund status transitions",
	}, []string{"gateway", "status"})

	ReturnsRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "returns_requested_total",
		Help: "Total number of return requests accepted",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
