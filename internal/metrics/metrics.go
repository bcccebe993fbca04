package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	bookingsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bookpay",
			Name:      "bookings_created_total",
			Help:      "Bookings created with inventory held.",
		},
	)

	inventoryConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bookpay",
			Name:      "inventory_conflicts_total",
			Help:      "Hold requests denied because a unit was already held.",
		},
	)

	payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookpay",
			Name:      "payments_total",
			Help:      "Payment attempts by terminal status.",
		},
		[]string{"status"},
	)

	callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookpay",
			Name:      "gateway_callbacks_total",
			Help:      "Gateway callbacks by result.",
		},
		[]string{"result"},
	)

	sweeperExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bookpay",
			Name:      "sweeper_expired_total",
			Help:      "Pending bookings reclaimed by the expiration sweeper.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookpay",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(bookingsCreated, inventoryConflicts, payments, callbacks, sweeperExpired, httpRequests)
	})
}

func IncBookingCreated()    { bookingsCreated.Inc() }
func IncInventoryConflict() { inventoryConflicts.Inc() }
func IncSweeperExpired()    { sweeperExpired.Inc() }

// IncPayment increments the payment counter for a terminal status label.
func IncPayment(status string) { payments.WithLabelValues(status).Inc() }

// IncCallback increments the callback counter for a result label.
func IncCallback(result string) { callbacks.WithLabelValues(result).Inc() }

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) { httpRequests.WithLabelValues(endpoint).Inc() }
