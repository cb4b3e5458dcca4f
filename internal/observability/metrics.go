package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsStarted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rounds_started_total", Help: "Broadcast rounds opened"})
	OffersOpened     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_opened_total", Help: "Offers created across all rounds"})
	AcceptsWon       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_won_total", Help: "Accept attempts that won the auction"})
	AcceptsLost      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_lost_total", Help: "Accept attempts that found the booking already taken"})
	TripsUnfulfilled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "trips_unfulfilled_total", Help: "Trips terminated with no driver after max rounds"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers currently heartbeating online"})
	SweepDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "sweep_duration_seconds", Help: "Expiry/retry sweep latency", Buckets: prometheus.DefBuckets})
	EventPublishErrs = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "event_publish_errors_total", Help: "Best-effort event emissions that failed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
