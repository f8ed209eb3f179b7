package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PollCycles       = prometheus.NewCounter(prometheus.CounterOpts{Name: "booking_poll_cycles_total", Help: "Monitor poll cycles executed"})
	SubmitAttempts   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "booking_submit_attempts_total", Help: "Order submissions by outcome"}, []string{"outcome"})
	AccountRotations = prometheus.NewCounter(prometheus.CounterOpts{Name: "booking_account_rotations_total", Help: "Rate-limit triggered account rotations"})
	BookingsWon      = prometheus.NewCounter(prometheus.CounterOpts{Name: "booking_orders_won_total", Help: "Orders confirmed by the platform"})
	KeepAlivePings   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "booking_keepalive_pings_total", Help: "Session keep-alive pings by result"}, []string{"result"})
	JobsRunning      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "booking_jobs_running", Help: "Background job processes recorded running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PollCycles,
			SubmitAttempts,
			AccountRotations,
			BookingsWon,
			KeepAlivePings,
			JobsRunning,
		)
	})
	return promhttp.Handler()
}
