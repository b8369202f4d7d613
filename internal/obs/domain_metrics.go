package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// ResolutionTotal counts status-poll resolutions by winning strategy and outcome.
	ResolutionTotal *prometheus.CounterVec
	// SweepDeletionsTotal counts intents deleted from the terminal queue.
	SweepDeletionsTotal *prometheus.CounterVec
	// NotificationsTotal counts inbound gateway notifications by channel and outcome.
	NotificationsTotal *prometheus.CounterVec
	// ConfirmationEvictions counts confirmation records removed by the TTL sweep.
	ConfirmationEvictions prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ResolutionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_resolution_total",
			Help:      "Count of payment status resolutions by strategy and outcome.",
		}, []string{"strategy", "status"})
		SweepDeletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_sweep_deletions_total",
			Help:      "Count of payment intents deleted from the terminal queue.",
		}, []string{"mode", "result"})
		NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_notifications_total",
			Help:      "Count of inbound gateway notifications by channel and outcome.",
		}, []string{"channel", "result"})
		ConfirmationEvictions = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_evictions_total",
			Help:      "Number of confirmation records removed by the TTL sweep.",
		})
		reg.MustRegister(ResolutionTotal, SweepDeletionsTotal, NotificationsTotal, ConfirmationEvictions)
	})
}
