package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// emittedTotal counts every event by name and tenant, the one metric
// every deployment wants regardless of which webhooks are configured.
var emittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opd",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Total number of domain events emitted by the EventBus, labeled by event name.",
	},
	[]string{"event", "tenant"},
)

func init() {
	prometheus.MustRegister(emittedTotal)
}

// Metrics registers a post-hook on every eventName that increments the
// emitted_total counter; call once per event name Core catalogues, or
// rely on RegisterDefaultMetrics for the common set.
func (b *Bus) Metrics(eventName string) {
	b.OnAfter(eventName, PostHook{
		Name: "metrics",
		Run: func(_ context.Context, ev Event) error {
			emittedTotal.WithLabelValues(ev.Name, ev.TenantID).Inc()
			return nil
		},
	})
}

// RegisterDefaultMetrics wires the metrics post-hook across the event
// catalogue spec §4.12 names as Core-emitted.
func (b *Bus) RegisterDefaultMetrics() {
	for _, name := range []string{
		"authorization.code.issued",
		"token.issued",
		"token.refreshed",
		"session.created",
		"session.revoked",
		"consent.granted",
		"consent.denied",
		"security.token.replay_detected",
		"ciba.request.approved",
		"ciba.request.denied",
		"device.grant.approved",
		"logout.completed",
	} {
		b.Metrics(name)
	}
}
