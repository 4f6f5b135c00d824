// Package metrics is the fire-and-forget metrics sink. Recording failures
// must never affect the caller; the orchestration layer logs and drops them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event types emitted by the orchestration layer.
const (
	EventTransferSubmitted = "transfer_submitted"
	EventSwapSettled       = "swap_settled"
	EventDepositCompleted  = "deposit_completed"
	EventProcessFailed     = "process_failed"
	EventProcessCancelled  = "process_cancelled"
)

// Event is one orchestration fact worth counting.
type Event struct {
	Type        string
	ProcessID   string
	UserAddress string
	Asset       string
	Chain       string
}

// Sink records events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ev Event) error
}

// PromSink counts events in Prometheus counters.
type PromSink struct {
	events *prometheus.CounterVec
}

// NewPromSink registers the sink's collectors on the given registry.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultflow",
		Name:      "orchestration_events_total",
		Help:      "Deposit orchestration events by type, asset and chain.",
	}, []string{"type", "asset", "chain"})

	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return &PromSink{events: events}, nil
}

// Record counts the event.
func (s *PromSink) Record(ev Event) error {
	s.events.WithLabelValues(ev.Type, ev.Asset, ev.Chain).Inc()
	return nil
}

// Handler exposes the registry over HTTP for scraping.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NopSink discards all events.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) error { return nil }
