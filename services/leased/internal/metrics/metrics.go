// Package metrics exposes Prometheus collectors for the DHCP daemon.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"leased/services/leased/internal/server"
)

const namespace = "leased"

// Recorder holds the daemon's collectors. It doubles as a server.EventSink.
type Recorder struct {
	packetsIn     *prometheus.CounterVec
	packetsOut    *prometheus.CounterVec
	errors        *prometheus.CounterVec
	events        *prometheus.CounterVec
	droppedEvents prometheus.Counter
	activeLeases  prometheus.Gauge
	provisional   prometheus.Gauge
	transactions  prometheus.Gauge
	dispatch      prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		return nil, errors.New("registerer is required")
	}
	r := &Recorder{
		packetsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Decoded packets received, by message type.",
		}, []string{"message_type"}),
		packetsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent, by message type.",
		}, []string{"message_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Packets that could not be handled, by error class.",
		}, []string{"class"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_events_total",
			Help:      "Lease lifecycle events, by kind.",
		}, []string{"kind"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lease events not published because the publish buffer was full.",
		}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_leases",
			Help:      "Live bindings in the lease table.",
		}),
		provisional: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provisional_addresses",
			Help:      "Addresses reserved by in-flight DISCOVER exchanges.",
		}),
		transactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_in_flight",
			Help:      "Server transactions awaiting their second packet.",
		}),
		dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to handle one inbound packet.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
	}
	for _, c := range []prometheus.Collector{
		r.packetsIn, r.packetsOut, r.errors, r.events, r.droppedEvents,
		r.activeLeases, r.provisional, r.transactions, r.dispatch,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// PacketIn counts a decoded inbound packet.
func (r *Recorder) PacketIn(messageType string) { r.packetsIn.WithLabelValues(messageType).Inc() }

// PacketOut counts a sent packet.
func (r *Recorder) PacketOut(messageType string) { r.packetsOut.WithLabelValues(messageType).Inc() }

// DispatchError counts a failed packet by class.
func (r *Recorder) DispatchError(class string) { r.errors.WithLabelValues(class).Inc() }

// EventDropped counts an event lost to back pressure.
func (r *Recorder) EventDropped() { r.droppedEvents.Inc() }

// ObserveDispatch records the handling time of one packet.
func (r *Recorder) ObserveDispatch(d time.Duration) { r.dispatch.Observe(d.Seconds()) }

// ObserveStats refreshes the table gauges.
func (r *Recorder) ObserveStats(s server.Stats) {
	r.activeLeases.Set(float64(s.Leases))
	r.provisional.Set(float64(s.Provisional))
	r.transactions.Set(float64(s.Transactions))
}

// Emit implements server.EventSink.
func (r *Recorder) Emit(e server.Event) { r.events.WithLabelValues(string(e.Kind)).Inc() }
