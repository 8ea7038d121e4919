// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package streamer

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors updated by a Publisher.
type Metrics struct {
	Published prometheus.Counter
	Rejected  prometheus.Counter
	Received  *prometheus.CounterVec
	Phase     prometheus.Gauge
	Interval  prometheus.Gauge
	Ready     prometheus.Gauge
}

// NewMetrics creates the publisher collectors and registers them with reg,
// if it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astarte_stream_samples_published_total",
			Help: "Samples accepted by the device for publication.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astarte_stream_samples_rejected_total",
			Help: "Samples the device refused to queue.",
		}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "astarte_stream_data_received_total",
			Help: "Values received from the server, by interface.",
		}, []string{"interface"}),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "astarte_stream_phase",
			Help: "Current waveform phase.",
		}),
		Interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "astarte_stream_interval_milliseconds",
			Help: "Interval until the next sample.",
		}),
		Ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "astarte_stream_ready",
			Help: "1 once the device is initialized, 0 before or after a failure.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.Published,
			m.Rejected,
			m.Received,
			m.Phase,
			m.Interval,
			m.Ready,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
