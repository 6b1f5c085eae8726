package handlers

import "github.com/prometheus/client_golang/prometheus"

type PostMetrics struct {
	Requests       *prometheus.CounterVec
	SubmitDuration *prometheus.HistogramVec
}

func (m *PostMetrics) IncRequest(endpoint, status string) {
	if m == nil || m.Requests == nil {
		return
	}

	m.Requests.WithLabelValues(endpoint, status).Inc()
}

func (m *PostMetrics) ObserveSubmit(status string, seconds float64) {
	if m == nil || m.SubmitDuration == nil {
		return
	}

	m.SubmitDuration.WithLabelValues(status).Observe(seconds)
}
