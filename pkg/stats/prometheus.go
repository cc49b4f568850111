package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes per-link counters as Prometheus metrics. The snapshot
// function is called once per scrape, off the I/O path.
type Collector struct {
	snapshot func() map[string]LinkStatistics

	bytesSent      *prometheus.Desc
	bytesReceived  *prometheus.Desc
	framesSent     *prometheus.Desc
	framesReceived *prometheus.Desc
	errorCount     *prometheus.Desc
	reconnectCount *prometheus.Desc
	latencyMean    *prometheus.Desc
}

// NewCollector creates a collector over a per-link snapshot function
func NewCollector(snapshot func() map[string]LinkStatistics) *Collector {
	labels := []string{"link"}
	return &Collector{
		snapshot: snapshot,
		bytesSent: prometheus.NewDesc(
			"commlink_bytes_sent_total", "Bytes written to the link", labels, nil),
		bytesReceived: prometheus.NewDesc(
			"commlink_bytes_received_total", "Bytes read from the link", labels, nil),
		framesSent: prometheus.NewDesc(
			"commlink_frames_sent_total", "Frames transmitted, including retries", labels, nil),
		framesReceived: prometheus.NewDesc(
			"commlink_frames_received_total", "Frames decoded and verified", labels, nil),
		errorCount: prometheus.NewDesc(
			"commlink_errors_total", "Link errors of any kind", labels, nil),
		reconnectCount: prometheus.NewDesc(
			"commlink_reconnects_total", "Reconnect attempts", labels, nil),
		latencyMean: prometheus.NewDesc(
			"commlink_latency_mean_seconds", "Rolling mean request/response latency", labels, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.framesSent
	ch <- c.framesReceived
	ch <- c.errorCount
	ch <- c.reconnectCount
	ch <- c.latencyMean
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range c.snapshot() {
		ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(s.BytesSent), name)
		ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(s.BytesReceived), name)
		ch <- prometheus.MustNewConstMetric(c.framesSent, prometheus.CounterValue, float64(s.FramesSent), name)
		ch <- prometheus.MustNewConstMetric(c.framesReceived, prometheus.CounterValue, float64(s.FramesReceived), name)
		ch <- prometheus.MustNewConstMetric(c.errorCount, prometheus.CounterValue, float64(s.ErrorCount), name)
		ch <- prometheus.MustNewConstMetric(c.reconnectCount, prometheus.CounterValue, float64(s.ReconnectCount), name)
		ch <- prometheus.MustNewConstMetric(c.latencyMean, prometheus.GaugeValue, s.LatencyMean.Seconds(), name)
	}
}
