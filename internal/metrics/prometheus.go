package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts a Metrics instance to the prometheus.Collector interface
// so the management server can expose the counters at /metrics without
// double-bookkeeping: every scrape reads the same atomics the relay updates.
type Collector struct {
	m *Metrics
}

// NewCollector returns a prometheus.Collector backed by m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

var (
	descConnectionsTotal = prometheus.NewDesc(
		"mitm_connections_total", "Total client connections accepted.", nil, nil)
	descConnectionsActive = prometheus.NewDesc(
		"mitm_connections_active", "Client connections currently relayed.", nil, nil)
	descTunnels = prometheus.NewDesc(
		"mitm_tunnels_total", "Established tunnels by kind.", []string{"kind"}, nil)
	descErrors = prometheus.NewDesc(
		"mitm_errors_total", "Connection errors by kind.", []string{"kind"}, nil)
	descBytes = prometheus.NewDesc(
		"mitm_relay_bytes_total", "Bytes relayed by direction.", []string{"direction"}, nil)
	descCertsMinted = prometheus.NewDesc(
		"mitm_certs_minted_total", "Leaf certificates minted.", nil, nil)
	descCertCacheHits = prometheus.NewDesc(
		"mitm_cert_cache_hits_total", "Leaf certificate cache hits.", nil, nil)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descConnectionsTotal
	ch <- descConnectionsActive
	ch <- descTunnels
	ch <- descErrors
	ch <- descBytes
	ch <- descCertsMinted
	ch <- descCertCacheHits
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descConnectionsTotal, prometheus.CounterValue,
		float64(c.m.ConnectionsTotal.Load()))
	ch <- prometheus.MustNewConstMetric(descConnectionsActive, prometheus.GaugeValue,
		float64(c.m.ConnectionsActive.Load()))
	ch <- prometheus.MustNewConstMetric(descTunnels, prometheus.CounterValue,
		float64(c.m.TunnelsTLS.Load()), "tls")
	ch <- prometheus.MustNewConstMetric(descTunnels, prometheus.CounterValue,
		float64(c.m.TunnelsPlain.Load()), "plain")
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue,
		float64(c.m.ErrorsProtocol.Load()), "protocol")
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue,
		float64(c.m.ErrorsUpstream.Load()), "upstream")
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue,
		float64(c.m.ErrorsTimeout.Load()), "timeout")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue,
		float64(c.m.BytesClientToServer.Load()), "client_to_server")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue,
		float64(c.m.BytesServerToClient.Load()), "server_to_client")
	ch <- prometheus.MustNewConstMetric(descCertsMinted, prometheus.CounterValue,
		float64(c.m.CertsMinted.Load()))
	ch <- prometheus.MustNewConstMetric(descCertCacheHits, prometheus.CounterValue,
		float64(c.m.CertCacheHits.Load()))
}
