package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	descPublished = prometheus.NewDesc(
		namespace+"_discovery_published_endpoints",
		"Endpoints this node currently publishes into the directory.",
		[]string{"zone", "node"}, nil,
	)
	descDiscovered = prometheus.NewDesc(
		namespace+"_discovery_discovered_endpoints",
		"Remote endpoints currently mirrored from the directory.",
		[]string{"zone", "node"}, nil,
	)
)

// EndpointSource is read on every scrape.
type EndpointSource interface {
	Zone() string
	Node() string
	PublishedCount() int
	DiscoveredCount() int
}

type endpointCollector struct {
	src EndpointSource
}

var _ prometheus.Collector = &endpointCollector{}

// NewEndpointCollector exposes the endpoint set sizes of src as gauges.
func NewEndpointCollector(src EndpointSource) prometheus.Collector {
	return &endpointCollector{src: src}
}

func (c *endpointCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPublished
	ch <- descDiscovered
}

func (c *endpointCollector) Collect(ch chan<- prometheus.Metric) {
	zone, node := c.src.Zone(), c.src.Node()
	ch <- prometheus.MustNewConstMetric(descPublished, prometheus.GaugeValue, float64(c.src.PublishedCount()), zone, node)
	ch <- prometheus.MustNewConstMetric(descDiscovered, prometheus.GaugeValue, float64(c.src.DiscoveredCount()), zone, node)
}
