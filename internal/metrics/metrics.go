// Package metrics exposes the server and client engines' operational
// counters via a Prometheus registry, the same way comparable services
// instrument themselves: request/response outcomes, chunk throughput,
// and queue pressure as gauges and counters rather than log lines.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Server holds every metric the server engine publishes.
type Server struct {
	RequestsTotal     *prometheus.CounterVec
	ResponsesTotal    *prometheus.CounterVec
	JobQueueDepth     prometheus.Gauge
	JobQueueDropped   prometheus.Counter
	StoredBytes       prometheus.Gauge
	StoredFiles       prometheus.Gauge
	ChunksPublished   prometheus.Counter
	IntegrityFailures prometheus.Counter
}

// NewServer registers and returns the server-side metric set on reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer for the process default.
func NewServer(reg prometheus.Registerer) *Server {
	s := &Server{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobdvm_server_requests_total",
			Help: "Requests received by action.",
		}, []string{"action"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobdvm_server_responses_total",
			Help: "Terminal responses emitted by outcome.",
		}, []string{"outcome"}), // "stored","available","deleted","error:<code>"
		JobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blobdvm_server_job_queue_depth",
			Help: "Current number of requests waiting in the job queue.",
		}),
		JobQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobdvm_server_job_queue_dropped_total",
			Help: "Requests dropped because the job queue was full.",
		}),
		StoredBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blobdvm_server_stored_bytes",
			Help: "Total live bytes held in the content store, as of the last store or delete request.",
		}),
		StoredFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blobdvm_server_stored_files",
			Help: "Number of live files in the content store, as of the last store or delete request.",
		}),
		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobdvm_server_chunks_published_total",
			Help: "Chunk events published.",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobdvm_server_integrity_failures_total",
			Help: "Chunk/file integrity check failures observed server-side.",
		}),
	}

	reg.MustRegister(
		s.RequestsTotal, s.ResponsesTotal, s.JobQueueDepth, s.JobQueueDropped,
		s.StoredBytes, s.StoredFiles, s.ChunksPublished, s.IntegrityFailures,
	)
	return s
}

// Client holds every metric the client engine publishes.
type Client struct {
	UploadsTotal      *prometheus.CounterVec
	DownloadsTotal    *prometheus.CounterVec
	ChunksDiscarded   prometheus.Counter
	DiscoveredServers prometheus.Gauge
}

// NewClient registers and returns the client-side metric set on reg.
func NewClient(reg prometheus.Registerer) *Client {
	c := &Client{
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobdvm_client_uploads_total",
			Help: "Upload attempts by outcome.",
		}, []string{"outcome"}),
		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobdvm_client_downloads_total",
			Help: "Download attempts by outcome.",
		}, []string{"outcome"}),
		ChunksDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobdvm_client_chunks_discarded_total",
			Help: "Chunks discarded for failing integrity verification.",
		}),
		DiscoveredServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blobdvm_client_discovered_servers",
			Help: "Servers known from the last discovery call.",
		}),
	}

	reg.MustRegister(c.UploadsTotal, c.DownloadsTotal, c.ChunksDiscarded, c.DiscoveredServers)
	return c
}
