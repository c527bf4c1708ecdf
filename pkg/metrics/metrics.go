package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NBD command metrics
	CommandsServed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cumulus_nbd_commands_total",
			Help: "Commands served by the NBD dispatcher, by command",
		},
		[]string{"command"},
	)

	// Transfer metrics; kind distinguishes plaintext from ciphertext
	TransferBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cumulus_transfer_bytes_total",
			Help: "Bytes moved to and from the object store, by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	TransferRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cumulus_transfer_requests_total",
			Help: "Object store requests, by direction",
		},
		[]string{"direction"},
	)

	ObjectsDeleted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cumulus_objects_deleted_total",
			Help: "Block objects deleted from the store",
		},
	)

	// Cache metrics
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cumulus_cache_entries",
			Help: "Entries currently cached",
		},
	)

	DirtyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cumulus_dirty_queue_depth",
			Help: "Writes waiting for upload",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsServed,
		TransferBytes,
		TransferRequests,
		ObjectsDeleted,
		CacheEntries,
		DirtyQueueDepth,
	)
}

// StartMetricsServer starts the Prometheus metrics endpoint
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
