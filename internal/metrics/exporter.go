package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const collectInterval = 15 * time.Second

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	collector *Collector
	server    *http.Server
	stopCh    chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string, collector *Collector) *Exporter {
	if collector == nil {
		collector = NewCollector(nil)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Exporter{
		addr:      addr,
		collector: collector,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		stopCh: make(chan struct{}),
	}
}

// Start blocks serving /metrics until Stop is called.
func (e *Exporter) Start() error {
	e.collector.Collect()
	go func() {
		ticker := time.NewTicker(collectInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.collector.Collect()
			}
		}
	}()

	err := e.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the exporter
func (e *Exporter) Stop(ctx context.Context) error {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	return e.server.Shutdown(ctx)
}
