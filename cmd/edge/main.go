// Command edge is an admission-controlled reverse proxy for the public
// HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/admission"
	"github.com/beebs-dev/dorch-sub000/internal/config"
	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/metrics"
	"github.com/beebs-dev/dorch-sub000/pkg/logger"
)

var (
	listen      = flag.String("listen", ":8080", "proxy listen address")
	upstream    = flag.String("upstream", "", "upstream base URL")
	metricsAddr = flag.String("metrics-addr", ":9122", "prometheus exporter address (empty disables)")
	logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
)

func main() {
	flag.Parse()

	log, err := logger.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("edge", zap.Error(err))
	}
}

// openStore connects to coordd. Without COORD_ADDR every replica gets its
// own in-process store and enforces the limits on its own traffic only.
func openStore(cfg coord.Config, log *zap.Logger) coord.Store {
	if cfg.Addr == "" {
		log.Warn("COORD_ADDR is not set; admission limits apply per replica, not fleet-wide")
	}
	return coord.Open(cfg)
}

func run(log *zap.Logger) error {
	target, err := url.Parse(*upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("-upstream must be an absolute URL, got %q", *upstream)
	}

	var coordCfg coord.Config
	if err := config.ParseEnv(&coordCfg); err != nil {
		return err
	}
	var admCfg admission.Config
	if err := config.Load(&admCfg); err != nil {
		return err
	}

	store := openStore(coordCfg, log)
	defer store.Close()

	ctl, err := admission.New(store, admCfg, log)
	if err != nil {
		return err
	}

	handler := newProxy(target, ctl, log)
	srv := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var exporter *metrics.Exporter
	if *metricsAddr != "" {
		exporter = metrics.NewExporter(*metricsAddr, nil)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Error("metrics exporter stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("edge proxy listening", zap.String("addr", *listen), zap.String("upstream", target.String()))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if exporter != nil {
		_ = exporter.Stop(ctx)
	}
	return srv.Shutdown(ctx)
}

func newProxy(target *url.URL, ctl *admission.Controller, log *zap.Logger) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("upstream error", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return ctl.Middleware(proxy)
}
