package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"providerproxy/internal/cachestore"
	"providerproxy/internal/config"
	"providerproxy/internal/dispatch"
	"providerproxy/internal/logging"
	"providerproxy/internal/metrics"
	"providerproxy/internal/mitm"
	"providerproxy/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "provider-proxyd failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	log := logging.New(args.LogLevel)
	log.Infof("provider-proxyd starting: %s", args)

	startTime := time.Now()

	ca, err := mitm.NewCAStore()
	if err != nil {
		return fmt.Errorf("initialize root CA: %w", err)
	}
	caPath := filepath.Join(args.CachePath, "ca.pem")
	if err := ca.WriteCAPEM(caPath); err != nil {
		return fmt.Errorf("write root CA certificate: %w", err)
	}
	log.Infof("root CA written to %s; install it to intercept TLS traffic", caPath)

	reg := metrics.New()

	cache, err := cachestore.New(args.CachePath, args.Mode, startTime, reg)
	if err != nil {
		return fmt.Errorf("initialize cache store: %w", err)
	}

	dispatcher := dispatch.New(&dispatch.Context{
		CA:        ca,
		Cache:     cache,
		Args:      args,
		StartTime: startTime,
		Log:       log,
		Metrics:   reg,
		Fetcher:   upstream.New(),
	})

	var mainHandler http.Handler = dispatcher
	var metricsServer *http.Server
	if args.MetricsAddr == "" {
		mux := http.NewServeMux()
		mux.Handle(args.MetricsPath, reg.Handler())
		mux.Handle("/healthz", metrics.HealthzHandler())
		mux.Handle("/", dispatcher)
		// CONNECT requests carry no URL path (r.URL.Path == ""), so they
		// never match any ServeMux pattern above; route them to the
		// dispatcher directly before falling through to the mux.
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodConnect {
				dispatcher.ServeHTTP(w, r)
				return
			}
			mux.ServeHTTP(w, r)
		})
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(args.MetricsPath, reg.Handler())
		metricsMux.Handle("/healthz", metrics.HealthzHandler())
		metricsServer = &http.Server{Addr: args.MetricsAddr, Handler: metricsMux}
	}

	mainServer := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", args.Port),
		Handler: mainHandler,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Infof("provider-proxyd listening on %s", mainServer.Addr)
		err := mainServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if metricsServer != nil {
		go func() {
			log.Infof("metrics listening on %s", metricsServer.Addr)
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(ctx)
		}
		return mainServer.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
