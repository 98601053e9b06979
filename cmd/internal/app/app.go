// Package app wires the relay server runtime: config, logging, storage,
// event publishers, the HTTP API and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/httpapi"
	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/realtime"
)

// App is the relay server runtime: it owns the store, publishers, engine and HTTP surface.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry

	store  *storeHandle
	pubs   *publisherSet
	engine *messaging.Engine

	hub *realtime.Hub
	ws  *realtime.WSGateway
	api *httpapi.Handler
}

// New constructs a fully wired App. The caller must Close it.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := openStore(ctx, cfg, log, cfg.AutoMigrate)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, registry: reg, store: st}

	wsMetrics := realtime.NewMetrics(reg)
	a.hub = realtime.NewHub(log, wsMetrics)

	a.pubs, err = buildPublishers(ctx, cfg, log, reg, a.hub)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a.engine, err = messaging.NewEngine(st.store,
		messaging.WithLogger(log),
		messaging.WithPublisher(a.pubs.publisher),
		messaging.WithMetrics(messaging.NewMetrics(reg)),
		messaging.WithRetry(uint64(cfg.WriteRetries), nil),
		messaging.WithPublishTimeout(cfg.PublishTimeout),
	)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, a.hub, a.engine, wsMetrics, cfg.GatewayConfig())
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.api, err = httpapi.NewHandler(log, a.engine, httpapi.Config{MaxBodyBytes: cfg.MaxBodyBytes})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	return a, nil
}

// Engine exposes the wired messaging engine.
func (a *App) Engine() *messaging.Engine { return a.engine }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.store.kind,
		"api", base+"/v1",
		"ws", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("server.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close drains the publishers and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.pubs != nil {
		errs = append(errs, a.pubs.Close(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
