package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"Marketplace-Realtime/internal/auth"
	"Marketplace-Realtime/internal/codec"
	"Marketplace-Realtime/internal/config"
	"Marketplace-Realtime/internal/core/network"
	"Marketplace-Realtime/internal/marketapi"
	"Marketplace-Realtime/internal/marketplace"
	"Marketplace-Realtime/internal/metrics"
	"Marketplace-Realtime/internal/realtime"
	"Marketplace-Realtime/internal/store"
	"Marketplace-Realtime/internal/streamapi"
)

// App wires the realtime core and its producers together. One App owns
// the process-wide bus, registry and listener.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *store.Store
	realtime *realtime.Service
	market   *marketplace.Manager
	mux      *http.ServeMux
}

func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := codec.ByName(cfg.BusCodec)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var m *metrics.Realtime
	reg := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.NewRealtime(reg)
	}

	busURL := cfg.BusURL
	bus := realtime.NewBus(func(ctx context.Context) (network.PubSub, error) {
		return network.Dial(ctx, busURL, logger.Named("transport"))
	}, c, realtime.WithBusLogger(logger.Named("bus")), realtime.WithBusMetrics(m))
	rt := realtime.NewService(bus, realtime.NewRegistry(logger.Named("registry"), m), logger.Named("realtime"))

	authn := auth.NewSessionAuthenticator(st)
	market := marketplace.NewManager(st, rt, logger.Named("marketplace"), cfg.Production())

	a := &App{cfg: cfg, logger: logger, store: st, realtime: rt, market: market, mux: http.NewServeMux()}
	stream := streamapi.NewServer(rt, authn, streamapi.Options{
		Heartbeat: cfg.HeartbeatInterval,
		Buffer:    cfg.StreamBuffer,
		Logger:    logger.Named("stream"),
	})
	stream.Register(a.mux)
	marketapi.NewServer(market, authn, logger.Named("api")).Register(a.mux)
	a.mux.HandleFunc("/healthz", a.handleHealth)
	if cfg.MetricsEnabled {
		a.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return a, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down and releases
// the bus and the store.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when ctx does, so Shutdown is not held open by them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http listening", zap.String("addr", a.cfg.HTTPAddr), zap.String("env", a.cfg.Environment))
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return errors.Join(err, a.Close())
}

func (a *App) Close() error {
	return errors.Join(a.realtime.Close(), a.store.Close())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if err := a.store.Health(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["store"] = err.Error()
	}

	bus := a.realtime.Bus()
	busInfo := map[string]any{
		"configured":    a.cfg.BusURL != "",
		"connected":     bus.Transport() != nil,
		"subscriptions": bus.Subscriptions(),
	}
	if peers, ok := bus.Transport().(network.PeerInfo); ok {
		busInfo["peer_id"] = peers.PeerID()
		busInfo["listen_addrs"] = peers.ListenAddrs()
		busInfo["peers"] = len(peers.ConnectedPeers())
	}
	body["bus"] = busInfo
	body["connected_users"] = a.realtime.Registry().Users()
	writeJSON(w, status, body)
}

func (a *App) Handler() http.Handler             { return a.mux }
func (a *App) Store() *store.Store               { return a.store }
func (a *App) Realtime() *realtime.Service       { return a.realtime }
func (a *App) Marketplace() *marketplace.Manager { return a.market }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
