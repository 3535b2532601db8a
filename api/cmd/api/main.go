package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"urban-density-analytics/api/internal/alerts"
	"urban-density-analytics/api/internal/density"
	"urban-density-analytics/api/internal/location"
	"urban-density-analytics/api/internal/middleware"
	"urban-density-analytics/api/internal/models"
	"urban-density-analytics/api/internal/routing"
	"urban-density-analytics/shared/cachex"
	"urban-density-analytics/shared/clients/camara"
	"urban-density-analytics/shared/clients/pathfinder"
	"urban-density-analytics/shared/config"
	"urban-density-analytics/shared/httpx"
	"urban-density-analytics/shared/lockx"
	"urban-density-analytics/shared/logx"
	"urban-density-analytics/shared/metricsx"
	"urban-density-analytics/shared/observability"
	"urban-density-analytics/shared/tokenx"
)

var version = "dev"

const (
	sseKeepAlive     = 20 * time.Second
	locationCacheTTL = 30 * time.Second
)

func main() {
	cfg, problems := config.Load("density-api", 8080)
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(problems) > 0 {
		for _, p := range problems {
			logger.Error(ctx, "config.invalid", "invalid configuration",
				slog.String("field", p.Field),
				slog.String("error", p.Message))
		}
		os.Exit(1)
	}

	metricsx.Register()

	shutdownTracer := func(context.Context) error { return nil }
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(ctx, "otel.init_failed", "tracer init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	var camaraClient *camara.Client
	if !cfg.UseSynthetic {
		tokens, err := tokenx.New(tokenx.Config{
			TokenURL:      cfg.OAuthTokenURL,
			ClientID:      cfg.OAuthClientID,
			ClientSecret:  cfg.OAuthClientSecret,
			DefaultScopes: cfg.DensityScopes,
			Audience:      cfg.DensityAudience,
			Timeout:       time.Duration(cfg.OAuthTimeoutMS) * time.Millisecond,
		})
		if err != nil {
			logger.Error(ctx, "tokenx.init_failed", "token cache init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		camaraClient, err = camara.New(camara.Config{
			BaseURL:     cfg.DensityBaseURL,
			LocationURL: cfg.LocationBaseURL,
			Scopes:      cfg.DensityScopes,
			Audience:    cfg.DensityAudience,
			Timeout:     time.Duration(cfg.DensityTimeoutMS) * time.Millisecond,
		}, tokens)
		if err != nil {
			logger.Error(ctx, "camara.init_failed", "density client init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	var live density.LiveSource
	var locationLive location.LiveSource
	if camaraClient != nil {
		live = camaraClient
		locationLive = camaraClient
	}

	aggregator := density.NewAggregator(density.Config{
		Live:               live,
		Precision:          cfg.DensityPrecision,
		WindowMinutes:      cfg.DensityWindowMin,
		FlowHours:          cfg.DensityFlowHours,
		DefaultAreaEnabled: cfg.FlowDefaultArea,
		Logger:             logger,
	})

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Error(ctx, "redis.init_failed", "redis init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := cache.Ping(ctx); err != nil {
			logger.Warn(ctx, "redis.unreachable", "redis unreachable at startup", slog.String("error", err.Error()))
		}
		defer cache.Close()
	}

	var gate alerts.CycleGate
	if cache != nil {
		interval := time.Duration(cfg.EvalIntervalSec) * time.Second
		gate = func(gctx context.Context) (func(), bool) {
			lock, ok, err := lockx.Acquire(gctx, cache.Client(), "geofence:eval", interval)
			if err != nil {
				logger.Warn(gctx, "lockx.acquire_failed", "cycle lock acquire failed", slog.String("error", err.Error()))
				return func() {}, true
			}
			if !ok {
				return nil, false
			}
			return func() {
				if err := lockx.Release(context.Background(), cache.Client(), lock); err != nil {
					logger.Warn(gctx, "lockx.release_failed", "cycle lock release failed", slog.String("error", err.Error()))
				}
			}, true
		}
	}

	engine, err := alerts.NewEngine(alerts.EngineConfig{
		Snapshots: aggregator,
		Webhooks:  alerts.NewHTTPSink(time.Duration(cfg.WebhookTimeoutMS) * time.Millisecond),
		Interval:  time.Duration(cfg.EvalIntervalSec) * time.Second,
		Gate:      gate,
		Logger:    logger,
	})
	if err != nil {
		logger.Error(ctx, "alerts.init_failed", "alert engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hub := newSSEHub()
	if cache != nil {
		// Redis carries events across replicas: this process publishes
		// its own and streams whatever arrives on the channel.
		engine.Subscribe(alerts.SubscriberFunc(func(event models.AlertEvent) {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cache.PublishJSON(pctx, cfg.AlertChannel, event); err != nil {
				logger.Warn(pctx, "alerts.publish_failed", "alert publish failed", slog.String("error", err.Error()))
			}
		}))
		go streamRedisAlerts(ctx, cache, cfg.AlertChannel, hub, logger)
	} else {
		engine.Subscribe(alerts.SubscriberFunc(hub.broadcast))
	}

	var paths routing.PathSource
	if cfg.PathfinderURL != "" {
		pf, err := pathfinder.New(pathfinder.Config{
			BaseURL: cfg.PathfinderURL,
			Timeout: time.Duration(cfg.PathfinderTimeoutMS) * time.Millisecond,
		})
		if err != nil {
			logger.Error(ctx, "pathfinder.init_failed", "pathfinder client init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		paths = pf
	}
	locator := location.NewLocator(location.Config{
		Live:   locationLive,
		Logger: logger,
	})

	scorer := routing.NewScorer(routing.Config{
		Paths:             paths,
		Density:           aggregator,
		Rules:             engine,
		CriticalZoneLimit: cfg.CriticalZoneLimit,
		Logger:            logger,
	})

	if cfg.SchedulerEnabled {
		engine.Start(ctx)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "NOT_READY", "redis unreachable", nil)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("POST /api/v1/density/snapshot", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AreaID    string          `json:"areaId"`
			Area      json.RawMessage `json:"area"`
			Precision int             `json:"precision"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body", nil)
			return
		}
		var area models.Area
		if len(body.Area) > 0 {
			parsed, err := models.ParseArea(body.Area)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			area = parsed
		}
		if body.AreaID == "" {
			if area == nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "areaId or area is required", nil)
				return
			}
			body.AreaID = uuid.NewString()
		}
		if body.Precision < 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "precision must be >= 0", nil)
			return
		}
		snap, err := aggregator.Snapshot(r.Context(), body.AreaID, area, body.Precision)
		if err != nil {
			if errors.Is(err, density.ErrDataUnavailable) {
				httpx.WriteError(w, r, http.StatusNotFound, "DATA_UNAVAILABLE", "no density data for area", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "snapshot failed", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("GET /api/v1/density/flow/{areaId}", func(w http.ResponseWriter, r *http.Request) {
		areaID := r.PathValue("areaId")
		series, err := aggregator.Flow(r.Context(), areaID)
		if err != nil {
			if errors.Is(err, density.ErrDataUnavailable) {
				httpx.WriteError(w, r, http.StatusNotFound, "DATA_UNAVAILABLE", "unknown area", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "flow failed", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, series)
	})

	mux.HandleFunc("GET /api/v1/location/device/{deviceId}", func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.PathValue("deviceId")
		cacheKey := "location:" + deviceID
		if cache != nil {
			var cached models.DeviceLocation
			if ok, err := cache.GetJSON(r.Context(), cacheKey, &cached); err == nil && ok {
				httpx.WriteJSON(w, http.StatusOK, cached)
				return
			}
		}
		loc, err := locator.Locate(r.Context(), deviceID)
		if err != nil {
			switch {
			case errors.Is(err, location.ErrInvalidDeviceID):
				httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid device id", nil)
			case errors.Is(err, camara.ErrLocationDisabled):
				httpx.WriteError(w, r, http.StatusNotImplemented, "NOT_IMPLEMENTED", "device location retrieval is not configured", nil)
			default:
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "location lookup failed", nil)
			}
			return
		}
		if cache != nil {
			if err := cache.SetJSON(r.Context(), cacheKey, loc, locationCacheTTL); err != nil {
				logger.Warn(r.Context(), "location.cache_failed", "location cache write failed", slog.String("error", err.Error()))
			}
		}
		httpx.WriteJSON(w, http.StatusOK, loc)
	})

	mux.HandleFunc("POST /api/v1/routing/plan", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			From *models.Point `json:"from"`
			To   *models.Point `json:"to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body", nil)
			return
		}
		if body.From == nil || body.To == nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "from and to are required", nil)
			return
		}
		if !validPoint(*body.From) || !validPoint(*body.To) {
			httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "coordinates out of range", nil)
			return
		}
		plan := scorer.PlanRoute(r.Context(), *body.From, *body.To)
		httpx.WriteJSON(w, http.StatusOK, plan)
	})

	mux.HandleFunc("GET /api/v1/alerts/rules", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"rules": engine.ListRules()})
	})

	mux.HandleFunc("POST /api/v1/alerts/rules", func(w http.ResponseWriter, r *http.Request) {
		spec, err := decodeRuleSpec(r)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		rule, err := engine.AddRule(spec)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		aggregator.RegisterArea(rule.ID, rule.Area)
		httpx.WriteJSON(w, http.StatusCreated, rule)
	})

	mux.HandleFunc("GET /api/v1/alerts/rules/{id}", func(w http.ResponseWriter, r *http.Request) {
		rule, ok := engine.GetRule(r.PathValue("id"))
		if !ok {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown rule", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, rule)
	})

	mux.HandleFunc("DELETE /api/v1/alerts/rules/{id}", func(w http.ResponseWriter, r *http.Request) {
		engine.DeleteRule(r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/v1/alerts/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported", nil)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, cancel := hub.subscribe()
		defer cancel()

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case event := <-events:
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: alert\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	})

	isStream := func(r *http.Request) bool {
		return r.URL.Path == "/api/v1/alerts/stream"
	}

	var handler http.Handler = mux
	handler = metricsx.Instrument(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, isStream, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{
		SkipPaths: map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true},
	}, handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestID(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxAge:         10 * time.Minute,
	}.Wrap(handler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server.start", "http server listening",
			slog.Int("port", cfg.HTTPPort),
			slog.Bool("synthetic", cfg.UseSynthetic))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "server.shutdown", "shutdown signal received")
	case err := <-errCh:
		logger.Error(context.Background(), "server.failed", "http server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server.shutdown_failed", "graceful shutdown failed", slog.String("error", err.Error()))
	}
	if cfg.SchedulerEnabled {
		engine.Stop()
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "otel.shutdown_failed", "tracer shutdown failed", slog.String("error", err.Error()))
	}
}

func validPoint(p models.Point) bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

func decodeRuleSpec(r *http.Request) (models.RuleSpec, error) {
	var body struct {
		Name             string                `json:"name"`
		Polygon          json.RawMessage       `json:"polygon"`
		ThresholdDevices int                   `json:"thresholdDevices"`
		AlertChannels    []models.AlertChannel `json:"alertChannels"`
		WebhookURL       string                `json:"webhookUrl"`
		Active           *bool                 `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return models.RuleSpec{}, errors.New("invalid json body")
	}
	if len(body.Polygon) == 0 {
		return models.RuleSpec{}, errors.New("polygon is required")
	}
	area, err := models.ParseArea(body.Polygon)
	if err != nil {
		return models.RuleSpec{}, err
	}
	active := true
	if body.Active != nil {
		active = *body.Active
	}
	return models.RuleSpec{
		Name:             body.Name,
		Area:             area,
		ThresholdDevices: body.ThresholdDevices,
		AlertChannels:    body.AlertChannels,
		WebhookURL:       body.WebhookURL,
		Active:           active,
	}, nil
}

// streamRedisAlerts forwards channel messages to the local SSE hub,
// resubscribing with backoff on failure.
func streamRedisAlerts(ctx context.Context, cache *cachex.Client, channel string, hub *sseHub, logger logx.Logger) {
	for {
		pubsub := cache.Client().Subscribe(ctx, channel)
		for msg := range pubsub.Channel() {
			var event models.AlertEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn(ctx, "alerts.decode_failed", "alert payload decode failed", slog.String("error", err.Error()))
				continue
			}
			hub.broadcast(event)
		}
		_ = pubsub.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

type sseHub struct {
	mu   sync.Mutex
	subs map[int]chan models.AlertEvent
	next int
}

func newSSEHub() *sseHub {
	return &sseHub{subs: make(map[int]chan models.AlertEvent)}
}

func (h *sseHub) subscribe() (<-chan models.AlertEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan models.AlertEvent, 16)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// broadcast drops events for slow consumers rather than blocking.
func (h *sseHub) broadcast(event models.AlertEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
