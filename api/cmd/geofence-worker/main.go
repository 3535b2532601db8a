// The geofence worker runs rule evaluation on a schedule and fans alert
// events out to redis, kafka and influx. It serves only health and
// metrics over HTTP.
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
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"urban-density-analytics/api/internal/alerts"
	"urban-density-analytics/api/internal/density"
	"urban-density-analytics/api/internal/models"
	"urban-density-analytics/shared/cachex"
	"urban-density-analytics/shared/clients/camara"
	"urban-density-analytics/shared/config"
	"urban-density-analytics/shared/events"
	"urban-density-analytics/shared/httpx"
	"urban-density-analytics/shared/influxx"
	"urban-density-analytics/shared/lockx"
	"urban-density-analytics/shared/logx"
	"urban-density-analytics/shared/metricsx"
	"urban-density-analytics/shared/mqx"
	"urban-density-analytics/shared/observability"
	"urban-density-analytics/shared/tokenx"
)

var version = "dev"

func main() {
	cfg, problems := config.Load("geofence-worker", 8081)
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

	var live density.LiveSource
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
		live, err = camara.New(camara.Config{
			BaseURL:  cfg.DensityBaseURL,
			Scopes:   cfg.DensityScopes,
			Audience: cfg.DensityAudience,
			Timeout:  time.Duration(cfg.DensityTimeoutMS) * time.Millisecond,
		}, tokens)
		if err != nil {
			logger.Error(ctx, "camara.init_failed", "density client init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
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
	var gate alerts.CycleGate
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Error(ctx, "redis.init_failed", "redis init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer cache.Close()

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

	httpSink := alerts.NewHTTPSink(time.Duration(cfg.WebhookTimeoutMS) * time.Millisecond)
	var webhooks alerts.WebhookSink = httpSink
	var asynqClient *asynq.Client
	var asynqServer *asynq.Server
	if cfg.AsynqEnabled && cfg.AsynqRedisAddr != "" {
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		}
		asynqClient = asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		webhooks = alerts.NewAsynqSink(asynqClient, cfg.AsynqQueue)

		asynqServer = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Queues:      map[string]int{cfg.AsynqQueue: 1},
		})
		taskMux := asynq.NewServeMux()
		taskMux.Handle(alerts.TaskWebhookDeliver, alerts.WebhookTaskHandler(httpSink))
		go func() {
			if err := asynqServer.Run(taskMux); err != nil {
				logger.Error(ctx, "asynq.failed", "task server failed", slog.String("error", err.Error()))
			}
		}()
	}

	engine, err := alerts.NewEngine(alerts.EngineConfig{
		Snapshots: aggregator,
		Webhooks:  webhooks,
		Interval:  time.Duration(cfg.EvalIntervalSec) * time.Second,
		Gate:      gate,
		Logger:    logger,
	})
	if err != nil {
		logger.Error(ctx, "alerts.init_failed", "alert engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cache != nil {
		engine.Subscribe(alerts.SubscriberFunc(func(event models.AlertEvent) {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cache.PublishJSON(pctx, cfg.AlertChannel, event); err != nil {
				logger.Warn(pctx, "alerts.publish_failed", "alert publish failed", slog.String("error", err.Error()))
			}
		}))
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(ctx, "kafka.init_failed", "kafka producer init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer producer.Close()
		engine.Subscribe(alerts.SubscriberFunc(func(event models.AlertEvent) {
			payload, err := json.Marshal(event)
			if err != nil {
				return
			}
			envelope := events.New(events.EventAlertTriggered, payload)
			value, err := json.Marshal(envelope)
			if err != nil {
				return
			}
			pctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.KafkaWriteMS)*time.Millisecond)
			defer cancel()
			if err := producer.Publish(pctx, events.TopicAlerts, []byte(event.RuleID), value, nil); err != nil {
				logger.Warn(pctx, "kafka.publish_failed", "alert publish failed", slog.String("error", err.Error()))
			}
		}))
		// Every evaluation also feeds the density telemetry topic,
		// mirroring the influx measurement for stream consumers.
		engine.Subscribe(alerts.SubscriberFunc(func(event models.AlertEvent) {
			payload, err := json.Marshal(map[string]any{
				"rule_id":       event.RuleID,
				"level":         event.Level,
				"total_devices": event.TotalDevices,
				"observed_at":   event.TriggeredAt,
			})
			if err != nil {
				return
			}
			envelope := events.New(events.EventDensityMeasured, payload)
			value, err := json.Marshal(envelope)
			if err != nil {
				return
			}
			pctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.KafkaWriteMS)*time.Millisecond)
			defer cancel()
			if err := producer.Publish(pctx, events.TopicDensityMetrics, []byte(event.RuleID), value, nil); err != nil {
				logger.Warn(pctx, "kafka.publish_failed", "density metric publish failed", slog.String("error", err.Error()))
			}
		}))
	}

	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Error(ctx, "influx.init_failed", "influx client init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer influx.Close()
		engine.Subscribe(alerts.SubscriberFunc(func(event models.AlertEvent) {
			wctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.InfluxTimeoutMS)*time.Millisecond)
			defer cancel()
			err := influx.WritePoint(wctx, "rule_density",
				map[string]string{"rule_id": event.RuleID, "level": string(event.Level)},
				map[string]any{"total_devices": event.TotalDevices},
				event.TriggeredAt)
			if err != nil {
				metricsx.IncInfluxWriteFailure()
				logger.Warn(wctx, "influx.write_failed", "telemetry write failed", slog.String("error", err.Error()))
			}
		}))
	}

	engine.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker.start", "geofence worker listening",
			slog.Int("port", cfg.HTTPPort),
			slog.Int("interval_seconds", cfg.EvalIntervalSec))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "worker.shutdown", "shutdown signal received")
	case err := <-errCh:
		logger.Error(context.Background(), "worker.failed", "http server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "worker.shutdown_failed", "graceful shutdown failed", slog.String("error", err.Error()))
	}
	engine.Stop()
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "otel.shutdown_failed", "tracer shutdown failed", slog.String("error", err.Error()))
	}
}
