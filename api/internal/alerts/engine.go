// Package alerts evaluates geofence rules against density snapshots
// and fans alert events out to subscribers and webhooks.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"urban-density-analytics/api/internal/geo"
	"urban-density-analytics/api/internal/models"
	"urban-density-analytics/shared/logx"
	"urban-density-analytics/shared/metricsx"
)

const (
	msgCritical = "Critical density exceeded. Immediate action recommended."
	msgWarning  = "High density detected. Monitor and prepare resources."
	msgInfo     = "Density within normal range."

	// Critical fires when the count passes this multiple of the threshold.
	criticalFactor = 1.5
)

// Snapshotter supplies the current density for a rule's area. A zero
// precision keeps the aggregator's default.
type Snapshotter interface {
	Snapshot(ctx context.Context, areaID string, area models.Area, precision int) (models.DensitySnapshot, error)
}

// Subscriber receives every alert event the engine emits, including
// informational ones. Deliveries are best effort.
type Subscriber interface {
	Deliver(event models.AlertEvent)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(event models.AlertEvent)

func (f SubscriberFunc) Deliver(event models.AlertEvent) { f(event) }

// WebhookSink posts warning and critical events to a rule's webhook URL.
type WebhookSink interface {
	Deliver(ctx context.Context, url string, event models.AlertEvent) error
}

// CycleGate guards an evaluation cycle, letting one replica of a fleet
// run it. ok=false skips the cycle; release is called when done.
type CycleGate func(ctx context.Context) (release func(), ok bool)

type EngineConfig struct {
	Snapshots Snapshotter
	Webhooks  WebhookSink
	Interval  time.Duration
	Gate      CycleGate
	Logger    logx.Logger
}

// Engine holds geofence rules in memory and re-evaluates them on a
// fixed interval.
type Engine struct {
	cfg    EngineConfig
	logger logx.Logger

	mu          sync.RWMutex
	rules       map[string]models.GeofenceRule
	subscribers map[string]Subscriber

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Snapshots == nil {
		return nil, errors.New("snapshot source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == (logx.Logger{}) {
		logger = logx.Discard()
	}
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		rules:       make(map[string]models.GeofenceRule),
		subscribers: make(map[string]Subscriber),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		now:         time.Now,
	}, nil
}

// AddRule validates and registers a rule, assigning its id.
func (e *Engine) AddRule(spec models.RuleSpec) (models.GeofenceRule, error) {
	if spec.Name == "" {
		return models.GeofenceRule{}, errors.New("rule name is required")
	}
	if spec.Area == nil {
		return models.GeofenceRule{}, errors.New("rule area is required")
	}
	if spec.ThresholdDevices <= 0 {
		return models.GeofenceRule{}, errors.New("threshold must be > 0")
	}
	if len(spec.AlertChannels) == 0 {
		return models.GeofenceRule{}, errors.New("at least one alert channel is required")
	}
	for _, ch := range spec.AlertChannels {
		switch ch {
		case models.ChannelUI, models.ChannelWebhook:
		default:
			return models.GeofenceRule{}, fmt.Errorf("unknown alert channel %q", ch)
		}
	}
	if hasChannel(spec.AlertChannels, models.ChannelWebhook) && spec.WebhookURL == "" {
		return models.GeofenceRule{}, errors.New("webhook channel requires a webhook url")
	}

	rule := models.GeofenceRule{
		ID:               uuid.NewString(),
		Name:             spec.Name,
		Area:             geo.Normalize(spec.Area),
		ThresholdDevices: spec.ThresholdDevices,
		AlertChannels:    spec.AlertChannels,
		WebhookURL:       spec.WebhookURL,
		Active:           spec.Active,
	}
	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	return rule, nil
}

// DeleteRule removes a rule. Deleting an unknown id is a no-op.
func (e *Engine) DeleteRule(id string) {
	e.mu.Lock()
	delete(e.rules, id)
	e.mu.Unlock()
}

func (e *Engine) ListRules() []models.GeofenceRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.GeofenceRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

func (e *Engine) GetRule(id string) (models.GeofenceRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	return r, ok
}

// Subscribe registers a live event consumer. The returned cancel is
// idempotent.
func (e *Engine) Subscribe(sub Subscriber) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.subscribers[id] = sub
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subscribers, id)
			e.mu.Unlock()
		})
	}
}

// Start runs the evaluation loop until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.runCycle(ctx)
			}
		}
	}()
}

// Stop terminates the evaluation loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func (e *Engine) runCycle(ctx context.Context) {
	if e.cfg.Gate != nil {
		release, ok := e.cfg.Gate(ctx)
		if !ok {
			return
		}
		defer release()
	}
	start := e.now()
	e.EvaluateAll(ctx)
	metricsx.IncEvalCycle()
	metricsx.ObserveEvalCycle(e.now().Sub(start))
}

// EvaluateAll evaluates every active rule once. A failing rule is
// logged and skipped without affecting the others.
func (e *Engine) EvaluateAll(ctx context.Context) {
	e.mu.RLock()
	rules := make([]models.GeofenceRule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if err := e.evaluateRule(ctx, rule); err != nil {
			metricsx.IncRuleEvalFailure()
			e.logger.Error(ctx, "alerts.rule_eval_failed", "rule evaluation failed",
				slog.String("rule_id", rule.ID),
				slog.String("rule_name", rule.Name),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) evaluateRule(ctx context.Context, rule models.GeofenceRule) error {
	snap, err := e.cfg.Snapshots.Snapshot(ctx, rule.ID, rule.Area, 0)
	if err != nil {
		return err
	}

	level, message := classify(snap.TotalDevices, rule.ThresholdDevices)
	event := models.AlertEvent{
		RuleID:       rule.ID,
		TriggeredAt:  e.now().UTC(),
		TotalDevices: snap.TotalDevices,
		Level:        level,
		Message:      message,
	}

	metricsx.IncAlertEmitted(string(level))
	e.broadcast(event)

	if level != models.LevelInfo && rule.HasChannel(models.ChannelWebhook) && e.cfg.Webhooks != nil {
		if err := e.cfg.Webhooks.Deliver(ctx, rule.WebhookURL, event); err != nil {
			metricsx.IncWebhookFailure()
			e.logger.Warn(ctx, "alerts.webhook_failed", "webhook delivery failed",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (e *Engine) broadcast(event models.AlertEvent) {
	e.mu.RLock()
	subs := make([]Subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	for _, sub := range subs {
		e.deliver(sub, event)
	}
}

// deliver isolates subscriber panics from the evaluation loop.
func (e *Engine) deliver(sub Subscriber, event models.AlertEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error(context.Background(), "alerts.subscriber_panic", "subscriber panicked during delivery",
				slog.Any("panic", rec))
		}
	}()
	sub.Deliver(event)
}

func classify(total, threshold int) (models.AlertLevel, string) {
	switch {
	case float64(total) > float64(threshold)*criticalFactor:
		return models.LevelCritical, msgCritical
	case total > threshold:
		return models.LevelWarning, msgWarning
	default:
		return models.LevelInfo, msgInfo
	}
}

func hasChannel(channels []models.AlertChannel, ch models.AlertChannel) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}
