package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	// Density source. Synthetic mode needs no network and is the default.
	UseSynthetic        bool
	DensityBaseURL      string
	DensityScopes       []string
	DensityAudience     string
	DensityPrecision    int
	DensityWindowMin    int
	DensityFlowHours    int
	DensityTimeoutMS    int
	FlowDefaultArea     bool
	LocationBaseURL     string
	OAuthTokenURL       string
	OAuthClientID       string
	OAuthClientSecret   string
	OAuthTimeoutMS      int

	PathfinderURL       string
	PathfinderTimeoutMS int

	EvalIntervalSec   int
	SchedulerEnabled  bool
	WebhookTimeoutMS  int
	CriticalZoneLimit int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AlertChannel  string

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	AsynqEnabled     bool

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64

	CORSAllowedOrigins []string
}

// Load reads configuration from an optional CONFIG_PATH JSON file and the
// environment, env taking precedence. It never fails: problems are
// collected and the caller decides which ones are fatal.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:                 strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		ConfigPath:          strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:    30000,
		UseSynthetic:        true,
		DensityPrecision:    7,
		DensityWindowMin:    60,
		DensityFlowHours:    6,
		DensityTimeoutMS:    10000,
		FlowDefaultArea:     true,
		OAuthTimeoutMS:      10000,
		PathfinderTimeoutMS: 5000,
		EvalIntervalSec:     120,
		SchedulerEnabled:    true,
		WebhookTimeoutMS:    10000,
		CriticalZoneLimit:   5000,
		AlertChannel:        "density.alerts",
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		InfluxTimeoutMS:     5000,
		AsynqQueue:          "default",
		AsynqConcurrency:    10,
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)
	fileData, fileProblems := loadConfigFile(cfg.ConfigPath)
	problems = append(problems, fileProblems...)

	src := source{file: fileData}

	src.str("ENV", &cfg.Env)
	src.str("SERVICE_NAME", &cfg.ServiceName)
	src.integer("HTTP_PORT", &cfg.HTTPPort, &problems)
	src.str("LOG_LEVEL", &cfg.LogLevel)
	src.integer("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, &problems)

	src.boolean("USE_SYNTHETIC", &cfg.UseSynthetic, &problems)
	src.str("DENSITY_BASE_URL", &cfg.DensityBaseURL)
	src.csv("DENSITY_SCOPES", &cfg.DensityScopes)
	src.str("DENSITY_AUDIENCE", &cfg.DensityAudience)
	src.integer("DENSITY_PRECISION", &cfg.DensityPrecision, &problems)
	src.integer("DENSITY_WINDOW_MINUTES", &cfg.DensityWindowMin, &problems)
	src.integer("DENSITY_FLOW_HOURS", &cfg.DensityFlowHours, &problems)
	src.integer("DENSITY_TIMEOUT_MS", &cfg.DensityTimeoutMS, &problems)
	src.boolean("FLOW_DEFAULT_AREA_ENABLED", &cfg.FlowDefaultArea, &problems)
	src.str("LOCATION_BASE_URL", &cfg.LocationBaseURL)
	src.str("OAUTH_TOKEN_URL", &cfg.OAuthTokenURL)
	src.str("OAUTH_CLIENT_ID", &cfg.OAuthClientID)
	src.str("OAUTH_CLIENT_SECRET", &cfg.OAuthClientSecret)
	src.integer("OAUTH_TIMEOUT_MS", &cfg.OAuthTimeoutMS, &problems)

	src.str("PATHFINDER_URL", &cfg.PathfinderURL)
	src.integer("PATHFINDER_TIMEOUT_MS", &cfg.PathfinderTimeoutMS, &problems)

	src.integer("EVAL_INTERVAL_SECONDS", &cfg.EvalIntervalSec, &problems)
	src.boolean("SCHEDULER_ENABLED", &cfg.SchedulerEnabled, &problems)
	src.integer("WEBHOOK_TIMEOUT_MS", &cfg.WebhookTimeoutMS, &problems)
	src.integer("CRITICAL_ZONE_THRESHOLD", &cfg.CriticalZoneLimit, &problems)

	src.str("REDIS_ADDR", &cfg.RedisAddr)
	src.str("REDIS_PASSWORD", &cfg.RedisPassword)
	src.integer("REDIS_DB", &cfg.RedisDB, &problems)
	src.str("ALERT_CHANNEL", &cfg.AlertChannel)

	src.csv("KAFKA_BROKERS", &cfg.KafkaBrokers)
	src.str("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	src.integer("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, &problems)
	src.integer("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, &problems)

	src.str("INFLUX_URL", &cfg.InfluxURL)
	src.str("INFLUX_TOKEN", &cfg.InfluxToken)
	src.str("INFLUX_ORG", &cfg.InfluxOrg)
	src.str("INFLUX_BUCKET", &cfg.InfluxBucket)
	src.integer("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, &problems)

	src.str("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	src.str("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass)
	src.integer("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, &problems)
	src.str("ASYNQ_QUEUE", &cfg.AsynqQueue)
	src.integer("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, &problems)
	src.boolean("ASYNQ_ENABLED", &cfg.AsynqEnabled, &problems)

	src.boolean("OTEL_ENABLED", &cfg.OtelEnabled, &problems)
	src.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	src.boolean("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure, &problems)
	src.float("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio, &problems)

	src.csv("CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DensityPrecision <= 0 {
		problems = append(problems, Problem{Field: "DENSITY_PRECISION", Message: "DENSITY_PRECISION must be > 0"})
		cfg.DensityPrecision = 7
	}
	if cfg.DensityWindowMin <= 0 {
		problems = append(problems, Problem{Field: "DENSITY_WINDOW_MINUTES", Message: "DENSITY_WINDOW_MINUTES must be > 0"})
		cfg.DensityWindowMin = 60
	}
	if cfg.DensityFlowHours <= 0 {
		problems = append(problems, Problem{Field: "DENSITY_FLOW_HOURS", Message: "DENSITY_FLOW_HOURS must be > 0"})
		cfg.DensityFlowHours = 6
	}
	if cfg.EvalIntervalSec <= 0 {
		problems = append(problems, Problem{Field: "EVAL_INTERVAL_SECONDS", Message: "EVAL_INTERVAL_SECONDS must be > 0"})
		cfg.EvalIntervalSec = 120
	}
	if cfg.CriticalZoneLimit <= 0 {
		problems = append(problems, Problem{Field: "CRITICAL_ZONE_THRESHOLD", Message: "CRITICAL_ZONE_THRESHOLD must be > 0"})
		cfg.CriticalZoneLimit = 5000
	}
	if cfg.PathfinderTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "PATHFINDER_TIMEOUT_MS", Message: "PATHFINDER_TIMEOUT_MS must be > 0"})
		cfg.PathfinderTimeoutMS = 5000
	}
	if !cfg.UseSynthetic {
		if cfg.DensityBaseURL == "" {
			problems = append(problems, Problem{Field: "DENSITY_BASE_URL", Message: "DENSITY_BASE_URL is required when USE_SYNTHETIC=false"})
		}
		if cfg.OAuthTokenURL == "" {
			problems = append(problems, Problem{Field: "OAUTH_TOKEN_URL", Message: "OAUTH_TOKEN_URL is required when USE_SYNTHETIC=false"})
		}
		if cfg.OAuthClientID == "" {
			problems = append(problems, Problem{Field: "OAUTH_CLIENT_ID", Message: "OAUTH_CLIENT_ID is required when USE_SYNTHETIC=false"})
		}
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

type source struct {
	file map[string]any
}

// lookup resolves a key from env first, then the config file.
func (s source) lookup(key string) (any, bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v, true
	}
	if s.file != nil {
		for k, v := range s.file {
			if strings.EqualFold(strings.TrimSpace(k), key) {
				return v, true
			}
		}
	}
	return nil, false
}

func (s source) str(key string, dst *string) {
	if v, ok := s.lookup(key); ok {
		if raw, ok := v.(string); ok && strings.TrimSpace(raw) != "" {
			*dst = strings.TrimSpace(raw)
		}
	}
}

func (s source) csv(key string, dst *[]string) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	switch t := v.(type) {
	case string:
		*dst = parseCSV(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if raw, ok := item.(string); ok && strings.TrimSpace(raw) != "" {
				out = append(out, strings.TrimSpace(raw))
			}
		}
		*dst = out
	}
}

func (s source) integer(key string, dst *int, problems *[]Problem) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	n, ok := asInt(v)
	if !ok {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = n
}

func (s source) boolean(key string, dst *bool, problems *[]Problem) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	switch t := v.(type) {
	case bool:
		*dst = t
	case string:
		b, ok := asBool(t)
		if !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			return
		}
		*dst = b
	default:
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
	}
}

func (s source) float(key string, dst *float64, problems *[]Problem) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	f, ok := asFloat(v)
	if !ok {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		return
	}
	*dst = f
}

func loadConfigFile(path string) (map[string]any, []Problem) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}
	}
	return raw, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
