package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Engine       EngineConfig       `yaml:"engine"`
	Session      SessionConfig      `yaml:"session"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Offline      OfflineConfig      `yaml:"offline"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Service      ServiceConfig      `yaml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CredentialsConfig points at the token proxy that exchanges application
// tokens for short-lived gateway credentials.
type CredentialsConfig struct {
	BaseURL  string `yaml:"base_url"`
	AppToken string `yaml:"app_token"`
}

type EngineConfig struct {
	OnlineTimeoutMS         int       `yaml:"online_timeout_ms"`
	OnlineDurationCeilingMS int       `yaml:"online_duration_ceiling_ms"`
	EmptyResultRMSThreshold float64   `yaml:"empty_result_rms_threshold"`
	Normalize               bool      `yaml:"normalize"`
	HotWords                []HotWord `yaml:"hot_words"`
}

type HotWord struct {
	Term   string  `yaml:"term"`
	Weight float64 `yaml:"weight"`
}

type SessionConfig struct {
	SampleRate       int `yaml:"sample_rate"`
	SilenceTimeoutMS int `yaml:"silence_timeout_ms"`
	OverallTimeoutMS int `yaml:"overall_timeout_ms"`
	RingCapacity     int `yaml:"ring_capacity"`
}

type BackoffConfig struct {
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxAttempts       int `yaml:"max_attempts"`
}

type OfflineConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type ConnectivityConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ProbeURL   string `yaml:"probe_url"`
	IntervalMS int    `yaml:"interval_ms"`
}

// ServiceConfig controls the bus-facing recognition service.
type ServiceConfig struct {
	Enabled        bool `yaml:"enabled"`
	PublishInterim bool `yaml:"publish_interim"`
}

func Default() Config {
	return Config{
		RuntimeName: "voice-core",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Credentials: CredentialsConfig{
			BaseURL: "http://localhost:8000",
		},
		Engine: EngineConfig{
			OnlineTimeoutMS:         60000,
			OnlineDurationCeilingMS: 60000,
			EmptyResultRMSThreshold: 500,
			Normalize:               true,
			HotWords: []HotWord{
				{Term: "记账", Weight: 2},
				{Term: "报销", Weight: 2},
				{Term: "转账", Weight: 2},
				{Term: "工资", Weight: 1.5},
				{Term: "房租", Weight: 1.5},
			},
		},
		Session: SessionConfig{
			SampleRate:       16000,
			SilenceTimeoutMS: 3000,
			OverallTimeoutMS: 60000,
			RingCapacity:     32000,
		},
		Backoff: BackoffConfig{
			InitialIntervalMS: 200,
			MaxAttempts:       3,
		},
		Offline: OfflineConfig{
			Enabled:  true,
			Mode:     "mock",
			Language: "zh",
		},
		Connectivity: ConnectivityConfig{
			Enabled:    true,
			IntervalMS: 5000,
		},
		Service: ServiceConfig{
			Enabled:        true,
			PublishInterim: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Credentials.BaseURL, "VOICE_CREDENTIALS_BASE_URL")
	overrideString(&cfg.Credentials.AppToken, "VOICE_CREDENTIALS_APP_TOKEN")
	overrideInt(&cfg.Engine.OnlineTimeoutMS, "VOICE_ENGINE_ONLINE_TIMEOUT_MS")
	overrideInt(&cfg.Engine.OnlineDurationCeilingMS, "VOICE_ENGINE_ONLINE_DURATION_CEILING_MS")
	overrideFloat(&cfg.Engine.EmptyResultRMSThreshold, "VOICE_ENGINE_EMPTY_RESULT_RMS_THRESHOLD")
	overrideBool(&cfg.Engine.Normalize, "VOICE_ENGINE_NORMALIZE")
	overrideInt(&cfg.Session.SampleRate, "VOICE_SESSION_SAMPLE_RATE")
	overrideInt(&cfg.Session.SilenceTimeoutMS, "VOICE_SESSION_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Session.OverallTimeoutMS, "VOICE_SESSION_OVERALL_TIMEOUT_MS")
	overrideInt(&cfg.Session.RingCapacity, "VOICE_SESSION_RING_CAPACITY")
	overrideInt(&cfg.Backoff.InitialIntervalMS, "VOICE_BACKOFF_INITIAL_INTERVAL_MS")
	overrideInt(&cfg.Backoff.MaxAttempts, "VOICE_BACKOFF_MAX_ATTEMPTS")
	overrideBool(&cfg.Offline.Enabled, "VOICE_OFFLINE_ENABLED")
	overrideString(&cfg.Offline.Mode, "VOICE_OFFLINE_MODE")
	overrideString(&cfg.Offline.Command, "VOICE_OFFLINE_COMMAND")
	overrideString(&cfg.Offline.ModelPath, "VOICE_OFFLINE_MODEL_PATH")
	overrideString(&cfg.Offline.Language, "VOICE_OFFLINE_LANGUAGE")
	overrideBool(&cfg.Connectivity.Enabled, "VOICE_CONNECTIVITY_ENABLED")
	overrideString(&cfg.Connectivity.ProbeURL, "VOICE_CONNECTIVITY_PROBE_URL")
	overrideInt(&cfg.Connectivity.IntervalMS, "VOICE_CONNECTIVITY_INTERVAL_MS")
	overrideBool(&cfg.Service.Enabled, "VOICE_SERVICE_ENABLED")
	overrideBool(&cfg.Service.PublishInterim, "VOICE_SERVICE_PUBLISH_INTERIM")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Credentials.BaseURL == "" {
		return errors.New("credentials.base_url must not be empty")
	}
	if cfg.Engine.OnlineTimeoutMS <= 0 {
		return errors.New("engine.online_timeout_ms must be positive")
	}
	if cfg.Engine.OnlineDurationCeilingMS <= 0 {
		return errors.New("engine.online_duration_ceiling_ms must be positive")
	}
	if cfg.Engine.EmptyResultRMSThreshold < 0 {
		return errors.New("engine.empty_result_rms_threshold must be >= 0")
	}
	for _, w := range cfg.Engine.HotWords {
		if strings.TrimSpace(w.Term) == "" {
			return errors.New("engine.hot_words entries must have a term")
		}
	}
	if cfg.Session.SampleRate <= 0 {
		return errors.New("session.sample_rate must be positive")
	}
	if cfg.Session.SilenceTimeoutMS <= 0 {
		return errors.New("session.silence_timeout_ms must be positive")
	}
	if cfg.Session.OverallTimeoutMS < cfg.Session.SilenceTimeoutMS {
		return errors.New("session.overall_timeout_ms must be at least the silence timeout")
	}
	if cfg.Session.RingCapacity <= 0 {
		return errors.New("session.ring_capacity must be positive")
	}
	if cfg.Backoff.InitialIntervalMS <= 0 {
		return errors.New("backoff.initial_interval_ms must be positive")
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		return errors.New("backoff.max_attempts must be >= 1")
	}
	if cfg.Offline.Enabled {
		switch cfg.Offline.Mode {
		case "mock", "exec":
		default:
			return errors.New("offline.mode must be one of mock|exec")
		}
		if cfg.Offline.Mode == "exec" && cfg.Offline.Command == "" {
			return errors.New("offline.command must be set when mode=exec")
		}
	}
	if cfg.Connectivity.Enabled {
		if cfg.Connectivity.IntervalMS <= 0 {
			return errors.New("connectivity.interval_ms must be positive")
		}
	}
	return nil
}
