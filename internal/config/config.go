package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/language"
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
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Speech      SpeechConfig      `yaml:"speech"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Notify      NotifyConfig      `yaml:"notify"`
	Control     ControlConfig     `yaml:"control"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SpeechConfig selects the recognition provider and the session policy.
type SpeechConfig struct {
	Mode           string `yaml:"mode"` // mock, bus
	Locale         string `yaml:"locale"`
	ClearOnStop    bool   `yaml:"clear_on_stop"`
	StartTimeoutMS int    `yaml:"start_timeout_ms"`
	Recognizer     string `yaml:"recognizer"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type PersistenceConfig struct {
	Backend        string      `yaml:"backend"` // sqlite, jetstream, redis
	Collection     string      `yaml:"collection"`
	IDStrategy     string      `yaml:"id_strategy"` // uuid, timestamp
	WriteTimeoutMS int         `yaml:"write_timeout_ms"`
	Path           string      `yaml:"path"`
	RetentionMode  string      `yaml:"retention_mode"`
	RetentionDays  int         `yaml:"retention_days"`
	MaxDocuments   int         `yaml:"max_documents"`
	VacuumOnStart  bool        `yaml:"vacuum_on_start"`
	BucketPrefix   string      `yaml:"bucket_prefix"`
	Redis          RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type NotifyConfig struct {
	Mode       string `yaml:"mode"` // bus, desktop, log
	Subject    string `yaml:"subject"`
	DurationMS int    `yaml:"duration_ms"`
	AppName    string `yaml:"app_name"`
}

type ControlConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Speech: SpeechConfig{
			Mode:           "mock",
			Locale:         "en-US",
			ClearOnStop:    true,
			StartTimeoutMS: 3000,
			Recognizer:     "mock",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
			PublishInterim: true,
		},
		Persistence: PersistenceConfig{
			Backend:        "sqlite",
			Collection:     "extractedtext",
			IDStrategy:     "uuid",
			WriteTimeoutMS: 10000,
			Path:           "./data/dictate-documents.db",
			RetentionMode:  "persistent",
			BucketPrefix:   "dictate",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "dictate:",
			},
		},
		Notify: NotifyConfig{
			Mode:       "bus",
			Subject:    "ui.notify",
			DurationMS: 2000,
			AppName:    "Speech To Text",
		},
		Control: ControlConfig{
			Enabled:       true,
			SubjectPrefix: "dictate.screen",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
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
	overrideString(&cfg.RuntimeName, "DICTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DICTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DICTATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "DICTATE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "DICTATE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "DICTATE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "DICTATE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "DICTATE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "DICTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DICTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Speech.Mode, "DICTATE_SPEECH_MODE")
	overrideString(&cfg.Speech.Locale, "DICTATE_SPEECH_LOCALE")
	overrideBool(&cfg.Speech.ClearOnStop, "DICTATE_SPEECH_CLEAR_ON_STOP")
	overrideInt(&cfg.Speech.StartTimeoutMS, "DICTATE_SPEECH_START_TIMEOUT_MS")
	overrideString(&cfg.Speech.Recognizer, "DICTATE_SPEECH_RECOGNIZER")
	overrideString(&cfg.Speech.Command, "DICTATE_SPEECH_COMMAND")
	overrideString(&cfg.Speech.ModelPath, "DICTATE_SPEECH_MODEL_PATH")
	overrideInt(&cfg.Speech.SampleRate, "DICTATE_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "DICTATE_SPEECH_CHANNELS")
	overrideInt(&cfg.Speech.PartialEveryMS, "DICTATE_SPEECH_PARTIAL_EVERY_MS")
	overrideBool(&cfg.Speech.PublishInterim, "DICTATE_SPEECH_PUBLISH_INTERIM")
	overrideString(&cfg.Persistence.Backend, "DICTATE_PERSISTENCE_BACKEND")
	overrideString(&cfg.Persistence.Collection, "DICTATE_PERSISTENCE_COLLECTION")
	overrideString(&cfg.Persistence.IDStrategy, "DICTATE_PERSISTENCE_ID_STRATEGY")
	overrideInt(&cfg.Persistence.WriteTimeoutMS, "DICTATE_PERSISTENCE_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Persistence.Path, "DICTATE_PERSISTENCE_PATH")
	overrideString(&cfg.Persistence.RetentionMode, "DICTATE_PERSISTENCE_RETENTION_MODE")
	overrideInt(&cfg.Persistence.RetentionDays, "DICTATE_PERSISTENCE_RETENTION_DAYS")
	overrideInt(&cfg.Persistence.MaxDocuments, "DICTATE_PERSISTENCE_MAX_DOCUMENTS")
	overrideBool(&cfg.Persistence.VacuumOnStart, "DICTATE_PERSISTENCE_VACUUM_ON_START")
	overrideString(&cfg.Persistence.BucketPrefix, "DICTATE_PERSISTENCE_BUCKET_PREFIX")
	overrideString(&cfg.Persistence.Redis.Addr, "DICTATE_PERSISTENCE_REDIS_ADDR")
	overrideString(&cfg.Persistence.Redis.Username, "DICTATE_PERSISTENCE_REDIS_USERNAME")
	overrideString(&cfg.Persistence.Redis.Password, "DICTATE_PERSISTENCE_REDIS_PASSWORD")
	overrideInt(&cfg.Persistence.Redis.DB, "DICTATE_PERSISTENCE_REDIS_DB")
	overrideString(&cfg.Persistence.Redis.KeyPrefix, "DICTATE_PERSISTENCE_REDIS_KEY_PREFIX")
	overrideString(&cfg.Notify.Mode, "DICTATE_NOTIFY_MODE")
	overrideString(&cfg.Notify.Subject, "DICTATE_NOTIFY_SUBJECT")
	overrideInt(&cfg.Notify.DurationMS, "DICTATE_NOTIFY_DURATION_MS")
	overrideString(&cfg.Notify.AppName, "DICTATE_NOTIFY_APP_NAME")
	overrideBool(&cfg.Control.Enabled, "DICTATE_CONTROL_ENABLED")
	overrideString(&cfg.Control.SubjectPrefix, "DICTATE_CONTROL_SUBJECT_PREFIX")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}

	switch cfg.Speech.Mode {
	case "mock", "bus":
	default:
		return errors.New("speech.mode must be one of mock|bus")
	}
	if _, err := language.Parse(cfg.Speech.Locale); err != nil {
		return fmt.Errorf("speech.locale %q is not a valid language tag: %w", cfg.Speech.Locale, err)
	}
	if cfg.Speech.Mode == "bus" {
		switch cfg.Speech.Recognizer {
		case "mock", "exec":
		default:
			return errors.New("speech.recognizer must be one of mock|exec")
		}
		if cfg.Speech.Recognizer == "exec" && cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when recognizer=exec")
		}
		if cfg.Speech.SampleRate <= 0 {
			return errors.New("speech.sample_rate must be positive")
		}
		if cfg.Speech.Channels <= 0 {
			return errors.New("speech.channels must be positive")
		}
	}

	if cfg.Persistence.Collection == "" {
		return errors.New("persistence.collection must not be empty")
	}
	switch cfg.Persistence.IDStrategy {
	case "uuid", "timestamp":
	default:
		return errors.New("persistence.id_strategy must be one of uuid|timestamp")
	}
	switch cfg.Persistence.Backend {
	case "sqlite":
		switch cfg.Persistence.RetentionMode {
		case "ephemeral", "persistent":
		default:
			return errors.New("persistence.retention_mode must be one of ephemeral|persistent")
		}
		if cfg.Persistence.RetentionMode == "persistent" && cfg.Persistence.Path == "" {
			return errors.New("persistence.path must not be empty")
		}
		if cfg.Persistence.RetentionDays < 0 {
			return errors.New("persistence.retention_days must be >= 0")
		}
	case "jetstream":
		if cfg.Persistence.BucketPrefix == "" {
			return errors.New("persistence.bucket_prefix must not be empty when backend=jetstream")
		}
	case "redis":
		if cfg.Persistence.Redis.Addr == "" {
			return errors.New("persistence.redis.addr must not be empty when backend=redis")
		}
	default:
		return errors.New("persistence.backend must be one of sqlite|jetstream|redis")
	}

	switch cfg.Notify.Mode {
	case "bus", "desktop", "log":
	default:
		return errors.New("notify.mode must be one of bus|desktop|log")
	}
	if cfg.Notify.Mode == "bus" && cfg.Notify.Subject == "" {
		return errors.New("notify.subject must be set when mode=bus")
	}
	if cfg.Control.Enabled && cfg.Control.SubjectPrefix == "" {
		return errors.New("control.subject_prefix must not be empty when control is enabled")
	}
	return nil
}
