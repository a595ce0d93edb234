package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Storage     StorageConfig    `yaml:"storage"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Progress    ProgressConfig   `yaml:"progress"`
	API         APIConfig        `yaml:"api"`
	Voice       VoiceConfig      `yaml:"voice"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// StorageConfig is the on-disk layout. Empty subdirectories resolve under Root.
type StorageConfig struct {
	Root       string `yaml:"root"`
	VoicesDir  string `yaml:"voices_dir"`
	OutputsDir string `yaml:"outputs_dir"`
	TmpDir     string `yaml:"tmp_dir"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Language struct {
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
}

type SynthesisConfig struct {
	Mode               string     `yaml:"mode"` // mock, exec
	Command            string     `yaml:"command"`
	Languages          []Language `yaml:"languages"`
	DefaultLanguage    string     `yaml:"default_language"`
	DefaultBlockChars  int        `yaml:"default_block_chars"`
	DefaultPauseMS     int        `yaml:"default_pause_ms"`
	SampleRate         int        `yaml:"sample_rate"`
	Channels           int        `yaml:"channels"`
	MockCharsPerSecond float64    `yaml:"mock_chars_per_second"`
}

type ProgressConfig struct {
	PriorRate    float64 `yaml:"prior_rate"`
	Smoothing    float64 `yaml:"smoothing"`
	FloorRate    float64 `yaml:"floor_rate"`
	MinElapsedMS int     `yaml:"min_elapsed_ms"`
}

type APIConfig struct {
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`
	SubmitBurst      int     `yaml:"submit_burst"`
	StreamIntervalMS int     `yaml:"stream_interval_ms"`
	MaxUploadMB      int     `yaml:"max_upload_mb"`
}

type VoiceConfig struct {
	RecentLimit    int    `yaml:"recent_limit"`
	ConvertCommand string `yaml:"convert_command"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Storage: StorageConfig{
			Root: "./data",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Synthesis: SynthesisConfig{
			Mode: "mock",
			Languages: []Language{
				{Code: "ru", Label: "Русский"},
				{Code: "en", Label: "English"},
				{Code: "de", Label: "Deutsch"},
				{Code: "es", Label: "Español"},
				{Code: "fr", Label: "Français"},
			},
			DefaultLanguage:    "ru",
			DefaultBlockChars:  360,
			DefaultPauseMS:     120,
			SampleRate:         24000,
			Channels:           1,
			MockCharsPerSecond: 40,
		},
		Progress: ProgressConfig{
			PriorRate:    18,
			Smoothing:    0.8,
			FloorRate:    6,
			MinElapsedMS: 1,
		},
		API: APIConfig{
			SubmitRatePerSec: 2,
			SubmitBurst:      4,
			StreamIntervalMS: 600,
			MaxUploadMB:      64,
		},
		Voice: VoiceConfig{
			RecentLimit: 12,
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
	cfg.Storage = cfg.Storage.resolved()
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file into the process
// environment so they reach the NARRATOR_ overrides. A missing file is not
// an error; variables already set are kept.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "NARRATOR_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Storage.Root, "NARRATOR_STORAGE_ROOT")
	overrideString(&cfg.Storage.VoicesDir, "NARRATOR_STORAGE_VOICES_DIR")
	overrideString(&cfg.Storage.OutputsDir, "NARRATOR_STORAGE_OUTPUTS_DIR")
	overrideString(&cfg.Storage.TmpDir, "NARRATOR_STORAGE_TMP_DIR")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "NARRATOR_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synthesis.Mode, "NARRATOR_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "NARRATOR_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.DefaultLanguage, "NARRATOR_SYNTHESIS_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Synthesis.DefaultBlockChars, "NARRATOR_SYNTHESIS_DEFAULT_BLOCK_CHARS")
	overrideInt(&cfg.Synthesis.DefaultPauseMS, "NARRATOR_SYNTHESIS_DEFAULT_PAUSE_MS")
	overrideInt(&cfg.Synthesis.SampleRate, "NARRATOR_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.Channels, "NARRATOR_SYNTHESIS_CHANNELS")
	overrideFloat(&cfg.Synthesis.MockCharsPerSecond, "NARRATOR_SYNTHESIS_MOCK_CHARS_PER_SECOND")
	overrideFloat(&cfg.Progress.PriorRate, "NARRATOR_PROGRESS_PRIOR_RATE")
	overrideFloat(&cfg.Progress.Smoothing, "NARRATOR_PROGRESS_SMOOTHING")
	overrideFloat(&cfg.Progress.FloorRate, "NARRATOR_PROGRESS_FLOOR_RATE")
	overrideInt(&cfg.Progress.MinElapsedMS, "NARRATOR_PROGRESS_MIN_ELAPSED_MS")
	overrideFloat(&cfg.API.SubmitRatePerSec, "NARRATOR_API_SUBMIT_RATE_PER_SEC")
	overrideInt(&cfg.API.SubmitBurst, "NARRATOR_API_SUBMIT_BURST")
	overrideInt(&cfg.API.StreamIntervalMS, "NARRATOR_API_STREAM_INTERVAL_MS")
	overrideInt(&cfg.API.MaxUploadMB, "NARRATOR_API_MAX_UPLOAD_MB")
	overrideInt(&cfg.Voice.RecentLimit, "NARRATOR_VOICE_RECENT_LIMIT")
	overrideString(&cfg.Voice.ConvertCommand, "NARRATOR_VOICE_CONVERT_COMMAND")
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

func (s StorageConfig) resolved() StorageConfig {
	if s.VoicesDir == "" {
		s.VoicesDir = filepath.Join(s.Root, "voices")
	}
	if s.OutputsDir == "" {
		s.OutputsDir = filepath.Join(s.Root, "outputs")
	}
	if s.TmpDir == "" {
		s.TmpDir = filepath.Join(s.Root, "tmp")
	}
	return s
}

// Ensure creates the storage directories.
func (s StorageConfig) Ensure() error {
	for _, dir := range []string{s.VoicesDir, s.OutputsDir, s.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// HasLanguage reports whether code is one of the configured languages.
func (s SynthesisConfig) HasLanguage(code string) bool {
	for _, l := range s.Languages {
		if l.Code == code {
			return true
		}
	}
	return false
}

// LanguageCodes lists the configured language codes in order.
func (s SynthesisConfig) LanguageCodes() []string {
	codes := make([]string, 0, len(s.Languages))
	for _, l := range s.Languages {
		codes = append(codes, l.Code)
	}
	return codes
}

// MinElapsed is the estimator epsilon as a duration.
func (p ProgressConfig) MinElapsed() time.Duration {
	return time.Duration(p.MinElapsedMS) * time.Millisecond
}

// StreamInterval is the websocket push period.
func (a APIConfig) StreamInterval() time.Duration {
	return time.Duration(a.StreamIntervalMS) * time.Millisecond
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Storage.Root == "" {
		return errors.New("storage.root must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must be set when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Synthesis.Mode {
	case "mock":
	case "exec":
		if cfg.Synthesis.Command == "" {
			return errors.New("synthesis.command must be set when mode=exec")
		}
	default:
		return errors.New("synthesis.mode must be one of mock|exec")
	}
	if len(cfg.Synthesis.Languages) == 0 {
		return errors.New("synthesis.languages must not be empty")
	}
	if !cfg.Synthesis.HasLanguage(cfg.Synthesis.DefaultLanguage) {
		return fmt.Errorf("synthesis.default_language %q is not in synthesis.languages", cfg.Synthesis.DefaultLanguage)
	}
	if cfg.Synthesis.DefaultBlockChars <= 0 {
		return errors.New("synthesis.default_block_chars must be positive")
	}
	if cfg.Synthesis.DefaultPauseMS < 0 {
		return errors.New("synthesis.default_pause_ms must be >= 0")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.Channels <= 0 {
		return errors.New("synthesis.channels must be positive")
	}
	if cfg.Progress.PriorRate <= 0 || cfg.Progress.FloorRate <= 0 {
		return errors.New("progress.prior_rate and progress.floor_rate must be positive")
	}
	if cfg.Progress.Smoothing < 0 || cfg.Progress.Smoothing >= 1 {
		return errors.New("progress.smoothing must be in [0, 1)")
	}
	if cfg.API.StreamIntervalMS <= 0 {
		return errors.New("api.stream_interval_ms must be positive")
	}
	if cfg.Voice.RecentLimit < 0 {
		return errors.New("voice.recent_limit must be >= 0")
	}
	return nil
}
