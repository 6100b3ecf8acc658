package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"ocrbot/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for ocrbot. It is built once at startup
// and treated as read-only afterwards.
type Config struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	OCR      OCRConfig      `json:"ocr" yaml:"ocr"`
	Fetch    FetchConfig    `json:"fetch" yaml:"fetch"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type TelegramConfig struct {
	Token            string  `json:"token" yaml:"token"`
	APIEndpoint      string  `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"`   // printf format: token, method
	FileEndpoint     string  `json:"fileEndpoint,omitempty" yaml:"fileEndpoint,omitempty"` // printf format: token, file path
	WebhookPath      string  `json:"webhookPath" yaml:"webhookPath"`
	SecretToken      string  `json:"secretToken,omitempty" yaml:"secretToken,omitempty"`
	MaxConnections   int     `json:"maxConnections" yaml:"maxConnections"`
	MaxMessageLength int     `json:"maxMessageLength" yaml:"maxMessageLength"`
	TimeoutSeconds   int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	SendRate         float64 `json:"sendRate" yaml:"sendRate"` // outbound messages per second
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host"`
	Port                   int    `json:"port" yaml:"port"`
	BaseURL                string `json:"baseUrl" yaml:"baseUrl"` // externally reachable, e.g. https://bot.example.com
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

type OCRConfig struct {
	Engine              string   `json:"engine" yaml:"engine"` // "tesseract" | "cli"
	Languages           []string `json:"languages" yaml:"languages"`
	Workers             int      `json:"workers" yaml:"workers"`
	QueueTimeoutSeconds int      `json:"queueTimeoutSeconds" yaml:"queueTimeoutSeconds"`
	BinaryPath          string   `json:"binaryPath,omitempty" yaml:"binaryPath,omitempty"` // cli engine only
	PageSegMode         int      `json:"pageSegMode,omitempty" yaml:"pageSegMode,omitempty"`
	MaxPixels           int      `json:"maxPixels" yaml:"maxPixels"`
}

type FetchConfig struct {
	MaxImageBytes  int `json:"maxImageBytes" yaml:"maxImageBytes"`
	TimeoutSeconds int `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RetryBackoffMs int `json:"retryBackoffMs" yaml:"retryBackoffMs"`
}

type PipelineConfig struct {
	QueueSize          int `json:"queueSize" yaml:"queueSize"`
	Concurrency        int `json:"concurrency" yaml:"concurrency"`
	TaskTimeoutSeconds int `json:"taskTimeoutSeconds" yaml:"taskTimeoutSeconds"`
}

type StoreConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

// EventsConfig configures the optional RabbitMQ result feed.
type EventsConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	URL                string `json:"url,omitempty" yaml:"url,omitempty"`
	Exchange           string `json:"exchange" yaml:"exchange"`
	RoutingKey         string `json:"routingKey" yaml:"routingKey"`
	ConnTimeoutSeconds int    `json:"connTimeoutSeconds" yaml:"connTimeoutSeconds"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // text | json
}

// Load reads a JSON or YAML config file (chosen by extension), expands
// ${VAR} references, applies environment overrides and validates the result.
// An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		data = []byte(ExpandEnvVars(string(data)))

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values. Bot credentials are
// checked separately by RequireServe so offline commands work without them.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Telegram.WebhookPath, "/") {
		errs = append(errs, "telegram.webhookPath must start with /")
	}
	if cfg.Telegram.MaxMessageLength < 64 || cfg.Telegram.MaxMessageLength > 4096 {
		errs = append(errs, "telegram.maxMessageLength must be between 64 and 4096")
	}
	if cfg.Telegram.MaxConnections < 1 || cfg.Telegram.MaxConnections > 100 {
		errs = append(errs, "telegram.maxConnections must be between 1 and 100")
	}
	switch cfg.OCR.Engine {
	case "tesseract", "cli":
	default:
		errs = append(errs, "ocr.engine must be one of: tesseract, cli")
	}
	if len(cfg.OCR.Languages) == 0 {
		errs = append(errs, "ocr.languages must not be empty")
	}
	if cfg.Telegram.SendRate <= 0 {
		errs = append(errs, "telegram.sendRate must be > 0")
	}
	if cfg.OCR.Workers < 1 || cfg.OCR.Workers > 64 {
		errs = append(errs, "ocr.workers must be between 1 and 64")
	}
	if cfg.OCR.QueueTimeoutSeconds < 1 {
		errs = append(errs, "ocr.queueTimeoutSeconds must be >= 1")
	}
	if cfg.Fetch.MaxImageBytes < 1 {
		errs = append(errs, "fetch.maxImageBytes must be >= 1")
	}
	if cfg.Fetch.TimeoutSeconds < 1 {
		errs = append(errs, "fetch.timeoutSeconds must be >= 1")
	}
	if cfg.Pipeline.QueueSize < 1 {
		errs = append(errs, "pipeline.queueSize must be >= 1")
	}
	if cfg.Pipeline.Concurrency < 1 || cfg.Pipeline.Concurrency > 1024 {
		errs = append(errs, "pipeline.concurrency must be between 1 and 1024")
	}
	if cfg.Pipeline.TaskTimeoutSeconds < 1 {
		errs = append(errs, "pipeline.taskTimeoutSeconds must be >= 1")
	}
	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required when the store is enabled")
	}
	if cfg.Events.Enabled && cfg.Events.URL == "" {
		errs = append(errs, "events.url is required when events are enabled")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireServe checks the preconditions for running the webhook service:
// a bot token and an absolute http(s) base URL.
func RequireServe(cfg *Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("%w: bot token is not set (BOT_TOKEN)", domain.ErrStartup)
	}
	return RequireBaseURL(cfg)
}

// RequireBaseURL checks that server.baseUrl is an absolute http(s) URL.
func RequireBaseURL(cfg *Config) error {
	raw := strings.TrimSpace(cfg.Server.BaseURL)
	if raw == "" {
		return fmt.Errorf("%w: base URL is not set (BASE_URL)", domain.ErrStartup)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: base URL %q must be an absolute http(s) URL", domain.ErrStartup, raw)
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
