package config

const (
	// DefaultPort is used when neither the config file nor PORT sets one.
	DefaultPort = 10000

	// DefaultConfigPath is read when no --config flag is given and the file exists.
	DefaultConfigPath = "ocrbot.yaml"
)

func Defaults() *Config {
	return &Config{
		Telegram: TelegramConfig{
			WebhookPath:      "/webhook/telegram",
			MaxConnections:   40,
			MaxMessageLength: 4096,
			TimeoutSeconds:   30,
			SendRate:         30,
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   DefaultPort,
			ShutdownTimeoutSeconds: 20,
		},
		OCR: OCRConfig{
			Engine:              "tesseract",
			Languages:           []string{"eng"},
			Workers:             2,
			QueueTimeoutSeconds: 30,
			BinaryPath:          "tesseract",
			MaxPixels:           40_000_000,
		},
		Fetch: FetchConfig{
			MaxImageBytes:  10 << 20,
			TimeoutSeconds: 30,
			RetryBackoffMs: 500,
		},
		Pipeline: PipelineConfig{
			QueueSize:          100,
			Concurrency:        16,
			TaskTimeoutSeconds: 120,
		},
		Store: StoreConfig{
			Enabled:       true,
			DBPath:        "data/ocrbot.db",
			RetentionDays: 30,
		},
		Events: EventsConfig{
			Enabled:            false,
			Exchange:           "ocrbot",
			RoutingKey:         "ocr.completed.v1",
			ConnTimeoutSeconds: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
