package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Assistant AssistantConfig `yaml:"assistant" mapstructure:"assistant"`
	Embed     EmbedConfig     `yaml:"embed" mapstructure:"embed"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Crawl     CrawlConfig     `yaml:"crawl" mapstructure:"crawl"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Workers   WorkersConfig   `yaml:"workers" mapstructure:"workers"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AssistantConfig holds the LLM assistant API settings. Two assistant
// profiles back the pipeline: one extracts claims from staged pages, one
// judges supersession between claims.
type AssistantConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	ExtractionID     string `yaml:"extraction_id" mapstructure:"extraction_id"`
	SupersessionID   string `yaml:"supersession_id" mapstructure:"supersession_id"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutSecs  int    `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
}

// PollInterval returns the run poll interval as a duration.
func (c AssistantConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// PollTimeout returns the run poll ceiling as a duration.
func (c AssistantConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSecs) * time.Second
}

// EmbedConfig holds the embedding API settings.
type EmbedConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Model     string `yaml:"model" mapstructure:"model"`
	Dimension int    `yaml:"dimension" mapstructure:"dimension"`
}

// AnthropicConfig holds the completion/summarization model settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// StorageConfig configures report-file object storage.
type StorageConfig struct {
	Root          string `yaml:"root" mapstructure:"root"`
	SigningSecret string `yaml:"signing_secret" mapstructure:"signing_secret"`
	SignedURLBase string `yaml:"signed_url_base" mapstructure:"signed_url_base"`
	ExpiryHours   int    `yaml:"expiry_hours" mapstructure:"expiry_hours"`
}

// CrawlConfig configures the domain crawler.
type CrawlConfig struct {
	MaxLinks         int `yaml:"max_links" mapstructure:"max_links"`
	Workers          int `yaml:"workers" mapstructure:"workers"`
	MinDelaySecs     int `yaml:"min_delay_secs" mapstructure:"min_delay_secs"`
	MaxDelaySecs     int `yaml:"max_delay_secs" mapstructure:"max_delay_secs"`
	FetchTimeoutSecs int `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// ExtractConfig configures content extraction.
type ExtractConfig struct {
	MaxChunkChars   int `yaml:"max_chunk_chars" mapstructure:"max_chunk_chars"`
	MaxPDFPages     int `yaml:"max_pdf_pages" mapstructure:"max_pdf_pages"`
	MinPDFTextPages int `yaml:"min_pdf_text_pages" mapstructure:"min_pdf_text_pages"`
}

// PipelineConfig configures orchestration thresholds. The two freshness
// windows gate different decisions (whole-crawl skip vs per-URL rescrape)
// and are deliberately not unified.
type PipelineConfig struct {
	MaxProcessing        int `yaml:"max_processing" mapstructure:"max_processing"`
	StaleSecs            int `yaml:"stale_secs" mapstructure:"stale_secs"`
	CheckIntervalSecs    int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StallRetries         int `yaml:"stall_retries" mapstructure:"stall_retries"`
	SkipCrawlWindowDays  int `yaml:"skip_crawl_window_days" mapstructure:"skip_crawl_window_days"`
	SkipCrawlMinRecords  int `yaml:"skip_crawl_min_records" mapstructure:"skip_crawl_min_records"`
	RescrapeWindowHours  int `yaml:"rescrape_window_hours" mapstructure:"rescrape_window_hours"`
	StaggerSecs          int `yaml:"stagger_secs" mapstructure:"stagger_secs"`
	NeighborK            int `yaml:"neighbor_k" mapstructure:"neighbor_k"`
	SaveRetries          int `yaml:"save_retries" mapstructure:"save_retries"`
	ReportStuckAfterMins int `yaml:"report_stuck_after_mins" mapstructure:"report_stuck_after_mins"`
}

// StaleWindow returns the PROCESSING staleness window as a duration.
func (c PipelineConfig) StaleWindow() time.Duration {
	return time.Duration(c.StaleSecs) * time.Second
}

// CheckInterval returns the completion-poll interval as a duration.
func (c PipelineConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSecs) * time.Second
}

// WorkersConfig sets worker counts per queue.
type WorkersConfig struct {
	General     int `yaml:"general" mapstructure:"general"`
	Scraping    int `yaml:"scraping" mapstructure:"scraping"`
	PreStaging  int `yaml:"prestaging" mapstructure:"prestaging"`
	PostStaging int `yaml:"poststaging" mapstructure:"poststaging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DETECTIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("assistant.base_url", "https://api.openai.com/v1")
	v.SetDefault("assistant.poll_interval_secs", 2)
	v.SetDefault("assistant.poll_timeout_secs", 300)
	v.SetDefault("embed.base_url", "https://api.openai.com/v1")
	v.SetDefault("embed.model", "text-embedding-3-small")
	v.SetDefault("embed.dimension", 512)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("storage.root", "reports")
	v.SetDefault("storage.signed_url_base", "http://localhost:8080/files")
	v.SetDefault("storage.expiry_hours", 24)
	v.SetDefault("crawl.max_links", 30000)
	v.SetDefault("crawl.workers", 10)
	v.SetDefault("crawl.min_delay_secs", 2)
	v.SetDefault("crawl.max_delay_secs", 5)
	v.SetDefault("crawl.fetch_timeout_secs", 30)
	v.SetDefault("extract.max_chunk_chars", 15000)
	v.SetDefault("extract.max_pdf_pages", 100)
	v.SetDefault("extract.min_pdf_text_pages", 2)
	v.SetDefault("pipeline.max_processing", 20)
	v.SetDefault("pipeline.stale_secs", 300)
	v.SetDefault("pipeline.check_interval_secs", 300)
	v.SetDefault("pipeline.stall_retries", 2)
	v.SetDefault("pipeline.skip_crawl_window_days", 30)
	v.SetDefault("pipeline.skip_crawl_min_records", 10)
	v.SetDefault("pipeline.rescrape_window_hours", 24)
	v.SetDefault("pipeline.stagger_secs", 10)
	v.SetDefault("pipeline.neighbor_k", 10)
	v.SetDefault("pipeline.save_retries", 3)
	v.SetDefault("pipeline.report_stuck_after_mins", 30)
	v.SetDefault("workers.general", 2)
	v.SetDefault("workers.scraping", 2)
	v.SetDefault("workers.prestaging", 10)
	v.SetDefault("workers.poststaging", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
