// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application.
type Config struct {
	Env string `envconfig:"ENV" default:"production"`

	// Server settings
	ServerPort         string        `envconfig:"PORT" default:"8080"`
	ServerReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	ServerWriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"120s"`
	// ShutdownTimeout is how long in-flight jobs may run after intake stops.
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"2m"`

	NATS     NATSConfig     `envconfig:"NATS"`
	Database DatabaseConfig `envconfig:"DATABASE"`
	WhatsApp WhatsAppConfig `envconfig:"WHATSAPP"`
	LLM      LLMConfig      `envconfig:"LLM"`
	Pipeline PipelineConfig `envconfig:"PIPELINE"`

	// JWT settings
	JWTSecret     string        `envconfig:"JWT_SECRET" default:"development-secret-change-in-production"`
	JWTExpiration time.Duration `envconfig:"JWT_EXPIRATION" default:"15m"`

	// Rate limiting
	RateLimitRequests   int           `envconfig:"RATE_LIMIT_REQUESTS" default:"60"`
	RateLimitWindow     time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	WebhookRateRequests int           `envconfig:"WEBHOOK_RATE_LIMIT_REQUESTS" default:"600"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Tracing
	TracingEndpoint string `envconfig:"TRACING_ENDPOINT" default:"localhost:4318"`
	TracingEnabled  bool   `envconfig:"TRACING_ENABLED" default:"false"`
}

// NATSConfig configures the NATS connection, the ingress queue and the media bucket.
type NATSConfig struct {
	URL       string `envconfig:"URL" default:"nats://localhost:4222"`
	CAFile    string `envconfig:"CA_FILE"`
	CertFile  string `envconfig:"CERT_FILE"`
	KeyFile   string `envconfig:"KEY_FILE"`
	Token     string `envconfig:"TOKEN"`
	CredsFile string `envconfig:"CREDS_FILE"`

	// QueueEnabled routes webhook messages through the JetStream ingress queue.
	// When false they are processed inline.
	QueueEnabled bool          `envconfig:"QUEUE_ENABLED" default:"true"`
	QueueWorkers int           `envconfig:"QUEUE_WORKERS" default:"8"`
	AckWait      time.Duration `envconfig:"ACK_WAIT" default:"5m"`
	MaxDeliver   int           `envconfig:"MAX_DELIVER" default:"3"`

	MediaBucket  string        `envconfig:"MEDIA_BUCKET" default:"media"`
	MediaTTL     time.Duration `envconfig:"MEDIA_TTL" default:"0"`
	MediaBaseURL string        `envconfig:"MEDIA_BASE_URL" default:"http://localhost:8080/media"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" default:"sqlite"`
	DSN    string `envconfig:"DSN" default:"data/whatsapp.db"`
}

// WhatsAppConfig configures the Cloud API client and webhook.
type WhatsAppConfig struct {
	APIBaseURL  string        `envconfig:"API_BASE_URL" default:"https://graph.facebook.com/v20.0"`
	VerifyToken string        `envconfig:"VERIFY_TOKEN"`
	AppSecret   string        `envconfig:"APP_SECRET"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	MaxRetries  int           `envconfig:"MAX_RETRIES" default:"3"`
}

// LLMConfig configures the assistant backend, transcription and image description.
type LLMConfig struct {
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL      string `envconfig:"OPENAI_BASE_URL"`
	AnthropicAPIKey    string `envconfig:"ANTHROPIC_API_KEY"`
	DefaultAssistantID string `envconfig:"DEFAULT_ASSISTANT_ID"`
	TranscriptionModel string `envconfig:"TRANSCRIPTION_MODEL" default:"whisper-1"`

	// DescriberProvider is one of openai, anthropic or none.
	DescriberProvider string `envconfig:"DESCRIBER" default:"openai"`
	VisionModel       string `envconfig:"VISION_MODEL" default:"gpt-4o-mini"`

	FFmpegPath       string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	TranscodeEnabled bool   `envconfig:"TRANSCODE_ENABLED" default:"true"`
}

// PipelineConfig holds the tuning knobs of the inbound pipeline.
type PipelineConfig struct {
	MaxMessageAge time.Duration `envconfig:"MAX_MESSAGE_AGE" default:"900s"`

	ProcessedSetSize int           `envconfig:"PROCESSED_SET_SIZE" default:"10000"`
	ProcessedSetTTL  time.Duration `envconfig:"PROCESSED_SET_TTL" default:"24h"`
	MediaCacheSize   int           `envconfig:"MEDIA_CACHE_SIZE" default:"1000"`
	ImageURLTTL      time.Duration `envconfig:"IMAGE_URL_TTL" default:"1h"`
	AudioURLTTL      time.Duration `envconfig:"AUDIO_URL_TTL" default:"1h"`
	DefaultURLTTL    time.Duration `envconfig:"DEFAULT_URL_TTL" default:"5m"`

	RunPollSchedule []time.Duration `envconfig:"RUN_POLL_SCHEDULE" default:"1s,2s,3s,4s,5s"`
	RunTimeout      time.Duration   `envconfig:"RUN_TIMEOUT" default:"120s"`
	CancelSettle    time.Duration   `envconfig:"CANCEL_SETTLE" default:"1s"`

	TextAttempts    int           `envconfig:"TEXT_ATTEMPTS" default:"3"`
	RetryBaseDelay  time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay   time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`
	FirstBlockMin   time.Duration `envconfig:"FIRST_BLOCK_MIN_DELAY" default:"7s"`
	FirstBlockMax   time.Duration `envconfig:"FIRST_BLOCK_MAX_DELAY" default:"12s"`
	InterBlockDelay time.Duration `envconfig:"INTER_BLOCK_DELAY" default:"3s"`
	MaxBlockLength  int           `envconfig:"MAX_BLOCK_LENGTH" default:"600"`
	DisplayTimezone string        `envconfig:"DISPLAY_TIMEZONE" default:"UTC"`
	OperatorPrefix  string        `envconfig:"OPERATOR_PREFIX" default:"[Human operator]"`
	ProcessTimeout  time.Duration `envconfig:"PROCESS_TIMEOUT" default:"10m"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"2m"`
}

// processSlack covers media transfer, thread readiness and storage calls.
const processSlack = time.Minute

// ProcessBudget is the shortest ProcessTimeout that lets every text attempt
// run to its own timeout, with backoff in between.
func (p PipelineConfig) ProcessBudget() time.Duration {
	attempts := time.Duration(p.TextAttempts)
	return p.RunTimeout*attempts + p.RetryMaxDelay*(attempts-1) + p.CancelSettle*attempts + processSlack
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.LLM.DescriberProvider {
	case "openai", "anthropic", "none":
	default:
		return fmt.Errorf("unsupported describer %q", c.LLM.DescriberProvider)
	}
	p := c.Pipeline
	if p.FirstBlockMax < p.FirstBlockMin {
		return fmt.Errorf("first block delay range is inverted: %s > %s", p.FirstBlockMin, p.FirstBlockMax)
	}
	if p.TextAttempts < 1 {
		return fmt.Errorf("text attempts must be at least 1, got %d", p.TextAttempts)
	}
	if p.MaxBlockLength < 1 {
		return fmt.Errorf("max block length must be positive, got %d", p.MaxBlockLength)
	}
	if budget := p.ProcessBudget(); p.ProcessTimeout < budget {
		return fmt.Errorf("process timeout %s is shorter than %d text attempts need (%s)", p.ProcessTimeout, p.TextAttempts, budget)
	}
	if p.DeliveryTimeout <= p.FirstBlockMax {
		return fmt.Errorf("delivery timeout %s must exceed the first block delay %s", p.DeliveryTimeout, p.FirstBlockMax)
	}
	if len(p.RunPollSchedule) == 0 {
		return fmt.Errorf("run poll schedule is empty")
	}
	if _, err := time.LoadLocation(p.DisplayTimezone); err != nil {
		return fmt.Errorf("invalid display timezone %q: %w", p.DisplayTimezone, err)
	}
	return nil
}

// Location returns the configured display time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Pipeline.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
