package mqworker

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Providers recognized by NewEndpoint.
const (
	ProviderAWS    = "aws"
	ProviderSNS    = "sns"
	ProviderGCloud = "gcloud"
	ProviderMemory = "memory"
)

// Worker defaults.
const (
	DefaultMaxNumberOfMessages = 1
	DefaultWaitTimeSeconds     = 20
	DefaultVisibilityTimeout   = 3600
	DefaultSleepIfNoMessages   = time.Second
	DefaultDedupTTL            = 7 * 24 * time.Hour
)

// Service limits enforced by Validate.
const (
	maxNumberOfMessages  = 10
	maxWaitTimeSeconds   = 20
	maxVisibilityTimeout = 43200
	maxDelaySeconds      = 900
)

// Config represents configuration information for the cloud environment and
// the worker and publisher built on it.
// The Provider can currently be "aws", "sns", "gcloud" or "memory".
// If the Provider is "aws" or "sns", then AWSRegion must be set.
// If the Provider is "gcloud", then GCloudProject must be set.
type Config struct {
	Provider  string `env:"MQ_PROVIDER" envDefault:"aws"`
	AWSRegion string `env:"MQ_AWS_REGION"`
	// AWSEndpoint overrides the service endpoint, e.g. for localstack.
	AWSEndpoint   string `env:"MQ_AWS_ENDPOINT"`
	GCloudProject string `env:"MQ_GCLOUD_PROJECT"`

	MaxNumberOfMessages int           `env:"MQ_MAX_NUMBER_OF_MESSAGES" envDefault:"1"`
	WaitTimeSeconds     int           `env:"MQ_WAIT_TIME_SECONDS" envDefault:"20"`
	VisibilityTimeout   int           `env:"MQ_VISIBILITY_TIMEOUT" envDefault:"3600"`
	SleepIfNoMessages   time.Duration `env:"MQ_SLEEP_IF_NO_MESSAGES" envDefault:"1s"`
	// HandlerTimeout of 0 means VisibilityTimeout.
	HandlerTimeout time.Duration `env:"MQ_HANDLER_TIMEOUT"`

	PublishMaxRetries int           `env:"MQ_PUBLISH_MAX_RETRIES"`
	PublishRetryDelay time.Duration `env:"MQ_PUBLISH_RETRY_DELAY"`

	MaxReceiveCount       int    `env:"MQ_MAX_RECEIVE_COUNT"`
	DeadLetterDestination string `env:"MQ_DEAD_LETTER_DESTINATION"`
	UnwrapSNS             bool   `env:"MQ_UNWRAP_SNS"`

	RedisAddr string        `env:"MQ_REDIS_ADDR"`
	DedupTTL  time.Duration `env:"MQ_DEDUP_TTL" envDefault:"168h"`
}

// ParseConfig parses a Config from the environment without validating it,
// so callers can apply overrides before calling Validate.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, configError("parse environment: %v", err)
	}

	return cfg, nil
}

// LoadConfig parses a Config from the environment and validates it.
func LoadConfig() (Config, error) {
	cfg, err := ParseConfig()
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the defaults a zero environment would produce.
func DefaultConfig() Config {
	return Config{
		Provider:            ProviderAWS,
		MaxNumberOfMessages: DefaultMaxNumberOfMessages,
		WaitTimeSeconds:     DefaultWaitTimeSeconds,
		VisibilityTimeout:   DefaultVisibilityTimeout,
		SleepIfNoMessages:   DefaultSleepIfNoMessages,
		DedupTTL:            DefaultDedupTTL,
	}
}

// Validate checks the configuration once, at startup.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAWS, ProviderSNS:
		if c.AWSRegion == "" {
			return configError("AWSRegion is required for provider %q", c.Provider)
		}
	case ProviderGCloud:
		if c.GCloudProject == "" {
			return configError("GCloudProject is required for provider %q", c.Provider)
		}
	case ProviderMemory:
	default:
		return configError("unrecognized provider %q", c.Provider)
	}

	if c.MaxNumberOfMessages < 1 || c.MaxNumberOfMessages > maxNumberOfMessages {
		return configError("MaxNumberOfMessages must be between 1 and %d, got %d", maxNumberOfMessages, c.MaxNumberOfMessages)
	}

	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > maxWaitTimeSeconds {
		return configError("WaitTimeSeconds must be between 0 and %d, got %d", maxWaitTimeSeconds, c.WaitTimeSeconds)
	}

	if c.VisibilityTimeout < 1 || c.VisibilityTimeout > maxVisibilityTimeout {
		return configError("VisibilityTimeout must be between 1 and %d, got %d", maxVisibilityTimeout, c.VisibilityTimeout)
	}

	if c.SleepIfNoMessages < 0 || c.HandlerTimeout < 0 || c.PublishRetryDelay < 0 {
		return configError("durations must not be negative")
	}

	if c.PublishMaxRetries < 0 {
		return configError("PublishMaxRetries must not be negative, got %d", c.PublishMaxRetries)
	}

	if c.MaxReceiveCount < 0 {
		return configError("MaxReceiveCount must not be negative, got %d", c.MaxReceiveCount)
	}

	if c.MaxReceiveCount > 0 && c.DeadLetterDestination == "" {
		return configError("DeadLetterDestination is required when MaxReceiveCount is set")
	}

	return nil
}

// WorkerOptions returns the worker options described by c.
func (c Config) WorkerOptions() WorkerOptions {
	return WorkerOptions{
		MaxNumberOfMessages:   c.MaxNumberOfMessages,
		WaitTimeSeconds:       c.WaitTimeSeconds,
		VisibilityTimeout:     c.VisibilityTimeout,
		SleepIfNoMessages:     c.SleepIfNoMessages,
		HandlerTimeout:        c.HandlerTimeout,
		MaxReceiveCount:       c.MaxReceiveCount,
		DeadLetterDestination: c.DeadLetterDestination,
		UnwrapSNS:             c.UnwrapSNS,
	}
}

// PublisherOptions returns the publisher options described by c.
func (c Config) PublisherOptions() PublisherOptions {
	return PublisherOptions{
		MaxRetries: c.PublishMaxRetries,
		RetryDelay: c.PublishRetryDelay,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("provider=%s region=%s project=%s", c.Provider, c.AWSRegion, c.GCloudProject)
}
