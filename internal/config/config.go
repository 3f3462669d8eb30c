package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"post_relay/internal/domain"
)

// Environment keys.
const (
	EnvSourceToken      = "SOURCE_API_TOKEN"
	EnvSourceURL        = "SOURCE_API_URL"
	EnvBotToken         = "NOTIFIER_BOT_TOKEN"
	EnvChatID           = "NOTIFIER_CHAT_ID"
	EnvNotifierURL      = "NOTIFIER_API_URL"
	EnvAccounts         = "MONITORED_ACCOUNTS"
	EnvMaxRetries       = "MAX_RETRIES"
	EnvRetryDelay       = "RETRY_DELAY"
	EnvRateLimitMaxWait = "RATE_LIMIT_MAX_WAIT"
	EnvHTTPTimeout      = "HTTP_TIMEOUT"
	EnvMaxResults       = "MAX_RESULTS"
	EnvFirstRunLimit    = "FIRST_RUN_LIMIT"
	EnvStateFile        = "STATE_FILE"
	EnvStateBucket      = "STATE_BUCKET"
	EnvStateObject      = "STATE_OBJECT"
	EnvAMQPURL          = "AMQP_URL"
	EnvAMQPExchange     = "AMQP_EXCHANGE"
	EnvAMQPRoutingKey   = "AMQP_ROUTING_KEY"
	EnvAMQPQueue        = "AMQP_QUEUE"
	EnvSchedule         = "SCHEDULE"
	EnvRunTimeout       = "RUN_TIMEOUT"
	EnvLogLevel         = "LOG_LEVEL"
)

const (
	baseRunTimeout  = 5 * time.Minute
	rateLimitBuffer = 5 * time.Second
)

// legacyKeys are the names the first version of the bot read from .env.
var legacyKeys = map[string]string{
	EnvSourceToken: "TWITTER_BEARER_TOKEN",
	EnvBotToken:    "TELEGRAM_BOT_TOKEN",
	EnvChatID:      "TELEGRAM_CHAT_ID",
	EnvAccounts:    "TWITTER_USERNAMES",
}

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Notifier NotifierConfig `yaml:"notifier"`
	Accounts []string       `yaml:"accounts"`
	Retry    RetryConfig    `yaml:"retry"`
	Relay    RelayConfig    `yaml:"relay"`
	State    StateConfig    `yaml:"state"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Schedule string         `yaml:"schedule"`
	// RunTimeout bounds one scheduled run. Zero derives it from the account
	// count and RATE_LIMIT_MAX_WAIT, see setDefaults.
	RunTimeout time.Duration `yaml:"run_timeout"`
	LogLevel string         `yaml:"log_level"`
}

type SourceConfig struct {
	Token   string        `yaml:"token"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type NotifierConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RetryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	Delay            time.Duration `yaml:"delay"`
	MaxRateLimitWait time.Duration `yaml:"max_rate_limit_wait"`
}

type RelayConfig struct {
	MaxResults int `yaml:"max_results"`
	// FirstRunLimit caps notifications for an account with no watermark.
	// Zero records the newest post without notifying anything.
	FirstRunLimit *int `yaml:"first_run_limit"`
}

// FirstRun returns the effective first-run cap, never above MaxResults.
func (r RelayConfig) FirstRun() int {
	if r.FirstRunLimit == nil || *r.FirstRunLimit > r.MaxResults {
		return r.MaxResults
	}
	return *r.FirstRunLimit
}

type StateConfig struct {
	File   string `yaml:"file"`
	Bucket string `yaml:"bucket"`
	Object string `yaml:"object"`
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

// Enabled reports whether delivered posts should be mirrored to RabbitMQ.
func (r RabbitMQConfig) Enabled() bool {
	return r.URL != ""
}

type lookupFunc func(key string) (string, bool)

// Load reads an optional YAML file at path, applies environment overrides and
// validates the result. Any failure is a *domain.ConfigurationError.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	return load(path, os.LookupEnv)
}

func load(path string, lookup lookupFunc) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, &domain.ConfigurationError{Field: path, Reason: fmt.Sprintf("cannot be read: %v", err)}
		default:
			expanded := os.Expand(string(data), func(key string) string {
				v, _ := lookup(key)
				return v
			})
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, &domain.ConfigurationError{Field: path, Reason: fmt.Sprintf("is not valid YAML: %v", err)}
			}
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	cfg.Accounts = NormalizeAccounts(cfg.Accounts)
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv(lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return strings.TrimSpace(v), true
		}
		if legacy, ok := legacyKeys[key]; ok {
			if v, ok := lookup(legacy); ok {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	str(EnvSourceToken, &c.Source.Token)
	str(EnvSourceURL, &c.Source.BaseURL)
	str(EnvBotToken, &c.Notifier.BotToken)
	str(EnvChatID, &c.Notifier.ChatID)
	str(EnvNotifierURL, &c.Notifier.BaseURL)
	str(EnvStateFile, &c.State.File)
	str(EnvStateBucket, &c.State.Bucket)
	str(EnvStateObject, &c.State.Object)
	str(EnvAMQPURL, &c.RabbitMQ.URL)
	str(EnvAMQPExchange, &c.RabbitMQ.Exchange)
	str(EnvAMQPRoutingKey, &c.RabbitMQ.RoutingKey)
	str(EnvAMQPQueue, &c.RabbitMQ.QueueName)
	str(EnvSchedule, &c.Schedule)
	str(EnvLogLevel, &c.LogLevel)

	if v, ok := get(EnvAccounts); ok {
		c.Accounts = strings.Split(v, ",")
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvMaxRetries, &c.Retry.MaxAttempts},
		{EnvMaxResults, &c.Relay.MaxResults},
	}
	for _, f := range ints {
		v, ok := get(f.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigurationError{Field: f.key, Reason: fmt.Sprintf("must be an integer, got %q", v)}
		}
		*f.dst = n
	}

	if v, ok := get(EnvFirstRunLimit); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigurationError{Field: EnvFirstRunLimit, Reason: fmt.Sprintf("must be an integer, got %q", v)}
		}
		c.Relay.FirstRunLimit = &n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvRetryDelay, &c.Retry.Delay},
		{EnvRateLimitMaxWait, &c.Retry.MaxRateLimitWait},
		{EnvHTTPTimeout, &c.Source.Timeout},
		{EnvRunTimeout, &c.RunTimeout},
	}
	for _, f := range durations {
		v, ok := get(f.key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &domain.ConfigurationError{Field: f.key, Reason: fmt.Sprintf("must be a duration such as 2s, got %q", v)}
		}
		*f.dst = d
	}
	if v, ok := get(EnvHTTPTimeout); ok && v != "" {
		c.Notifier.Timeout = c.Source.Timeout
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Source.BaseURL == "" {
		c.Source.BaseURL = "https://api.twitter.com"
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 10 * time.Second
	}
	if c.Notifier.BaseURL == "" {
		c.Notifier.BaseURL = "https://api.telegram.org"
	}
	if c.Notifier.Timeout == 0 {
		c.Notifier.Timeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = 2 * time.Second
	}
	if c.Retry.MaxRateLimitWait == 0 {
		c.Retry.MaxRateLimitWait = 5 * time.Minute
	}
	if c.Relay.MaxResults == 0 {
		c.Relay.MaxResults = 5
	}
	if c.State.File == "" {
		c.State.File = "state.json"
	}
	if c.State.Object == "" {
		c.State.Object = "state.json"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "post_relay"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "posts"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "relayed_posts"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RunTimeout == 0 {
		// Every account may sit out one full rate-limit window.
		perAccount := c.Retry.MaxRateLimitWait + rateLimitBuffer
		c.RunTimeout = baseRunTimeout + time.Duration(len(c.Accounts))*perAccount
	}
}

// Validate reports every missing or malformed field, joined.
func (c *Config) Validate() error {
	var errs []error
	required := func(key, value string) {
		if value == "" {
			errs = append(errs, &domain.ConfigurationError{Field: key, Reason: "is not set"})
		}
	}

	required(EnvSourceToken, c.Source.Token)
	required(EnvBotToken, c.Notifier.BotToken)
	required(EnvChatID, c.Notifier.ChatID)
	if len(c.Accounts) == 0 {
		errs = append(errs, &domain.ConfigurationError{Field: EnvAccounts, Reason: "must list at least one account"})
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, &domain.ConfigurationError{Field: EnvMaxRetries, Reason: "must be at least 1"})
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, &domain.ConfigurationError{Field: EnvRetryDelay, Reason: "must not be negative"})
	}
	if c.RunTimeout < 0 {
		errs = append(errs, &domain.ConfigurationError{Field: EnvRunTimeout, Reason: "must not be negative"})
	}
	if c.Relay.MaxResults < 1 {
		errs = append(errs, &domain.ConfigurationError{Field: EnvMaxResults, Reason: "must be at least 1"})
	}
	if c.Relay.FirstRunLimit != nil && *c.Relay.FirstRunLimit < 0 {
		errs = append(errs, &domain.ConfigurationError{Field: EnvFirstRunLimit, Reason: "must not be negative"})
	}

	return errors.Join(errs...)
}

// NormalizeAccounts trims handles, strips a leading @, drops blanks and
// removes case-insensitive duplicates keeping first-seen order.
func NormalizeAccounts(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, h := range raw {
		h = strings.TrimPrefix(strings.TrimSpace(h), "@")
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}
