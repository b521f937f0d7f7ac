// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Firewall      FirewallConfig      `yaml:"firewall"`
	Queue         QueueConfig         `yaml:"queue"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator"`
	Results       ResultStoreConfig   `yaml:"results"`
	Artifacts     ArtifactStoreConfig `yaml:"artifacts"`
	Notify        NotifyConfig        `yaml:"notify"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Redis         RedisConfig         `yaml:"redis"`
	AWS           AWSConfig           `yaml:"aws"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings. An origin or
// method entry of "*" allows everything.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" validate:"min=0"`
}

// GatewayConfig describes the submission endpoint.
type GatewayConfig struct {
	Enabled      bool            `yaml:"enabled"`
	MaxBodyBytes int64           `yaml:"max_body_bytes" validate:"min=2"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig describes a token bucket. RPS of zero disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"min=0"`
	Burst int     `yaml:"burst" validate:"min=0"`
}

// FirewallConfig describes the web application firewall in front of the
// gateway.
type FirewallConfig struct {
	Enabled bool   `yaml:"enabled"`
	RuleSet string `yaml:"rule_set" validate:"required"`
	Mode    string `yaml:"mode" validate:"oneof=count block"`
}

// QueueConfig describes the work queue backend.
type QueueConfig struct {
	Driver            string        `yaml:"driver" validate:"oneof=memory redis sqs"`
	Name              string        `yaml:"name" validate:"required"`
	URL               string        `yaml:"url" validate:"required_if=Driver sqs"`
	DeadLetterName    string        `yaml:"dead_letter_name"`
	DeadLetterURL     string        `yaml:"dead_letter_url"`
	MaxReceiveCount   int           `yaml:"max_receive_count" validate:"min=1"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	WaitTime          time.Duration `yaml:"wait_time"`
}

// DispatcherConfig describes the queue-driven dispatcher.
type DispatcherConfig struct {
	Enabled      bool            `yaml:"enabled"`
	WorkflowID   string          `yaml:"workflow_id" validate:"required"`
	Concurrency  int             `yaml:"concurrency" validate:"min=1"`
	BatchSize    int             `yaml:"batch_size" validate:"min=1,max=10"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	StepTimeout          time.Duration       `yaml:"step_timeout" validate:"gt=0"`
	ExecutionTimeout     time.Duration       `yaml:"execution_timeout" validate:"gt=0"`
	TimeoutCheckInterval time.Duration       `yaml:"timeout_check_interval"`
	Retry                RetryConfig         `yaml:"retry"`
	Store                WorkflowStoreConfig `yaml:"store"`
	// RedactFields are document keys masked when a failed execution's
	// document is logged, on top of the built-in credential keys.
	RedactFields []string `yaml:"redact_fields"`
}

// RetryConfig describes per-step retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" validate:"min=1"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// WorkflowStoreConfig describes execution persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory postgres"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EvaluatorConfig describes the compute step implementation.
type EvaluatorConfig struct {
	Driver         string               `yaml:"driver" validate:"oneof=default http"`
	URL            string               `yaml:"url" validate:"required_if=Driver http"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold" validate:"min=0,max=1"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// ResultStoreConfig describes the keyed result store.
type ResultStoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres dynamodb"`
	Table  string `yaml:"table" validate:"required"`
	DSNEnv string `yaml:"dsn_env"`
}

// ArtifactStoreConfig describes the artifact object store.
type ArtifactStoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory s3"`
	Bucket string `yaml:"bucket" validate:"required"`
	Prefix string `yaml:"prefix"`
}

// NotifyConfig describes the notification channel.
type NotifyConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=memory redis sns"`
	Channel  string `yaml:"channel" validate:"required"`
	TopicARN string `yaml:"topic_arn" validate:"required_if=Driver sns"`
}

// IdempotencyConfig describes request dedupe settings.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver" validate:"oneof=memory redis"`
	TTL        time.Duration `yaml:"ttl"`
	ClaimGrace time.Duration `yaml:"claim_grace"`
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	AddrEnv     string `yaml:"addr_env"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db" validate:"min=0"`
	Prefix      string `yaml:"prefix"`
}

// AWSConfig describes shared AWS SDK settings. Endpoint overrides the service
// endpoint for local emulators.
type AWSConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"*"},
				AllowedHeaders: []string{"Content-Type", "X-Amz-Date", "Authorization",
					"X-Api-Key", "X-Correlation-Id"},
				MaxAge: 600,
			},
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			MaxBodyBytes: 256 * 1024,
		},
		Firewall: FirewallConfig{
			Enabled: true,
			RuleSet: "CommonRuleSet",
			Mode:    "count",
		},
		Queue: QueueConfig{
			Driver:            "memory",
			Name:              "evaluation-queue",
			DeadLetterName:    "evaluation-queue-dlq",
			MaxReceiveCount:   5,
			VisibilityTimeout: 30 * time.Second,
			WaitTime:          20 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Enabled:      true,
			WorkflowID:   "evaluation",
			Concurrency:  4,
			BatchSize:    10,
			PollInterval: time.Second,
		},
		Workflow: WorkflowConfig{
			StepTimeout:          30 * time.Second,
			ExecutionTimeout:     5 * time.Minute,
			TimeoutCheckInterval: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2.0,
				BackoffMax:        5 * time.Second,
			},
			Store: WorkflowStoreConfig{
				Driver:          "memory",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Evaluator: EvaluatorConfig{
			Driver:  "default",
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Results: ResultStoreConfig{
			Driver: "memory",
			Table:  "evaluation_results",
		},
		Artifacts: ArtifactStoreConfig{
			Driver: "memory",
			Bucket: "evaluation-artifacts",
		},
		Notify: NotifyConfig{
			Driver:  "memory",
			Channel: "evaluation-topic",
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Driver:     "memory",
			TTL:        24 * time.Hour,
			ClaimGrace: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "evalflow",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fieldPath(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// RedisAddr resolves the Redis address, preferring AddrEnv when set.
func (r RedisConfig) RedisAddr() string {
	if r.AddrEnv != "" {
		if v := os.Getenv(r.AddrEnv); v != "" {
			return v
		}
	}
	return r.Addr
}

// RedisPassword resolves the Redis password from PasswordEnv.
func (r RedisConfig) RedisPassword() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// UsesRedis reports whether any backend is configured to use Redis.
func (c *Config) UsesRedis() bool {
	return c.Queue.Driver == "redis" || c.Notify.Driver == "redis" ||
		(c.Idempotency.Enabled && c.Idempotency.Driver == "redis")
}

// UsesAWS reports whether any backend is configured to use AWS services.
func (c *Config) UsesAWS() bool {
	return c.Queue.Driver == "sqs" || c.Notify.Driver == "sns" ||
		c.Results.Driver == "dynamodb" || c.Artifacts.Driver == "s3"
}

// fieldPath trims the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// applyEnvOverrides reads EVALFLOW_* environment variables and overrides config
// values. Only the resource names and the most commonly overridden fields are
// supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EVALFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EVALFLOW_QUEUE_NAME"); v != "" {
		cfg.Queue.Name = v
	}
	if v := os.Getenv("EVALFLOW_QUEUE_URL"); v != "" {
		cfg.Queue.URL = v
	}
	if v := os.Getenv("EVALFLOW_DEAD_LETTER_URL"); v != "" {
		cfg.Queue.DeadLetterURL = v
	}
	if v := os.Getenv("EVALFLOW_WORKFLOW_ID"); v != "" {
		cfg.Dispatcher.WorkflowID = v
	}
	if v := os.Getenv("EVALFLOW_DISPATCHER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.Concurrency = n
		}
	}
	if v := os.Getenv("EVALFLOW_RESULTS_TABLE"); v != "" {
		cfg.Results.Table = v
	}
	if v := os.Getenv("EVALFLOW_ARTIFACTS_BUCKET"); v != "" {
		cfg.Artifacts.Bucket = v
	}
	if v := os.Getenv("EVALFLOW_NOTIFY_TOPIC_ARN"); v != "" {
		cfg.Notify.TopicARN = v
	}
	if v := os.Getenv("EVALFLOW_FIREWALL_RULE_SET"); v != "" {
		cfg.Firewall.RuleSet = v
	}
	if v := os.Getenv("EVALFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("EVALFLOW_AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
}
