// Package config holds the process configuration of the watcher: flags,
// environment overrides, defaults and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/ijanc/nodeselector-notify/internal/notifier"
	"github.com/ijanc/nodeselector-notify/internal/source"
	"github.com/ijanc/nodeselector-notify/internal/tracker"
	"github.com/ijanc/nodeselector-notify/internal/util"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Environment variables read by ApplyEnv.
const (
	EnvSlackWebhookURL   = "SLACK_WEBHOOK_URL"
	EnvWebhookURL        = "WEBHOOK_URL"
	EnvWebhookAuthToken  = "WEBHOOK_AUTH_TOKEN"
	EnvCluster           = "ENV"
	EnvWatchNamespace    = "WATCH_NAMESPACE"
	EnvIgnoredNamespaces = "IGNORED_NAMESPACES"
	EnvLogLevel          = "LOG_LEVEL"
)

// Config is the full watcher configuration.
type Config struct {
	WebhookURL                string
	WebhookAuthToken          string
	WebhookTimeout            time.Duration
	WebhookInsecureSkipVerify bool

	// Cluster is the environment name shown in every message.
	Cluster           string
	Namespace         string
	IgnoredNamespaces []string
	LabelSelector     string

	Debounce         time.Duration
	RenotifyInterval time.Duration
	Cooldown         time.Duration

	MaxRetries          int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	MaxConcurrentDeliveries int
	DeliveryQueueSize       int
	RateLimitPerMinute      int

	ResyncInterval time.Duration
	TickInterval   time.Duration
	ShutdownGrace  time.Duration
	StartupSummary bool

	MetricsAddr             string
	HealthAddr              string
	LeaderElect             bool
	LeaderElectionNamespace string

	LogLevel string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		WebhookTimeout:          10 * time.Second,
		Cluster:                 "unknown",
		Debounce:                30 * time.Second,
		RenotifyInterval:        time.Hour,
		Cooldown:                5 * time.Minute,
		MaxRetries:              5,
		RetryInitialBackoff:     time.Second,
		RetryMaxBackoff:         30 * time.Second,
		MaxConcurrentDeliveries: 3,
		DeliveryQueueSize:       100,
		RateLimitPerMinute:      60,
		ResyncInterval:          10 * time.Minute,
		TickInterval:            time.Second,
		ShutdownGrace:           10 * time.Second,
		StartupSummary:          true,
		MetricsAddr:             ":8080",
		HealthAddr:              ":8081",
		LogLevel:                "info",
	}
}

// RegisterFlags binds every option to fs, using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.WebhookURL, "webhook-url", c.WebhookURL, "Webhook URL for notifications (HTTP POST). Overridden by SLACK_WEBHOOK_URL or WEBHOOK_URL if set.")
	fs.StringVar(&c.WebhookAuthToken, "webhook-auth-token", c.WebhookAuthToken, "Bearer token for the webhook Authorization header. Overridden by WEBHOOK_AUTH_TOKEN if set.")
	fs.DurationVar(&c.WebhookTimeout, "webhook-timeout", c.WebhookTimeout, "Webhook HTTP request timeout.")
	fs.BoolVar(&c.WebhookInsecureSkipVerify, "webhook-insecure-skip-verify", c.WebhookInsecureSkipVerify, "Disable TLS certificate verification for the webhook (insecure).")

	fs.StringVar(&c.Cluster, "cluster-name", c.Cluster, "Cluster or environment name shown in every message. Overridden by ENV if set.")
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "Only watch this namespace. Empty watches all namespaces.")
	fs.Func("ignored-namespaces", "Comma-separated list of namespaces to ignore.", func(v string) error {
		c.IgnoredNamespaces = util.SplitCSV(v)
		return nil
	})
	fs.StringVar(&c.LabelSelector, "label-selector", c.LabelSelector, "Only watch pods matching this label selector.")

	fs.DurationVar(&c.Debounce, "debounce", c.Debounce, "How long a pod must stay unschedulable for the same reason before it is reported.")
	fs.DurationVar(&c.RenotifyInterval, "renotify-interval", c.RenotifyInterval, "How often an ongoing incident is repeated. 0 disables reminders.")
	fs.DurationVar(&c.Cooldown, "cooldown", c.Cooldown, "Quiet period after a resolution or a failed delivery.")

	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Retries after the first attempt for transient webhook failures.")
	fs.DurationVar(&c.RetryInitialBackoff, "retry-initial-backoff", c.RetryInitialBackoff, "First retry delay.")
	fs.DurationVar(&c.RetryMaxBackoff, "retry-max-backoff", c.RetryMaxBackoff, "Upper bound of the retry delay.")

	fs.IntVar(&c.MaxConcurrentDeliveries, "max-concurrent-deliveries", c.MaxConcurrentDeliveries, "Number of concurrent webhook deliveries.")
	fs.IntVar(&c.DeliveryQueueSize, "delivery-queue-size", c.DeliveryQueueSize, "Capacity of the outbound message queue.")
	fs.IntVar(&c.RateLimitPerMinute, "rate-limit-per-minute", c.RateLimitPerMinute, "Maximum webhook requests per minute.")

	fs.DurationVar(&c.ResyncInterval, "resync-interval", c.ResyncInterval, "How often the pod list is re-read from scratch.")
	fs.DurationVar(&c.TickInterval, "tick-interval", c.TickInterval, "How often timers are evaluated. Must be shorter than --debounce.")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", c.ShutdownGrace, "How long in-flight deliveries may run after a shutdown signal.")
	fs.BoolVar(&c.StartupSummary, "startup-summary", c.StartupSummary, "Send one batched message for pods already unschedulable at startup.")

	fs.StringVar(&c.MetricsAddr, "metrics-bind-address", c.MetricsAddr, "The address the metric endpoint binds to.")
	fs.StringVar(&c.HealthAddr, "health-probe-bind-address", c.HealthAddr, "The address the health probe endpoint binds to.")
	fs.BoolVar(&c.LeaderElect, "leader-elect", c.LeaderElect, "Enable leader election so only one replica sends notifications.")
	fs.StringVar(&c.LeaderElectionNamespace, "leader-election-namespace", c.LeaderElectionNamespace, "Namespace of the leader election lease. Defaults to the in-cluster namespace.")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error). Overridden by LOG_LEVEL if set.")
}

// ApplyEnv overrides options from the environment. lookup is usually
// os.LookupEnv. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvSlackWebhookURL); ok {
		c.WebhookURL = v
	} else if v, ok := get(EnvWebhookURL); ok {
		c.WebhookURL = v
	}
	if v, ok := get(EnvWebhookAuthToken); ok {
		c.WebhookAuthToken = v
	}
	if v, ok := get(EnvCluster); ok {
		c.Cluster = v
	}
	if v, ok := get(EnvWatchNamespace); ok {
		c.Namespace = v
	}
	if v, ok := get(EnvIgnoredNamespaces); ok {
		c.IgnoredNamespaces = util.SplitCSV(v)
	}
	if v, ok := get(EnvLogLevel); ok {
		c.LogLevel = v
	}
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.WebhookURL == "" {
		add("webhook URL is required (set %s or --webhook-url)", EnvSlackWebhookURL)
	} else if err := notifier.ValidateWebhookURL(c.WebhookURL); err != nil {
		add("webhook URL: %v", err)
	}
	if c.LabelSelector != "" {
		if _, err := labels.Parse(c.LabelSelector); err != nil {
			add("label selector %q: %v", c.LabelSelector, err)
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		add("log level %q: %v", c.LogLevel, err)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"webhook-timeout", c.WebhookTimeout},
		{"debounce", c.Debounce},
		{"cooldown", c.Cooldown},
		{"retry-initial-backoff", c.RetryInitialBackoff},
		{"retry-max-backoff", c.RetryMaxBackoff},
		{"resync-interval", c.ResyncInterval},
		{"tick-interval", c.TickInterval},
		{"shutdown-grace", c.ShutdownGrace},
	}
	for _, p := range positive {
		if p.d <= 0 {
			add("--%s must be positive, got %s", p.name, p.d)
		}
	}
	if c.RenotifyInterval < 0 {
		add("--renotify-interval must not be negative, got %s", c.RenotifyInterval)
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		add("--retry-max-backoff (%s) is shorter than --retry-initial-backoff (%s)", c.RetryMaxBackoff, c.RetryInitialBackoff)
	}
	if c.TickInterval > 0 && c.TickInterval >= c.Debounce {
		add("--tick-interval (%s) must be shorter than --debounce (%s)", c.TickInterval, c.Debounce)
	}
	if c.MaxRetries < 0 {
		add("--max-retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxConcurrentDeliveries <= 0 {
		add("--max-concurrent-deliveries must be positive, got %d", c.MaxConcurrentDeliveries)
	}
	if c.DeliveryQueueSize <= 0 {
		add("--delivery-queue-size must be positive, got %d", c.DeliveryQueueSize)
	}
	if c.RateLimitPerMinute <= 0 {
		add("--rate-limit-per-minute must be positive, got %d", c.RateLimitPerMinute)
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// TrackerOptions returns the state machine timings.
func (c *Config) TrackerOptions() tracker.Options {
	return tracker.Options{
		Debounce:         c.Debounce,
		RenotifyInterval: c.RenotifyInterval,
		Cooldown:         c.Cooldown,
	}
}

// RetryPolicy returns the delivery retry policy.
func (c *Config) RetryPolicy() notifier.RetryPolicy {
	return notifier.RetryPolicy{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.RetryInitialBackoff,
		MaxBackoff:     c.RetryMaxBackoff,
	}
}

// DispatcherOptions returns the delivery queue and worker settings.
func (c *Config) DispatcherOptions() notifier.DispatcherOptions {
	return notifier.DispatcherOptions{
		Workers:            c.MaxConcurrentDeliveries,
		QueueSize:          c.DeliveryQueueSize,
		RateLimitPerMinute: c.RateLimitPerMinute,
	}
}

// TransportConfig returns the webhook transport settings.
func (c *Config) TransportConfig() notifier.HTTPTransportConfig {
	return notifier.HTTPTransportConfig{
		URL:                c.WebhookURL,
		Timeout:            c.WebhookTimeout,
		InsecureSkipVerify: c.WebhookInsecureSkipVerify,
		AuthToken:          c.WebhookAuthToken,
	}
}

// SourceOptions returns the pod list/watch settings. The watch timeout is the
// resync interval.
func (c *Config) SourceOptions() source.Options {
	return source.Options{
		Namespace:         c.Namespace,
		LabelSelector:     c.LabelSelector,
		IgnoredNamespaces: c.IgnoredNamespaces,
		WatchTimeout:      c.ResyncInterval,
	}
}
