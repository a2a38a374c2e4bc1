package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ijanc/nodeselector-notify/internal/config"
	"github.com/ijanc/nodeselector-notify/internal/notifier"
)

var (
	webhookURL     string
	webhookToken   string
	webhookTimeout time.Duration
	webhookRetries int
)

// addWebhookFlags registers the flags needed to reach the webhook.
func addWebhookFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "Webhook URL (default: $SLACK_WEBHOOK_URL or $WEBHOOK_URL)")
	cmd.Flags().StringVar(&webhookToken, "webhook-auth-token", "", "Bearer token for the webhook (default: $WEBHOOK_AUTH_TOKEN)")
	cmd.Flags().DurationVar(&webhookTimeout, "webhook-timeout", 10*time.Second, "Webhook HTTP request timeout")
	cmd.Flags().IntVar(&webhookRetries, "max-retries", 2, "Retries after the first attempt for transient failures")
}

// resolveConfig merges environment variables and flags, flags taking precedence.
func resolveConfig() config.Config {
	cfg := config.Default()
	cfg.ApplyEnv(os.LookupEnv)
	if webhookURL != "" {
		cfg.WebhookURL = webhookURL
	}
	if webhookToken != "" {
		cfg.WebhookAuthToken = webhookToken
	}
	if clusterName != "" {
		cfg.Cluster = clusterName
	}
	cfg.WebhookTimeout = webhookTimeout
	cfg.MaxRetries = webhookRetries
	cfg.RetryInitialBackoff = 500 * time.Millisecond
	cfg.RetryMaxBackoff = 5 * time.Second
	return cfg
}

// deliver sends msg through the same engine the watcher uses.
func deliver(ctx context.Context, cfg config.Config, msg notifier.OutboundMessage) (notifier.Ack, error) {
	if cfg.WebhookURL == "" {
		return notifier.Ack{}, fmt.Errorf("no webhook URL: set --webhook-url or %s", config.EnvSlackWebhookURL)
	}
	transport, err := notifier.NewHTTPTransport(zap.NewNop(), cfg.TransportConfig())
	if err != nil {
		return notifier.Ack{}, err
	}
	return notifier.NewDeliverer(zap.NewNop(), transport, cfg.RetryPolicy()).Deliver(ctx, msg)
}

func testWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-webhook",
		Short: "Send a test message to the webhook",
		Long: `Send a test message through the delivery engine, with the same retries,
headers and payload format the watcher uses.

Examples:
  # Use SLACK_WEBHOOK_URL from the environment
  nsnotifyctl test-webhook

  # Explicit URL
  nsnotifyctl test-webhook --webhook-url https://hooks.slack.com/services/...`,
		RunE: runTestWebhook,
	}

	addWebhookFlags(cmd)
	return cmd
}

func runTestWebhook(cmd *cobra.Command, args []string) error {
	cfg := resolveConfig()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	msg := notifier.NewSummary(nil, cfg.Cluster)
	msg.Kind = notifier.KindTest
	ack, err := deliver(ctx, cfg, msg)
	if notifier.IsPermanent(err) {
		return fmt.Errorf("webhook rejected the test message, check the URL and token: %w", err)
	}
	if err != nil {
		return fmt.Errorf("failed to send test message: %w", err)
	}

	return outputResult(WebhookTestResult{
		URL:       notifier.RedactURL(cfg.WebhookURL),
		MessageID: msg.ID,
		Status:    ack.Status,
		Attempts:  ack.Attempts,
	}, outputFmt)
}
