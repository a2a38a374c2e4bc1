package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/ijanc/nodeselector-notify/internal/config"
	"github.com/ijanc/nodeselector-notify/internal/controller"
	"github.com/ijanc/nodeselector-notify/internal/notifier"
	"github.com/ijanc/nodeselector-notify/internal/source"
	"github.com/ijanc/nodeselector-notify/internal/tracker"
)

var (
	scheme  = runtime.NewScheme()
	version = "dev"
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	cfg.ApplyEnv(os.LookupEnv)

	// Setup logger
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logConfig.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting nodeselector-notify",
		zap.String("version", version),
		zap.String("cluster", cfg.Cluster),
		zap.String("namespace", cfg.Namespace),
		zap.Strings("ignored_namespaces", cfg.IgnoredNamespaces),
		zap.String("webhook_url", notifier.RedactURL(cfg.WebhookURL)),
		zap.Duration("debounce", cfg.Debounce),
		zap.Duration("renotify_interval", cfg.RenotifyInterval),
		zap.Duration("cooldown", cfg.Cooldown),
		zap.Bool("leader_elect", cfg.LeaderElect),
	)

	restCfg := ctrl.GetConfigOrDie()
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		logger.Fatal("Failed to create clientset", zap.Error(err))
	}
	serverVersion, err := clientset.Discovery().ServerVersion()
	if err != nil {
		logger.Fatal("Unable to reach the API server", zap.String("host", restCfg.Host), zap.Error(err))
	}
	logger.Info("Connected to API server", zap.String("server_version", serverVersion.GitVersion))

	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                  scheme,
		LeaderElection:          cfg.LeaderElect,
		LeaderElectionID:        "nodeselector-notify-leader",
		LeaderElectionNamespace: cfg.LeaderElectionNamespace,
		HealthProbeBindAddress:  cfg.HealthAddr,
		Metrics: metricsserver.Options{
			BindAddress: cfg.MetricsAddr,
		},
	})
	if err != nil {
		logger.Fatal("Unable to create manager", zap.Error(err))
	}

	// Build the delivery engine
	transport, err := notifier.NewHTTPTransport(logger, cfg.TransportConfig())
	if err != nil {
		logger.Fatal("Failed to create webhook transport", zap.Error(err))
	}
	deliverer := notifier.NewDeliverer(logger, transport, cfg.RetryPolicy())
	dispatcher := notifier.NewDispatcher(logger, deliverer, cfg.DispatcherOptions())
	logger.Info("Webhook configured", zap.String("url", transport.URL()))

	// Build the reconciliation loop
	src := source.NewKubeSource(clientset, logger, cfg.SourceOptions())
	loop := controller.NewLoop(logger, src, tracker.New(cfg.TrackerOptions()), dispatcher, controller.Options{
		Cluster:          cfg.Cluster,
		TickInterval:     cfg.TickInterval,
		StartupSummary:   cfg.StartupSummary,
		ReconnectInitial: cfg.RetryInitialBackoff,
		ReconnectMax:     cfg.RetryMaxBackoff,
	})

	// Register health checks
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		logger.Fatal("Unable to set up health check", zap.Error(err))
	}
	if err := mgr.AddReadyzCheck("readyz", func(*http.Request) error {
		if !loop.Synced() {
			return errors.New("initial pod list not processed yet")
		}
		return nil
	}); err != nil {
		logger.Fatal("Unable to set up readiness check", zap.Error(err))
	}

	// The loop needs leadership, so only one replica sends notifications.
	if err := mgr.Add(&runnableFunc{fn: func(ctx context.Context) error {
		dispatcher.Start()
		err := loop.Run(ctx)
		abandoned := dispatcher.Shutdown(cfg.ShutdownGrace)
		if len(abandoned) > 0 {
			logger.Warn("Queued notifications abandoned at shutdown", zap.Int("count", len(abandoned)))
		}
		return err
	}}); err != nil {
		logger.Fatal("Failed to add reconciliation loop to manager", zap.Error(err))
	}

	ctx := ctrl.SetupSignalHandler()

	// Start manager (blocks until context is cancelled)
	logger.Info("Starting manager")
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("Manager exited with error", zap.Error(err))
	}
	logger.Info("Shut down cleanly")
}

// runnableFunc is a helper to convert a function to a controller-runtime Runnable.
type runnableFunc struct {
	fn func(context.Context) error
}

func (r *runnableFunc) Start(ctx context.Context) error {
	return r.fn(ctx)
}
