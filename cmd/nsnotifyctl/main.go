// nsnotifyctl is a CLI tool for checking pod placement and the notification
// webhook without running the watcher.
//
// Installation:
//
//	go build -o nsnotifyctl ./cmd/nsnotifyctl
//	mv nsnotifyctl /usr/local/bin/
//
// Usage:
//
//	nsnotifyctl classify -n my-namespace
//	nsnotifyctl audit --ignored-namespaces kube-system
//	nsnotifyctl audit --notify
//	nsnotifyctl test-webhook
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version     = "dev"
	outputFmt   string
	namespace   string
	kubeconfig  string
	clusterName string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nsnotifyctl",
		Short: "Inspect unschedulable pods and test notifications",
		Long: `nsnotifyctl is a CLI tool for nodeselector-notify.

It reads pods and Deployments directly from the cluster, classifies why pods
cannot be scheduled, and sends test or audit messages to the webhook.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	cmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "Namespace to inspect (default: all namespaces)")
	cmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to the kubeconfig file (default: in-cluster or $KUBECONFIG)")
	cmd.PersistentFlags().StringVar(&clusterName, "cluster-name", "", "Cluster or environment name shown in messages (default: $ENV or \"unknown\")")

	// Add subcommands
	cmd.AddCommand(classifyCmd())
	cmd.AddCommand(auditCmd())
	cmd.AddCommand(testWebhookCmd())
	return cmd
}
