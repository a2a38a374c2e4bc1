package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ijanc/nodeselector-notify/internal/notifier"
	"github.com/ijanc/nodeselector-notify/internal/util"
)

var (
	auditIgnored string
	auditNotify  bool
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Find Deployments whose pods have no nodeSelector",
		Long: `Scan Deployments and report the ones whose pod template sets no nodeSelector.

Such workloads can land on any node. With --notify, the findings are sent to
the webhook as one batch message.

Examples:
  # Audit every namespace except the system ones
  nsnotifyctl audit --ignored-namespaces kube-system,kube-public

  # Audit and post the result
  nsnotifyctl audit --notify`,
		RunE: runAudit,
	}

	cmd.Flags().StringVar(&auditIgnored, "ignored-namespaces", "", "Comma-separated namespaces to skip (default: $IGNORED_NAMESPACES)")
	cmd.Flags().BoolVar(&auditNotify, "notify", false, "Send the findings to the webhook")
	addWebhookFlags(cmd)

	return cmd
}

const listPageSize = 500

func runAudit(cmd *cobra.Command, args []string) error {
	cfg := resolveConfig()
	if auditIgnored != "" {
		cfg.IgnoredNamespaces = util.SplitCSV(auditIgnored)
	}
	ignored := util.StringSet(cfg.IgnoredNamespaces)

	client, err := getClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	deployments, err := listDeployments(ctx, client, namespace)
	if err != nil {
		return fmt.Errorf("failed to list Deployments: %w", err)
	}

	result := AuditResult{Cluster: cfg.Cluster, Missing: []DeploymentInfo{}}
	for _, d := range deployments {
		if _, skip := ignored[d.Namespace]; skip {
			continue
		}
		result.Scanned++
		spec := d.Spec.Template.Spec
		if len(spec.NodeSelector) > 0 {
			continue
		}
		var replicas int32 = 1
		if d.Spec.Replicas != nil {
			replicas = *d.Spec.Replicas
		}
		result.Missing = append(result.Missing, DeploymentInfo{
			Namespace:   d.Namespace,
			Name:        d.Name,
			Replicas:    replicas,
			HasAffinity: spec.Affinity != nil && spec.Affinity.NodeAffinity != nil,
		})
	}
	sort.Slice(result.Missing, func(i, j int) bool {
		if result.Missing[i].Namespace != result.Missing[j].Namespace {
			return result.Missing[i].Namespace < result.Missing[j].Namespace
		}
		return result.Missing[i].Name < result.Missing[j].Name
	})
	result.Total = len(result.Missing)

	if auditNotify && result.Total > 0 {
		msg := notifier.NewSummary(nil, cfg.Cluster)
		msg.Text = auditText(result)
		if _, err := deliver(ctx, cfg, msg); err != nil {
			return fmt.Errorf("failed to send audit message: %w", err)
		}
		result.Notified = true
	}

	return outputResult(result, outputFmt)
}

// listDeployments pages through the Deployments of ns.
func listDeployments(ctx context.Context, client kubernetes.Interface, ns string) ([]appsv1.Deployment, error) {
	var (
		items []appsv1.Deployment
		cont  string
	)
	for {
		list, err := client.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{
			Limit:    listPageSize,
			Continue: cont,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, list.Items...)
		if cont = list.Continue; cont == "" {
			return items, nil
		}
	}
}

// auditText renders the batch message for an audit.
func auditText(r AuditResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Found %d deployment(s) without nodeSelector\nenv: %s", r.Total, r.Cluster)
	for _, d := range r.Missing {
		fmt.Fprintf(&b, "\n• %s/%s", d.Namespace, d.Name)
	}
	return b.String()
}
