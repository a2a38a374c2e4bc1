package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"
)

// ClassifyResult is the result of a classify command.
type ClassifyResult struct {
	Namespace     string              `json:"namespace,omitempty"`
	Pods          []PodClassification `json:"pods"`
	Total         int                 `json:"total"`
	Unschedulable int                 `json:"unschedulable"`
}

// PodClassification is one pod in classify results.
type PodClassification struct {
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Cause        string `json:"cause,omitempty"`
	Reason       string `json:"reason,omitempty"`
	NodeSelector string `json:"nodeSelector,omitempty"`
	Since        string `json:"since,omitempty"`
	Owner        string `json:"owner,omitempty"`
}

// AuditResult is the result of an audit command.
type AuditResult struct {
	Cluster  string           `json:"cluster"`
	Scanned  int              `json:"scanned"`
	Missing  []DeploymentInfo `json:"missing"`
	Total    int              `json:"total"`
	Notified bool             `json:"notified"`
}

// DeploymentInfo describes a Deployment without a nodeSelector.
type DeploymentInfo struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Replicas  int32  `json:"replicas"`
	// HasAffinity is set when the pod template uses node affinity instead.
	HasAffinity bool `json:"hasAffinity"`
}

// WebhookTestResult is the result of a test-webhook command.
type WebhookTestResult struct {
	URL       string `json:"url"`
	MessageID string `json:"messageId"`
	Status    int    `json:"status"`
	Attempts  int    `json:"attempts"`
}

// getClientFunc is the function used to create a Kubernetes client.
// It can be overridden in tests to inject a fake client.
var getClientFunc = defaultGetClient

// getClient creates a Kubernetes client.
func getClient() (kubernetes.Interface, error) {
	return getClientFunc()
}

func defaultGetClient() (kubernetes.Interface, error) {
	// Use in-cluster config or kubeconfig
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfig
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		rules,
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(config)
}

// outputResult outputs the result in the specified format.
func outputResult(result interface{}, format string) error {
	switch format {
	case "json":
		return outputJSON(result)
	case "yaml":
		return outputYAML(result)
	default:
		return outputTable(result)
	}
}

func outputJSON(result interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func outputYAML(result interface{}) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func outputTable(result interface{}) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch r := result.(type) {
	case ClassifyResult:
		return outputClassifyTable(w, r)
	case AuditResult:
		return outputAuditTable(w, r)
	case WebhookTestResult:
		return outputWebhookTable(w, r)
	default:
		// Fall back to JSON for unknown types
		return outputJSON(result)
	}
}

func outputClassifyTable(w *tabwriter.Writer, r ClassifyResult) error {
	fmt.Fprintf(w, "TOTAL\t%d\n", r.Total)
	fmt.Fprintf(w, "UNSCHEDULABLE\t%d\n\n", r.Unschedulable)

	fmt.Fprintln(w, "NAMESPACE\tNAME\tSTATUS\tCAUSE\tREASON")
	for _, p := range r.Pods {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.Namespace, p.Name, p.Status, dash(p.Cause), dash(p.Reason))
	}
	return nil
}

func outputAuditTable(w *tabwriter.Writer, r AuditResult) error {
	fmt.Fprintf(w, "CLUSTER\t%s\n", r.Cluster)
	fmt.Fprintf(w, "SCANNED\t%d\n", r.Scanned)
	fmt.Fprintf(w, "WITHOUT NODESELECTOR\t%d\n", r.Total)
	if r.Notified {
		fmt.Fprintf(w, "NOTIFIED\tyes\n")
	}

	if len(r.Missing) > 0 {
		fmt.Fprintln(w, "\nNAMESPACE\tNAME\tREPLICAS\tNODE AFFINITY")
		for _, d := range r.Missing {
			affinity := "no"
			if d.HasAffinity {
				affinity = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Namespace, d.Name, d.Replicas, affinity)
		}
	}
	return nil
}

func outputWebhookTable(w *tabwriter.Writer, r WebhookTestResult) error {
	fmt.Fprintf(w, "URL:\t%s\n", r.URL)
	fmt.Fprintf(w, "MESSAGE ID:\t%s\n", r.MessageID)
	fmt.Fprintf(w, "STATUS:\t%d\n", r.Status)
	fmt.Fprintf(w, "ATTEMPTS:\t%d\n", r.Attempts)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
