package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ijanc/nodeselector-notify/internal/classifier"
	"github.com/ijanc/nodeselector-notify/internal/source"
	"github.com/ijanc/nodeselector-notify/internal/types"
)

var (
	classifyAll      bool
	classifySelector string
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [namespace/pod]",
		Short: "Show why pods cannot be scheduled",
		Long: `List pods and classify their scheduling status the same way the watcher does.

Only unschedulable pods are shown unless --all is set. Naming a single pod
classifies just that pod, whatever its status.

Examples:
  # One pod
  nsnotifyctl classify shop/web-5f8d7-x2x9q

  # Unschedulable pods in one namespace
  nsnotifyctl classify -n shop

  # Every pod, as JSON
  nsnotifyctl classify --all -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runClassify,
	}

	cmd.Flags().BoolVarP(&classifyAll, "all", "a", false, "Show every pod, not only unschedulable ones")
	cmd.Flags().StringVarP(&classifySelector, "selector", "l", "", "Label selector to filter pods")

	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) == 1 {
		return classifyOne(ctx, client, args[0])
	}

	src := source.NewKubeSource(client, zap.NewNop(), source.Options{
		Namespace:     namespace,
		LabelSelector: classifySelector,
	})
	snapshots, _, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}

	result := ClassifyResult{Namespace: namespace, Pods: []PodClassification{}}
	for _, snap := range snapshots {
		status := classifier.Classify(snap)
		if status.Unschedulable() {
			result.Unschedulable++
		} else if !classifyAll {
			continue
		}
		result.Pods = append(result.Pods, podClassification(snap, status))
	}
	sort.Slice(result.Pods, func(i, j int) bool {
		if result.Pods[i].Namespace != result.Pods[j].Namespace {
			return result.Pods[i].Namespace < result.Pods[j].Namespace
		}
		return result.Pods[i].Name < result.Pods[j].Name
	})
	result.Total = len(result.Pods)

	return outputResult(result, outputFmt)
}

func classifyOne(ctx context.Context, client kubernetes.Interface, arg string) error {
	ref, err := types.ParsePodRef(arg)
	if err != nil {
		return err
	}
	pod, err := client.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get pod %s: %w", ref, err)
	}

	snap := types.SnapshotFromPod(pod)
	status := classifier.Classify(snap)
	result := ClassifyResult{
		Namespace: ref.Namespace,
		Pods:      []PodClassification{podClassification(snap, status)},
		Total:     1,
	}
	if status.Unschedulable() {
		result.Unschedulable = 1
	}
	return outputResult(result, outputFmt)
}

func podClassification(snap types.PodSnapshot, status types.SchedulingStatus) PodClassification {
	pc := PodClassification{
		Namespace:    snap.Ref.Namespace,
		Name:         snap.Ref.Name,
		Status:       string(status.Phase),
		NodeSelector: types.FormatSelector(snap.NodeSelector),
	}
	if snap.OwnerKind != "" {
		pc.Owner = snap.OwnerKind + "/" + snap.OwnerName
	}
	if status.Unschedulable() {
		pc.Cause = string(status.Reason.Cause)
		pc.Reason = classifier.Describe(status.Reason)
		if !status.Since.IsZero() {
			pc.Since = status.Since.UTC().Format(time.RFC3339)
		}
	}
	return pc
}
