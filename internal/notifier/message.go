package notifier

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ijanc/nodeselector-notify/internal/classifier"
	"github.com/ijanc/nodeselector-notify/internal/types"
)

// MessageKind identifies what an outbound message announces.
type MessageKind string

const (
	KindIncident   MessageKind = "Incident"
	KindReminder   MessageKind = "Reminder"
	KindResolution MessageKind = "Resolution"
	KindSummary    MessageKind = "Summary"
	KindTest       MessageKind = "Test"
)

// priority orders messages in the delivery queue. Higher is delivered first
// and dropped last.
func (k MessageKind) priority() int {
	if k == KindReminder {
		return 0
	}
	return 1
}

// SummaryItem is one pod listed in a Summary message.
type SummaryItem struct {
	Ref    types.PodRef
	Reason types.Reason
}

// OutboundMessage is one webhook notification.
type OutboundMessage struct {
	// ID is unique per message and doubles as the idempotency key.
	ID      string
	Kind    MessageKind
	Ref     types.PodRef
	Reason  types.Reason
	Items   []SummaryItem
	Cluster string

	// Since is when the pod was first seen unschedulable.
	Since time.Time
	// Deleted marks a resolution caused by pod deletion.
	Deleted bool
	// Text overrides the rendered text when set.
	Text string

	CreatedAt time.Time
}

// NewMessage creates a message with a fresh ID.
func NewMessage(kind MessageKind, ref types.PodRef, reason types.Reason, cluster string) OutboundMessage {
	return OutboundMessage{
		ID:        uuid.NewString(),
		Kind:      kind,
		Ref:       ref,
		Reason:    reason,
		Cluster:   cluster,
		CreatedAt: time.Now(),
	}
}

// NewSummary creates a Summary message listing several pods.
func NewSummary(items []SummaryItem, cluster string) OutboundMessage {
	return OutboundMessage{
		ID:        uuid.NewString(),
		Kind:      KindSummary,
		Items:     items,
		Cluster:   cluster,
		CreatedAt: time.Now(),
	}
}

// CorrelationKey groups messages about the same incident: the pod plus the
// reason key. Summaries and test messages correlate by ID only.
func (m OutboundMessage) CorrelationKey() string {
	if m.Kind == KindSummary || m.Kind == KindTest {
		return string(m.Kind) + "/" + m.ID
	}
	return m.Ref.String() + "|" + m.Reason.Key()
}

// Render returns the human-readable message text.
func Render(m OutboundMessage) string {
	if m.Text != "" {
		return m.Text
	}
	var b strings.Builder
	switch m.Kind {
	case KindIncident:
		fmt.Fprintf(&b, "⚠️ Pod %s is unschedulable (%s)\nenv: %s", m.Ref, m.Reason.Cause, m.Cluster)
		writeDetail(&b, m.Reason)
	case KindReminder:
		fmt.Fprintf(&b, "⏰ Pod %s is still unschedulable (%s)\nenv: %s", m.Ref, m.Reason.Cause, m.Cluster)
		writeDetail(&b, m.Reason)
		if !m.Since.IsZero() {
			fmt.Fprintf(&b, "\nsince: %s", m.Since.UTC().Format(time.RFC3339))
		}
	case KindResolution:
		if m.Deleted {
			fmt.Fprintf(&b, "✅ Pod %s was deleted, incident closed\nenv: %s", m.Ref, m.Cluster)
		} else {
			fmt.Fprintf(&b, "✅ Pod %s is scheduled again\nenv: %s", m.Ref, m.Cluster)
		}
	case KindSummary:
		fmt.Fprintf(&b, "⚠️ Found %d unschedulable pod(s)\nenv: %s", len(m.Items), m.Cluster)
		for _, it := range m.Items {
			fmt.Fprintf(&b, "\n• %s: %s", it.Ref, it.Reason)
		}
	case KindTest:
		fmt.Fprintf(&b, "🔔 nodeselector-notify test message\nenv: %s", m.Cluster)
	default:
		fmt.Fprintf(&b, "Pod %s: %s\nenv: %s", m.Ref, m.Kind, m.Cluster)
	}
	return b.String()
}

func writeDetail(b *strings.Builder, r types.Reason) {
	if r.Cause == types.CauseNodeSelectorMismatch {
		fmt.Fprintf(b, "\nnodeSelector: %s", types.FormatSelector(r.Selector))
		return
	}
	if d := classifier.Describe(r); d != "" {
		fmt.Fprintf(b, "\nreason: %s", d)
	}
}

// WebhookPayload is the JSON body POSTed to the webhook. The "text" field
// makes it a valid Slack incoming-webhook message; the remaining fields are
// for machine consumers.
type WebhookPayload struct {
	Text         string            `json:"text"`
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Cluster      string            `json:"cluster"`
	Namespace    string            `json:"namespace,omitempty"`
	Pod          string            `json:"pod,omitempty"`
	Cause        string            `json:"cause,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`
	Resolved     bool              `json:"resolved"`
	Items        []PayloadItem     `json:"items,omitempty"`
	Timestamp    string            `json:"timestamp"`
}

// PayloadItem is one entry of a summary payload.
type PayloadItem struct {
	Namespace string `json:"namespace"`
	Pod       string `json:"pod"`
	Cause     string `json:"cause"`
	Reason    string `json:"reason"`
}

// BuildPayload converts a message into its wire form.
func BuildPayload(m OutboundMessage) WebhookPayload {
	p := WebhookPayload{
		Text:     Render(m),
		ID:       m.ID,
		Kind:     string(m.Kind),
		Cluster:  m.Cluster,
		Resolved: m.Kind == KindResolution,
	}
	ts := m.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	p.Timestamp = ts.UTC().Format(time.RFC3339)

	if m.Kind != KindSummary && m.Kind != KindTest {
		p.Namespace = m.Ref.Namespace
		p.Pod = m.Ref.Name
		p.Cause = string(m.Reason.Cause)
		p.Reason = classifier.Describe(m.Reason)
		if len(m.Reason.Selector) > 0 {
			p.NodeSelector = m.Reason.Selector
		}
	}
	for _, it := range m.Items {
		p.Items = append(p.Items, PayloadItem{
			Namespace: it.Ref.Namespace,
			Pod:       it.Ref.Name,
			Cause:     string(it.Reason.Cause),
			Reason:    classifier.Describe(it.Reason),
		})
	}
	return p
}

// MarshalPayload renders and encodes a message.
func MarshalPayload(m OutboundMessage) ([]byte, error) {
	body, err := json.Marshal(BuildPayload(m))
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return body, nil
}
