// Package notify delivers fire-and-forget webhook notifications for run
// events. Delivery failures are logged and never fail the ingestion run.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
)

// Webhook embed colors.
const (
	colorError = 0xE74C3C
	colorWarn  = 0xF1C40F
	colorBatch = 0x2ECC71
)

// Field is one name/value pair in a notification.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type payload struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Color   int     `json:"color"`
	Label   string  `json:"label"`
	Fields  []Field `json:"fields"`
}

// TaskCreationSummary describes the outcome of one ingestion run.
type TaskCreationSummary struct {
	Range             dietapi.RunRange
	MeetingsProcessed int
	CreatedCount      int
	ExistingCount     int
	IssueIDs          []string
}

// Notifier posts structured messages to per-severity webhooks. Any webhook
// may be empty, which silently disables that channel.
type Notifier struct {
	http         *resty.Client
	errorWebhook string
	warnWebhook  string
	batchWebhook string
	logger       *slog.Logger
}

var _ dietapi.ViolationReporter = (*Notifier)(nil)

// New creates a notifier.
func New(errorWebhook, warnWebhook, batchWebhook string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		http:         resty.New().SetTimeout(10 * time.Second),
		errorWebhook: errorWebhook,
		warnWebhook:  warnWebhook,
		batchWebhook: batchWebhook,
		logger:       logger,
	}
}

// ReportSchemaViolation sends a schema-violation event with the aggregated
// message and the per-field issues.
func (n *Notifier) ReportSchemaViolation(ctx context.Context, aggregated string, issues []dietapi.Issue) {
	fields := make([]Field, 0, len(issues)+1)
	fields = append(fields, Field{Name: "Summary", Value: truncate(aggregated, 900)})
	for _, issue := range issues {
		fields = append(fields, Field{Name: issue.Path, Value: truncate(issue.Message, 200)})
	}
	n.send(ctx, n.warnWebhook, n.errorWebhook, payload{
		Title:   "Upstream payload failed validation",
		Content: "schema violation during ingestion",
		Color:   colorWarn,
		Label:   "ingest-schema-violation",
		Fields:  fields,
	})
}

// RunError reports a run-level failure.
func (n *Notifier) RunError(ctx context.Context, message string, rng dietapi.RunRange, err error) {
	fields := rangeFields(rng)
	if err != nil {
		fields = append(fields, Field{Name: "Error", Value: truncate(err.Error(), 900)})
	}
	n.send(ctx, n.errorWebhook, "", payload{
		Title:   message,
		Content: "ingestion run failed",
		Color:   colorError,
		Label:   "ingest-error",
		Fields:  fields,
	})
}

// RunWarning reports a non-fatal run condition (partial data, skipped work).
func (n *Notifier) RunWarning(ctx context.Context, message string, rng dietapi.RunRange, detail string) {
	fields := rangeFields(rng)
	if detail != "" {
		fields = append(fields, Field{Name: "Detail", Value: truncate(detail, 900)})
	}
	n.send(ctx, n.warnWebhook, n.errorWebhook, payload{
		Title:   message,
		Content: "ingestion run warning",
		Color:   colorWarn,
		Label:   "ingest-warning",
		Fields:  fields,
	})
}

// TasksCreated announces a completed run that registered new tasks.
func (n *Notifier) TasksCreated(ctx context.Context, summary TaskCreationSummary) {
	if summary.CreatedCount <= 0 {
		return
	}
	fields := append(rangeFields(summary.Range),
		Field{Name: "New tasks", Value: fmt.Sprintf("%d", summary.CreatedCount), Inline: true},
		Field{Name: "Meetings processed", Value: fmt.Sprintf("%d", summary.MeetingsProcessed), Inline: true},
		Field{Name: "Existing tasks", Value: fmt.Sprintf("%d", summary.ExistingCount), Inline: true},
	)
	if len(summary.IssueIDs) > 0 {
		preview := summary.IssueIDs
		suffix := ""
		if len(preview) > 5 {
			preview = preview[:5]
			suffix = " …"
		}
		value := ""
		for i, id := range preview {
			if i > 0 {
				value += ", "
			}
			value += id
		}
		fields = append(fields, Field{Name: "Issue IDs", Value: value + suffix})
	}
	n.send(ctx, n.batchWebhook, n.warnWebhook, payload{
		Title:   "Task registration completed",
		Content: fmt.Sprintf("registered %d tasks", summary.CreatedCount),
		Color:   colorBatch,
		Label:   "ingest-batch",
		Fields:  fields,
	})
}

// TaskWriteFailure reports a failed task persist for one meeting.
func (n *Notifier) TaskWriteFailure(ctx context.Context, pk, meetingName string, err error) {
	n.send(ctx, n.warnWebhook, n.errorWebhook, payload{
		Title:   "Task write failed",
		Content: "failed to persist task",
		Color:   colorWarn,
		Label:   "ingest-task-write-failed",
		Fields: []Field{
			{Name: "Task ID", Value: pk, Inline: true},
			{Name: "Meeting", Value: meetingName},
			{Name: "Error", Value: truncate(err.Error(), 900)},
		},
	})
}

func (n *Notifier) send(ctx context.Context, webhook, fallback string, p payload) {
	target := webhook
	if target == "" {
		target = fallback
	}
	if target == "" {
		return
	}
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(p).
		Post(target)
	if err != nil {
		n.logger.Warn("notification delivery failed", "label", p.Label, "error", err)
		return
	}
	if resp.IsError() {
		n.logger.Warn("notification rejected", "label", p.Label, "status", resp.Status())
	}
}

func rangeFields(rng dietapi.RunRange) []Field {
	if rng.From == "" && rng.Until == "" {
		return nil
	}
	return []Field{{Name: "Range", Value: rng.From + " → " + rng.Until, Inline: true}}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
