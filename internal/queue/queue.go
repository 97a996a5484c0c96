// Package queue publishes prompt-task messages to the downstream worker queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/keyhole-koro/politopics-ingest/internal/task"
)

const (
	// maxDelaySeconds is the SQS per-message delay ceiling.
	maxDelaySeconds = 900
	// batchSize is the SendMessageBatch entry limit.
	batchSize = 10
)

// MessageType distinguishes the two worker task kinds.
type MessageType string

const (
	TypeMap    MessageType = "map"
	TypeReduce MessageType = "reduce"
)

// Message is a prompt task bound for the worker queue. Map messages carry a
// payload locator; reduce messages carry the chunk-result locators plus the
// reduce prompt and meeting metadata.
type Message struct {
	Type MessageType `json:"type"`

	// map fields
	URL       string `json:"url,omitempty"`
	ResultURL string `json:"result_url,omitempty"`

	// reduce fields
	ChunkResultURLs []string             `json:"chunk_result_urls,omitempty"`
	Prompt          string               `json:"prompt,omitempty"`
	IssueID         string               `json:"issueID,omitempty"`
	Meeting         *task.MeetingSummary `json:"meeting,omitempty"`

	Meta          map[string]any `json:"meta,omitempty"`
	LLM           string         `json:"llm"`
	LLMModel      string         `json:"llmModel"`
	RetryAttempts int            `json:"retryAttempts"`

	// Delay is not serialized; it becomes the SQS DelaySeconds, clamped.
	Delay time.Duration `json:"-"`
}

// Validate checks the fields the worker requires for the message type.
func (m Message) Validate() error {
	if strings.TrimSpace(m.LLM) == "" {
		return fmt.Errorf("llm must be non-empty")
	}
	if strings.TrimSpace(m.LLMModel) == "" {
		return fmt.Errorf("llmModel must be non-empty")
	}
	if m.RetryAttempts < 0 {
		return fmt.Errorf("retryAttempts must be >= 0 (got %d)", m.RetryAttempts)
	}
	switch m.Type {
	case TypeMap:
		if strings.TrimSpace(m.URL) == "" {
			return fmt.Errorf("map message requires a url")
		}
	case TypeReduce:
		if strings.TrimSpace(m.Prompt) == "" {
			return fmt.Errorf("reduce message requires a prompt")
		}
		if strings.TrimSpace(m.IssueID) == "" {
			return fmt.Errorf("reduce message requires an issueID")
		}
		if len(m.ChunkResultURLs) == 0 {
			return fmt.Errorf("reduce message requires chunk_result_urls")
		}
		if m.Meeting == nil {
			return fmt.Errorf("reduce message requires meeting metadata")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func (m Message) delaySeconds() int32 {
	if m.Delay <= 0 {
		return 0
	}
	secs := int64((m.Delay + time.Second - 1) / time.Second)
	if secs > maxDelaySeconds {
		secs = maxDelaySeconds
	}
	return int32(secs)
}

// SQSAPI is the subset of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Publisher enqueues prompt-task messages in batches. A Publisher with an
// empty queue URL is valid and skips publishing with a warning, so local runs
// work without a queue.
type Publisher struct {
	client   SQSAPI
	queueURL string
	logger   *slog.Logger
}

func NewPublisher(client SQSAPI, queueURL string, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue validates and publishes messages in batches of ten. It returns the
// number queued; a failed batch aborts with the count sent so far.
func (p *Publisher) Enqueue(ctx context.Context, messages []Message) (int, error) {
	if p.queueURL == "" {
		if len(messages) > 0 {
			p.logger.Warn("no prompt queue configured, skipping enqueue", "count", len(messages))
		}
		return 0, nil
	}
	if len(messages) == 0 {
		return 0, nil
	}

	entries := make([]types.SendMessageBatchRequestEntry, 0, len(messages))
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			return 0, fmt.Errorf("message %d: %w", i, err)
		}
		body, err := json.Marshal(m)
		if err != nil {
			return 0, fmt.Errorf("marshal message %d: %w", i, err)
		}
		entry := types.SendMessageBatchRequestEntry{
			Id:          aws.String(fmt.Sprintf("m%d", i)),
			MessageBody: aws.String(string(body)),
		}
		if d := m.delaySeconds(); d > 0 {
			entry.DelaySeconds = d
		}
		entries = append(entries, entry)
	}

	sent := 0
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries[start:end],
		})
		if err != nil {
			return sent, fmt.Errorf("send batch starting at %d: %w", start, err)
		}
		if len(out.Failed) > 0 {
			first := out.Failed[0]
			return sent + len(out.Successful), fmt.Errorf("batch starting at %d: %d entries failed (first: %s)",
				start, len(out.Failed), aws.ToString(first.Message))
		}
		sent += end - start
	}

	p.logger.Info("enqueued prompt tasks", "count", sent)
	return sent, nil
}
