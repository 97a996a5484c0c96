// Package task defines the durable unit of work produced by ingestion and
// the plan builder that assembles it.
package task

import (
	"fmt"
	"time"
)

// Status is the task lifecycle state. It advances monotonically
// ingested -> pending -> completed; remake is a manual re-entry point not
// produced by ingestion.
type Status string

const (
	StatusIngested  Status = "ingested"
	StatusPending   Status = "pending"
	StatusRemake    Status = "remake"
	StatusCompleted Status = "completed"
)

// ProcessingMode discriminates the two task variants.
type ProcessingMode string

const (
	ModeSingleChunk ProcessingMode = "single_chunk"
	ModeChunked     ProcessingMode = "chunked"
)

// ChunkStatus tracks one chunk's progress.
type ChunkStatus string

const (
	ChunkNotReady ChunkStatus = "notReady"
	ChunkReady    ChunkStatus = "ready"
)

// MeetingSummary is the denormalized meeting info carried on a task.
type MeetingSummary struct {
	IssueID          string `dynamodbav:"issueID" json:"issueID"`
	NameOfMeeting    string `dynamodbav:"nameOfMeeting" json:"nameOfMeeting"`
	NameOfHouse      string `dynamodbav:"nameOfHouse" json:"nameOfHouse"`
	Date             string `dynamodbav:"date" json:"date"`
	Session          int    `dynamodbav:"session" json:"session"`
	NumberOfSpeeches int    `dynamodbav:"numberOfSpeeches" json:"numberOfSpeeches"`
}

// ChunkItem is one token-budgeted chunk of a chunked task. The chunk id set
// is fixed for the task's lifetime; only Status changes, exactly once.
type ChunkItem struct {
	ID        string      `dynamodbav:"id" json:"id"` // CHUNK#n
	PromptKey string      `dynamodbav:"promptKey" json:"promptKey"`
	PromptURL string      `dynamodbav:"promptURL" json:"promptURL"`
	ResultURL string      `dynamodbav:"resultURL" json:"resultURL"`
	Status    ChunkStatus `dynamodbav:"status" json:"status"`
}

// IssueTask is the durable, idempotently-created unit of work for one
// meeting. Version backs the optimistic-concurrency check on chunk updates.
type IssueTask struct {
	PK             string         `dynamodbav:"pk" json:"pk"`
	Status         Status         `dynamodbav:"status" json:"status"`
	ProcessingMode ProcessingMode `dynamodbav:"processingMode" json:"processingMode"`
	CreatedAt      string         `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt      string         `dynamodbav:"updatedAt" json:"updatedAt"`
	Meeting        MeetingSummary `dynamodbav:"meeting" json:"meeting"`
	PromptURL      string         `dynamodbav:"promptURL" json:"promptURL"`
	ResultURL      string         `dynamodbav:"resultURL" json:"resultURL"`
	Chunks         []ChunkItem    `dynamodbav:"chunks" json:"chunks"`
	AttachedAssets string         `dynamodbav:"attachedAssets" json:"attachedAssets"`
	RetryAttempts  int            `dynamodbav:"retryAttempts" json:"retryAttempts"`
	Version        int            `dynamodbav:"version" json:"version"`
}

// NewSingleChunkTask builds the single_chunk variant: one prompt payload
// covering the whole meeting, no chunks.
func NewSingleChunkTask(pk string, meeting MeetingSummary, promptURL, resultURL, assetsURL string, now time.Time) IssueTask {
	ts := now.UTC().Format(time.RFC3339)
	return IssueTask{
		PK:             pk,
		Status:         StatusIngested,
		ProcessingMode: ModeSingleChunk,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		Meeting:        meeting,
		PromptURL:      promptURL,
		ResultURL:      resultURL,
		Chunks:         []ChunkItem{},
		AttachedAssets: assetsURL,
	}
}

// NewChunkedTask builds the chunked variant: per-chunk prompts plus a reduce
// prompt referencing every chunk's result locator.
func NewChunkedTask(pk string, meeting MeetingSummary, reducePromptURL, resultURL, assetsURL string, chunks []ChunkItem, now time.Time) IssueTask {
	ts := now.UTC().Format(time.RFC3339)
	return IssueTask{
		PK:             pk,
		Status:         StatusIngested,
		ProcessingMode: ModeChunked,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		Meeting:        meeting,
		PromptURL:      reducePromptURL,
		ResultURL:      resultURL,
		Chunks:         chunks,
		AttachedAssets: assetsURL,
	}
}

// Validate enforces the variant invariants the two constructors establish.
func (t IssueTask) Validate() error {
	if t.PK == "" {
		return fmt.Errorf("task is missing pk")
	}
	if t.Status == "" || t.CreatedAt == "" {
		return fmt.Errorf("task %s is missing status or createdAt", t.PK)
	}
	switch t.ProcessingMode {
	case ModeSingleChunk:
		if len(t.Chunks) != 0 {
			return fmt.Errorf("single_chunk task %s must carry no chunks", t.PK)
		}
	case ModeChunked:
		if len(t.Chunks) == 0 {
			return fmt.Errorf("chunked task %s must carry at least one chunk", t.PK)
		}
	default:
		return fmt.Errorf("task %s has unknown processing mode %q", t.PK, t.ProcessingMode)
	}
	return nil
}
