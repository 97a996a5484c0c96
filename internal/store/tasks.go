// Package store persists task records in DynamoDB with idempotent creation
// and a status index for polling pending work.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/keyhole-koro/politopics-ingest/internal/task"
)

// StatusIndex is the secondary index keyed by status (partition) and
// createdAt (sort, ascending).
const StatusIndex = "StatusCreatedAtIndex"

// chunkUpdateRetries bounds the optimistic-concurrency retry loop on chunk
// updates.
const chunkUpdateRetries = 3

var (
	// ErrTaskExists reports a create against an existing pk. Callers treat
	// it as "already exists, skip", which makes re-running ingestion for an
	// overlapping date range safe.
	ErrTaskExists = errors.New("task already exists")

	// ErrTaskNotFound reports an update against a missing pk.
	ErrTaskNotFound = errors.New("task not found")
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// TaskStore exposes create/read/update operations over task records.
type TaskStore struct {
	client DynamoAPI
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// NewTaskStore creates a store over the given client and table.
func NewTaskStore(client DynamoAPI, table string, logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{client: client, table: table, logger: logger, now: time.Now}
}

// CreateTask writes the record guarded by a must-not-exist condition on pk.
// A key collision returns ErrTaskExists, never a stored duplicate.
func (s *TaskStore) CreateTask(ctx context.Context, t task.IssueTask) error {
	if err := t.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.PK, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrTaskExists
		}
		return fmt.Errorf("create task %s: %w", t.PK, err)
	}
	return nil
}

// GetTask point-reads a task. Absence is a valid, non-error result (nil, nil).
func (s *TaskStore) GetTask(ctx context.Context, pk string) (*task.IssueTask, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(pk),
	})
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", pk, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var t task.IssueTask
	if err := attributevalue.UnmarshalMap(out.Item, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", pk, err)
	}
	return &t, nil
}

// GetNextPending returns up to limit pending tasks, oldest first.
func (s *TaskStore) GetNextPending(ctx context.Context, limit int) ([]task.IssueTask, error) {
	if limit <= 0 {
		limit = 1
	}
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(task.StatusPending)},
		},
		Limit:            aws.Int32(int32(limit)),
		ScanIndexForward: aws.Bool(true), // oldest first
	})
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	tasks := make([]task.IssueTask, 0, len(out.Items))
	for _, item := range out.Items {
		var t task.IssueTask
		if err := attributevalue.UnmarshalMap(item, &t); err != nil {
			return nil, fmt.Errorf("unmarshal pending task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// MarkTaskPending advances an ingested task to pending. Tasks already past
// ingested are left alone; a missing pk returns ErrTaskNotFound.
func (s *TaskStore) MarkTaskPending(ctx context.Context, pk string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyOf(pk),
		UpdateExpression:          aws.String("SET #status = :pending, updatedAt = :now"),
		ConditionExpression:       aws.String("attribute_exists(pk) AND #status = :ingested"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":  &types.AttributeValueMemberS{Value: string(task.StatusPending)},
			":ingested": &types.AttributeValueMemberS{Value: string(task.StatusIngested)},
			":now":      &types.AttributeValueMemberS{Value: s.nowISO()},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			existing, getErr := s.GetTask(ctx, pk)
			if getErr != nil {
				return getErr
			}
			if existing == nil {
				return ErrTaskNotFound
			}
			// Already advanced; status is monotonic, so this is a no-op.
			return nil
		}
		return fmt.Errorf("mark task %s pending: %w", pk, err)
	}
	return nil
}

// MarkChunkReady flips exactly the matching chunk from notReady to ready and
// writes back the chunk list under an optimistic version check. Re-invoking
// for an already-ready or absent chunk is a no-op with no spurious write.
func (s *TaskStore) MarkChunkReady(ctx context.Context, pk, chunkID string) (*task.IssueTask, error) {
	for attempt := 0; attempt < chunkUpdateRetries; attempt++ {
		t, err := s.GetTask(ctx, pk)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, ErrTaskNotFound
		}

		idx := -1
		for i, chunk := range t.Chunks {
			if chunk.ID == chunkID {
				idx = i
				break
			}
		}
		if idx < 0 || t.Chunks[idx].Status == task.ChunkReady {
			return t, nil
		}

		updated := make([]task.ChunkItem, len(t.Chunks))
		copy(updated, t.Chunks)
		updated[idx].Status = task.ChunkReady

		chunksAttr, err := attributevalue.Marshal(updated)
		if err != nil {
			return nil, fmt.Errorf("marshal chunks for %s: %w", pk, err)
		}

		_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 keyOf(pk),
			UpdateExpression:    aws.String("SET chunks = :chunks, updatedAt = :now, version = :next"),
			ConditionExpression: aws.String("attribute_exists(pk) AND version = :current"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":chunks":  chunksAttr,
				":now":     &types.AttributeValueMemberS{Value: s.nowISO()},
				":next":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t.Version+1)},
				":current": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t.Version)},
			},
		})
		if err != nil {
			var conditionFailed *types.ConditionalCheckFailedException
			if errors.As(err, &conditionFailed) {
				s.logger.Debug("chunk update version conflict, retrying", "pk", pk, "chunk", chunkID, "attempt", attempt)
				continue
			}
			return nil, fmt.Errorf("mark chunk %s ready on %s: %w", chunkID, pk, err)
		}

		t.Chunks = updated
		t.Version++
		t.UpdatedAt = s.nowISO()
		return t, nil
	}
	return nil, fmt.Errorf("mark chunk %s ready on %s: version conflicts exhausted %d retries", chunkID, pk, chunkUpdateRetries)
}

// MarkTaskSucceeded unconditionally sets status = completed.
func (s *TaskStore) MarkTaskSucceeded(ctx context.Context, pk string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      keyOf(pk),
		UpdateExpression:         aws.String("SET #status = :completed, updatedAt = :now"),
		ConditionExpression:      aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(task.StatusCompleted)},
			":now":       &types.AttributeValueMemberS{Value: s.nowISO()},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("mark task %s succeeded: %w", pk, err)
	}
	return nil
}

func (s *TaskStore) nowISO() string {
	return s.now().UTC().Format(time.RFC3339)
}

func keyOf(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
	}
}
