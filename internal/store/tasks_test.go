package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhole-koro/politopics-ingest/internal/task"
)

// fakeDynamo keeps items in memory and honors the condition and update
// expressions the store issues.
type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue

	// failNextUpdates injects ConditionalCheckFailedException into the next
	// n UpdateItem calls to exercise the optimistic retry loop.
	failNextUpdates int
	updateCalls     int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func itemPK(item map[string]types.AttributeValue) string {
	if v, ok := item["pk"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	pk := itemPK(in.Item)
	if in.ConditionExpression != nil && strings.Contains(*in.ConditionExpression, "attribute_not_exists(pk)") {
		if _, exists := f.items[pk]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	item, ok := f.items[itemPK(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	want := in.ExpressionAttributeValues[":pending"].(*types.AttributeValueMemberS).Value

	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		if s, ok := item["status"].(*types.AttributeValueMemberS); ok && s.Value == want {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a := matched[i]["createdAt"].(*types.AttributeValueMemberS).Value
		b := matched[j]["createdAt"].(*types.AttributeValueMemberS).Value
		return a < b
	})
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: matched}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateCalls++
	if f.failNextUpdates > 0 {
		f.failNextUpdates--
		return nil, &types.ConditionalCheckFailedException{}
	}

	pk := itemPK(in.Key)
	item, exists := f.items[pk]
	if !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}

	cond := ""
	if in.ConditionExpression != nil {
		cond = *in.ConditionExpression
	}
	if strings.Contains(cond, "#status = :ingested") {
		status := item["status"].(*types.AttributeValueMemberS).Value
		if status != string(task.StatusIngested) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	if strings.Contains(cond, "version = :current") {
		current := in.ExpressionAttributeValues[":current"].(*types.AttributeValueMemberN).Value
		have := "0"
		if v, ok := item["version"].(*types.AttributeValueMemberN); ok {
			have = v.Value
		}
		if current != have {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}

	expr := *in.UpdateExpression
	switch {
	case strings.Contains(expr, ":pending"):
		item["status"] = in.ExpressionAttributeValues[":pending"]
		item["updatedAt"] = in.ExpressionAttributeValues[":now"]
	case strings.Contains(expr, ":completed"):
		item["status"] = in.ExpressionAttributeValues[":completed"]
		item["updatedAt"] = in.ExpressionAttributeValues[":now"]
	case strings.Contains(expr, ":chunks"):
		item["chunks"] = in.ExpressionAttributeValues[":chunks"]
		item["updatedAt"] = in.ExpressionAttributeValues[":now"]
		item["version"] = in.ExpressionAttributeValues[":next"]
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func storeLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleTask(pk string, createdAt time.Time) task.IssueTask {
	t := task.NewChunkedTask(pk,
		task.MeetingSummary{IssueID: pk, NameOfMeeting: "本会議", NameOfHouse: "衆議院", Date: "2025-09-01", NumberOfSpeeches: 4},
		"s3://b/prompts/reduce/"+pk+".json",
		"s3://b/results/"+pk+"_reduce.json",
		"s3://b/attachedAssets/"+pk+".json",
		[]task.ChunkItem{
			{ID: "CHUNK#0", PromptKey: "prompts/" + pk + "_0-1.json", Status: task.ChunkNotReady},
			{ID: "CHUNK#1", PromptKey: "prompts/" + pk + "_2.json", Status: task.ChunkNotReady},
		},
		createdAt,
	)
	return t
}

func TestCreateTask_Idempotent(t *testing.T) {
	fake := newFakeDynamo()
	s := NewTaskStore(fake, "tasks", storeLogger())
	ctx := context.Background()

	first := sampleTask("MTG-1", time.Now())
	require.NoError(t, s.CreateTask(ctx, first))

	err := s.CreateTask(ctx, sampleTask("MTG-1", time.Now()))
	require.ErrorIs(t, err, ErrTaskExists)
	assert.Len(t, fake.items, 1)

	got, err := s.GetTask(ctx, "MTG-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
}

func TestGetTask_AbsenceIsNotAnError(t *testing.T) {
	s := NewTaskStore(newFakeDynamo(), "tasks", storeLogger())
	got, err := s.GetTask(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetNextPending_OldestFirst(t *testing.T) {
	fake := newFakeDynamo()
	s := NewTaskStore(fake, "tasks", storeLogger())
	ctx := context.Background()

	base := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	for i, pk := range []string{"MTG-c", "MTG-a", "MTG-b"} {
		tk := sampleTask(pk, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.CreateTask(ctx, tk))
		require.NoError(t, s.MarkTaskPending(ctx, pk))
	}

	got, err := s.GetNextPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "MTG-c", got[0].PK)
	assert.Equal(t, "MTG-a", got[1].PK)
	for _, tk := range got {
		assert.NotEmpty(t, tk.Status)
		assert.NotEmpty(t, tk.CreatedAt)
	}
}

func TestMarkTaskPending(t *testing.T) {
	fake := newFakeDynamo()
	s := NewTaskStore(fake, "tasks", storeLogger())
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, sampleTask("MTG-1", time.Now())))
	require.NoError(t, s.MarkTaskPending(ctx, "MTG-1"))

	got, err := s.GetTask(ctx, "MTG-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)

	// Already pending: monotonic no-op.
	require.NoError(t, s.MarkTaskPending(ctx, "MTG-1"))

	// Missing pk surfaces not-found.
	require.ErrorIs(t, s.MarkTaskPending(ctx, "missing"), ErrTaskNotFound)
}

func TestMarkChunkReady(t *testing.T) {
	fake := newFakeDynamo()
	s := NewTaskStore(fake, "tasks", storeLogger())
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, sampleTask("MTG-1", time.Now())))

	got, err := s.MarkChunkReady(ctx, "MTG-1", "CHUNK#0")
	require.NoError(t, err)
	assert.Equal(t, task.ChunkReady, got.Chunks[0].Status)
	assert.Equal(t, task.ChunkNotReady, got.Chunks[1].Status)
	assert.Equal(t, 1, got.Version)

	writesAfterFirst := fake.updateCalls

	// Re-invoking for a ready chunk is a no-op with no spurious write.
	again, err := s.MarkChunkReady(ctx, "MTG-1", "CHUNK#0")
	require.NoError(t, err)
	assert.Equal(t, task.ChunkReady, again.Chunks[0].Status)
	assert.Equal(t, writesAfterFirst, fake.updateCalls)

	// Absent chunk id is also a no-op.
	_, err = s.MarkChunkReady(ctx, "MTG-1", "CHUNK#9")
	require.NoError(t, err)
	assert.Equal(t, writesAfterFirst, fake.updateCalls)

	// Missing task surfaces not-found.
	_, err = s.MarkChunkReady(ctx, "missing", "CHUNK#0")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMarkChunkReady_RetriesVersionConflict(t *testing.T) {
	fake := newFakeDynamo()
	s := NewTaskStore(fake, "tasks", storeLogger())
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, sampleTask("MTG-1", time.Now())))
	fake.failNextUpdates = 1

	got, err := s.MarkChunkReady(ctx, "MTG-1", "CHUNK#1")
	require.NoError(t, err)
	assert.Equal(t, task.ChunkReady, got.Chunks[1].Status)
}

func TestMarkTaskSucceeded(t *testing.T) {
	fake := newFakeDynamo()
	s := NewTaskStore(fake, "tasks", storeLogger())
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, sampleTask("MTG-1", time.Now())))
	require.NoError(t, s.MarkTaskSucceeded(ctx, "MTG-1"))

	got, err := s.GetTask(ctx, "MTG-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)

	require.ErrorIs(t, s.MarkTaskSucceeded(ctx, "missing"), ErrTaskNotFound)
}

func TestRoundTripThroughAttributeValues(t *testing.T) {
	// Chunks survive the marshal/unmarshal pair the fake exercises.
	tk := sampleTask("MTG-1", time.Now())
	item, err := attributevalue.MarshalMap(tk)
	require.NoError(t, err)
	var back task.IssueTask
	require.NoError(t, attributevalue.UnmarshalMap(item, &back))
	assert.Equal(t, tk.Chunks, back.Chunks)
	assert.Equal(t, tk.Meeting, back.Meeting)
}

func TestCreateTask_RejectsInvalidVariant(t *testing.T) {
	s := NewTaskStore(newFakeDynamo(), "tasks", storeLogger())
	bad := sampleTask("MTG-1", time.Now())
	bad.Chunks = nil // chunked task without chunks
	err := s.CreateTask(context.Background(), bad)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrTaskExists))
}
