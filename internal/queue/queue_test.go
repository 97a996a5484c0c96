package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhole-koro/politopics-ingest/internal/task"
)

type fakeSQS struct {
	batches [][]types.SendMessageBatchRequestEntry
	err     error
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, in.Entries)
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range in.Entries {
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mapMessage(url string) Message {
	return Message{
		Type:     TypeMap,
		URL:      url,
		LLM:      "gemini",
		LLMModel: "gemini-2.5-pro",
	}
}

func TestEnqueue_BatchesOfTen(t *testing.T) {
	fake := &fakeSQS{}
	p := NewPublisher(fake, "http://localhost:4566/q", testLogger())

	msgs := make([]Message, 23)
	for i := range msgs {
		msgs[i] = mapMessage("s3://b/prompts/x.json")
	}

	sent, err := p.Enqueue(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, 23, sent)
	require.Len(t, fake.batches, 3)
	assert.Len(t, fake.batches[0], 10)
	assert.Len(t, fake.batches[1], 10)
	assert.Len(t, fake.batches[2], 3)
}

func TestEnqueue_NoQueueConfigured(t *testing.T) {
	fake := &fakeSQS{}
	p := NewPublisher(fake, "", testLogger())

	sent, err := p.Enqueue(context.Background(), []Message{mapMessage("s3://b/k")})
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, fake.batches)
}

func TestEnqueue_DelayClamp(t *testing.T) {
	fake := &fakeSQS{}
	p := NewPublisher(fake, "http://localhost:4566/q", testLogger())

	m := mapMessage("s3://b/k")
	m.Delay = 2 * time.Hour

	_, err := p.Enqueue(context.Background(), []Message{m})
	require.NoError(t, err)
	require.Len(t, fake.batches, 1)
	assert.Equal(t, int32(900), fake.batches[0][0].DelaySeconds)
}

func TestEnqueue_ReduceBody(t *testing.T) {
	fake := &fakeSQS{}
	p := NewPublisher(fake, "http://localhost:4566/q", testLogger())

	m := Message{
		Type:            TypeReduce,
		ChunkResultURLs: []string{"s3://b/results/MTG-1_0-1_result.json"},
		Prompt:          "combine the chunk results",
		IssueID:         "MTG-1",
		Meeting: &task.MeetingSummary{
			IssueID: "MTG-1", NameOfMeeting: "本会議", NameOfHouse: "衆議院",
			Date: "2025-09-01", NumberOfSpeeches: 12,
		},
		LLM:      "gemini",
		LLMModel: "gemini-2.5-pro",
	}

	_, err := p.Enqueue(context.Background(), []Message{m})
	require.NoError(t, err)
	require.Len(t, fake.batches, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(fake.batches[0][0].MessageBody)), &body))
	assert.Equal(t, "reduce", body["type"])
	assert.Equal(t, "MTG-1", body["issueID"])
	assert.NotContains(t, body, "url")
}

func TestEnqueue_ValidationErrors(t *testing.T) {
	p := NewPublisher(&fakeSQS{}, "http://localhost:4566/q", testLogger())
	ctx := context.Background()

	cases := []struct {
		name string
		msg  Message
	}{
		{"map without url", Message{Type: TypeMap, LLM: "gemini", LLMModel: "m"}},
		{"missing llm", Message{Type: TypeMap, URL: "s3://b/k", LLMModel: "m"}},
		{"reduce without chunk urls", Message{Type: TypeReduce, Prompt: "p", IssueID: "i", LLM: "gemini", LLMModel: "m", Meeting: &task.MeetingSummary{}}},
		{"unknown type", Message{Type: "shuffle", LLM: "gemini", LLMModel: "m"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Enqueue(ctx, []Message{tc.msg})
			require.Error(t, err)
		})
	}
}

func TestEnqueue_SendFailure(t *testing.T) {
	fake := &fakeSQS{err: errors.New("boom")}
	p := NewPublisher(fake, "http://localhost:4566/q", testLogger())

	sent, err := p.Enqueue(context.Background(), []Message{mapMessage("s3://b/k")})
	require.Error(t, err)
	assert.Zero(t, sent)
}
