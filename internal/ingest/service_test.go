package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhole-koro/politopics-ingest/internal/config"
	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
	"github.com/keyhole-koro/politopics-ingest/internal/notify"
	"github.com/keyhole-koro/politopics-ingest/internal/packing"
	"github.com/keyhole-koro/politopics-ingest/internal/queue"
	"github.com/keyhole-koro/politopics-ingest/internal/store"
	"github.com/keyhole-koro/politopics-ingest/internal/task"
)

type fakeFetcher struct {
	meetings []dietapi.RawMeetingRecord
	count    int
	err      error
}

func (f *fakeFetcher) Fetch(context.Context, dietapi.RunRange, dietapi.FetchOptions) ([]dietapi.RawMeetingRecord, int, error) {
	return f.meetings, f.count, f.err
}

// flatCounter charges a fixed token cost per text.
type flatCounter struct{ per int }

func (c flatCounter) CountTokens(context.Context, string) (int, error) { return c.per, nil }

type fakeBuilder struct {
	plans map[string]*task.IssueTask // issueID -> plan; absent means skip
	err   error
}

func (b *fakeBuilder) BuildPlan(_ context.Context, meeting dietapi.RawMeetingRecord, _ []packing.IndexPack, _ task.BudgetContext) (*task.IssueTask, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.plans[meeting.IssueID], nil
}

type fakeTasks struct {
	existing  map[string]*task.IssueTask
	created   []task.IssueTask
	pending   []string
	createErr error
}

func (s *fakeTasks) GetTask(_ context.Context, pk string) (*task.IssueTask, error) {
	return s.existing[pk], nil
}

func (s *fakeTasks) CreateTask(_ context.Context, t task.IssueTask) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, t)
	return nil
}

func (s *fakeTasks) MarkTaskPending(_ context.Context, pk string) error {
	s.pending = append(s.pending, pk)
	return nil
}

type fakeQueue struct {
	messages []queue.Message
	sent     int // 0 with nil err models "no queue configured"
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, msgs []queue.Message) (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	q.messages = append(q.messages, msgs...)
	if q.sent >= 0 {
		return q.sent, nil
	}
	return len(msgs), nil
}

type recordingNotifier struct {
	errors    []string
	warnings  []string
	summaries []notify.TaskCreationSummary
	failures  []string
}

func (n *recordingNotifier) RunError(_ context.Context, msg string, _ dietapi.RunRange, _ error) {
	n.errors = append(n.errors, msg)
}

func (n *recordingNotifier) RunWarning(_ context.Context, msg string, _ dietapi.RunRange, _ string) {
	n.warnings = append(n.warnings, msg)
}

func (n *recordingNotifier) TasksCreated(_ context.Context, s notify.TaskCreationSummary) {
	n.summaries = append(n.summaries, s)
}

func (n *recordingNotifier) TaskWriteFailure(_ context.Context, pk, _ string, _ error) {
	n.failures = append(n.failures, pk)
}

func serviceConfig() config.Config {
	return config.Config{
		MaxInputTokens:   1000,
		MaxRecordsPage:   30,
		ChunkDays:        7,
		CountConcurrency: 2,
		IngestionMode:    config.ModeIssueID,
		LLMProvider:      "gemini",
		LLMModel:         "gemini-2.5-pro",
	}
}

func meetingWithSpeeches(issueID string, n int) dietapi.RawMeetingRecord {
	m := dietapi.RawMeetingRecord{
		IssueID:       issueID,
		Session:       217,
		NameOfHouse:   "衆議院",
		NameOfMeeting: "本会議",
		Date:          "2025-08-20",
	}
	for i := 0; i < n; i++ {
		m.SpeechRecord = append(m.SpeechRecord, dietapi.RawSpeechRecord{
			SpeechID:    issueID + "-s" + string(rune('a'+i)),
			SpeechOrder: i,
			Speaker:     "議員",
			Speech:      "発言",
		})
	}
	return m
}

func chunkedPlan(pk string) *task.IssueTask {
	t := task.NewChunkedTask(pk,
		task.MeetingSummary{IssueID: pk, NameOfMeeting: "本会議", NameOfHouse: "衆議院", Date: "2025-08-20", NumberOfSpeeches: 3},
		"s3://b/prompts/reduce/"+pk+".json",
		"s3://b/results/"+pk+"_reduce.json",
		"s3://b/attachedAssets/"+pk+".json",
		[]task.ChunkItem{
			{ID: "CHUNK#0", PromptURL: "s3://b/prompts/" + pk + "_0-1.json", ResultURL: "s3://b/results/" + pk + "_0-1_result.json", Status: task.ChunkNotReady},
			{ID: "CHUNK#1", PromptURL: "s3://b/prompts/" + pk + "_2.json", ResultURL: "s3://b/results/" + pk + "_2_result.json", Status: task.ChunkNotReady},
		},
		time.Now(),
	)
	return &t
}

func newTestService(fetcher *fakeFetcher, builder *fakeBuilder, tasks *fakeTasks, q *fakeQueue, n *recordingNotifier) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(serviceConfig(), fetcher, flatCounter{per: 10}, builder, tasks, q, n, logger)
	svc.newRunID = func() string { return "run-1" }
	return svc
}

func testRange() dietapi.RunRange {
	return dietapi.RunRange{From: "2025-08-11", Until: "2025-09-01"}
}

func TestRun_CreatesAndQueuesChunkedTask(t *testing.T) {
	fetcher := &fakeFetcher{meetings: []dietapi.RawMeetingRecord{meetingWithSpeeches("MTG-1", 3)}, count: 1}
	builder := &fakeBuilder{plans: map[string]*task.IssueTask{"MTG-1": chunkedPlan("MTG-1")}}
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{}}
	q := &fakeQueue{sent: -1}
	n := &recordingNotifier{}

	got, err := newTestService(fetcher, builder, tasks, q, n).Run(context.Background(), testRange(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, got.Created)
	assert.Equal(t, []string{"MTG-1"}, got.IssueIDs)
	require.Len(t, tasks.created, 1)
	assert.Equal(t, task.StatusIngested, tasks.created[0].Status)
	assert.Equal(t, []string{"MTG-1"}, tasks.pending)

	// Two chunk map messages plus one reduce message.
	require.Len(t, q.messages, 3)
	assert.Equal(t, queue.TypeMap, q.messages[0].Type)
	assert.Equal(t, queue.TypeMap, q.messages[1].Type)
	assert.Equal(t, queue.TypeReduce, q.messages[2].Type)
	assert.Equal(t, []string{
		"s3://b/results/MTG-1_0-1_result.json",
		"s3://b/results/MTG-1_2_result.json",
	}, q.messages[2].ChunkResultURLs)

	require.Len(t, n.summaries, 1)
	assert.Equal(t, 1, n.summaries[0].CreatedCount)
}

func TestRun_SingleChunkProducesOneMessage(t *testing.T) {
	plan := task.NewSingleChunkTask("MTG-1",
		task.MeetingSummary{IssueID: "MTG-1", NumberOfSpeeches: 1},
		"s3://b/prompts/reduce/MTG-1_direct.json",
		"s3://b/results/MTG-1_reduce.json",
		"s3://b/attachedAssets/MTG-1.json",
		time.Now(),
	)
	fetcher := &fakeFetcher{meetings: []dietapi.RawMeetingRecord{meetingWithSpeeches("MTG-1", 1)}, count: 1}
	builder := &fakeBuilder{plans: map[string]*task.IssueTask{"MTG-1": &plan}}
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{}}
	q := &fakeQueue{sent: -1}

	_, err := newTestService(fetcher, builder, tasks, q, &recordingNotifier{}).Run(context.Background(), testRange(), false)
	require.NoError(t, err)
	require.Len(t, q.messages, 1)
	assert.Equal(t, queue.TypeMap, q.messages[0].Type)
	assert.Equal(t, "s3://b/prompts/reduce/MTG-1_direct.json", q.messages[0].URL)
}

func TestRun_SkipsExistingAndBlankMeetings(t *testing.T) {
	existing := chunkedPlan("MTG-old")
	fetcher := &fakeFetcher{
		meetings: []dietapi.RawMeetingRecord{
			meetingWithSpeeches("MTG-old", 2),
			meetingWithSpeeches("  ", 2),
			meetingWithSpeeches("MTG-new", 2),
		},
		count: 3,
	}
	builder := &fakeBuilder{plans: map[string]*task.IssueTask{"MTG-new": chunkedPlan("MTG-new")}}
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{"MTG-old": existing}}
	q := &fakeQueue{sent: -1}

	got, err := newTestService(fetcher, builder, tasks, q, &recordingNotifier{}).Run(context.Background(), testRange(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Created)
	assert.Equal(t, 1, got.AlreadyExists)
	assert.Equal(t, 1, got.Skipped)
	require.Len(t, tasks.created, 1)
	assert.Equal(t, "MTG-new", tasks.created[0].PK)
}

func TestRun_BuilderSkipCountsAsSkipped(t *testing.T) {
	fetcher := &fakeFetcher{meetings: []dietapi.RawMeetingRecord{meetingWithSpeeches("MTG-1", 2)}, count: 1}
	builder := &fakeBuilder{plans: map[string]*task.IssueTask{}} // no plan for MTG-1
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{}}

	got, err := newTestService(fetcher, builder, tasks, &fakeQueue{sent: -1}, &recordingNotifier{}).Run(context.Background(), testRange(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Skipped)
	assert.Zero(t, got.Created)
	assert.Empty(t, tasks.created)
}

func TestRun_ConcurrentCreateTreatedAsExisting(t *testing.T) {
	fetcher := &fakeFetcher{meetings: []dietapi.RawMeetingRecord{meetingWithSpeeches("MTG-1", 2)}, count: 1}
	builder := &fakeBuilder{plans: map[string]*task.IssueTask{"MTG-1": chunkedPlan("MTG-1")}}
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{}, createErr: store.ErrTaskExists}
	n := &recordingNotifier{}

	got, err := newTestService(fetcher, builder, tasks, &fakeQueue{sent: -1}, n).Run(context.Background(), testRange(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AlreadyExists)
	assert.Zero(t, got.Created)
	assert.Empty(t, n.failures)
}

func TestRun_EnqueueFailureLeavesTaskIngested(t *testing.T) {
	fetcher := &fakeFetcher{meetings: []dietapi.RawMeetingRecord{meetingWithSpeeches("MTG-1", 2)}, count: 1}
	builder := &fakeBuilder{plans: map[string]*task.IssueTask{"MTG-1": chunkedPlan("MTG-1")}}
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{}}
	q := &fakeQueue{err: errors.New("sqs down")}
	n := &recordingNotifier{}

	got, err := newTestService(fetcher, builder, tasks, q, n).Run(context.Background(), testRange(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Created)
	assert.Zero(t, got.Queued)
	assert.Empty(t, tasks.pending)
	assert.Contains(t, n.warnings, "prompt enqueue failed")
}

func TestRun_NoQueueConfiguredSkipsPendingTransition(t *testing.T) {
	fetcher := &fakeFetcher{meetings: []dietapi.RawMeetingRecord{meetingWithSpeeches("MTG-1", 2)}, count: 1}
	builder := &fakeBuilder{plans: map[string]*task.IssueTask{"MTG-1": chunkedPlan("MTG-1")}}
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{}}
	q := &fakeQueue{sent: 0} // publisher without a queue URL reports zero sent

	got, err := newTestService(fetcher, builder, tasks, q, &recordingNotifier{}).Run(context.Background(), testRange(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Created)
	assert.Empty(t, tasks.pending)
}

func TestRun_FetchFailureAborts(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	n := &recordingNotifier{}

	_, err := newTestService(fetcher, &fakeBuilder{}, &fakeTasks{}, &fakeQueue{sent: -1}, n).Run(context.Background(), testRange(), false)
	require.Error(t, err)
	assert.Contains(t, n.errors, "meeting fetch failed")
}

func TestRun_PartialFetchContinues(t *testing.T) {
	fetcher := &fakeFetcher{
		meetings: []dietapi.RawMeetingRecord{meetingWithSpeeches("MTG-1", 2)},
		count:    5,
		err:      errors.New("one window failed"),
	}
	builder := &fakeBuilder{plans: map[string]*task.IssueTask{"MTG-1": chunkedPlan("MTG-1")}}
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{}}
	n := &recordingNotifier{}

	got, err := newTestService(fetcher, builder, tasks, &fakeQueue{sent: -1}, n).Run(context.Background(), testRange(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Created)
	assert.Contains(t, n.warnings, "partial meeting fetch")
}

func TestRun_PromptOverBudgetAborts(t *testing.T) {
	fetcher := &fakeFetcher{meetings: []dietapi.RawMeetingRecord{meetingWithSpeeches("MTG-1", 2)}, count: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := serviceConfig()
	cfg.MaxInputTokens = 5 // below the flat 10-token instruction cost
	n := &recordingNotifier{}
	svc := NewService(cfg, fetcher, flatCounter{per: 10}, &fakeBuilder{}, &fakeTasks{}, &fakeQueue{sent: -1}, n, logger)

	_, err := svc.Run(context.Background(), testRange(), false)
	require.Error(t, err)
	assert.Contains(t, n.errors, "prompt exceeds token budget")
}

func TestRun_NoMeetingsIsCleanNoop(t *testing.T) {
	fetcher := &fakeFetcher{count: 0}
	tasks := &fakeTasks{existing: map[string]*task.IssueTask{}}
	n := &recordingNotifier{}

	got, err := newTestService(fetcher, &fakeBuilder{}, tasks, &fakeQueue{sent: -1}, n).Run(context.Background(), testRange(), false)
	require.NoError(t, err)
	assert.Zero(t, got.Created)
	assert.Empty(t, tasks.created)
	assert.Empty(t, n.summaries)
}
