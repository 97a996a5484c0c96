// Package ingest orchestrates one ingestion run: fetch meetings for a
// range, pack speeches into the token budget, persist task plans and hand
// the prompt work to the downstream queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyhole-koro/politopics-ingest/internal/config"
	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
	"github.com/keyhole-koro/politopics-ingest/internal/metrics"
	"github.com/keyhole-koro/politopics-ingest/internal/notify"
	"github.com/keyhole-koro/politopics-ingest/internal/packing"
	"github.com/keyhole-koro/politopics-ingest/internal/prompts"
	"github.com/keyhole-koro/politopics-ingest/internal/queue"
	"github.com/keyhole-koro/politopics-ingest/internal/store"
	"github.com/keyhole-koro/politopics-ingest/internal/task"
	"github.com/keyhole-koro/politopics-ingest/internal/tokens"
)

// Fetcher retrieves every meeting record for a range.
type Fetcher interface {
	Fetch(ctx context.Context, rng dietapi.RunRange, opts dietapi.FetchOptions) ([]dietapi.RawMeetingRecord, int, error)
}

// PlanBuilder turns one meeting plus its packs into a durable task plan.
type PlanBuilder interface {
	BuildPlan(ctx context.Context, meeting dietapi.RawMeetingRecord, packs []packing.IndexPack, bctx task.BudgetContext) (*task.IssueTask, error)
}

// TaskWriter is the task-table surface the run uses.
type TaskWriter interface {
	GetTask(ctx context.Context, pk string) (*task.IssueTask, error)
	CreateTask(ctx context.Context, t task.IssueTask) error
	MarkTaskPending(ctx context.Context, pk string) error
}

// Enqueuer publishes prompt-task messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, messages []queue.Message) (int, error)
}

// RunNotifier receives run-level outcomes.
type RunNotifier interface {
	RunError(ctx context.Context, message string, rng dietapi.RunRange, err error)
	RunWarning(ctx context.Context, message string, rng dietapi.RunRange, detail string)
	TasksCreated(ctx context.Context, summary notify.TaskCreationSummary)
	TaskWriteFailure(ctx context.Context, pk, meetingName string, err error)
}

// RunResult summarizes one ingestion run.
type RunResult struct {
	RunID         string           `json:"runId"`
	Range         dietapi.RunRange `json:"range"`
	RecordCount   int              `json:"recordCount"`
	Created       int              `json:"created"`
	AlreadyExists int              `json:"alreadyExists"`
	Skipped       int              `json:"skipped"`
	Failed        int              `json:"failed"`
	Queued        int              `json:"queued"`
	IssueIDs      []string         `json:"issueIDs"`
}

// Service wires the run pipeline together.
type Service struct {
	cfg       config.Config
	fetcher   Fetcher
	counter   tokens.Counter
	builder   PlanBuilder
	tasks     TaskWriter
	publisher Enqueuer
	notifier  RunNotifier
	logger    *slog.Logger
	stats     *metrics.Collector
	newRunID  func() string
}

func NewService(cfg config.Config, fetcher Fetcher, counter tokens.Counter, builder PlanBuilder, tasks TaskWriter, publisher Enqueuer, notifier RunNotifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		fetcher:   fetcher,
		counter:   counter,
		builder:   builder,
		tasks:     tasks,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		stats:     metrics.NewCollector(),
		newRunID:  uuid.NewString,
	}
}

// MetricsSnapshot exposes the pipeline statistics gathered so far.
func (s *Service) MetricsSnapshot() metrics.Snapshot {
	return s.stats.Snapshot()
}

// Run executes one ingestion pass over the range. A partial fetch still
// processes what arrived; the shortfall is reported as a warning. The run
// only errors when nothing useful could happen at all.
func (s *Service) Run(ctx context.Context, rng dietapi.RunRange, bypassCache bool) (*RunResult, error) {
	runID := s.newRunID()
	result := &RunResult{RunID: runID, Range: rng}
	logger := s.logger.With("runId", runID, "from", rng.From, "until", rng.Until)

	fetchStart := time.Now()
	meetings, recordCount, fetchErr := s.fetcher.Fetch(ctx, rng, dietapi.FetchOptions{
		MaxRecordsPerPage: s.cfg.MaxRecordsPage,
		ChunkDays:         s.cfg.ChunkDays,
		RequestInterval:   s.cfg.RequestInterval,
		BypassCache:       bypassCache,
	})
	s.stats.RecordTiming(metrics.OpUpstreamFetch, time.Since(fetchStart))
	if fetchErr != nil {
		if len(meetings) == 0 {
			s.notifier.RunError(ctx, "meeting fetch failed", rng, fetchErr)
			return result, fmt.Errorf("fetch meetings for %s..%s: %w", rng.From, rng.Until, fetchErr)
		}
		logger.Warn("partial fetch, continuing with retrieved meetings", "retrieved", len(meetings), "error", fetchErr)
		s.notifier.RunWarning(ctx, "partial meeting fetch", rng, fetchErr.Error())
	}
	result.RecordCount = recordCount

	if len(meetings) == 0 {
		logger.Info("no meetings found for range")
		return result, nil
	}

	promptCost, err := s.counter.CountTokens(ctx, prompts.ChunkInstruction)
	if err != nil {
		s.notifier.RunError(ctx, "token counting failed", rng, err)
		return result, fmt.Errorf("count chunk instruction tokens: %w", err)
	}
	available := s.cfg.MaxInputTokens - promptCost
	if available <= 0 {
		err := fmt.Errorf("chunk instruction costs %d tokens, budget is %d", promptCost, s.cfg.MaxInputTokens)
		s.notifier.RunError(ctx, "prompt exceeds token budget", rng, err)
		return result, err
	}

	bctx := task.BudgetContext{AvailableTokens: available, Range: rng, RunID: runID}

	for _, meeting := range meetings {
		issueID := strings.TrimSpace(meeting.IssueID)
		if issueID == "" {
			logger.Warn("meeting has no issue id, skipping", "date", meeting.Date, "name", meeting.NameOfMeeting)
			result.Skipped++
			continue
		}
		pk := task.KeyFor(s.cfg.IngestionMode, issueID, meeting.Session, meeting.NameOfHouse)

		existing, err := s.tasks.GetTask(ctx, pk)
		if err != nil {
			logger.Error("task lookup failed", "pk", pk, "error", err)
			s.notifier.TaskWriteFailure(ctx, pk, meeting.NameOfMeeting, err)
			result.Failed++
			continue
		}
		if existing != nil {
			logger.Info("task already exists, skipping", "pk", pk)
			result.AlreadyExists++
			continue
		}

		plan, err := s.planMeeting(ctx, meeting, bctx)
		if err != nil {
			logger.Error("plan build failed", "pk", pk, "error", err)
			s.notifier.TaskWriteFailure(ctx, pk, meeting.NameOfMeeting, err)
			result.Failed++
			continue
		}
		if plan == nil {
			result.Skipped++
			continue
		}

		writeStart := time.Now()
		err = s.tasks.CreateTask(ctx, *plan)
		s.stats.RecordTiming(metrics.OpTaskWrite, time.Since(writeStart))
		if err != nil {
			if errors.Is(err, store.ErrTaskExists) {
				logger.Info("task created concurrently, skipping", "pk", pk)
				result.AlreadyExists++
				continue
			}
			logger.Error("task write failed", "pk", pk, "error", err)
			s.notifier.TaskWriteFailure(ctx, pk, meeting.NameOfMeeting, err)
			result.Failed++
			continue
		}
		result.Created++
		result.IssueIDs = append(result.IssueIDs, issueID)

		enqueueStart := time.Now()
		queued, err := s.publish(ctx, plan)
		s.stats.RecordTiming(metrics.OpEnqueue, time.Since(enqueueStart))
		if err != nil {
			// Task stays ingested; a later run or operator can republish.
			logger.Error("prompt enqueue failed, task left ingested", "pk", pk, "error", err)
			s.notifier.RunWarning(ctx, "prompt enqueue failed", rng, fmt.Sprintf("%s: %v", pk, err))
			continue
		}
		result.Queued += queued
		if queued == 0 {
			continue
		}
		if err := s.tasks.MarkTaskPending(ctx, pk); err != nil {
			logger.Error("pending transition failed", "pk", pk, "error", err)
			s.notifier.TaskWriteFailure(ctx, pk, meeting.NameOfMeeting, err)
		}
	}

	s.notifier.TasksCreated(ctx, notify.TaskCreationSummary{
		Range:             rng,
		MeetingsProcessed: len(meetings),
		CreatedCount:      result.Created,
		ExistingCount:     result.AlreadyExists,
		IssueIDs:          result.IssueIDs,
	})
	logger.Info("run complete",
		"records", result.RecordCount, "created", result.Created,
		"existing", result.AlreadyExists, "skipped", result.Skipped,
		"failed", result.Failed, "queued", result.Queued)
	return result, nil
}

func (s *Service) planMeeting(ctx context.Context, meeting dietapi.RawMeetingRecord, bctx task.BudgetContext) (*task.IssueTask, error) {
	packStart := time.Now()
	lens, err := packing.BuildOrderLens(ctx, meeting.SpeechRecord, s.counter, s.cfg.CountConcurrency)
	if err != nil {
		return nil, fmt.Errorf("count speech tokens: %w", err)
	}
	packs, err := packing.PackIndexSets(lens, bctx.AvailableTokens)
	if err != nil {
		return nil, fmt.Errorf("pack speeches: %w", err)
	}
	var totalTokens int64
	for _, l := range lens {
		totalTokens += int64(l.Len)
	}
	s.stats.RecordTokenUsage(metrics.OpPacking, time.Since(packStart), totalTokens)

	return s.builder.BuildPlan(ctx, meeting, packs, bctx)
}

// publish translates a stored plan into queue messages: one map message per
// prompt payload, plus a reduce message for chunked tasks.
func (s *Service) publish(ctx context.Context, plan *task.IssueTask) (int, error) {
	var messages []queue.Message

	switch plan.ProcessingMode {
	case task.ModeSingleChunk:
		messages = append(messages, queue.Message{
			Type:      queue.TypeMap,
			URL:       plan.PromptURL,
			ResultURL: plan.ResultURL,
			LLM:       s.cfg.LLMProvider,
			LLMModel:  s.cfg.LLMModel,
		})
	case task.ModeChunked:
		chunkResultURLs := make([]string, 0, len(plan.Chunks))
		for _, chunk := range plan.Chunks {
			messages = append(messages, queue.Message{
				Type:      queue.TypeMap,
				URL:       chunk.PromptURL,
				ResultURL: chunk.ResultURL,
				LLM:       s.cfg.LLMProvider,
				LLMModel:  s.cfg.LLMModel,
			})
			chunkResultURLs = append(chunkResultURLs, chunk.ResultURL)
		}
		meeting := plan.Meeting
		messages = append(messages, queue.Message{
			Type:            queue.TypeReduce,
			ChunkResultURLs: chunkResultURLs,
			Prompt:          prompts.ReduceInstruction,
			IssueID:         plan.Meeting.IssueID,
			Meeting:         &meeting,
			LLM:             s.cfg.LLMProvider,
			LLMModel:        s.cfg.LLMModel,
		})
	default:
		return 0, fmt.Errorf("plan %s has unknown processing mode %q", plan.PK, plan.ProcessingMode)
	}

	return s.publisher.Enqueue(ctx, messages)
}
