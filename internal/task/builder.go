package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keyhole-koro/politopics-ingest/internal/config"
	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
	"github.com/keyhole-koro/politopics-ingest/internal/objectstore"
	"github.com/keyhole-koro/politopics-ingest/internal/packing"
	"github.com/keyhole-koro/politopics-ingest/internal/prompts"
)

// BudgetContext carries the run-scoped inputs the builder stamps into
// prompt payloads.
type BudgetContext struct {
	AvailableTokens int
	Range           dietapi.RunRange
	RunID           string
}

// Builder turns a normalized meeting plus its packs into a durable task,
// writing prompt payloads to object storage on the way. It performs no task
// table writes; that is the caller's job.
type Builder struct {
	store  objectstore.Store
	mode   config.IngestionMode
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder creates a plan builder.
func NewBuilder(store objectstore.Store, mode config.IngestionMode, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, mode: mode, logger: logger, now: time.Now}
}

// speakerAsset is the per-speech speaker metadata persisted once per
// meeting, keyed by speech order, so later stages can recover attribution
// without re-parsing upstream payloads.
type speakerAsset struct {
	SpeechID        string  `json:"speechID"`
	Speaker         string  `json:"speaker"`
	SpeakerYomi     *string `json:"speakerYomi,omitempty"`
	SpeakerGroup    *string `json:"speakerGroup,omitempty"`
	SpeakerPosition *string `json:"speakerPosition,omitempty"`
	SpeakerRole     *string `json:"speakerRole,omitempty"`
}

type chunkPayload struct {
	PromptVersion string                    `json:"promptVersion"`
	Mode          string                    `json:"mode"`
	Prompt        string                    `json:"prompt"`
	Meeting       MeetingSummary            `json:"meeting"`
	Range         dietapi.RunRange          `json:"range"`
	RunID         string                    `json:"runId,omitempty"`
	Indices       []int                     `json:"indices"`
	SpeechIDs     []string                  `json:"speechIds"`
	Speeches      []dietapi.RawSpeechRecord `json:"speeches"`
	ResultURL     string                    `json:"resultUrl"`
}

type reducePayload struct {
	PromptVersion   string           `json:"promptVersion"`
	Mode            string           `json:"mode"`
	Prompt          string           `json:"prompt"`
	Meeting         MeetingSummary   `json:"meeting"`
	Range           dietapi.RunRange `json:"range"`
	RunID           string           `json:"runId,omitempty"`
	ChunkResultURLs []string         `json:"chunkResultUrls,omitempty"`
	ResultURL       string           `json:"resultUrl"`
}

type singleChunkPayload struct {
	PromptVersion string                    `json:"promptVersion"`
	Mode          string                    `json:"mode"`
	Prompt        string                    `json:"prompt"`
	Meeting       MeetingSummary            `json:"meeting"`
	Range         dietapi.RunRange          `json:"range"`
	RunID         string                    `json:"runId,omitempty"`
	Indices       []int                     `json:"indices"`
	SpeechIDs     []string                  `json:"speechIds"`
	Speeches      []dietapi.RawSpeechRecord `json:"speeches"`
	ResultURL     string                    `json:"resultUrl"`
}

// BuildPlan assembles the task record for one meeting. A nil, nil return
// means the meeting was skipped (blank id, no speeches, or no packs) and the
// run should continue with the next meeting.
func (b *Builder) BuildPlan(ctx context.Context, meeting dietapi.RawMeetingRecord, packs []packing.IndexPack, bctx BudgetContext) (*IssueTask, error) {
	issueID := strings.TrimSpace(meeting.IssueID)
	if issueID == "" {
		b.logger.Warn("meeting has no issueID, skipping",
			"date", meeting.Date, "nameOfMeeting", meeting.NameOfMeeting)
		return nil, nil
	}

	speeches := meeting.SpeechRecord
	if len(speeches) == 0 {
		b.logger.Info("meeting has no speeches, skipping", "issueID", issueID)
		return nil, nil
	}
	if len(packs) == 0 {
		b.logger.Info("no packs fit the token budget, skipping", "issueID", issueID)
		return nil, nil
	}

	summary := MeetingSummary{
		IssueID:          issueID,
		NameOfMeeting:    orDefault(meeting.NameOfMeeting, "Unknown meeting"),
		NameOfHouse:      orDefault(meeting.NameOfHouse, "Unknown house"),
		Date:             orDefault(meeting.Date, dietapi.FormatYMD(b.now())),
		Session:          meeting.Session,
		NumberOfSpeeches: len(speeches),
	}
	pk := KeyFor(b.mode, issueID, meeting.Session, meeting.NameOfHouse)

	assetsURL, err := b.writeAttachedAssets(ctx, issueID, speeches)
	if err != nil {
		return nil, err
	}

	if len(packs) == 1 && !packs[0].Oversized {
		return b.buildSingleChunk(ctx, pk, issueID, summary, speeches, packs[0], bctx, assetsURL)
	}
	return b.buildChunked(ctx, pk, issueID, summary, speeches, packs, bctx, assetsURL)
}

func (b *Builder) buildSingleChunk(ctx context.Context, pk, issueID string, summary MeetingSummary, speeches []dietapi.RawSpeechRecord, pack packing.IndexPack, bctx BudgetContext, assetsURL string) (*IssueTask, error) {
	resultURL := b.store.URL(prompts.ReduceResultKey(issueID))
	payload := singleChunkPayload{
		PromptVersion: prompts.Version,
		Mode:          string(ModeSingleChunk),
		Prompt:        prompts.SingleChunkInstruction,
		Meeting:       summary,
		Range:         bctx.Range,
		RunID:         bctx.RunID,
		Indices:       pack.Indices,
		SpeechIDs:     pack.SpeechIDs,
		Speeches:      collectByIndex(speeches, pack.Indices),
		ResultURL:     resultURL,
	}

	promptURL, err := b.store.PutJSON(ctx, prompts.ReducePromptKey(issueID, true), payload)
	if err != nil {
		return nil, fmt.Errorf("write single-chunk prompt for %s: %w", issueID, err)
	}

	t := NewSingleChunkTask(pk, summary, promptURL, resultURL, assetsURL, b.now())
	return &t, nil
}

func (b *Builder) buildChunked(ctx context.Context, pk, issueID string, summary MeetingSummary, speeches []dietapi.RawSpeechRecord, packs []packing.IndexPack, bctx BudgetContext, assetsURL string) (*IssueTask, error) {
	chunks := make([]ChunkItem, 0, len(packs))
	chunkResultURLs := make([]string, 0, len(packs))

	for i, pack := range packs {
		span := pack.Span()
		promptKey := prompts.ChunkPromptKey(issueID, span)
		resultURL := b.store.URL(prompts.ChunkResultKey(issueID, span))

		payload := chunkPayload{
			PromptVersion: prompts.Version,
			Mode:          "chunk",
			Prompt:        prompts.ChunkInstruction,
			Meeting:       summary,
			Range:         bctx.Range,
			RunID:         bctx.RunID,
			Indices:       pack.Indices,
			SpeechIDs:     pack.SpeechIDs,
			Speeches:      collectByIndex(speeches, pack.Indices),
			ResultURL:     resultURL,
		}
		promptURL, err := b.store.PutJSON(ctx, promptKey, payload)
		if err != nil {
			return nil, fmt.Errorf("write chunk prompt %d for %s: %w", i, issueID, err)
		}

		chunks = append(chunks, ChunkItem{
			ID:        fmt.Sprintf("CHUNK#%d", i),
			PromptKey: promptKey,
			PromptURL: promptURL,
			ResultURL: resultURL,
			Status:    ChunkNotReady,
		})
		chunkResultURLs = append(chunkResultURLs, resultURL)
	}

	resultURL := b.store.URL(prompts.ReduceResultKey(issueID))
	reduce := reducePayload{
		PromptVersion:   prompts.Version,
		Mode:            "reduce",
		Prompt:          prompts.ReduceInstruction,
		Meeting:         summary,
		Range:           bctx.Range,
		RunID:           bctx.RunID,
		ChunkResultURLs: chunkResultURLs,
		ResultURL:       resultURL,
	}
	reduceURL, err := b.store.PutJSON(ctx, prompts.ReducePromptKey(issueID, false), reduce)
	if err != nil {
		return nil, fmt.Errorf("write reduce prompt for %s: %w", issueID, err)
	}

	t := NewChunkedTask(pk, summary, reduceURL, resultURL, assetsURL, chunks, b.now())
	return &t, nil
}

func (b *Builder) writeAttachedAssets(ctx context.Context, issueID string, speeches []dietapi.RawSpeechRecord) (string, error) {
	assets := make(map[int]speakerAsset, len(speeches))
	for _, s := range speeches {
		assets[s.SpeechOrder] = speakerAsset{
			SpeechID:        s.SpeechID,
			Speaker:         s.Speaker,
			SpeakerYomi:     s.SpeakerYomi,
			SpeakerGroup:    s.SpeakerGroup,
			SpeakerPosition: s.SpeakerPosition,
			SpeakerRole:     s.SpeakerRole,
		}
	}
	url, err := b.store.PutJSON(ctx, prompts.AttachedAssetsKey(issueID), assets)
	if err != nil {
		return "", fmt.Errorf("write attached assets for %s: %w", issueID, err)
	}
	return url, nil
}

func collectByIndex(speeches []dietapi.RawSpeechRecord, indices []int) []dietapi.RawSpeechRecord {
	out := make([]dietapi.RawSpeechRecord, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(speeches) {
			out = append(out, speeches[idx])
		}
	}
	return out
}

func orDefault(s, fallback string) string {
	if trimmed := strings.TrimSpace(s); trimmed != "" {
		return trimmed
	}
	return fallback
}
