// Package packing partitions an ordered speech list into token-budgeted
// groups for prompt construction.
package packing

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
	"github.com/keyhole-koro/politopics-ingest/internal/tokens"
)

// DefaultCountConcurrency bounds parallel token-count calls.
const DefaultCountConcurrency = 8

// OrderLen is the token length of one speech, derived once during packing
// preparation and never mutated. Index refers back into the meeting's
// speech list.
type OrderLen struct {
	Index    int
	SpeechID string
	Len      int
}

// IndexPack is one prompt-sized group of contiguous speeches. Oversized
// packs hold exactly one item whose length alone exceeds the budget.
type IndexPack struct {
	Indices   []int
	SpeechIDs []string
	TotalLen  int
	Oversized bool
}

// Span renders the pack's index range (e.g. "0-4") for object-storage keys.
func (p IndexPack) Span() string {
	if len(p.Indices) == 0 {
		return ""
	}
	first := p.Indices[0]
	last := p.Indices[len(p.Indices)-1]
	if first == last {
		return fmt.Sprintf("%d", first)
	}
	return fmt.Sprintf("%d-%d", first, last)
}

// BuildOrderLens counts tokens for every speech under bounded concurrency.
// Result slots are pre-allocated by index, so the returned order matches the
// input order regardless of completion order.
func BuildOrderLens(ctx context.Context, speeches []dietapi.RawSpeechRecord, counter tokens.Counter, concurrency int) ([]OrderLen, error) {
	if concurrency <= 0 {
		concurrency = DefaultCountConcurrency
	}

	lens := make([]OrderLen, len(speeches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, speech := range speeches {
		g.Go(func() error {
			n, err := counter.CountTokens(gctx, speech.Speech)
			if err != nil {
				return fmt.Errorf("count tokens for speech %s: %w", speech.SpeechID, err)
			}
			lens[i] = OrderLen{Index: i, SpeechID: speech.SpeechID, Len: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lens, nil
}

// PackIndexSets groups items into ordered packs whose total length stays
// within budget, in a single greedy left-to-right pass. Oversized single
// items become their own pack. The union of all pack indices equals the
// input exactly once each.
func PackIndexSets(items []OrderLen, budget int) ([]IndexPack, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("token budget must be a positive number (got %d)", budget)
	}

	var packs []IndexPack
	var cur IndexPack

	flush := func() {
		if len(cur.Indices) > 0 {
			packs = append(packs, cur)
		}
		cur = IndexPack{}
	}

	for _, item := range items {
		if item.Len > budget {
			flush()
			packs = append(packs, IndexPack{
				Indices:   []int{item.Index},
				SpeechIDs: []string{item.SpeechID},
				TotalLen:  item.Len,
				Oversized: true,
			})
			continue
		}
		if cur.TotalLen+item.Len > budget && len(cur.Indices) > 0 {
			flush()
		}
		cur.Indices = append(cur.Indices, item.Index)
		cur.SpeechIDs = append(cur.SpeechIDs, item.SpeechID)
		cur.TotalLen += item.Len
	}
	flush()

	return packs, nil
}

// Materialize maps packs back to the speeches they reference.
func Materialize(packs []IndexPack, speeches []dietapi.RawSpeechRecord) [][]dietapi.RawSpeechRecord {
	out := make([][]dietapi.RawSpeechRecord, len(packs))
	for i, pack := range packs {
		group := make([]dietapi.RawSpeechRecord, 0, len(pack.Indices))
		for _, idx := range pack.Indices {
			if idx >= 0 && idx < len(speeches) {
				group = append(group, speeches[idx])
			}
		}
		out[i] = group
	}
	return out
}

// PackSpeeches is the end-to-end helper: count tokens, pack, materialize.
func PackSpeeches(ctx context.Context, speeches []dietapi.RawSpeechRecord, budget int, counter tokens.Counter, concurrency int) ([]OrderLen, []IndexPack, [][]dietapi.RawSpeechRecord, error) {
	lens, err := BuildOrderLens(ctx, speeches, counter, concurrency)
	if err != nil {
		return nil, nil, nil, err
	}
	packs, err := PackIndexSets(lens, budget)
	if err != nil {
		return nil, nil, nil, err
	}
	return lens, packs, Materialize(packs, speeches), nil
}
