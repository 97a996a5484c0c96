// Package prompts holds the summarization prompt templates and the
// object-storage key layout for prompt and result payloads.
package prompts

import "fmt"

// Version is stamped into every prompt payload so downstream workers can
// detect template drift.
const Version = "2026-01-28.1"

// ChunkInstruction guides summarization of one token-budgeted group of
// speeches, optimized for a later reduce pass.
const ChunkInstruction = `Summarize this portion of a legislative meeting transcript.
Produce a middle_summary: one entry per topic, no duplicates, naming
conclusions, disagreements, open items, owners, deadlines and amounts where
stated. Attach based_on_orders (speech order numbers) to every point.
Also produce a plain-language summary for general readers and a detailed
summary of this portion. Exclude pleasantries and asides; never invent
content that is not in the transcript.`

// ReduceInstruction merges per-chunk outputs into one meeting-level article.
const ReduceInstruction = `Merge the chunk summaries of a legislative meeting into a single article.
Deduplicate and reconcile the middle_summary entries, normalize participant
names and affiliations, and produce: title, category, description, date,
summary, plain-language summary, participants and key_points (a three-item
TL;DR covering the core debate, conclusions and impact). based_on_orders is
the union of the referenced speech orders.`

// SingleChunkInstruction covers meetings that fit one chunk: chunk-level and
// meeting-level output in a single pass.
const SingleChunkInstruction = `The full meeting transcript fits in one prompt.
Produce the chunk-level output (middle_summary, dialogs, terms, keywords)
and the complete meeting-level output (title, category, description, date,
summary, plain-language summary, participants, key_points) together, with
based_on_orders on every summarized point.`

// ChunkPromptKey locates one chunk prompt payload.
func ChunkPromptKey(meetingID, span string) string {
	return fmt.Sprintf("prompts/%s_%s.json", meetingID, span)
}

// ReducePromptKey locates the aggregation prompt. direct marks the
// single-chunk variant that needs no per-chunk results.
func ReducePromptKey(meetingID string, direct bool) string {
	if direct {
		return fmt.Sprintf("prompts/reduce/%s_direct.json", meetingID)
	}
	return fmt.Sprintf("prompts/reduce/%s.json", meetingID)
}

// AttachedAssetsKey locates the once-per-meeting speaker metadata payload.
func AttachedAssetsKey(meetingID string) string {
	return fmt.Sprintf("attachedAssets/%s.json", meetingID)
}

// ChunkResultKey reserves the locator a downstream worker writes the chunk
// result to.
func ChunkResultKey(meetingID, span string) string {
	return fmt.Sprintf("results/%s_%s_result.json", meetingID, span)
}

// ReduceResultKey reserves the locator for the meeting-level result.
func ReduceResultKey(meetingID string) string {
	return fmt.Sprintf("results/%s_reduce.json", meetingID)
}
