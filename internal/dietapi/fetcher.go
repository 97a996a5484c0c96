package dietapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// maxOffsetPages is a safety valve against infinite pagination from a
// misbehaving upstream. Hitting it logs a warning and returns partial data.
const maxOffsetPages = 50

// FetchOptions tunes a range fetch.
type FetchOptions struct {
	MaxRecordsPerPage int
	ChunkDays         int
	RequestInterval   time.Duration
	BypassCache       bool
}

// RangeFetcher retrieves every meeting record for a date window, detecting
// upstream result truncation and compensating by bisecting the window or
// falling back to offset pagination within a single day.
type RangeFetcher struct {
	client PageFetcher
	logger *slog.Logger
}

// NewRangeFetcher creates a fetcher over the given page client.
func NewRangeFetcher(client PageFetcher, logger *slog.Logger) *RangeFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RangeFetcher{client: client, logger: logger}
}

// Fetch retrieves all meetings for the range. Top-level sub-windows are
// independent: a failing window is recorded and its siblings still run, so
// the returned meetings may be partial when err is non-nil. Relative order
// of meetings across sub-windows is not significant to callers.
func (f *RangeFetcher) Fetch(ctx context.Context, rng RunRange, opts FetchOptions) ([]RawMeetingRecord, int, error) {
	if err := rng.Validate(); err != nil {
		return nil, 0, err
	}
	if opts.ChunkDays < 1 {
		opts.ChunkDays = 1
	}

	var (
		meetings []RawMeetingRecord
		errs     []error
	)
	for _, window := range SplitRangeByDays(rng, opts.ChunkDays) {
		got, err := f.fetchWindow(ctx, window, opts, 0)
		if err != nil {
			f.logger.Error("window fetch failed", "from", window.From, "until", window.Until, "error", err)
			errs = append(errs, fmt.Errorf("window %s..%s: %w", window.From, window.Until, err))
			continue
		}
		meetings = append(meetings, got...)
	}

	return meetings, len(meetings), errors.Join(errs...)
}

// fetchWindow fetches one window, recursing on truncation. Zero records for
// a window is a valid empty result, not an error.
func (f *RangeFetcher) fetchWindow(ctx context.Context, window RunRange, opts FetchOptions, depth int) ([]RawMeetingRecord, error) {
	page, err := f.client.FetchPage(ctx, PageParams{
		Range:          window,
		MaximumRecords: opts.MaxRecordsPerPage,
		BypassCache:    opts.BypassCache,
	})
	if err != nil {
		return nil, err
	}

	if page.NumberOfRecords <= page.NumberOfReturn {
		return page.MeetingRecord, nil
	}

	// Truncated window.
	f.logger.Info("window truncated",
		"from", window.From, "until", window.Until,
		"reported", page.NumberOfRecords, "returned", page.NumberOfReturn, "depth", depth)

	left, right, ok := BisectRange(window)
	if !ok {
		// Single calendar day: recover with offset pagination.
		return f.paginateDay(ctx, window, page, opts, depth)
	}

	if err := f.cooldown(ctx, opts.RequestInterval, depth); err != nil {
		return nil, err
	}
	leftMeetings, err := f.fetchWindow(ctx, left, opts, depth+1)
	if err != nil {
		return nil, err
	}
	if err := f.cooldown(ctx, opts.RequestInterval, depth); err != nil {
		return nil, err
	}
	rightMeetings, err := f.fetchWindow(ctx, right, opts, depth+1)
	if err != nil {
		return nil, err
	}
	return append(leftMeetings, rightMeetings...), nil
}

// paginateDay walks a single truncated day with increasing startRecord
// offsets until the reported total is reached, a page comes back empty, or
// the page ceiling trips.
func (f *RangeFetcher) paginateDay(ctx context.Context, window RunRange, first RawMeetingData, opts FetchOptions, depth int) ([]RawMeetingRecord, error) {
	meetings := first.MeetingRecord
	total := first.NumberOfRecords
	retrieved := first.NumberOfReturn
	if retrieved < len(meetings) {
		retrieved = len(meetings)
	}
	start := retrieved + 1 // upstream offsets are 1-based
	if first.NextRecordPosition != nil && *first.NextRecordPosition > 0 {
		start = *first.NextRecordPosition
	}

	for pages := 1; retrieved < total; pages++ {
		if pages >= maxOffsetPages {
			f.logger.Warn("offset pagination ceiling reached, returning partial data",
				"day", window.From, "retrieved", retrieved, "reported", total)
			break
		}
		if err := f.cooldown(ctx, opts.RequestInterval, depth); err != nil {
			return nil, err
		}

		page, err := f.client.FetchPage(ctx, PageParams{
			Range:          window,
			MaximumRecords: opts.MaxRecordsPerPage,
			StartRecord:    start,
			BypassCache:    opts.BypassCache,
		})
		if err != nil {
			return nil, err
		}

		returned := page.NumberOfReturn
		if returned < len(page.MeetingRecord) {
			returned = len(page.MeetingRecord)
		}
		if returned == 0 {
			f.logger.Warn("offset page returned no new records, stopping early",
				"day", window.From, "retrieved", retrieved, "reported", total)
			break
		}

		meetings = append(meetings, page.MeetingRecord...)
		retrieved += returned
		start += returned
		if page.NextRecordPosition != nil && *page.NextRecordPosition > 0 {
			start = *page.NextRecordPosition
		}
	}

	return meetings, nil
}

// cooldown sleeps proportionally to the recursion depth to ease upstream
// rate limits as recursion deepens.
func (f *RangeFetcher) cooldown(ctx context.Context, interval time.Duration, depth int) error {
	if interval <= 0 {
		return nil
	}
	select {
	case <-time.After(interval * time.Duration(depth+1)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
