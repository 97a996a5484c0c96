package dietapi

import (
	"fmt"
	"time"
)

const ymdLayout = "2006-01-02"

// RunRange is an inclusive calendar-date window, both ends YYYY-MM-DD.
type RunRange struct {
	From  string `json:"from"`
	Until string `json:"until"`
}

// Validate checks both dates parse and From <= Until.
func (r RunRange) Validate() error {
	from, err := ParseYMD(r.From)
	if err != nil {
		return fmt.Errorf("invalid from date %q: %w", r.From, err)
	}
	until, err := ParseYMD(r.Until)
	if err != nil {
		return fmt.Errorf("invalid until date %q: %w", r.Until, err)
	}
	if from.After(until) {
		return fmt.Errorf("from %s must be <= until %s", r.From, r.Until)
	}
	return nil
}

// Days returns the number of calendar days the range spans (>= 1 for valid ranges).
func (r RunRange) Days() int {
	from, err1 := ParseYMD(r.From)
	until, err2 := ParseYMD(r.Until)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(until.Sub(from).Hours()/24) + 1
}

// ParseYMD parses a YYYY-MM-DD string as a UTC date.
func ParseYMD(s string) (time.Time, error) {
	return time.Parse(ymdLayout, s)
}

// FormatYMD renders a time as YYYY-MM-DD.
func FormatYMD(t time.Time) string {
	return t.Format(ymdLayout)
}

// SplitRangeByDays splits a range into contiguous sub-windows of chunkDays
// length, the last window truncated to the range end. The union of the
// returned windows covers the input exactly with no gaps or overlaps.
// An unparsable range is returned as-is in a single window.
func SplitRangeByDays(r RunRange, chunkDays int) []RunRange {
	if chunkDays < 1 {
		chunkDays = 1
	}
	start, err := ParseYMD(r.From)
	if err != nil {
		return []RunRange{r}
	}
	end, err := ParseYMD(r.Until)
	if err != nil || start.After(end) {
		return []RunRange{r}
	}

	var ranges []RunRange
	cursor := start
	for !cursor.After(end) {
		segmentEnd := cursor.AddDate(0, 0, chunkDays-1)
		if segmentEnd.After(end) {
			segmentEnd = end
		}
		ranges = append(ranges, RunRange{
			From:  FormatYMD(cursor),
			Until: FormatYMD(segmentEnd),
		})
		cursor = segmentEnd.AddDate(0, 0, 1)
	}
	return ranges
}

// BisectRange splits a multi-day range at its midpoint day into two halves.
// ok is false when the range spans a single day or does not parse.
func BisectRange(r RunRange) (left, right RunRange, ok bool) {
	start, err := ParseYMD(r.From)
	if err != nil {
		return RunRange{}, RunRange{}, false
	}
	end, err := ParseYMD(r.Until)
	if err != nil || !start.Before(end) {
		return RunRange{}, RunRange{}, false
	}
	days := int(end.Sub(start).Hours() / 24)
	mid := start.AddDate(0, 0, days/2)
	left = RunRange{From: r.From, Until: FormatYMD(mid)}
	right = RunRange{From: FormatYMD(mid.AddDate(0, 0, 1)), Until: r.Until}
	return left, right, true
}
