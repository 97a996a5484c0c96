package ingest

import (
	"time"

	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
)

// Upstream publishes meeting records on JST calendar days, so every default
// range is computed in JST regardless of host timezone.
var jst = time.FixedZone("JST", 9*60*60)

const defaultCronLookbackDays = 21

// TodayJST formats now as a JST calendar date.
func TodayJST(now time.Time) string {
	return dietapi.FormatYMD(now.In(jst))
}

// DefaultCronRange is the window scheduled runs cover: the last three weeks
// up to today, JST.
func DefaultCronRange(now time.Time) dietapi.RunRange {
	return dietapi.RunRange{
		From:  dietapi.FormatYMD(now.In(jst).AddDate(0, 0, -defaultCronLookbackDays)),
		Until: TodayJST(now),
	}
}

// ResolveRange fills in the caller-supplied bounds: a missing from defaults
// to today (JST), a missing until defaults to from.
func ResolveRange(from, until string, now time.Time) (dietapi.RunRange, error) {
	if from == "" {
		from = TodayJST(now)
	}
	if until == "" {
		until = from
	}
	rng := dietapi.RunRange{From: from, Until: until}
	if err := rng.Validate(); err != nil {
		return dietapi.RunRange{}, err
	}
	return rng, nil
}
