package dietapi

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Issue is one per-field schema violation with the path to the offending field.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ViolationReporter receives schema violations, fire-and-forget.
type ViolationReporter interface {
	ReportSchemaViolation(ctx context.Context, aggregated string, issues []Issue)
}

// Normalizer coerces the upstream payload's loosely-typed fields into the
// canonical RawMeetingData shape and validates it. Validation failures are
// reported, never raised; ingestion continuity wins over strict correctness
// since upstream schema drift is expected to be transient.
type Normalizer struct {
	logger   *slog.Logger
	reporter ViolationReporter
}

// NewNormalizer creates a normalizer. reporter may be nil.
func NewNormalizer(logger *slog.Logger, reporter ViolationReporter) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger, reporter: reporter}
}

var dateOnlyRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})`)

// Normalize turns a decoded JSON payload into RawMeetingData. It never fails:
// malformed payloads yield a best-effort result with MeetingRecord defaulted
// to an empty slice, and the violations are sent to the reporter.
func (n *Normalizer) Normalize(ctx context.Context, payload any) RawMeetingData {
	var issues []Issue

	root, ok := payload.(map[string]any)
	if !ok {
		issues = append(issues, Issue{Path: "", Message: "payload is not a JSON object"})
		n.report(ctx, issues)
		return RawMeetingData{MeetingRecord: []RawMeetingRecord{}}
	}

	data := RawMeetingData{MeetingRecord: []RawMeetingRecord{}}
	data.NumberOfRecords = n.intField(root, "numberOfRecords", &issues)
	data.NumberOfReturn = n.intField(root, "numberOfReturn", &issues)
	data.StartRecord = n.intField(root, "startRecord", &issues)

	if raw, present := root["nextRecordPosition"]; present && raw != nil {
		if v, ok := toInt(raw); ok {
			data.NextRecordPosition = &v
		} else {
			issues = append(issues, Issue{Path: "nextRecordPosition", Message: "expected a number"})
		}
	}

	for i, raw := range wrapList(root["meetingRecord"]) {
		data.MeetingRecord = append(data.MeetingRecord, n.normalizeMeeting(raw, fmt.Sprintf("meetingRecord[%d]", i), &issues))
	}

	n.report(ctx, issues)
	return data
}

func (n *Normalizer) normalizeMeeting(raw any, path string, issues *[]Issue) RawMeetingRecord {
	obj, ok := raw.(map[string]any)
	if !ok {
		*issues = append(*issues, Issue{Path: path, Message: "expected an object"})
		return RawMeetingRecord{SpeechRecord: []RawSpeechRecord{}}
	}

	m := RawMeetingRecord{
		IssueID:       stringOr(obj["issueID"], ""),
		ImageKind:     stringOr(obj["imageKind"], ""),
		NameOfHouse:   stringOr(obj["nameOfHouse"], ""),
		NameOfMeeting: stringOr(obj["nameOfMeeting"], ""),
		Issue:         stringOr(obj["issue"], ""),
		Date:          stringOr(obj["date"], ""),
		Closing:       stringPtr(obj["closing"]),
		SpeechRecord:  []RawSpeechRecord{},
	}
	m.SearchObject = n.intField(obj, "searchObject", nil)
	m.Session = n.intFieldAt(obj, "session", path+".session", issues)

	if m.IssueID == "" {
		*issues = append(*issues, Issue{Path: path + ".issueID", Message: "required field is missing or empty"})
	}

	for i, rawSpeech := range wrapList(obj["speechRecord"]) {
		m.SpeechRecord = append(m.SpeechRecord, n.normalizeSpeech(rawSpeech, fmt.Sprintf("%s.speechRecord[%d]", path, i), issues))
	}
	return m
}

func (n *Normalizer) normalizeSpeech(raw any, path string, issues *[]Issue) RawSpeechRecord {
	obj, ok := raw.(map[string]any)
	if !ok {
		*issues = append(*issues, Issue{Path: path, Message: "expected an object"})
		return RawSpeechRecord{}
	}

	s := RawSpeechRecord{
		SpeechID:        stringOr(obj["speechID"], ""),
		Speaker:         stringOr(obj["speaker"], ""),
		SpeakerYomi:     stringPtr(obj["speakerYomi"]),
		SpeakerGroup:    stringPtr(obj["speakerGroup"]),
		SpeakerPosition: stringPtr(obj["speakerPosition"]),
		SpeakerRole:     stringPtr(obj["speakerRole"]),
		Speech:          stringOr(obj["speech"], ""),
		SpeechURL:       stringOr(obj["speechURL"], ""),
	}
	s.SpeechOrder = n.intFieldAt(obj, "speechOrder", path+".speechOrder", issues)
	s.StartPage = n.intField(obj, "startPage", nil)
	s.CreateTime = n.dateOnly(obj["createTime"])
	s.UpdateTime = n.dateOnly(obj["updateTime"])

	if s.SpeechID == "" {
		*issues = append(*issues, Issue{Path: path + ".speechID", Message: "required field is missing or empty"})
	}
	return s
}

// dateOnly reduces both upstream timestamp shapes (YYYY-MM-DDTHH:MM:SSZ and
// "YYYY-MM-DD HH:MM:SS") to the date-only prefix. Unparsable values pass
// through unchanged with a logged warning.
func (n *Normalizer) dateOnly(value any) string {
	str, ok := value.(string)
	if !ok {
		if num, numOK := toInt(value); numOK {
			return time.UnixMilli(int64(num)).UTC().Format(ymdLayout)
		}
		return ""
	}
	trimmed := strings.TrimSpace(str)
	if m := dateOnlyRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed.UTC().Format(ymdLayout)
	}
	n.logger.Warn("unparsable timestamp passed through", "value", trimmed)
	return trimmed
}

// intField coerces a numeric field, tolerating numbers-as-strings. A nil
// issues slice means the field is optional.
func (n *Normalizer) intField(obj map[string]any, key string, issues *[]Issue) int {
	return n.intFieldAt(obj, key, key, issues)
}

func (n *Normalizer) intFieldAt(obj map[string]any, key, path string, issues *[]Issue) int {
	raw, present := obj[key]
	if !present || raw == nil {
		if issues != nil {
			*issues = append(*issues, Issue{Path: path, Message: "required field is missing"})
		}
		return 0
	}
	v, ok := toInt(raw)
	if !ok {
		if issues != nil {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected a finite number, got %T", raw)})
		}
		return 0
	}
	return v
}

func (n *Normalizer) report(ctx context.Context, issues []Issue) {
	if len(issues) == 0 {
		return
	}
	parts := make([]string, len(issues))
	for i, issue := range issues {
		if issue.Path != "" {
			parts[i] = issue.Path + ": " + issue.Message
		} else {
			parts[i] = issue.Message
		}
	}
	aggregated := strings.Join(parts, "; ")
	n.logger.Warn("payload validation failed", "issues", len(issues), "detail", aggregated)
	if n.reporter != nil {
		n.reporter.ReportSchemaViolation(ctx, aggregated, issues)
	}
}

// wrapList turns a present-but-singular value into a one-element list and an
// absent value into an empty list.
func wrapList(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

func stringOr(value any, fallback string) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fallback
}

func stringPtr(value any) *string {
	if s, ok := value.(string); ok {
		return &s
	}
	return nil
}
