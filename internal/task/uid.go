package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/keyhole-koro/politopics-ingest/internal/config"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// CanonicalizeHouse maps the upstream house name to a stable token so that
// spelling variants hash identically.
func CanonicalizeHouse(nameOfHouse string) string {
	normalized := strings.TrimSpace(nameOfHouse)
	if normalized == "" {
		return "unknown"
	}
	switch {
	case strings.Contains(normalized, "両院"):
		return "joint"
	case strings.Contains(normalized, "衆"):
		return "shugi"
	case strings.Contains(normalized, "参"):
		return "sangi"
	}
	return whitespaceRe.ReplaceAllString(strings.ToLower(normalized), "")
}

// BuildIssueUID derives the stable task id from session, house and issue id.
func BuildIssueUID(issueID string, session int, nameOfHouse string) string {
	raw := fmt.Sprintf("session=%d|house=%s|issueID=%s",
		session, CanonicalizeHouse(nameOfHouse), strings.TrimSpace(issueID))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyFor derives the task partition key for a meeting according to the
// configured ingestion mode.
func KeyFor(mode config.IngestionMode, issueID string, session int, nameOfHouse string) string {
	if mode == config.ModeStableUID {
		return BuildIssueUID(issueID, session, nameOfHouse)
	}
	return strings.TrimSpace(issueID)
}
