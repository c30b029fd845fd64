// Package reportparser turns free-form backend text into the
// structured CompletionReport and verifier-verdict records the
// coordinator needs, for backends that don't (or can't) emit a
// structured tool-call result. Grounded on the teacher's
// react_parser.go free-text scanning helpers (FormatObservation,
// FormatUnknownToolError): conservative, case-insensitive substring
// checks rather than a full grammar, because the input is prose, not
// a machine format.
package reportparser

import (
	"regexp"
	"strings"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

const maxSummaryLen = 500

// pathPattern is a conservative match for project-relative file paths:
// one or more path segments of word/dot/dash characters, at least one
// separator, ending in a segment with a file extension. Bare words
// never match; inside a URL the host-and-path part (for example
// "example.com/x.html") can still match.
var pathPattern = regexp.MustCompile(`\b[\w\-./]*[\w\-]+/[\w\-./]*[\w\-]+\.[A-Za-z0-9]+\b`)

var (
	failedPattern = regexp.MustCompile(`(?i)\bFAILED\b`)
	errorPattern  = regexp.MustCompile(`(?i)\bERROR\b`)
)

// ParseWorkerReport extracts a CompletionReport from a Worker's raw
// text when no structured tool-call result was recorded.
func ParseWorkerReport(agentID, taskID, text string) coordtypes.CompletionReport {
	return coordtypes.CompletionReport{
		AgentID:       agentID,
		TaskID:        taskID,
		Summary:       summarize(text),
		FilesModified: extractPaths(text),
		Success:       !failedPattern.MatchString(text) && !errorPattern.MatchString(text),
	}
}

// summarize takes the first three non-blank lines, joined, truncated
// to maxSummaryLen characters.
func summarize(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		kept = append(kept, trimmed)
		if len(kept) == 3 {
			break
		}
	}
	summary := strings.Join(kept, "\n")
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return summary
}

// extractPaths returns the distinct path-like substrings found in
// text, in first-seen order.
func extractPaths(text string) []string {
	matches := pathPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// VerdictResult pairs a verifier's judgement with the text it was
// derived from, for display to observers.
type VerdictResult struct {
	Verdict coordtypes.Verdict
	Summary string
}

var (
	notApprovedUnderscore = regexp.MustCompile(`(?i)NOT_APPROVED`)
	notApprovedSpace      = regexp.MustCompile(`(?i)NOT\s+APPROVED`)
	approvedPattern       = regexp.MustCompile(`(?i)\bAPPROVED\b`)
)

// ParseVerifierVerdicts locates each task's section within a
// verifier's free-form text (by id or title, whichever appears first)
// and extracts an Approved/NotApproved verdict for it. If a task's
// section cannot be located, the whole text is scanned instead — the
// verifier may have written a single verdict covering one task.
//
// The search cursor only moves forward as tasks are resolved in order:
// two tasks sharing a title (ids are expected unique, but titles are
// not) would otherwise both resolve to the same first occurrence of
// that title, silently applying one task's verdict to both. Since the
// verifier addresses tasks in the same order they were given, a
// monotonic cursor resolves a repeated title to successive occurrences
// instead.
func ParseVerifierVerdicts(text string, tasks []coordtypes.Task) map[string]VerdictResult {
	allMarkers := make([]string, 0, len(tasks)*2)
	for _, t := range tasks {
		if t.ID != "" {
			allMarkers = append(allMarkers, t.ID)
		}
		if t.Title != "" {
			allMarkers = append(allMarkers, t.Title)
		}
	}

	cursor := 0
	results := make(map[string]VerdictResult, len(tasks))
	for _, task := range tasks {
		section, next := findSection(text, task.ID, task.Title, allMarkers, cursor)
		results[task.ID] = VerdictResult{
			Verdict: classify(section),
			Summary: strings.TrimSpace(section),
		}
		if next > cursor {
			cursor = next
		}
	}
	return results
}

// findSection returns the text from the first occurrence of id or
// title at or after from to the next occurrence of any task's marker
// (or end of text), plus the absolute offset just past the matched
// section for the caller's next search to start from. Bounding against
// allMarkers, not just this task's own id/title, is what keeps one
// task's section from swallowing a batched verdict for the tasks that
// follow it. If neither marker is found at or after from, the entire
// text is returned and the cursor is left unchanged.
func findSection(text, id, title string, allMarkers []string, from int) (section string, next int) {
	idx, matched := firstIndexOfEither(text, id, title, from)
	if idx == -1 {
		return text, from
	}

	// Scan forward from just past the matched marker for the nearest
	// following occurrence of any task's marker to bound the section.
	rest := text[idx+len(matched):]
	nextRelIdx := len(rest)
	for _, marker := range allMarkers {
		if marker == "" {
			continue
		}
		if i := strings.Index(rest, marker); i != -1 && i < nextRelIdx {
			nextRelIdx = i
		}
	}

	end := idx + len(matched) + nextRelIdx
	return text[idx:end], end
}

func firstIndexOfEither(text, id, title string, from int) (int, string) {
	if from < 0 {
		from = 0
	}
	if from > len(text) {
		from = len(text)
	}
	searchable := text[from:]

	bestIdx := -1
	var bestMarker string
	for _, marker := range []string{id, title} {
		if marker == "" {
			continue
		}
		if i := strings.Index(searchable, marker); i != -1 && (bestIdx == -1 || i < bestIdx) {
			bestIdx = i
			bestMarker = marker
		}
	}
	if bestIdx == -1 {
		return -1, ""
	}
	return from + bestIdx, bestMarker
}

func classify(section string) coordtypes.Verdict {
	if approvedPattern.MatchString(section) &&
		!notApprovedUnderscore.MatchString(section) &&
		!notApprovedSpace.MatchString(section) {
		return coordtypes.VerdictApproved
	}
	return coordtypes.VerdictNotApproved
}
