// Package planparser extracts structured task blocks from a Planner's
// free-form text output. It is a line-oriented section state machine
// in the same spirit as the teacher's react_parser.go: track a current
// section within each block (reset at every block start), recover
// forgivingly from malformed input rather than failing the whole
// parse, and report problems as
// warnings instead of errors.
package planparser

import (
	"regexp"
	"strings"
)

const (
	blockOpen  = "@@@task"
	blockClose = "@@@"
)

var (
	titleHeader     = regexp.MustCompile(`^#\s+(.+)$`)
	objectiveHeader = regexp.MustCompile(`^##\s+Objective\s*$`)
	scopeHeader     = regexp.MustCompile(`^##\s+Scope\s*$`)
	doneHeader      = regexp.MustCompile(`^##\s+Definition of Done\s*$`)
	verifyHeader    = regexp.MustCompile(`^##\s+Verification\s*$`)
	listItem        = regexp.MustCompile(`^-\s+(.+)$`)
)

// ParsedTask is one `@@@task ... @@@` block turned into structured
// fields. It carries no id or status — the caller (the coordinator's
// TaskRegistration stage) owns assigning those when it saves the
// record to the task store.
type ParsedTask struct {
	Title                string
	Objective            string
	Scope                []string
	AcceptanceCriteria   []string
	VerificationCommands []string
}

// WarningKind tags why a block was skipped.
type WarningKind string

const (
	WarningMissingTitle WarningKind = "missing_title"
	WarningUnclosed     WarningKind = "unclosed_block"
)

// Warning records a malformed block that was skipped rather than
// causing the whole parse to fail, mirroring the spec's "logged as
// Info, the block is skipped, pipeline continues" ParseError policy.
type Warning struct {
	Kind WarningKind
	Note string
}

type section int

const (
	sectionNone section = iota
	sectionObjective
	sectionScope
	sectionDone
	sectionVerify
)

// Parse extracts every well-formed `@@@task ... @@@` block from text.
// Returning an empty slice (with no warnings) is a valid "no
// actionable work" outcome.
func Parse(text string) ([]ParsedTask, []Warning) {
	var tasks []ParsedTask
	var warnings []Warning

	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) != blockOpen {
			i++
			continue
		}

		// Find the matching close marker.
		start := i + 1
		end := -1
		for j := start; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == blockClose {
				end = j
				break
			}
		}
		if end == -1 {
			warnings = append(warnings, Warning{Kind: WarningUnclosed, Note: "block opened without a closing @@@"})
			break
		}

		task, ok, warn := parseBlock(lines[start:end])
		if ok {
			tasks = append(tasks, task)
		} else if warn != "" {
			warnings = append(warnings, Warning{Kind: WarningMissingTitle, Note: warn})
		}

		i = end + 1
	}

	return tasks, warnings
}

// parseBlock runs the section state machine over one block's lines.
// A block without a title is discarded per the spec's grammar.
func parseBlock(lines []string) (ParsedTask, bool, string) {
	var task ParsedTask
	var objectiveLines []string
	current := sectionNone
	haveTitle := false

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			continue
		case titleHeader.MatchString(trimmed) && !haveTitle:
			m := titleHeader.FindStringSubmatch(trimmed)
			task.Title = strings.TrimSpace(m[1])
			haveTitle = true
			current = sectionNone
		case objectiveHeader.MatchString(trimmed):
			current = sectionObjective
		case scopeHeader.MatchString(trimmed):
			current = sectionScope
		case doneHeader.MatchString(trimmed):
			current = sectionDone
		case verifyHeader.MatchString(trimmed):
			current = sectionVerify
		default:
			appendContent(&task, &objectiveLines, current, trimmed)
		}
	}

	task.Objective = strings.TrimSpace(strings.Join(objectiveLines, "\n"))

	if !haveTitle {
		return ParsedTask{}, false, "block missing required title (# <title>)"
	}
	return task, true, ""
}

func appendContent(task *ParsedTask, objectiveLines *[]string, current section, trimmed string) {
	switch current {
	case sectionObjective:
		*objectiveLines = append(*objectiveLines, trimmed)
	case sectionScope:
		if m := listItem.FindStringSubmatch(trimmed); m != nil {
			task.Scope = append(task.Scope, strings.TrimSpace(m[1]))
		}
	case sectionDone:
		if m := listItem.FindStringSubmatch(trimmed); m != nil {
			task.AcceptanceCriteria = append(task.AcceptanceCriteria, strings.TrimSpace(m[1]))
		}
	case sectionVerify:
		if m := listItem.FindStringSubmatch(trimmed); m != nil {
			task.VerificationCommands = append(task.VerificationCommands, strings.TrimSpace(m[1]))
		}
	}
}
