package reportparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

func TestParseWorkerReport_Success(t *testing.T) {
	text := "Implemented the alpha feature.\nUpdated pkg/alpha/handler.go and test/alpha_test.go.\nAll good.\n"
	report := ParseWorkerReport("agent-1", "task-1", text)

	assert.True(t, report.Success)
	assert.Contains(t, report.Summary, "Implemented the alpha feature.")
	assert.ElementsMatch(t, []string{"pkg/alpha/handler.go", "test/alpha_test.go"}, report.FilesModified)
}

func TestParseWorkerReport_Failure(t *testing.T) {
	text := "Attempted the task but it FAILED during the build step."
	report := ParseWorkerReport("agent-1", "task-1", text)
	assert.False(t, report.Success)
}

func TestParseWorkerReport_SummaryTruncated(t *testing.T) {
	text := strings.Repeat("a", 600)
	report := ParseWorkerReport("agent-1", "task-1", text)
	assert.Len(t, report.Summary, maxSummaryLen)
}

func TestParseVerifierVerdicts(t *testing.T) {
	tasks := []coordtypes.Task{
		{ID: "task-1", Title: "Alpha"},
		{ID: "task-2", Title: "Beta"},
	}
	text := `Alpha
APPROVED, looks good.

Beta
NOT APPROVED, missing tests.
`
	results := ParseVerifierVerdicts(text, tasks)
	require.Contains(t, results, "task-1")
	require.Contains(t, results, "task-2")
	assert.Equal(t, coordtypes.VerdictApproved, results["task-1"].Verdict)
	assert.Equal(t, coordtypes.VerdictNotApproved, results["task-2"].Verdict)
}

func TestParseVerifierVerdicts_RejectedTaskFirstDoesNotSwallowNextApproval(t *testing.T) {
	tasks := []coordtypes.Task{
		{ID: "task-1", Title: "Alpha"},
		{ID: "task-2", Title: "Beta"},
	}
	text := `Alpha
NOT APPROVED, missing tests.

Beta
APPROVED, looks good.
`
	results := ParseVerifierVerdicts(text, tasks)
	assert.Equal(t, coordtypes.VerdictNotApproved, results["task-1"].Verdict)
	assert.Equal(t, coordtypes.VerdictApproved, results["task-2"].Verdict)
}

// TestParseVerifierVerdicts_DuplicateTitlesResolveToSuccessiveOccurrences
// covers two tasks sharing a title (ids are expected unique, titles are
// not): each must get its own section, not both collapse onto the
// first occurrence of the shared title.
func TestParseVerifierVerdicts_DuplicateTitlesResolveToSuccessiveOccurrences(t *testing.T) {
	tasks := []coordtypes.Task{
		{ID: "task-1", Title: "Fix bug"},
		{ID: "task-2", Title: "Fix bug"},
	}
	text := `Fix bug
APPROVED, looks good.

Fix bug
NOT APPROVED, missing tests.
`
	results := ParseVerifierVerdicts(text, tasks)
	assert.Equal(t, coordtypes.VerdictApproved, results["task-1"].Verdict)
	assert.Equal(t, coordtypes.VerdictNotApproved, results["task-2"].Verdict)
}

func TestParseVerifierVerdicts_SingleTaskNoSection(t *testing.T) {
	tasks := []coordtypes.Task{{ID: "task-1", Title: "Alpha"}}
	text := "APPROVED"
	results := ParseVerifierVerdicts(text, tasks)
	assert.Equal(t, coordtypes.VerdictApproved, results["task-1"].Verdict)
}
