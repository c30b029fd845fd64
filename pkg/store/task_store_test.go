package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

func testClock() Clock {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestTaskStore_FindReadyTasks(t *testing.T) {
	s := NewTaskStore(testClock())

	alpha := s.Create("ws1", "Alpha", "do alpha", nil, nil, nil, nil)
	beta := s.Create("ws1", "Beta", "do beta", nil, nil, nil, []string{alpha.ID})
	s.Create("ws2", "Other workspace", "", nil, nil, nil, nil)

	ready := s.FindReadyTasks("ws1")
	require.Len(t, ready, 1)
	assert.Equal(t, alpha.ID, ready[0].ID)

	require.NoError(t, s.SetStatus(alpha.ID, coordtypes.TaskCompleted))

	ready = s.FindReadyTasks("ws1")
	require.Len(t, ready, 1)
	assert.Equal(t, beta.ID, ready[0].ID)
}

func TestTaskStore_AssignAndVerdict(t *testing.T) {
	s := NewTaskStore(testClock())
	task := s.Create("ws1", "Alpha", "", nil, nil, nil, nil)

	require.NoError(t, s.Assign(task.ID, "agent-1"))
	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, coordtypes.TaskInProgress, got.Status)
	assert.Equal(t, "agent-1", got.AssignedTo)

	require.NoError(t, s.SetStatus(task.ID, coordtypes.TaskReviewRequired))
	require.NoError(t, s.SetVerdict(task.ID, coordtypes.VerdictNotApproved))
	got, err = s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, coordtypes.TaskNeedsFix, got.Status)
	require.NotNil(t, got.Verdict)
	assert.Equal(t, coordtypes.VerdictNotApproved, *got.Verdict)

	require.NoError(t, s.Unassign(task.ID))
	got, err = s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, coordtypes.TaskPending, got.Status)
	assert.Empty(t, got.AssignedTo)
	assert.Nil(t, got.Verdict, "a Pending task awaiting re-verification must not carry a stale verdict")
}

func TestTaskStore_AllTerminal(t *testing.T) {
	s := NewTaskStore(testClock())
	a := s.Create("ws1", "Alpha", "", nil, nil, nil, nil)
	b := s.Create("ws1", "Beta", "", nil, nil, nil, nil)

	assert.False(t, s.AllTerminal("ws1"))

	require.NoError(t, s.SetStatus(a.ID, coordtypes.TaskCompleted))
	require.NoError(t, s.SetStatus(b.ID, coordtypes.TaskCancelled))

	assert.True(t, s.AllTerminal("ws1"))
}

func TestTaskStore_GetMissing(t *testing.T) {
	s := NewTaskStore(testClock())
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
