package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type scriptedStage struct {
	name    string
	results []StageResult
	calls   int
}

func (s *scriptedStage) Name() string { return s.name }

func (s *scriptedStage) Run(pc *Context) StageResult {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx]
}

func newContext() *Context {
	return &Context{Ctx: context.Background()}
}

func TestExecutor_AllContinueSucceeds(t *testing.T) {
	a := &scriptedStage{name: "a", results: []StageResult{Continue()}}
	b := &scriptedStage{name: "b", results: []StageResult{Continue()}}
	e := NewExecutor([]Stage{a, b}, 3)

	result := e.Execute(newContext())
	assert.Equal(t, ResultDone, result.Kind)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestExecutor_SkipRemainingStopsEarly(t *testing.T) {
	a := &scriptedStage{name: "a", results: []StageResult{SkipRemaining("no tasks")}}
	b := &scriptedStage{name: "b", results: []StageResult{Continue()}}
	e := NewExecutor([]Stage{a, b}, 3)

	result := e.Execute(newContext())
	assert.Equal(t, ResultSkipRemaining, result.Kind)
	assert.Equal(t, "no tasks", result.Value)
	assert.Equal(t, 0, b.calls)
}

func TestExecutor_FailedPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	a := &scriptedStage{name: "a", results: []StageResult{Failed(boom)}}
	e := NewExecutor([]Stage{a}, 3)

	result := e.Execute(newContext())
	assert.Equal(t, ResultFailed, result.Kind)
	assert.ErrorIs(t, result.Err, boom)
}

func TestExecutor_RepeatPipelineRestartsFromStageZero(t *testing.T) {
	a := &scriptedStage{name: "a", results: []StageResult{Continue(), Continue()}}
	b := &scriptedStage{name: "b", results: []StageResult{RepeatPipeline(), Continue()}}
	e := NewExecutor([]Stage{a, b}, 3)

	result := e.Execute(newContext())
	assert.Equal(t, ResultDone, result.Kind)
	assert.Equal(t, 2, a.calls)
	assert.Equal(t, 2, b.calls)
}

func TestExecutor_RepeatOnFinalIterationReachesMax(t *testing.T) {
	a := &scriptedStage{name: "a", results: []StageResult{Continue(), Continue(), Continue()}}
	b := &scriptedStage{name: "b", results: []StageResult{RepeatPipeline(), RepeatPipeline(), RepeatPipeline()}}
	e := NewExecutor([]Stage{a, b}, 3)

	result := e.Execute(newContext())
	assert.Equal(t, ResultFailed, result.Kind)
	assert.ErrorIs(t, result.Err, ErrMaxIterationsReached)
	assert.Equal(t, 3, a.calls)
	assert.Equal(t, 3, b.calls)
}
