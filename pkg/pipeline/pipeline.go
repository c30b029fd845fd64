// Package pipeline sequences a fixed list of Stages with bounded
// repetition. Grounded on the teacher's pkg/queue/worker.go control
// loop (a single-pass `for { ... }` dispatch loop) generalized from
// "poll one queue" to "run these stages in order, possibly more than
// once." maxIterations bookkeeping follows the teacher's
// sessionsProcessed-style counter pattern. Each stage runs inside its
// own OpenTelemetry span, recording the stage's StageResult kind as a
// span attribute — the same "one span per unit of work" shape the
// teacher applies to queue session processing.
package pipeline

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeready-toolchain/coordinator/pkg/coordinator"
	"github.com/codeready-toolchain/coordinator/pkg/events"
	"github.com/codeready-toolchain/coordinator/pkg/provider"
	"github.com/codeready-toolchain/coordinator/pkg/store"
)

// ErrMaxIterationsReached is returned when a stage requests
// RepeatPipeline on the pipeline's final allowed iteration.
var ErrMaxIterationsReached = errors.New("max iterations reached")

// DefaultMaxIterations is used when a non-positive value is
// configured.
const DefaultMaxIterations = 3

// StageResultKind tags the variant a Stage returns.
type StageResultKind int

const (
	ResultContinue StageResultKind = iota
	ResultSkipRemaining
	ResultRepeatPipeline
	ResultDone
	ResultFailed
)

func (k StageResultKind) String() string {
	switch k {
	case ResultContinue:
		return "continue"
	case ResultSkipRemaining:
		return "skip_remaining"
	case ResultRepeatPipeline:
		return "repeat_pipeline"
	case ResultDone:
		return "done"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StageResult is what a Stage.Run returns. Value carries a
// stage-specific payload for SkipRemaining/Done (e.g. "no tasks"
// plan text); Err carries the cause for Failed.
type StageResult struct {
	Kind  StageResultKind
	Value any
	Err   error
}

func Continue() StageResult                 { return StageResult{Kind: ResultContinue} }
func SkipRemaining(value any) StageResult    { return StageResult{Kind: ResultSkipRemaining, Value: value} }
func RepeatPipeline() StageResult            { return StageResult{Kind: ResultRepeatPipeline} }
func Done(value any) StageResult             { return StageResult{Kind: ResultDone, Value: value} }
func Failed(err error) StageResult           { return StageResult{Kind: ResultFailed, Err: err} }

// Context is the shared state stages read and write as the pipeline
// advances: store handles, the router, the coordinator driving phase
// transitions, and slots for inter-stage data.
type Context struct {
	Ctx context.Context

	WorkspaceID   string
	Agents        *store.AgentStore
	Tasks         *store.TaskStore
	Conversations *store.ConversationStore
	Bus           *events.Bus
	Router        *provider.Router
	Coordinator   *coordinator.Coordinator

	// Request is the user's natural-language input, the prompt for the
	// Planning stage.
	Request string

	// PlanOutput is the Planner's raw text, written by Planning and read
	// by TaskRegistration.
	PlanOutput string

	// TaskIDs is the set of task ids registered this pipeline run,
	// written by TaskRegistration.
	TaskIDs []string

	// StreamObserver, if set, receives every RenderEvent chunk produced
	// by any agent invocation during this run.
	StreamObserver func(agentID string, chunk provider.RenderEvent)
}

// Stage is a reusable unit of pipeline logic.
type Stage interface {
	Name() string
	Run(pc *Context) StageResult
}

// Executor runs an ordered list of Stages with a bounded iteration
// count.
type Executor struct {
	stages        []Stage
	maxIterations int
	tracer        trace.Tracer
}

// NewExecutor builds an Executor over stages. maxIterations <= 0
// resolves to DefaultMaxIterations.
func NewExecutor(stages []Stage, maxIterations int) *Executor {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Executor{
		stages:        stages,
		maxIterations: maxIterations,
		tracer:        otel.Tracer("pkg/pipeline"),
	}
}

// Execute runs the stage list against pc, restarting from stage 0
// whenever a stage returns RepeatPipeline, up to maxIterations times.
func (e *Executor) Execute(pc *Context) StageResult {
	for iteration := 1; iteration <= e.maxIterations; iteration++ {
		repeat := false
		for _, stage := range e.stages {
			result := e.runStage(pc, stage)
			switch result.Kind {
			case ResultContinue:
				continue
			case ResultRepeatPipeline:
				repeat = true
			case ResultSkipRemaining, ResultDone, ResultFailed:
				return result
			}
			break
		}
		if !repeat {
			return Done(nil)
		}
	}
	return Failed(ErrMaxIterationsReached)
}

func (e *Executor) runStage(pc *Context, stage Stage) StageResult {
	ctx, span := e.tracer.Start(pc.Ctx, stage.Name())
	defer span.End()

	prevCtx := pc.Ctx
	pc.Ctx = ctx
	defer func() { pc.Ctx = prevCtx }()

	result := stage.Run(pc)
	span.SetAttributes(attribute.String("stage.result", result.Kind.String()))
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	return result
}
