// coordinator drives a single planner -> worker-wave -> verifier run
// from the command line and exits with a status reflecting the
// outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/coordinator/pkg/config"
	"github.com/codeready-toolchain/coordinator/pkg/coordinator"
	"github.com/codeready-toolchain/coordinator/pkg/orchestrator"
	"github.com/codeready-toolchain/coordinator/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	request := flag.String("request", "", "Natural-language task request for the Planner")
	workspace := flag.String("workspace", "default", "Workspace id for this run")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	}

	if *request == "" {
		slog.Error("a -request is required")
		os.Exit(1)
	}

	slog.Info("starting coordinator", "version", version.Full())

	ctx := context.Background()

	cfgPath := filepath.Join(*configDir, "coordinator.yaml")
	cfg, err := config.LoadCoordinatorConfig(cfgPath)
	if err != nil {
		slog.Error("failed to load coordinator configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	facade, err := orchestrator.NewFacade(ctx, cfg)
	if err != nil {
		slog.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	result := facade.Execute(ctx, *request, orchestrator.Options{
		WorkspaceID: *workspace,
		PhaseObserver: func(p coordinator.Phase) {
			slog.Info("phase changed", "phase", p)
		},
	})

	// os.Exit bypasses deferred calls, so the shutdown that drains
	// backend subprocesses must run explicitly on every path rather
	// than behind a defer.
	var exitCode int
	switch result.Kind {
	case orchestrator.ResultSuccess:
		slog.Info("coordination run completed", "tasks", len(result.TaskSummaries))
		printTaskSummaries(result)
		exitCode = 0
	case orchestrator.ResultNoTasks:
		slog.Info("planner produced no tasks")
		fmt.Println(result.PlanText)
		exitCode = 0
	case orchestrator.ResultMaxIterationsReached:
		slog.Warn("max iterations reached before every task was approved", "tasks", len(result.TaskSummaries))
		printTaskSummaries(result)
		exitCode = 2
	default:
		slog.Error("coordination run failed", "error", result.Err)
		exitCode = 1
	}

	facade.Shutdown(ctx)
	os.Exit(exitCode)
}

func printTaskSummaries(result orchestrator.Result) {
	for _, t := range result.TaskSummaries {
		verdict := "-"
		if t.Verdict != nil {
			verdict = string(*t.Verdict)
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", t.TaskID, t.Status, verdict, t.Title)
	}
}
