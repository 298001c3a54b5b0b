// Command swarmctl runs a single task through the orchestration engine and
// prints its Event Bus activity and final Artifact to stdout.
//
// Grounded on cmd/demo/main.go's shape: construct the runtime, register one
// unit of work, run it, print the result. Here "the runtime" is the swarm
// package facade and "the unit of work" is a task submitted from the
// command line instead of a hardcoded stub planner.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nimbusforge/swarm"
	"github.com/nimbusforge/swarm/config"
	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/modelgateway/anthropic"
	"github.com/nimbusforge/swarm/sandboxgw"
	"github.com/nimbusforge/swarm/task"
	"github.com/nimbusforge/swarm/telemetry"
)

func main() {
	var (
		prompt       = flag.String("task", "", "task content to submit (required)")
		configPath   = flag.String("config", "", "path to a YAML config file (optional)")
		model        = flag.String("model", "claude-sonnet-4-5", "default Anthropic model id")
		sandboxURL   = flag.String("sandbox-url", "", "Sandbox Gateway base URL (optional)")
		recoveryPath = flag.String("recovery-file", "swarmctl-recovery.json", "path for the unclean-shutdown recovery file")
	)
	flag.Parse()

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "swarmctl: -task is required")
		os.Exit(2)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "swarmctl: ANTHROPIC_API_KEY is required")
		os.Exit(2)
	}

	client, err := anthropic.NewFromAPIKey(apiKey, *model)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: build model client:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: load config:", err)
		os.Exit(1)
	}

	var sandbox sandboxgw.Client
	if *sandboxURL != "" {
		sandbox = sandboxgw.NewHTTPClient(*sandboxURL, nil)
	}

	logger := telemetry.NewZapLogger(nil)

	sw := swarm.New(swarm.Options{
		Client:       client,
		Sandbox:      sandbox,
		Config:       cfg,
		RecoveryPath: *recoveryPath,
		Logger:       logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ExecutionTimeout))
	defer cancel()

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	_, _ = sw.Subscribe(subCtx, eventbus.SubscriberFunc(func(_ context.Context, evt eventbus.Event) error {
		fmt.Printf("[%s] task=%s %v\n", evt.Type, evt.TaskID, evt.Payload)
		return nil
	}))

	result, err := sw.Execute(ctx, *prompt, swarm.SubmitOptions{OutputType: task.OutputAuto})
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: execute:", err)
	}

	fmt.Println("\n--- artifact ---")
	fmt.Println("type:", result.Artifact.Type)
	fmt.Println(result.Artifact.Content)
	for path, content := range result.Artifact.Files {
		fmt.Printf("--- file %s ---\n%s\n", path, content)
	}

	if shutdownErr := sw.Shutdown(context.Background()); shutdownErr != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: shutdown:", shutdownErr)
	}
}
