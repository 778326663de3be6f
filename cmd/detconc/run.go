package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/detconc-dev/detconc/sched"
	"github.com/detconc-dev/detconc/trace"
)

var runCmd = &cobra.Command{
	Use:   "run SCENARIOFILE",
	Short: "Run a scenario's example through its configured scheduler",
	Args:  cobra.ExactArgs(1),
	Run:   runCommand,
}

func runCommand(cmd *cobra.Command, args []string) {
	runID := uuid.New().String()
	logger := log.With().Str("run_id", runID).Logger()

	filename := args[0]
	scenario, err := loadScenarioFromFile(filename)
	if err != nil {
		logger.Fatal().Err(err).Msg("couldn't load scenario file")
	}
	details := scenario.Scenario

	program, err := lookupExample(details.Example)
	if err != nil {
		logger.Fatal().Err(err).Msg("couldn't resolve example")
	}
	model, err := lookupMemoryModel(details.MemoryModel)
	if err != nil {
		logger.Fatal().Err(err).Msg("couldn't resolve memory model")
	}
	scheduler, schedState, err := lookupScheduler(details.Scheduler, details.Seed)
	if err != nil {
		logger.Fatal().Err(err).Msg("couldn't resolve scheduler")
	}
	if details.MaxSteps > 0 {
		scheduler = withStepBound(scheduler)
		schedState = initialBoundState(details.MaxSteps, schedState)
	}

	logger.Info().
		Str("example", details.Example).
		Str("scheduler", details.Scheduler).
		Str("memory_model", details.MemoryModel).
		Msg("starting run")

	fmt.Fprintln(os.Stderr, color.Cyan.Sprintf("Running %q under %q (%s)...", details.Example, details.Scheduler, details.MemoryModel))

	ip := sched.NewInterpreter(model)
	outcome := sched.Run(ip, program, scheduler, schedState)

	fmt.Fprintln(os.Stderr, formatOutcome(outcome))

	if !outcome.Succeeded() {
		os.Exit(1)
	}
}

func formatOutcome(outcome trace.Outcome) string {
	if outcome.Succeeded() {
		return color.Green.Sprintf("✓ run succeeded: value=%v, %d steps, %d preemptions", outcome.Value, len(outcome.Trace), outcome.Preemptions)
	}
	return color.Red.Sprintf("✗ run ended in %s after %d steps, %d preemptions", outcome.Failure, len(outcome.Trace), outcome.Preemptions)
}
