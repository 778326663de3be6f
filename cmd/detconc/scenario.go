package main

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// Scenario is the small TOML file cmd/detconc's run subcommand loads: which
// worked example to execute, which scheduler and memory model to drive it
// with, and a bound on how long a run is allowed to go.
type Scenario struct {
	Scenario ScenarioDetails `toml:"scenario"`
}

type ScenarioDetails struct {
	Example     string `toml:"example"`
	Scheduler   string `toml:"scheduler,omitempty"`    // round_robin | stay | random (default round_robin)
	MemoryModel string `toml:"memory_model,omitempty"` // sc | tso | pso (default sc)
	Seed        int64  `toml:"seed,omitempty"`         // only meaningful for scheduler = random
	MaxSteps    int    `toml:"max_steps,omitempty"`    // 0 = unlimited
}

func parseScenario(f io.Reader) (*Scenario, error) {
	var out Scenario
	if _, err := toml.NewDecoder(f).Decode(&out); err != nil {
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	if out.Scenario.Scheduler == "" {
		out.Scenario.Scheduler = "round_robin"
	}
	if out.Scenario.MemoryModel == "" {
		out.Scenario.MemoryModel = "sc"
	}
	return &out, nil
}

func loadScenarioFromFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open: %w", err)
	}
	defer f.Close()
	return parseScenario(f)
}
