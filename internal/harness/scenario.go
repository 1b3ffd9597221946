package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/gridflow/internal/engine"
)

// Scenario is one flow execution with expected results.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Flow is the flow document path, relative to the scenario file.
	Flow string `yaml:"flow"`

	// Inputs are global input values; strings are adapted to the declared
	// input types like command-line values.
	Inputs map[string]any `yaml:"inputs,omitempty"`

	// Runs is how many times the flow runs against the same cache.
	// Zero means once.
	Runs int `yaml:"runs,omitempty"`

	NoCache bool `yaml:"no_cache,omitempty"`

	// MaxConcurrency bounds parallel steps. Zero means one, which keeps
	// traces deterministic.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`

	Expect Expect `yaml:"expect"`

	Assertions []Assertion `yaml:"assertions,omitempty"`

	// Dir is the directory of the scenario file; Flow is resolved from it.
	Dir string `yaml:"-"`
}

// Expect describes the final run.
type Expect struct {
	// Outputs is a subset match on global outputs.
	Outputs map[string]any `yaml:"outputs,omitempty"`

	// States maps step ids to terminal states.
	States map[string]string `yaml:"states,omitempty"`

	// ErrorKind is the expected error kind; empty expects success.
	ErrorKind string `yaml:"error_kind,omitempty"`
}

// Assertion validates the trace or the cache.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count,
	// cache_entries.
	Type string `yaml:"type"`

	Step  string   `yaml:"step,omitempty"`
	State string   `yaml:"state,omitempty"`
	Run   int      `yaml:"run,omitempty"` // zero matches any run
	Steps []string `yaml:"steps,omitempty"`
	Count int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertCacheEntries  = "cache_entries"
)

// FlowPath returns the flow document path.
func (s *Scenario) FlowPath() string {
	if filepath.IsAbs(s.Flow) || s.Dir == "" {
		return s.Flow
	}
	return filepath.Join(s.Dir, s.Flow)
}

// runs returns the effective run count.
func (s *Scenario) runs() int {
	if s.Runs < 1 {
		return 1
	}
	return s.Runs
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos)
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.Dir = filepath.Dir(path)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml and *.yml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Flow == "" {
		return fmt.Errorf("flow is required")
	}
	if _, err := os.Stat(s.FlowPath()); os.IsNotExist(err) {
		return fmt.Errorf("flow file not found: %s", s.FlowPath())
	}
	if s.Runs < 0 {
		return fmt.Errorf("runs must be non-negative")
	}
	if s.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be non-negative")
	}
	for step, state := range s.Expect.States {
		if !knownState(state) {
			return fmt.Errorf("expect.states.%s: unknown state %q", step, state)
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Step == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: step and state are required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) < 2 {
			return fmt.Errorf("assertions[%d]: at least two steps are required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Step == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: step and state are required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertCacheEntries:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for cache_entries", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.State != "" && !knownState(a.State) {
		return fmt.Errorf("assertions[%d]: unknown state %q", index, a.State)
	}
	return nil
}

func knownState(s string) bool {
	switch engine.State(s) {
	case engine.StatePending, engine.StateReady, engine.StateRunning, engine.StateCached,
		engine.StateSucceeded, engine.StateFailed, engine.StateCancelled, engine.StateTimedOut:
		return true
	}
	return false
}
