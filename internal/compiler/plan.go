package compiler

import (
	"time"

	"github.com/roach88/gridflow/internal/ir"
	"github.com/roach88/gridflow/internal/types"
)

// Synthetic node names. Neither can collide with a step id because step ids
// may not start with '$'.
const (
	SourceNode = "$inputs"
	SinkNode   = "$outputs"
)

// Plan is a compiled flow: a DAG of steps between the source node (global
// inputs) and the sink node (global outputs).
type Plan struct {
	Flow     *ir.Flow
	Registry *types.Registry

	Inputs  []*Input
	Steps   []*Step // declaration order
	Outputs []*Output
	Edges   []*Edge

	byID map[string]*Step
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	s, ok := p.byID[id]
	return s, ok
}

// Input returns the global input with the given name.
func (p *Plan) Input(name string) (*Input, bool) {
	for _, in := range p.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return nil, false
}

// Descendants returns the transitive downstream step ids of id in
// declaration order.
func (p *Plan) Descendants(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(s string) {
		step, ok := p.byID[s]
		if !ok {
			return
		}
		for _, d := range step.Downstream {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)

	var out []string
	for _, s := range p.Steps {
		if seen[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Input is a global input.
type Input struct {
	Name     string
	Type     types.Name
	Default  any
	HasValue bool
}

// Output is a global output fed by one sink edge.
type Output struct {
	Name string
	Type types.Name
	Edge *Edge
}

// Step is one compiled process.
type Step struct {
	ID       string
	Index    int
	Group    string
	Optional bool
	Version  string
	Timeout  time.Duration // zero means the flow-wide default
	Binding  ir.Binding

	Inputs  []*StepInput
	Outputs []*StepOutput

	// In holds edges from other steps; the step is ready once every one of
	// them has delivered. Edges from the source node are not counted.
	In  []*Edge
	Out []*Edge

	Upstream   []string // distinct producer step ids
	Downstream []string // distinct consumer step ids
}

// Indegree is the number of step-to-step edges into s.
func (s *Step) Indegree() int {
	return len(s.In)
}

// Output returns the declared output with the given name.
func (s *Step) Output(name string) (*StepOutput, bool) {
	for _, o := range s.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return nil, false
}

// StepInput is one declared input: either a literal or an edge.
type StepInput struct {
	Name string
	Type types.Name

	Literal    any
	HasLiteral bool

	Edge *Edge
}

// StepOutput is one declared output.
type StepOutput struct {
	Name      string
	Type      types.Name
	File      string // file name inside the work dir for file-typed outputs
	Transient bool
}

// Endpoint names one value slot. Step is SourceNode for global inputs and
// SinkNode for global outputs.
type Endpoint struct {
	Step string
	Name string
}

func (e Endpoint) String() string {
	return e.Step + "." + e.Name
}

// Edge routes a producer value to a consumer slot.
type Edge struct {
	From     Endpoint
	To       Endpoint
	FromType types.Name
	ToType   types.Name

	// Chain is the conversion resolved at compile time. Nil when either side
	// is untyped; the value is then adapted from its runtime type.
	Chain *types.Chain
}

// Adapt converts a produced value for the consumer.
func (e *Edge) Adapt(reg *types.Registry, v any) (any, error) {
	if e.Chain != nil {
		return e.Chain.Convert(v)
	}
	return reg.Adapt(v, e.ToType)
}
