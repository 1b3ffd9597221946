package compiler

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/gridflow/internal/ir"
	"github.com/roach88/gridflow/internal/types"
)

// Option configures Compile.
type Option func(*compiler)

// WithBindingCheck installs a validator consulted for every binding, e.g. to
// reject native names absent from the process-local registry. A non-nil
// error becomes CompileError{missing_binding}.
func WithBindingCheck(check func(*ir.Binding) error) Option {
	return func(c *compiler) {
		c.checkBinding = check
	}
}

type compiler struct {
	flow         *ir.Flow
	reg          *types.Registry
	checkBinding func(*ir.Binding) error

	plan *Plan
	errs ErrorList
}

// Compile turns a parsed document into a Plan.
//
// Every problem in the document is collected; the returned error is a single
// *CompileError or an ErrorList. Cycle detection runs only when all
// references resolved.
func Compile(flow *ir.Flow, reg *types.Registry, opts ...Option) (*Plan, error) {
	if reg == nil {
		reg = types.Builtin()
	}
	c := &compiler{
		flow: flow,
		reg:  reg,
		plan: &Plan{
			Flow:     flow,
			Registry: reg,
			byID:     make(map[string]*Step),
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if strings.TrimSpace(flow.ID) == "" {
		c.fail(&CompileError{Kind: KindMalformed, Field: "flow.id", Message: "flow id is required"})
	}

	c.compileInputs()
	c.declareSteps()
	if len(c.errs) == 0 {
		c.resolveStepInputs()
		c.resolveOutputs()
	}
	if len(c.errs) == 0 {
		c.checkAcyclic()
	}

	if err := c.errs.err(); err != nil {
		slog.Debug("flow compile failed", "flow_id", flow.ID, "errors", len(c.errs))
		return nil, err
	}

	slog.Debug("flow compiled",
		"flow_id", flow.ID,
		"steps", len(c.plan.Steps),
		"edges", len(c.plan.Edges))
	return c.plan, nil
}

// CompileFile parses and compiles a document from disk.
func CompileFile(path string, reg *types.Registry, opts ...Option) (*Plan, error) {
	flow, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(flow, reg, opts...)
}

func (c *compiler) fail(err *CompileError) {
	c.errs = append(c.errs, err)
}

// compileInputs builds the global input map and evaluates defaults.
func (c *compiler) compileInputs() {
	seen := map[string]bool{}
	for i, p := range c.flow.Inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		if p.Name == "" {
			c.fail(&CompileError{Kind: KindMalformed, Field: field, Message: "input name is required"})
			continue
		}
		if seen[p.Name] {
			c.fail(&CompileError{Kind: KindMalformed, Field: "inputs." + p.Name, Message: "duplicate global input"})
			continue
		}
		seen[p.Name] = true

		in := &Input{Name: p.Name, Type: c.declared(p.Type, types.String)}
		if lit, ok := p.Literal(); ok {
			v, err := c.reg.Literal(lit, in.Type)
			if err != nil {
				c.fail(&CompileError{
					Kind:    KindTypeMismatch,
					Field:   "inputs." + p.Name,
					Message: fmt.Sprintf("default %q is not a valid %s", lit, in.Type),
					Err:     err,
				})
				continue
			}
			in.Default, in.HasValue = v, true
		}
		c.plan.Inputs = append(c.plan.Inputs, in)
	}
}

// declareSteps registers every step so references may point forward.
func (c *compiler) declareSteps() {
	for i, proc := range c.flow.Processes {
		id := strings.TrimSpace(proc.ID)
		field := fmt.Sprintf("processes[%d]", i)

		switch {
		case id == "":
			c.fail(&CompileError{Kind: KindMalformed, Field: field, Message: "process id is required"})
			continue
		case strings.ContainsAny(id, ". \t\r\n") || strings.HasPrefix(id, "$"):
			c.fail(&CompileError{Kind: KindMalformed, Step: id, Message: "process id may not contain '.', whitespace or start with '$'"})
			continue
		case id == ir.SourceInputs || id == ir.SourcePrevious:
			c.fail(&CompileError{Kind: KindMalformed, Step: id, Message: "process id is reserved"})
			continue
		}
		if _, dup := c.plan.byID[id]; dup {
			c.fail(&CompileError{Kind: KindDuplicateStepID, Step: id, Message: "step id declared more than once"})
			continue
		}

		step := &Step{
			ID:       id,
			Index:    len(c.plan.Steps),
			Group:    proc.Group,
			Optional: proc.Optional,
			Version:  proc.Version,
		}

		if proc.Timeout != "" {
			d, err := time.ParseDuration(proc.Timeout)
			if err != nil || d <= 0 {
				c.fail(&CompileError{Kind: KindMalformed, Step: id, Field: "timeout", Message: fmt.Sprintf("invalid timeout %q", proc.Timeout)})
			}
			step.Timeout = d
		}

		if err := c.validateBinding(proc.Binding); err != nil {
			err.Step = id
			c.fail(err)
		} else {
			step.Binding = *proc.Binding
		}

		outSeen := map[string]bool{}
		for j, o := range proc.Outputs {
			if o.Name == "" {
				c.fail(&CompileError{Kind: KindMalformed, Step: id, Field: fmt.Sprintf("outputs[%d]", j), Message: "output name is required"})
				continue
			}
			if outSeen[o.Name] {
				c.fail(&CompileError{Kind: KindMalformed, Step: id, Field: "outputs." + o.Name, Message: "duplicate output"})
				continue
			}
			outSeen[o.Name] = true
			step.Outputs = append(step.Outputs, &StepOutput{
				Name:      o.Name,
				Type:      c.declared(o.Type, types.Any),
				File:      o.File,
				Transient: o.Transient,
			})
		}

		c.plan.byID[id] = step
		c.plan.Steps = append(c.plan.Steps, step)
	}
}

func (c *compiler) validateBinding(b *ir.Binding) *CompileError {
	if b == nil {
		return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: "process has no binding"}
	}
	switch b.Kind {
	case ir.BindingNative:
		if b.Name == "" {
			return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: "native binding needs a name"}
		}
	case ir.BindingSubprocess:
		if b.CommandText() == "" {
			return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: "subprocess binding needs a command"}
		}
	case ir.BindingRemote:
		if b.URL == "" {
			return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: "remote binding needs a url"}
		}
		switch b.Encoding {
		case "", "jsonrpc", "json":
		default:
			return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: fmt.Sprintf("unknown remote encoding %q", b.Encoding)}
		}
		if (b.Encoding == "" || b.Encoding == "jsonrpc") && b.Method == "" {
			return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: "jsonrpc binding needs a method"}
		}
	case "":
		return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: "binding kind is required"}
	default:
		return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: fmt.Sprintf("unknown binding kind %q", b.Kind)}
	}
	if c.checkBinding != nil {
		if err := c.checkBinding(b); err != nil {
			return &CompileError{Kind: KindMissingBinding, Field: "binding", Message: "binding is not available", Err: err}
		}
	}
	return nil
}

// resolveStepInputs evaluates literals and creates edges for references.
func (c *compiler) resolveStepInputs() {
	for i, proc := range c.flow.Processes {
		step := c.plan.Steps[i]
		seen := map[string]bool{}

		for j, p := range proc.Inputs {
			if p.Name == "" {
				c.fail(&CompileError{Kind: KindMalformed, Step: step.ID, Field: fmt.Sprintf("inputs[%d]", j), Message: "input name is required"})
				continue
			}
			field := "inputs." + p.Name
			if seen[p.Name] {
				c.fail(&CompileError{Kind: KindMalformed, Step: step.ID, Field: field, Message: "duplicate input"})
				continue
			}
			seen[p.Name] = true

			in := &StepInput{Name: p.Name, Type: c.declared(p.Type, "")}
			source := p.From
			if source == "" {
				if lit, ok := p.Literal(); ok && ir.IsRef(lit) {
					source = lit
				}
			}

			switch {
			case source != "":
				from, fromType, err := c.resolveRef(source, step)
				if err != nil {
					err.Step, err.Field = step.ID, field
					c.fail(err)
					continue
				}
				edge, err := c.connect(from, fromType, Endpoint{Step: step.ID, Name: p.Name}, in.Type)
				if err != nil {
					err.Step, err.Field = step.ID, field
					c.fail(err)
					continue
				}
				in.Edge = edge
			default:
				lit, ok := p.Literal()
				if !ok {
					c.fail(&CompileError{Kind: KindMalformed, Step: step.ID, Field: field, Message: "input has neither a literal value nor a from reference"})
					continue
				}
				t := in.Type
				if t == "" {
					t = types.String
				}
				v, err := c.reg.Literal(lit, t)
				if err != nil {
					c.fail(&CompileError{
						Kind:    KindTypeMismatch,
						Step:    step.ID,
						Field:   field,
						Message: fmt.Sprintf("literal %q is not a valid %s", lit, t),
						Err:     err,
					})
					continue
				}
				in.Literal, in.HasLiteral = v, true
			}
			step.Inputs = append(step.Inputs, in)
		}
	}
}

// resolveOutputs emits the sink edges.
func (c *compiler) resolveOutputs() {
	seen := map[string]bool{}
	for i, p := range c.flow.Outputs {
		if p.Name == "" {
			c.fail(&CompileError{Kind: KindMalformed, Field: fmt.Sprintf("outputs[%d]", i), Message: "output name is required"})
			continue
		}
		field := "outputs." + p.Name
		if seen[p.Name] {
			c.fail(&CompileError{Kind: KindMalformed, Field: field, Message: "duplicate global output"})
			continue
		}
		seen[p.Name] = true

		source := p.From
		if source == "" {
			source, _ = p.Literal()
		}
		if source == "" {
			c.fail(&CompileError{Kind: KindMalformed, Field: field, Message: "global output needs a from reference"})
			continue
		}
		from, fromType, err := c.resolveRef(source, nil)
		if err != nil {
			err.Field = field
			c.fail(err)
			continue
		}
		out := &Output{Name: p.Name, Type: c.declared(p.Type, "")}
		edge, err := c.connect(from, fromType, Endpoint{Step: SinkNode, Name: p.Name}, out.Type)
		if err != nil {
			err.Field = field
			c.fail(err)
			continue
		}
		out.Edge = edge
		c.plan.Outputs = append(c.plan.Outputs, out)
	}
}

// resolveRef maps a reference to its producing endpoint and declared type.
// consumer is nil for global outputs.
func (c *compiler) resolveRef(source string, consumer *Step) (Endpoint, types.Name, *CompileError) {
	ref, err := ir.ParseRef(source)
	if err != nil {
		return Endpoint{}, "", &CompileError{Kind: KindUnknownReference, Message: "malformed reference", Err: err}
	}

	switch ref.Source {
	case ir.SourceInputs:
		in, ok := c.plan.Input(ref.Field)
		if !ok {
			return Endpoint{}, "", &CompileError{Kind: KindUnknownReference, Message: fmt.Sprintf("%s: no global input %q", ref, ref.Field)}
		}
		return Endpoint{Step: SourceNode, Name: in.Name}, in.Type, nil

	case ir.SourcePrevious:
		if consumer == nil || consumer.Index == 0 {
			return Endpoint{}, "", &CompileError{Kind: KindUnknownReference, Message: fmt.Sprintf("%s: no preceding step", ref)}
		}
		ref.Source = c.plan.Steps[consumer.Index-1].ID
	}

	producer, ok := c.plan.byID[ref.Source]
	if !ok {
		return Endpoint{}, "", &CompileError{Kind: KindUnknownReference, Message: fmt.Sprintf("%s: no step %q", ref, ref.Source)}
	}
	if ref.Field == "" {
		if len(producer.Outputs) != 1 {
			return Endpoint{}, "", &CompileError{
				Kind:    KindUnknownReference,
				Message: fmt.Sprintf("%s: step %q has %d outputs, name one", ref, producer.ID, len(producer.Outputs)),
			}
		}
		ref.Field = producer.Outputs[0].Name
	}
	out, ok := producer.Output(ref.Field)
	if !ok {
		return Endpoint{}, "", &CompileError{Kind: KindUnknownReference, Message: fmt.Sprintf("%s: step %q has no output %q", ref, producer.ID, ref.Field)}
	}
	if out.Transient {
		return Endpoint{}, "", &CompileError{Kind: KindUnknownReference, Message: fmt.Sprintf("%s: output %q is transient and cannot be referenced", ref, out.Name)}
	}
	return Endpoint{Step: producer.ID, Name: out.Name}, out.Type, nil
}

// connect creates an edge and probes the registry when both sides are typed.
func (c *compiler) connect(from Endpoint, fromType types.Name, to Endpoint, toType types.Name) (*Edge, *CompileError) {
	edge := &Edge{From: from, To: to, FromType: fromType, ToType: toType}

	if typed(fromType) && typed(toType) {
		chain, err := c.reg.Find(fromType, toType)
		if err != nil {
			var nc *types.NoConversionError
			if errors.As(err, &nc) {
				return nil, &CompileError{
					Kind:    KindTypeMismatch,
					Message: fmt.Sprintf("no conversion from %s (%s) to %s", fromType, from, toType),
					Err:     err,
				}
			}
			return nil, &CompileError{Kind: KindTypeMismatch, Message: "conversion lookup failed", Err: err}
		}
		edge.Chain = chain
	}

	c.plan.Edges = append(c.plan.Edges, edge)

	if from.Step != SourceNode && to.Step != SinkNode {
		producer := c.plan.byID[from.Step]
		consumer := c.plan.byID[to.Step]
		producer.Out = append(producer.Out, edge)
		consumer.In = append(consumer.In, edge)
		producer.Downstream = appendUnique(producer.Downstream, consumer.ID)
		consumer.Upstream = appendUnique(consumer.Upstream, producer.ID)
	} else if from.Step != SourceNode {
		producer := c.plan.byID[from.Step]
		producer.Out = append(producer.Out, edge)
	}
	return edge, nil
}

// declared canonicalizes a declared type, substituting def when absent.
func (c *compiler) declared(t string, def types.Name) types.Name {
	if strings.TrimSpace(t) == "" {
		return def
	}
	return c.reg.Canonical(types.Name(t))
}

// typed reports whether t is concrete enough to probe at compile time.
func typed(t types.Name) bool {
	return t != "" && t != types.Any && t != types.Wildcard
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
