package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/ir"
	"github.com/roach88/gridflow/internal/types"
)

// DefaultKillGrace is the wait between SIGTERM and SIGKILL.
const DefaultKillGrace = 5 * time.Second

// Runner executes steps for one flow execution. It owns the flow's
// supervisor; each step gets its own work directory under
// <work_root>/<run_id>/.
type Runner struct {
	workRoot string
	runID    string

	reg          *types.Registry
	natives      *NativeRegistry
	supervisor   *Supervisor
	httpClient   *http.Client
	killGrace    time.Duration
	allowFetch   []string
	allowInstall []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithRegistry sets the conversion registry used to adapt outputs.
func WithRegistry(reg *types.Registry) Option {
	return func(r *Runner) {
		r.reg = reg
	}
}

// WithNatives sets the native binding table.
func WithNatives(n *NativeRegistry) Option {
	return func(r *Runner) {
		r.natives = n
	}
}

// WithHTTPClient sets the client used for remote bindings and downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) {
		r.httpClient = c
	}
}

// WithKillGrace overrides DefaultKillGrace.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		r.killGrace = d
	}
}

// WithAllowFetch sets the URL prefixes subprocess bindings may fetch from.
func WithAllowFetch(prefixes []string) Option {
	return func(r *Runner) {
		r.allowFetch = prefixes
	}
}

// WithAllowInstall sets the URL prefixes subprocess bindings may install from.
func WithAllowInstall(prefixes []string) Option {
	return func(r *Runner) {
		r.allowInstall = prefixes
	}
}

// New creates a runner for one flow execution.
func New(workRoot, runID string, opts ...Option) *Runner {
	r := &Runner{
		workRoot:  workRoot,
		runID:     runID,
		killGrace: DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reg == nil {
		r.reg = types.Builtin()
	}
	if r.natives == nil {
		r.natives = NewNativeRegistry()
	}
	if r.httpClient == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
		r.httpClient = &http.Client{Transport: t}
	}
	r.supervisor = NewSupervisor(r.killGrace)
	return r
}

// Supervisor returns the flow's process supervisor.
func (r *Runner) Supervisor() *Supervisor {
	return r.supervisor
}

// WorkDir returns the work directory a step runs in.
func (r *Runner) WorkDir(stepID string) string {
	return WorkDir(r.workRoot, r.runID, stepID)
}

// Arg is one adapted input value.
type Arg struct {
	Name  string
	Type  types.Name
	Value any
}

// Request describes one invocation.
type Request struct {
	Step   *compiler.Step
	Inputs []Arg // declaration order
}

// Outcome is a successful invocation.
type Outcome struct {
	Outputs  map[string]any // adapted to declared types; transient outputs omitted
	PID      int
	WorkDir  string
	Started  time.Time
	Finished time.Time
}

// Duration is the wall-clock time of the invocation.
func (o *Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// raw is what a binding produced before output adaptation.
type raw struct {
	values map[string]any
	pid    int
}

// Run invokes the step. ctx carries the step's wall-clock limit and
// cancellation. Every failure is a *RunError.
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	step := req.Step
	dir := r.WorkDir(step.ID)
	started := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, ctxError(step.ID, ctx, 0)
	}
	if err := prepareWorkDir(dir); err != nil {
		return nil, &RunError{Kind: KindSpawn, Step: step.ID, Message: err.Error(), Err: err}
	}

	slog.Debug("step invoke", "step_id", step.ID, "binding", step.Binding.Kind, "work_dir", dir)

	var res raw
	var err error
	switch step.Binding.Kind {
	case ir.BindingNative:
		res, err = r.runNative(ctx, step, req.Inputs, dir)
	case ir.BindingSubprocess:
		res, err = r.runSubprocess(ctx, step, req.Inputs, dir)
	case ir.BindingRemote:
		res, err = r.runRemote(ctx, step, req.Inputs)
	default:
		err = &RunError{Kind: KindSpawn, Step: step.ID, Message: fmt.Sprintf("unknown binding kind %q", step.Binding.Kind)}
	}
	if err != nil {
		return nil, err
	}

	outputs, err := r.adaptOutputs(step, res.values, dir)
	if err != nil {
		if re, ok := err.(*RunError); ok {
			re.PID = res.pid
		}
		return nil, err
	}

	return &Outcome{
		Outputs:  outputs,
		PID:      res.pid,
		WorkDir:  dir,
		Started:  started,
		Finished: time.Now(),
	}, nil
}

// adaptOutputs converts every declared output to its declared type and
// removes transient outputs from the work dir.
func (r *Runner) adaptOutputs(step *compiler.Step, values map[string]any, dir string) (map[string]any, error) {
	out := make(map[string]any, len(step.Outputs))
	for _, o := range step.Outputs {
		if o.Transient {
			if err := os.RemoveAll(outputPath(dir, o)); err != nil {
				slog.Warn("remove transient output", "step_id", step.ID, "output", o.Name, "error", err)
			}
			continue
		}
		v, ok := values[o.Name]
		if !ok {
			return nil, &RunError{Kind: KindOutput, Step: step.ID, Message: fmt.Sprintf("output %q was not produced", o.Name)}
		}
		adapted, err := r.reg.Adapt(v, o.Type)
		if err != nil {
			return nil, &RunError{
				Kind:    KindAdaptation,
				Step:    step.ID,
				Message: fmt.Sprintf("output %q: %v", o.Name, err),
				Err:     err,
			}
		}
		out[o.Name] = adapted
	}
	return out, nil
}

// outputPath is where a file output is expected inside the work dir.
func outputPath(dir string, o *compiler.StepOutput) string {
	name := o.File
	if name == "" {
		name = o.Name
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// ctxError converts a done context into a timeout or cancellation error.
func ctxError(stepID string, ctx context.Context, pid int) *RunError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &RunError{Kind: KindTimeout, Step: stepID, Message: "wall-clock limit exceeded", PID: pid, Err: ctx.Err()}
	}
	return &RunError{Kind: KindCancelled, Step: stepID, Message: "cancelled", PID: pid, Err: ctx.Err()}
}
