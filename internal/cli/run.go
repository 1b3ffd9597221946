package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/gridflow/internal/cache"
	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/config"
	"github.com/roach88/gridflow/internal/coordinator"
	"github.com/roach88/gridflow/internal/engine"
	"github.com/roach88/gridflow/internal/natives"
	"github.com/roach88/gridflow/internal/provenance"
	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/types"
)

// traceLines is how much of a step's trace the failure summary shows.
const traceLines = 8

// RunOptions holds options for the run command.
type RunOptions struct {
	*RootOptions
	Inputs         []string
	NoCache        bool
	Annotate       string
	WorkRoot       string
	MaxConcurrency int
	Timeout        time.Duration
	CacheEndpoint  string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <flow>",
		Short: "Execute a flow",
		Long: `Compile and execute a flow document.

Global inputs are given as name=value pairs and adapted to the declared
input types. Outputs are printed on success. On failure a summary naming
the failing step, its error kind and a concise trace goes to stderr.

Exit codes: 0 success, 1 compile error, 2 runtime error, 3 cancelled,
4 timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts, args[0])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringArrayVarP(&opts.Inputs, "input", "i", nil, "global input as name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "compute fingerprints but never read or write the cache")
	cmd.Flags().StringVar(&opts.Annotate, "annotate", "", "write the annotated flow document to this path")
	cmd.Flags().StringVar(&opts.WorkRoot, "work-root", "", "root of per-step working directories")
	cmd.Flags().IntVar(&opts.MaxConcurrency, "max-concurrency", 0, "maximum steps running at once")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "wall-clock limit for the whole run")
	cmd.Flags().StringVar(&opts.CacheEndpoint, "cache", "", "cache service endpoint (host:port)")

	return cmd
}

// runSummary is the JSON payload of a finished run.
type runSummary struct {
	RunID   string         `json:"run_id"`
	State   string         `json:"state"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Steps   []stepSummary  `json:"steps"`
	Error   *failure       `json:"error,omitempty"`
}

type stepSummary struct {
	ID          string  `json:"id"`
	State       string  `json:"state"`
	Reason      string  `json:"reason,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Seconds     float64 `json:"seconds,omitempty"`
}

// failure describes the primary failure of a run.
type failure struct {
	Step       string `json:"step,omitempty"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Trace      string `json:"trace,omitempty"`
	ExitStatus *int   `json:"exit_status,omitempty"`
}

func runRun(cmd *cobra.Command, opts *RunOptions, path string) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	inputs, err := parseInputs(opts.Inputs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --input", err)
	}

	nat := opts.nativeRegistry()
	plan, err := compileFlow(path, nat)
	if err != nil {
		return reportCompileError(out, path, err)
	}
	out.VerboseLog("compiled %s: %d steps", path, len(plan.Steps))

	var client *cache.Client
	if cfg.CacheEnabled() {
		client = cache.NewClient(cfg.CacheEndpoint)
		defer client.Close()
	}
	coOpts := []coordinator.Option{
		coordinator.WithRegistry(plan.Registry),
		coordinator.WithNoCache(cfg.NoCache),
	}
	if client != nil {
		coOpts = append(coOpts, coordinator.WithCache(client))
	}
	co := coordinator.New(cfg.WorkRoot, coOpts...)

	exOpts := []engine.Option{
		engine.WithCoordinator(co),
		engine.WithMaxConcurrency(cfg.MaxConcurrency),
		engine.WithDefaultTimeout(cfg.DefaultStepTimeout),
		engine.WithRunnerOptions(
			runner.WithNatives(nat),
			runner.WithKillGrace(cfg.KillGrace),
			runner.WithAllowFetch(cfg.AllowFetchFrom),
			runner.WithAllowInstall(cfg.AllowInstallFrom),
		),
	}
	var annotator *provenance.Annotator
	if opts.Annotate != "" {
		annotator = provenance.New(opts.Annotate)
		exOpts = append(exOpts, engine.WithObserver(annotator))
	}
	ex := engine.New(plan, cfg.WorkRoot, exOpts...)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	// SIGINT/SIGTERM cancel the run; running steps are terminated.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Warn("cancelling run", "run_id", ex.RunID(), "signal", sig.String())
			ex.Cancel()
		case <-done:
		}
	}()

	res, err := ex.Run(ctx, inputs)
	if annotator != nil {
		if _, failed := annotator.Stats(); failed > 0 {
			slog.Warn("annotated document incomplete", "path", annotator.Path(), "failed_writes", failed)
		}
	}

	var inErr *engine.InputError
	if errors.As(err, &inErr) {
		_ = out.Error("input", inErr.Error(), nil)
		return WrapExitError(ExitRuntimeError, "invalid inputs", err)
	}
	if res == nil {
		return WrapExitError(ExitRuntimeError, "run failed", err)
	}

	summary := summarize(plan, res)
	switch {
	case out.Format == "json" && summary.Error != nil:
		if err := out.Failure(summary, summary.Error.Kind, summary.Error.Message); err != nil {
			return err
		}
	case out.Format == "json":
		if err := out.Success(summary, nil); err != nil {
			return err
		}
	default:
		printOutputs(out.Writer, plan, res)
		if summary.Error != nil {
			printFailure(out.GetErrWriter(), res, summary.Error)
		}
	}

	if res.Err == nil {
		return nil
	}
	return WrapExitError(exitCodeFor(res.Err), fmt.Sprintf("run %s %s", res.RunID, res.Outcome()), res.Err)
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *RunOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("work-root") {
		cfg.WorkRoot = opts.WorkRoot
	}
	if flags.Changed("max-concurrency") {
		cfg.MaxConcurrency = opts.MaxConcurrency
	}
	if flags.Changed("cache") {
		cfg.CacheEndpoint = opts.CacheEndpoint
	}
	if flags.Changed("no-cache") {
		cfg.NoCache = opts.NoCache
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func (o *RootOptions) nativeRegistry() *runner.NativeRegistry {
	if o.Natives != nil {
		return o.Natives
	}
	return natives.Builtin()
}

// compileFlow parses and compiles a flow, checking bindings against nat.
func compileFlow(path string, nat *runner.NativeRegistry) (*compiler.Plan, error) {
	return compiler.CompileFile(path, types.Builtin(), compiler.WithBindingCheck(nat.CheckBinding))
}

// reportCompileError prints every compile error and returns the exit error.
func reportCompileError(out *OutputFormatter, path string, err error) error {
	errs := compiler.All(err)
	if len(errs) == 0 {
		_ = out.Error("io", err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot read "+path, err)
	}
	if out.Format == "json" {
		_ = out.Error(string(errs[0].Kind), fmt.Sprintf("%s: %d compile error(s)", path, len(errs)), errs)
	} else {
		w := out.GetErrWriter()
		for _, ce := range errs {
			fmt.Fprintf(w, "%s: %v\n", path, ce)
		}
	}
	return WrapExitError(ExitCompileError, "compile failed", err)
}

// parseInputs splits name=value pairs. Values stay strings and are adapted
// to the declared input types by the executor.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%q: expected name=value", pair)
		}
		if _, dup := inputs[name]; dup {
			return nil, fmt.Errorf("%q given more than once", name)
		}
		inputs[name] = value
	}
	return inputs, nil
}

func summarize(plan *compiler.Plan, res *engine.Result) runSummary {
	s := runSummary{
		RunID: res.RunID,
		State: res.Outcome(),
		Steps: make([]stepSummary, 0, len(res.Records)),
	}
	if len(res.Outputs) > 0 {
		s.Outputs = make(map[string]any, len(res.Outputs))
		for _, o := range plan.Outputs {
			if v, ok := res.Outputs[o.Name]; ok {
				s.Outputs[o.Name] = types.Normalize(v)
			}
		}
	}
	for _, rec := range res.Records {
		s.Steps = append(s.Steps, stepSummary{
			ID:          rec.StepID,
			State:       string(rec.State),
			Reason:      rec.Reason,
			Fingerprint: rec.Fingerprint,
			Seconds:     rec.Duration().Seconds(),
		})
	}
	if res.Err != nil {
		s.Error = describeFailure(res.Err)
	}
	return s
}

// describeFailure extracts the primary failure of a run error.
func describeFailure(err error) *failure {
	f := &failure{Message: err.Error()}
	switch {
	case engine.IsCancelled(err):
		f.Kind = string(runner.KindCancelled)
	case engine.IsTimeout(err):
		f.Kind = string(runner.KindTimeout)
	default:
		f.Kind = "error"
	}
	var fe *engine.FlowError
	if errors.As(err, &fe) {
		if primary, ok := fe.Primary(); ok {
			f.Step = primary.StepID
		}
	}
	var re *runner.RunError
	if errors.As(err, &re) {
		f.Step = re.Step
		f.Kind = string(re.Kind)
		f.Message = re.Message
		f.Trace = re.Trace
		f.ExitStatus = re.ExitStatus
	}
	return f
}

func printOutputs(w io.Writer, plan *compiler.Plan, res *engine.Result) {
	for _, o := range plan.Outputs {
		if v, ok := res.Outputs[o.Name]; ok {
			fmt.Fprintf(w, "%s = %s\n", o.Name, types.Format(v))
		}
	}
}

func printFailure(w io.Writer, res *engine.Result, f *failure) {
	fmt.Fprintf(w, "run %s %s\n", res.RunID, res.Outcome())
	if f.Step != "" {
		fmt.Fprintf(w, "  step:    %s\n", f.Step)
	}
	fmt.Fprintf(w, "  kind:    %s\n", f.Kind)
	fmt.Fprintf(w, "  message: %s\n", f.Message)
	if f.ExitStatus != nil {
		fmt.Fprintf(w, "  exit:    %d\n", *f.ExitStatus)
	}
	if trace := conciseTrace(f.Trace); trace != "" {
		fmt.Fprintln(w, "  trace:")
		for _, line := range strings.Split(trace, "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	for _, rec := range res.Records {
		if rec.State == engine.StateCancelled && rec.Reason != "" {
			fmt.Fprintf(w, "  cancelled %s (%s)\n", rec.StepID, rec.Reason)
		}
	}
}

// conciseTrace keeps the last traceLines lines of a trace.
func conciseTrace(trace string) string {
	lines := strings.Split(strings.TrimRight(trace, "\n"), "\n")
	if len(lines) > traceLines {
		lines = append([]string{"..."}, lines[len(lines)-traceLines:]...)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// exitCodeFor maps a run error to the process exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case engine.IsCancelled(err):
		return ExitCancelled
	case engine.IsTimeout(err):
		return ExitTimeout
	default:
		return ExitRuntimeError
	}
}
