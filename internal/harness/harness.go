package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/gridflow/internal/cache"
	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/coordinator"
	"github.com/roach88/gridflow/internal/engine"
	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/store"
	"github.com/roach88/gridflow/internal/testutil"
	"github.com/roach88/gridflow/internal/types"
)

// Error kinds reported for failures that are not step errors.
const (
	KindInput     = "input"
	KindCancelled = "cancelled"
	KindTimeout   = "timeout"
	KindError     = "error"
)

// Option configures Run.
type Option func(*options)

type options struct {
	natives *runner.NativeRegistry
	tempDir string
}

// WithNatives sets the native bindings available to scenario flows.
func WithNatives(n *runner.NativeRegistry) Option {
	return func(o *options) { o.natives = n }
}

// WithTempDir sets the parent directory of per-scenario work roots.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh work root and, unless no_cache is set,
// a fresh cache service. Deterministic helpers ensure reproducible traces.
// The returned error reports harness problems; flow failures are part of
// the result and are compared with the scenario's expectations.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{natives: runner.NewNativeRegistry()}
	for _, opt := range opts {
		opt(&o)
	}

	workRoot, err := os.MkdirTemp(o.tempDir, "gridflow-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}
	defer os.RemoveAll(workRoot)

	result := NewResult(scenario.Name)

	plan, err := compiler.CompileFile(scenario.FlowPath(), nil, compiler.WithBindingCheck(o.natives.CheckBinding))
	if err != nil {
		result.ErrorKind, result.Error = ErrorKind(err), err.Error()
		checkExpect(result, scenario.Expect)
		return result, nil
	}

	clock := testutil.NewSteppingClock(testutil.DefaultEpoch, time.Second)
	coordOpts := []coordinator.Option{coordinator.WithNow(clock.Now)}

	var st *store.Store
	if !scenario.NoCache {
		srv, err := startCache(ctx, filepath.Join(workRoot, "cache.db"))
		if err != nil {
			return nil, err
		}
		defer srv.stop()
		st = srv.store

		client := cache.NewClient(srv.addr)
		defer client.Close()
		coordOpts = append(coordOpts, coordinator.WithCache(client))
	}
	coord := coordinator.New(workRoot, coordOpts...)

	maxConcurrency := scenario.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	ids := testutil.NewSequentialRunID(scenario.Name)

	var (
		last    *engine.Result
		lastErr error
	)
	for run := 1; run <= scenario.runs(); run++ {
		ex := engine.New(plan, workRoot,
			engine.WithMaxConcurrency(maxConcurrency),
			engine.WithCoordinator(coord),
			engine.WithRunnerOptions(runner.WithNatives(o.natives)),
			engine.WithRunIDGenerator(ids),
			engine.WithNow(clock.Now),
			engine.WithObserver(engine.ObserverFunc(func(ev engine.Event) {
				if ev.Step != nil {
					result.AddTrace(run, ev.Seq, ev.Step.StepID, string(ev.Step.State))
				}
			})),
		)
		last, lastErr = ex.Run(ctx, scenario.Inputs)
		slog.Debug("scenario run finished", "scenario", scenario.Name, "run", run, "error", lastErr)
	}

	if last != nil {
		result.Outputs = last.Outputs
		for _, rec := range last.Records {
			result.States[rec.StepID] = string(rec.State)
		}
	}
	if lastErr != nil {
		result.ErrorKind, result.Error = ErrorKind(lastErr), lastErr.Error()
	}
	if st != nil {
		if result.CacheEntries, err = st.Count(ctx); err != nil {
			return nil, fmt.Errorf("count cache entries: %w", err)
		}
	}

	checkExpect(result, scenario.Expect)
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// ErrorKind classifies an error from compiling or running a flow: the
// compile error kind, the primary step's RunError kind, or one of the
// Kind constants.
func ErrorKind(err error) string {
	var (
		ce *compiler.CompileError
		ie *engine.InputError
		re *runner.RunError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return string(ce.Kind)
	case errors.As(err, &ie):
		return KindInput
	case engine.IsCancelled(err):
		return KindCancelled
	case errors.As(err, &re):
		return string(re.Kind)
	case engine.IsTimeout(err):
		return KindTimeout
	default:
		return KindError
	}
}

func checkExpect(result *Result, expect Expect) {
	if result.ErrorKind != expect.ErrorKind {
		if expect.ErrorKind == "" {
			result.AddError(fmt.Sprintf("expected success, got %s error: %s", result.ErrorKind, result.Error))
		} else {
			result.AddError(fmt.Sprintf("expected %s error, got %q", expect.ErrorKind, result.ErrorKind))
		}
	}

	for _, name := range sortedKeys(expect.Outputs) {
		want := expect.Outputs[name]
		got, ok := result.Outputs[name]
		switch {
		case !ok:
			result.AddError(fmt.Sprintf("output %q: missing", name))
		case !outputEqual(want, got):
			result.AddError(fmt.Sprintf("output %q: expected %v, got %v", name, types.Format(want), types.Format(got)))
		}
	}

	for _, step := range sortedKeys(expect.States) {
		want := expect.States[step]
		got, ok := result.States[step]
		switch {
		case !ok:
			result.AddError(fmt.Sprintf("state of %s: step did not run", step))
		case got != want:
			result.AddError(fmt.Sprintf("state of %s: expected %s, got %s", step, want, got))
		}
	}
}

// outputEqual compares a YAML value with a typed output. File outputs
// compare by base name.
func outputEqual(want, got any) bool {
	if f, ok := got.(types.File); ok {
		return types.Format(want) == filepath.Base(f.Path)
	}
	if types.Equal(want, got) {
		return true
	}
	// YAML reads 2.0 as a float; an int output of 2 still matches
	if w, ok := types.Normalize(want).(float64); ok {
		if g, ok := got.(int64); ok {
			return float64(g) == w
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type cacheServer struct {
	addr   string
	store  *store.Store
	cancel context.CancelFunc
	done   chan error
}

func startCache(ctx context.Context, path string) (*cacheServer, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to listen for cache service: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	srv := &cacheServer{addr: ln.Addr().String(), store: st, cancel: cancel, done: make(chan error, 1)}
	go func() { srv.done <- cache.NewServer(st).Serve(ctx, ln) }()
	return srv, nil
}

func (s *cacheServer) stop() {
	s.cancel()
	if err := <-s.done; err != nil {
		slog.Warn("harness cache service stopped with error", "error", err)
	}
	s.store.Close()
}
