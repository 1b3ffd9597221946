package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/metrics"
	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/types"
)

// Lookup results reported to metrics.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupError    = "error"
	LookupDisabled = "disabled"
)

// Cache is the part of the cache client the coordinator uses.
// *cache.Client implements it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Insert(ctx context.Context, key string, value []byte) error
}

// Invoke runs the step for real.
type Invoke func(ctx context.Context) (*runner.Outcome, error)

// Request is one step execution offered to the coordinator.
type Request struct {
	Step    *compiler.Step
	Inputs  []runner.Arg
	WorkDir string // where cached files are rehydrated
}

// Result is the outcome of Execute.
type Result struct {
	Outcome     *runner.Outcome
	Fingerprint string
	Cached      bool // outputs came from the cache or a concurrent identical run
}

// Coordinator consults the cache around step invocations.
type Coordinator struct {
	cache   Cache
	noCache bool
	blobs   blobStore
	reg     *types.Registry
	metrics *metrics.Metrics
	now     func() time.Time

	inflight singleflight.Group
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCache sets the cache service. Without one every lookup is a miss and
// nothing is stored.
func WithCache(c Cache) Option {
	return func(co *Coordinator) {
		co.cache = c
	}
}

// WithNoCache computes and logs fingerprints but never reads or writes the
// cache.
func WithNoCache(noCache bool) Option {
	return func(co *Coordinator) {
		co.noCache = noCache
	}
}

// WithRegistry sets the registry used to re-adapt cached values.
func WithRegistry(reg *types.Registry) Option {
	return func(co *Coordinator) {
		co.reg = reg
	}
}

// WithMetrics records lookup results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) {
		co.metrics = m
	}
}

// WithNow overrides the clock stamped into cache entries.
func WithNow(now func() time.Time) Option {
	return func(co *Coordinator) {
		co.now = now
	}
}

// New creates a coordinator storing blobs under <workRoot>/.blobs.
func New(workRoot string, opts ...Option) *Coordinator {
	co := &Coordinator{
		blobs: blobStore{dir: filepath.Join(workRoot, BlobDir)},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(co)
	}
	if co.reg == nil {
		co.reg = types.Builtin()
	}
	return co
}

// Enabled reports whether lookups reach a cache.
func (co *Coordinator) Enabled() bool {
	return co.cache != nil && !co.noCache
}

// Execute returns the cached outputs of req when present and otherwise
// runs invoke, storing its outputs on success. Failures are never cached.
// Cache trouble is logged and treated as a miss; it never fails the step.
func (co *Coordinator) Execute(ctx context.Context, req Request, invoke Invoke) (*Result, error) {
	step := req.Step
	fp, err := Fingerprint(step, req.Inputs)
	if err != nil {
		// unreadable file inputs fail the step when it runs; run uncached
		slog.Warn("fingerprint failed, running uncached", "step_id", step.ID, "error", err)
		co.metrics.CacheLookup(LookupError)
		outcome, err := invoke(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: outcome}, nil
	}

	if !co.Enabled() {
		slog.Debug("cache disabled", "step_id", step.ID, "fingerprint", fp)
		co.metrics.CacheLookup(LookupDisabled)
		outcome, err := invoke(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: outcome, Fingerprint: fp}, nil
	}

	leader := false
	ch := co.inflight.DoChan(fp, func() (any, error) {
		leader = true
		return co.lookupOrRun(ctx, fp, req, invoke)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctxError(step.ID, ctx)
	}

	if leader {
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	}
	return co.share(ctx, fp, req, res, invoke)
}

// lookupOrRun is the body of the single in-flight execution of fp.
func (co *Coordinator) lookupOrRun(ctx context.Context, fp string, req Request, invoke Invoke) (*Result, error) {
	step := req.Step
	if outcome, ok := co.lookup(ctx, fp, req); ok {
		return &Result{Outcome: outcome, Fingerprint: fp, Cached: true}, nil
	}

	outcome, err := invoke(ctx)
	if err != nil {
		return nil, err
	}
	co.store(ctx, fp, step, outcome)
	return &Result{Outcome: outcome, Fingerprint: fp}, nil
}

// lookup fetches and rehydrates a cached entry. Any problem is a miss.
func (co *Coordinator) lookup(ctx context.Context, fp string, req Request) (*runner.Outcome, bool) {
	step := req.Step
	data, found, err := co.cache.Get(ctx, fp)
	if err != nil {
		slog.Warn("cache lookup failed, treating as miss", "step_id", step.ID, "fingerprint", fp, "error", err)
		co.metrics.CacheLookup(LookupError)
		return nil, false
	}
	if !found {
		slog.Debug("cache miss", "step_id", step.ID, "fingerprint", fp)
		co.metrics.CacheLookup(LookupMiss)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("cache entry unreadable, treating as miss", "step_id", step.ID, "fingerprint", fp, "error", err)
		co.metrics.CacheLookup(LookupError)
		return nil, false
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		slog.Warn("create work dir for cached outputs", "step_id", step.ID, "error", err)
		co.metrics.CacheLookup(LookupError)
		return nil, false
	}
	outputs, err := entry.rehydrate(co.reg, co.blobs, req.WorkDir)
	if err != nil {
		slog.Warn("cache entry could not be rehydrated, treating as miss", "step_id", step.ID, "fingerprint", fp, "error", err)
		co.metrics.CacheLookup(LookupError)
		return nil, false
	}
	if missing := missingOutputs(step, outputs); len(missing) > 0 {
		slog.Warn("cache entry lacks outputs, treating as miss", "step_id", step.ID, "fingerprint", fp, "missing", missing)
		co.metrics.CacheLookup(LookupError)
		return nil, false
	}

	slog.Info("cache hit", "step_id", step.ID, "fingerprint", fp, "cached_by", entry.StepID)
	co.metrics.CacheLookup(LookupHit)
	now := co.now()
	return &runner.Outcome{
		Outputs:  outputs,
		WorkDir:  req.WorkDir,
		Started:  now,
		Finished: now,
	}, true
}

// store inserts the outcome under fp. Errors are logged only.
func (co *Coordinator) store(ctx context.Context, fp string, step *compiler.Step, outcome *runner.Outcome) {
	entry, err := newEntry(fp, step, outcome.Outputs, co.blobs, co.now())
	if err != nil {
		slog.Warn("cache entry not stored", "step_id", step.ID, "fingerprint", fp, "error", err)
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("cache entry not stored", "step_id", step.ID, "fingerprint", fp, "error", err)
		return
	}
	if err := co.cache.Insert(ctx, fp, data); err != nil {
		slog.Warn("cache insert failed", "step_id", step.ID, "fingerprint", fp, "error", err)
		return
	}
	slog.Debug("cache insert", "step_id", step.ID, "fingerprint", fp, "bytes", len(data))
}

// share hands a concurrent identical execution's result to a waiting step.
// Files are linked into the waiter's own work dir; failures are re-attributed
// to the waiting step. When the leader was cut short by its own deadline or
// cancellation, or its files are gone, the waiter runs the step itself.
func (co *Coordinator) share(ctx context.Context, fp string, req Request, res singleflight.Result, invoke Invoke) (*Result, error) {
	step := req.Step
	if res.Err != nil {
		var re *runner.RunError
		if !errors.As(res.Err, &re) {
			return nil, res.Err
		}
		if re.Kind == runner.KindTimeout || re.Kind == runner.KindCancelled {
			slog.Debug("identical run was interrupted, running step", "step_id", step.ID, "fingerprint", fp)
			return co.runAlone(ctx, fp, invoke)
		}
		shared := *re
		shared.Step = step.ID
		shared.PID = 0
		return nil, &shared
	}

	leader := res.Val.(*Result)
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, &runner.RunError{Kind: runner.KindSpawn, Step: step.ID, Message: "create work dir", Err: err}
	}
	outputs := make(map[string]any, len(leader.Outcome.Outputs))
	for name, v := range leader.Outcome.Outputs {
		linked, err := relink(v, req.WorkDir, name)
		if err != nil {
			slog.Warn("shared outputs unavailable, running step", "step_id", step.ID, "error", err)
			return co.runAlone(ctx, fp, invoke)
		}
		outputs[name] = linked
	}

	slog.Info("shared in-flight result", "step_id", step.ID, "fingerprint", fp)
	co.metrics.CacheLookup(LookupHit)
	now := co.now()
	return &Result{
		Outcome:     &runner.Outcome{Outputs: outputs, WorkDir: req.WorkDir, Started: now, Finished: now},
		Fingerprint: fp,
		Cached:      true,
	}, nil
}

func (co *Coordinator) runAlone(ctx context.Context, fp string, invoke Invoke) (*Result, error) {
	outcome, err := invoke(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: outcome, Fingerprint: fp}, nil
}

// relink links the file values of one output into workDir. A top-level
// file keeps its base name; files inside a list go to <output>/<index>/.
func relink(v any, workDir, output string) (any, error) {
	switch val := types.Normalize(v).(type) {
	case types.File:
		dst := filepath.Join(workDir, filepath.Base(val.Path))
		if err := runner.LinkOrCopy(val.Path, dst); err != nil {
			return nil, err
		}
		return types.File{Path: dst}, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			r, err := relink(e, filepath.Join(workDir, output, strconv.Itoa(i)), "")
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}

func missingOutputs(step *compiler.Step, outputs map[string]any) []string {
	var missing []string
	for _, o := range step.Outputs {
		if o.Transient {
			continue
		}
		if _, ok := outputs[o.Name]; !ok {
			missing = append(missing, o.Name)
		}
	}
	return missing
}

func ctxError(stepID string, ctx context.Context) error {
	kind := runner.KindCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = runner.KindTimeout
	}
	return &runner.RunError{Kind: kind, Step: stepID, Message: "waiting for identical step run", Err: ctx.Err()}
}
