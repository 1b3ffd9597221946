package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/coordinator"
	"github.com/roach88/gridflow/internal/metrics"
	"github.com/roach88/gridflow/internal/runner"
)

// Defaults for executor limits.
const (
	DefaultMaxConcurrency = 4
	DefaultStepTimeout    = 24 * time.Hour
)

// Cancellation reasons recorded on steps that never ran.
const (
	ReasonUpstreamFailed = "upstream failed"
	ReasonFlowAborted    = "flow aborted"
	ReasonFlowCancelled  = "flow cancelled"
)

// Executor runs one compiled flow once.
//
// Thread-safety model:
//   - Run(): must be called exactly once
//   - Cancel(), Records(), RunID(): safe from any goroutine
//
// All scheduling decisions happen in the goroutine that called Run. Workers
// only invoke bindings and report back through the completion queue; they
// never touch the scheduler's state.
type Executor struct {
	plan     *compiler.Plan
	workRoot string
	runID    string

	runner *runner.Runner
	coord  *coordinator.Coordinator
	clock  *Clock
	now    func() time.Time

	maxConcurrency int
	defaultTimeout time.Duration
	runIDs         RunIDGenerator
	runnerOpts     []runner.Option
	observers      Observers

	ran        atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}

	// mu guards records for readers outside the scheduler goroutine.
	mu      sync.Mutex
	records map[string]*Record
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxConcurrency bounds the number of steps running at once.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) {
		e.maxConcurrency = n
	}
}

// WithDefaultTimeout sets the wall-clock limit of steps that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.defaultTimeout = d
	}
}

// WithObserver adds an observer. Observers are called in the order added.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observers = append(e.observers, o)
	}
}

// WithMetrics records step and flow outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		if m != nil {
			e.observers = append(e.observers, MetricsObserver(m))
		}
	}
}

// WithNow overrides the wall clock used for record timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithRunIDGenerator overrides UUIDv7 run ids.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Executor) {
		e.runIDs = g
	}
}

// WithCoordinator shares a cache coordinator between executors so that
// identical steps of concurrent runs in one process execute once.
func WithCoordinator(c *coordinator.Coordinator) Option {
	return func(e *Executor) {
		e.coord = c
	}
}

// WithRunnerOptions passes options to the run's step runner.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(e *Executor) {
		e.runnerOpts = append(e.runnerOpts, opts...)
	}
}

// New prepares a run of plan with work directories under workRoot.
func New(plan *compiler.Plan, workRoot string, opts ...Option) *Executor {
	e := &Executor{
		plan:           plan,
		workRoot:       workRoot,
		clock:          NewClock(),
		now:            time.Now,
		maxConcurrency: DefaultMaxConcurrency,
		defaultTimeout: DefaultStepTimeout,
		runIDs:         UUIDv7Generator{},
		cancelCh:       make(chan struct{}),
		records:        make(map[string]*Record, len(plan.Steps)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxConcurrency < 1 {
		e.maxConcurrency = 1
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultStepTimeout
	}
	e.runID = e.runIDs.Generate()

	ropts := append([]runner.Option{runner.WithRegistry(plan.Registry)}, e.runnerOpts...)
	e.runner = runner.New(workRoot, e.runID, ropts...)
	if e.coord == nil {
		e.coord = coordinator.New(workRoot, coordinator.WithRegistry(plan.Registry))
	}

	for _, st := range plan.Steps {
		e.records[st.ID] = &Record{
			StepID:  st.ID,
			Index:   st.Index,
			Binding: st.Binding.Kind,
			State:   StatePending,
		}
	}
	return e
}

// RunID returns the id naming this run's work directory.
func (e *Executor) RunID() string {
	return e.runID
}

// Runner returns the run's step runner.
func (e *Executor) Runner() *runner.Runner {
	return e.runner
}

// Cancel requests cancellation. Running steps are terminated, steps not yet
// started are marked Cancelled. Safe to call more than once and from any
// goroutine; cancelling the context passed to Run is equivalent.
func (e *Executor) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

// Records returns a snapshot of every step record in declaration order.
func (e *Executor) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Executor) snapshotLocked() []Record {
	out := make([]Record, 0, len(e.plan.Steps))
	for _, st := range e.plan.Steps {
		out = append(out, *e.records[st.ID])
	}
	return out
}

// Result is the outcome of a run.
type Result struct {
	RunID    string
	Outputs  map[string]any // global outputs that could be computed
	Records  []Record       // declaration order
	Started  time.Time
	Finished time.Time
	Err      error // nil, *FlowError, or an error wrapping ErrCancelled or ErrTimeout
}

// Record returns the record of one step.
func (r *Result) Record(stepID string) (Record, bool) {
	for _, rec := range r.Records {
		if rec.StepID == stepID {
			return rec, true
		}
	}
	return Record{}, false
}

// Outcome labels the result for metrics and summaries.
func (r *Result) Outcome() string {
	switch {
	case r.Err == nil:
		return "success"
	case IsCancelled(r.Err):
		return "cancelled"
	case IsTimeout(r.Err):
		return "timeout"
	default:
		return "failed"
	}
}

// schedule is the scheduler's private state for one run.
type schedule struct {
	queue     *completionQueue
	workers   errgroup.Group
	ready     []*compiler.Step // ordered by declaration index
	remaining map[string]int   // unresolved step-to-step edges
	running   int
	values    map[string]map[string]any // producer -> output -> value

	aborting  bool // no more steps start
	cancelled bool // external cancellation or context end
	deadline  bool // the context passed to Run hit its deadline
	failures  []StepFailure
}

// Run executes the flow with the given global inputs and blocks until every
// started step has finished. The returned error is Result.Err, or an
// *InputError when inputs are rejected before anything runs.
func (e *Executor) Run(ctx context.Context, inputs map[string]any) (*Result, error) {
	if !e.ran.CompareAndSwap(false, true) {
		return nil, errors.New("executor: Run called twice")
	}
	globals, err := e.bindInputs(inputs)
	if err != nil {
		return nil, err
	}

	started := e.now()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	s := &schedule{
		queue:     newCompletionQueue(),
		remaining: make(map[string]int, len(e.plan.Steps)),
		values:    map[string]map[string]any{compiler.SourceNode: globals},
	}

	slog.Info("flow started",
		"run_id", e.runID,
		"flow_id", e.plan.Flow.ID,
		"steps", len(e.plan.Steps),
		"max_concurrency", e.maxConcurrency,
	)
	e.emit(Event{Kind: EventFlowStarted, Seq: e.clock.Next(), Time: started})

	for _, st := range e.plan.Steps {
		s.remaining[st.ID] = st.Indegree()
		if st.Indegree() == 0 {
			e.promote(s, st)
		}
	}

	done := ctx.Done()
	cancel := e.cancelCh
	for {
		// non-blocking check so a cancel that is already pending wins over
		// starting more steps
		select {
		case <-cancel:
			cancel = nil
			e.cancelAll(s, cancelRun, false)
		case <-done:
			done = nil
			e.cancelAll(s, cancelRun, errors.Is(ctx.Err(), context.DeadlineExceeded))
		default:
		}

		for !s.aborting && s.running < e.maxConcurrency && len(s.ready) > 0 {
			st := s.ready[0]
			s.ready = s.ready[1:]
			e.start(runCtx, s, st)
		}
		if s.running == 0 {
			break
		}

		select {
		case <-s.queue.Wait():
			for {
				c, ok := s.queue.TryDequeue()
				if !ok {
					break
				}
				e.complete(s, c)
			}
		case <-cancel:
			cancel = nil
			e.cancelAll(s, cancelRun, false)
		case <-done:
			done = nil
			e.cancelAll(s, cancelRun, errors.Is(ctx.Err(), context.DeadlineExceeded))
		}
	}
	// every completion has been applied; this returns once the worker
	// goroutines themselves have exited
	_ = s.workers.Wait()
	s.queue.Close()

	// every started subprocess has been reaped by now; this only matters if
	// a binding leaked a process group
	e.runner.Supervisor().TerminateAll()

	for _, st := range e.plan.Steps {
		if !e.record(st.ID).State.Terminal() {
			e.cancelStep(s, st.ID, ReasonFlowAborted)
		}
	}

	outputs := e.collectOutputs(s)
	res := &Result{
		RunID:    e.runID,
		Outputs:  outputs,
		Started:  started,
		Finished: e.now(),
	}
	switch {
	case s.cancelled && s.deadline:
		res.Err = fmt.Errorf("run %s: %w: %w", e.runID, ErrTimeout, context.DeadlineExceeded)
	case s.cancelled:
		res.Err = fmt.Errorf("run %s: %w", e.runID, ErrCancelled)
	case len(s.failures) > 0:
		sort.SliceStable(s.failures, func(i, j int) bool { return s.failures[i].Index < s.failures[j].Index })
		res.Err = &FlowError{RunID: e.runID, Failures: s.failures}
	}
	res.Records = e.Records()

	level := slog.LevelInfo
	if res.Err != nil {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "flow finished",
		"run_id", e.runID,
		"flow_id", e.plan.Flow.ID,
		"result", res.Outcome(),
		"duration", res.Finished.Sub(res.Started).String(),
	)
	e.emit(Event{Kind: EventFlowFinished, Seq: e.clock.Next(), Time: res.Finished, Result: res})
	return res, res.Err
}

// bindInputs adapts supplied global inputs to their declared types and
// fills in defaults.
func (e *Executor) bindInputs(inputs map[string]any) (map[string]any, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := e.plan.Input(name); !ok {
			return nil, &InputError{Name: name, Message: "not declared by the flow"}
		}
	}

	globals := make(map[string]any, len(e.plan.Inputs))
	for _, in := range e.plan.Inputs {
		v, ok := inputs[in.Name]
		if !ok {
			if !in.HasValue {
				return nil, &InputError{Name: in.Name, Message: "no value given and no default"}
			}
			v = in.Default
		}
		adapted, err := e.plan.Registry.Adapt(v, in.Type)
		if err != nil {
			return nil, &InputError{Name: in.Name, Message: fmt.Sprintf("not a valid %s", in.Type), Err: err}
		}
		globals[in.Name] = adapted
	}
	return globals, nil
}

// promote marks a step Ready and queues it in declaration order.
func (e *Executor) promote(s *schedule, st *compiler.Step) {
	e.update(st.ID, func(r *Record) { r.State = StateReady })
	i := sort.Search(len(s.ready), func(i int) bool { return s.ready[i].Index > st.Index })
	s.ready = append(s.ready, nil)
	copy(s.ready[i+1:], s.ready[i:])
	s.ready[i] = st
}

// rawArg is a step input before adaptation.
type rawArg struct {
	in    *compiler.StepInput
	value any
}

// start launches a worker for st.
func (e *Executor) start(runCtx context.Context, s *schedule, st *compiler.Step) {
	raw := make([]rawArg, len(st.Inputs))
	for i, in := range st.Inputs {
		raw[i].in = in
		if in.HasLiteral {
			raw[i].value = in.Literal
			continue
		}
		raw[i].value = s.values[in.Edge.From.Step][in.Edge.From.Name]
	}

	seq := e.clock.Next()
	now := e.now()
	workDir := e.runner.WorkDir(st.ID)
	e.update(st.ID, func(r *Record) {
		r.State = StateRunning
		r.StartSeq = seq
		r.Started = now
		r.WorkDir = workDir
	})
	e.emitStep(EventStepStarted, seq, now, st.ID)
	slog.Info("step started", "run_id", e.runID, "step_id", st.ID, "binding", st.Binding.Kind, "seq", seq)

	timeout := st.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	stepCtx, cancel := context.WithTimeout(runCtx, timeout)
	s.running++

	queue := s.queue
	s.workers.Go(func() error {
		defer cancel()
		c := completion{stepID: st.ID}
		c.inputs, c.err = e.adaptInputs(st, raw)
		if c.err == nil {
			req := coordinator.Request{Step: st, Inputs: c.inputs, WorkDir: workDir}
			c.result, c.err = e.coord.Execute(stepCtx, req, func(ctx context.Context) (*runner.Outcome, error) {
				return e.runner.Run(ctx, runner.Request{Step: st, Inputs: c.inputs})
			})
		}
		queue.Enqueue(c)
		return nil
	})
}

// adaptInputs converts routed values to the step's declared input types.
func (e *Executor) adaptInputs(st *compiler.Step, raw []rawArg) ([]runner.Arg, error) {
	args := make([]runner.Arg, len(raw))
	for i, r := range raw {
		args[i] = runner.Arg{Name: r.in.Name, Type: r.in.Type, Value: r.value}
		if r.in.HasLiteral {
			continue
		}
		v, err := r.in.Edge.Adapt(e.plan.Registry, r.value)
		if err != nil {
			return nil, &runner.RunError{
				Kind:    runner.KindAdaptation,
				Step:    st.ID,
				Message: fmt.Sprintf("input %q from %s: %v", r.in.Name, r.in.Edge.From, err),
				Err:     err,
			}
		}
		args[i].Value = v
	}
	return args, nil
}

// complete applies a worker's result.
func (e *Executor) complete(s *schedule, c completion) {
	s.running--
	st, _ := e.plan.Step(c.stepID)
	seq := e.clock.Next()
	now := e.now()

	if c.err == nil {
		out := c.result.Outcome
		state := StateSucceeded
		if c.result.Cached {
			state = StateCached
		}
		e.update(st.ID, func(r *Record) {
			r.State = state
			r.EndSeq = seq
			r.Finished = now
			r.PID = out.PID
			r.Fingerprint = c.result.Fingerprint
			r.Inputs = argsMap(c.inputs)
			r.Outputs = out.Outputs
			if out.WorkDir != "" {
				r.WorkDir = out.WorkDir
			}
		})
		s.values[st.ID] = out.Outputs
		e.emitStep(EventStepFinished, seq, now, st.ID)
		slog.Info("step finished",
			"run_id", e.runID,
			"step_id", st.ID,
			"state", string(state),
			"fingerprint", c.result.Fingerprint,
			"seq", seq,
		)

		for _, edge := range st.Out {
			to := edge.To.Step
			if to == compiler.SinkNode {
				continue
			}
			s.remaining[to]--
			if s.remaining[to] == 0 && !s.aborting && e.record(to).State == StatePending {
				next, _ := e.plan.Step(to)
				e.promote(s, next)
			}
		}
		return
	}

	state := stateOf(c.err)
	var pid int
	var re *runner.RunError
	if errors.As(c.err, &re) {
		pid = re.PID
	}
	e.update(st.ID, func(r *Record) {
		r.State = state
		r.EndSeq = seq
		r.Finished = now
		r.PID = pid
		r.Inputs = argsMap(c.inputs)
		r.Err = c.err
		if state == StateCancelled {
			r.Reason = ReasonFlowCancelled
		}
		if c.result != nil {
			r.Fingerprint = c.result.Fingerprint
		}
	})
	e.emitStep(EventStepFinished, seq, now, st.ID)
	slog.Warn("step failed",
		"run_id", e.runID,
		"step_id", st.ID,
		"state", string(state),
		"optional", st.Optional,
		"error", c.err,
		"seq", seq,
	)

	if !state.Failed() {
		return
	}
	for _, d := range e.plan.Descendants(st.ID) {
		if rec := e.record(d); rec.State == StatePending || rec.State == StateReady {
			e.cancelStep(s, d, ReasonUpstreamFailed)
		}
	}
	if st.Optional {
		return
	}
	s.failures = append(s.failures, StepFailure{StepID: st.ID, Index: st.Index, State: state, Err: c.err})
	e.abort(s, ReasonFlowAborted)
}

// abort stops promoting steps and cancels every step that has not started.
// Running steps are left to finish.
func (e *Executor) abort(s *schedule, reason string) {
	if !s.aborting {
		slog.Info("flow aborting", "run_id", e.runID, "reason", reason, "running", s.running)
	}
	s.aborting = true
	s.ready = nil
	for _, st := range e.plan.Steps {
		if rec := e.record(st.ID); rec.State == StatePending || rec.State == StateReady {
			e.cancelStep(s, st.ID, reason)
		}
	}
}

// cancelAll handles external cancellation: running steps are terminated
// through their contexts and come back Cancelled (or TimedOut when the
// caller's deadline passed).
func (e *Executor) cancelAll(s *schedule, cancelRun context.CancelFunc, deadline bool) {
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.deadline = deadline
	slog.Info("flow cancelled", "run_id", e.runID, "running", s.running, "deadline", deadline)
	e.abort(s, ReasonFlowCancelled)
	cancelRun()
}

// cancelStep marks a step that never ran as Cancelled.
func (e *Executor) cancelStep(s *schedule, stepID, reason string) {
	seq := e.clock.Next()
	e.update(stepID, func(r *Record) {
		r.State = StateCancelled
		r.Reason = reason
		r.EndSeq = seq
	})
	e.emitStep(EventStepFinished, seq, e.now(), stepID)
	slog.Debug("step cancelled", "run_id", e.runID, "step_id", stepID, "reason", reason)
}

// collectOutputs computes global outputs from produced values. Outputs fed
// by steps that did not produce are omitted.
func (e *Executor) collectOutputs(s *schedule) map[string]any {
	out := make(map[string]any, len(e.plan.Outputs))
	for _, o := range e.plan.Outputs {
		from := o.Edge.From
		if from.Step != compiler.SourceNode && !e.record(from.Step).State.Produced() {
			slog.Debug("global output unavailable", "run_id", e.runID, "output", o.Name, "from", from.String())
			continue
		}
		v, ok := s.values[from.Step][from.Name]
		if !ok {
			continue
		}
		adapted, err := o.Edge.Adapt(e.plan.Registry, v)
		if err != nil {
			s.failures = append(s.failures, StepFailure{
				StepID: compiler.SinkNode,
				Index:  len(e.plan.Steps),
				State:  StateFailed,
				Err: &runner.RunError{
					Kind:    runner.KindAdaptation,
					Step:    compiler.SinkNode,
					Message: fmt.Sprintf("output %q from %s: %v", o.Name, from, err),
					Err:     err,
				},
			})
			continue
		}
		out[o.Name] = adapted
	}
	return out
}

func (e *Executor) record(stepID string) Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.records[stepID]
}

func (e *Executor) update(stepID string, fn func(*Record)) {
	e.mu.Lock()
	fn(e.records[stepID])
	e.mu.Unlock()
}

func (e *Executor) emitStep(kind EventKind, seq int64, at time.Time, stepID string) {
	rec := e.record(stepID)
	e.emit(Event{Kind: kind, Seq: seq, Time: at, Step: &rec})
}

func (e *Executor) emit(ev Event) {
	if len(e.observers) == 0 {
		return
	}
	ev.RunID = e.runID
	ev.Plan = e.plan
	e.observers.Observe(ev)
}
