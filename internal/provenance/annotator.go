package provenance

import (
	"errors"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/engine"
	"github.com/roach88/gridflow/internal/ir"
	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/types"
)

// Run states written to results/@state besides engine.Result.Outcome.
const (
	StateRunning = "running"
)

// TimeLayout formats every timestamp in an annotated document.
const TimeLayout = time.RFC3339Nano

// Annotator is an engine.Observer that maintains an annotated document.
type Annotator struct {
	path string
	host string
	user string
	pid  int

	mu     sync.Mutex
	plan   *compiler.Plan
	doc    *Document
	writes int
	failed int
}

// Option configures an Annotator.
type Option func(*Annotator)

// WithHost overrides the host name recorded in results.
func WithHost(host string) Option {
	return func(a *Annotator) { a.host = host }
}

// WithUser overrides the user name recorded in results.
func WithUser(name string) Option {
	return func(a *Annotator) { a.user = name }
}

// WithPID overrides the process id recorded in results.
func WithPID(pid int) Option {
	return func(a *Annotator) { a.pid = pid }
}

// New creates an annotator writing to path.
func New(path string, opts ...Option) *Annotator {
	a := &Annotator{path: path, pid: os.Getpid()}
	if host, err := os.Hostname(); err == nil {
		a.host = host
	}
	if u, err := user.Current(); err == nil {
		a.user = u.Username
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Path returns the document path.
func (a *Annotator) Path() string {
	return a.path
}

// Stats reports how many writes succeeded and failed.
func (a *Annotator) Stats() (writes, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writes, a.failed
}

// Observe implements engine.Observer.
func (a *Annotator) Observe(ev engine.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Kind {
	case engine.EventFlowStarted:
		a.begin(ev)
	case engine.EventStepStarted, engine.EventStepFinished:
		if a.doc == nil {
			return
		}
		a.step(ev.Step)
	case engine.EventFlowFinished:
		if a.doc == nil {
			return
		}
		a.finish(ev)
	default:
		return
	}
	a.flush()
}

// begin mirrors the output and process lists with empty entries.
func (a *Annotator) begin(ev engine.Event) {
	a.plan = ev.Plan
	res := &Results{
		StartTime: stamp(ev.Time),
		Host:      a.host,
		User:      a.user,
		PID:       a.pid,
		Version:   ir.EngineVersion,
		RunID:     ev.RunID,
		State:     StateRunning,
	}
	for _, o := range ev.Plan.Outputs {
		res.Outputs = append(res.Outputs, Value{Name: o.Name, Type: string(o.Type)})
	}
	for _, st := range ev.Plan.Steps {
		res.Processes = append(res.Processes, ProcessResult{ID: st.ID, State: string(engine.StatePending)})
	}
	a.doc = &Document{Flow: *ev.Plan.Flow, Results: res}
}

func (a *Annotator) step(rec *engine.Record) {
	if rec == nil {
		return
	}
	pr, ok := a.doc.Results.Process(rec.StepID)
	if !ok {
		return
	}
	*pr = ProcessResult{
		ID:          rec.StepID,
		State:       string(rec.State),
		Reason:      rec.Reason,
		StartSeq:    rec.StartSeq,
		Seq:         rec.EndSeq,
		StartTime:   stamp(rec.Started),
		EndTime:     stamp(rec.Finished),
		PID:         rec.PID,
		Fingerprint: rec.Fingerprint,
	}
	switch {
	case rec.State.Produced():
		pr.Outputs = a.stepOutputs(rec)
	case rec.Err != nil:
		pr.Error = errorBlock(rec.Err)
	}
}

// stepOutputs lists produced values in declaration order.
func (a *Annotator) stepOutputs(rec *engine.Record) []Value {
	st, ok := a.plan.Step(rec.StepID)
	if !ok {
		return nil
	}
	var values []Value
	for _, o := range st.Outputs {
		v, ok := rec.Outputs[o.Name]
		if !ok {
			continue
		}
		values = append(values, value(o.Name, o.Type, v))
	}
	return values
}

func (a *Annotator) finish(ev engine.Event) {
	res := ev.Result
	r := a.doc.Results
	r.EndTime = stamp(res.Finished)
	r.State = res.Outcome()
	for i := range res.Records {
		a.step(&res.Records[i])
	}

	r.Outputs = nil
	r.Error = nil
	if res.Err != nil {
		r.Error = errorBlock(res.Err)
		return
	}
	for _, o := range a.plan.Outputs {
		if v, ok := res.Outputs[o.Name]; ok {
			r.Outputs = append(r.Outputs, value(o.Name, o.Type, v))
		}
	}
}

func (a *Annotator) flush() {
	data, err := Marshal(a.doc)
	if err == nil {
		err = writeFileAtomic(a.path, data, 0o644)
	}
	if err != nil {
		a.failed++
		slog.Warn("annotation write failed", "path", a.path, "run_id", a.doc.Results.RunID, "error", err)
		return
	}
	a.writes++
}

func value(name string, declared types.Name, v any) Value {
	t := declared
	if t == "" || t == types.Any {
		t = types.TypeOf(v)
	}
	return Value{Name: name, Type: string(t), Text: NewText(types.Format(v))}
}

// errorBlock describes err, preferring the structured step error.
func errorBlock(err error) *ErrorBlock {
	var re *runner.RunError
	if errors.As(err, &re) {
		b := &ErrorBlock{
			Kind:    string(re.Kind),
			Step:    re.Step,
			Message: NewText(re.Message),
		}
		if re.ExitStatus != nil {
			b.ExitStatus = strconv.Itoa(*re.ExitStatus)
		}
		if re.Trace != "" {
			t := NewText(re.Trace)
			b.Trace = &t
		}
		return b
	}

	kind := "error"
	switch {
	case engine.IsTimeout(err):
		kind = string(runner.KindTimeout)
	case engine.IsCancelled(err):
		kind = string(runner.KindCancelled)
	}
	return &ErrorBlock{Kind: kind, Message: NewText(err.Error())}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
