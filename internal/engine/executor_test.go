package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/coordinator"
	"github.com/roach88/gridflow/internal/metrics"
	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/testutil"
)

const addFlow = `<flow id="add-two" version="1">
  <inputs>
    <input name="a" type="xs:int">2</input>
    <input name="b" type="xs:int">3</input>
  </inputs>
  <outputs>
    <output name="total" type="xs:int" from="@#sum.result"/>
  </outputs>
  <processes>
    <process id="sum">
      <binding kind="native" name="math.add"/>
      <inputs>
        <input name="x" type="xs:int" from="@#inputs.a"/>
        <input name="y" type="xs:int" from="@#inputs.b"/>
      </inputs>
      <outputs><output name="result" type="xs:int"/></outputs>
    </process>
  </processes>
</flow>`

func compileDoc(t *testing.T, doc string, format compiler.Format) *compiler.Plan {
	t.Helper()
	flow, err := compiler.Parse([]byte(doc), format)
	require.NoError(t, err)
	plan, err := compiler.Compile(flow, nil)
	require.NoError(t, err)
	return plan
}

// fixture holds natives that count invocations.
type fixture struct {
	natives *runner.NativeRegistry
	calls   sync.Map // name -> *atomic.Int32
	seen    sync.Map // step id -> *runner.Call
}

func newFixture() *fixture {
	f := &fixture{natives: runner.NewNativeRegistry()}
	f.register("math.add", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		x, _ := call.Arg("x")
		y, _ := call.Arg("y")
		return map[string]any{"": x.(int64) + y.(int64)}, nil
	})
	f.register("seq.range", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		n, _ := call.Arg("n")
		items := []any{}
		for i := int64(0); i < n.(int64); i++ {
			items = append(items, i)
		}
		return map[string]any{"": items}, nil
	})
	f.register("seq.double", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		in, _ := call.Arg("items")
		var out []any
		for _, v := range in.([]any) {
			out = append(out, v.(float64)*2)
		}
		return map[string]any{"": out}, nil
	})
	f.register("seq.sum", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		in, _ := call.Arg("items")
		var total int64
		for _, v := range in.([]any) {
			total += v.(int64)
		}
		return map[string]any{"": total}, nil
	})
	f.register("echo", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		v, _ := call.Arg("v")
		return map[string]any{"": v}, nil
	})
	f.register("fail", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		return nil, errors.New("deliberate failure")
	})
	f.register("block", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return f
}

func (f *fixture) register(name string, fn runner.NativeFunc) {
	counter := &atomic.Int32{}
	f.calls.Store(name, counter)
	f.natives.Register(name, func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		counter.Add(1)
		f.seen.Store(call.StepID, call)
		return fn(ctx, call)
	})
}

func (f *fixture) count(name string) int32 {
	v, ok := f.calls.Load(name)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func (f *fixture) executor(t *testing.T, plan *compiler.Plan, opts ...Option) *Executor {
	t.Helper()
	base := []Option{
		WithRunnerOptions(runner.WithNatives(f.natives)),
		WithRunIDGenerator(testutil.NewSequentialRunID("run")),
	}
	return New(plan, t.TempDir(), append(base, opts...)...)
}

func states(res *Result) map[string]State {
	out := map[string]State{}
	for _, r := range res.Records {
		out[r.StepID] = r.State
	}
	return out
}

func TestRun_TwoStepAddIsCachedOnSecondRun(t *testing.T) {
	plan := compileDoc(t, addFlow, compiler.FormatXML)
	f := newFixture()
	srv := testutil.StartCacheServer(t)
	workRoot := t.TempDir()
	coord := coordinator.New(workRoot, coordinator.WithCache(srv.Client(t)))

	run := func() *Result {
		ex := New(plan, workRoot,
			WithRunnerOptions(runner.WithNatives(f.natives)),
			WithCoordinator(coord),
		)
		res, err := ex.Run(context.Background(), nil)
		require.NoError(t, err)
		return res
	}

	first := run()
	assert.Equal(t, map[string]any{"total": int64(5)}, first.Outputs)
	rec, ok := first.Record("sum")
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, rec.State)
	assert.Less(t, rec.StartSeq, rec.EndSeq)
	assert.False(t, rec.Finished.Before(rec.Started))
	assert.Len(t, rec.Fingerprint, 64)
	assert.Equal(t, map[string]any{"x": int64(2), "y": int64(3)}, rec.Inputs)

	second := run()
	assert.Equal(t, map[string]any{"total": int64(5)}, second.Outputs)
	rec2, _ := second.Record("sum")
	assert.Equal(t, StateCached, rec2.State)
	assert.Equal(t, rec.Fingerprint, rec2.Fingerprint)
	assert.Equal(t, int32(1), f.count("math.add"), "cache hit must not invoke")
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_InputsOverrideDefaults(t *testing.T) {
	plan := compileDoc(t, addFlow, compiler.FormatXML)
	f := newFixture()

	res, err := f.executor(t, plan).Run(context.Background(), map[string]any{"a": "40", "b": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Outputs["total"])
}

func TestRun_InputErrors(t *testing.T) {
	plan := compileDoc(t, `<flow id="f">
  <inputs><input name="n" type="xs:int"/></inputs>
  <processes>
    <process id="s">
      <binding kind="native" name="echo"/>
      <inputs><input name="v" from="@#inputs.n"/></inputs>
      <outputs><output name="o"/></outputs>
    </process>
  </processes>
</flow>`, compiler.FormatXML)
	f := newFixture()

	tests := []struct {
		name   string
		inputs map[string]any
		input  string
	}{
		{"missing", nil, "n"},
		{"unknown", map[string]any{"n": "1", "zzz": "1"}, "zzz"},
		{"invalid", map[string]any{"n": "not a number"}, "n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.executor(t, plan).Run(context.Background(), tt.inputs)
			assert.Nil(t, res)
			var ie *InputError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.input, ie.Name)
		})
	}
	assert.Zero(t, f.count("echo"))
}

func TestRun_FanOutFanIn(t *testing.T) {
	plan := compileDoc(t, `flow:
  id: fan-out
  inputs:
    - {name: n, type: xs:int, value: "4"}
  outputs:
    - {name: total, type: xs:int, from: "@#total"}
  processes:
    - id: range
      binding: {kind: native, name: seq.range}
      inputs: [{name: n, type: xs:int, from: "@#inputs.n"}]
      outputs: [{name: items, type: "py:list[xs:int]"}]
    - id: double
      binding: {kind: native, name: seq.double}
      inputs: [{name: items, type: "py:list[xs:double]", from: "@#previous.items"}]
      outputs: [{name: items, type: py:list}]
    - id: total
      binding: {kind: native, name: seq.sum}
      inputs: [{name: items, type: "py:list[xs:int]", from: "@#double.items"}]
      outputs: [{name: sum, type: xs:int}]
`, compiler.FormatYAML)
	f := newFixture()

	res, err := f.executor(t, plan).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Outputs["total"])

	r, _ := res.Record("range")
	d, _ := res.Record("double")
	s, _ := res.Record("total")
	assert.Less(t, r.EndSeq, d.StartSeq, "consumer starts after producer finishes")
	assert.Less(t, d.EndSeq, s.StartSeq)
}

func TestRun_StringToIntChain(t *testing.T) {
	plan := compileDoc(t, `<flow id="conv">
  <inputs><input name="a" type="xs:string">7km</input></inputs>
  <outputs><output name="got" type="xs:int" from="@#take.o"/></outputs>
  <processes>
    <process id="take">
      <binding kind="native" name="echo"/>
      <inputs><input name="v" type="xs:int" from="@#inputs.a"/></inputs>
      <outputs><output name="o" type="xs:int"/></outputs>
    </process>
  </processes>
</flow>`, compiler.FormatXML)
	f := newFixture()

	res, err := f.executor(t, plan).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Outputs["got"])

	v, ok := f.seen.Load("take")
	require.True(t, ok)
	got, _ := v.(*runner.Call).Arg("v")
	assert.Equal(t, int64(7), got, "binding receives the converted value")
}

const cascadeFlow = `<flow id="cascade">
  <outputs>
    <output name="from_b" from="@#b.o"/>
    <output name="from_d" from="@#d.o"/>
  </outputs>
  <processes>
    <process id="a"%s>
      <binding kind="native" name="%s"/>
      <outputs><output name="o"/></outputs>
    </process>
    <process id="b">
      <binding kind="native" name="echo"/>
      <inputs><input name="v" from="@#a.o"/></inputs>
      <outputs><output name="o"/></outputs>
    </process>
    <process id="c">
      <binding kind="native" name="echo"/>
      <inputs><input name="v" from="@#a.o"/></inputs>
      <outputs><output name="o"/></outputs>
    </process>
    <process id="d">
      <binding kind="native" name="echo"/>
      <inputs><input name="v">independent</input></inputs>
      <outputs><output name="o"/></outputs>
    </process>
  </processes>
</flow>`

func TestRun_FailureCascades(t *testing.T) {
	plan := compileDoc(t, fmt.Sprintf(cascadeFlow, "", "fail"), compiler.FormatXML)
	f := newFixture()
	srv := testutil.StartCacheServer(t)
	workRoot := t.TempDir()
	coord := coordinator.New(workRoot, coordinator.WithCache(srv.Client(t)))

	ex := New(plan, workRoot,
		WithRunnerOptions(runner.WithNatives(f.natives)),
		WithCoordinator(coord),
		WithMaxConcurrency(1),
	)
	res, err := ex.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Same(t, res.Err, err)

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	primary, ok := fe.Primary()
	require.True(t, ok)
	assert.Equal(t, "a", primary.StepID)
	assert.Len(t, fe.Failures, 1)

	var re *runner.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, runner.KindNative, re.Kind)
	assert.Contains(t, re.Message, "deliberate failure")

	assert.Equal(t, map[string]State{
		"a": StateFailed,
		"b": StateCancelled,
		"c": StateCancelled,
		"d": StateCancelled,
	}, states(res))
	b, _ := res.Record("b")
	assert.Equal(t, ReasonUpstreamFailed, b.Reason)
	d, _ := res.Record("d")
	assert.Equal(t, ReasonFlowAborted, d.Reason)
	assert.Zero(t, d.StartSeq)
	assert.Empty(t, res.Outputs)

	assert.Equal(t, "failed", res.Outcome())
	assert.False(t, IsTimeout(err))
	assert.False(t, IsCancelled(err))

	n, err := srv.Store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "failures are never cached")
}

func TestRun_OptionalFailureContinues(t *testing.T) {
	plan := compileDoc(t, fmt.Sprintf(cascadeFlow, ` optional="true"`, "fail"), compiler.FormatXML)
	f := newFixture()

	res, err := f.executor(t, plan).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]State{
		"a": StateFailed,
		"b": StateCancelled,
		"c": StateCancelled,
		"d": StateSucceeded,
	}, states(res))
	assert.Equal(t, map[string]any{"from_d": "independent"}, res.Outputs)
}

func TestRun_FailureDrainsRunningSteps(t *testing.T) {
	plan := compileDoc(t, `<flow id="drain">
  <processes>
    <process id="slow">
      <binding kind="native" name="slow"/>
      <outputs><output name="o"/></outputs>
    </process>
    <process id="bad">
      <binding kind="native" name="fail"/>
      <outputs><output name="o"/></outputs>
    </process>
  </processes>
</flow>`, compiler.FormatXML)
	f := newFixture()
	f.register("slow", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return map[string]any{"": "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	res, err := f.executor(t, plan, WithMaxConcurrency(2)).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, map[string]State{"slow": StateSucceeded, "bad": StateFailed}, states(res))
}

func TestRun_Cancel(t *testing.T) {
	plan := compileDoc(t, `<flow id="cancel">
  <processes>
    <process id="wait">
      <binding kind="native" name="block"/>
      <outputs><output name="o"/></outputs>
    </process>
    <process id="after">
      <binding kind="native" name="echo"/>
      <inputs><input name="v" from="@#wait.o"/></inputs>
      <outputs><output name="o"/></outputs>
    </process>
  </processes>
</flow>`, compiler.FormatXML)
	f := newFixture()

	var ex *Executor
	ex = f.executor(t, plan, WithObserver(ObserverFunc(func(ev Event) {
		if ev.Kind == EventStepStarted && ev.Step.StepID == "wait" {
			go ex.Cancel()
		}
	})))

	res, err := ex.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, "cancelled", res.Outcome())
	assert.Equal(t, map[string]State{"wait": StateCancelled, "after": StateCancelled}, states(res))

	ex.Cancel() // idempotent after the run
}

func TestRun_CancelledContextBeforeStart(t *testing.T) {
	plan := compileDoc(t, addFlow, compiler.FormatXML)
	f := newFixture()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.executor(t, plan).Run(ctx, nil)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, map[string]State{"sum": StateCancelled}, states(res))
	assert.Zero(t, f.count("math.add"))
}

func TestRun_StepTimeout(t *testing.T) {
	plan := compileDoc(t, `<flow id="timeout">
  <processes>
    <process id="wait" timeout="50ms">
      <binding kind="native" name="block"/>
      <outputs><output name="o"/></outputs>
    </process>
  </processes>
</flow>`, compiler.FormatXML)
	f := newFixture()

	res, err := f.executor(t, plan).Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, "timeout", res.Outcome())
	assert.Equal(t, StateTimedOut, states(res)["wait"])
}

func TestRun_RespectsMaxConcurrency(t *testing.T) {
	var doc = `<flow id="wide"><processes>`
	for i := 0; i < 6; i++ {
		doc += fmt.Sprintf(`<process id="p%d"><binding kind="native" name="track"/><inputs><input name="i">%d</input></inputs><outputs><output name="o"/></outputs></process>`, i, i)
	}
	doc += `</processes></flow>`
	plan := compileDoc(t, doc, compiler.FormatXML)

	f := newFixture()
	var current, peak atomic.Int32
	f.register("track", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return map[string]any{"": "ok"}, nil
	})

	res, err := f.executor(t, plan, WithMaxConcurrency(2)).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(6), f.count("track"))
}

func TestRun_IdenticalStepsRunOnce(t *testing.T) {
	plan := compileDoc(t, `<flow id="twins">
  <processes>
    <process id="one"><binding kind="native" name="twin"/><inputs><input name="v">same</input></inputs><outputs><output name="o"/></outputs></process>
    <process id="two"><binding kind="native" name="twin"/><inputs><input name="v">same</input></inputs><outputs><output name="o"/></outputs></process>
  </processes>
</flow>`, compiler.FormatXML)
	f := newFixture()
	f.register("twin", func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		time.Sleep(150 * time.Millisecond)
		return map[string]any{"": "result"}, nil
	})

	srv := testutil.StartCacheServer(t)
	workRoot := t.TempDir()
	ex := New(plan, workRoot,
		WithRunnerOptions(runner.WithNatives(f.natives)),
		WithCoordinator(coordinator.New(workRoot, coordinator.WithCache(srv.Client(t)))),
		WithMaxConcurrency(2),
	)
	res, err := ex.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.count("twin"))

	one, _ := res.Record("one")
	two, _ := res.Record("two")
	assert.Equal(t, one.Fingerprint, two.Fingerprint)
	assert.Equal(t, one.Outputs, two.Outputs)
	assert.ElementsMatch(t, []State{StateSucceeded, StateCached}, []State{one.State, two.State})
}

func TestRun_ObserverSeesOrderedEvents(t *testing.T) {
	plan := compileDoc(t, addFlow, compiler.FormatXML)
	f := newFixture()

	var events []Event
	res, err := f.executor(t, plan, WithObserver(ObserverFunc(func(ev Event) {
		events = append(events, ev)
	}))).Run(context.Background(), nil)
	require.NoError(t, err)

	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
		assert.Equal(t, res.RunID, ev.RunID)
		if i > 0 {
			assert.Greater(t, ev.Seq, events[i-1].Seq)
		}
	}
	assert.Equal(t, []EventKind{EventFlowStarted, EventStepStarted, EventStepFinished, EventFlowFinished}, kinds)
	assert.Equal(t, StateRunning, events[1].Step.State)
	assert.Equal(t, StateSucceeded, events[2].Step.State)
	assert.Same(t, res, events[3].Result)
}

func TestRun_Metrics(t *testing.T) {
	plan := compileDoc(t, fmt.Sprintf(cascadeFlow, "", "fail"), compiler.FormatXML)
	f := newFixture()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	_, err = f.executor(t, plan, WithMetrics(m), WithMaxConcurrency(1)).Run(context.Background(), nil)
	require.Error(t, err)

	n, err := promtest.GatherAndCount(reg, "gridflow_steps_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "failed and cancelled series")
	n, err = promtest.GatherAndCount(reg, "gridflow_flows_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_Twice(t *testing.T) {
	plan := compileDoc(t, addFlow, compiler.FormatXML)
	ex := newFixture().executor(t, plan)
	_, err := ex.Run(context.Background(), nil)
	require.NoError(t, err)
	_, err = ex.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestFlowError(t *testing.T) {
	timeout := &runner.RunError{Kind: runner.KindTimeout, Step: "a", Message: "wall-clock limit exceeded"}
	fe := &FlowError{RunID: "r", Failures: []StepFailure{
		{StepID: "a", State: StateTimedOut, Err: timeout},
		{StepID: "b", Index: 1, State: StateFailed, Err: errors.New("x")},
	}}
	assert.True(t, IsTimeout(fe))
	assert.True(t, IsFlowError(fmt.Errorf("wrapped: %w", fe)))
	assert.Equal(t, "run r: step a timedout: step a: timeout: wall-clock limit exceeded (and 1 more failed step(s))", fe.Error())

	var re *runner.RunError
	require.ErrorAs(t, fe, &re)
	assert.Same(t, timeout, re)

	fe.Failures[0].State = StateFailed
	assert.False(t, IsTimeout(fe))
}
