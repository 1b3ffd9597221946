package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridflow/internal/engine"
	"github.com/roach88/gridflow/internal/provenance"
	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/testutil"
)

type runResponse struct {
	Status string     `json:"status"`
	Data   runSummary `json:"data"`
	Error  *CLIError  `json:"error"`
}

func decodeRun(t *testing.T, stdout string) runResponse {
	t.Helper()
	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	return resp
}

func TestRun_PrintsOutputs(t *testing.T) {
	flow := writeFile(t, "add.xml", addFlow)

	stdout, _, err := execute(t, "run", "--work-root", t.TempDir(), flow)
	require.NoError(t, err)
	assert.Equal(t, "total = 5\n", stdout)
}

func TestRun_InputsOverrideDefaults(t *testing.T) {
	flow := writeFile(t, "add.xml", addFlow)

	stdout, _, err := execute(t, "run", "--work-root", t.TempDir(), "--input", "a=10", "-i", "b=-4", flow)
	require.NoError(t, err)
	assert.Equal(t, "total = 6\n", stdout)
}

func TestRun_JSON(t *testing.T) {
	flow := writeFile(t, "add.xml", addFlow)

	stdout, _, err := execute(t, "run", "--format", "json", "--work-root", t.TempDir(), flow)
	require.NoError(t, err)

	resp := decodeRun(t, stdout)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "success", resp.Data.State)
	assert.Equal(t, map[string]any{"total": float64(5)}, resp.Data.Outputs)
	require.Len(t, resp.Data.Steps, 1)
	assert.Equal(t, "sum", resp.Data.Steps[0].ID)
	assert.Equal(t, string(engine.StateSucceeded), resp.Data.Steps[0].State)
	assert.NotEmpty(t, resp.Data.Steps[0].Fingerprint)
	assert.NotEmpty(t, resp.Data.RunID)
}

func TestRun_InputErrors(t *testing.T) {
	flow := writeFile(t, "add.xml", addFlow)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"not a pair", "a", "expected name=value"},
		{"undeclared", "c=1", "not declared by the flow"},
		{"wrong type", "a=two", "not a valid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, err := execute(t, "run", "--work-root", t.TempDir(), "--input", tt.input, flow)
			require.Error(t, err)
			assert.Equal(t, ExitRuntimeError, GetExitCode(err))
			assert.Contains(t, err.Error()+stderr, tt.want)
		})
	}
}

func TestRun_CompileErrorExitsOne(t *testing.T) {
	flow := writeFile(t, "loop.xml", cycleFlow)

	_, stderr, err := execute(t, "run", "--work-root", t.TempDir(), flow)
	require.Error(t, err)
	assert.Equal(t, ExitCompileError, GetExitCode(err))
	assert.Contains(t, stderr, "compile error [cycle]")
}

func TestRun_FailureSummary(t *testing.T) {
	flow := writeFile(t, "cascade.xml", cascadeFlow)

	stdout, stderr, err := execute(t, "run", "--work-root", t.TempDir(), flow)
	require.Error(t, err)
	assert.Equal(t, ExitRuntimeError, GetExitCode(err))
	assert.Empty(t, stdout, "no outputs could be computed")
	assert.Contains(t, stderr, "  step:    a\n")
	assert.Contains(t, stderr, "  kind:    native\n")
	assert.Contains(t, stderr, "  message: disk full\n")
	assert.Contains(t, stderr, "  cancelled b (upstream failed)\n")
}

func TestRun_FailureJSON(t *testing.T) {
	flow := writeFile(t, "cascade.xml", cascadeFlow)

	stdout, _, err := execute(t, "run", "--format", "json", "--work-root", t.TempDir(), flow)
	require.Error(t, err)

	resp := decodeRun(t, stdout)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "native", resp.Error.Code)
	assert.Equal(t, "failed", resp.Data.State)
	require.NotNil(t, resp.Data.Error)
	assert.Equal(t, "a", resp.Data.Error.Step)
	require.Len(t, resp.Data.Steps, 2)
	assert.Equal(t, string(engine.StateCancelled), resp.Data.Steps[1].State)
}

func TestRun_TimeoutExitsFour(t *testing.T) {
	flow := writeFile(t, "slow.xml", sleepFlow)

	_, stderr, err := execute(t, "run", "--work-root", t.TempDir(), "--timeout", "100ms", flow)
	require.Error(t, err)
	assert.Equal(t, ExitTimeout, GetExitCode(err))
	assert.Contains(t, stderr, "timeout")
}

func TestRun_StepTimeoutExitsFour(t *testing.T) {
	flow := writeFile(t, "slow.xml", strings.Replace(sleepFlow, `<process id="nap">`, `<process id="nap" timeout="50ms">`, 1))

	_, stderr, err := execute(t, "run", "--work-root", t.TempDir(), flow)
	require.Error(t, err)
	assert.Equal(t, ExitTimeout, GetExitCode(err))
	assert.Contains(t, stderr, "  step:    nap\n")
	assert.Contains(t, stderr, "  kind:    timeout\n")
}

func TestRun_SecondRunIsCached(t *testing.T) {
	srv := testutil.StartCacheServer(t)
	flow := writeFile(t, "add.xml", addFlow)
	workRoot := t.TempDir()

	args := []string{"run", "--format", "json", "--work-root", workRoot, "--cache", srv.Addr, flow}
	stdout, _, err := execute(t, args...)
	require.NoError(t, err)
	first := decodeRun(t, stdout)
	assert.Equal(t, string(engine.StateSucceeded), first.Data.Steps[0].State)

	stdout, _, err = execute(t, args...)
	require.NoError(t, err)
	second := decodeRun(t, stdout)
	assert.Equal(t, string(engine.StateCached), second.Data.Steps[0].State)
	assert.Equal(t, first.Data.Steps[0].Fingerprint, second.Data.Steps[0].Fingerprint)
	assert.Equal(t, first.Data.Outputs, second.Data.Outputs)
	assert.NotEqual(t, first.Data.RunID, second.Data.RunID)

	stdout, _, err = execute(t, append([]string{"run", "--no-cache"}, args[1:]...)...)
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateSucceeded), decodeRun(t, stdout).Data.Steps[0].State)
}

func TestRun_Config(t *testing.T) {
	flow := writeFile(t, "add.xml", addFlow)
	workRoot := t.TempDir()
	cfg := writeFile(t, "gridflow.cue", fmt.Sprintf("work_root: %q\nmax_concurrency: 1\n", workRoot))

	stdout, _, err := execute(t, "run", "--config", cfg, flow)
	require.NoError(t, err)
	assert.Equal(t, "total = 5\n", stdout)
}

func TestRun_InvalidConfig(t *testing.T) {
	flow := writeFile(t, "add.xml", addFlow)

	bad := writeFile(t, "gridflow.cue", "max_workers: 2\n")
	_, _, err := execute(t, "run", "--config", bad, flow)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")

	_, _, err = execute(t, "run", "--work-root", t.TempDir(), "--max-concurrency", "0", flow)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_Annotate(t *testing.T) {
	flow := writeFile(t, "add.xml", addFlow)
	annotated := filepath.Join(t.TempDir(), "add.annotated.xml")

	_, _, err := execute(t, "run", "--work-root", t.TempDir(), "--annotate", annotated, flow)
	require.NoError(t, err)

	doc, err := provenance.Load(annotated)
	require.NoError(t, err)
	assert.Equal(t, "success", doc.Results.State)
	out, ok := doc.Results.Output("total")
	require.True(t, ok)
	assert.Equal(t, "5", out.String())
	sum, ok := doc.Results.Process("sum")
	require.True(t, ok)
	assert.Equal(t, string(engine.StateSucceeded), sum.State)
}

func TestRun_CustomNatives(t *testing.T) {
	flow := writeFile(t, "add.xml", strings.Replace(addFlow, "math.add", "test.add", 1))

	natives := runner.NewNativeRegistry()
	natives.Register("test.add", func(_ context.Context, call *runner.Call) (map[string]any, error) {
		x, _ := call.Arg("x")
		y, _ := call.Arg("y")
		return map[string]any{"result": x.(int64)*100 + y.(int64)}, nil
	})

	var stdout, stderr strings.Builder
	cmd := newRootCommand(&RootOptions{Natives: natives})
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"run", "--work-root", t.TempDir(), flow})
	require.NoError(t, cmd.Execute(), stderr.String())
	assert.Equal(t, "total = 203\n", stdout.String())

	_, _, err := execute(t, "run", "--work-root", t.TempDir(), flow)
	require.Error(t, err, "builtin table has no test.add")
	assert.Equal(t, ExitCompileError, GetExitCode(err))
}

func TestParseInputs(t *testing.T) {
	got, err := parseInputs([]string{"a=1", "expr=x=y", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "expr": "x=y", "empty": ""}, got)

	_, err = parseInputs([]string{"=1"})
	assert.Error(t, err)
	_, err = parseInputs([]string{"a=1", "a=2"})
	assert.ErrorContains(t, err, "more than once")
}

func TestConciseTrace(t *testing.T) {
	assert.Empty(t, conciseTrace(""))
	assert.Equal(t, "one\ntwo", conciseTrace("one\ntwo\n"))

	var lines []string
	for i := 1; i <= 12; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	got := strings.Split(conciseTrace(strings.Join(lines, "\n")), "\n")
	require.Len(t, got, traceLines+1)
	assert.Equal(t, "...", got[0])
	assert.Equal(t, "line 5", got[1])
	assert.Equal(t, "line 12", got[traceLines])
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCodeFor(nil))
	assert.Equal(t, ExitCancelled, exitCodeFor(fmt.Errorf("run r: %w", engine.ErrCancelled)))
	assert.Equal(t, ExitTimeout, exitCodeFor(fmt.Errorf("run r: %w", engine.ErrTimeout)))
	assert.Equal(t, ExitRuntimeError, exitCodeFor(&engine.FlowError{RunID: "r"}))
}
