package natives

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/types"
)

func call(t *testing.T, name string, args ...any) (any, error) {
	t.Helper()
	fn, ok := Builtin().Lookup(name)
	require.True(t, ok, name)
	c := &runner.Call{StepID: "s", WorkDir: t.TempDir()}
	for i := 0; i+1 < len(args); i += 2 {
		c.Names = append(c.Names, args[i].(string))
		c.Values = append(c.Values, args[i+1])
	}
	out, err := fn(context.Background(), c)
	if err != nil {
		return nil, err
	}
	return out[""], nil
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		x, y any
		want any
	}{
		{"int add", "math.add", int64(2), int64(3), int64(5)},
		{"mixed add", "math.add", int64(2), 0.5, 2.5},
		{"int mul", "math.mul", int64(6), int64(7), int64(42)},
		{"float mul", "math.mul", 1.5, 2.0, 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := call(t, tt.fn, "x", tt.x, "y", tt.y)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := call(t, "math.add", "x", "two", "y", int64(1))
	assert.ErrorContains(t, err, "expected a number")
}

func TestSequences(t *testing.T) {
	got, err := call(t, "seq.range", "n", int64(4))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(0), int64(1), int64(2), int64(3)}, got)

	got, err = call(t, "seq.double", "items", []any{int64(1), 2.5})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), 5.0}, got)

	got, err = call(t, "seq.sum", "items", []any{int64(1), int64(2), int64(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(6), got)

	got, err = call(t, "seq.sum", "items", []any{int64(1), 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1.5, got)

	_, err = call(t, "seq.range", "n", int64(-1))
	assert.Error(t, err)
}

func TestText(t *testing.T) {
	got, err := call(t, "text.concat", "a", "grid", "b", "flow", "c", int64(2))
	require.NoError(t, err)
	assert.Equal(t, "gridflow2", got)

	got, err = call(t, "text.upper", "text", "shout")
	require.NoError(t, err)
	assert.Equal(t, "SHOUT", got)
}

func TestFileWrite(t *testing.T) {
	got, err := call(t, "file.write", "text", "hello", "name", "../escape.txt")
	require.NoError(t, err)
	f, ok := got.(types.File)
	require.True(t, ok)
	assert.Equal(t, "escape.txt", f.Path[len(f.Path)-len("escape.txt"):])
	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFail(t *testing.T) {
	_, err := call(t, "fail", "message", "boom")
	assert.EqualError(t, err, "boom")
}

func TestSleep(t *testing.T) {
	got, err := call(t, "sleep", "duration", "10ms", "value", "done")
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	fn, _ := Builtin().Lookup("sleep")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = fn(ctx, &runner.Call{Names: []string{"duration"}, Values: []any{"1m"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuiltinNames(t *testing.T) {
	assert.Equal(t, []string{
		"fail", "file.write", "math.add", "math.mul",
		"seq.double", "seq.range", "seq.sum",
		"sleep", "text.concat", "text.upper",
	}, Builtin().Names())
}
