// Package natives is the builtin table of native bindings available to
// flows run by the gridflow command.
package natives

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/types"
)

// Builtin returns a registry holding every builtin binding.
func Builtin() *runner.NativeRegistry {
	r := runner.NewNativeRegistry()
	Register(r)
	return r
}

// Register adds the builtin bindings to r.
func Register(r *runner.NativeRegistry) {
	r.Register("math.add", binary(func(a, b float64) float64 { return a + b }))
	r.Register("math.mul", binary(func(a, b float64) float64 { return a * b }))
	r.Register("seq.range", seqRange)
	r.Register("seq.double", seqDouble)
	r.Register("seq.sum", seqSum)
	r.Register("text.concat", textConcat)
	r.Register("text.upper", textUpper)
	r.Register("file.write", fileWrite)
	r.Register("fail", fail)
	r.Register("sleep", sleep)
}

// binary applies op to inputs x and y. The result is an int when both
// operands are ints.
func binary(op func(a, b float64) float64) runner.NativeFunc {
	return func(ctx context.Context, call *runner.Call) (map[string]any, error) {
		x, xInt, err := number(call, "x")
		if err != nil {
			return nil, err
		}
		y, yInt, err := number(call, "y")
		if err != nil {
			return nil, err
		}
		r := op(x, y)
		if xInt && yInt {
			return map[string]any{"": int64(r)}, nil
		}
		return map[string]any{"": r}, nil
	}
}

func number(call *runner.Call, name string) (float64, bool, error) {
	v, ok := call.Arg(name)
	if !ok {
		return 0, false, fmt.Errorf("missing input %q", name)
	}
	switch n := types.Normalize(v).(type) {
	case int64:
		return float64(n), true, nil
	case float64:
		return n, false, nil
	default:
		return 0, false, fmt.Errorf("input %q: expected a number, got %T", name, v)
	}
}

func items(call *runner.Call) ([]any, error) {
	v, ok := call.Arg("items")
	if !ok {
		return nil, errors.New(`missing input "items"`)
	}
	list, ok := types.Normalize(v).([]any)
	if !ok {
		return nil, fmt.Errorf(`input "items": expected a list, got %T`, v)
	}
	return list, nil
}

func seqRange(ctx context.Context, call *runner.Call) (map[string]any, error) {
	n, isInt, err := number(call, "n")
	if err != nil {
		return nil, err
	}
	if !isInt || n < 0 {
		return nil, fmt.Errorf("n must be a non-negative int, got %v", n)
	}
	out := make([]any, int(n))
	for i := range out {
		out[i] = int64(i)
	}
	return map[string]any{"": out}, nil
}

func seqDouble(ctx context.Context, call *runner.Call) (map[string]any, error) {
	list, err := items(call)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(list))
	for i, e := range list {
		switch n := e.(type) {
		case int64:
			out[i] = n * 2
		case float64:
			out[i] = n * 2
		default:
			return nil, fmt.Errorf("items[%d]: expected a number, got %T", i, e)
		}
	}
	return map[string]any{"": out}, nil
}

func seqSum(ctx context.Context, call *runner.Call) (map[string]any, error) {
	list, err := items(call)
	if err != nil {
		return nil, err
	}
	var (
		ints   int64
		floats float64
		float  bool
	)
	for i, e := range list {
		switch n := e.(type) {
		case int64:
			ints += n
		case float64:
			floats += n
			float = true
		default:
			return nil, fmt.Errorf("items[%d]: expected a number, got %T", i, e)
		}
	}
	if float {
		return map[string]any{"": floats + float64(ints)}, nil
	}
	return map[string]any{"": ints}, nil
}

func textConcat(ctx context.Context, call *runner.Call) (map[string]any, error) {
	var b strings.Builder
	for _, v := range call.Args() {
		b.WriteString(types.Format(v))
	}
	return map[string]any{"": b.String()}, nil
}

func textUpper(ctx context.Context, call *runner.Call) (map[string]any, error) {
	v, ok := call.Arg("text")
	if !ok {
		return nil, errors.New(`missing input "text"`)
	}
	return map[string]any{"": strings.ToUpper(types.Format(v))}, nil
}

// fileWrite writes input "text" to a file in the step's work directory and
// returns it as the step's file output.
func fileWrite(ctx context.Context, call *runner.Call) (map[string]any, error) {
	v, ok := call.Arg("text")
	if !ok {
		return nil, errors.New(`missing input "text"`)
	}
	name := "output.txt"
	if n, ok := call.Arg("name"); ok && types.Format(n) != "" {
		name = filepath.Base(types.Format(n))
	}
	path := filepath.Join(call.WorkDir, name)
	if err := os.WriteFile(path, []byte(types.Format(v)), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"": types.File{Path: path}}, nil
}

func fail(ctx context.Context, call *runner.Call) (map[string]any, error) {
	msg := "failed"
	if v, ok := call.Arg("message"); ok {
		msg = types.Format(v)
	}
	return nil, errors.New(msg)
}

// sleep waits for input "duration", then echoes input "value", or the
// duration when no value is given.
func sleep(ctx context.Context, call *runner.Call) (map[string]any, error) {
	v, ok := call.Arg("duration")
	if !ok {
		return nil, errors.New(`missing input "duration"`)
	}
	d, err := time.ParseDuration(types.Format(v))
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out, ok := call.Arg("value"); ok {
		return map[string]any{"": out}, nil
	}
	return map[string]any{"": d.String()}, nil
}
