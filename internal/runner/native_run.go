package runner

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/roach88/gridflow/internal/compiler"
)

func (r *Runner) runNative(ctx context.Context, step *compiler.Step, args []Arg, dir string) (raw, error) {
	fn, ok := r.natives.Lookup(step.Binding.Name)
	if !ok {
		return raw{}, &RunError{Kind: KindNative, Step: step.ID, Message: fmt.Sprintf("native %q is not registered", step.Binding.Name)}
	}

	call := &Call{StepID: step.ID, WorkDir: dir}
	for _, a := range args {
		call.Names = append(call.Names, a.Name)
		call.Values = append(call.Values, a.Value)
	}
	for _, o := range step.Outputs {
		call.Outputs = append(call.Outputs, o.Name)
	}

	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: &RunError{
					Kind:    KindNative,
					Step:    step.ID,
					Message: fmt.Sprintf("panic: %v", p),
					Trace:   string(debug.Stack()),
				}}
			}
		}()
		out, err := fn(ctx, call)
		ch <- result{out: out, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if re, ok := res.err.(*RunError); ok {
				return raw{}, re
			}
			if ctx.Err() != nil {
				return raw{}, ctxError(step.ID, ctx, 0)
			}
			return raw{}, &RunError{Kind: KindNative, Step: step.ID, Message: res.err.Error(), Err: res.err}
		}
		out := res.out
		if v, ok := out[""]; ok && len(step.Outputs) == 1 {
			out = map[string]any{step.Outputs[0].Name: v}
		}
		return raw{values: out}, nil
	case <-ctx.Done():
		// the function is expected to observe ctx; its late result is dropped
		return raw{}, ctxError(step.ID, ctx, 0)
	}
}
