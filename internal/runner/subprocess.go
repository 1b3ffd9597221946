package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/types"
)

// Files written into every subprocess work dir.
const (
	StdoutFile  = "stdout.log"
	StderrFile  = "stderr.log"
	OutputsFile = "_outputs.json"
)

// traceTail bounds how much stderr is copied into a RunError trace.
const traceTail = 4096

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func (r *Runner) runSubprocess(ctx context.Context, step *compiler.Step, args []Arg, dir string) (raw, error) {
	b := step.Binding
	binDir, err := r.stage(ctx, step.ID, dir, b.Fetch, b.Install)
	if err != nil {
		return raw{}, err
	}

	args, err = materializeFiles(step.ID, args, dir)
	if err != nil {
		return raw{}, err
	}

	command := expandCommand(b.CommandText(), args, dir)

	stdout, err := os.Create(filepath.Join(dir, StdoutFile))
	if err != nil {
		return raw{}, &RunError{Kind: KindSpawn, Step: step.ID, Message: "create stdout log", Err: err}
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(dir, StderrFile))
	if err != nil {
		return raw{}, &RunError{Kind: KindSpawn, Step: step.ID, Message: "create stderr log", Err: err}
	}
	defer stderr.Close()

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = r.environ(step.ID, dir, binDir, args)
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return raw{}, &RunError{Kind: KindSpawn, Step: step.ID, Message: "start command", Err: err}
	}
	pid := cmd.Process.Pid
	slog.Debug("subprocess started", "step_id", step.ID, "pid", pid, "command", command)

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()
	r.supervisor.track(step.ID, pid, done)
	defer r.supervisor.untrack(step.ID)

	select {
	case <-done:
	case <-ctx.Done():
		r.supervisor.Terminate(step.ID)
		<-done
		return raw{}, ctxError(step.ID, ctx, pid)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return raw{}, &RunError{
				Kind:       KindExitStatus,
				Step:       step.ID,
				Message:    fmt.Sprintf("command failed: %s", firstLine(b.CommandText())),
				Trace:      tail(filepath.Join(dir, StderrFile)),
				ExitStatus: exitStatus(exitErr.ExitCode()),
				PID:        pid,
				Err:        waitErr,
			}
		}
		return raw{}, &RunError{Kind: KindSpawn, Step: step.ID, Message: "wait for command", PID: pid, Err: waitErr}
	}

	values, err := captureOutputs(step, dir)
	if err != nil {
		return raw{}, &RunError{Kind: KindOutput, Step: step.ID, Message: err.Error(), PID: pid, Err: err}
	}
	return raw{values: values, pid: pid}, nil
}

// materializeFiles places file-typed inputs inside the work dir so the
// command never shares an on-disk path with another consumer.
func materializeFiles(stepID string, args []Arg, dir string) ([]Arg, error) {
	out := make([]Arg, len(args))
	for i, a := range args {
		out[i] = a
		f, ok := types.Normalize(a.Value).(types.File)
		if !ok {
			continue
		}
		dst := filepath.Join(dir, "inputs", a.Name+filepath.Ext(f.Path))
		if err := LinkOrCopy(f.Path, dst); err != nil {
			return nil, &RunError{Kind: KindSpawn, Step: stepID, Message: fmt.Sprintf("materialize input %q", a.Name), Err: err}
		}
		out[i].Value = types.File{Path: dst}
	}
	return out, nil
}

// expandCommand substitutes {name} placeholders with shell-quoted input
// values; {workdir} expands to the work dir. Unknown names are left alone.
func expandCommand(tmpl string, args []Arg, dir string) string {
	values := map[string]string{"workdir": dir}
	for _, a := range args {
		values[a.Name] = types.Format(a.Value)
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := values[name]
		if !ok {
			return m
		}
		return shellQuote(v)
	})
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+,@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// environ builds the command environment: the parent environment plus
// GRIDFLOW_* variables describing the step and one GRIDFLOW_IN_<NAME> per
// input.
func (r *Runner) environ(stepID, dir, binDir string, args []Arg) []string {
	env := os.Environ()
	env = append(env,
		"GRIDFLOW_RUN_ID="+r.runID,
		"GRIDFLOW_STEP_ID="+stepID,
		"GRIDFLOW_WORK_DIR="+dir,
	)
	for _, a := range args {
		env = append(env, "GRIDFLOW_IN_"+envName(a.Name)+"="+types.Format(a.Value))
	}
	if binDir != "" {
		env = append(env, "PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	return env
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// captureOutputs collects declared outputs after a successful run:
//   - file-typed outputs are the files <work_dir>/<file or name>
//   - _outputs.json, when written, supplies values by output name
//   - otherwise a single remaining output takes the trimmed stdout
func captureOutputs(step *compiler.Step, dir string) (map[string]any, error) {
	values := map[string]any{}

	var fromJSON map[string]any
	if data, err := os.ReadFile(filepath.Join(dir, OutputsFile)); err == nil {
		v, err := types.DecodeJSONValue(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", OutputsFile, err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s must hold an object", OutputsFile)
		}
		fromJSON = m
	}

	var pending []*compiler.StepOutput
	for _, o := range step.Outputs {
		if o.Transient {
			continue
		}
		if o.Type.IsFile() {
			p := outputPath(dir, o)
			if _, err := os.Stat(p); err != nil {
				return nil, fmt.Errorf("file output %q: %w", o.Name, err)
			}
			values[o.Name] = types.File{Path: p}
			continue
		}
		if v, ok := fromJSON[o.Name]; ok {
			values[o.Name] = v
			continue
		}
		pending = append(pending, o)
	}

	switch {
	case len(pending) == 0:
	case len(pending) == 1 && fromJSON == nil:
		data, err := os.ReadFile(filepath.Join(dir, StdoutFile))
		if err != nil {
			return nil, err
		}
		values[pending[0].Name] = strings.TrimSpace(string(data))
	default:
		names := make([]string, len(pending))
		for i, o := range pending {
			names[i] = o.Name
		}
		return nil, fmt.Errorf("outputs %s were not produced", strings.Join(names, ", "))
	}
	return values, nil
}

// tail returns the last traceTail bytes of a file.
func tail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > traceTail {
		data = data[len(data)-traceTail:]
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	return strings.TrimRight(string(data), "\n")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
