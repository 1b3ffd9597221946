package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/gridflow/internal/ir"
)

// MarshalTrace renders a result's trace as canonical JSON lines: a header
// naming the scenario, then one line per event.
func MarshalTrace(result *Result) ([]byte, error) {
	var buf bytes.Buffer
	header, err := ir.MarshalCanonical(map[string]any{"scenario": result.Name})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')
	for _, ev := range result.Trace {
		line, err := ir.MarshalCanonical(map[string]any{
			"run":     int64(ev.Run),
			"seq":     ev.Seq,
			"step_id": ev.StepID,
			"state":   ev.State,
		})
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// AssertGolden compares the result's trace against a golden file.
// The golden file is stored in testdata/golden/{result.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, result *Result) {
	t.Helper()

	trace, err := MarshalTrace(result)
	if err != nil {
		t.Fatalf("marshal trace: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, result.Name, trace)
}
