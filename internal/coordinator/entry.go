package coordinator

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/types"
)

// blobKey marks a file nested inside a list or dict value.
const blobKey = "$blob"

// doubleKey marks an integral double, which JSON would otherwise read back
// as an integer.
const doubleKey = "$double"

// Entry is the cached record of one successful step execution.
type Entry struct {
	Fingerprint string        `json:"fingerprint"`
	StepID      string        `json:"step_id"`
	Outputs     []EntryOutput `json:"outputs"`
	Created     time.Time     `json:"created"`
}

// EntryOutput is one output value. File outputs are stored by content digest
// in Blob with their original base name in File; everything else is JSON in
// Value.
type EntryOutput struct {
	Name  string          `json:"name"`
	Type  types.Name      `json:"type,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Blob  string          `json:"blob,omitempty"`
	File  string          `json:"file,omitempty"`
}

// newEntry records outputs in declaration order, storing file content in
// blobs.
func newEntry(fp string, step *compiler.Step, outputs map[string]any, blobs blobStore, created time.Time) (*Entry, error) {
	e := &Entry{Fingerprint: fp, StepID: step.ID, Created: created.UTC()}
	for _, o := range step.Outputs {
		v, ok := outputs[o.Name]
		if !ok {
			continue
		}
		out := EntryOutput{Name: o.Name, Type: o.Type}
		if f, ok := types.Normalize(v).(types.File); ok {
			sum, err := blobs.put(f.Path)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", o.Name, err)
			}
			out.Blob = sum
			out.File = filepath.Base(f.Path)
		} else {
			wire, err := encodeValue(v, blobs)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", o.Name, err)
			}
			data, err := json.Marshal(wire)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", o.Name, err)
			}
			out.Value = data
		}
		e.Outputs = append(e.Outputs, out)
	}
	return e, nil
}

// encodeValue replaces nested files with {"$blob": digest, "file": name} and
// integral doubles with {"$double": n}.
func encodeValue(v any, blobs blobStore) (any, error) {
	switch val := types.Normalize(v).(type) {
	case float64:
		if !math.IsInf(val, 0) && val == math.Trunc(val) {
			return map[string]any{doubleKey: val}, nil
		}
		return val, nil
	case types.File:
		sum, err := blobs.put(val.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{blobKey: sum, "file": filepath.Base(val.Path)}, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			w, err := encodeValue(e, blobs)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			w, err := encodeValue(e, blobs)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	default:
		return val, nil
	}
}

// rehydrate turns the entry back into output values, materializing stored
// files inside workDir. Values are then adapted to their declared types.
func (e *Entry) rehydrate(reg *types.Registry, blobs blobStore, workDir string) (map[string]any, error) {
	outputs := make(map[string]any, len(e.Outputs))
	for _, o := range e.Outputs {
		if o.Blob != "" {
			dst := filepath.Join(workDir, safeBase(o.File, o.Name))
			if err := blobs.materialize(o.Blob, dst); err != nil {
				return nil, fmt.Errorf("output %q: %w", o.Name, err)
			}
			outputs[o.Name] = types.File{Path: dst}
			continue
		}
		v, err := types.DecodeJSONValue(o.Value)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", o.Name, err)
		}
		v, err = decodeValue(v, blobs, filepath.Join(workDir, o.Name))
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", o.Name, err)
		}
		v, err = reg.Adapt(v, o.Type)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", o.Name, err)
		}
		outputs[o.Name] = v
	}
	return outputs, nil
}

// decodeValue materializes nested blobs under dir/<index or key>/ and
// restores marked doubles.
func decodeValue(v any, blobs blobStore, dir string) (any, error) {
	switch val := v.(type) {
	case []any:
		for i, e := range val {
			d, err := decodeValue(e, blobs, filepath.Join(dir, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			val[i] = d
		}
		return val, nil
	case map[string]any:
		if d, ok := val[doubleKey]; ok && len(val) == 1 {
			switch n := d.(type) {
			case int64:
				return float64(n), nil
			case float64:
				return n, nil
			}
		}
		if sum, ok := val[blobKey].(string); ok {
			name, _ := val["file"].(string)
			dst := filepath.Join(dir, safeBase(name, "blob"))
			if err := blobs.materialize(sum, dst); err != nil {
				return nil, err
			}
			return types.File{Path: dst}, nil
		}
		for k, e := range val {
			d, err := decodeValue(e, blobs, filepath.Join(dir, safeBase(k, "_")))
			if err != nil {
				return nil, err
			}
			val[k] = d
		}
		return val, nil
	default:
		return val, nil
	}
}

// safeBase keeps a stored name from escaping the work dir.
func safeBase(name, fallback string) string {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return fallback
	}
	return base
}
