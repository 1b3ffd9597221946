package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/ir"
	"github.com/roach88/gridflow/internal/runner"
	"github.com/roach88/gridflow/internal/types"
)

// digestPrefix marks a content digest inside canonical input forms.
const digestPrefix = "sha256:"

// Fingerprint computes the cache identity of running step with inputs.
func Fingerprint(step *compiler.Step, inputs []runner.Arg) (string, error) {
	canon := make(map[string]any, len(inputs))
	for _, a := range inputs {
		v, err := canonicalValue(a.Value)
		if err != nil {
			return "", fmt.Errorf("input %q: %w", a.Name, err)
		}
		canon[a.Name] = v
	}
	return ir.Fingerprint(step.Binding.Identity(), step.Version, canon)
}

// canonicalValue replaces file values with the digest of their content and
// passes everything else through in its normalized form.
func canonicalValue(v any) (any, error) {
	switch val := types.Normalize(v).(type) {
	case types.File:
		sum, err := fileDigest(val.Path)
		if err != nil {
			return nil, err
		}
		return ir.ContentDigest(digestPrefix + sum), nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			c, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			c, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	default:
		return val, nil
	}
}

// fileDigest returns the lowercase hex SHA-256 of a file's content.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("digest file: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
