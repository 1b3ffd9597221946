package types

import "fmt"

// File is a value of a file type. Its identity for caching purposes is the
// content at Path, never the path itself.
type File struct {
	Path string `json:"path"`
}

// String returns the file path.
func (f File) String() string { return f.Path }

// TypeOf infers the declared type of a runtime value.
// Unknown Go types map to Any.
func TypeOf(v any) Name {
	switch v.(type) {
	case string:
		return String
	case int, int32, int64:
		return Int
	case float32, float64:
		return Double
	case bool:
		return Boolean
	case []any:
		return List
	case map[string]any:
		return Dict
	case File, *File:
		return FileT
	default:
		return Any
	}
}

// Normalize converts Go values produced by bindings into the small set of
// runtime representations the registry works with: string, int64, float64,
// bool, []any, map[string]any and File.
func Normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case *File:
		if val == nil {
			return nil
		}
		return *val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = int64(n)
		}
		return out
	case []int64:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(val))
		for i, f := range val {
			out[i] = f
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two normalized values are equal by their type's
// equality.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, e := range av {
			other, ok := bv[k]
			if !ok || !Equal(e, other) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Format renders a value as text for annotated documents and CLI output.
func Format(v any) string {
	switch val := Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return val
	case File:
		return val.Path
	case []any, map[string]any:
		b, err := encodeJSON(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
