package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// numericPrefix matches the leading number of a measurement such as "7km".
var numericPrefix = regexp.MustCompile(`^\s*[-+]?(\d+(\.\d*)?|\.\d+)([eE][-+]?\d+)?`)

// Builtin returns a new registry populated with the standard synonym classes
// and converters between atomic and structural types.
//
// There is deliberately no direct xs:string -> xs:int converter: integers
// are parsed through xs:double, so "7km" adapts to 7 via the chain
// xs:string -> xs:double -> xs:int. Strings holding a plain decimal integer
// skip the chain and are parsed exactly (see exactInt).
func Builtin() *Registry {
	r := NewRegistry()

	r.RegisterSynonyms(String, "str", "string", "xs:normalizedString", "xs:token")
	r.RegisterSynonyms(Int, "int", "integer", "xs:integer", "xs:long", "xs:short")
	r.RegisterSynonyms(Double, "float", "double", "xs:float", "xs:decimal")
	r.RegisterSynonyms(Boolean, "bool", "boolean")
	r.RegisterSynonyms(List, "list", "tuple", "py:tuple")
	r.RegisterSynonyms(Dict, "dict", "map", "py:map")
	r.RegisterSynonyms(FileT, "file", "sf:path", "xs:anyURI")

	r.Register(String, Double, stringToDouble)
	r.Register(String, Boolean, stringToBoolean)
	r.Register(String, FileT, func(v any) (any, error) {
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return File{Path: strings.TrimSpace(s)}, nil
	})
	r.Register(String, List, decodeJSONAs[[]any])
	r.Register(String, Dict, decodeJSONAs[map[string]any])

	r.Register(Double, Int, doubleToInt)
	r.Register(Double, String, formatAtomic)

	r.Register(Int, Double, func(v any) (any, error) {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", v)
		}
		return float64(n), nil
	})
	r.Register(Int, String, formatAtomic)
	r.Register(Boolean, String, formatAtomic)
	r.Register(FileT, String, func(v any) (any, error) {
		f, ok := v.(File)
		if !ok {
			return nil, fmt.Errorf("expected file, got %T", v)
		}
		return f.Path, nil
	})

	r.Register(List, String, encodeJSONString)
	r.Register(Dict, String, encodeJSONString)

	for _, scalar := range []Name{Int, Double, Boolean, FileT} {
		r.Register(scalar, List, wrapList)
	}
	r.Register(Wildcard, List, wrapList)

	return r
}

func wrapList(v any) (any, error) {
	if list, ok := v.([]any); ok {
		return list, nil
	}
	return []any{v}, nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func stringToDouble(v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	m := numericPrefix.FindString(s)
	if m == "" {
		return nil, fmt.Errorf("%q has no numeric value", s)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(m), 64)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return f, nil
}

func doubleToInt(v any) (any, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("expected double, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v has no integer value", f)
	}
	// 2^63 is exactly representable; anything at or beyond it overflows.
	if f >= maxIntDouble || f < -maxIntDouble {
		return nil, fmt.Errorf("%v is out of range for %s", f, Int)
	}
	return int64(math.Trunc(f)), nil
}

const maxIntDouble = 1 << 63

// exactInt parses a string holding nothing but a decimal integer. Doubles
// cannot represent every int64, so such strings bypass xs:double.
func exactInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func stringToBoolean(v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true, nil
	case "no", "off", "":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse boolean %q: %w", s, err)
	}
	return b, nil
}

func formatAtomic(v any) (any, error) {
	switch val := v.(type) {
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return nil, fmt.Errorf("cannot format %T", v)
	}
}

func decodeJSONAs[T any](v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var out T
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %q: %w", s, err)
	}
	return fromJSONNumbers(out), nil
}

// fromJSONNumbers replaces json.Number with int64 where integral, float64
// otherwise.
func fromJSONNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i, e := range val {
			val[i] = fromJSONNumbers(e)
		}
		return val
	case map[string]any:
		for k, e := range val {
			val[k] = fromJSONNumbers(e)
		}
		return val
	default:
		return v
	}
}

func encodeJSONString(v any) (any, error) {
	b, err := encodeJSON(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeJSONValue decodes JSON text into a normalized runtime value.
func DecodeJSONValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return fromJSONNumbers(out), nil
}
