package compiler

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/gridflow/internal/ir"
)

// Format is a flow document syntax.
type Format string

const (
	FormatXML  Format = "xml"
	FormatYAML Format = "yaml"
)

// DetectFormat picks the syntax from the file extension, falling back to the
// first non-blank byte ('<' means XML).
func DetectFormat(name string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xml":
		return FormatXML
	case ".yaml", ".yml":
		return FormatYAML
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '<' {
		return FormatXML
	}
	return FormatYAML
}

// ParseFile reads and parses a flow document.
func ParseFile(path string) (*ir.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CompileError{Kind: KindMalformed, Message: "cannot read flow document", Err: err}
	}
	return Parse(data, DetectFormat(path, data))
}

// Parse decodes a flow document. Syntax errors are CompileError{malformed}.
func Parse(data []byte, format Format) (*ir.Flow, error) {
	switch format {
	case FormatXML:
		return parseXML(data)
	case FormatYAML:
		return parseYAML(data)
	default:
		return nil, &CompileError{Kind: KindMalformed, Message: fmt.Sprintf("unknown document format %q", format)}
	}
}

func parseXML(data []byte) (*ir.Flow, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &CompileError{Kind: KindMalformed, Message: "document has no root element"}
			}
			return nil, xmlError(err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "flow" {
			return nil, &CompileError{
				Kind:    KindMalformed,
				Message: fmt.Sprintf("root element is <%s>, want <flow>", start.Name.Local),
			}
		}
		var f ir.Flow
		if err := dec.DecodeElement(&f, &start); err != nil {
			return nil, xmlError(err)
		}
		return &f, nil
	}
}

func xmlError(err error) error {
	ce := &CompileError{Kind: KindMalformed, Message: "invalid XML", Err: err}
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		ce.Line = se.Line
	}
	return ce
}

func parseYAML(data []byte) (*ir.Flow, error) {
	var doc struct {
		Flow *ir.Flow `yaml:"flow"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &CompileError{Kind: KindMalformed, Message: "invalid YAML", Err: err}
	}
	if doc.Flow == nil {
		return nil, &CompileError{Kind: KindMalformed, Message: "document has no top-level flow key"}
	}
	return doc.Flow, nil
}
