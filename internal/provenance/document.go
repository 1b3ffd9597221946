package provenance

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/roach88/gridflow/internal/ir"
)

// Document is an annotated flow: the source tree plus results.
type Document struct {
	XMLName xml.Name `xml:"flow"`
	ir.Flow
	Results *Results `xml:"results,omitempty"`
}

// Results is the run-level annotation.
type Results struct {
	StartTime string `xml:"starttime,attr,omitempty"`
	EndTime   string `xml:"endtime,attr,omitempty"`
	Host      string `xml:"host,attr,omitempty"`
	User      string `xml:"user,attr,omitempty"`
	PID       int    `xml:"pid,attr,omitempty"`
	Version   string `xml:"version,attr,omitempty"`
	RunID     string `xml:"runid,attr,omitempty"`
	State     string `xml:"state,attr,omitempty"`

	Outputs   []Value         `xml:"outputs>output"`
	Error     *ErrorBlock     `xml:"error,omitempty"`
	Processes []ProcessResult `xml:"processes>process"`
}

// Process returns the annotation of the process with the given id.
func (r *Results) Process(id string) (*ProcessResult, bool) {
	for i := range r.Processes {
		if r.Processes[i].ID == id {
			return &r.Processes[i], true
		}
	}
	return nil, false
}

// Output returns the global output with the given name.
func (r *Results) Output(name string) (*Value, bool) {
	for i := range r.Outputs {
		if r.Outputs[i].Name == name {
			return &r.Outputs[i], true
		}
	}
	return nil, false
}

// ProcessResult is the annotation of one step.
type ProcessResult struct {
	ID          string `xml:"id,attr"`
	State       string `xml:"state,attr"`
	Reason      string `xml:"reason,attr,omitempty"`
	StartSeq    int64  `xml:"startseq,attr,omitempty"`
	Seq         int64  `xml:"seq,attr,omitempty"`
	StartTime   string `xml:"starttime,attr,omitempty"`
	EndTime     string `xml:"endtime,attr,omitempty"`
	PID         int    `xml:"pid,attr,omitempty"`
	Fingerprint string `xml:"fingerprint,attr,omitempty"`

	Outputs []Value     `xml:"outputs>output,omitempty"`
	Error   *ErrorBlock `xml:"error,omitempty"`
}

// Value is a named, typed value rendered as text.
type Value struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr,omitempty"`
	Text
}

// ErrorBlock describes a step or run failure.
type ErrorBlock struct {
	Kind       string `xml:"kind,attr"`
	Step       string `xml:"step,attr,omitempty"`
	ExitStatus string `xml:"exitstatus,attr,omitempty"`
	Message    Text   `xml:"message"`
	Trace      *Text  `xml:"trace,omitempty"`
}

// Text is element content. Text containing markup characters is written as
// CDATA so that parsers see it literally; a "]]>" inside is split across two
// sections by encoding/xml.
type Text struct {
	Plain string `xml:",chardata"`
	Raw   string `xml:",cdata"`
}

// NewText wraps s, choosing CDATA when s contains '<', '>' or '&'.
// Characters XML cannot carry are replaced with U+FFFD.
func NewText(s string) Text {
	s = strings.Map(xmlChar, s)
	if strings.ContainsAny(s, "<>&") {
		return Text{Raw: s}
	}
	return Text{Plain: s}
}

// String returns the text content.
func (t Text) String() string {
	return t.Plain + t.Raw
}

func xmlChar(r rune) rune {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return r
	case r < 0x20, r == 0xFFFE, r == 0xFFFF:
		return utf8.RuneError
	case r >= 0xD800 && r <= 0xDFFF:
		return utf8.RuneError
	}
	return r
}

// Marshal renders a document with an XML declaration.
func Marshal(doc *Document) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal annotated document: %w", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	return append(out, '\n'), nil
}

// Load reads an annotated document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read annotated document: %w", err)
	}
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse annotated document %s: %w", path, err)
	}
	if doc.Results == nil {
		return nil, fmt.Errorf("%s has no results section", path)
	}
	return &doc, nil
}
