package ir

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Binding kinds.
const (
	BindingNative     = "native"
	BindingSubprocess = "subprocess"
	BindingRemote     = "remote"
)

// Flow is a parsed flow document.
//
// The XML root element is <flow>; ir.Flow carries no XMLName so that the
// annotated document can embed it next to a results subtree.
type Flow struct {
	ID        string    `xml:"id,attr" yaml:"id"`
	Version   string    `xml:"version,attr,omitempty" yaml:"version,omitempty"`
	Title     string    `xml:"title,attr,omitempty" yaml:"title,omitempty"`
	Inputs    []Param   `xml:"inputs>input" yaml:"inputs,omitempty"`
	Outputs   []Param   `xml:"outputs>output" yaml:"outputs,omitempty"`
	Processes []Process `xml:"processes>process" yaml:"processes,omitempty"`
}

// Process is one step declaration.
type Process struct {
	ID       string   `xml:"id,attr" yaml:"id"`
	Group    string   `xml:"group,attr,omitempty" yaml:"group,omitempty"`
	Optional bool     `xml:"optional,attr,omitempty" yaml:"optional,omitempty"`
	Version  string   `xml:"version,attr,omitempty" yaml:"version,omitempty"`
	Timeout  string   `xml:"timeout,attr,omitempty" yaml:"timeout,omitempty"`
	Binding  *Binding `xml:"binding" yaml:"binding,omitempty"`
	Inputs   []Param  `xml:"inputs>input" yaml:"inputs,omitempty"`
	Outputs  []Param  `xml:"outputs>output" yaml:"outputs,omitempty"`
}

// Param is a named, typed value slot: a global input or output, or a step
// input or output. Value holds a literal body; From holds a reference.
type Param struct {
	Name      string `xml:"name,attr" yaml:"name"`
	Type      string `xml:"type,attr,omitempty" yaml:"type,omitempty"`
	From      string `xml:"from,attr,omitempty" yaml:"from,omitempty"`
	File      string `xml:"file,attr,omitempty" yaml:"file,omitempty"`
	Transient bool   `xml:"transient,attr,omitempty" yaml:"transient,omitempty"`
	Value     string `xml:",chardata" yaml:"value,omitempty"`

	// Extra preserves child elements the core does not interpret (UI hints).
	Extra []Element `xml:",any" yaml:"-"`
}

// Literal returns the trimmed literal body and whether one is present.
func (p Param) Literal() (string, bool) {
	v := strings.TrimSpace(p.Value)
	return v, v != ""
}

// Element is an uninterpreted XML element kept for round-tripping.
type Element struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// Binding describes how a step executes.
type Binding struct {
	Kind string `xml:"kind,attr" yaml:"kind"`

	// native
	Name string `xml:"name,attr,omitempty" yaml:"name,omitempty"`

	// subprocess
	Command string `xml:"command,attr,omitempty" yaml:"command,omitempty"`
	Fetch   string `xml:"fetch,attr,omitempty" yaml:"fetch,omitempty"`
	Install string `xml:"install,attr,omitempty" yaml:"install,omitempty"`

	// remote
	URL      string `xml:"url,attr,omitempty" yaml:"url,omitempty"`
	Method   string `xml:"method,attr,omitempty" yaml:"method,omitempty"`
	Encoding string `xml:"encoding,attr,omitempty" yaml:"encoding,omitempty"`

	// Body is an alternative to the command attribute for long commands.
	Body string `xml:",chardata" yaml:"-"`
}

// CommandText returns the subprocess command from the attribute or body.
func (b *Binding) CommandText() string {
	if b.Command != "" {
		return b.Command
	}
	return strings.TrimSpace(b.Body)
}

// Identity distinguishes different bindings of the same logical operation.
// It is part of every fingerprint.
func (b *Binding) Identity() string {
	if b == nil {
		return ""
	}
	switch b.Kind {
	case BindingNative:
		return "native:" + b.Name
	case BindingSubprocess:
		id := "subprocess:" + b.CommandText()
		if b.Fetch != "" {
			id += "|fetch=" + b.Fetch
		}
		if b.Install != "" {
			id += "|install=" + b.Install
		}
		return id
	case BindingRemote:
		enc := b.Encoding
		if enc == "" {
			enc = "jsonrpc"
		}
		return fmt.Sprintf("remote:%s#%s;%s", b.URL, b.Method, enc)
	default:
		return b.Kind
	}
}
