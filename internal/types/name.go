package types

import (
	"fmt"
	"strings"
)

// Name is a namespaced type name such as "xs:int" or "py:list[xs:double]".
type Name string

// Wildcard matches any source type. Converters registered from Wildcard are
// tried after every explicit edge.
const Wildcard Name = "*:*"

// Common type names.
const (
	String  Name = "xs:string"
	Int     Name = "xs:int"
	Double  Name = "xs:double"
	Boolean Name = "xs:boolean"
	List    Name = "py:list"
	Dict    Name = "py:dict"
	FileT   Name = "sf:file"
	Any     Name = "xs:anyType"
)

// Base returns the name without an element parameter.
//
//	Name("py:list[xs:int]").Base() == "py:list"
func (n Name) Base() Name {
	if i := strings.IndexByte(string(n), '['); i >= 0 {
		return n[:i]
	}
	return n
}

// Elem returns the element type of a parameterized name, or "" if none.
func (n Name) Elem() Name {
	s := string(n)
	i := strings.IndexByte(s, '[')
	if i < 0 || !strings.HasSuffix(s, "]") {
		return ""
	}
	return Name(s[i+1 : len(s)-1])
}

// Prefix returns the namespace prefix ("xs", "sf", "py"), or "" if the name
// is unqualified.
func (n Name) Prefix() string {
	base := string(n.Base())
	if i := strings.IndexByte(base, ':'); i >= 0 {
		return base[:i]
	}
	return ""
}

// IsFile reports whether values of this type are references to files whose
// identity is their content.
func (n Name) IsFile() bool {
	return n.Base() == FileT
}

// WithElem builds a parameterized name.
func WithElem(base, elem Name) Name {
	if elem == "" {
		return base
	}
	return Name(fmt.Sprintf("%s[%s]", base.Base(), elem))
}
