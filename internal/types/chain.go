package types

import (
	"fmt"
	"runtime/debug"
)

type link struct {
	in         Name
	out        Name
	candidates []Converter
}

func (l link) String() string {
	return fmt.Sprintf("%s -> %s", l.in, l.out)
}

// Chain is a composite converter: an ordered list of links, each holding the
// candidate converters registered for that pair.
type Chain struct {
	In    Name
	Out   Name
	links []link
}

// Identity reports whether the chain converts without any link.
func (c *Chain) Identity() bool {
	return len(c.links) == 0
}

// Len returns the number of links.
func (c *Chain) Len() int {
	return len(c.links)
}

// Path returns the sequence of type names visited, starting with In.
func (c *Chain) Path() []Name {
	path := []Name{c.In}
	for _, l := range c.links {
		path = append(path, l.out)
	}
	return path
}

// String renders the chain path, e.g. "xs:string -> xs:double -> xs:int".
func (c *Chain) String() string {
	s := string(c.In)
	for _, l := range c.links {
		s += " -> " + string(l.out)
	}
	return s
}

// Convert runs v through every link. For each link the candidates are tried
// in registration order; a candidate that errors or panics yields to the next.
// If all candidates of a link fail, Convert returns an AdaptationError.
func (c *Chain) Convert(v any) (any, error) {
	cur := Normalize(v)
	if c.In == String && c.Out == Int {
		if n, ok := exactInt(cur); ok {
			return n, nil
		}
	}
	for _, l := range c.links {
		var causes []error
		converted := false
		for _, fn := range l.candidates {
			out, err := safeCall(fn, cur)
			if err != nil {
				causes = append(causes, err)
				continue
			}
			cur = Normalize(out)
			converted = true
			break
		}
		if !converted {
			if len(causes) == 0 {
				causes = append(causes, fmt.Errorf("no candidate converters"))
			}
			return nil, &AdaptationError{In: c.In, Out: c.Out, Link: l.String(), Causes: causes}
		}
	}
	return cur, nil
}

// safeCall invokes a converter, translating a panic into an error.
func safeCall(fn Converter, v any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("converter panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(v)
}
