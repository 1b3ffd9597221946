package types

import (
	"strings"
	"sync"
)

// Converter converts a single value. Converters may return an error or
// panic; both are caught by Chain.Convert and never reach the caller raw.
type Converter func(v any) (any, error)

type pair struct {
	in  Name
	out Name
}

// Registry stores converters for ordered type pairs plus synonym classes.
//
// Thread-safety: all methods are safe for concurrent use. Find results are
// memoized; Register and RegisterSynonyms invalidate the memo eagerly.
type Registry struct {
	mu       sync.RWMutex
	synonyms map[Name]Name // member -> representative
	funcs    map[pair][]Converter
	edges    map[Name][]Name // in -> outs in registration order
	chains   map[pair]*Chain
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		synonyms: make(map[Name]Name),
		funcs:    make(map[pair][]Converter),
		edges:    make(map[Name][]Name),
		chains:   make(map[pair]*Chain),
	}
}

// Clone returns an independent copy of the registry.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := NewRegistry()
	for k, v := range r.synonyms {
		c.synonyms[k] = v
	}
	for k, v := range r.funcs {
		c.funcs[k] = append([]Converter(nil), v...)
	}
	for k, v := range r.edges {
		c.edges[k] = append([]Name(nil), v...)
	}
	return c
}

// Register adds a single-link converter from in to out. Multiple converters
// for the same pair are tried in registration order.
func (r *Registry) Register(in, out Name, fn Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := pair{r.canonical(in), r.canonical(out)}
	if _, exists := r.funcs[p]; !exists {
		r.edges[p.in] = append(r.edges[p.in], p.out)
	}
	r.funcs[p] = append(r.funcs[p], fn)
	clear(r.chains)
}

// RegisterSynonyms declares all names equivalent. The first name becomes the
// representative unless one of the names already belongs to a class, in which
// case the classes are merged under the existing representative.
func (r *Registry) RegisterSynonyms(names ...Name) {
	if len(names) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := names[0]
	for _, n := range names {
		if existing, ok := r.synonyms[n]; ok {
			rep = existing
			break
		}
	}
	for _, n := range names {
		old, ok := r.synonyms[n]
		if ok && old != rep {
			for member, m := range r.synonyms {
				if m == old {
					r.synonyms[member] = rep
				}
			}
		}
		r.synonyms[n] = rep
	}
	r.synonyms[rep] = rep
	clear(r.chains)
}

// Canonical returns the representative of a name's synonym class. The element
// parameter of list types is canonicalized as well.
func (r *Registry) Canonical(n Name) Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonical(n)
}

func (r *Registry) canonical(n Name) Name {
	n = Name(strings.TrimSpace(string(n)))
	if n == "" {
		return n
	}
	elem := n.Elem()
	base := n.Base()
	if rep, ok := r.synonyms[base]; ok {
		base = rep
	}
	if elem == "" {
		return base
	}
	return WithElem(base, r.canonical(elem))
}

// Same reports whether two names belong to the same synonym class.
func (r *Registry) Same(a, b Name) bool {
	return r.Canonical(a) == r.Canonical(b)
}

// Find searches for a chain converting in to out.
//
// Resolution order:
//  1. Names in the same synonym class, or an Any target: identity chain.
//  2. A directly registered pair: single link.
//  3. Depth-first forward search in registration order without revisits;
//     wildcard edges are tried after explicit ones at every node.
//
// Returns NoConversionError if no chain exists.
func (r *Registry) Find(in, out Name) (*Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ci, co := r.canonical(in), r.canonical(out)
	if c, ok := r.chains[pair{ci, co}]; ok {
		return c, nil
	}
	chain, err := r.find(ci, co)
	if err != nil {
		return nil, err
	}
	r.chains[pair{ci, co}] = chain
	return chain, nil
}

// find must be called with r.mu held. The memo is written under the same
// lock so a concurrent Register cannot be followed by a stale store.
func (r *Registry) find(in, out Name) (*Chain, error) {
	if in == out || out == Any {
		return &Chain{In: in, Out: out}, nil
	}

	// Parameterized targets: reach the base list type, then adapt elements.
	if elem := out.Elem(); elem != "" {
		var links []link
		if in.Base() != out.Base() {
			base, err := r.find(in, out.Base())
			if err != nil {
				return nil, &NoConversionError{In: in, Out: out}
			}
			links = append(links, base.links...)
		}
		links = append(links, link{
			in:         out.Base(),
			out:        out,
			candidates: []Converter{r.elementConverter(elem)},
		})
		return &Chain{In: in, Out: out, links: links}, nil
	}
	if in.Elem() != "" {
		if in.Base() == out {
			return &Chain{In: in, Out: out}, nil
		}
		base, err := r.find(in.Base(), out)
		if err != nil {
			return nil, &NoConversionError{In: in, Out: out}
		}
		return &Chain{In: in, Out: out, links: base.links}, nil
	}

	if fns, ok := r.funcs[pair{in, out}]; ok {
		return &Chain{In: in, Out: out, links: []link{{in: in, out: out, candidates: fns}}}, nil
	}

	visited := map[Name]bool{in: true}
	var path []link
	var dfs func(node Name) bool
	dfs = func(node Name) bool {
		for _, next := range r.neighbors(node) {
			if visited[next.out] {
				continue
			}
			visited[next.out] = true
			path = append(path, next)
			if next.out == out {
				return true
			}
			if dfs(next.out) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	if !dfs(in) {
		return nil, &NoConversionError{In: in, Out: out}
	}
	links := make([]link, len(path))
	copy(links, path)
	return &Chain{In: in, Out: out, links: links}, nil
}

// neighbors lists outgoing links of node: explicit edges first in
// registration order, then wildcard edges.
func (r *Registry) neighbors(node Name) []link {
	var out []link
	for _, to := range r.edges[node] {
		out = append(out, link{in: node, out: to, candidates: r.funcs[pair{node, to}]})
	}
	if node != Wildcard {
		for _, to := range r.edges[Wildcard] {
			out = append(out, link{in: node, out: to, candidates: r.funcs[pair{Wildcard, to}]})
		}
	}
	return out
}

// Convert is shorthand for Find followed by Chain.Convert.
func (r *Registry) Convert(v any, in, out Name) (any, error) {
	chain, err := r.Find(in, out)
	if err != nil {
		return nil, err
	}
	return chain.Convert(v)
}

// Adapt converts v to the declared type out, inferring the source type from
// the value itself.
func (r *Registry) Adapt(v any, out Name) (any, error) {
	v = Normalize(v)
	if out == "" {
		return v, nil
	}
	return r.Convert(v, TypeOf(v), out)
}

// Literal evaluates a literal value given as text under its declared type.
// An empty type yields the text unchanged.
func (r *Registry) Literal(text string, t Name) (any, error) {
	if t == "" {
		return text, nil
	}
	return r.Convert(text, String, t)
}

// elementConverter adapts each element of a list to elem, resolving a chain
// per element from its runtime type.
func (r *Registry) elementConverter(elem Name) Converter {
	return func(v any) (any, error) {
		list, ok := Normalize(v).([]any)
		if !ok {
			return nil, &NoConversionError{In: TypeOf(v), Out: WithElem(List, elem)}
		}
		out := make([]any, len(list))
		for i, e := range list {
			converted, err := r.Adapt(e, elem)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	}
}
