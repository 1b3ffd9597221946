package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// checkAcyclic runs Kahn's algorithm over the step graph. Steps left with
// unresolved indegree lie on or behind a cycle; Tarjan's algorithm then
// isolates each cycle so the error can name its path.
func (c *compiler) checkAcyclic() {
	remaining := make(map[string]int, len(c.plan.Steps))
	var queue []string
	for _, s := range c.plan.Steps {
		remaining[s.ID] = s.Indegree()
		if remaining[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		step := c.plan.byID[id]
		for _, e := range step.Out {
			if e.To.Step == SinkNode {
				continue
			}
			remaining[e.To.Step]--
			if remaining[e.To.Step] == 0 {
				queue = append(queue, e.To.Step)
			}
		}
	}
	if visited == len(c.plan.Steps) {
		return
	}

	// restrict the graph to the unresolved steps
	var order []string
	graph := make(dependencyGraph)
	for _, s := range c.plan.Steps {
		if remaining[s.ID] > 0 {
			order = append(order, s.ID)
			graph[s.ID] = []string{}
		}
	}
	for _, id := range order {
		for _, d := range c.plan.byID[id].Downstream {
			if _, ok := graph[d]; ok {
				graph[id] = append(graph[id], d)
			}
		}
	}

	for _, scc := range tarjanSCC(graph, order) {
		if len(scc) == 1 && !hasSelfLoop(scc[0], graph) {
			continue
		}
		path := reconstructCyclePath(scc, graph)
		c.fail(&CompileError{
			Kind:    KindCycle,
			Step:    path[0],
			Message: fmt.Sprintf("dependency cycle: %s", strings.Join(path, " -> ")),
			Path:    path,
		})
	}
}

// dependencyGraph maps step id to the step ids that consume its outputs.
type dependencyGraph map[string][]string

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm,
// visiting roots in the given order so results are deterministic. SCCs are
// returned sorted by the position of their earliest member in order.
func tarjanSCC(graph dependencyGraph, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and emit an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	first := func(scc []string) int {
		m := len(order)
		for _, id := range scc {
			m = min(m, pos[id])
		}
		return m
	}
	for _, scc := range sccs {
		sort.Slice(scc, func(i, j int) bool { return pos[scc[i]] < pos[scc[j]] })
	}
	sort.Slice(sccs, func(i, j int) bool { return first(sccs[i]) < first(sccs[j]) })
	return sccs
}

// reconstructCyclePath walks edges inside an SCC from its earliest member
// until it returns there. The first node is repeated at the end.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 1 {
		return []string{scc[0], scc[0]}
	}

	inSCC := make(map[string]bool, len(scc))
	for _, node := range scc {
		inSCC[node] = true
	}

	start := scc[0]
	path := []string{start}
	visited := map[string]bool{start: true}

	// depth-first so dead ends inside the SCC are backed out of
	var walk func(string) bool
	walk = func(current string) bool {
		for _, next := range graph[current] {
			if next == start {
				path = append(path, start)
				return true
			}
			if !inSCC[next] || visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			if walk(next) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	walk(start)
	return path
}
