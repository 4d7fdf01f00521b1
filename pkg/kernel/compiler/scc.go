package compiler

// tarjanSCC computes the strongly connected components of the graph
// described by adjacency (node_id -> outgoing node_ids), using
// Tarjan's algorithm. Returned components are in no particular order;
// each is a slice of node IDs. A component of size 1 whose node has no
// self-loop is not really a cycle at all — callers check adjacency for
// that case separately.
func tarjanSCC(nodeIDs []string, adjacency map[string][]string) [][]string {
	index := 0
	indices := make(map[string]int, len(nodeIDs))
	lowlink := make(map[string]int, len(nodeIDs))
	onStack := make(map[string]bool, len(nodeIDs))
	var stack []string
	var components [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adjacency[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			components = append(components, comp)
		}
	}

	for _, id := range nodeIDs {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}
	return components
}

// hasSelfLoop reports whether node v has an edge to itself.
func hasSelfLoop(v string, adjacency map[string][]string) bool {
	for _, w := range adjacency[v] {
		if w == v {
			return true
		}
	}
	return false
}
