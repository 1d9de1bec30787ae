package lockraft

// buildWaitForGraph constructs the directed wait-for graph: an edge
// waiter -> holder exists whenever waiter is blocked on a resource held
// (or partially held) by holder. Only clients with an outstanding
// WaitRequest can originate an edge, so every node reachable via a cycle
// is, by construction, itself a waiter and therefore has an EnqueuedAt to
// break ties with.
func buildWaitForGraph(holders map[string]LockEntry, waiters map[string][]WaitRequest) map[string][]string {
	graph := make(map[string][]string)
	for resource, queue := range waiters {
		entry, held := holders[resource]
		if !held {
			continue
		}
		for _, w := range queue {
			for h := range entry.Holders {
				if h == w.ClientID {
					continue
				}
				graph[w.ClientID] = append(graph[w.ClientID], h)
			}
		}
	}
	return graph
}

// findCycle performs a DFS cycle search using a recursion-stack set,
// linear in |V|+|E|. It returns the first cycle found, as the sequence of
// client ids forming it, or nil if the graph is acyclic.
func findCycle(graph map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	parent := make(map[string]string)

	var start string
	var cycleNode string
	found := false

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, next := range graph[node] {
			if color[next] == gray {
				cycleNode = next
				start = node
				return true
			}
			if color[next] == white {
				parent[next] = node
				if dfs(next) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	var nodes []string
	for n := range graph {
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		if color[n] != white {
			continue
		}
		if dfs(n) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	cycle := []string{cycleNode}
	for cur := start; cur != cycleNode; cur = parent[cur] {
		cycle = append(cycle, cur)
	}
	return cycle
}

// youngestVictim selects the member of cycle with the largest EnqueuedAt:
// the youngest participant is the cheapest to abort and retry.
func youngestVictim(cycle []string, waiterEnqueuedAt map[string]int64) string {
	victim := cycle[0]
	best := waiterEnqueuedAt[victim]
	for _, c := range cycle[1:] {
		if t := waiterEnqueuedAt[c]; t > best {
			best = t
			victim = c
		}
	}
	return victim
}
