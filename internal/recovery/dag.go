package recovery

import (
	"fmt"
	"sort"
)

// buildDependents inverts a dependsOn adjacency (agent -> its dependencies)
// into the forward adjacency Kahn's algorithm walks (dependency -> the
// agents that depend on it).
func buildDependents(dependsOn map[string][]string) map[string][]string {
	dependents := make(map[string][]string)
	for agent, deps := range dependsOn {
		for _, d := range deps {
			dependents[d] = append(dependents[d], agent)
		}
	}
	return dependents
}

// topoOrder returns a dependency-first ordering of nodes — recover
// dependencies before dependents, per §4.6's safety invariant — via Kahn's
// algorithm over an index-based DAG (Design Note: represent the graph as
// nodes=agent ids, edges=dependencies, computed on demand). A cycle
// surfaces as an explicit error rather than infinite recursion.
func topoOrder(nodes []string, dependsOn map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n] = len(dependsOn[n])
	}
	dependents := buildDependents(dependsOn)

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		next := append([]string(nil), dependents[n]...)
		sort.Strings(next)
		for _, m := range next {
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, fmt.Errorf("recovery: dependency cycle detected among %d agent(s)", len(nodes)-len(order))
	}
	return order, nil
}
