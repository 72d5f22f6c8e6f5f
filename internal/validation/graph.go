package validation

import (
	"github.com/rskumar/orderflow/pkg/schema"
)

// validateGraph checks the transition graph: every state is reachable from
// StartAt, some End state is reachable, and every cycle passes through a
// Wait state so a loop can never spin without pausing.
func validateGraph(def *schema.MachineDefinition) schema.Issues {
	var issues schema.Issues

	edges := make(map[string][]string, len(def.States))
	for name, st := range def.States {
		edges[name] = successors(st)
	}

	// Reachability (BFS from StartAt).
	reached := map[string]bool{def.StartAt: true}
	queue := []string{def.StartAt}
	endReachable := false
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if def.States[cur].End {
			endReachable = true
		}
		for _, next := range edges[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, name := range sortedStateNames(def) {
		if !reached[name] {
			issues.Add("States."+name, "is unreachable from %q", def.StartAt)
		}
	}
	if !endReachable {
		issues.Add("States", "no End state is reachable from %q", def.StartAt)
	}

	// Cycle detection over non-Wait states (Kahn's algorithm).
	inDegree := make(map[string]int)
	for name, st := range def.States {
		if st.Type == schema.StateTypeWait {
			continue
		}
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}
		for _, next := range edges[name] {
			if nst, ok := def.States[next]; ok && nst.Type != schema.StateTypeWait {
				inDegree[next]++
			}
		}
	}
	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	visited := 0
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range edges[cur] {
			if _, ok := inDegree[next]; !ok {
				continue
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited < len(inDegree) {
		issues.Add("States", "a cycle does not pass through any Wait state")
	}
	return issues
}

func successors(st schema.StateDefinition) []string {
	var out []string
	if st.Next != "" {
		out = append(out, st.Next)
	}
	for _, rule := range st.Choices {
		out = append(out, rule.Next)
	}
	if st.Default != "" {
		out = append(out, st.Default)
	}
	return out
}
