package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

// Build constructs a Model from a definition and an optional history.
// States are laid out in breadth-first order from StartAt; states not
// reachable from it follow in name order.
func Build(def *schema.MachineDefinition, events []*store.Event) (*Model, error) {
	if def == nil || def.StartAt == "" {
		return nil, fmt.Errorf("diagram: definition has no StartAt")
	}
	if _, ok := def.States[def.StartAt]; !ok {
		return nil, fmt.Errorf("diagram: StartAt %q is not a state", def.StartAt)
	}

	title := def.Comment
	if title == "" {
		title = "State machine"
	}
	m := &Model{Title: title}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, name := range order(def) {
		state := def.States[name]
		m.Nodes = append(m.Nodes, &Node{ID: name, Label: nodeLabel(name, state), Kind: kindOf(state.Type)})
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	m.Edges = append(m.Edges, Edge{From: startID, To: def.StartAt})
	for _, node := range m.Nodes {
		state, ok := def.States[node.ID]
		if !ok {
			continue
		}
		m.Edges = append(m.Edges, edgesOf(node.ID, state)...)
	}

	overlay(m, events)
	return m, nil
}

// order lists state names breadth-first from StartAt.
func order(def *schema.MachineDefinition) []string {
	seen := map[string]bool{def.StartAt: true}
	queue := []string{def.StartAt}
	var out []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, name)
		for _, next := range successors(def.States[name]) {
			if _, ok := def.States[next]; ok && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var rest []string
	for name := range def.States {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func successors(state schema.StateDefinition) []string {
	var out []string
	for _, rule := range state.Choices {
		out = append(out, rule.Next)
	}
	if state.Default != "" {
		out = append(out, state.Default)
	}
	if state.Next != "" {
		out = append(out, state.Next)
	}
	return out
}

func edgesOf(name string, state schema.StateDefinition) []Edge {
	var edges []Edge
	for _, rule := range state.Choices {
		edges = append(edges, Edge{From: name, To: rule.Next, Label: ruleLabel(rule)})
	}
	if state.Default != "" {
		edges = append(edges, Edge{From: name, To: state.Default, Label: "default"})
	}
	if state.Next != "" {
		edges = append(edges, Edge{From: name, To: state.Next})
	}
	if state.End {
		edges = append(edges, Edge{From: name, To: endID})
	}
	return edges
}

func ruleLabel(rule schema.ChoiceRule) string {
	if rule.Condition != "" {
		return rule.Condition
	}
	return rule.StringEquals
}

func kindOf(t schema.StateType) NodeKind {
	switch t {
	case schema.StateTypeChoice:
		return NodeKindChoice
	case schema.StateTypeWait:
		return NodeKindWait
	default:
		return NodeKindTask
	}
}

func nodeLabel(name string, state schema.StateDefinition) string {
	switch state.Type {
	case schema.StateTypeTask:
		if state.Resource != "" {
			return fmt.Sprintf("%s\n(%s)", name, state.Resource)
		}
	case schema.StateTypeWait:
		return fmt.Sprintf("%s\n(%ds)", name, state.Seconds)
	}
	return name
}

// overlay applies history to the nodes. The last event of a state wins; a
// failure without a state name belongs to the state entered last.
func overlay(m *Model, events []*store.Event) {
	var current *Node
	for _, ev := range events {
		node := current
		if ev.StateName != "" {
			node = m.Node(ev.StateName)
		}
		if node == nil {
			continue
		}
		if node.Status == nil {
			node.Status = &StatusOverlay{}
		}
		switch ev.Kind {
		case schema.EventEntered:
			node.Status.Status = StatusRunning
			node.Status.Visits++
			current = node
		case schema.EventExited:
			node.Status.Status = StatusCompleted
		case schema.EventFailed:
			node.Status.Status = StatusFailed
			node.Status.Error = strings.TrimSpace(ev.Error + " " + ev.Cause)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
