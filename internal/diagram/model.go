// Package diagram draws a state machine definition, optionally overlaid
// with the progress of one execution.
package diagram

// NodeKind classifies a diagram node by its state type.
type NodeKind string

const (
	NodeKindTask   NodeKind = "task"
	NodeKindChoice NodeKind = "choice"
	NodeKindWait   NodeKind = "wait"
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

// Node statuses derived from history.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Virtual node ids.
const (
	startID = "__start__"
	endID   = "__end__"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one state, or the virtual start and end.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries what history says about a state.
type StatusOverlay struct {
	Status string
	// Visits counts ENTERED events; the poll loop revisits states.
	Visits int
	Error  string
}

// Edge is a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with id, or nil.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
