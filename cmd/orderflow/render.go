package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

var (
	enteredStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	exitedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

// trailLine colours a trail line by its event kind.
func trailLine(line string) string {
	switch {
	case strings.HasPrefix(line, "➡️"):
		return enteredStyle.Render(line)
	case strings.HasPrefix(line, "✅"):
		return exitedStyle.Render(line)
	case strings.HasPrefix(line, "❌"):
		return errorStyle.Render(line)
	default:
		return line
	}
}

func statusStyle(status schema.ExecutionStatus) lipgloss.Style {
	switch status {
	case schema.ExecutionSucceeded:
		return exitedStyle
	case schema.ExecutionRunning:
		return enteredStyle
	case schema.ExecutionAborted:
		return mutedStyle
	default:
		return errorStyle
	}
}

// renderExecution prints the summary of one execution.
func renderExecution(w io.Writer, exec *store.Execution) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("execution"), exec.ID)
	fmt.Fprintf(w, "  status   %s\n", statusStyle(exec.Status).Render(string(exec.Status)))
	if exec.CurrentState != "" {
		fmt.Fprintf(w, "  state    %s\n", exec.CurrentState)
	}
	fmt.Fprintf(w, "  orders   %s\n", exec.Input.OrdersKey)
	fmt.Fprintf(w, "  returns  %s\n", exec.Input.ReturnsKey)
	if exec.RunID != "" {
		fmt.Fprintf(w, "  run      %s (%d polls)\n", exec.RunID, exec.Polls)
	}
	fmt.Fprintf(w, "  started  %s\n", exec.StartedAt.Format("2006-01-02 15:04:05Z07:00"))
	if exec.StoppedAt != nil {
		fmt.Fprintf(w, "  stopped  %s\n", exec.StoppedAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	if exec.Error != "" {
		fmt.Fprintf(w, "  error    %s\n", errorStyle.Render(exec.Error))
	}
	if exec.Cause != "" {
		fmt.Fprintf(w, "  cause    %s\n", mutedStyle.Render(exec.Cause))
	}
}

// renderList prints one line per execution.
func renderList(w io.Writer, execs []*store.Execution) {
	if len(execs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no executions"))
		return
	}
	for _, exec := range execs {
		fmt.Fprintf(w, "%s  %-9s  %s  %s\n",
			exec.ID,
			statusStyle(exec.Status).Render(string(exec.Status)),
			exec.StartedAt.Format("2006-01-02 15:04:05"),
			mutedStyle.Render(exec.Input.OrdersKey+" + "+exec.Input.ReturnsKey))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
