package monitor

import (
	"sync"

	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

// FormatEvent renders one history event as a trail line. Events without a
// trail representation yield "".
func FormatEvent(ev *store.Event) string {
	switch ev.Kind {
	case schema.EventEntered:
		return "➡️ Entered: " + ev.StateName
	case schema.EventExited:
		return "✅ Exited: " + ev.StateName
	case schema.EventFailed:
		detail := ev.Error
		if detail == "" {
			detail = ev.Cause
		}
		return "❌ Failed: " + detail
	}
	return ""
}

// Trail is the append-only list of rendered events of one execution. Lines
// are only ever appended; a later snapshot always extends an earlier one.
type Trail struct {
	mu      sync.RWMutex
	lines   []string
	lastSeq int64
}

// Append renders and appends events newer than the last one seen. It returns
// the lines that were added.
func (t *Trail) Append(events []*store.Event) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []string
	for _, ev := range events {
		if ev.Sequence <= t.lastSeq {
			continue
		}
		t.lastSeq = ev.Sequence
		if line := FormatEvent(ev); line != "" {
			t.lines = append(t.lines, line)
			added = append(added, line)
		}
	}
	return added
}

// Lines returns a copy of the trail.
func (t *Trail) Lines() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.lines...)
}

// LastSequence is the sequence of the newest event appended.
func (t *Trail) LastSequence() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSeq
}

// BuildTrail renders a complete history in one go.
func BuildTrail(events []*store.Event) []string {
	var t Trail
	t.Append(events)
	return t.Lines()
}
