// Package recorder captures an ordered stream of run events for replay and
// post-hoc debugging. Recordings export to JSON and load back unchanged.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType categorises a recorded event.
type EventType string

const (
	EventTaskStart         EventType = "task_start"
	EventTaskEnd           EventType = "task_end"
	EventStatusChange      EventType = "status_change"
	EventDecision          EventType = "conductor_decide"
	EventAgentStart        EventType = "agent_start"
	EventAgentEnd          EventType = "agent_end"
	EventWorkspaceWrite    EventType = "workspace_write"
	EventHypothesisPropose EventType = "hypothesis_propose"
	EventHypothesisResolve EventType = "hypothesis_resolve"
	EventConsensusStart    EventType = "consensus_start"
	EventConsensusReview   EventType = "consensus_review"
	EventMemoryCompress    EventType = "memory_compress"
	EventError             EventType = "error"
)

// Event is one recorded occurrence.
type Event struct {
	Type        EventType      `json:"type"`
	TimestampMs int64          `json:"timestamp_ms"`
	Step        int            `json:"step"`
	Data        map[string]any `json:"data,omitempty"`
}

// Recording is the exported form of a recorder.
type Recording struct {
	TaskID     string  `json:"task_id"`
	Objective  string  `json:"objective"`
	EventCount int     `json:"event_count"`
	Events     []Event `json:"events"`
}

// Recorder accumulates events in memory. It is safe for concurrent use; a nil
// *Recorder discards everything.
type Recorder struct {
	mu        sync.Mutex
	taskID    string
	objective string
	step      int
	events    []Event
	now       func() time.Time
}

// New creates an empty recorder.
func New() *Recorder {
	return &Recorder{now: time.Now}
}

// Start records the task_start event and the run's identity.
func (r *Recorder) Start(taskID, objective string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.taskID = taskID
	r.objective = objective
	r.mu.Unlock()
	r.Record(EventTaskStart, map[string]any{"task_id": taskID, "objective": objective})
}

// SetStep sets the step number stamped on subsequent events.
func (r *Recorder) SetStep(step int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step = step
}

// Record appends an event.
func (r *Recorder) Record(typ EventType, data map[string]any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		Type:        typ,
		TimestampMs: r.now().UnixMilli(),
		Step:        r.step,
		Data:        data,
	})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Recording returns the current export form.
func (r *Recorder) Recording() Recording {
	if r == nil {
		return Recording{}
	}
	events := r.Events()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Recording{
		TaskID:     r.taskID,
		Objective:  r.objective,
		EventCount: len(events),
		Events:     events,
	}
}

// WriteJSON writes the recording as indented JSON.
func (r *Recorder) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.Recording()); err != nil {
		return fmt.Errorf("failed to encode recording: %w", err)
	}
	return nil
}

// Export writes the recording to path, creating parent directories.
func (r *Recorder) Export(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create recording file: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a recording previously written by WriteJSON.
func Load(rd io.Reader) (Recording, error) {
	var rec Recording
	if err := json.NewDecoder(rd).Decode(&rec); err != nil {
		return Recording{}, fmt.Errorf("failed to decode recording: %w", err)
	}
	rec.EventCount = len(rec.Events)
	return rec, nil
}

// ByType returns the events of one type.
func (rec Recording) ByType(typ EventType) []Event {
	var out []Event
	for _, e := range rec.Events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// InStep returns the events recorded during one conductor step.
func (rec Recording) InStep(step int) []Event {
	var out []Event
	for _, e := range rec.Events {
		if e.Step == step {
			out = append(out, e)
		}
	}
	return out
}

// Timeline renders one human-readable line per event.
func (rec Recording) Timeline() []string {
	out := make([]string, 0, len(rec.Events))
	for _, e := range rec.Events {
		out = append(out, fmt.Sprintf("[step %d] %s", e.Step, Summary(e)))
	}
	return out
}

// Summary returns a one-line description of an event.
func Summary(e Event) string {
	d := e.Data
	switch e.Type {
	case EventTaskStart:
		return "task started: " + clip(str(d, "objective"), 60)
	case EventTaskEnd:
		return "task ended: " + str(d, "status")
	case EventStatusChange:
		return fmt.Sprintf("status %s -> %s", str(d, "from"), str(d, "to"))
	case EventDecision:
		return fmt.Sprintf("conductor -> %s (%s)", str(d, "action"), str(d, "agent"))
	case EventAgentStart:
		return "agent started: " + str(d, "agent")
	case EventAgentEnd:
		return fmt.Sprintf("agent finished: %s (%s)", str(d, "agent"), str(d, "status"))
	case EventWorkspaceWrite:
		return fmt.Sprintf("workspace write: %s v%v", str(d, "field"), d["version"])
	case EventHypothesisPropose:
		return "hypothesis proposed: " + clip(str(d, "content"), 60)
	case EventHypothesisResolve:
		return "hypothesis resolved: " + str(d, "id")
	case EventConsensusStart:
		return fmt.Sprintf("review of %s by %s", str(d, "field"), str(d, "reviewer"))
	case EventConsensusReview:
		return fmt.Sprintf("review by %s: %s", str(d, "reviewer"), str(d, "verdict"))
	case EventMemoryCompress:
		return fmt.Sprintf("memory %s: %s -> %s", str(d, "field"), str(d, "from"), str(d, "to"))
	case EventError:
		return fmt.Sprintf("error in %s: %s", str(d, "source"), clip(str(d, "error"), 80))
	}
	return string(e.Type)
}

func str(d map[string]any, key string) string {
	if v, ok := d[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return "?"
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
