// Package checkpoint defines the resumable execution state persisted with each
// task. The state is stored as a versioned JSON blob; decoding accepts blobs
// written by older and newer builds.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SchemaVersion is the version written by this build.
const SchemaVersion = 1

const (
	DefaultStepsLogLimit = 20
	// StepsLogEntryMaxRunes bounds a single steps_log line.
	StepsLogEntryMaxRunes = 200
)

// Well-known context keys.
const (
	KeyReviewQuestion  = "human_review_question"
	KeyReviewResponse  = "human_review_response"
	KeySubtaskResults  = "subtask_results"
	KeySubtaskFailures = "subtask_failures"
	KeyWarning         = "warning"
)

// State is the checkpoint of a task between steps. Top-level keys this build
// does not know are carried in extra and written back on encode, so a blob
// from a newer build survives being resumed here.
type State struct {
	SchemaVersion   int            `json:"schema_version"`
	Goal            string         `json:"goal"`
	Step            int            `json:"step"`
	Status          string         `json:"status"`
	Context         map[string]any `json:"context"`
	StepsLog        []string       `json:"steps_log"`
	PendingSubtasks []string       `json:"pending_subtasks"`
	PartialResult   string         `json:"partial_result"`

	extra map[string]json.RawMessage
}

// stateFields is State without its JSON methods.
type stateFields State

var knownKeys = []string{
	"schema_version", "goal", "step", "status",
	"context", "steps_log", "pending_subtasks", "partial_result",
}

func isKnownKey(k string) bool {
	for _, known := range knownKeys {
		if strings.EqualFold(k, known) {
			return true
		}
	}
	return false
}

func (s *State) UnmarshalJSON(b []byte) error {
	var fields stateFields
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range all {
		if isKnownKey(k) {
			delete(all, k)
		}
	}
	*s = State(fields)
	if len(all) > 0 {
		s.extra = all
	}
	return nil
}

func (s State) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(stateFields(s))
	if err != nil || len(s.extra) == 0 {
		return b, err
	}
	merged := make(map[string]json.RawMessage, len(knownKeys)+len(s.extra))
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Unknown returns the raw value of a top-level key this build does not model.
func (s *State) Unknown(key string) (json.RawMessage, bool) {
	v, ok := s.extra[key]
	return v, ok
}

// SubtaskOutcome is one child's entry in the subtask_results or
// subtask_failures context lists.
type SubtaskOutcome struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// New returns the initial state for a freshly claimed task.
func New(goal string) *State {
	return &State{
		SchemaVersion: SchemaVersion,
		Goal:          goal,
		Status:        "running",
		Context:       map[string]any{},
	}
}

// Decode parses a stored blob. An empty blob yields (nil, nil) so callers can
// fall back to New. Unknown fields are kept for Encode and missing
// collections are initialized; a blob with no version is treated as version 1.
func Decode(raw string) (*State, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if st.SchemaVersion <= 0 {
		st.SchemaVersion = SchemaVersion
	}
	if st.Context == nil {
		st.Context = map[string]any{}
	}
	return &st, nil
}

// Encode serializes the state. The version is stamped if unset; a version
// newer than SchemaVersion is preserved.
func (s *State) Encode() (string, error) {
	if s.SchemaVersion <= 0 {
		s.SchemaVersion = SchemaVersion
	}
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	return string(b), nil
}

// AppendLog adds a truncated entry and keeps at most limit entries, dropping
// the oldest first.
func (s *State) AppendLog(entry string, limit int) {
	if limit <= 0 {
		limit = DefaultStepsLogLimit
	}
	s.StepsLog = append(s.StepsLog, Truncate(entry, StepsLogEntryMaxRunes))
	if over := len(s.StepsLog) - limit; over > 0 {
		s.StepsLog = append([]string(nil), s.StepsLog[over:]...)
	}
}

// AddPendingSubtask records a child id once.
func (s *State) AddPendingSubtask(id string) {
	for _, existing := range s.PendingSubtasks {
		if existing == id {
			return
		}
	}
	s.PendingSubtasks = append(s.PendingSubtasks, id)
}

// String returns the context value for key, or "".
func (s *State) String(key string) string {
	if s.Context == nil {
		return ""
	}
	v, _ := s.Context[key].(string)
	return v
}

// Set stores a context value. A nil value deletes the key.
func (s *State) Set(key string, v any) {
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	if v == nil {
		delete(s.Context, key)
		return
	}
	s.Context[key] = v
}

// Outcomes reads a subtask outcome list from the context. Values may be
// typed (set in-process) or generic (decoded from JSON).
func (s *State) Outcomes(key string) []SubtaskOutcome {
	if s.Context == nil {
		return nil
	}
	switch v := s.Context[key].(type) {
	case nil:
		return nil
	case []SubtaskOutcome:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var out []SubtaskOutcome
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
