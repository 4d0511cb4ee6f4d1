package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/basket/clawtask/internal/checkpoint"
)

func TestDetectMarker(t *testing.T) {
	cases := []struct {
		content string
		want    string
		found   bool
	}{
		{"FINAL: pong", "pong", true},
		{"thinking...\nFINAL:   the answer  \n", "the answer", true},
		{"first FINAL: a then FINAL: b", "a then FINAL: b", true},
		{"FINAL:", "", true},
		{"final: lowercase does not count", "", false},
		{"no marker here", "", false},
	}
	for _, tc := range cases {
		got, ok := detectMarker(tc.content, "FINAL:")
		if ok != tc.found || got != tc.want {
			t.Fatalf("detectMarker(%q) = %q, %v; want %q, %v", tc.content, got, ok, tc.want, tc.found)
		}
	}
	if _, ok := detectMarker("HUMAN_REVIEW: x", ""); ok {
		t.Fatalf("empty marker must never match")
	}
}

func TestBuildPrompt_FreshTask(t *testing.T) {
	s := DefaultSettings()
	p := BuildPrompt(checkpoint.New("reply with pong"), 1, 3, s)
	for _, want := range []string{"Goal: reply with pong", "Step 1 of 3", "FINAL:", "HUMAN_REVIEW:"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "last step") || strings.Contains(p, "previous output") {
		t.Fatalf("fresh prompt should not carry resume sections:\n%s", p)
	}
}

func TestBuildPrompt_ResumedTask(t *testing.T) {
	s := DefaultSettings()
	s.ReviewMarker = ""
	st := checkpoint.New("compare vendors")
	st.Step = 6
	st.PartialResult = "collected quotes"
	for i := 1; i <= 6; i++ {
		st.AppendLog(fmt.Sprintf("step %d: entry", i), 20)
	}
	st.Set(checkpoint.KeySubtaskResults, []checkpoint.SubtaskOutcome{{TaskID: "c1", Status: "done", Result: "vendor A: $10"}})
	st.Set(checkpoint.KeySubtaskFailures, []checkpoint.SubtaskOutcome{{TaskID: "c2", Status: "cancelled"}})
	st.Set(checkpoint.KeyReviewResponse, "go with A")

	p := BuildPrompt(st, 7, 7, s)
	for _, want := range []string{
		"Sub-task results:", "c1 (done): vendor A: $10",
		"Sub-task failures:", "c2 (cancelled): no error recorded",
		"A human reviewer answered your question: go with A",
		"Your previous output:\ncollected quotes",
		"step 6: entry", "last step",
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "step 1: entry") {
		t.Fatalf("prompt should only replay the recent log entries:\n%s", p)
	}
	if strings.Contains(p, "HUMAN_REVIEW:") {
		t.Fatalf("disabled review marker should not be offered:\n%s", p)
	}
}
