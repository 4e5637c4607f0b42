package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNormalizeQuestionCanonical(t *testing.T) {
	raw := json.RawMessage(`{
		"prompt": "Which planet is known as the Red Planet?",
		"choices": ["Venus", "Mars", "Jupiter", "Saturn"],
		"correct_answer_index": 1,
		"explanation": "Iron oxide gives Mars its color."
	}`)

	q, err := NormalizeQuestion(raw)
	if err != nil {
		t.Fatalf("NormalizeQuestion: %v", err)
	}
	if q.Prompt != "Which planet is known as the Red Planet?" {
		t.Errorf("prompt = %q", q.Prompt)
	}
	if len(q.Choices) != 4 || q.Choices[1] != "Mars" {
		t.Errorf("choices = %v", q.Choices)
	}
	if q.CorrectAnswerIndex != 1 {
		t.Errorf("correct_answer_index = %d", q.CorrectAnswerIndex)
	}
}

func TestNormalizeQuestionLegacyAliases(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"hyphenated idx", `{"question":"Q?","answers":["a","b"],"correct-answer-idx":1}`},
		{"underscored idx", `{"text":"Q?","options":["a","b"],"correct_answer_idx":1}`},
		{"camel idx", `{"prompt":"Q?","choices":["a","b"],"correctAnswerIdx":1}`},
		{"hyphenated index", `{"prompt":"Q?","choices":["a","b"],"correct-answer-index":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := NormalizeQuestion(json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("NormalizeQuestion: %v", err)
			}
			if q.Prompt != "Q?" {
				t.Errorf("prompt = %q", q.Prompt)
			}
			if len(q.Choices) != 2 {
				t.Errorf("choices = %v", q.Choices)
			}
			if q.CorrectAnswerIndex != 1 {
				t.Errorf("correct_answer_index = %d, want 1", q.CorrectAnswerIndex)
			}
		})
	}
}

func TestNormalizeQuestionCanonicalWins(t *testing.T) {
	raw := json.RawMessage(`{"prompt":"Canonical","question":"Legacy","choices":["a","b"],"correct_answer_index":0,"correct-answer-idx":1}`)
	q, err := NormalizeQuestion(raw)
	if err != nil {
		t.Fatalf("NormalizeQuestion: %v", err)
	}
	if q.Prompt != "Canonical" {
		t.Errorf("prompt = %q, want canonical value", q.Prompt)
	}
	if q.CorrectAnswerIndex != 0 {
		t.Errorf("correct_answer_index = %d, want canonical 0", q.CorrectAnswerIndex)
	}
}

func TestNormalizeQuestionRejectsInvalid(t *testing.T) {
	cases := []string{
		`not json`,
		`{"prompt":"","choices":["a","b"],"correct_answer_index":0}`,
		`{"prompt":"Q?","choices":["only one"],"correct_answer_index":0}`,
		`{"prompt":"Q?","choices":["a","b"],"correct_answer_index":2}`,
		`{"prompt":"Q?","choices":["a","b"],"correct_answer_index":-1}`,
	}
	for _, raw := range cases {
		if _, err := NormalizeQuestion(json.RawMessage(raw)); err == nil {
			t.Errorf("NormalizeQuestion(%s) succeeded, want error", raw)
		}
	}
}

func TestHashQuestionStability(t *testing.T) {
	q1 := &Question{Prompt: "What is 2+2?", Choices: []string{"3", "4"}, CorrectAnswerIndex: 1}
	q2 := &Question{Prompt: "  what is 2+2?  ", Choices: []string{"3", " 4 "}, CorrectAnswerIndex: 1, Explanation: "arithmetic"}

	if HashQuestion("math", q1) != HashQuestion("math", q2) {
		t.Error("hash should ignore whitespace, case, and cosmetic fields")
	}
	if HashQuestion("math", q1) == HashQuestion("history", q1) {
		t.Error("hash should incorporate the category")
	}

	q3 := &Question{Prompt: "What is 2+2?", Choices: []string{"3", "4"}, CorrectAnswerIndex: 0}
	if HashQuestion("math", q1) == HashQuestion("math", q3) {
		t.Error("hash should incorporate the correct answer index")
	}
}

func TestNewItemIDOrdering(t *testing.T) {
	base := time.Now()
	a := NewItemID(base)
	b := NewItemID(base.Add(5 * time.Millisecond))
	if !(a < b) {
		t.Errorf("ids should sort by mint time: %q !< %q", a, b)
	}
	if !strings.HasPrefix(a, "itm-") {
		t.Errorf("unexpected id shape %q", a)
	}

	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewItemID(base)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestValidateUserID(t *testing.T) {
	if err := ValidateUserID("user-42"); err != nil {
		t.Errorf("plain id rejected: %v", err)
	}
	if err := ValidateUserID("u:with:colons and spaces"); err != nil {
		t.Errorf("opaque id rejected: %v", err)
	}
	if err := ValidateUserID(""); err == nil {
		t.Error("empty id accepted")
	}
	if err := ValidateUserID("bad\x00id"); err == nil {
		t.Error("control character accepted")
	}
	if err := ValidateUserID(strings.Repeat("x", 513)); err == nil {
		t.Error("oversized id accepted")
	}
}

func TestSetValidate(t *testing.T) {
	ok := &Set{
		ID:         NewSetID(),
		CategoryID: "science",
		Refs:       []SetRef{{ID: "i1", Hash: "h1"}, {ID: "i2", Hash: "h2"}},
		Watermark:  "i2",
		CreatedAt:  time.Now(),
	}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid set rejected: %v", err)
	}

	bad := *ok
	bad.Refs = []SetRef{{ID: "i1"}}
	if err := bad.Validate(); err == nil {
		t.Error("ref without hash accepted")
	}
	bad = *ok
	bad.Refs = nil
	if err := bad.Validate(); err == nil {
		t.Error("empty refs accepted")
	}
}
