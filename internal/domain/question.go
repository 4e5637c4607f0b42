package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Question is the payload of an item: one multiple-choice question.
type Question struct {
	Prompt             string   `json:"prompt"`
	Choices            []string `json:"choices"`
	CorrectAnswerIndex int      `json:"correct_answer_index"`
	Explanation        string   `json:"explanation,omitempty"`
	Difficulty         string   `json:"difficulty,omitempty"`
	AudioKey           string   `json:"audio_key,omitempty"`
	ImageKey           string   `json:"image_key,omitempty"`
}

// Validate checks a question for structural sanity before ingestion.
func (q *Question) Validate() error {
	if strings.TrimSpace(q.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(q.Choices) < 2 {
		return fmt.Errorf("need at least 2 choices, got %d", len(q.Choices))
	}
	if q.CorrectAnswerIndex < 0 || q.CorrectAnswerIndex >= len(q.Choices) {
		return fmt.Errorf("correct_answer_index %d out of range [0,%d)", q.CorrectAnswerIndex, len(q.Choices))
	}
	return nil
}

// HashQuestion produces the content hash used for dedupe at ingestion.
// The hash covers the category and the answer-relevant content; cosmetic
// fields (explanation, media keys) are excluded so re-rendered duplicates
// still collapse.
func HashQuestion(categoryID string, q *Question) string {
	h := sha256.New()
	h.Write([]byte(categoryID))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(q.Prompt))))
	for _, c := range q.Choices {
		h.Write([]byte{0x1f})
		h.Write([]byte(strings.ToLower(strings.TrimSpace(c))))
	}
	h.Write([]byte{0x1f})
	h.Write([]byte(strconv.Itoa(q.CorrectAnswerIndex)))
	return hex.EncodeToString(h.Sum(nil))
}

// Field aliases seen in historical payloads. Normalization happens once at
// ingestion; stored payloads always use the canonical names.
var legacyFieldAliases = map[string]string{
	"question":             "prompt",
	"text":                 "prompt",
	"answers":              "choices",
	"options":              "choices",
	"correct-answer-idx":   "correct_answer_index",
	"correct_answer_idx":   "correct_answer_index",
	"correctAnswerIdx":     "correct_answer_index",
	"correct-answer-index": "correct_answer_index",
	"correctAnswerIndex":   "correct_answer_index",
	"answer_index":         "correct_answer_index",
}

// NormalizeQuestion parses a raw question record, folding legacy field
// aliases onto the canonical names. Canonical fields win when both are
// present. The returned question is validated.
func NormalizeQuestion(raw json.RawMessage) (*Question, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse question record: %w", err)
	}

	for alias, canonical := range legacyFieldAliases {
		v, ok := fields[alias]
		if !ok {
			continue
		}
		if _, exists := fields[canonical]; !exists {
			fields[canonical] = v
		}
		delete(fields, alias)
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	var q Question
	if err := json.Unmarshal(merged, &q); err != nil {
		return nil, fmt.Errorf("decode question record: %w", err)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}
