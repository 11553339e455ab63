// Package state converts between the persisted representation of a
// conversation (four independently-serialized parts) and the single
// canonical state object exchanged with the inference engine and the
// client.
package state

import (
	"encoding/json"
	"fmt"
)

// Message is one transcript turn. The role set is engine-defined and
// treated as an open string set here.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// State is the canonical conversation state. QuestionIndex, Skip and
// AttemptCounter are opaque to this service: they are only stored and
// forwarded.
type State struct {
	Answers        map[string]string `json:"answers"`
	Messages       []Message         `json:"messages"`
	QuestionIndex  int               `json:"question_index"`
	Skip           int               `json:"skip"`
	AttemptCounter map[string]int    `json:"attempt_counter"`
}

// Parts is the stored representation: one column per part. The parts
// are intentionally decoupled so an engine-side schema change to one
// of them cannot corrupt the others.
type Parts struct {
	Answers        string
	Transcript     string
	QuestionIndex  int
	Skip           int
	AttemptCounter string
}

// Empty returns a state with all collections allocated.
func Empty() State {
	return State{
		Answers:        map[string]string{},
		Messages:       []Message{},
		AttemptCounter: map[string]int{},
	}
}

// EmptyParts returns the stored defaults for a freshly created
// conversation.
func EmptyParts() Parts {
	return Parts{Answers: "{}", Transcript: "[]", AttemptCounter: "{}"}
}

// Decode parses each stored part independently. A malformed or missing
// collection part yields that part's empty value rather than failing
// the whole decode; partial corruption must not block the session.
func Decode(p Parts) State {
	s := Empty()
	if p.Answers != "" {
		var answers map[string]string
		if err := json.Unmarshal([]byte(p.Answers), &answers); err == nil && answers != nil {
			s.Answers = answers
		}
	}
	if p.Transcript != "" {
		var msgs []Message
		if err := json.Unmarshal([]byte(p.Transcript), &msgs); err == nil && msgs != nil {
			s.Messages = msgs
		}
	}
	if p.AttemptCounter != "" {
		var attempts map[string]int
		if err := json.Unmarshal([]byte(p.AttemptCounter), &attempts); err == nil && attempts != nil {
			s.AttemptCounter = attempts
		}
	}
	s.QuestionIndex = p.QuestionIndex
	s.Skip = p.Skip
	return s
}

// Encode serializes each part independently. No cross-part validation
// is performed.
func Encode(s State) (Parts, error) {
	answers, err := json.Marshal(normalizeAnswers(s.Answers))
	if err != nil {
		return Parts{}, fmt.Errorf("encode answers: %w", err)
	}
	transcript, err := json.Marshal(normalizeMessages(s.Messages))
	if err != nil {
		return Parts{}, fmt.Errorf("encode transcript: %w", err)
	}
	attempts, err := json.Marshal(normalizeAttempts(s.AttemptCounter))
	if err != nil {
		return Parts{}, fmt.Errorf("encode attempt counter: %w", err)
	}
	return Parts{
		Answers:        string(answers),
		Transcript:     string(transcript),
		QuestionIndex:  s.QuestionIndex,
		Skip:           s.Skip,
		AttemptCounter: string(attempts),
	}, nil
}

// FromWire parses an engine or client payload. Each of the five fields
// is optional; a missing field leaves the corresponding canonical
// field at its empty value. Only a malformed envelope is an error.
func FromWire(raw []byte) (State, error) {
	if len(raw) == 0 {
		return Empty(), nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("parse state payload: %w", err)
	}
	return s.Normalized(), nil
}

// Normalized returns a copy with nil collections replaced by empty
// ones, so callers and the codec never observe nil maps or slices.
func (s State) Normalized() State {
	s.Answers = normalizeAnswers(s.Answers)
	s.Messages = normalizeMessages(s.Messages)
	s.AttemptCounter = normalizeAttempts(s.AttemptCounter)
	return s
}

func normalizeAnswers(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func normalizeMessages(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	return msgs
}

func normalizeAttempts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
