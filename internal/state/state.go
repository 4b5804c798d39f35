package state

import (
	"time"

	"github.com/stellarlinkco/chatfight/internal/challenge"
)

// MaxHistory caps the response log.
const MaxHistory = 100

// RecordType is the fixed identity of the single persisted record.
const RecordType = "chatfight_stats"

// HistoryEntry is one answered challenge.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
	Kind      challenge.Kind `json:"kind" bson:"kind"`
	Answer    string         `json:"answer" bson:"answer"`
}

type Stats struct {
	TotalResponses      uint64         `json:"total_responses" bson:"total_responses"`
	WordResponses       uint64         `json:"word_responses" bson:"word_responses"`
	ArithmeticResponses uint64         `json:"arithmetic_responses" bson:"arithmetic_responses"`
	Errors              uint64         `json:"errors" bson:"errors"`
	LastResponseAt      *time.Time     `json:"last_response_at,omitempty" bson:"last_response_at,omitempty"`
	History             []HistoryEntry `json:"history" bson:"history"`
}

// ModuleState is everything the responder persists.
type ModuleState struct {
	Enabled bool  `json:"enabled" bson:"enabled"`
	Stats   Stats `json:"stats" bson:"stats"`
}

// RecordResponse counts an answered challenge and appends it to the history,
// dropping the oldest entries beyond MaxHistory.
func (s *Stats) RecordResponse(kind challenge.Kind, answer string, at time.Time) {
	s.TotalResponses++
	switch kind {
	case challenge.KindWord:
		s.WordResponses++
	case challenge.KindArithmetic:
		s.ArithmeticResponses++
	}
	ts := at
	s.LastResponseAt = &ts
	s.History = append(s.History, HistoryEntry{Timestamp: at, Kind: kind, Answer: answer})
	if n := len(s.History); n > MaxHistory {
		trimmed := make([]HistoryEntry, MaxHistory)
		copy(trimmed, s.History[n-MaxHistory:])
		s.History = trimmed
	}
}

// Clone returns a deep copy that shares nothing with s.
func (s Stats) Clone() Stats {
	out := s
	if s.LastResponseAt != nil {
		ts := *s.LastResponseAt
		out.LastResponseAt = &ts
	}
	if s.History != nil {
		out.History = make([]HistoryEntry, len(s.History))
		copy(out.History, s.History)
	}
	return out
}

func (m ModuleState) Clone() ModuleState {
	return ModuleState{Enabled: m.Enabled, Stats: m.Stats.Clone()}
}

// normalize repairs a loaded record: nil history and oversized history.
func (m *ModuleState) normalize() {
	if m.Stats.History == nil {
		m.Stats.History = []HistoryEntry{}
	}
	if n := len(m.Stats.History); n > MaxHistory {
		m.Stats.History = append([]HistoryEntry(nil), m.Stats.History[n-MaxHistory:]...)
	}
}

// Default is the state used when nothing has been persisted yet.
func Default() ModuleState {
	return ModuleState{Stats: Stats{History: []HistoryEntry{}}}
}
