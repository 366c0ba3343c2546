package models

import (
	"time"

	"github.com/google/uuid"
)

// NoSequence is the max sequence of a session that received nothing.
const NoSequence int32 = -1

// Session holds the transient state of one reconstruction run.
type Session struct {
	RunID     string
	StartedAt time.Time

	// Records accumulates streamed records in arrival order, then recovered ones.
	Records []Record
	// Received is the set of sequences seen in the initial stream.
	Received map[int32]struct{}
	MaxSeq   int32

	Duplicates  int
	Truncations int
}

func NewSession() *Session {
	return &Session{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Received:  make(map[int32]struct{}),
		MaxSeq:    NoSequence,
	}
}

// Observe adds a streamed record to the session. It reports false when the
// sequence was already seen; the duplicate is not stored.
func (s *Session) Observe(r Record) bool {
	if _, seen := s.Received[r.Sequence]; seen {
		s.Duplicates++
		return false
	}
	s.Received[r.Sequence] = struct{}{}
	s.Records = append(s.Records, r)
	if r.Sequence > s.MaxSeq {
		s.MaxSeq = r.Sequence
	}
	return true
}
