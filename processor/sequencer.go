package processor

import (
	"fmt"
	"sort"

	"seqfeed/models"
)

// Assemble merges the streamed and recovered records into a new slice ordered
// by sequence. Equal sequences keep their input order; nothing is dropped.
func Assemble(initial, recovered []models.Record) []models.Record {
	out := make([]models.Record, 0, len(initial)+len(recovered))
	out = append(out, initial...)
	out = append(out, recovered...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// ContiguityError describes how an assembled series differs from 1..MaxSeq.
// Missing lists at most maxListedMissing sequences; MissingCount is exact.
type ContiguityError struct {
	MaxSeq       int32
	Missing      []int32
	MissingCount int64
	Duplicated   []int32
	Unexpected   []int32
}

const maxListedMissing = 1000

func (e *ContiguityError) Error() string {
	return fmt.Sprintf("series is not contiguous over 1..%d: missing=%v (%d total) duplicated=%v out_of_range=%v",
		e.MaxSeq, e.Missing, e.MissingCount, e.Duplicated, e.Unexpected)
}

// VerifyContiguous checks that records, already sorted, hold each sequence in
// 1..maxSeq exactly once. An empty series with no max sequence is valid.
func VerifyContiguous(records []models.Record, maxSeq int32) error {
	if maxSeq < 1 {
		if len(records) == 0 {
			return nil
		}
		e := &ContiguityError{MaxSeq: maxSeq}
		for _, r := range records {
			e.Unexpected = append(e.Unexpected, r.Sequence)
		}
		return e
	}

	counts := make(map[int32]int, len(records))
	e := &ContiguityError{MaxSeq: maxSeq}
	for i, r := range records {
		if i > 0 && records[i-1].Sequence > r.Sequence {
			return fmt.Errorf("series is not sorted at index %d: %d after %d", i, r.Sequence, records[i-1].Sequence)
		}
		if r.Sequence < 1 || r.Sequence > maxSeq {
			e.Unexpected = append(e.Unexpected, r.Sequence)
			continue
		}
		counts[r.Sequence]++
		if counts[r.Sequence] == 2 {
			e.Duplicated = append(e.Duplicated, r.Sequence)
		}
	}
	e.MissingCount = int64(maxSeq) - int64(len(counts))
	for seq := int64(1); seq <= int64(maxSeq) && int64(len(e.Missing)) < e.MissingCount; seq++ {
		if len(e.Missing) == maxListedMissing {
			break
		}
		if counts[int32(seq)] == 0 {
			e.Missing = append(e.Missing, int32(seq))
		}
	}

	if e.MissingCount == 0 && len(e.Duplicated) == 0 && len(e.Unexpected) == 0 {
		return nil
	}
	return e
}
