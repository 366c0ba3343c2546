package processor

import (
	"errors"
	"fmt"
)

// ErrTooManyGaps means the stream implies more missing sequences than a run
// is allowed to recover.
var ErrTooManyGaps = errors.New("too many gaps")

const gapPrealloc = 4096

// CountGaps returns how many sequences in 1..maxSeq are absent from received
// without materialising them. Received sequences outside that range are
// ignored.
func CountGaps(maxSeq int32, received map[int32]struct{}) int64 {
	if maxSeq < 1 {
		return 0
	}
	present := int64(0)
	for seq := range received {
		if seq >= 1 && seq <= maxSeq {
			present++
		}
	}
	return int64(maxSeq) - present
}

// CheckGapBudget fails with ErrTooManyGaps when recovering maxSeq would take
// more than limit exchanges. A limit below 1 disables the check.
func CheckGapBudget(maxSeq int32, received map[int32]struct{}, limit int) error {
	if limit < 1 {
		return nil
	}
	if n := CountGaps(maxSeq, received); n > int64(limit) {
		return fmt.Errorf("%w: %d missing below max sequence %d, limit %d", ErrTooManyGaps, n, maxSeq, limit)
	}
	return nil
}

// Gaps lists every sequence in 1..maxSeq that is absent from received, in
// ascending order. A maxSeq below 1 yields no gaps.
func Gaps(maxSeq int32, received map[int32]struct{}) []int32 {
	if maxSeq < 1 {
		return nil
	}
	n := CountGaps(maxSeq, received)
	if n > gapPrealloc {
		n = gapPrealloc
	}
	gaps := make([]int32, 0, n)
	for seq := int64(1); seq <= int64(maxSeq); seq++ {
		if _, ok := received[int32(seq)]; !ok {
			gaps = append(gaps, int32(seq))
		}
	}
	return gaps
}
