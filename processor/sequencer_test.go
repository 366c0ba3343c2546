package processor

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"seqfeed/models"
)

func rec(seq int32) models.Record {
	return models.NewRecord("MSFT", 'S', seq, seq, seq)
}

func TestGaps(t *testing.T) {
	tests := []struct {
		name     string
		maxSeq   int32
		received map[int32]struct{}
		want     []int32
	}{
		{"nothing received", models.NoSequence, receivedSet(), nil},
		{"single gap", 4, receivedSet(1, 2, 4), []int32{3}},
		{"leading and inner gaps", 5, receivedSet(2, 5), []int32{1, 3, 4}},
		{"complete", 3, receivedSet(1, 2, 3), []int32{}},
		{"non-positive sequences ignored", 1, receivedSet(0, -1, -2, 1), []int32{}},
		{"non-positive sequences with gaps", 3, receivedSet(0, -7, 3), []int32{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Gaps(tt.maxSeq, tt.received)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestAssembleSortsArrivalOrder(t *testing.T) {
	got := Assemble([]models.Record{rec(2), rec(1)}, nil)
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("expected [1 2], got [%d %d]", got[0].Sequence, got[1].Sequence)
	}
}

func TestAssembleKeepsDuplicatesStable(t *testing.T) {
	a := models.NewRecord("AAPL", 'B', 1, 1, 2)
	b := models.NewRecord("AMZN", 'S', 2, 2, 2)
	got := Assemble([]models.Record{rec(1), a}, []models.Record{b})
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if !reflect.DeepEqual(got[1], a) || !reflect.DeepEqual(got[2], b) {
		t.Fatalf("equal sequences must keep input order, got %v", got)
	}
}

func TestAssembleDoesNotAliasInputs(t *testing.T) {
	initial := []models.Record{rec(3), rec(1)}
	_ = Assemble(initial, []models.Record{rec(2)})
	if initial[0].Sequence != 3 {
		t.Fatal("Assemble reordered its input")
	}
}

func TestVerifyContiguous(t *testing.T) {
	if err := VerifyContiguous(nil, models.NoSequence); err != nil {
		t.Fatalf("empty series should verify: %v", err)
	}
	if err := VerifyContiguous([]models.Record{rec(1), rec(2), rec(3)}, 3); err != nil {
		t.Fatalf("contiguous series should verify: %v", err)
	}

	err := VerifyContiguous([]models.Record{rec(1), rec(1), rec(3)}, 3)
	var cerr *ContiguityError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ContiguityError, got %v", err)
	}
	if !reflect.DeepEqual(cerr.Missing, []int32{2}) || !reflect.DeepEqual(cerr.Duplicated, []int32{1}) {
		t.Errorf("unexpected report: %v", cerr)
	}

	if err := VerifyContiguous([]models.Record{rec(2), rec(1)}, 2); err == nil {
		t.Error("expected unsorted series to fail")
	}
}

func TestCountGaps(t *testing.T) {
	if n := CountGaps(models.NoSequence, receivedSet(0, -1)); n != 0 {
		t.Fatalf("expected 0 gaps without a max sequence, got %d", n)
	}
	if n := CountGaps(4, receivedSet(-3, 0, 1, 4, 9)); n != 2 {
		t.Fatalf("expected 2 gaps, got %d", n)
	}
	if n := CountGaps(math.MaxInt32, receivedSet(1, math.MaxInt32)); n != math.MaxInt32-2 {
		t.Fatalf("expected %d gaps, got %d", math.MaxInt32-2, n)
	}
}

func TestCheckGapBudget(t *testing.T) {
	if err := CheckGapBudget(5, receivedSet(1, 5), 3); err != nil {
		t.Fatalf("3 gaps within a budget of 3: %v", err)
	}
	err := CheckGapBudget(math.MaxInt32, receivedSet(1, math.MaxInt32), 100000)
	if !errors.Is(err, ErrTooManyGaps) {
		t.Fatalf("expected ErrTooManyGaps, got %v", err)
	}
}

func TestVerifyContiguousHugeMaxSequence(t *testing.T) {
	err := VerifyContiguous([]models.Record{rec(1), rec(math.MaxInt32)}, math.MaxInt32)
	var cerr *ContiguityError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ContiguityError, got %v", err)
	}
	if cerr.MissingCount != math.MaxInt32-2 {
		t.Errorf("expected %d missing, got %d", math.MaxInt32-2, cerr.MissingCount)
	}
	if len(cerr.Missing) != maxListedMissing || cerr.Missing[0] != 2 {
		t.Errorf("expected a capped list starting at 2, got %d entries", len(cerr.Missing))
	}
}
