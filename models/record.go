package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a single trade entry as carried on the feed. Sequence is its
// identity within a session.
type Record struct {
	Symbol   [4]byte
	Side     byte
	Quantity int32
	Price    int32
	Sequence int32
}

// NewRecord builds a Record from a symbol string. Only the first four bytes
// of symbol are kept; shorter symbols are NUL padded.
func NewRecord(symbol string, side byte, quantity, price, sequence int32) Record {
	r := Record{Side: side, Quantity: quantity, Price: price, Sequence: sequence}
	copy(r.Symbol[:], symbol)
	return r
}

// SymbolString returns the raw four symbol bytes as a string, untrimmed.
func (r Record) SymbolString() string {
	return string(r.Symbol[:])
}

func (r Record) String() string {
	return fmt.Sprintf("%s %c qty=%d px=%d seq=%d", r.SymbolString(), r.Side, r.Quantity, r.Price, r.Sequence)
}

// recordJSON is the persisted shape of a Record.
type recordJSON struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Quantity int32  `json:"quantity"`
	Price    int32  `json:"price"`
	Sequence int32  `json:"sequence"`
}

// MarshalJSON writes symbol and side as strings without HTML escaping.
// JSON strings are UTF-8, so symbol or side bytes that are not valid UTF-8
// come out as U+FFFD and do not survive a round trip. The parquet sinks keep
// the raw bytes.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(recordJSON{
		Symbol:   r.SymbolString(),
		Side:     string([]byte{r.Side}),
		Quantity: r.Quantity,
		Price:    r.Price,
		Sequence: r.Sequence,
	}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var v recordJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if len(v.Symbol) != 4 {
		return fmt.Errorf("symbol %q must be exactly 4 bytes", v.Symbol)
	}
	if len(v.Side) != 1 {
		return fmt.Errorf("side %q must be exactly 1 byte", v.Side)
	}
	*r = Record{Side: v.Side[0], Quantity: v.Quantity, Price: v.Price, Sequence: v.Sequence}
	copy(r.Symbol[:], v.Symbol)
	return nil
}

// Batch is the sink-facing envelope for a reconstructed series.
type Batch struct {
	BatchID     string    `json:"batch_id"`
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	Records     []Record  `json:"records"`
	RecordCount int       `json:"record_count"`
	MaxSequence int32     `json:"max_sequence"`
	Recovered   int       `json:"recovered"`
	Timestamp   time.Time `json:"timestamp"`
}
