package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"seqfeed/models"
)

// RecordSize is the fixed wire size of one record:
// symbol(4) side(1) quantity(4) price(4) sequence(4), integers big-endian.
const RecordSize = 17

const (
	offSymbol   = 0
	offSide     = 4
	offQuantity = 5
	offPrice    = 9
	offSequence = 13
)

var (
	// ErrMalformedRecord means fewer than RecordSize bytes were available
	// where a whole record was expected.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrStreamTruncated marks a bulk stream that closed mid-record.
	ErrStreamTruncated = errors.New("stream truncated")
)

// DecodeRecord maps the first RecordSize bytes of b onto a Record. Field
// semantics are not validated.
func DecodeRecord(b []byte) (models.Record, error) {
	if len(b) < RecordSize {
		return models.Record{}, fmt.Errorf("%w: got %d of %d bytes", ErrMalformedRecord, len(b), RecordSize)
	}
	var r models.Record
	copy(r.Symbol[:], b[offSymbol:offSide])
	r.Side = b[offSide]
	r.Quantity = int32(binary.BigEndian.Uint32(b[offQuantity:offPrice]))
	r.Price = int32(binary.BigEndian.Uint32(b[offPrice:offSequence]))
	r.Sequence = int32(binary.BigEndian.Uint32(b[offSequence:RecordSize]))
	return r, nil
}

// EncodeRecord returns the wire form of r.
func EncodeRecord(r models.Record) []byte {
	return AppendRecord(make([]byte, 0, RecordSize), r)
}

// AppendRecord appends the wire form of r to dst.
func AppendRecord(dst []byte, r models.Record) []byte {
	dst = append(dst, r.Symbol[:]...)
	dst = append(dst, r.Side)
	dst = binary.BigEndian.AppendUint32(dst, uint32(r.Quantity))
	dst = binary.BigEndian.AppendUint32(dst, uint32(r.Price))
	dst = binary.BigEndian.AppendUint32(dst, uint32(r.Sequence))
	return dst
}
