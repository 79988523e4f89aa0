package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// EncodePreference serializes a preference record to the on-disk wire
// format used by the preference log. Layout (little-endian):
//
//	query_id(8) seg_a(8) seg_b(8) outcome(1) recorded_at(8)
//	len_features_a(4) features_a(8*n) len_features_b(4) features_b(8*m)
func EncodePreference(p *Preference) []byte {
	size := 8 + 8 + 8 + 1 + 8 + 4 + 8*len(p.FeaturesA) + 4 + 8*len(p.FeaturesB)
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], uint64(p.QueryID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.SegmentA))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.SegmentB))
	off += 8
	buf[off] = byte(p.Outcome)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.RecordedAt.UnixNano()))
	off += 8

	off = putFloats(buf, off, p.FeaturesA)
	putFloats(buf, off, p.FeaturesB)
	return buf
}

// DecodePreference parses a record produced by EncodePreference.
func DecodePreference(data []byte) (*Preference, error) {
	const fixed = 8 + 8 + 8 + 1 + 8
	if len(data) < fixed+4 {
		return nil, fmt.Errorf("preference record too short: %d bytes", len(data))
	}
	p := &Preference{}
	off := 0

	p.QueryID = QueryID(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	p.SegmentA = SegmentID(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	p.SegmentB = SegmentID(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	p.Outcome = Outcome(data[off])
	off++
	if !p.Outcome.Valid() {
		return nil, fmt.Errorf("preference record has invalid outcome byte %d", data[off-1])
	}
	p.RecordedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(data[off:])))
	off += 8

	var err error
	p.FeaturesA, off, err = getFloats(data, off)
	if err != nil {
		return nil, fmt.Errorf("features_a: %w", err)
	}
	p.FeaturesB, _, err = getFloats(data, off)
	if err != nil {
		return nil, fmt.Errorf("features_b: %w", err)
	}
	return p, nil
}

func putFloats(buf []byte, off int, vals []float64) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(vals)))
	off += 4
	for _, v := range vals {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
		off += 8
	}
	return off
}

func getFloats(data []byte, off int) ([]float64, int, error) {
	if len(data) < off+4 {
		return nil, off, fmt.Errorf("truncated length prefix at offset %d", off)
	}
	n := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+8*n {
		return nil, off, fmt.Errorf("truncated vector: want %d floats at offset %d", n, off)
	}
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	return vals, off, nil
}
