package ptp

import "encoding/binary"

// SubnsPerNsec is the number of PTP internal sub-nanosecond units
// (2^-16 ns) per nanosecond, the client's native time resolution.
const SubnsPerNsec = 1 << 16

// Time is an IEEE-1588 80-bit timestamp: 48 bits of whole seconds
// since the PTP epoch plus 32 bits of nanoseconds within that second.
// It is always non-negative and carries no sign; offsets between two
// Times are represented as plain signed sub-nanosecond int64s (see
// Sub), matching the measurement cache and loop filters.
type Time struct {
	Sec  uint64 // only the low 48 bits are meaningful on the wire
	Nsec uint32 // 0..999_999_999
}

// FromSubns builds a Time an offset of deltaSubns sub-nanosecond units
// away from base. Negative offsets that would underflow base are
// clamped to the PTP epoch (Sec=0, Nsec=0).
func FromSubns(base Time, deltaSubns int64) Time {
	totalNsec := int64(base.Sec)*1_000_000_000 + int64(base.Nsec) + deltaSubns/SubnsPerNsec
	if totalNsec < 0 {
		return Time{}
	}
	sec := totalNsec / 1_000_000_000
	nsec := totalNsec % 1_000_000_000
	return Time{Sec: uint64(sec), Nsec: uint32(nsec)}
}

// Sub returns a-b in sub-nanosecond units. Callers must keep a and b
// within roughly a second of one another (the measurement cache and
// loop filters never compare timestamps further apart than one
// sync/delay-request interval); across a wider span the nanosecond
// multiply can overflow int64, which this function does not guard
// against, matching the original's assumption that callers bound
// their own inputs.
func (a Time) Sub(b Time) int64 {
	deltaSec := int64(a.Sec) - int64(b.Sec)
	deltaNsec := int64(a.Nsec) - int64(b.Nsec)
	return (deltaSec*1_000_000_000 + deltaNsec) * SubnsPerNsec
}

// Before reports whether a is strictly earlier than b.
func (a Time) Before(b Time) bool {
	if a.Sec != b.Sec {
		return a.Sec < b.Sec
	}
	return a.Nsec < b.Nsec
}

// IsZero reports whether a is the PTP epoch, used as the "not yet
// captured" sentinel for timestamps awaiting a hardware capture.
func (a Time) IsZero() bool { return a.Sec == 0 && a.Nsec == 0 }

// EncodeTo writes a's 10-byte wire representation (48-bit seconds,
// big-endian, followed by a 32-bit nanosecond count) into dst, which
// must be at least 10 bytes.
func (a Time) EncodeTo(dst []byte) {
	var secBuf [8]byte
	binary.BigEndian.PutUint64(secBuf[:], a.Sec)
	copy(dst[0:6], secBuf[2:8])
	binary.BigEndian.PutUint32(dst[6:10], a.Nsec)
}

// DecodeTime parses a 10-byte wire timestamp (see EncodeTo).
func DecodeTime(src []byte) Time {
	var secBuf [8]byte
	copy(secBuf[2:8], src[0:6])
	return Time{
		Sec:  binary.BigEndian.Uint64(secBuf[:]),
		Nsec: binary.BigEndian.Uint32(src[6:10]),
	}
}

// Correction is a PTP correctionField: a signed 64-bit fixed-point
// nanosecond value in 48.16 format (the low 16 bits are a fractional
// nanosecond). ToSubns converts it to the client's internal
// sub-nanosecond unit.
type Correction int64

// ToSubns converts a correctionField value (48.16 fixed-point ns) to
// sub-nanosecond units (2^-16 ns): both share the same 16 fractional
// bits, so this is a no-op reinterpretation.
func (c Correction) ToSubns() int64 { return int64(c) }

// EncodeTo writes c's 8-byte big-endian wire representation into dst.
func (c Correction) EncodeTo(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], uint64(c))
}

// DecodeCorrection parses an 8-byte correctionField.
func DecodeCorrection(src []byte) Correction {
	return Correction(binary.BigEndian.Uint64(src[0:8]))
}
