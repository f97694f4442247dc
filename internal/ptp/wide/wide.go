// Package wide implements the extended-precision signed fixed-point
// arithmetic the PTP loop filters need: their accumulators briefly
// hold values well outside the range of a signed 64-bit integer
// (ptp_filters.cc documents ranges up to +/-2^226 mid-calculation), so
// every accumulate/scale/clamp step must happen in a wider type.
//
// Go has no native int128/int256; this package wraps math/big.Int
// instead of hand-rolling a fixed-width multi-limb type, since
// math/big already provides exact, allocation-amortized arbitrary
// precision arithmetic and every operation the filters need (add,
// sub, mul, quotient-truncating div, arithmetic shift, clamp) maps
// directly onto it. One type serves both the "128-bit" and "256-bit"
// accumulators the original calls out separately: since the
// representation doesn't saturate at a fixed width, there is no
// observable difference between them here, only in how far a given
// accumulator is expected to range before a clamp or shift brings it
// back down.
package wide

import "math/big"

// Int is a signed, arbitrary-precision fixed-point accumulator.
type Int struct{ v big.Int }

// Zero is the additive identity.
var Zero = Int{}

// FromInt64 constructs an Int from a signed 64-bit value.
func FromInt64(x int64) Int {
	var i Int
	i.v.SetInt64(x)
	return i
}

// FromUint64 constructs an Int from an unsigned 64-bit value.
func FromUint64(x uint64) Int {
	var i Int
	i.v.SetUint64(x)
	return i
}

// Add returns a+b.
func (a Int) Add(b Int) Int {
	var r Int
	r.v.Add(&a.v, &b.v)
	return r
}

// Sub returns a-b.
func (a Int) Sub(b Int) Int {
	var r Int
	r.v.Sub(&a.v, &b.v)
	return r
}

// Mul returns a*b.
func (a Int) Mul(b Int) Int {
	var r Int
	r.v.Mul(&a.v, &b.v)
	return r
}

// Div returns a/b, truncated towards zero (matching C++'s integer
// division semantics for the original's signed-division call sites).
func (a Int) Div(b Int) Int {
	var r Int
	r.v.Quo(&a.v, &b.v)
	return r
}

// Shl returns a<<n.
func (a Int) Shl(n uint) Int {
	var r Int
	r.v.Lsh(&a.v, n)
	return r
}

// Shr returns a>>n, an arithmetic (sign-preserving) shift.
func (a Int) Shr(n uint) Int {
	var r Int
	r.v.Rsh(&a.v, n)
	return r
}

// Neg returns -a.
func (a Int) Neg() Int {
	var r Int
	r.v.Neg(&a.v)
	return r
}

// Abs returns |a|.
func (a Int) Abs() Int {
	var r Int
	r.v.Abs(&a.v)
	return r
}

// Cmp returns -1, 0, or +1 as a is less than, equal to, or greater
// than b.
func (a Int) Cmp(b Int) int { return a.v.Cmp(&b.v) }

// IsZero reports whether a is zero.
func (a Int) IsZero() bool { return a.v.Sign() == 0 }

// Clamp restricts a to [-limit, +limit], where limit must be
// non-negative, matching the original's saturating accumulator clamp
// used to mitigate integrator windup.
func (a Int) Clamp(limit Int) Int {
	if a.Cmp(limit) > 0 {
		return limit
	}
	neg := limit.Neg()
	if a.Cmp(neg) < 0 {
		return neg
	}
	return a
}

// Int64 truncates a to a signed 64-bit value, saturating at
// math.MaxInt64/MinInt64 if a doesn't fit.
func (a Int) Int64() int64 {
	if a.v.IsInt64() {
		return a.v.Int64()
	}
	if a.v.Sign() > 0 {
		return int64(1)<<63 - 1
	}
	return -(int64(1) << 63)
}

// String returns a's base-10 representation, for diagnostics.
func (a Int) String() string { return a.v.String() }
