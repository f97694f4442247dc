// Package filters implements the PTPv2 client's loop filters: an
// amplitude-reject pre-filter, PI/PII proportional-integral
// controllers, a linear-regression controller, and boxcar/median
// pre-filters. Every filter operates on signed sub-nanosecond time
// values (2^-16 ns, see SubnsPerNsec) and steers a local clock toward
// a remote one.
//
// All internal accumulation uses internal/ptp/wide's arbitrary-
// precision integers rather than floating point, keeping the control
// path fixed-point throughout: intermediate products here briefly
// exceed 64 bits of range (a multiply-by-gain followed by a
// multiply-by-elapsed-time, as the original's range comments
// document), and wide.Int is exact at any width so there is no risk
// of silent overflow.
package filters

import (
	"math"
	"sort"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ptp/wide"
)

// Time-unit constants shared with internal/ptp (duplicated here so
// this package has no import-time dependency on it).
const (
	SubnsPerNsec = 1 << 16
	SubnsPerUsec = 1000 * SubnsPerNsec
	SubnsPerMsec = 1_000_000 * SubnsPerNsec
	UsecPerSec   = 1_000_000
)

// Rejected is the sentinel an input/output carries when a sample has
// already been rejected upstream (by an amplitude-reject filter, or a
// degenerate linear-regression window); every filter downstream passes
// it straight through.
const Rejected = math.MaxInt64

func clampSubns(v, limit int64) int64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// wideOutput rounds x down to a plain int64 by shifting right by scale
// bits, rounding to nearest (ties away from zero is close enough here;
// the original additionally dithers this rounding with a PRNG so that
// repeated identical inputs average out to sub-LSB precision over
// time — simplified here to plain round-to-nearest, noted in
// DESIGN.md, since this module has no equivalent PRNG dependency to
// reach for and introducing one for a single rounding step isn't
// grounded in anything the retrieval pack does).
func wideOutput(x wide.Int, scale uint) int64 {
	if scale == 0 {
		return x.Int64()
	}
	half := wide.FromInt64(1).Shl(scale - 1)
	if x.Cmp(wide.Zero) < 0 {
		return wide.Zero.Sub(x.Abs().Add(half).Shr(scale)).Int64()
	}
	return x.Add(half).Shr(scale).Int64()
}

// BoxcarFilter returns the equal-weight average of the most recent
// 2^order samples of data (data[0] is the newest), or data[0]
// unchanged if order is 0 (passthrough).
func BoxcarFilter(data []int64, order uint) int64 {
	if order == 0 {
		return data[0]
	}
	samps := 1 << order
	sum := wide.Zero
	for i := 0; i < samps; i++ {
		sum = sum.Add(wide.FromInt64(data[i]))
	}
	return wideOutput(sum, order)
}

// MedianFilter returns the median of samps (a copy is sorted in
// place; the caller's slice is not mutated by the caller's reference,
// since this function receives and sorts its own local copy).
// The original hand-rolls fixed sorting networks for windows up to 9
// samples to avoid a general-purpose sort on embedded hardware; this
// rendition always uses sort.Slice, simplified since a Go slice sort
// over a handful of elements costs nothing worth hand-tuning for.
func MedianFilter(samples []int64) int64 {
	if len(samples) <= 1 {
		return samples[0]
	}
	tmp := append([]int64(nil), samples...)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	return tmp[len(tmp)/2]
}

// AmplitudeReject is a 1st-order IIR filter that estimates the mean
// and standard deviation of its input stream and rejects samples
// falling outside +/-6 sigma, returning Rejected for them. Sigma is
// clamped to a configurable minimum so a quiescent (zero-noise) input
// doesn't make the filter arbitrarily sensitive.
type AmplitudeReject struct {
	mean     int64
	sigma    uint64
	minSigma uint64
	tauUsec  uint32
}

// sqrtPi2Q32 is 2^32 * sqrt(pi/2), the scale factor relating a normal
// distribution's standard deviation to its expected absolute
// deviation (see the folded-normal-distribution identity the original
// cites).
const sqrtPi2Q32 = 5382943231

// NewAmplitudeReject constructs a filter with IIR time constant
// tauMsec and the minimum sigma clamp at one nanosecond.
func NewAmplitudeReject(tauMsec uint32) *AmplitudeReject {
	return &AmplitudeReject{
		sigma:    math.MaxUint64 / 2,
		minSigma: SubnsPerNsec,
		tauUsec:  1000 * tauMsec,
	}
}

// Reset reinitializes the mean/sigma estimates.
func (f *AmplitudeReject) Reset() {
	f.mean = 0
	f.sigma = math.MaxUint64 / 2
}

// Update feeds one sample (sub-nanosecond offset) with the elapsed
// time since the previous sample, and returns it unchanged if it
// falls within +/-6 sigma of the running mean, or Rejected otherwise.
func (f *AmplitudeReject) Update(next int64, elapsedUsec uint32) int64 {
	if next == Rejected {
		return Rejected
	}
	if elapsedUsec > f.tauUsec/2 {
		elapsedUsec = f.tauUsec / 2
	}
	if elapsedUsec == 0 {
		elapsedUsec = 1
	}
	// alpha is the Q32 fixed-point update step elapsed/tau, bounded to
	// [0, 0.5] by the clamp above (so alpha fits in 31 bits).
	alpha := wide.FromUint64((uint64(elapsedUsec) << 32) / uint64(f.tauUsec))

	diff := wide.FromInt64(next).Sub(wide.FromInt64(f.mean))
	f.mean += wideOutput(diff.Mul(alpha), 32)

	adiff := wide.FromUint64(sqrtPi2Q32).Mul(diff.Abs())
	adiff = wide.FromInt64(wideOutput(adiff, 32)).Sub(wide.FromUint64(f.sigma))

	sigma := wide.FromUint64(f.sigma).Add(adiff.Mul(alpha).Shr(32))
	if sigma.Cmp(wide.FromUint64(f.minSigma)) < 0 {
		sigma = wide.FromUint64(f.minSigma)
	}
	if sigma.Cmp(wide.FromUint64(math.MaxUint64/2)) > 0 {
		sigma = wide.FromUint64(math.MaxUint64 / 2)
	}
	f.sigma = uint64(sigma.Int64())

	thresh := wide.FromUint64(f.sigma).Mul(wide.FromInt64(6))
	if diff.Abs().Cmp(thresh) < 0 {
		return next
	}
	return Rejected
}

// CoeffPI holds the PI controller's loop-gain coefficients. Kp/Ki are
// Q(Scale) fixed-point proportional/integral gains; Ymax bounds the
// integrator against windup.
type CoeffPI struct {
	Kp, Ki, Ymax int64
	Scale        uint
}

// ControllerPI is a proportional-integral loop filter: an integrator
// that accumulates Ki*phi*dt (scaled for continuity across bandwidth
// changes), anti-windup clamped to +/-Ymax, plus a proportional term,
// their sum providing the steering output.
type ControllerPI struct {
	coeff CoeffPI
	accum wide.Int
}

// NewControllerPI constructs a controller with the given coefficients.
func NewControllerPI(coeff CoeffPI) *ControllerPI {
	return &ControllerPI{coeff: coeff}
}

// SetCoeff replaces the controller's coefficients without resetting
// its accumulator (so a bandwidth change doesn't introduce a
// discontinuity).
func (c *ControllerPI) SetCoeff(coeff CoeffPI) { c.coeff = coeff }

// Reset clears the integrator.
func (c *ControllerPI) Reset() { c.accum = wide.Zero }

// Update feeds one phase-error sample (sub-nanosecond) and the elapsed
// time since the previous sample, returning the steering output
// (also sub-nanosecond), or Rejected if deltaSubns is Rejected.
func (c *ControllerPI) Update(deltaSubns int64, elapsedUsec uint32) int64 {
	if deltaSubns == Rejected {
		return Rejected
	}
	if elapsedUsec == 0 {
		elapsedUsec = 1
	}
	deltaSubns = clampSubns(deltaSubns, SubnsPerMsec)

	deltaI := wide.FromInt64(deltaSubns).Mul(wide.FromInt64(c.coeff.Ki))
	deltaP := wide.FromInt64(deltaSubns).Mul(wide.FromInt64(c.coeff.Kp))

	deltaI = deltaI.Mul(wide.FromInt64(int64(elapsedUsec)))
	deltaP = deltaP.Mul(wide.FromInt64(UsecPerSec))

	c.accum = c.accum.Add(deltaI)
	ymax := wide.FromInt64(c.coeff.Ymax).Shl(c.coeff.Scale)
	c.accum = c.accum.Clamp(ymax)

	return wideOutput(c.accum.Add(deltaP), c.coeff.Scale)
}

// CoeffPII holds the PII controller's loop-gain coefficients: Kp/Ki
// as CoeffPI, plus a second integral gain Kr (pre-scaled by Kr/Ki so a
// single extra accumulator suffices instead of a third).
type CoeffPII struct {
	Kp, Ki, Kr, Ymax int64
	Scale, Scale2    uint
}

// ControllerPII adds a second integrator to ControllerPI, giving a
// type-2 (zero steady-state phase error under constant frequency
// drift) loop response.
type ControllerPII struct {
	coeff  CoeffPII
	accum1 wide.Int
	accum2 wide.Int
}

// NewControllerPII constructs a controller with the given coefficients.
func NewControllerPII(coeff CoeffPII) *ControllerPII {
	return &ControllerPII{coeff: coeff}
}

// SetCoeff replaces the controller's coefficients.
func (c *ControllerPII) SetCoeff(coeff CoeffPII) { c.coeff = coeff }

// Reset clears both integrators.
func (c *ControllerPII) Reset() { c.accum1, c.accum2 = wide.Zero, wide.Zero }

// Update feeds one phase-error sample and returns the steering output.
func (c *ControllerPII) Update(deltaSubns int64, elapsedUsec uint32) int64 {
	if deltaSubns == Rejected {
		return Rejected
	}
	if elapsedUsec == 0 {
		elapsedUsec = 1
	}
	deltaSubns = clampSubns(deltaSubns, SubnsPerMsec)

	deltaI := wide.FromInt64(deltaSubns).Mul(wide.FromInt64(c.coeff.Ki))
	deltaP := wide.FromInt64(deltaSubns).Mul(wide.FromInt64(c.coeff.Kp))
	deltaI = deltaI.Mul(wide.FromInt64(int64(elapsedUsec)))
	deltaP = deltaP.Mul(wide.FromInt64(UsecPerSec))

	ymax1 := wide.FromInt64(c.coeff.Ymax).Shl(c.coeff.Scale)
	c.accum1 = c.accum1.Add(deltaI).Clamp(ymax1)

	deltaR := c.accum1.Mul(wide.FromInt64(c.coeff.Kr)).Mul(wide.FromInt64(int64(elapsedUsec)))
	ymax2 := wide.FromInt64(c.coeff.Ymax).Shl(c.coeff.Scale2)
	c.accum2 = c.accum2.Add(deltaR).Clamp(ymax2)

	deltaII := wide.FromInt64(wideOutput(c.accum2, c.coeff.Scale2))
	return wideOutput(c.accum1.Add(deltaII).Add(deltaP), c.coeff.Scale)
}

// CoeffLR holds the linear-regression controller's coefficients: Ki
// steers the integrator toward the regression's projected slope; Kw
// weights how strongly the projected intercept (at t = tau/2) pulls
// that target.
type CoeffLR struct {
	Ki, Kw, Ymax int64
	Scale        uint
}

// minSpanUsec is the minimum acceptable time span of a regression
// window; spans narrower than this are rejected as degenerate (the
// slope estimate would be dominated by timestamp quantization noise).
const minSpanUsec = 2000

// ControllerLR is a linear-regression loop filter: it fits a line to
// the most recent window of (elapsed, offset) samples and steers an
// integrator toward the slope that projects a zero intercept at the
// midpoint of the window.
type ControllerLR struct {
	coeff  CoeffLR
	accum  wide.Int
	window int
}

// NewControllerLR constructs a controller over a window of the given
// size (number of (dt, y) samples considered per update).
func NewControllerLR(coeff CoeffLR, window int) *ControllerLR {
	return &ControllerLR{coeff: coeff, window: window}
}

// SetCoeff replaces the controller's coefficients.
func (c *ControllerLR) SetCoeff(coeff CoeffLR) { c.coeff = coeff }

// Reset clears the integrator.
func (c *ControllerLR) Reset() { c.accum = wide.Zero }

// Update performs a least-squares fit over dt (elapsed microseconds
// between consecutive samples, dt[0] unused/zero since it has no
// predecessor) and y (the corresponding offset samples, y[0] oldest),
// both length c.window, and returns the steering output, or Rejected
// if the window's total time span is too narrow to fit reliably.
func (c *ControllerLR) Update(dt []uint32, y []int64) int64 {
	n := c.window
	x := make([]int64, n)
	for i := n - 1; i > 0; i-- {
		x[i-1] = x[i] - int64(dt[i])
	}

	sumX, sumY := wide.Zero, wide.Zero
	for i := 0; i < n; i++ {
		sumX = sumX.Add(wide.FromInt64(x[i]))
		sumY = sumY.Add(wide.FromInt64(y[i]))
	}

	window := wide.FromInt64(int64(n))
	covXX, covXY := wide.Zero, wide.Zero
	for i := 0; i < n; i++ {
		dx := wide.FromInt64(x[i]).Mul(window).Sub(sumX)
		dy := wide.FromInt64(y[i]).Mul(window).Sub(sumY)
		covXX = covXX.Add(dx.Mul(dx))
		covXY = covXY.Add(dx.Mul(dy))
	}

	minCov := int64(minSpanUsec) * int64(minSpanUsec) / 12
	minCovXX := wide.FromInt64(minCov * int64(n))
	if covXX.Cmp(minCovXX) < 0 {
		return Rejected
	}

	// beta = slope, alpha = intercept, by ordinary least squares.
	beta := covXY.Shl(c.coeff.Scale).Add(covXX.Shr(1)).Div(covXX)
	xbeta := wide.FromInt64(wideOutput(beta.Mul(sumX), c.coeff.Scale))
	alpha := sumY.Sub(xbeta).Div(window)

	xalpha := alpha.Mul(wide.FromInt64(c.coeff.Kw))
	delta := wide.FromInt64(wideOutput(xalpha, c.coeff.Scale)).Add(beta)

	c.accum = c.accum.Add(delta.Mul(wide.FromInt64(c.coeff.Ki)))
	ymax := wide.FromInt64(c.coeff.Ymax).Shl(c.coeff.Scale)
	c.accum = c.accum.Clamp(ymax)
	return wideOutput(c.accum, c.coeff.Scale)
}
