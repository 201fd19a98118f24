// Package fixedpoint provides Q16.16 fixed-point arithmetic for voltage
// conversion. The firmware targets have no FPU worth trusting in interrupt
// paths, so all sample-to-millivolt math stays in fixed point.
package fixedpoint

// Q16 is a Q16.16 fixed-point number: 16 integer bits, 16 fractional bits.
type Q16 int32

// One is the Q16.16 representation of 1.
const One Q16 = 1 << 16

// FromInt converts an integer to Q16.16.
func FromInt(v int) Q16 {
	return Q16(v << 16)
}

// Int truncates a Q16.16 value to its integer part.
func (q Q16) Int() int {
	return int(q >> 16)
}

// Round converts a Q16.16 value to the nearest integer.
func (q Q16) Round() int {
	if q < 0 {
		return int((q - One/2) >> 16)
	}
	return int((q + One/2) >> 16)
}

// Mul multiplies two Q16.16 values with a 64-bit intermediate. The result
// must still fit Q16.16; use ScaleInt when an intermediate can exceed it.
func (q Q16) Mul(o Q16) Q16 {
	return Q16((int64(q) * int64(o)) >> 16)
}

// Div divides q by o with a 64-bit intermediate. o must be nonzero.
func (q Q16) Div(o Q16) Q16 {
	return Q16((int64(q) << 16) / int64(o))
}

// ScaleInt computes v * num / den in Q16.16 and rounds to the nearest
// integer. It is the one operation the voltage path needs: raw * vref / max.
// The intermediate is kept at 64 bits because v*num (e.g. 4095 * vref) does
// not fit the 16 integer bits of a Q16.
func ScaleInt(v, num, den int) int {
	x := (int64(v) << 16) * int64(num) / int64(den)
	if x < 0 {
		return int((x - 1<<15) >> 16)
	}
	return int((x + 1<<15) >> 16)
}
