/*
Package bitint provides the integer helpers used to size audio buffers.

Audio hardware prefers power-of-two frame counts, and PCM byte slices must
be cut on sample boundaries. Both helpers are O(1) and allocation free.

	frames := bitint.NextPowerOfTwo(1000)  // 1024
	n := bitint.AlignDown(1023, 2)         // 1022, whole 16-bit samples only

NextPowerOfTwo subtracts one before taking the bit length so that exact
powers of two are preserved: for 8, bits.Len(7) is 3 and 1<<3 is 8, whereas
bits.Len(8) would give 4 and double the input.
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the next power of 2 >= size.
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2.
// Powers of 2 have exactly one bit set, so n&(n-1) clears it to zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// AlignDown rounds n down to a multiple of align. align must be a power of
// two; any other value returns n unchanged. Negative n yields 0.
func AlignDown(n, align int) int {
	if n <= 0 {
		return 0
	}
	if !IsPowerOfTwo(align) {
		return n
	}
	return n &^ (align - 1)
}
