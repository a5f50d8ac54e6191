package base

import "math"

// GetPad computes the symmetric padding that keeps a convolution with the
// given kernel size, stride and dilation at ceil(in/stride) output positions,
// where `in` is the reference spatial size the padding was tuned for.
//
// For stride 1 the result is independent of `in` (it reduces to
// dilation*(ksize-1)/2), so a fixed reference size is exact at any
// resolution. For stride > 1 the returned padding only preserves
// ceil-division semantics at the reference size itself.
func GetPad(in, ksize, stride, dilation int64) int64 {
	out := int64(math.Ceil(float64(in) / float64(stride)))

	return ((out-1)*stride + dilation*(ksize-1) + 1 - in) / 2
}
