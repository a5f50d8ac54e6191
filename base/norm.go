package base

import (
	"log"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// NumGroups is the fixed group count used by all normalization layers in the
// denoiser blocks.
const NumGroups int64 = 32

// GroupNorm is a group normalization module with learnable affine scale and
// shift.
type GroupNorm struct {
	NumGroups int64
	Eps       float64
	Ws        *ts.Tensor
	Bs        *ts.Tensor
}

// NewGroupNorm creates a GroupNorm over NumGroups channel groups.
// nChannels must be divisible by NumGroups; a mismatched group count would
// silently corrupt the per-group statistics, so it is rejected here.
func NewGroupNorm(p *nn.Path, nChannels int64) *GroupNorm {
	if nChannels%NumGroups != 0 {
		log.Fatalf("NewGroupNorm: channels (%v) not divisible by group count (%v)\n", nChannels, NumGroups)
	}

	return &GroupNorm{
		NumGroups: NumGroups,
		Eps:       1e-6,
		Ws:        p.MustOnes("weight", []int64{nChannels}),
		Bs:        p.MustZeros("bias", []int64{nChannels}),
	}
}

// Forward implements ts.Module for GroupNorm struct.
func (g *GroupNorm) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustGroupNorm(g.NumGroups, g.Ws, g.Bs, g.Eps, false, false)
}

// ForwardT implements ts.ModuleT for GroupNorm struct.
func (g *GroupNorm) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return g.Forward(x)
}
