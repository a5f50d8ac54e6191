package unet

import (
	"log"
	"math"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/denoise/base"
)

// TimeEmbedding maps a per-sample scalar timestep to a learned embedding
// vector of nChannels features: sinusoidal frequency bands followed by a
// two-layer transform with Swish in between. The forward pass has no
// randomness.
type TimeEmbedding struct {
	nChannels int64
	lin1      *nn.Linear
	lin2      *nn.Linear
}

// NewTimeEmbedding creates a TimeEmbedding with nChannels output features.
// nChannels/8 sinusoidal bands are generated, so nChannels must be at least
// 16 to give the band spacing a non-zero denominator.
func NewTimeEmbedding(p *nn.Path, nChannels int64) *TimeEmbedding {
	halfDim := nChannels / 8
	if halfDim <= 1 {
		log.Fatalf("NewTimeEmbedding: channels (%v) yield %v sinusoidal bands; need at least 2\n", nChannels, halfDim)
	}

	return &TimeEmbedding{
		nChannels: nChannels,
		lin1:      nn.NewLinear(p.Sub("lin1"), nChannels/4, nChannels, nn.DefaultLinearConfig()),
		lin2:      nn.NewLinear(p.Sub("lin2"), nChannels, nChannels, nn.DefaultLinearConfig()),
	}
}

// Forward embeds timesteps t shaped [B] into [B nChannels].
func (e *TimeEmbedding) Forward(t *ts.Tensor) *ts.Tensor {
	halfDim := e.nChannels / 8
	scale := math.Log(10_000) / float64(halfDim-1)

	bands := ts.MustArange(ts.IntScalar(halfDim), gotch.Float, t.MustDevice())
	bands = bands.MustMulScalar(ts.FloatScalar(-scale), true)
	bands = bands.MustExp(true)

	// [B 1] x [1 halfDim] -> [B halfDim]
	tf := t.MustTotype(gotch.Float, false)
	tb := tf.MustUnsqueeze(1, true)
	fb := bands.MustUnsqueeze(0, true)
	angles := tb.MustMul(fb, true)
	fb.MustDrop()

	sin := angles.MustSin(false)
	cos := angles.MustCos(false)
	angles.MustDrop()
	emb := ts.MustCat([]*ts.Tensor{sin, cos}, 1)
	sin.MustDrop()
	cos.MustDrop()

	h := e.lin1.Forward(emb)
	emb.MustDrop()
	act := base.Swish(h)
	h.MustDrop()
	out := e.lin2.Forward(act)
	act.MustDrop()

	return out
}
