// Package strip implements strip-wise spatial attention for feature maps.
//
// The module runs multi-head self attention over the positions of each
// horizontal strip (one row at a time), then over each vertical strip, with
// a residual add after each pass. It is the concrete module plugged into
// base.Attention wherever the denoiser calls for long-range spatial mixing.
// Ref. https://arxiv.org/abs/2204.04627
package strip

import (
	"log"
	"math"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Strip is a shape-preserving spatial mixing module: [B C H W] -> [B C H W].
type Strip struct {
	channels int64
	horiz    *attention
	vert     *attention
}

// New creates a Strip attention module for feature maps with nChannels
// channels. nChannels must be divisible by nHeads.
func New(p *nn.Path, nChannels, nHeads int64) *Strip {
	if nChannels%nHeads != 0 {
		log.Fatalf("strip.New: channels (%v) not divisible by heads (%v)\n", nChannels, nHeads)
	}

	return &Strip{
		channels: nChannels,
		horiz:    newAttention(p.Sub("horiz"), nChannels, nHeads),
		vert:     newAttention(p.Sub("vert"), nChannels, nHeads),
	}
}

// ForwardT implements ts.ModuleT for Strip struct.
func (s *Strip) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	b, c, h, w := size[0], size[1], size[2], size[3]

	// Horizontal strips: each row is a sequence of W channel vectors.
	rows := x.MustPermute([]int64{0, 2, 3, 1}, false).MustReshape([]int64{b * h, w, c}, true)
	hAtt := s.horiz.forward(rows)
	hRes := hAtt.MustAdd(rows, true)
	rows.MustDrop()
	hMap := hRes.MustReshape([]int64{b, h, w, c}, true)

	// Vertical strips: each column is a sequence of H channel vectors.
	cols := hMap.MustPermute([]int64{0, 2, 1, 3}, true).MustReshape([]int64{b * w, h, c}, true)
	vAtt := s.vert.forward(cols)
	vRes := vAtt.MustAdd(cols, true)
	cols.MustDrop()
	vMap := vRes.MustReshape([]int64{b, w, h, c}, true)

	// [B W H C] -> [B C H W]
	out := vMap.MustPermute([]int64{0, 3, 2, 1}, true)

	return out.MustContiguous(true)
}

// attention is multi-head self attention over sequences shaped [N L C].
type attention struct {
	nHeads  int64
	headDim int64
	query   *nn.Linear
	key     *nn.Linear
	value   *nn.Linear
	proj    *nn.Linear
}

func newAttention(p *nn.Path, nChannels, nHeads int64) *attention {
	config := nn.DefaultLinearConfig()

	return &attention{
		nHeads:  nHeads,
		headDim: nChannels / nHeads,
		query:   nn.NewLinear(p.Sub("query"), nChannels, nChannels, config),
		key:     nn.NewLinear(p.Sub("key"), nChannels, nChannels, config),
		value:   nn.NewLinear(p.Sub("value"), nChannels, nChannels, config),
		proj:    nn.NewLinear(p.Sub("proj"), nChannels, nChannels, config),
	}
}

func (a *attention) forward(x *ts.Tensor) *ts.Tensor {
	size := x.MustSize()
	n, l := size[0], size[1]

	q := a.query.Forward(x)
	q = q.MustReshape([]int64{n, l, a.nHeads, a.headDim}, true).MustPermute([]int64{0, 2, 1, 3}, true)
	k := a.key.Forward(x)
	k = k.MustReshape([]int64{n, l, a.nHeads, a.headDim}, true).MustPermute([]int64{0, 2, 3, 1}, true)
	v := a.value.Forward(x)
	v = v.MustReshape([]int64{n, l, a.nHeads, a.headDim}, true).MustPermute([]int64{0, 2, 1, 3}, true)

	scores := q.MustMatmul(k, true)
	k.MustDrop()
	scores = scores.MustMulScalar(ts.FloatScalar(1.0/math.Sqrt(float64(a.headDim))), true)
	weights := scores.MustSoftmax(-1, gotch.Float, true)

	ctx := weights.MustMatmul(v, true)
	v.MustDrop()
	ctx = ctx.MustPermute([]int64{0, 2, 1, 3}, true).MustReshape([]int64{n, l, a.nHeads * a.headDim}, true)

	out := a.proj.Forward(ctx)
	ctx.MustDrop()

	return out
}
