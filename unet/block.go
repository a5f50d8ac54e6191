package unet

import (
	"log"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/denoise/base"
	"github.com/sugarme/denoise/strip"
)

// Block is a model stage consuming a feature map and an optional time
// embedding. Stages that do not use conditioning ignore t.
type Block interface {
	Forward(x, t *ts.Tensor, train bool) *ts.Tensor
}

// middlePadRef is the reference spatial size the dilated convolution padding
// was tuned for. With stride 1 kernels the computed padding is
// size-independent, so this only pins bit-compatibility with the original
// weights.
const middlePadRef int64 = 16

// attnHeads is the head count of the strip attention modules built into the
// blocks below.
const attnHeads int64 = 4

// MLP is a per-position channel mixing block wrapped around a shared 3x3
// convolution, with a residual add. Output shape always equals input shape.
type MLP struct {
	conv *nn.Conv2D
	ln1  *nn.LayerNorm
	fc1  *nn.Linear
	fc2  *nn.Linear
	ln2  *nn.LayerNorm
}

// NewMLP creates an MLP mixer over feature maps with embeddingSize channels.
// The hidden layer expands channels by a factor of 2.
func NewMLP(p *nn.Path, embeddingSize int64) *MLP {
	expansion := int64(2)

	return &MLP{
		conv: base.Conv2d(p.Sub("conv"), embeddingSize, embeddingSize, 3, 1, 1),
		ln1:  nn.NewLayerNorm(p.Sub("ln1"), []int64{embeddingSize}, nn.DefaultLayerNormConfig()),
		fc1:  nn.NewLinear(p.Sub("fc1"), embeddingSize, expansion*embeddingSize, nn.DefaultLinearConfig()),
		fc2:  nn.NewLinear(p.Sub("fc2"), expansion*embeddingSize, embeddingSize, nn.DefaultLinearConfig()),
		ln2:  nn.NewLayerNorm(p.Sub("ln2"), []int64{embeddingSize}, nn.DefaultLayerNormConfig()),
	}
}

// ForwardT implements ts.ModuleT for MLP struct.
func (m *MLP) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	b, c, h, w := size[0], size[1], size[2], size[3]

	hx := m.conv.ForwardT(x, train)

	// [B C H W] -> [B H*W C]
	seq := hx.MustReshape([]int64{b, c, h * w}, true).MustTranspose(1, 2, true)
	n1 := m.ln1.Forward(seq)
	seq.MustDrop()
	f1 := m.fc1.Forward(n1)
	n1.MustDrop()
	f1 = f1.MustRelu(true)
	f2 := m.fc2.Forward(f1)
	f1.MustDrop()
	n2 := m.ln2.Forward(f2)
	f2.MustDrop()

	// [B H*W C] -> [B C H W]
	back := n2.MustTranspose(1, 2, true).MustReshape([]int64{b, c, h, w}, true)

	// The same convolution is applied on both sides of the channel mixing
	// (shared weights, as in the original).
	out := m.conv.ForwardT(back, train)
	back.MustDrop()

	return out.MustAdd(x, true)
}

// ResidualBlock is the basic building block: two normalize-activate-convolve
// stages with an optional additive time conditioning injection and a
// shape-matching shortcut.
type ResidualBlock struct {
	norm1    *base.GroupNorm
	conv1    *nn.Conv2D
	norm2    *base.GroupNorm
	conv2    *nn.Conv2D
	shortcut ts.ModuleT
	timeEmb  *nn.Linear // nil when the block is unconditioned
	dropout  float64
}

// NewResidualBlock creates a ResidualBlock mapping cIn to cOut channels.
// When isNoise is set the block adds a projected time embedding of
// tChannels features after the first convolution.
func NewResidualBlock(p *nn.Path, cIn, cOut, tChannels int64, isNoise bool) *ResidualBlock {
	var shortcut ts.ModuleT = base.NewIdentity()
	if cIn != cOut {
		shortcut = base.Conv2d(p.Sub("shortcut"), cIn, cOut, 1, 0, 1)
	}

	var timeEmb *nn.Linear
	if isNoise {
		timeEmb = nn.NewLinear(p.Sub("time"), tChannels, cOut, nn.DefaultLinearConfig())
	}

	return &ResidualBlock{
		norm1:    base.NewGroupNorm(p.Sub("norm1"), cIn),
		conv1:    base.Conv2d(p.Sub("conv1"), cIn, cOut, 3, 1, 1),
		norm2:    base.NewGroupNorm(p.Sub("norm2"), cOut),
		conv2:    base.Conv2d(p.Sub("conv2"), cOut, cOut, 3, 1, 1),
		shortcut: shortcut,
		timeEmb:  timeEmb,
		dropout:  0.1,
	}
}

// Forward implements Block for ResidualBlock struct.
// x is [B cIn H W]; t is [B tChannels] and required iff the block was built
// with conditioning. An unconditioned block ignores t (MiddleBlock threads
// the embedding through blocks that do not consume it).
func (b *ResidualBlock) Forward(x, t *ts.Tensor, train bool) *ts.Tensor {
	if b.timeEmb != nil && t == nil {
		log.Fatalln("ResidualBlock: block was built with conditioning but no time embedding was given")
	}

	n1 := b.norm1.Forward(x)
	a1 := base.Swish(n1)
	n1.MustDrop()
	h := b.conv1.ForwardT(a1, train)
	a1.MustDrop()

	if b.timeEmb != nil {
		ta := base.Swish(t)
		te := b.timeEmb.Forward(ta)
		ta.MustDrop()
		te = te.MustUnsqueeze(2, true).MustUnsqueeze(3, true)
		h = h.MustAdd(te, true)
		te.MustDrop()
	}

	n2 := b.norm2.Forward(h)
	h.MustDrop()
	a2 := base.Swish(n2)
	n2.MustDrop()
	d := a2.MustDropout(b.dropout, train, true)
	out := b.conv2.ForwardT(d, train)
	d.MustDrop()

	short := b.shortcut.ForwardT(x, train)
	res := out.MustAdd(short, true)
	short.MustDrop()

	return res
}

// DownBlock composes ResidualBlock, MLP mixer and attention for one encoder
// stage. Attention is wired in only at depth >= 2: the two finest
// resolutions skip it to bound compute.
type DownBlock struct {
	res *ResidualBlock
	mlp *MLP
	att *base.Attention
}

// NewDownBlock creates a DownBlock at the given resolution depth.
func NewDownBlock(p *nn.Path, cIn, cOut, tChannels, depth int64, isNoise bool) *DownBlock {
	att := base.NewAttention()
	if depth >= 2 {
		att = base.NewAttention(strip.New(p.Sub("att"), cOut, attnHeads))
	}

	return &DownBlock{
		res: NewResidualBlock(p.Sub("res"), cIn, cOut, tChannels, isNoise),
		mlp: NewMLP(p.Sub("mlp"), cOut),
		att: att,
	}
}

// Forward implements Block for DownBlock struct.
func (b *DownBlock) Forward(x, t *ts.Tensor, train bool) *ts.Tensor {
	h := b.res.Forward(x, t, train)
	m := b.mlp.ForwardT(h, train)
	h.MustDrop()
	out := b.att.ForwardT(m, train)
	m.MustDrop()

	return out
}

// UpBlock is the decoder counterpart of DownBlock. Its residual block
// consumes cIn+cOut channels: the caller concatenates the popped skip tensor
// onto x before forwarding. The mixer (and, at depth >= 2, attention) runs
// only on blocks built with withMixer, the per-level channel-reduction ones.
type UpBlock struct {
	res       *ResidualBlock
	mlp       *MLP // nil unless withMixer
	att       *base.Attention
	withMixer bool
}

// NewUpBlock creates an UpBlock at the given resolution depth.
func NewUpBlock(p *nn.Path, cIn, cOut, tChannels, depth int64, withMixer, isNoise bool) *UpBlock {
	att := base.NewAttention()
	var mlp *MLP
	if withMixer {
		mlp = NewMLP(p.Sub("mlp"), cOut)
		if depth >= 2 {
			att = base.NewAttention(strip.New(p.Sub("att"), cOut, attnHeads))
		}
	}

	return &UpBlock{
		res:       NewResidualBlock(p.Sub("res"), cIn+cOut, cOut, tChannels, isNoise),
		mlp:       mlp,
		att:       att,
		withMixer: withMixer,
	}
}

// Forward implements Block for UpBlock struct.
func (b *UpBlock) Forward(x, t *ts.Tensor, train bool) *ts.Tensor {
	h := b.res.Forward(x, t, train)
	if !b.withMixer {
		return h
	}

	m := b.mlp.ForwardT(h, train)
	h.MustDrop()
	out := b.att.ForwardT(m, train)
	m.MustDrop()

	return out
}

// MiddleBlock is the bottleneck: a residual block, a stack of dilated
// convolutions (rates 2/4/8/16) around strip attention, and a closing
// residual block. Its residual blocks are unconditioned: time conditioning
// is injected only in the down and up stacks.
type MiddleBlock struct {
	res1 *ResidualBlock
	dia1 *nn.Conv2D
	dia2 *nn.Conv2D
	att  *base.Attention
	dia3 *nn.Conv2D
	dia4 *nn.Conv2D
	res2 *ResidualBlock
}

// NewMiddleBlock creates a MiddleBlock over nChannels channels.
func NewMiddleBlock(p *nn.Path, nChannels, tChannels int64) *MiddleBlock {
	return &MiddleBlock{
		res1: NewResidualBlock(p.Sub("res1"), nChannels, nChannels, tChannels, false),
		dia1: base.DilatedConv2d(p.Sub("dia1"), nChannels, nChannels, 3, base.GetPad(middlePadRef, 3, 1, 2), 1, 2),
		dia2: base.DilatedConv2d(p.Sub("dia2"), nChannels, nChannels, 3, base.GetPad(middlePadRef, 3, 1, 4), 1, 4),
		att:  base.NewAttention(strip.New(p.Sub("att"), nChannels, attnHeads)),
		dia3: base.DilatedConv2d(p.Sub("dia3"), nChannels, nChannels, 3, base.GetPad(middlePadRef, 3, 1, 8), 1, 8),
		dia4: base.DilatedConv2d(p.Sub("dia4"), nChannels, nChannels, 3, base.GetPad(middlePadRef, 3, 1, 16), 1, 16),
		res2: NewResidualBlock(p.Sub("res2"), nChannels, nChannels, tChannels, false),
	}
}

// Forward implements Block for MiddleBlock struct.
func (b *MiddleBlock) Forward(x, t *ts.Tensor, train bool) *ts.Tensor {
	h := b.res1.Forward(x, t, train)
	d1 := b.dia1.ForwardT(h, train)
	h.MustDrop()
	d2 := b.dia2.ForwardT(d1, train)
	d1.MustDrop()

	a := b.att.ForwardT(d2, train)
	d2.MustDrop()

	d3 := b.dia3.ForwardT(a, train)
	a.MustDrop()
	d4 := b.dia4.ForwardT(d3, train)
	d3.MustDrop()
	out := b.res2.Forward(d4, t, train)
	d4.MustDrop()

	return out
}

// Upsample scales the feature map by 2x with a transposed convolution
// (kernel 4, stride 2, padding 1): even inputs double exactly.
type Upsample struct {
	conv *nn.ConvTranspose2D
}

// NewUpsample creates an Upsample over nChannels channels.
func NewUpsample(p *nn.Path, nChannels int64) *Upsample {
	config := nn.DefaultConvTranspose2DConfig()
	config.Stride = []int64{2, 2}
	config.Padding = []int64{1, 1}

	return &Upsample{nn.NewConvTranspose2D(p.Sub("conv"), nChannels, nChannels, 4, config)}
}

// Forward implements Block for Upsample struct. t is unused.
func (u *Upsample) Forward(x, t *ts.Tensor, train bool) *ts.Tensor {
	_ = t
	return u.conv.ForwardT(x, train)
}

// Downsample scales the feature map by 1/2x with a strided convolution
// (kernel 3, stride 2, padding 1): size n maps to ceil(n/2), so odd sizes
// round up rather than halve exactly.
type Downsample struct {
	conv *nn.Conv2D
}

// NewDownsample creates a Downsample over nChannels channels.
func NewDownsample(p *nn.Path, nChannels int64) *Downsample {
	return &Downsample{base.Conv2d(p.Sub("conv"), nChannels, nChannels, 3, 1, 2)}
}

// Forward implements Block for Downsample struct. t is unused.
func (d *Downsample) Forward(x, t *ts.Tensor, train bool) *ts.Tensor {
	_ = t
	return d.conv.ForwardT(x, train)
}
