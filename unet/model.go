// Package unet defines a conditional U-Net denoiser for diffusion-style
// image restoration: an encoder stack of residual/mixer blocks with skip
// connections, a dilated-convolution bottleneck with strip attention, and a
// mirrored decoder stack. Training loop, losses and checkpointing belong to
// the surrounding harness.
package unet

import (
	"fmt"
	"log"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/denoise/base"
)

// DenoiserUNet is the denoiser model.
// Ref: https://arxiv.org/abs/1505.04597
type DenoiserUNet struct {
	imageProj *nn.Conv2D
	timeEmb   *TimeEmbedding // nil when built without noise conditioning
	down      []Block
	middle    *MiddleBlock
	up        []Block
	final     *nn.Conv2D
	nLevels   int64
}

// NewDenoiserUNet creates a DenoiserUNet.
//
//   - inC/outC: image channels consumed and produced.
//   - baseC: channel width of the initial feature map; widths at deeper
//     levels are baseC*chMults[level]. Every width must satisfy the group
//     normalization constraint (divisible by base.NumGroups).
//   - chMults: channel multiplier per resolution level, fixed at
//     construction.
//   - nBlocks: number of DownBlocks/UpBlocks per resolution level.
//   - isNoise: when set, forward requires a per-sample timestep and every
//     down/up block receives its embedding.
func NewDenoiserUNet(p *nn.Path, inC, outC, baseC int64, chMults []int64, nBlocks int64, isNoise bool) *DenoiserUNet {
	nResolutions := int64(len(chMults))
	if nResolutions == 0 {
		log.Fatalln("NewDenoiserUNet: empty channel multiplier list")
	}
	for _, m := range chMults {
		if m <= 0 {
			log.Fatalf("NewDenoiserUNet: channel multipliers must be positive. Got %v\n", chMults)
		}
	}

	// Time embedding carries 4x the base channel width.
	tChannels := baseC * 4

	imageProj := base.Conv2d(p.Sub("image_proj"), inC, baseC, 3, 1, 1)

	var timeEmb *TimeEmbedding
	if isNoise {
		timeEmb = NewTimeEmbedding(p.Sub("time_emb"), tChannels)
	}

	// Encoder: nBlocks DownBlocks per level (the first widens the channels),
	// a Downsample between levels.
	var down []Block
	in := baseC
	out := baseC
	for i := int64(0); i < nResolutions; i++ {
		out = baseC * chMults[i]
		for j := int64(0); j < nBlocks; j++ {
			down = append(down, NewDownBlock(p.Sub(fmt.Sprintf("down%d", len(down))), in, out, tChannels, i, isNoise))
			in = out
		}
		if i < nResolutions-1 {
			down = append(down, NewDownsample(p.Sub(fmt.Sprintf("down%d", len(down))), in))
		}
	}

	middle := NewMiddleBlock(p.Sub("middle"), out, tChannels)

	// Decoder, deepest level first: nBlocks UpBlocks, one channel-reduction
	// UpBlock with the mixer enabled, an Upsample between levels.
	var up []Block
	in = out
	for i := nResolutions - 1; i >= 0; i-- {
		out = baseC * chMults[i]
		for j := int64(0); j < nBlocks; j++ {
			up = append(up, NewUpBlock(p.Sub(fmt.Sprintf("up%d", len(up))), in, out, tChannels, i, false, isNoise))
			in = out
		}
		if i >= 1 {
			in = baseC * chMults[i-1]
		} else {
			in = baseC
		}
		up = append(up, NewUpBlock(p.Sub(fmt.Sprintf("up%d", len(up))), in, out, tChannels, i, true, isNoise))
		in = out
		if i > 0 {
			up = append(up, NewUpsample(p.Sub(fmt.Sprintf("up%d", len(up))), in))
		}
	}

	// Every skip pushed on the way down must be popped on the way up:
	// 1 push after projection plus one per down module, one pop per
	// non-Upsample up module.
	pops := 0
	for _, m := range up {
		if _, ok := m.(*Upsample); !ok {
			pops++
		}
	}
	if pops != len(down)+1 {
		log.Fatalf("NewDenoiserUNet: skip connection mismatch: %v pushes vs %v pops\n", len(down)+1, pops)
	}

	final := base.Conv2d(p.Sub("final"), in, outC, 3, 1, 1)

	return &DenoiserUNet{
		imageProj: imageProj,
		timeEmb:   timeEmb,
		down:      down,
		middle:    middle,
		up:        up,
		final:     final,
		nLevels:   nResolutions,
	}
}

// DefaultDenoiser creates a DenoiserUNet with the reference configuration:
// 2 input channels (degraded image + noise), 1 output channel, base width
// 32, channel multipliers [1 2 2 4], 2 blocks per resolution, noise
// conditioning enabled.
func DefaultDenoiser(p *nn.Path) *DenoiserUNet {
	return NewDenoiserUNet(p, 2, 1, 32, []int64{1, 2, 2, 4}, 2, true)
}

// Forward runs the denoiser on x shaped [B inC H W] and returns
// [B outC H W]. t holds one scalar timestep per sample, shaped [B]; it is
// required when the model was built with noise conditioning and must be nil
// when it was not. H and W must be divisible by 2^(levels-1).
func (n *DenoiserUNet) Forward(x, t *ts.Tensor, train bool) *ts.Tensor {
	if n.timeEmb != nil && t == nil {
		log.Fatalln("DenoiserUNet: model was built with noise conditioning but no timestep was given")
	}
	if n.timeEmb == nil && t != nil {
		log.Fatalln("DenoiserUNet: model was built without noise conditioning but a timestep was given")
	}

	size := x.MustSize()
	if len(size) != 4 {
		log.Fatalf("DenoiserUNet: expected input of rank 4 [B C H W]. Got shape %v\n", size)
	}
	factor := int64(1) << uint(n.nLevels-1)
	if size[2]%factor != 0 || size[3]%factor != 0 {
		log.Fatalf("DenoiserUNet: input size %vx%v not divisible by %v (%v resolution levels)\n", size[2], size[3], factor, n.nLevels)
	}

	var temb *ts.Tensor
	if n.timeEmb != nil {
		temb = n.timeEmb.Forward(t)
		defer temb.MustDrop()
	}

	cur := n.imageProj.ForwardT(x, train)

	// Skips are pushed after the projection and after every down module,
	// Downsamples included. Pushed tensors are owned by the stack and
	// dropped when popped.
	skips := make([]*ts.Tensor, 0, len(n.down)+1)
	skips = append(skips, cur)
	for _, m := range n.down {
		cur = m.Forward(cur, temb, train)
		skips = append(skips, cur)
	}

	cur = n.middle.Forward(cur, temb, train)

	for _, m := range n.up {
		if _, ok := m.(*Upsample); ok {
			next := m.Forward(cur, temb, train)
			cur.MustDrop()
			cur = next
			continue
		}

		// Pop the matching skip and concatenate it channel-wise.
		skip := skips[len(skips)-1]
		skips = skips[:len(skips)-1]
		cat := ts.MustCat([]*ts.Tensor{cur, skip}, 1)
		cur.MustDrop()
		skip.MustDrop()
		cur = m.Forward(cat, temb, train)
		cat.MustDrop()
	}
	if len(skips) != 0 {
		log.Fatalf("DenoiserUNet: ended forward with %v skips not accounted for\n", len(skips))
	}

	act := base.Swish(cur)
	cur.MustDrop()
	out := n.final.ForwardT(act, train)
	act.MustDrop()

	return out
}
