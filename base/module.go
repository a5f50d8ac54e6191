package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Identity is a nn.Module placeholder.
// It forwards the input tensor as such.
type Identity struct{}

// Forward implement nn.Module for Identity struct.
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	// Shallow clone keeps the autograd graph intact.
	return x.MustShallowClone()
}

// ForwardT implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// Swish applies x * sigmoid(x) element-wise.
func Swish(x *ts.Tensor) *ts.Tensor {
	sig := x.MustSigmoid(false)
	res := x.MustMul(sig, false)
	sig.MustDrop()

	return res
}

// SwishModule is the module form of Swish for composing with other modules.
type SwishModule struct{}

// ForwardT implements ts.ModuleT for SwishModule struct.
func (m *SwishModule) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return Swish(x)
}

// NewSwish creates a new SwishModule.
func NewSwish() *SwishModule {
	return &SwishModule{}
}

// Attention wraps a spatial mixing module: given a feature map [B C H W] it
// must return a feature map of the same shape. Without a module it is a
// pass-through.
type Attention struct {
	attn ts.ModuleT
}

// ForwardT implements ts.ModuleT for Attention struct.
func (a *Attention) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return a.attn.ForwardT(x, train)
}

// NewAttention creates a new Attention.
func NewAttention(moduleOpt ...ts.ModuleT) *Attention {
	var attention ts.ModuleT = NewIdentity()
	if len(moduleOpt) > 0 && moduleOpt[0] != nil {
		attention = moduleOpt[0]
	}

	return &Attention{attention}
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// DilatedConv2d creates Conv2D with a dilation rate.
func DilatedConv2d(p *nn.Path, cIn, cOut, ksize, padding, stride, dilation int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}
	config.Dilation = []int64{dilation, dilation}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}
