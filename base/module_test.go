package base_test

import (
	"math"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/denoise/base"
)

func TestSwish(t *testing.T) {
	in := []float64{-2, -1, 0, 1, 2}
	x := ts.MustOfSlice(in)
	out := base.Swish(x)

	got := out.Float64Values()
	for i, v := range in {
		want := v / (1 + math.Exp(-v))
		if math.Abs(got[i]-want) > 1e-6 {
			t.Errorf("swish(%v): want %v, got %v", v, want, got[i])
		}
	}

	out.MustDrop()
	x.MustDrop()
}

func TestGetPad(t *testing.T) {
	// Stride-1 3x3 kernels: padding equals the dilation rate, the values
	// hard-wired into the bottleneck.
	for _, dilation := range []int64{2, 4, 8, 16} {
		if got := base.GetPad(16, 3, 1, dilation); got != dilation {
			t.Errorf("GetPad(16, 3, 1, %v): want %v, got %v", dilation, dilation, got)
		}
	}

	if got := base.GetPad(16, 3, 1, 1); got != 1 {
		t.Errorf("GetPad(16, 3, 1, 1): want 1, got %v", got)
	}
}

func TestGroupNormShape(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	gn := base.NewGroupNorm(vs.Root(), 64)

	x := ts.MustRand([]int64{2, 64, 8, 8}, gotch.Float, gotch.CPU)
	out := gn.Forward(x)

	got := out.MustSize()
	want := []int64{2, 64, 8, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("group norm output shape: want %v, got %v", want, got)
			break
		}
	}

	for _, v := range out.Float64Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("group norm produced non-finite value %v", v)
			break
		}
	}

	out.MustDrop()
	x.MustDrop()
}

func TestAttentionDefaultIsPassThrough(t *testing.T) {
	att := base.NewAttention()

	x := ts.MustRand([]int64{1, 16, 4, 4}, gotch.Float, gotch.CPU)
	out := att.ForwardT(x, false)

	diff := out.MustSub(x, true)
	maxAbs := diff.MustAbs(true).MustMax(true)
	if v := maxAbs.Float64Values()[0]; v != 0 {
		t.Errorf("default attention is not a pass-through: max abs diff %v", v)
	}

	maxAbs.MustDrop()
	x.MustDrop()
}
