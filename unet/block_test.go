package unet

import (
	"math"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

func TestMLPShapePreserved(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	mlp := NewMLP(vs.Root(), 16)

	x := ts.MustRand([]int64{2, 16, 8, 12}, gotch.Float, gotch.CPU)
	out := mlp.ForwardT(x, false)

	want := []int64{2, 16, 8, 12}
	got := out.MustSize()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MLP output shape: want %v, got %v", want, got)
			break
		}
	}

	out.MustDrop()
	x.MustDrop()
}

// With the second convolution zeroed, a ResidualBlock reduces to its
// shortcut path; with matching channels that shortcut is the identity.
func TestResidualBlockIdentity(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	rb := NewResidualBlock(vs.Root(), 32, 32, 128, true)

	ts.NoGrad(func() {
		rb.conv2.Ws.MustZero_()
		rb.conv2.Bs.MustZero_()
	})

	x := ts.MustRand([]int64{2, 32, 8, 8}, gotch.Float, gotch.CPU)
	tEmb := ts.MustRand([]int64{2, 128}, gotch.Float, gotch.CPU)
	out := rb.Forward(x, tEmb, false)

	diff := out.MustSub(x, true)
	maxAbs := diff.MustAbs(true).MustMax(true)
	if v := maxAbs.Float64Values()[0]; v != 0 {
		t.Errorf("residual block with zeroed conv2 is not the identity: max abs diff %v", v)
	}

	maxAbs.MustDrop()
	tEmb.MustDrop()
	x.MustDrop()
}

func TestResidualBlockProjectsShortcut(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	rb := NewResidualBlock(vs.Root(), 32, 64, 128, false)

	x := ts.MustRand([]int64{1, 32, 8, 8}, gotch.Float, gotch.CPU)
	out := rb.Forward(x, nil, false)

	got := out.MustSize()
	want := []int64{1, 64, 8, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("output shape: want %v, got %v", want, got)
			break
		}
	}

	out.MustDrop()
	x.MustDrop()
}

func TestTimeEmbeddingDeterministic(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	emb := NewTimeEmbedding(vs.Root(), 128)

	steps := ts.MustOfSlice([]float64{5, 11, 999})
	e1 := emb.Forward(steps)
	e2 := emb.Forward(steps)

	got := e1.MustSize()
	want := []int64{3, 128}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("embedding shape: want %v, got %v", want, got)
		}
	}

	v1 := e1.Float64Values()
	v2 := e2.Float64Values()
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Errorf("embedding not deterministic at %v: %v vs %v", i, v1[i], v2[i])
			break
		}
	}

	e1.MustDrop()
	e2.MustDrop()
	steps.MustDrop()
}

func TestMiddleBlockShapePreserved(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	mb := NewMiddleBlock(vs.Root(), 64, 128)

	x := ts.MustRand([]int64{1, 64, 16, 16}, gotch.Float, gotch.CPU)
	out := mb.Forward(x, nil, false)

	got := out.MustSize()
	want := []int64{1, 64, 16, 16}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("middle block output shape: want %v, got %v", want, got)
			break
		}
	}

	vals := out.Float64Values()
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("middle block produced non-finite value %v", v)
			break
		}
	}

	out.MustDrop()
	x.MustDrop()
}
