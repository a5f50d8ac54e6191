package unet_test

import (
	"math"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/denoise/unet"
)

// Reference configuration: [1 2 64 64] input with timestep 5 must come out
// [1 1 64 64] and finite.
func TestDefaultDenoiser(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net := unet.DefaultDenoiser(vs.Root())

	x := ts.MustRand([]int64{1, 2, 64, 64}, gotch.Float, gotch.CPU)
	steps := ts.MustOfSlice([]float64{5})

	var out *ts.Tensor
	ts.NoGrad(func() {
		out = net.Forward(x, steps, false)
	})

	got := out.MustSize()
	want := []int64{1, 1, 64, 64}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("output shape: want %v, got %v", want, got)
		}
	}

	for _, v := range out.Float64Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("forward produced non-finite value %v", v)
		}
	}

	out.MustDrop()
	steps.MustDrop()
	x.MustDrop()
}

// Forward must return [B outC H W] for every valid configuration; skip
// symmetry is enforced inside Forward, so completing without a fatal also
// certifies that the stack was fully consumed.
func TestForwardShapes(t *testing.T) {
	tests := []struct {
		name    string
		chMults []int64
		nBlocks int64
		size    int64
		isNoise bool
	}{
		{"two levels one block", []int64{1, 2}, 1, 16, true},
		{"three levels", []int64{1, 1, 2}, 2, 32, true},
		{"unconditioned", []int64{1, 2}, 1, 16, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vs := nn.NewVarStore(gotch.CPU)
			net := unet.NewDenoiserUNet(vs.Root(), 2, 1, 32, tc.chMults, tc.nBlocks, tc.isNoise)

			x := ts.MustRand([]int64{2, 2, tc.size, tc.size}, gotch.Float, gotch.CPU)
			var steps *ts.Tensor
			if tc.isNoise {
				steps = ts.MustOfSlice([]float64{0, 17})
			}

			var out *ts.Tensor
			ts.NoGrad(func() {
				out = net.Forward(x, steps, false)
			})

			got := out.MustSize()
			want := []int64{2, 1, tc.size, tc.size}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("output shape: want %v, got %v", want, got)
					break
				}
			}

			out.MustDrop()
			if steps != nil {
				steps.MustDrop()
			}
			x.MustDrop()
		})
	}
}

func TestDownUpsampleRoundTrip(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	down := unet.NewDownsample(vs.Root().Sub("down"), 32)
	up := unet.NewUpsample(vs.Root().Sub("up"), 32)

	x := ts.MustRand([]int64{2, 32, 64, 64}, gotch.Float, gotch.CPU)
	half := down.Forward(x, nil, false)

	gotHalf := half.MustSize()
	wantHalf := []int64{2, 32, 32, 32}
	for i := range wantHalf {
		if gotHalf[i] != wantHalf[i] {
			t.Fatalf("downsampled shape: want %v, got %v", wantHalf, gotHalf)
		}
	}

	full := up.Forward(half, nil, false)
	gotFull := full.MustSize()
	wantFull := []int64{2, 32, 64, 64}
	for i := range wantFull {
		if gotFull[i] != wantFull[i] {
			t.Fatalf("roundtrip shape: want %v, got %v", wantFull, gotFull)
		}
	}

	full.MustDrop()
	half.MustDrop()
	x.MustDrop()
}

// Odd sizes round up: stride-2 kernel-3 padding-1 maps n to ceil(n/2).
func TestDownsampleOddSize(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	down := unet.NewDownsample(vs.Root(), 32)

	x := ts.MustRand([]int64{1, 32, 9, 15}, gotch.Float, gotch.CPU)
	out := down.Forward(x, nil, false)

	got := out.MustSize()
	want := []int64{1, 32, 5, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("odd-size downsample: want %v, got %v", want, got)
			break
		}
	}

	out.MustDrop()
	x.MustDrop()
}
