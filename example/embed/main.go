// Command embed inspects the time embedding: it evaluates the embedding over
// a range of timesteps, prints per-dimension statistics and plots a
// histogram of the embedding values.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sugarme/denoise/unet"
)

var (
	nChannels = flag.Int64("channels", 128, "embedding channels (4x the model base width)")
	nSteps    = flag.Int64("steps", 1000, "number of timesteps to evaluate")
	histFile  = flag.String("out", "time-embed-histo.png", "histogram output file")
)

func main() {
	flag.Parse()

	vs := nn.NewVarStore(gotch.CPU)
	emb := unet.NewTimeEmbedding(vs.Root(), *nChannels)

	steps := ts.MustArange(ts.IntScalar(*nSteps), gotch.Float, gotch.CPU)
	var out *ts.Tensor
	ts.NoGrad(func() {
		out = emb.Forward(steps)
	})
	vals := out.Float64Values()

	// Per-dimension statistics across all timesteps.
	records := [][]string{{"dim", "mean", "std", "min", "max"}}
	for _, dim := range []int64{0, *nChannels / 4, *nChannels / 2, *nChannels - 1} {
		mean, std, mn, mx := colStats(vals, *nSteps, *nChannels, dim)
		records = append(records, []string{
			strconv.FormatInt(dim, 10),
			fmt.Sprintf("%.4f", mean),
			fmt.Sprintf("%.4f", std),
			fmt.Sprintf("%.4f", mn),
			fmt.Sprintf("%.4f", mx),
		})
	}
	df := dataframe.LoadRecords(records)
	fmt.Println(df)

	p, err := plot.New()
	if err != nil {
		log.Fatal(err)
	}

	v := make(plotter.Values, len(vals))
	copy(v, vals)
	h, err := plotter.NewHist(v, 16)
	if err != nil {
		log.Fatal(err)
	}
	p.Title.Text = "Time Embedding Histogram"
	p.Add(h)

	err = p.Save(4*vg.Inch, 4*vg.Inch, *histFile)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("saved histogram to %v\n", *histFile)

	out.MustDrop()
	steps.MustDrop()
}

// colStats computes mean, std, min and max of one embedding dimension over
// vals laid out row-major as [steps x channels].
func colStats(vals []float64, steps, channels, dim int64) (mean, std, mn, mx float64) {
	mn = math.Inf(1)
	mx = math.Inf(-1)
	for i := int64(0); i < steps; i++ {
		v := vals[i*channels+dim]
		mean += v
		mn = math.Min(mn, v)
		mx = math.Max(mx, v)
	}
	mean /= float64(steps)

	for i := int64(0); i < steps; i++ {
		d := vals[i*channels+dim] - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(steps))

	return mean, std, mn, mx
}
