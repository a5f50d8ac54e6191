package main

import (
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"github.com/sugarme/gotch/vision"
	"golang.org/x/image/draw"

	"github.com/sugarme/denoise/unet"
)

var (
	imageFile = flag.String("image", "input.png", "input image file (png, jpg or tiff)")
	imageSize = flag.Int64("size", 256, "spatial size the image is resized to; must be divisible by 8")
	timestep  = flag.Float64("t", 500, "diffusion timestep for the conditioning embedding")
	outFile   = flag.String("out", "denoised.png", "output image file")
)

// readImage reads image from file.
func readImage(filename string) (image.Image, error) {
	ext := filepath.Ext(filename)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch ext {
	case ".png", ".PNG":
		return png.Decode(f)
	case ".jpg", ".jpeg", ".JPG", ".JPEG":
		return jpeg.Decode(f)
	case ".tiff", ".tif", ".TIFF", ".TIF":
		return tiff.Decode(f)
	default:
		return imaging.Decode(f)
	}
}

// grayTensor converts img to a [1 1 H W] float tensor in [0 1].
func grayTensor(img image.Image) *ts.Tensor {
	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, image.Point{}, draw.Src)

	h := int64(gray.Bounds().Dy())
	w := int64(gray.Bounds().Dx())
	vals := make([]float64, h*w)
	for i, p := range gray.Pix {
		vals[i] = float64(p) / 255.0
	}

	x := ts.MustOfSlice(vals)
	x = x.MustView([]int64{1, 1, h, w}, true)

	return x.MustTotype(gotch.Float, true)
}

func main() {
	flag.Parse()

	if *imageSize%8 != 0 {
		log.Fatalf("size %v not divisible by 8\n", *imageSize)
	}

	img, err := readImage(*imageFile)
	if err != nil {
		log.Fatal(err)
	}
	img = resize.Resize(uint(*imageSize), uint(*imageSize), img, resize.Lanczos3)

	gray := grayTensor(img)
	noise := ts.MustRandn([]int64{1, 1, *imageSize, *imageSize}, gotch.Float, gotch.CPU)
	input := ts.MustCat([]*ts.Tensor{gray, noise}, 1)
	steps := ts.MustOfSlice([]float64{*timestep}).MustTotype(gotch.Float, true)

	vs := nn.NewVarStore(gotch.CPU)
	net := unet.DefaultDenoiser(vs.Root())
	// NOTE: the weights here are freshly initialized; load a trained
	// checkpoint with vs.Load to denoise for real.

	var out *ts.Tensor
	ts.NoGrad(func() {
		out = net.Forward(input, steps, false)
	})
	fmt.Printf("input: %v -> output: %v\n", input.MustSize(), out.MustSize())

	// Min-max scale to [0 255] for saving.
	mn := out.MustMin(false).Float64Values()[0]
	mx := out.MustMax(false).Float64Values()[0]
	scaled := out.MustAddScalar(ts.FloatScalar(-mn), true)
	scaled = scaled.MustMulScalar(ts.FloatScalar(255.0/(mx-mn+1e-8)), true)
	saved := scaled.MustSqueezeDim(0, true)

	err = vision.Save(saved, *outFile)
	if err != nil {
		log.Fatal(err)
	}

	saved.MustDrop()
	steps.MustDrop()
	input.MustDrop()
	noise.MustDrop()
	gray.MustDrop()
	fmt.Printf("saved to %v\n", *outFile)
}
