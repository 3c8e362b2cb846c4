package data

import (
	"image"
	_ "image/jpeg" // Essential: Registers JPEG format
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// ConvertGray resizes an image file of any size to targetW x targetH and
// returns it as one grayscale byte per pixel, row-major.
func ConvertGray(path string, targetW, targetH int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return Gray(src, targetW, targetH), nil
}

// Gray scales src to targetW x targetH and converts it to grayscale bytes.
func Gray(src image.Image, targetW, targetH int) []byte {
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Over, nil)

	out := make([]byte, 0, targetW*targetH)
	bounds := dst.Bounds()

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := dst.At(x, y).RGBA()
			// Standard Grayscale formula
			gray := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			out = append(out, uint8(gray+0.5))
		}
	}
	return out
}
