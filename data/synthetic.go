package data

import "math/rand/v2"

// Blobs builds a linearly separable dataset: a sample of class k has
// pixel k lit in [200, 255], the other class pixels dark, and any pixels
// past the class range filled with low noise in [0, 16).
// width must be at least classes.
func Blobs(rng *rand.Rand, n, classes, width int) ([][]byte, []int) {
	if width < classes {
		panic("Blobs: width must be >= classes")
	}
	images := make([][]byte, n)
	labels := make([]int, n)
	for i := range images {
		label := rng.IntN(classes)
		img := make([]byte, width)
		for p := range img {
			if p == label {
				img[p] = byte(200 + rng.IntN(56))
			} else if p >= classes {
				img[p] = byte(rng.IntN(16))
			}
		}
		images[i] = img
		labels[i] = label
	}
	return images, labels
}
