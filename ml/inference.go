package ml

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Ranked is one class of an output vector with its score.
type Ranked struct {
	Class int
	Score float64
}

// TopK returns the k highest scoring classes, best first. Ties keep the
// lower class index first. k <= 0 or k > len(output) returns every class.
func TopK(output []float64, k int) []Ranked {
	if k <= 0 || k > len(output) {
		k = len(output)
	}
	ranked := make([]Ranked, len(output))
	for i, p := range output {
		ranked[i] = Ranked{Class: i, Score: p}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked[:k]
}

// InferenceImg loads one image through convert, classifies it and writes
// the prediction plus the top three candidates to w.
func InferenceImg(w io.Writer, nw *NeuralNetwork, imagePath string, width, height int,
	convert func(string, int, int) ([]byte, error)) error {
	fmt.Fprintf(w, "Running Inference on: %s\n", imagePath)

	// 1. Load & Convert
	pixels, err := convert(imagePath, width, height)
	if err != nil {
		return errors.Wrap(err, "load image")
	}

	// 2. Predict
	output, err := nw.Forward(nw.NewContext(), pixels)
	if err != nil {
		return err
	}
	prediction, ok := Argmax(output)
	if !ok {
		fmt.Fprintln(w, "Output contains NaN, no prediction")
		return nil
	}

	fmt.Fprintf(w, "Predicted Class: %d\n", prediction)
	fmt.Fprintf(w, "Confidence: %.2f%%\n", output[prediction]*100)
	for _, r := range TopK(output, 3) {
		fmt.Fprintf(w, "  class %d: %.4f\n", r.Class, r.Score)
	}
	return nil
}
