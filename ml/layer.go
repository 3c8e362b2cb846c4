package ml

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MaxPixel is the largest raw input value fed to the input layer.
const MaxPixel = 255.0

// -------- TYPE DEFINITIONS -------- //

// LayerConfig holds the blueprint for a layer
type LayerConfig struct {
	Neurons int
	IsInput bool
}

// Layer is one stage of the chain. Weights and Biases connect it to the
// following layer: Weights is [nextSize x Size], Biases is [nextSize x 1].
// The output layer has neither.
type Layer struct {
	Size    int
	Weights *Matrix
	Biases  *Matrix
}

// GradientSet holds the accumulated gradients for one layer's outgoing
// weights and biases.
type GradientSet struct {
	dW *Matrix
	db *Matrix
}

// ------- LAYER CONFIG HELPERS ------- //
// Input defines the entry point dimensions
func Input(size int) LayerConfig {
	return LayerConfig{
		Neurons: size,
		IsInput: true,
	}
}

// Dense defines a fully connected sigmoid layer.
func Dense(size int) LayerConfig {
	return LayerConfig{
		Neurons: size,
	}
}

func newLayer(size, nextSize int, rng *rand.Rand, scale float64) *Layer {
	l := &Layer{Size: size}
	if nextSize == 0 {
		return l
	}
	l.Weights = NewMatrix(nextSize, size)
	l.Weights.RandomizeXavier(rng, scale)
	l.Biases = NewMatrix(nextSize, 1)
	return l
}

// IsOutput reports whether the layer terminates the chain.
func (l *Layer) IsOutput() bool {
	return l.Weights == nil
}

// NextSize is the node count of the layer this one feeds.
func (l *Layer) NextSize() int {
	if l.Weights == nil {
		return 0
	}
	return l.Weights.rows
}

func (l *Layer) validate(next *Layer) error {
	if l.Size <= 0 {
		return errors.Errorf("layer size must be positive, got %d", l.Size)
	}
	if next == nil {
		if l.Weights != nil || l.Biases != nil {
			return errors.New("output layer must not own weights")
		}
		return nil
	}
	if l.Weights == nil || l.Biases == nil {
		return errors.New("hidden layer is missing weights")
	}
	if l.Weights.rows != next.Size || l.Weights.cols != l.Size {
		return errors.Errorf("weights shape [%d, %d], want [%d, %d]",
			l.Weights.rows, l.Weights.cols, next.Size, l.Size)
	}
	if l.Biases.rows != next.Size || l.Biases.cols != 1 {
		return errors.Errorf("biases shape [%d, %d], want [%d, 1]",
			l.Biases.rows, l.Biases.cols, next.Size)
	}
	return nil
}

// propagate computes the next layer's weighted input z = W*a + b and its
// activation σ(z). Both results are freshly allocated.
func (l *Layer) propagate(a []float64) (z, out []float64) {
	n := l.NextSize()
	z = make([]float64, n)
	l.Weights.MulVec(a, z)
	floats.Add(z, l.Biases.data)

	out = make([]float64, n)
	applySigmoid(out, z)
	return z, out
}

// backDelta maps the next layer's delta back onto this layer:
// (W^T * nextDelta) ⊙ σ'(z).
func (l *Layer) backDelta(nextDelta, z []float64) []float64 {
	d := make([]float64, l.Size)
	l.Weights.MulVecTrans(nextDelta, d)
	mulSigmoidDerivative(d, z)
	return d
}

func (l *Layer) newGradientSet() GradientSet {
	return GradientSet{
		dW: NewMatrix(l.Weights.rows, l.Weights.cols),
		db: NewMatrix(l.Biases.rows, 1),
	}
}

// accumulate adds scale * (nextDelta ⊗ a) to the weight gradient and
// scale * nextDelta to the bias gradient.
func (g GradientSet) accumulate(scale float64, nextDelta, a []float64) {
	g.dW.AddOuter(scale, nextDelta, a)
	floats.AddScaled(g.db.data, scale, nextDelta)
}

// OutputDelta returns (output - onehot(label)) ⊙ σ'(z) for the output layer.
func OutputDelta(output, weightedInput []float64, label int) []float64 {
	d := make([]float64, len(output))
	for i, o := range output {
		expect := 0.0
		if i == label {
			expect = 1.0
		}
		d[i] = (o - expect) * SigmoidDerivative(weightedInput[i])
	}
	return d
}
