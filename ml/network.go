package ml

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

type NeuralNetwork struct {
	Layers []*Layer
}

// Neural Network Builder. The first config must be Input(); every later
// layer is sigmoid-activated. Weights leaving the input layer are scaled by
// 1/MaxPixel because raw pixels arrive on a 0-255 scale.
func NewNetwork(rng *rand.Rand, configs ...LayerConfig) (*NeuralNetwork, error) {
	if len(configs) < 2 {
		return nil, errors.New("network must have at least Input and one Output layer")
	}
	if !configs[0].IsInput {
		return nil, errors.New("first layer must be Input()")
	}
	for i, cfg := range configs {
		if cfg.Neurons <= 0 {
			return nil, errors.Errorf("layer %d: size must be positive, got %d", i, cfg.Neurons)
		}
		if i > 0 && cfg.IsInput {
			return nil, errors.Errorf("layer %d: Input() is only valid as the first layer", i)
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	nw := &NeuralNetwork{Layers: make([]*Layer, len(configs))}
	for i, cfg := range configs {
		next := 0
		if i+1 < len(configs) {
			next = configs[i+1].Neurons
		}
		scale := 1.0
		if i == 0 {
			scale = 1.0 / MaxPixel
		}
		nw.Layers[i] = newLayer(cfg.Neurons, next, rng, scale)
	}
	return nw, nil
}

// -------- NEURAL NETWORK METHODS -------- //

// Validate checks that the chain is linear and every matrix fits its
// neighbours.
func (nw *NeuralNetwork) Validate() error {
	if len(nw.Layers) < 2 {
		return errors.New("network must have at least two layers")
	}
	for i, l := range nw.Layers {
		var next *Layer
		if i+1 < len(nw.Layers) {
			next = nw.Layers[i+1]
		}
		if err := l.validate(next); err != nil {
			return errors.Wrapf(err, "layer %d", i)
		}
	}
	return nil
}

func (nw *NeuralNetwork) InputSize() int  { return nw.Layers[0].Size }
func (nw *NeuralNetwork) OutputSize() int { return nw.Layers[len(nw.Layers)-1].Size }

// NewContext allocates an empty TrainContext shaped for this network.
func (nw *NeuralNetwork) NewContext() *TrainContext {
	return NewTrainContext(len(nw.Layers))
}

// Forward maps raw pixel bytes to 0-255 floats and runs them through the
// chain. The returned slice is the output layer's activation, also stored
// in ctx.
func (nw *NeuralNetwork) Forward(ctx *TrainContext, pixels []byte) ([]float64, error) {
	if len(pixels) != nw.InputSize() {
		return nil, errors.Errorf("input has %d values, input layer expects %d", len(pixels), nw.InputSize())
	}
	input := make([]float64, len(pixels))
	for i, p := range pixels {
		input[i] = float64(p)
	}
	return nw.ForwardValues(ctx, input), nil
}

// ForwardValues runs an already numeric input through the chain. The input
// slice becomes activation 0 and must not be modified afterwards.
func (nw *NeuralNetwork) ForwardValues(ctx *TrainContext, input []float64) []float64 {
	ctx.Activations[0] = input
	a := input
	for l := 1; l < len(nw.Layers); l++ {
		z, out := nw.Layers[l-1].propagate(a)
		ctx.WeightedInputs[l] = z
		ctx.Activations[l] = out
		a = out
	}
	return a
}

// BackPropagationDelta seeds the output layer's delta and walks the chain
// backwards, storing every hidden layer's delta in ctx. The input layer
// gets none.
func (nw *NeuralNetwork) BackPropagationDelta(ctx *TrainContext, outputDeltas []float64) {
	last := len(nw.Layers) - 1
	ctx.Deltas[last] = outputDeltas
	for l := last - 1; l >= 1; l-- {
		ctx.Deltas[l] = nw.Layers[l].backDelta(ctx.Deltas[l+1], ctx.WeightedInputs[l])
	}
}

// BackPropagationUpdate averages the per-sample gradients of every context
// and applies one SGD step. The reduction is order independent.
func (nw *NeuralNetwork) BackPropagationUpdate(contexts []*TrainContext, learningRate float64) {
	if len(contexts) == 0 {
		return
	}
	grads := nw.Gradients(contexts)
	SGD{LearningRate: learningRate}.Update(nw, grads)
}

// Gradients returns the batch-averaged weight and bias gradients, indexed
// like Layers. The output layer's entry is empty.
func (nw *NeuralNetwork) Gradients(contexts []*TrainContext) []GradientSet {
	grads := make([]GradientSet, len(nw.Layers))
	scale := 1.0 / float64(len(contexts))
	for l, layer := range nw.Layers {
		if layer.IsOutput() {
			continue
		}
		grads[l] = layer.newGradientSet()
		for _, c := range contexts {
			grads[l].accumulate(scale, c.Deltas[l+1], c.Activations[l])
		}
	}
	return grads
}

// Predict runs forward with a fresh context and returns the argmax class
// with its score. ok is false when the output holds a NaN.
func (nw *NeuralNetwork) Predict(pixels []byte) (class int, score float64, ok bool, err error) {
	output, err := nw.Forward(nw.NewContext(), pixels)
	if err != nil {
		return 0, 0, false, err
	}
	class, ok = Argmax(output)
	if !ok {
		return class, math.NaN(), false, nil
	}
	return class, output[class], true, nil
}

// Argmax returns the index of the largest element. ok is false if the
// slice is empty or any element is NaN.
func Argmax(output []float64) (int, bool) {
	if len(output) == 0 {
		return -1, false
	}
	best := 0
	for i, v := range output {
		if math.IsNaN(v) {
			return -1, false
		}
		if v > output[best] {
			best = i
		}
	}
	return best, true
}

// Correct reports whether output classifies label. Outputs containing NaN
// never count as correct.
func Correct(output []float64, label int) bool {
	class, ok := Argmax(output)
	return ok && class == label
}
