package ml

import (
	"gonum.org/v1/gonum/floats"
)

// SGD is plain stochastic gradient descent with a scalar learning rate.
type SGD struct {
	LearningRate float64
}

// Update applies W = W - lr*dW and b = b - lr*db to every weighted layer.
// grads is indexed like nw.Layers; the output layer's entry is ignored.
func (opt SGD) Update(nw *NeuralNetwork, grads []GradientSet) {
	for i, layer := range nw.Layers {
		if layer.IsOutput() {
			continue
		}
		floats.AddScaled(layer.Weights.data, -opt.LearningRate, grads[i].dW.data)
		floats.AddScaled(layer.Biases.data, -opt.LearningRate, grads[i].db.data)
	}
}
