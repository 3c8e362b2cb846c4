package ml

// TrainContext is the per-sample scratch space of one forward/backward pass.
// It is owned by exactly one task and must not be shared between samples.
// Slices are indexed by layer position; index 0 (the input layer) never
// has a weighted input or a delta.
type TrainContext struct {
	Activations    [][]float64
	WeightedInputs [][]float64
	Deltas         [][]float64
}

func NewTrainContext(layers int) *TrainContext {
	return &TrainContext{
		Activations:    make([][]float64, layers),
		WeightedInputs: make([][]float64, layers),
		Deltas:         make([][]float64, layers),
	}
}

// Output returns the activation of the last layer visited by forward.
func (c *TrainContext) Output() []float64 {
	return c.Activations[len(c.Activations)-1]
}
