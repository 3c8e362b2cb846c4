package ml

import "math"

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func SigmoidDerivative(x float64) float64 {
	s := Sigmoid(x)
	return s * (1.0 - s)
}

// applySigmoid writes σ(src[i]) into dst[i].
func applySigmoid(dst, src []float64) {
	for i, v := range src {
		dst[i] = Sigmoid(v)
	}
}

// mulSigmoidDerivative scales d[i] by σ'(z[i]) in place.
func mulSigmoidDerivative(d, z []float64) {
	for i, v := range z {
		d[i] *= SigmoidDerivative(v)
	}
}
