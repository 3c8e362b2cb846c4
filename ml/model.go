package ml

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

type layerData struct {
	Size    int
	Weights *Matrix
	Biases  *Matrix
}

type networkData struct {
	LayerDatas []layerData
}

// SaveToFile saves the neural network weights and biases to a file.
func (nw *NeuralNetwork) SaveToFile(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create model file")
	}
	defer file.Close()

	ld := make([]layerData, len(nw.Layers))
	for i, l := range nw.Layers {
		ld[i] = layerData{Size: l.Size, Weights: l.Weights, Biases: l.Biases}
	}
	if err := gob.NewEncoder(file).Encode(networkData{LayerDatas: ld}); err != nil {
		return errors.Wrap(err, "encode model")
	}
	return file.Close()
}

// LoadFromFile overwrites the weights of nw with a model saved by
// SaveToFile. The stored architecture must match nw exactly; nw is left
// untouched on mismatch.
func (nw *NeuralNetwork) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "open model file")
	}
	defer file.Close()

	var loaded networkData
	if err := gob.NewDecoder(file).Decode(&loaded); err != nil {
		return errors.Wrap(err, "decode model")
	}

	// --- VALIDATION STEP ---
	if len(nw.Layers) != len(loaded.LayerDatas) {
		return errors.Errorf("architecture mismatch: current network has %d layers, model file has %d",
			len(nw.Layers), len(loaded.LayerDatas))
	}

	checkDims := func(name string, layerIdx int, current, loaded *Matrix) error {
		if current == nil && loaded == nil {
			return nil
		}
		if current == nil || loaded == nil {
			return errors.Errorf("layer %d %s mismatch: one is nil", layerIdx, name)
		}
		if current.rows != loaded.rows || current.cols != loaded.cols {
			return errors.Errorf("layer %d %s shape mismatch: expected [%d, %d], got [%d, %d]",
				layerIdx, name,
				current.rows, current.cols,
				loaded.rows, loaded.cols,
			)
		}
		return nil
	}

	for i, curr := range nw.Layers {
		l := loaded.LayerDatas[i]
		if curr.Size != l.Size {
			return errors.Errorf("layer %d size mismatch: expected %d, got %d", i, curr.Size, l.Size)
		}
		if err := checkDims("Weights", i, curr.Weights, l.Weights); err != nil {
			return err
		}
		if err := checkDims("Biases", i, curr.Biases, l.Biases); err != nil {
			return err
		}
	}

	// --- APPLICATION STEP ---
	for i, curr := range nw.Layers {
		if curr.IsOutput() {
			continue
		}
		copy(curr.Weights.data, loaded.LayerDatas[i].Weights.data)
		copy(curr.Biases.data, loaded.LayerDatas[i].Biases.data)
	}
	return nil
}
