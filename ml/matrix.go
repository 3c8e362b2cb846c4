package ml

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Matrix represents a dense matrix with a flat data slice for performance.
// The gonum view shares the same backing slice.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// -------- CONSTRUCTORS ------- //
func NewMatrix(rows, cols int) *Matrix {
	data := make([]float64, rows*cols)
	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

func NewMatrixFromSlice(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic("Slice length mismatch")
	}

	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// ------- MATRIX METHODS ------ //
func (m *Matrix) Rows() int { return m.rows }
func (m *Matrix) Cols() int { return m.cols }

// Data exposes the row-major backing slice.
func (m *Matrix) Data() []float64 { return m.data }

func (m *Matrix) At(r, c int) float64 { return m.data[r*m.cols+c] }

func (m *Matrix) Clone() *Matrix {
	data := make([]float64, len(m.data))
	copy(data, m.data)
	return NewMatrixFromSlice(m.rows, m.cols, data)
}

func (m *Matrix) GobEncode() ([]byte, error) {
	w := new(bytes.Buffer)
	encoder := gob.NewEncoder(w)
	if err := encoder.Encode(m.rows); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.cols); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.data); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (m *Matrix) GobDecode(buf []byte) error {
	r := bytes.NewBuffer(buf)
	decoder := gob.NewDecoder(r)
	if err := decoder.Decode(&m.rows); err != nil {
		return err
	}
	if err := decoder.Decode(&m.cols); err != nil {
		return err
	}
	if err := decoder.Decode(&m.data); err != nil {
		return err
	}
	if m.rows <= 0 || m.cols <= 0 || len(m.data) != m.rows*m.cols {
		return errors.Errorf("corrupt matrix: %dx%d with %d values", m.rows, m.cols, len(m.data))
	}

	// Re-create the wrapper after loading data
	m.dense = mat.NewDense(m.rows, m.cols, m.data)

	return nil
}

// RandomizeXavier fills the matrix uniformly in [-limit, limit] with
// limit = scale * sqrt(6 / (fan_in + fan_out)).
func (m *Matrix) RandomizeXavier(rng *rand.Rand, scale float64) {
	limit := scale * math.Sqrt(6.0/float64(m.rows+m.cols))
	for i := range m.data {
		m.data[i] = (rng.Float64()*2 - 1) * limit
	}
}

// MulVec computes out = m * x.
func (m *Matrix) MulVec(x, out []float64) {
	dst := mat.NewVecDense(m.rows, out)
	dst.MulVec(m.dense, mat.NewVecDense(m.cols, x))
}

// MulVecTrans computes out = m^T * x.
func (m *Matrix) MulVecTrans(x, out []float64) {
	dst := mat.NewVecDense(m.cols, out)
	dst.MulVec(m.dense.T(), mat.NewVecDense(m.rows, x))
}

// AddOuter accumulates alpha * x * y^T into m.
func (m *Matrix) AddOuter(alpha float64, x, y []float64) {
	m.dense.RankOne(m.dense, alpha, mat.NewVecDense(len(x), x), mat.NewVecDense(len(y), y))
}
