package ml

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/b0tShaman/neuro-bp/data"
	"gonum.org/v1/gonum/floats"
)

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed*31+7))
}

func TestTrainRejectsBadConfiguration(t *testing.T) {
	nw := newTestNetwork(t, 1, Input(2), Dense(2))
	good := [][]byte{{1, 2}, {3, 4}}

	tests := []struct {
		name      string
		images    [][]byte
		labels    []int
		batchSize int
		repeat    int
		want      error
	}{
		{"label mismatch", good, []int{0}, 1, 1, ErrLabelMismatch},
		{"empty", nil, nil, 1, 1, ErrEmptyDataset},
		{"zero batch", good, []int{0, 1}, 0, 1, ErrBatchSize},
		{"negative batch", good, []int{0, 1}, -3, 1, ErrBatchSize},
		{"zero repeat", good, []int{0, 1}, 1, 0, ErrRepeat},
		{"label range", good, []int{0, 2}, 1, 1, ErrLabelRange},
		{"short image", [][]byte{{1}, {3, 4}}, []int{0, 1}, 1, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &countingExecutor{}
			tr := NewTrainer(nw, exec, TrainingConfig{Rand: testRand(1)})
			_, err := tr.Train(context.Background(), tt.images, tt.labels, tt.batchSize, tt.repeat)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if exec.submitted.Load() != 0 {
				t.Fatalf("%d tasks dispatched before validation failed", exec.submitted.Load())
			}
		})
	}
}

func TestBatchBoundsCoverEverySample(t *testing.T) {
	tests := []struct{ n, size, batches int }{
		{23, 5, 5},
		{20, 5, 4},
		{3, 10, 1},
		{1, 1, 1},
	}
	for _, tt := range tests {
		bounds := batchBounds(tt.n, tt.size)
		if len(bounds) != tt.batches {
			t.Fatalf("n=%d size=%d: %d batches, want %d", tt.n, tt.size, len(bounds), tt.batches)
		}
		next := 0
		for _, b := range bounds {
			if b[0] != next || b[1] <= b[0] || b[1]-b[0] > tt.size {
				t.Fatalf("n=%d size=%d: bad chunk %v", tt.n, tt.size, b)
			}
			next = b[1]
		}
		if next != tt.n {
			t.Fatalf("n=%d size=%d: chunks end at %d", tt.n, tt.size, next)
		}
	}
}

func TestTrainShortFinalBatch(t *testing.T) {
	rng := testRand(3)
	images, labels := data.Blobs(rng, 23, 3, 4)
	nw := newTestNetwork(t, 3, Input(4), Dense(3))

	exec := &countingExecutor{}
	tr := NewTrainer(nw, exec, TrainingConfig{Rand: rng})
	report, err := tr.Train(context.Background(), images, labels, 5, 2)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if report.Updates != 10 {
		t.Fatalf("updates = %d, want 10", report.Updates)
	}
	// Per epoch: one verification over all 23 samples plus one task per sample.
	if got := exec.submitted.Load(); got != 2*(23+23) {
		t.Fatalf("dispatched %d tasks, want %d", got, 2*(23+23))
	}
	if len(report.EpochCorrect) != 2 {
		t.Fatalf("epoch reports = %d", len(report.EpochCorrect))
	}
}

func TestTrainSeparableDataset(t *testing.T) {
	rng := testRand(42)
	images, labels := data.Blobs(rng, 100, 3, 4)
	heldImages, heldLabels := data.Blobs(rng, 20, 3, 4)

	nw := newTestNetwork(t, 42, Input(4), Dense(3))
	pool := NewPool(4)
	defer pool.Close()

	tr := NewTrainer(nw, pool, TrainingConfig{Rand: rng})
	if _, err := tr.Train(context.Background(), images, labels, 10, 5); err != nil {
		t.Fatalf("Train: %v", err)
	}

	held, err := Samples(heldImages, heldLabels)
	if err != nil {
		t.Fatal(err)
	}
	rate, err := tr.Verify(context.Background(), held)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rate < 0.9 {
		t.Fatalf("held-out accuracy %.2f, want >= 0.9", rate)
	}
}

// One full-batch epoch performs exactly one update equal to the averaged
// gradient over both samples.
func TestTrainFullBatchMatchesManualGradient(t *testing.T) {
	w0 := []float64{0.01, -0.005, -0.01, 0.005}
	b0 := []float64{0.1, -0.2}
	nw := &NeuralNetwork{Layers: []*Layer{
		{
			Size:    2,
			Weights: NewMatrixFromSlice(2, 2, append([]float64(nil), w0...)),
			Biases:  NewMatrixFromSlice(2, 1, append([]float64(nil), b0...)),
		},
		{Size: 2},
	}}
	images := [][]byte{{10, 200}, {150, 30}}
	labels := []int{0, 1}

	// Manual forward, verification and gradient.
	gradW := make([]float64, 4)
	gradB := make([]float64, 2)
	hits := 0
	for s, img := range images {
		x := []float64{float64(img[0]), float64(img[1])}
		var z, o [2]float64
		for j := 0; j < 2; j++ {
			z[j] = w0[j*2]*x[0] + w0[j*2+1]*x[1] + b0[j]
			o[j] = 1 / (1 + math.Exp(-z[j]))
		}
		pred := 0
		if o[1] > o[0] {
			pred = 1
		}
		if pred == labels[s] {
			hits++
		}
		for j := 0; j < 2; j++ {
			target := 0.0
			if j == labels[s] {
				target = 1
			}
			d := (o[j] - target) * o[j] * (1 - o[j])
			gradB[j] += d / 2
			gradW[j*2] += d * x[0] / 2
			gradW[j*2+1] += d * x[1] / 2
		}
	}
	lr := DampedRate(float64(hits) / 2)
	if lr == 0 {
		t.Fatal("fixture must not be perfectly classified")
	}

	tr := NewTrainer(nw, InlineExecutor{}, TrainingConfig{Rand: testRand(5)})
	report, err := tr.Train(context.Background(), images, labels, 2, 1)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if report.Updates != 1 {
		t.Fatalf("updates = %d, want 1", report.Updates)
	}

	for i, w := range nw.Layers[0].Weights.Data() {
		if want := w0[i] - lr*gradW[i]; math.Abs(w-want) > 1e-9 {
			t.Fatalf("weight %d = %v, want %v", i, w, want)
		}
	}
	for i, b := range nw.Layers[0].Biases.Data() {
		if want := b0[i] - lr*gradB[i]; math.Abs(b-want) > 1e-9 {
			t.Fatalf("bias %d = %v, want %v", i, b, want)
		}
	}
}

func TestTrainVerifyRateDrivesLearningRate(t *testing.T) {
	rng := testRand(9)
	images, labels := data.Blobs(rng, 30, 2, 3)
	nw := newTestNetwork(t, 9, Input(3), Dense(2))

	var seen []float64
	tr := NewTrainer(nw, InlineExecutor{}, TrainingConfig{
		Rand:        rng,
		VerifyEvery: 10,
		VerifySize:  5,
		RatePolicy: func(r float64) float64 {
			seen = append(seen, r)
			return 0
		},
	})
	report, err := tr.Train(context.Background(), images, labels, 5, 1)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(seen) != report.Updates || report.Updates != 6 {
		t.Fatalf("policy consulted %d times for %d updates", len(seen), report.Updates)
	}
	// Rate is refreshed at batch offsets 0, 10 and 20 and held in between.
	for i := 0; i < len(seen); i += 2 {
		if seen[i] != seen[i+1] {
			t.Fatalf("rate changed mid-window: %v", seen)
		}
		if seen[i] < 0 || seen[i] > 1 || math.Abs(seen[i]*5-math.Round(seen[i]*5)) > 1e-9 {
			t.Fatalf("rate %v is not a fraction of 5 samples", seen[i])
		}
	}
}

func TestTrainConstantRateZeroKeepsWeights(t *testing.T) {
	rng := testRand(4)
	images, labels := data.Blobs(rng, 12, 2, 2)
	nw := newTestNetwork(t, 4, Input(2), Dense(3), Dense(2))
	before := nw.Layers[0].Weights.Clone()

	tr := NewTrainer(nw, InlineExecutor{}, TrainingConfig{Rand: rng, RatePolicy: ConstantRate(0)})
	if _, err := tr.Train(context.Background(), images, labels, 4, 2); err != nil {
		t.Fatal(err)
	}
	if !floats.Equal(before.Data(), nw.Layers[0].Weights.Data()) {
		t.Fatal("zero learning rate changed weights")
	}
}

func TestTrainStopsOnCancel(t *testing.T) {
	rng := testRand(6)
	images, labels := data.Blobs(rng, 10, 2, 2)
	nw := newTestNetwork(t, 6, Input(2), Dense(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := NewTrainer(nw, InlineExecutor{}, TrainingConfig{Rand: rng})
	report, err := tr.Train(ctx, images, labels, 5, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if report.Updates != 0 {
		t.Fatalf("updates = %d after cancel", report.Updates)
	}
}

func TestRunBatchFaultLeavesWeightsUntouched(t *testing.T) {
	nw := newTestNetwork(t, 2, Input(2), Dense(2))
	before := nw.Layers[0].Weights.Clone()

	pool := NewPool(2)
	defer pool.Close()

	tr := NewTrainer(nw, pool, TrainingConfig{})
	batch := []Sample{{Pixels: []byte{1, 2}}, {Pixels: []byte{1}}, {Pixels: []byte{3, 4}, Label: 1}}
	contexts, _, err := tr.runBatch(batch)

	var taskErr *TaskError
	if !errors.As(err, &taskErr) || taskErr.Index != 1 {
		t.Fatalf("expected fault at task 1, got %v", err)
	}
	if contexts != nil {
		t.Fatal("faulted batch must not return contexts")
	}
	if !floats.Equal(before.Data(), nw.Layers[0].Weights.Data()) {
		t.Fatal("weights changed")
	}
}

// faultingExecutor runs tasks inline and makes the task with the given
// 1-based submission number panic by hiding the input weights while it runs.
type faultingExecutor struct {
	nw     *NeuralNetwork
	target int
	n      int
}

func (e *faultingExecutor) Submit(task func()) {
	e.n++
	if e.n != e.target {
		task()
		return
	}
	saved := e.nw.Layers[0].Weights
	e.nw.Layers[0].Weights = nil
	task()
	e.nw.Layers[0].Weights = saved
}

func TestTrainWorkerFaultAbortsBeforeUpdate(t *testing.T) {
	rng := testRand(11)
	images, labels := data.Blobs(rng, 10, 2, 2)
	nw := newTestNetwork(t, 11, Input(2), Dense(2))
	before := nw.Layers[0].Weights.Clone()

	// Submissions 1-10 verify the whole set; 11-15 are the first batch.
	exec := &faultingExecutor{nw: nw, target: 13}
	tr := NewTrainer(nw, exec, TrainingConfig{Rand: rng})
	report, err := tr.Train(context.Background(), images, labels, 5, 1)

	var taskErr *TaskError
	if !errors.As(err, &taskErr) || taskErr.Index != 2 {
		t.Fatalf("expected fault at task 2, got %v", err)
	}
	if !strings.Contains(err.Error(), "epoch 1 batch 1") {
		t.Fatalf("error lacks epoch and batch: %v", err)
	}
	if report.Updates != 0 {
		t.Fatalf("updates = %d after fault", report.Updates)
	}
	if !floats.Equal(before.Data(), nw.Layers[0].Weights.Data()) {
		t.Fatal("weights changed")
	}
}

func TestVerify(t *testing.T) {
	nw := newTestNetwork(t, 8, Input(2), Dense(2))
	tr := NewTrainer(nw, InlineExecutor{}, TrainingConfig{})
	if _, err := tr.Verify(context.Background(), nil); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("empty verify: %v", err)
	}

	samples := []Sample{{Pixels: []byte{1, 2}}, {Pixels: []byte{9, 9}, Label: 1}}
	rate, err := tr.Verify(context.Background(), samples)
	if err != nil {
		t.Fatal(err)
	}
	want := 0
	for _, s := range samples {
		out, _ := nw.Forward(nw.NewContext(), s.Pixels)
		if Correct(out, s.Label) {
			want++
		}
	}
	if rate != float64(want)/2 {
		t.Fatalf("rate = %v, want %v", rate, float64(want)/2)
	}
}

func TestDampedRate(t *testing.T) {
	if DampedRate(0) != 0.5 || DampedRate(1) != 0 || DampedRate(0.5) != 0.25 {
		t.Fatal("DampedRate must be (1 - r) * 0.5")
	}
}
