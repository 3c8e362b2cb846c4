package ml

import (
	"context"
	"io"
	"log"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLabelMismatch = errors.New("images and labels differ in length")
	ErrEmptyDataset  = errors.New("dataset is empty")
	ErrBatchSize     = errors.New("batch size must be > 0")
	ErrRepeat        = errors.New("repeat must be > 0")
	ErrLabelRange    = errors.New("label outside output layer range")
)

const (
	DefaultVerifyEvery = 1000
	DefaultVerifySize  = 1000
)

// RatePolicy maps the last verification accuracy to the learning rate of
// the following weight updates.
type RatePolicy func(verifyRate float64) float64

// DampedRate is the default policy: (1 - verifyRate) * 0.5. Higher verified
// accuracy means smaller steps.
func DampedRate(verifyRate float64) float64 {
	return (1 - verifyRate) * 0.5
}

// ConstantRate ignores verification and always returns lr.
func ConstantRate(lr float64) RatePolicy {
	return func(float64) float64 { return lr }
}

// Sample is one image with its class index.
type Sample struct {
	Pixels []byte
	Label  int
}

type TrainingConfig struct {
	VerifyEvery int        // Batches starting at a multiple of this index refresh the verify rate
	VerifySize  int        // Verification uses the last VerifySize shuffled samples
	RatePolicy  RatePolicy // Zero value uses DampedRate
	Rand        *rand.Rand // Shuffle source
	Logger      *log.Logger
	LogEvery    int // Batches between progress lines; 0 disables batch logging
}

// TrainReport summarises a finished Train call.
type TrainReport struct {
	EpochCorrect   []int
	Updates        int
	LastVerifyRate float64
}

// Trainer runs mini-batch SGD for a network using an explicitly owned
// executor. Weights are only read while a batch is in flight and only
// written by the coordinator after the batch barrier.
type Trainer struct {
	nw   *NeuralNetwork
	exec Executor
	cfg  TrainingConfig
}

func NewTrainer(nw *NeuralNetwork, exec Executor, cfg TrainingConfig) *Trainer {
	if exec == nil {
		exec = InlineExecutor{}
	}
	if cfg.VerifyEvery <= 0 {
		cfg.VerifyEvery = DefaultVerifyEvery
	}
	if cfg.VerifySize <= 0 {
		cfg.VerifySize = DefaultVerifySize
	}
	if cfg.RatePolicy == nil {
		cfg.RatePolicy = DampedRate
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Trainer{nw: nw, exec: exec, cfg: cfg}
}

// Samples pairs images with labels by index.
func Samples(images [][]byte, labels []int) ([]Sample, error) {
	if len(images) != len(labels) {
		return nil, errors.Wrapf(ErrLabelMismatch, "%d images, %d labels", len(images), len(labels))
	}
	samples := make([]Sample, len(images))
	for i := range images {
		samples[i] = Sample{Pixels: images[i], Label: labels[i]}
	}
	return samples, nil
}

func (t *Trainer) validate(samples []Sample) error {
	if len(samples) == 0 {
		return ErrEmptyDataset
	}
	in, out := t.nw.InputSize(), t.nw.OutputSize()
	for i, s := range samples {
		if len(s.Pixels) != in {
			return errors.Errorf("sample %d has %d values, input layer expects %d", i, len(s.Pixels), in)
		}
		if s.Label < 0 || s.Label >= out {
			return errors.Wrapf(ErrLabelRange, "sample %d label %d (outputs: %d)", i, s.Label, out)
		}
	}
	return nil
}

// Train runs repeat epochs of mini-batch SGD over images/labels.
func (t *Trainer) Train(ctx context.Context, images [][]byte, labels []int, batchSize, repeat int) (TrainReport, error) {
	var report TrainReport
	if batchSize <= 0 {
		return report, ErrBatchSize
	}
	if repeat <= 0 {
		return report, ErrRepeat
	}
	samples, err := Samples(images, labels)
	if err != nil {
		return report, err
	}
	if err := t.validate(samples); err != nil {
		return report, err
	}
	if err := t.nw.Validate(); err != nil {
		return report, err
	}

	logger := t.cfg.Logger
	start := time.Now()
	logger.Printf("train begin samples=%d batch=%d repeat=%d", len(samples), batchSize, repeat)

	for epoch := 1; epoch <= repeat; epoch++ {
		t.cfg.Rand.Shuffle(len(samples), func(i, j int) {
			samples[i], samples[j] = samples[j], samples[i]
		})

		correct := 0
		verifyRate := 0.0
		for b, bounds := range batchBounds(len(samples), batchSize) {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			batchStart, batchEnd := bounds[0], bounds[1]

			if batchStart%t.cfg.VerifyEvery == 0 {
				holdout := samples[max(0, len(samples)-t.cfg.VerifySize):]
				verifyRate, err = t.Verify(ctx, holdout)
				if err != nil {
					return report, errors.Wrap(err, "verify")
				}
				report.LastVerifyRate = verifyRate
			}

			batch := samples[batchStart:batchEnd]

			contexts, batchCorrect, err := t.runBatch(batch)
			if err != nil {
				return report, errors.Wrapf(err, "epoch %d batch %d", epoch, b+1)
			}
			correct += batchCorrect

			t.nw.BackPropagationUpdate(contexts, t.cfg.RatePolicy(verifyRate))
			report.Updates++

			if t.cfg.LogEvery > 0 && (b+1)%t.cfg.LogEvery == 0 {
				logger.Printf("epoch=%d batch=%d correct=%d/%d total=%d/%d rate=%.4f",
					epoch, b+1, batchCorrect, len(batch),
					correct, batchEnd, float64(correct)/float64(batchEnd))
			}
		}
		report.EpochCorrect = append(report.EpochCorrect, correct)
		logger.Printf("epoch=%d correct=%d/%d", epoch, correct, len(samples))
	}

	logger.Printf("train finish updates=%d elapsed=%v", report.Updates, time.Since(start))
	return report, nil
}

// batchBounds splits [0, n) into consecutive [start, end) chunks of size
// batchSize. The final chunk is short when n is not a multiple.
func batchBounds(n, batchSize int) [][2]int {
	bounds := make([][2]int, 0, (n+batchSize-1)/batchSize)
	for start := 0; start < n; start += batchSize {
		bounds = append(bounds, [2]int{start, min(start+batchSize, n)})
	}
	return bounds
}

// runBatch computes the forward pass and deltas of every sample in batch
// concurrently. Each task writes only its own context slot.
func (t *Trainer) runBatch(batch []Sample) ([]*TrainContext, int, error) {
	contexts := make([]*TrainContext, len(batch))
	var correct atomic.Int64
	last := len(t.nw.Layers) - 1

	err := RunAll(t.exec, len(batch), func(i int) error {
		s := batch[i]
		c := t.nw.NewContext()
		output, err := t.nw.Forward(c, s.Pixels)
		if err != nil {
			return err
		}
		if Correct(output, s.Label) {
			correct.Add(1)
		}
		t.nw.BackPropagationDelta(c, OutputDelta(output, c.WeightedInputs[last], s.Label))
		contexts[i] = c
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return contexts, int(correct.Load()), nil
}

// Verify runs forward only over samples and returns the fraction classified
// correctly. Outputs containing NaN count as wrong.
func (t *Trainer) Verify(ctx context.Context, samples []Sample) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrEmptyDataset
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var hits atomic.Int64
	err := RunAll(t.exec, len(samples), func(i int) error {
		output, err := t.nw.Forward(t.nw.NewContext(), samples[i].Pixels)
		if err != nil {
			return err
		}
		if Correct(output, samples[i].Label) {
			hits.Add(1)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	rate := float64(hits.Load()) / float64(len(samples))
	t.cfg.Logger.Printf("verified %d/%d = %.4f", hits.Load(), len(samples), rate)
	return rate, nil
}
