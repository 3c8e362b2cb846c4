package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/b0tShaman/neuro-bp/data"
	. "github.com/b0tShaman/neuro-bp/ml"
	"github.com/klauspost/cpuid/v2"
)

type options struct {
	trainImages, trainLabels string
	testImages, testLabels   string
	synthetic                int
	hidden                   string
	batchSize                int
	repeat                   int
	workers                  int
	seed                     uint64
	modelFile                string
	inferImage               string
	logEvery                 int
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("neuro-bp", flag.ContinueOnError)
	fs.StringVar(&o.trainImages, "train-images", "", "IDX image file for training (may be .gz)")
	fs.StringVar(&o.trainLabels, "train-labels", "", "IDX label file for training (may be .gz)")
	fs.StringVar(&o.testImages, "test-images", "", "IDX image file for final verification")
	fs.StringVar(&o.testLabels, "test-labels", "", "IDX label file for final verification")
	fs.IntVar(&o.synthetic, "synthetic", 2000, "number of synthetic samples when no IDX files are given")
	fs.StringVar(&o.hidden, "hidden", "30", "comma separated hidden layer sizes")
	fs.IntVar(&o.batchSize, "batch", 10, "mini-batch size")
	fs.IntVar(&o.repeat, "repeat", 1, "number of epochs")
	fs.IntVar(&o.workers, "workers", 0, "worker goroutines (0 = logical cores)")
	fs.Uint64Var(&o.seed, "seed", 1, "seed for weights and shuffling")
	fs.StringVar(&o.modelFile, "model", "", "gob model file to load before and save after training")
	fs.StringVar(&o.inferImage, "infer", "", "image file to classify after training")
	fs.IntVar(&o.logEvery, "log-every", 100, "batches between progress lines")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func parseSizes(s string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid hidden layer size %q", part)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

type dataset struct {
	images        [][]byte
	labels        []int
	width, height int
	classes       int
}

func loadDataset(imagesPath, labelsPath string) (dataset, error) {
	images, rows, cols, err := data.LoadIDXImages(imagesPath)
	if err != nil {
		return dataset{}, err
	}
	labels, err := data.LoadIDXLabels(labelsPath)
	if err != nil {
		return dataset{}, err
	}
	classes := 0
	for _, l := range labels {
		classes = max(classes, l+1)
	}
	return dataset{images: images, labels: labels, width: cols, height: rows, classes: classes}, nil
}

func run(ctx context.Context, o options) error {
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))

	// 1. Load Data
	fmt.Println("Loading dataset...")
	var train, test dataset
	var err error
	if o.trainImages != "" {
		if train, err = loadDataset(o.trainImages, o.trainLabels); err != nil {
			return err
		}
		if o.testImages != "" {
			if test, err = loadDataset(o.testImages, o.testLabels); err != nil {
				return err
			}
		}
	} else {
		const classes, width = 4, 8
		images, labels := data.Blobs(rng, o.synthetic, classes, width)
		train = dataset{images: images, labels: labels, width: width, height: 1, classes: classes}
		images, labels = data.Blobs(rng, max(o.synthetic/5, 1), classes, width)
		test = dataset{images: images, labels: labels, width: width, height: 1, classes: classes}
	}
	fmt.Printf("Loaded dataset: %d samples, %d input features\n", len(train.images), train.width*train.height)

	// 2. Initialize Network
	hidden, err := parseSizes(o.hidden)
	if err != nil {
		return err
	}
	configs := []LayerConfig{Input(train.width * train.height)}
	for _, h := range hidden {
		configs = append(configs, Dense(h))
	}
	configs = append(configs, Dense(train.classes))

	nw, err := NewNetwork(rng, configs...)
	if err != nil {
		return err
	}

	// Auto-Load weights if they exist
	if o.modelFile != "" {
		if _, err := os.Stat(o.modelFile); err == nil {
			fmt.Println("Found existing model. Loading weights...")
			if err := nw.LoadFromFile(o.modelFile); err != nil {
				fmt.Printf("Model mismatch (%v). Starting training from scratch.\n", err)
			}
		}
	}

	// 3. Configure & Train
	pool := NewPool(o.workers)
	defer pool.Close()

	trainer := NewTrainer(nw, pool, TrainingConfig{
		Rand:     rng,
		Logger:   log.New(os.Stdout, "", log.LstdFlags),
		LogEvery: o.logEvery,
	})

	fmt.Printf("Running on %s, %d logical cores (Mini-Batch = %d)\n\n",
		cpuid.CPU.BrandName, DefaultWorkers(), o.batchSize)

	report, err := trainer.Train(ctx, train.images, train.labels, o.batchSize, o.repeat)
	if err != nil {
		return err
	}
	fmt.Printf("Training Complete. Updates: %d, last verification: %.4f\n", report.Updates, report.LastVerifyRate)

	if len(test.images) > 0 {
		samples, err := Samples(test.images, test.labels)
		if err != nil {
			return err
		}
		rate, err := trainer.Verify(ctx, samples)
		if err != nil {
			return err
		}
		fmt.Printf("Held-out accuracy: %.2f%%\n", rate*100)
	}

	if o.modelFile != "" {
		fmt.Println("Saving model to", o.modelFile)
		if err := nw.SaveToFile(o.modelFile); err != nil {
			return err
		}
	}

	if o.inferImage != "" {
		return InferenceImg(os.Stdout, nw, o.inferImage, train.width, train.height, data.ConvertGray)
	}
	return nil
}

// -------- MAIN -------- //
func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
