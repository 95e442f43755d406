package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/Brownie44l1/lesion-api/internal/app"
	"github.com/Brownie44l1/lesion-api/internal/config"
	"github.com/Brownie44l1/lesion-api/internal/dataset"
	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var opts options
	flag.StringVar(&opts.label, "label", "", "Class label of the images (akiec, bcc, bkl, df, mel, nv, vasc)")
	flag.StringVar(&opts.images, "images", "", "Directory of images to stage for the label")
	flag.StringVar(&opts.dataDir, "data", "", "Retrain on an existing labelled directory instead of staging images")
	flag.IntVar(&opts.epochs, "epochs", cfg.DefaultEpochs, "Number of training epochs")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, opts)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

type options struct {
	label   string
	images  string
	dataDir string
	epochs  int
}

func (o options) validate() error {
	if o.dataDir == "" && (o.label == "" || o.images == "") {
		return errors.New("provide -label and -images, or -data")
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	if err := opts.validate(); err != nil {
		return err
	}

	var (
		l       labels.ClassLabel
		uploads []dataset.UploadedImage
	)
	if opts.dataDir == "" {
		var err error
		if l, err = labels.Parse(opts.label); err != nil {
			return fmt.Errorf("invalid label: %w", err)
		}
		if uploads, err = readImages(opts.images); err != nil {
			return fmt.Errorf("failed to read images: %w", err)
		}
		if len(uploads) == 0 {
			return fmt.Errorf("no files found in %s", opts.images)
		}
	}

	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	var (
		path   string
		result *models.RetrainRun
	)
	if opts.dataDir != "" {
		path, result, err = a.Orchestrator.Retrain(ctx, opts.dataDir, opts.epochs)
	} else {
		_, path, result, err = a.Orchestrator.StageAndRetrain(ctx, uploads, l, opts.epochs)
	}
	if err != nil {
		return fmt.Errorf("retraining failed: %w", err)
	}
	report(path, result.TrainingAccuracy, result.ValidationAccuracy)
	return nil
}

func readImages(dir string) ([]dataset.UploadedImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var uploads []dataset.UploadedImage
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, dataset.UploadedImage{Filename: e.Name(), Data: data})
	}
	return uploads, nil
}

func report(path string, trainAcc, valAcc float64) {
	fmt.Printf("Model saved to: %s\n", path)
	fmt.Printf("Training accuracy: %.2f%%\n", trainAcc*100)
	fmt.Printf("Validation accuracy: %.2f%%\n", valAcc*100)
}
