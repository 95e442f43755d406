package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/lesion-api/internal/app"
	"github.com/Brownie44l1/lesion-api/internal/config"
	"github.com/Brownie44l1/lesion-api/internal/handlers"
	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/predict"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	log.Printf("Loading model from: %s", cfg.ModelPath)
	loader := model.NewLoader(func() (*model.Classifier, error) {
		return a.OpenModel(cfg.ModelPath)
	})
	classifier, err := loader.Load()
	if err != nil {
		if cfg.RequireModel {
			a.Close()
			log.Fatalf("Failed to load model: %v", err)
		}
		log.Printf("Warning: failed to load model, /predict will answer 503: %v", err)
		classifier = nil
	}

	handler := &handlers.Handler{
		Predictor:     predict.NewService(a.Preprocessor, classifier),
		Retrainer:     a.Orchestrator,
		OpenModel:     a.OpenModel,
		ModelPath:     cfg.ModelPath,
		RetrainedDir:  cfg.RetrainedDir,
		RetrainLog:    cfg.RetrainLog,
		InsightsCSV:   cfg.InsightsCSV,
		DefaultEpochs: cfg.DefaultEpochs,
		MaxUploadSize: cfg.MaxUploadSize,
	}
	if a.Runs != nil {
		handler.Runs = a.Runs
	}
	if a.Publisher != nil {
		handler.Fetcher = a.Publisher
	}

	// Retraining requests block until the run finishes, so writes get a
	// long timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handlers.NewRouter(handler),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 2 * time.Hour,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		log.Printf("Classes: %v", labels.All())
		log.Println("Endpoints:")
		log.Println("  GET  /              - Status")
		log.Println("  GET  /health        - Health check")
		log.Println("  GET  /classes       - Class codes and descriptions")
		log.Println("  POST /predict       - Predict from image upload")
		log.Println("  POST /retrain       - Stage images and retrain")
		log.Println("  GET  /retrain/runs  - Recorded retraining runs")
		log.Println("  POST /model/reload  - Serve another model artifact")
		log.Println("  GET  /insights      - Dataset statistics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	log.Println("Server stopped gracefully")
}
