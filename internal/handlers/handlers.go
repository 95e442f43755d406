package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Brownie44l1/lesion-api/internal/database"
	"github.com/Brownie44l1/lesion-api/internal/dataset"
	"github.com/Brownie44l1/lesion-api/internal/insights"
	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/models"
	"github.com/Brownie44l1/lesion-api/internal/predict"
	"github.com/Brownie44l1/lesion-api/internal/retrain"
	"github.com/Brownie44l1/lesion-api/internal/storage"
)

const RootMessage = "Skin Cancer Classifier API is running"

type RunLister interface {
	List(ctx context.Context, limit int) ([]models.RetrainRun, error)
}

type ArtifactFetcher interface {
	Fetch(ctx context.Context, uri, dir string) (string, error)
}

// Handler serves the HTTP API. Optional dependencies may be nil; their
// endpoints then answer 503. Without Runs, run history is read from
// RetrainLog.
type Handler struct {
	Predictor     *predict.Service
	Retrainer     *retrain.Orchestrator
	Runs          RunLister
	Fetcher       ArtifactFetcher
	OpenModel     func(path string) (*model.Classifier, error)
	ModelPath     string
	RetrainedDir  string
	RetrainLog    string
	InsightsCSV   string
	DefaultEpochs int
	MaxUploadSize int64
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"message": RootMessage,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"model_loaded": h.Predictor.Loaded(),
	})
}

func (h *Handler) Classes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"classes":      labels.All(),
		"descriptions": labels.Descriptions(),
	})
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadSize)
	return r.ParseMultipartForm(h.MaxUploadSize)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if !h.Predictor.Loaded() {
		writeError(w, http.StatusServiceUnavailable, "Model not loaded")
		return
	}

	if err := h.parseForm(w, r); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("image")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}
	log.Printf("Received file: %s, size: %d bytes", header.Filename, len(data))

	result, err := h.Predictor.Predict(r.Context(), data)
	var invalid *predict.InvalidImageError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Error processing image: %v", invalid.Err))
	case errors.Is(err, predict.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Model not loaded")
	default:
		log.Printf("Prediction error: %v", err)
		writeError(w, http.StatusInternalServerError, "Prediction failed")
	}
}

type retrainResponse struct {
	Staged map[labels.ClassLabel]int `json:"staged"`
	Run    *models.RetrainRun        `json:"run"`
}

func (h *Handler) Retrain(w http.ResponseWriter, r *http.Request) {
	if h.Retrainer == nil {
		writeError(w, http.StatusServiceUnavailable, "Retraining is not configured")
		return
	}
	if err := h.parseForm(w, r); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	label, err := labels.Parse(r.FormValue("label"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	epochs := h.DefaultEpochs
	if v := r.FormValue("epochs"); v != "" {
		epochs, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid epochs %q", v))
			return
		}
	}
	if err := h.Retrainer.ValidateEpochs(epochs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var headers []*multipart.FileHeader
	if r.MultipartForm != nil {
		headers = r.MultipartForm.File["files"]
	}
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No images provided. Use 'files' as the form field name")
		return
	}

	uploads := make([]dataset.UploadedImage, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read %s", fh.Filename))
			return
		}
		uploads = append(uploads, dataset.UploadedImage{Filename: fh.Filename, Data: data})
	}

	// The run outlives a disconnected client.
	ctx := context.WithoutCancel(r.Context())
	staged, _, run, err := h.Retrainer.StageAndRetrain(ctx, uploads, label, epochs)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, retrainResponse{Staged: staged, Run: run})
	case errors.Is(err, retrain.ErrRetrainInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, retrain.ErrInvalidEpochs), errors.Is(err, labels.ErrUnknownLabel):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("Retraining error: %v", err)
		writeError(w, http.StatusInternalServerError, "Retraining failed")
	}
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil && h.RetrainLog == "" {
		writeError(w, http.StatusServiceUnavailable, "Run registry is not configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	runs, err := h.listRuns(r.Context(), limit)
	if err != nil {
		log.Printf("Failed to list runs: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) listRuns(ctx context.Context, limit int) ([]models.RetrainRun, error) {
	if h.Runs != nil {
		return h.Runs.List(ctx, limit)
	}

	logged, err := retrain.ReadLog(h.RetrainLog)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = database.DefaultListLimit
	}
	runs := make([]models.RetrainRun, 0, min(limit, len(logged)))
	for i := len(logged) - 1; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, logged[i])
	}
	return runs, nil
}

// modelFile maps a requested reload path onto the serving model or an
// artifact directly inside RetrainedDir.
func (h *Handler) modelFile(requested string) (string, bool) {
	if requested == "" || requested == h.ModelPath {
		return h.ModelPath, h.ModelPath != ""
	}
	if h.RetrainedDir == "" {
		return "", false
	}

	name := filepath.Base(requested)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", false
	}
	candidate := filepath.Join(h.RetrainedDir, name)
	if requested == name {
		return candidate, true
	}
	want, err := filepath.Abs(candidate)
	if err != nil {
		return "", false
	}
	got, err := filepath.Abs(requested)
	if err != nil || got != want {
		return "", false
	}
	return candidate, true
}

func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	if h.OpenModel == nil {
		writeError(w, http.StatusServiceUnavailable, "Model reload is not configured")
		return
	}

	path := r.FormValue("path")
	if path == "" && h.ModelPath == "" {
		writeError(w, http.StatusBadRequest, "No model path given")
		return
	}

	if storage.IsURI(path) {
		if h.Fetcher == nil {
			writeError(w, http.StatusBadRequest, "Object storage is not configured")
			return
		}
		local, err := h.Fetcher.Fetch(r.Context(), path, h.RetrainedDir)
		if err != nil {
			log.Printf("Failed to fetch %s: %v", path, err)
			writeError(w, http.StatusInternalServerError, "Failed to fetch model")
			return
		}
		path = local
	} else {
		file, ok := h.modelFile(path)
		if !ok {
			writeError(w, http.StatusBadRequest, "Model path must be the serving model or an artifact in the retrained models directory")
			return
		}
		if _, err := os.Stat(file); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("model file %s not found", filepath.Base(file)))
			return
		}
		path = file
	}

	classifier, err := h.OpenModel(path)
	if err != nil {
		log.Printf("Failed to load %s: %v", path, err)
		writeError(w, http.StatusInternalServerError, "Failed to load model")
		return
	}
	h.Predictor.Swap(classifier)
	log.Printf("Serving model: %s", path)

	writeJSON(w, http.StatusOK, map[string]string{"model_path": path})
}

func (h *Handler) Insights(w http.ResponseWriter, r *http.Request) {
	if h.InsightsCSV == "" {
		writeError(w, http.StatusServiceUnavailable, "Dataset metadata is not configured")
		return
	}
	summary, err := insights.Load(h.InsightsCSV)
	if err != nil {
		log.Printf("Failed to load insights: %v", err)
		writeError(w, http.StatusServiceUnavailable, "Dataset metadata is not available")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
