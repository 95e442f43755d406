package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/lesion-api/internal/augment"
	"github.com/Brownie44l1/lesion-api/internal/dataset"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/models"
	"github.com/Brownie44l1/lesion-api/internal/predict"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
	"github.com/Brownie44l1/lesion-api/internal/retrain"
)

const testSize = 8

type testEnv struct {
	handler *Handler
	router  http.Handler
	root    string
}

func newTestEnv(t *testing.T, loaded bool) *testEnv {
	t.Helper()
	root := t.TempDir()
	extractor := model.NewGridExtractor(testSize, 2)
	pre := preprocess.New(testSize, preprocess.EfficientNet)
	newClassifier := func() *model.Classifier { return model.NewClassifier(extractor, testSize) }

	var serving *model.Classifier
	if loaded {
		serving = newClassifier()
	}

	staging := filepath.Join(root, "retrain_data")
	orchestrator := retrain.New(retrain.Config{
		RetrainedDir: filepath.Join(root, "retrained_models"),
		LogPath:      filepath.Join(root, "retraining_log.json"),
		MaxEpochs:    3,
		BatchSize:    4,
		Augment:      augment.DefaultConfig(),
		Seed:         7,
	}, newClassifier, pre, dataset.New(dataset.NewFSStore(staging), dataset.ClearAll), staging)

	h := &Handler{
		Predictor: predict.NewService(pre, serving),
		Retrainer: orchestrator,
		OpenModel: func(path string) (*model.Classifier, error) {
			return model.Open(extractor, testSize, path)
		},
		RetrainedDir:  filepath.Join(root, "retrained_models"),
		DefaultEpochs: 1,
		MaxUploadSize: 10 << 20,
	}
	return &testEnv{handler: h, router: NewRouter(h), root: root}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type part struct {
	field, filename string
	data            []byte
}

func multipartRequest(t *testing.T, target string, fields map[string]string, parts ...part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = fw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestInfoEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RootMessage, decode(t, rec)["message"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["model_loaded"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/classes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, []any{"akiec", "bcc", "bkl", "df", "mel", "nv", "vasc"}, body["classes"])
	descriptions := body["descriptions"].(map[string]any)
	assert.Equal(t, "Melanoma", descriptions["mel"])
}

func TestHealthWithoutModel(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["model_loaded"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(httptest.NewRequest(http.MethodOptions, "/predict", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPredict(t *testing.T) {
	env := newTestEnv(t, true)

	t.Run("ok", func(t *testing.T) {
		rec := env.do(multipartRequest(t, "/predict", nil, part{"file", "lesion.png", pngBytes(t)}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res predict.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Len(t, res.AllPredictions, 7)
		assert.Equal(t, res.Confidence, res.AllPredictions[res.PredictedClass])
	})

	t.Run("image field", func(t *testing.T) {
		rec := env.do(multipartRequest(t, "/predict", nil, part{"image", "lesion.png", pngBytes(t)}))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid image", func(t *testing.T) {
		rec := env.do(multipartRequest(t, "/predict", nil, part{"file", "notes.txt", []byte("hello")}))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode(t, rec)["detail"], "Error processing image")
	})

	t.Run("missing file", func(t *testing.T) {
		rec := env.do(multipartRequest(t, "/predict", map[string]string{"x": "y"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no model", func(t *testing.T) {
		env := newTestEnv(t, false)
		rec := env.do(multipartRequest(t, "/predict", nil, part{"file", "lesion.png", pngBytes(t)}))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "Model not loaded", decode(t, rec)["detail"])
	})
}

func TestRetrain(t *testing.T) {
	env := newTestEnv(t, true)
	img := pngBytes(t)

	t.Run("ok", func(t *testing.T) {
		rec := env.do(multipartRequest(t, "/retrain", map[string]string{"label": "mel", "epochs": "1"},
			part{"files", "a.png", img}, part{"files", "b.png", img}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp struct {
			Staged map[string]int     `json:"staged"`
			Run    *models.RetrainRun `json:"run"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Staged["mel"])
		assert.Equal(t, 0, resp.Staged["nv"])
		require.NotNil(t, resp.Run)
		assert.Equal(t, "mel", resp.Run.Label)
		assert.FileExists(t, resp.Run.NewModel)
	})

	t.Run("bad requests", func(t *testing.T) {
		cases := []struct {
			name   string
			fields map[string]string
			parts  []part
		}{
			{"unknown label", map[string]string{"label": "xyz"}, []part{{"files", "a.png", img}}},
			{"missing label", nil, []part{{"files", "a.png", img}}},
			{"no files", map[string]string{"label": "mel"}, nil},
			{"epochs not a number", map[string]string{"label": "mel", "epochs": "two"}, []part{{"files", "a.png", img}}},
			{"epochs out of range", map[string]string{"label": "mel", "epochs": "9"}, []part{{"files", "a.png", img}}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				rec := env.do(multipartRequest(t, "/retrain", tc.fields, tc.parts...))
				assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
				assert.NotEmpty(t, decode(t, rec)["detail"])
			})
		}
	})

	t.Run("undecodable upload fails the run", func(t *testing.T) {
		rec := env.do(multipartRequest(t, "/retrain", map[string]string{"label": "nv"},
			part{"files", "a.jpg", []byte("garbage")}))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Retraining failed", decode(t, rec)["detail"])
		assert.NotContains(t, rec.Body.String(), env.root)
	})
}

type fakeRuns struct {
	runs  []models.RetrainRun
	limit int
}

func (f *fakeRuns) List(_ context.Context, limit int) ([]models.RetrainRun, error) {
	f.limit = limit
	return f.runs, nil
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/retrain/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	runs := &fakeRuns{runs: []models.RetrainRun{{RunID: "r1", Epochs: 2, CreatedAt: time.Now()}}}
	env.handler.Runs = runs

	rec = env.do(httptest.NewRequest(http.MethodGet, "/retrain/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, runs.limit)
	list := decode(t, rec)["runs"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].(map[string]any)["run_id"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/retrain/runs?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunsFromLog(t *testing.T) {
	env := newTestEnv(t, true)
	logPath := filepath.Join(env.root, "retraining_log.json")
	env.handler.RetrainLog = logPath

	rec := env.do(httptest.NewRequest(http.MethodGet, "/retrain/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["runs"])

	var lines []string
	for _, id := range []string{"r1", "r2", "r3"} {
		line, err := json.Marshal(models.RetrainRun{RunID: id, Epochs: 1})
		require.NoError(t, err)
		lines = append(lines, string(line))
	}
	require.NoError(t, os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/retrain/runs?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["runs"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "r3", list[0].(map[string]any)["run_id"])
	assert.Equal(t, "r2", list[1].(map[string]any)["run_id"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/retrain/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["runs"], 3)

	require.NoError(t, os.WriteFile(logPath, []byte("not json\n"), 0o644))
	rec = env.do(httptest.NewRequest(http.MethodGet, "/retrain/runs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), env.root)
}

func reloadRequest(path string) *http.Request {
	form := url.Values{"path": {path}}
	req := httptest.NewRequest(http.MethodPost, "/model/reload", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestReloadModel(t *testing.T) {
	env := newTestEnv(t, false)
	dir := env.handler.RetrainedDir
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "model.gob")
	require.NoError(t, model.NewClassifier(model.NewGridExtractor(testSize, 2), testSize).Save(path))

	rec := env.do(reloadRequest(path))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, path, decode(t, rec)["model_path"])
	assert.True(t, env.handler.Predictor.Loaded())

	t.Run("base name resolves in retrained dir", func(t *testing.T) {
		rec := env.do(reloadRequest("model.gob"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, path, decode(t, rec)["model_path"])
	})

	t.Run("serving model path", func(t *testing.T) {
		serving := filepath.Join(env.root, "serving.gob")
		require.NoError(t, model.NewClassifier(model.NewGridExtractor(testSize, 2), testSize).Save(serving))
		env.handler.ModelPath = serving
		defer func() { env.handler.ModelPath = "" }()

		rec := env.do(reloadRequest(""))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, serving, decode(t, rec)["model_path"])
	})

	t.Run("paths outside retrained dir", func(t *testing.T) {
		outside := filepath.Join(env.root, "outside.gob")
		require.NoError(t, model.NewClassifier(model.NewGridExtractor(testSize, 2), testSize).Save(outside))
		before := env.handler.Predictor.Classifier()

		for _, p := range []string{
			"/etc/passwd",
			"/nonexistent/model.gob",
			outside,
			filepath.Join(dir, "..", "outside.gob"),
			filepath.Join(dir, "sub", "model.gob"),
			"..",
		} {
			rec := env.do(reloadRequest(p))
			assert.Equal(t, http.StatusBadRequest, rec.Code, p)
			assert.NotContains(t, rec.Body.String(), env.root, p)
		}
		assert.Same(t, before, env.handler.Predictor.Classifier())
	})

	t.Run("missing file", func(t *testing.T) {
		rec := env.do(reloadRequest(filepath.Join(dir, "none.gob")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotContains(t, rec.Body.String(), env.root)
	})

	t.Run("no model path", func(t *testing.T) {
		rec := env.do(reloadRequest(""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("incompatible artifact", func(t *testing.T) {
		other := filepath.Join(dir, "other.gob")
		require.NoError(t, model.NewClassifier(model.NewGridExtractor(testSize, 4), testSize).Save(other))
		before := env.handler.Predictor.Classifier()

		rec := env.do(reloadRequest(other))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Failed to load model", decode(t, rec)["detail"])
		assert.Same(t, before, env.handler.Predictor.Classifier())
	})

	t.Run("unreadable artifact", func(t *testing.T) {
		garbage := filepath.Join(dir, "garbage.gob")
		require.NoError(t, os.WriteFile(garbage, []byte("garbage"), 0o644))

		rec := env.do(reloadRequest("garbage.gob"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Failed to load model", decode(t, rec)["detail"])
	})

	t.Run("s3 without storage", func(t *testing.T) {
		rec := env.do(reloadRequest("s3://models/retrained_models/x.gob"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestInsights(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/insights", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	csvPath := filepath.Join(env.root, "meta.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("dx,age,localization\nmel,50,back\nnv,30,face\n"), 0o644))
	env.handler.InsightsCSV = csvPath

	rec = env.do(httptest.NewRequest(http.MethodGet, "/insights", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["records"])
}
