package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Brownie44l1/scrap-weight-api/internal/calibration"
	"github.com/Brownie44l1/scrap-weight-api/internal/estimator"
	"github.com/Brownie44l1/scrap-weight-api/internal/fusion"
	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	"github.com/Brownie44l1/scrap-weight-api/internal/logger"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Multipart overhead allowed on top of the largest accepted image.
	formOverhead = 1 << 20
	maxJSONBody  = 1 << 20
	maxBatchSize = 50
)

// Estimator is the prediction service the handlers expose.
type Estimator interface {
	Predict(ctx context.Context, req estimator.Request) (*estimator.Response, error)
	PredictBatch(ctx context.Context, reqs []estimator.Request) []estimator.BatchItem
	Health() estimator.Status
	Calibration() *calibration.Store
}

var (
	errPathsDisabled = errors.New("image_path predictions are disabled; upload the image instead")
	errOutsideRoot   = errors.New("image_path must be inside the image root")
)

// Config holds the handler limits.
type Config struct {
	// MaxUploadBytes bounds image uploads.
	MaxUploadBytes int64
	// ImageRoot is the directory JSON requests may read images from. Relative
	// image paths resolve against it. Empty rejects every image_path.
	ImageRoot string
}

type Handler struct {
	svc       Estimator
	log       *zap.Logger
	maxUpload int64
	imageRoot string
	uploadDir string
}

// NewHandler creates the HTTP handlers.
func NewHandler(svc Estimator, cfg Config, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = imageproc.DefaultMaxFileBytes
	}
	h := &Handler{svc: svc, log: log, maxUpload: cfg.MaxUploadBytes, uploadDir: os.TempDir()}
	if cfg.ImageRoot != "" {
		root, err := filepath.Abs(cfg.ImageRoot)
		if err == nil {
			if real, err := filepath.EvalSymlinks(root); err == nil {
				root = real
			}
			h.imageRoot = root
		} else {
			log.Error("invalid image root; image_path predictions disabled", zap.Error(err))
		}
	}
	return h
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withRequestID(h.Health))
	mux.HandleFunc("/models", h.withRequestID(h.Models))
	mux.HandleFunc("/predict", h.withRequestID(h.Predict))
	mux.HandleFunc("/predict/image", h.withRequestID(h.PredictFromImage))
	mux.HandleFunc("/predict/batch", h.withRequestID(h.PredictBatch))
	mux.HandleFunc("/calibration", h.withRequestID(h.Calibration))
}

func (h *Handler) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Health())
}

func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := h.svc.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"available": st.ModelsLoaded,
		"models":    st.Models,
	})
}

// Predict estimates from an image already on the server's filesystem.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req estimator.Request
	err := decodeJSON(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	req.Material = normalizeMaterial(req.Material)
	if req.ImagePath, err = h.resolveImagePath(req.ImagePath); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	resp, err := h.svc.Predict(r.Context(), req)
	if err != nil {
		h.predictError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type batchRequest struct {
	Requests []estimator.Request `json:"requests"`
}

type batchResult struct {
	Index    int                 `json:"index"`
	Response *estimator.Response `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
	Reason   string              `json:"reason,omitempty"`
}

func (h *Handler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch must contain 1 to %d requests", maxBatchSize), "")
		return
	}
	out := make([]batchResult, len(req.Requests))
	valid := make([]estimator.Request, 0, len(req.Requests))
	index := make([]int, 0, len(req.Requests))
	for i, rq := range req.Requests {
		out[i].Index = i
		rq.Material = normalizeMaterial(rq.Material)
		path, err := h.resolveImagePath(rq.ImagePath)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		rq.ImagePath = path
		valid = append(valid, rq)
		index = append(index, i)
	}

	if len(valid) > 0 {
		log := logger.FromContext(r.Context(), h.log)
		for j, it := range h.svc.PredictBatch(r.Context(), valid) {
			i := index[j]
			out[i].Response = it.Response
			if it.Err != nil {
				_, out[i].Error, out[i].Reason = publicError(it.Err)
				log.Warn("batch item failed", zap.Int("index", i), zap.Error(it.Err))
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// PredictFromImage accepts a multipart upload in the "image" field.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := logger.FromContext(r.Context(), h.log)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form", "")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided. Use 'image' as the form field name", "")
		return
	}
	defer file.Close()

	req, err := formRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	path, err := h.saveUpload(file, header.Filename)
	if err != nil {
		log.Error("failed to store upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to store upload", "")
		return
	}
	defer os.Remove(path)
	req.ImagePath = path
	req.Uploaded = true

	log.Debug("received image", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	resp, err := h.svc.Predict(r.Context(), req)
	if err != nil {
		h.predictError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Calibration reads, sets or clears the scale reference.
func (h *Handler) Calibration(w http.ResponseWriter, r *http.Request) {
	store := h.svc.Calibration()
	switch r.Method {
	case http.MethodGet:
		d, ok := store.Get()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"calibrated": false, "defaults": calibration.Data{
				PixelsPerInch:            calibration.DefaultPixelsPerInch,
				RealWorldThicknessInches: calibration.DefaultThicknessInches,
			}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calibrated": true, "calibration": d})

	case http.MethodPut, http.MethodPost:
		var d calibration.Data
		if err := decodeJSON(r, &d); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		if err := store.Set(d); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		logger.FromContext(r.Context(), h.log).Info("calibration updated",
			zap.Float64("pixels_per_inch", d.PixelsPerInch),
			zap.Float64("thickness_in", d.RealWorldThicknessInches))
		writeJSON(w, http.StatusOK, map[string]any{"calibrated": true, "calibration": d})

	case http.MethodDelete:
		store.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"calibrated": false})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) predictError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg, reason := publicError(err)
	log := logger.FromContext(r.Context(), h.log)
	if status == http.StatusInternalServerError {
		log.Error("prediction failed", zap.Error(err))
	} else {
		log.Debug("prediction rejected", zap.Error(err))
	}
	writeError(w, status, msg, reason)
}

// publicError maps a prediction error onto a status and a message that never
// carries server file paths.
func publicError(err error) (status int, msg, reason string) {
	switch {
	case errors.Is(err, estimator.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error(), ""
	case imageproc.IsLoadError(err):
		return http.StatusUnprocessableEntity, "Image could not be loaded", imageproc.ReasonCode(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request cancelled", ""
	default:
		return http.StatusInternalServerError, "Prediction failed", ""
	}
}

// resolveImagePath maps a client supplied path onto a file under the image
// root. Relative paths are taken from the root. An empty path passes through
// for request validation to reject.
func (h *Handler) resolveImagePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if h.imageRoot == "" {
		return "", errPathsDisabled
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(h.imageRoot, full)
	}
	full = filepath.Clean(full)
	if real, err := filepath.EvalSymlinks(full); err == nil {
		full = real
	}
	rel, err := filepath.Rel(h.imageRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideRoot
	}
	return full, nil
}

func (h *Handler) saveUpload(src io.Reader, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	f, err := os.CreateTemp(h.uploadDir, "scrap-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func formRequest(r *http.Request) (estimator.Request, error) {
	req := estimator.Request{Material: normalizeMaterial(scrap.Material(r.FormValue("material")))}

	if v := strings.TrimSpace(r.FormValue("manual_weight")); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("invalid manual_weight %q", v)
		}
		req.Manual = &m
	}

	req.Signals = fusion.Signals{
		HasClearMetalObjects: formBool(r, "has_clear_metal_objects"),
		HasDepthCues:         formBool(r, "has_depth_cues"),
		HasShapeCues:         formBool(r, "has_shape_cues"),
	}
	if r.FormValue("has_gpu") != "" || r.FormValue("memory_mb") != "" || r.FormValue("performance_tier") != "" {
		mem, _ := strconv.Atoi(r.FormValue("memory_mb"))
		req.Signals.Device = &fusion.Device{
			HasGPU:          formBool(r, "has_gpu"),
			MemoryMB:        mem,
			PerformanceTier: r.FormValue("performance_tier"),
		}
	}

	for key, vals := range r.MultipartForm.Value {
		if name, ok := strings.CutPrefix(key, "meta_"); ok && len(vals) > 0 {
			if req.Metadata == nil {
				req.Metadata = make(map[string]string)
			}
			req.Metadata[name] = vals[0]
		}
	}
	return req, nil
}

func formBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.FormValue(key))
	return b
}

// normalizeMaterial maps aliases onto the canonical name and leaves unknown
// values for request validation to reject.
func normalizeMaterial(m scrap.Material) scrap.Material {
	if parsed, err := scrap.ParseMaterial(string(m)); err == nil {
		return parsed
	}
	return m
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		return errors.New("Failed to read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("Invalid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	body := map[string]string{"error": msg}
	if reason != "" {
		body["reason"] = reason
	}
	writeJSON(w, status, body)
}
