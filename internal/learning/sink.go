// Package learning appends completed predictions to a line-delimited JSON log
// used as training data.
package learning

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/calibration"
	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Context is the request information stored next to a result.
type Context struct {
	Material     scrap.Material         `json:"material"`
	Manual       *float64               `json:"manual_estimate,omitempty"`
	Calibration  *calibration.Data      `json:"calibration,omitempty"`
	ImagePath    string                 `json:"image_path,omitempty"`
	ImageSHA256  string                 `json:"image_sha256,omitempty"`
	ImageBytes   int64                  `json:"image_bytes"`
	Attempts     int                    `json:"attempts"`
	DurationMs   float64                `json:"duration_ms"`
	Weights      map[model.Kind]float64 `json:"weights,omitempty"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
	ModelsLoaded []model.Kind           `json:"models_loaded"`
}

// Record is one line of the log.
type Record struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Result    scrap.Result `json:"result"`
	Context   Context      `json:"context"`
}

// Sink is safe for concurrent use. A nil or disabled sink drops records.
type Sink struct {
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	path     string
	imageDir string
	file     *os.File
}

// Open creates the log file and its directory if needed. Retained images are
// stored in an "uploads" directory next to the log.
func Open(path string, log *zap.Logger) (*Sink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create learning log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open learning log: %w", err)
	}
	return &Sink{
		log:      log,
		now:      time.Now,
		path:     path,
		imageDir: filepath.Join(filepath.Dir(path), "uploads"),
		file:     f,
	}, nil
}

// Disabled returns a sink that records nothing.
func Disabled() *Sink {
	return &Sink{log: zap.NewNop(), now: time.Now}
}

// Enabled reports whether records are written.
func (s *Sink) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}

// Append writes one record and returns its ID. Write failures are logged and
// returned; callers treat them as non-fatal.
func (s *Sink) Append(res scrap.Result, ctx Context) (string, error) {
	if s == nil {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return "", nil
	}

	rec := Record{
		ID:        uuid.NewString(),
		Timestamp: s.now().UTC(),
		Result:    res,
		Context:   ctx,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode learning record: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		s.log.Error("failed to write learning record", zap.String("path", s.path), zap.Error(err))
		return "", fmt.Errorf("failed to write learning record: %w", err)
	}
	return rec.ID, nil
}

// Retain copies the image at path into the sink's upload directory, named by
// its sha256, and returns the stored path and the hex digest. Identical
// images share one file. A disabled sink retains nothing.
func (s *Sink) Retain(path string) (stored, sum string, err error) {
	if !s.Enabled() {
		return "", "", nil
	}
	sum, err = Digest(path)
	if err != nil {
		return "", "", err
	}
	stored = filepath.Join(s.imageDir, sum+strings.ToLower(filepath.Ext(path)))
	if _, err := os.Stat(stored); err == nil {
		return stored, sum, nil
	}
	if err := os.MkdirAll(s.imageDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	src, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to open image: %w", err)
	}
	defer src.Close()
	tmp, err := os.CreateTemp(s.imageDir, "retain-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to retain image: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("failed to retain image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("failed to retain image: %w", err)
	}
	if err := os.Rename(tmp.Name(), stored); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("failed to retain image: %w", err)
	}
	return stored, sum, nil
}

// Digest returns the hex sha256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash image: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadAll decodes every record in the log at path.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("invalid learning record: %w", err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
