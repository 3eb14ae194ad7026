package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	jsoniter "github.com/json-iterator/go"
	ort "github.com/yalue/onnxruntime_go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ONNXRuntime owns the process-wide onnxruntime environment and loads model
// assets into sessions.
type ONNXRuntime struct {
	libraryPath string

	once    sync.Once
	initErr error
}

// NewONNXRuntime prepares a runtime. libraryPath may be empty to use the
// platform default shared library.
func NewONNXRuntime(libraryPath string) *ONNXRuntime {
	return &ONNXRuntime{libraryPath: libraryPath}
}

func (rt *ONNXRuntime) init() error {
	rt.once.Do(func() {
		if rt.libraryPath != "" {
			ort.SetSharedLibraryPath(rt.libraryPath)
		}
		if ort.IsInitialized() {
			return
		}
		if err := ort.InitializeEnvironment(); err != nil {
			rt.initErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return rt.initErr
}

// Load implements Loader.
func (rt *ONNXRuntime) Load(kind Kind, asset Asset) (Runner, error) {
	if err := rt.init(); err != nil {
		return nil, err
	}

	meta, err := ReadMetadata(asset.MetadataPath)
	if err != nil {
		return nil, err
	}
	if meta.SHA256 != "" {
		if err := verifyChecksum(asset.ModelPath, meta.SHA256); err != nil {
			return nil, err
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(asset.ModelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxRunner{
		kind:         kind,
		meta:         meta,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Close tears down the onnxruntime environment. Call after all runners are closed.
func (rt *ONNXRuntime) Close() {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// ReadMetadata parses a model's JSON sidecar and fills defaults.
func ReadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}
	if len(meta.InputShape) == 0 || len(meta.OutputShape) == 0 {
		return Metadata{}, fmt.Errorf("metadata %s: input_shape and output_shape are required", path)
	}
	if meta.ImageSize == 0 && len(meta.InputShape) == 4 {
		meta.ImageSize = int(meta.InputShape[3])
	}
	return meta, nil
}

func verifyChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open model: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash model: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: %s has %s, metadata says %s", ErrChecksum, path, got, want)
	}
	return nil
}

// onnxRunner wraps a session with preallocated tensors, so it is not
// reentrant. The registry provides the locking.
type onnxRunner struct {
	kind         Kind
	meta         Metadata
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (r *onnxRunner) Run(ctx context.Context, input imageproc.Tensor) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := r.inputTensor.GetData()
	if len(input.Data) != len(dst) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input.Data), len(dst))
	}
	copy(dst, input.Data)

	if err := r.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	size := r.meta.ImageSize
	if size == 0 {
		size = input.Width
	}
	return decodeOutput(r.kind, r.meta, size, r.outputTensor.GetData())
}

func (r *onnxRunner) Close() error {
	var firstErr error
	if r.inputTensor != nil {
		if err := r.inputTensor.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.outputTensor != nil {
		if err := r.outputTensor.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.session != nil {
		if err := r.session.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
