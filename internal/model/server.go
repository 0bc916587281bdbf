package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	ConfigFile       = "config.json"
	PreprocessorFile = "preprocessor_config.json"
	defaultImageSize = 224
)

// InferenceError is returned when preprocessing or the forward pass fails.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed during %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Runner executes one forward pass and returns the logits of the single
// batch element.
type Runner interface {
	Run(pixels []float32, shape []int64) ([]float32, error)
	Close() error
}

// Options configures NewServer.
type Options struct {
	ModelDir    string
	ONNXFile    string
	LibraryPath string
	Device      Device
	Logger      *slog.Logger
}

// Server holds the loaded model. It is built once and shared by all
// requests; Classify does not mutate it.
type Server struct {
	runner Runner
	pre    *Preprocessor
	labels LabelMap
	device Device
	env    bool
}

// New assembles a Server from parts that are already loaded.
func New(runner Runner, pre *Preprocessor, labels LabelMap) *Server {
	return &Server{runner: runner, pre: pre, labels: labels, device: DeviceCPU}
}

// NewServer initialises onnxruntime and loads the model, its label map and
// its preprocessing configuration from opts.ModelDir.
func NewServer(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	modelPath := opts.ONNXFile
	if !filepath.IsAbs(modelPath) {
		modelPath = filepath.Join(opts.ModelDir, modelPath)
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	s, err := loadServer(opts, modelPath, logger)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	s.env = true
	return s, nil
}

func loadServer(opts Options, modelPath string, logger *slog.Logger) (*Server, error) {
	labels := loadLabels(filepath.Join(opts.ModelDir, ConfigFile), logger)

	var preCfg PreprocessorConfig
	if err := readJSON(filepath.Join(opts.ModelDir, PreprocessorFile), &preCfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read preprocessor config: %w", err)
		}
		logger.Warn("preprocessor config not found, using defaults", "dir", opts.ModelDir)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model %s: %w", modelPath, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("model must have one input and at least one output, got %d and %d", len(inputs), len(outputs))
	}

	pre, err := NewPreprocessor(preCfg, staticImageSize(inputs[0].Dimensions))
	if err != nil {
		return nil, fmt.Errorf("failed to build preprocessor: %w", err)
	}

	sessionOpts, device, err := newSessionOptions(opts.Device, logger)
	if err != nil {
		return nil, err
	}
	defer sessionOpts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("model loaded",
		"path", modelPath,
		"input", inputs[0].Name,
		"output", outputs[0].Name,
		"device", device,
		"classes", len(labels))

	return &Server{
		runner: &onnxRunner{session: session},
		pre:    pre,
		labels: labels,
		device: device,
	}, nil
}

// loadLabels reads id2label from config.json, falling back to DefaultLabels
// when the file or the field is missing or unusable.
func loadLabels(path string, logger *slog.Logger) LabelMap {
	var cfg ModelConfig
	if err := readJSON(path, &cfg); err != nil {
		logger.Warn("model config unreadable", "path", path, "error", err)
	}
	parsed, err := ParseLabelMap(cfg.ID2Label)
	if err != nil {
		logger.Warn("invalid id2label entries ignored", "error", err)
	}
	labels, fallback := LabelsOrDefault(parsed)
	if fallback {
		logger.Warn("model config has no labels, using default two-class map")
	}
	return labels
}

// staticImageSize returns the spatial size of a square NCHW input, or the
// default size when the dimensions are dynamic.
func staticImageSize(dims ort.Shape) int {
	if len(dims) != 4 || dims[2] <= 0 || dims[2] != dims[3] {
		return defaultImageSize
	}
	return int(dims[2])
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Classify runs one forward pass over img and returns every class with its
// probability, highest first.
func (s *Server) Classify(img image.Image) ([]Prediction, error) {
	pixels, shape, err := s.pre.Preprocess(img)
	if err != nil {
		return nil, &InferenceError{Op: "preprocess", Err: err}
	}

	logits, err := s.runner.Run(pixels, shape)
	if err != nil {
		return nil, &InferenceError{Op: "forward", Err: err}
	}
	if len(logits) == 0 {
		return nil, &InferenceError{Op: "forward", Err: errors.New("model returned no logits")}
	}
	for i, l := range logits {
		if math.IsNaN(float64(l)) || math.IsInf(float64(l), 0) {
			return nil, &InferenceError{Op: "forward", Err: fmt.Errorf("logit %d is not finite: %v", i, l)}
		}
	}

	return Rank(Softmax(logits), s.labels), nil
}

// Labels returns a copy of the label map.
func (s *Server) Labels() LabelMap {
	out := make(LabelMap, len(s.labels))
	for k, v := range s.labels {
		out[k] = v
	}
	return out
}

// Device reports the compute device the session runs on.
func (s *Server) Device() Device { return s.device }

func (s *Server) Close() {
	if s.runner != nil {
		s.runner.Close()
	}
	if s.env {
		ort.DestroyEnvironment()
	}
}

type onnxRunner struct {
	session *ort.DynamicAdvancedSession
}

func (r *onnxRunner) Run(pixels []float32, shape []int64) ([]float32, error) {
	input, err := ort.NewTensor(ort.NewShape(shape...), pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	// A nil output is allocated by onnxruntime with the model's output shape.
	outputs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	shapeOut := logits.GetShape()
	if len(shapeOut) == 2 && shapeOut[0] != 1 {
		return nil, fmt.Errorf("unexpected batch size %d", shapeOut[0])
	}
	return slices.Clone(logits.GetData()), nil
}

func (r *onnxRunner) Close() error {
	return r.session.Destroy()
}
