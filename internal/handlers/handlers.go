package handlers

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/ai-detector/internal/model"
)

const indexTemplate = "index.html"

var (
	ErrMissingUpload = errors.New("missing upload")
	ErrInvalidImage  = errors.New("invalid image")

	errNoFileSelected = fmt.Errorf("%w: empty filename", ErrMissingUpload)
)

// Classifier is the model host as seen by the handlers.
type Classifier interface {
	Classify(img image.Image) ([]model.Prediction, error)
}

type Handler struct {
	classifier Classifier
	maxUpload  int64
	maxPixels  int64
	logger     *slog.Logger
}

// PageData is what the index template renders. Prediction and Results are
// nil unless an upload was classified.
type PageData struct {
	Uploaded   bool
	Prediction *model.Prediction
	Results    []model.Prediction
	Messages   []string
}

type DetectResponse struct {
	AI      bool               `json:"ai"`
	Label   string             `json:"label"`
	Score   float64            `json:"score"`
	Results []model.Prediction `json:"results"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewHandler limits uploads to maxUpload bytes on the wire and maxPixels
// decoded pixels.
func NewHandler(classifier Classifier, maxUpload, maxPixels int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		classifier: classifier,
		maxUpload:  maxUpload,
		maxPixels:  maxPixels,
		logger:     logger,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Index serves the upload page. GET renders the empty form; POST classifies
// the "image" field and renders the result, or the form with a message.
func (h *Handler) Index(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.HTML(http.StatusOK, indexTemplate, PageData{})
		return
	}

	img, err := h.readUpload(c, "image")
	if err != nil {
		c.HTML(http.StatusOK, indexTemplate, PageData{Messages: []string{flashMessage(err)}})
		return
	}

	results, err := h.classify(img)
	if err != nil {
		h.inferenceFailed(c, err)
		c.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	c.HTML(http.StatusOK, indexTemplate, PageData{
		Uploaded:   true,
		Prediction: &results[0],
		Results:    results,
	})
}

// Detect is the JSON endpoint used by the browser extension. It accepts the
// upload as "file" or "image".
func (h *Handler) Detect(c *gin.Context) {
	img, err := h.readUpload(c, "file", "image")
	if err != nil {
		sendError(c, http.StatusBadRequest, flashMessage(err))
		return
	}

	results, err := h.classify(img)
	if err != nil {
		h.inferenceFailed(c, err)
		sendError(c, http.StatusInternalServerError, "Prediction failed")
		return
	}

	top := results[0]
	c.JSON(http.StatusOK, DetectResponse{
		AI:      IsAILabel(top.Label),
		Label:   top.Label,
		Score:   top.Score,
		Results: results,
	})
}

// readUpload decodes the first multipart file found under fields. The image
// bytes stay in memory and are never logged.
func (h *Handler) readUpload(c *gin.Context, fields ...string) (image.Image, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	var lastErr error
	for _, field := range fields {
		header, err := c.FormFile(field)
		if err != nil {
			lastErr = err
			continue
		}
		if header.Filename == "" {
			return nil, errNoFileSelected
		}

		file, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		defer file.Close()

		// Check the declared dimensions before decoding: a small compressed
		// file can expand to gigabytes of pixels.
		cfg, _, err := image.DecodeConfig(file)
		if err != nil {
			h.logger.Info("upload rejected", "field", field, "size", header.Size, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels <= 0 || pixels > h.maxPixels {
			h.logger.Info("upload rejected",
				"field", field,
				"size", header.Size,
				"width", cfg.Width,
				"height", cfg.Height,
				"max_pixels", h.maxPixels)
			return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit", ErrInvalidImage, cfg.Width, cfg.Height)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}

		img, format, err := image.Decode(file)
		if err != nil {
			h.logger.Info("upload rejected", "field", field, "size", header.Size, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}

		h.logger.Info("upload decoded",
			"field", field,
			"size", header.Size,
			"format", format,
			"width", img.Bounds().Dx(),
			"height", img.Bounds().Dy())
		return img, nil
	}

	switch {
	case errors.Is(lastErr, http.ErrMissingFile),
		errors.Is(lastErr, http.ErrNotMultipart),
		errors.Is(lastErr, http.ErrMissingBoundary):
	default:
		// The body was cut off by the size limit or is not valid multipart.
		var tooLarge *http.MaxBytesError
		if errors.As(lastErr, &tooLarge) {
			return nil, fmt.Errorf("%w: upload exceeds %d bytes", ErrInvalidImage, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, lastErr)
	}

	// A file input submitted without a file arrives as a plain form value.
	if form := c.Request.MultipartForm; form != nil {
		for _, field := range fields {
			if _, ok := form.Value[field]; ok {
				return nil, errNoFileSelected
			}
		}
	}
	return nil, ErrMissingUpload
}

func (h *Handler) classify(img image.Image) ([]model.Prediction, error) {
	results, err := h.classifier.Classify(img)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("classifier returned no results")
	}
	return results, nil
}

func (h *Handler) inferenceFailed(c *gin.Context, err error) {
	_ = c.Error(err)
	h.logger.Error("prediction failed", "request_id", c.GetString(requestIDKey), "error", err)
}

func flashMessage(err error) string {
	switch {
	case errors.Is(err, errNoFileSelected):
		return "No file selected"
	case errors.Is(err, ErrMissingUpload):
		return "No file uploaded"
	default:
		return "Invalid image file"
	}
}

func sendError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// IsAILabel reports whether a class label names AI-generated content.
// Negated labels such as "not-ai-generated" or "human" are not.
func IsAILabel(label string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(label), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
	if len(tokens) == 0 {
		return false
	}
	switch tokens[0] {
	case "not", "non", "no", "human", "real", "authentic":
		return false
	}
	for _, t := range tokens {
		switch t {
		case "ai", "artificial", "fake", "generated", "synthetic", "sdxl":
			return true
		}
	}
	return false
}
