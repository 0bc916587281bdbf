package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// ImageSize accepts the size shapes image processors write: a bare int,
// {"height","width"} or {"shortest_edge"}.
type ImageSize struct {
	Height       int
	Width        int
	ShortestEdge int
}

func (s *ImageSize) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		s.Height, s.Width = n, n
		return nil
	}
	var obj struct {
		Height       int `json:"height"`
		Width        int `json:"width"`
		ShortestEdge int `json:"shortest_edge"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	s.Height, s.Width, s.ShortestEdge = obj.Height, obj.Width, obj.ShortestEdge
	return nil
}

func (s ImageSize) empty() bool {
	return s.Height <= 0 && s.Width <= 0 && s.ShortestEdge <= 0
}

// Preprocessor converts a decoded image into the NCHW float32 layout the
// model expects.
type Preprocessor struct {
	doResize     bool
	size         ImageSize
	filter       resize.InterpolationFunction
	doCenterCrop bool
	cropSize     ImageSize
	doRescale    bool
	rescale      float64
	doNormalize  bool
	mean         [3]float32
	std          [3]float32
}

// NewPreprocessor builds a Preprocessor. fallbackSize is used when the config
// names no target size; it is normally taken from the model's input shape.
func NewPreprocessor(cfg PreprocessorConfig, fallbackSize int) (*Preprocessor, error) {
	p := &Preprocessor{
		doResize:     boolOr(cfg.DoResize, true),
		size:         cfg.Size,
		filter:       resampleFilter(3),
		doCenterCrop: boolOr(cfg.DoCenterCrop, false),
		cropSize:     cfg.CropSize,
		doRescale:    boolOr(cfg.DoRescale, true),
		rescale:      1.0 / 255.0,
		doNormalize:  boolOr(cfg.DoNormalize, true),
		mean:         [3]float32{0.5, 0.5, 0.5},
		std:          [3]float32{0.5, 0.5, 0.5},
	}
	if cfg.Resample != nil {
		p.filter = resampleFilter(*cfg.Resample)
	}
	if cfg.RescaleFactor != nil {
		p.rescale = *cfg.RescaleFactor
	}
	if p.size.empty() {
		if fallbackSize <= 0 {
			return nil, errors.New("preprocessor config has no size and model input is dynamic")
		}
		p.size = ImageSize{Height: fallbackSize, Width: fallbackSize}
	}
	if p.doCenterCrop && p.cropSize.empty() {
		p.cropSize = p.size
	}
	if p.cropSize.ShortestEdge > 0 {
		p.cropSize.Height, p.cropSize.Width = p.cropSize.ShortestEdge, p.cropSize.ShortestEdge
	}
	if err := fillChannels(&p.mean, cfg.ImageMean, "image_mean"); err != nil {
		return nil, err
	}
	if err := fillChannels(&p.std, cfg.ImageStd, "image_std"); err != nil {
		return nil, err
	}
	for _, v := range p.std {
		if v == 0 {
			return nil, errors.New("image_std contains zero")
		}
	}
	return p, nil
}

// Preprocess returns the pixel data and its [1,3,H,W] shape.
func (p *Preprocessor) Preprocess(img image.Image) ([]float32, []int64, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, nil, errors.New("image has no pixels")
	}

	// Clone flattens any color model into non-premultiplied RGBA; alpha is
	// ignored below, matching a plain RGB conversion.
	rgb := imaging.Clone(img)

	if p.doResize {
		rgb = imaging.Clone(p.resize(rgb))
	}
	if p.doCenterCrop {
		rgb = imaging.CropCenter(rgb, p.cropSize.Width, p.cropSize.Height)
	}

	bounds := rgb.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		row := rgb.Pix[y*rgb.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+3]
			pixelIndex := y*width + x
			for c := 0; c < 3; c++ {
				v := float32(px[c])
				if p.doRescale {
					v = float32(float64(px[c]) * p.rescale)
				}
				if p.doNormalize {
					v = (v - p.mean[c]) / p.std[c]
				}
				data[c*plane+pixelIndex] = v
			}
		}
	}

	return data, []int64{1, 3, int64(height), int64(width)}, nil
}

func (p *Preprocessor) resize(img *image.NRGBA) image.Image {
	if p.size.ShortestEdge > 0 {
		edge := uint(p.size.ShortestEdge)
		b := img.Bounds()
		// A zero dimension tells resize to keep the aspect ratio.
		if b.Dx() <= b.Dy() {
			return resize.Resize(edge, 0, img, p.filter)
		}
		return resize.Resize(0, edge, img, p.filter)
	}
	return resize.Resize(uint(p.size.Width), uint(p.size.Height), img, p.filter)
}

// resampleFilter maps PIL resample codes onto resize filters.
func resampleFilter(code int) resize.InterpolationFunction {
	switch code {
	case 0:
		return resize.NearestNeighbor
	case 1:
		return resize.Lanczos3
	case 2:
		return resize.Bilinear
	default:
		return resize.Bicubic
	}
}

func fillChannels(dst *[3]float32, src []float32, name string) error {
	switch len(src) {
	case 0:
		return nil
	case 1:
		dst[0], dst[1], dst[2] = src[0], src[0], src[0]
		return nil
	case 3:
		copy(dst[:], src)
		return nil
	}
	return fmt.Errorf("%s must have 1 or 3 values, got %d", name, len(src))
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
