package model

import "encoding/json"

// ModelConfig is the subset of the model's config.json the server reads.
type ModelConfig struct {
	ModelType    string          `json:"model_type"`
	Architecture []string        `json:"architectures"`
	ID2Label     json.RawMessage `json:"id2label"`
}

// PreprocessorConfig mirrors preprocessor_config.json. Pointer fields are
// optional; absent values fall back to the image-processor defaults.
type PreprocessorConfig struct {
	DoResize      *bool     `json:"do_resize"`
	Size          ImageSize `json:"size"`
	Resample      *int      `json:"resample"`
	DoCenterCrop  *bool     `json:"do_center_crop"`
	CropSize      ImageSize `json:"crop_size"`
	DoRescale     *bool     `json:"do_rescale"`
	RescaleFactor *float64  `json:"rescale_factor"`
	DoNormalize   *bool     `json:"do_normalize"`
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
}

// Prediction is one (label, score) pair. Score is a probability in [0,1].
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}
