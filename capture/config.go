package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/capture-tracking/tracker"
)

var (
	DefaultCameraLabel     = "pi"
	DefaultImageRoot       = "./imgs"
	DefaultWidth           = 640
	DefaultHeight          = 480
	DefaultCaptureWidth    = 1280
	DefaultCaptureHeight   = 960
	DefaultCaptureInterval = 60.0
	DefaultLoopDelayMs     = 300
	DefaultMinConfidence   = 0.3
	DefaultPersonLabel     = "person"
	DefaultMaxDeviceErrors = 3
	DefaultPersistLabels   = []string{"person", "bird", "cat", "wine glass", "cup", "sandwich"}
)

// Config contains names for necessary resources (camera and detector) and the
// capture settings shared by both models.
type Config struct {
	CameraName      string             `json:"camera_name"`
	DetectorName    string             `json:"detector_name"`
	CameraLabel     string             `json:"camera_label,omitempty"`
	ImageRoot       string             `json:"image_root,omitempty"`
	Rotation        int                `json:"rotation,omitempty"`
	CaptureWidth    int                `json:"capture_width,omitempty"`
	CaptureHeight   int                `json:"capture_height,omitempty"`
	Width           int                `json:"width,omitempty"`
	Height          int                `json:"height,omitempty"`
	CaptureInterval float64            `json:"capture_interval_s,omitempty"`
	LoopDelayMs     *int               `json:"loop_delay_ms,omitempty"`
	MinConfidence   *float64           `json:"min_confidence,omitempty"`
	ChosenLabels    map[string]float64 `json:"chosen_labels,omitempty"`
	PersistLabels   []string           `json:"persist_labels,omitempty"`
	PersonLabel     string             `json:"person_label,omitempty"`
	MaxDisappeared  *int               `json:"max_disappeared,omitempty"`
	Matcher         string             `json:"matcher,omitempty"`
	MaxDeviceErrors int                `json:"max_device_errors,omitempty"`
	JournalPath     string             `json:"journal_path,omitempty"`
}

// Validate validates the config and returns implicit dependencies.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for capture service %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, fmt.Errorf(`expected "detector_name" attribute for capture service %q`, path)
	}
	switch cfg.Rotation {
	case 0, 90, 180, 270:
	default:
		return nil, errors.Errorf("rotation must be one of 0, 90, 180 or 270, got %d", cfg.Rotation)
	}
	if cfg.Width < 0 || cfg.Height < 0 || cfg.CaptureWidth < 0 || cfg.CaptureHeight < 0 {
		return nil, errors.New("frame dimensions cannot be negative")
	}
	if cfg.CaptureInterval < 0 {
		return nil, errors.New("capture_interval_s is a duration given in seconds and should be above 0")
	}
	if cfg.LoopDelayMs != nil && *cfg.LoopDelayMs < 0 {
		return nil, errors.New("loop_delay_ms cannot be less than 0")
	}
	if cfg.MinConfidence != nil && (*cfg.MinConfidence < 0 || *cfg.MinConfidence > 1) {
		return nil, errors.New("minimum thresholding confidence must be between 0.0 and 1.0")
	}
	for label, conf := range cfg.ChosenLabels {
		if conf < 0 || conf > 1 {
			return nil, errors.Errorf("confidence for label %q must be between 0.0 and 1.0", label)
		}
	}
	if cfg.MaxDisappeared != nil && *cfg.MaxDisappeared < 0 {
		return nil, errors.New("attribute max_disappeared cannot be less than 0")
	}
	if _, ok := tracker.MatcherByName(cfg.Matcher); !ok {
		return nil, errors.Errorf(`matcher must be "greedy" or "hungarian", got %q`, cfg.Matcher)
	}
	if cfg.MaxDeviceErrors < 0 {
		return nil, errors.New("attribute max_device_errors cannot be less than 0")
	}
	return []string{cfg.CameraName, cfg.DetectorName}, nil
}

// settings is the config with every default applied.
type settings struct {
	cameraName      string
	detectorName    string
	cameraLabel     string
	imageRoot       string
	rotation        int
	captureWidth    int
	captureHeight   int
	width           int
	height          int
	captureInterval time.Duration
	loopDelay       time.Duration
	minConfidence   float64
	chosenLabels    map[string]float64
	persistLabels   []string
	personLabel     string
	maxDisappeared  int
	matcher         tracker.Matcher
	maxDeviceErrors int
	journalPath     string
}

func (cfg *Config) settings() settings {
	s := settings{
		cameraName:      cfg.CameraName,
		detectorName:    cfg.DetectorName,
		cameraLabel:     orDefault(cfg.CameraLabel, DefaultCameraLabel),
		imageRoot:       orDefault(cfg.ImageRoot, DefaultImageRoot),
		rotation:        cfg.Rotation,
		captureWidth:    orDefault(cfg.CaptureWidth, DefaultCaptureWidth),
		captureHeight:   orDefault(cfg.CaptureHeight, DefaultCaptureHeight),
		width:           orDefault(cfg.Width, DefaultWidth),
		height:          orDefault(cfg.Height, DefaultHeight),
		captureInterval: time.Duration(orDefault(cfg.CaptureInterval, DefaultCaptureInterval) * float64(time.Second)),
		loopDelay:       time.Duration(DefaultLoopDelayMs) * time.Millisecond,
		minConfidence:   DefaultMinConfidence,
		chosenLabels:    normalizeLabelMap(cfg.ChosenLabels),
		persistLabels:   DefaultPersistLabels,
		personLabel:     normalizeLabel(orDefault(cfg.PersonLabel, DefaultPersonLabel)),
		maxDisappeared:  tracker.DefaultMaxDisappeared,
		maxDeviceErrors: orDefault(cfg.MaxDeviceErrors, DefaultMaxDeviceErrors),
		journalPath:     cfg.JournalPath,
	}
	if cfg.LoopDelayMs != nil {
		s.loopDelay = time.Duration(*cfg.LoopDelayMs) * time.Millisecond
	}
	if cfg.MinConfidence != nil {
		s.minConfidence = *cfg.MinConfidence
	}
	if len(cfg.PersistLabels) > 0 {
		s.persistLabels = cfg.PersistLabels
	}
	if cfg.MaxDisappeared != nil {
		s.maxDisappeared = *cfg.MaxDisappeared
	}
	s.matcher, _ = tracker.MatcherByName(cfg.Matcher)
	return s
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func normalizeLabelMap(labels map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(labels))
	for label, conf := range labels {
		out[normalizeLabel(label)] = conf
	}
	return out
}
