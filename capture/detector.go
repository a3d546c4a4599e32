package capture

import (
	"context"
	"image"

	"go.viam.com/rdk/services/vision"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

// Detector is the object detection capability the cycle needs.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]objdet.Detection, error)
}

// VisionDetector adapts a vision service to Detector.
type VisionDetector struct {
	Service vision.Service
}

// Detect implements Detector.
func (v VisionDetector) Detect(ctx context.Context, img image.Image) ([]objdet.Detection, error) {
	return v.Service.Detections(ctx, img, nil)
}
