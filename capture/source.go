package capture

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/logging"
)

// Source hands out exclusive camera sessions.
type Source interface {
	Open(ctx context.Context) (Session, error)
}

// Session yields frames until it is closed.
type Session interface {
	Next(ctx context.Context) (image.Image, error)
	Close(ctx context.Context) error
}

// Preprocess rotates img clockwise by rotation degrees and resizes it to width x height
// when it is not already that size.
func Preprocess(img image.Image, rotation, width, height int) image.Image {
	switch rotation {
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	}
	if width <= 0 || height <= 0 {
		return img
	}
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		img = imaging.Resize(img, width, height, imaging.Linear)
	}
	return img
}

type cameraSource struct {
	cam                         camera.Camera
	logger                      logging.Logger
	rotation                    int
	captureWidth, captureHeight int
	width, height               int
}

func newCameraSource(cam camera.Camera, s settings, logger logging.Logger) *cameraSource {
	return &cameraSource{
		cam:           cam,
		logger:        logger,
		rotation:      s.rotation,
		captureWidth:  s.captureWidth,
		captureHeight: s.captureHeight,
		width:         s.width,
		height:        s.height,
	}
}

func (c *cameraSource) Open(ctx context.Context) (Session, error) {
	stream, err := c.cam.Stream(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open camera stream")
	}
	return &cameraSession{source: c, stream: stream}, nil
}

type cameraSession struct {
	source *cameraSource
	stream gostream.VideoStream
	warned bool
}

func (s *cameraSession) Next(ctx context.Context) (image.Image, error) {
	img, release, err := s.stream.Next(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "can't get image")
	}
	if release != nil {
		defer release()
	}
	if img == nil {
		return nil, errors.New("got nil image")
	}
	c := s.source
	if b := img.Bounds(); !s.warned && (b.Dx() != c.captureWidth || b.Dy() != c.captureHeight) {
		c.logger.Debugf("camera frame is %dx%d, expected %dx%d", b.Dx(), b.Dy(), c.captureWidth, c.captureHeight)
		s.warned = true
	}
	// the processed copy never aliases the released frame
	return imaging.Clone(Preprocess(img, c.rotation, c.width, c.height)), nil
}

func (s *cameraSession) Close(ctx context.Context) error {
	return s.stream.Close(ctx)
}
