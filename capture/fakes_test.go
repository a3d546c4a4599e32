package capture

import (
	"context"
	"image"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

var (
	errNoFrame  = errors.New("camera unplugged")
	errNoDevice = errors.New("no such device")
)

// FakeSource hands out sessions over a scripted list of frames. A nil frame is
// returned as a device error.
type FakeSource struct {
	frames  []image.Image
	it      int
	openErr error
	// openFailures is the number of Open calls that fail before the camera shows up.
	openFailures int
	opened       int
	closed  int
	// onExhausted runs once the script has no frames left.
	onExhausted func()
}

func (fs *FakeSource) Open(ctx context.Context) (Session, error) {
	if fs.openErr != nil {
		return nil, fs.openErr
	}
	if fs.openFailures > 0 {
		fs.openFailures--
		return nil, errNoDevice
	}
	fs.opened++
	return &fakeSession{src: fs}, nil
}

type fakeSession struct {
	src *FakeSource
}

func (s *fakeSession) Next(ctx context.Context) (image.Image, error) {
	fs := s.src
	if fs.it >= len(fs.frames) {
		if fs.onExhausted != nil {
			fs.onExhausted()
		}
		return nil, errNoFrame
	}
	img := fs.frames[fs.it]
	fs.it++
	if img == nil {
		return nil, errNoFrame
	}
	return img, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.src.closed++
	return nil
}

type FakeDetector struct {
	it  int
	res [][]objdet.Detection
	err error
}

func (fd *FakeDetector) Detect(ctx context.Context, img image.Image) ([]objdet.Detection, error) {
	if fd.err != nil {
		return nil, fd.err
	}
	fd.it += 1
	if fd.it > len(fd.res) {
		return nil, nil
	}
	return fd.res[fd.it-1], nil
}

func frame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, DefaultWidth, DefaultHeight))
}

func frames(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		out[i] = frame()
	}
	return out
}

// detAt returns a 20x20 detection centered on (x, y).
func detAt(label string, x, y int, score float64) objdet.Detection {
	return objdet.NewDetection(image.Rect(x-10, y-10, x+10, y+10), score, label)
}
