package capture

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/capture-tracking/tracker"
)

const centroidRadius = 4

// Annotate draws the detection boxes on img, and when objs is not empty an id label
// and a filled marker at each object's centroid.
func Annotate(img image.Image, dets []objdet.Detection, objs []tracker.Object) (image.Image, error) {
	out := img
	if len(dets) > 0 {
		var err error
		out, err = objdet.Overlay(img, dets)
		if err != nil {
			return nil, errors.Wrap(err, "unable to draw detections")
		}
	}
	if len(objs) == 0 {
		return out, nil
	}
	dc := gg.NewContextForImage(out)
	dc.SetRGB(0, 1, 0)
	for _, o := range objs {
		x, y := float64(o.Centroid.X), float64(o.Centroid.Y)
		dc.DrawString(fmt.Sprintf("ID %d", o.ID), x-10, y-10)
		dc.DrawCircle(x, y, centroidRadius)
		dc.Fill()
	}
	return dc.Image(), nil
}
