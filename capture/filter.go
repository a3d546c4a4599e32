// Package capture runs the capture, detect, track and persist cycle as a Viam service.
// This file contains methods that are useful for filtering out detections.
package capture

import (
	"image"

	objdet "go.viam.com/rdk/vision/objectdetection"
)

// NewAdvancedFilter returns a Detections->Detections filtering method to remove
// detections that do not have a class name in chosenLabels and/or do not have the
// associated minimum confidence. An empty input map will return all detections.
// Input chosenLabels is the map with <"class_name": confidence> key-value pairs.
func NewAdvancedFilter(chosenLabels map[string]float64) objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		if len(chosenLabels) < 1 {
			return detections
		}
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			minConf, ok := chosenLabels[normalizeLabel(d.Label())]
			if ok && d.Score() >= minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// FilterDetections applies the label allow-list and then the global confidence threshold.
func FilterDetections(chosenLabels map[string]float64, dets []objdet.Detection, conf float64) []objdet.Detection {
	firstPass := NewAdvancedFilter(chosenLabels)(dets)
	return objdet.NewScoreFilter(conf)(firstPass)
}

// LabelSet is a set of normalized class labels. Membership is exact: "cup" does not
// match "cupcake".
type LabelSet map[string]struct{}

// NewLabelSet builds a set from labels, normalizing each one.
func NewLabelSet(labels ...string) LabelSet {
	set := make(LabelSet, len(labels))
	for _, l := range labels {
		set[normalizeLabel(l)] = struct{}{}
	}
	return set
}

// Has reports whether label is in the set.
func (s LabelSet) Has(label string) bool {
	_, ok := s[normalizeLabel(label)]
	return ok
}

// AnyIn reports whether any detection carries a label in the set.
func (s LabelSet) AnyIn(dets []objdet.Detection) bool {
	for _, d := range dets {
		if s.Has(d.Label()) {
			return true
		}
	}
	return false
}

// Classes returns the distinct normalized labels of dets in order of first appearance.
func Classes(dets []objdet.Detection) []string {
	seen := make(map[string]struct{}, len(dets))
	out := make([]string, 0, len(dets))
	for _, d := range dets {
		label := normalizeLabel(d.Label())
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}

// Boxes returns the bounding boxes of dets.
func Boxes(dets []objdet.Detection) []image.Rectangle {
	out := make([]image.Rectangle, 0, len(dets))
	for _, d := range dets {
		out = append(out, *d.BoundingBox())
	}
	return out
}
