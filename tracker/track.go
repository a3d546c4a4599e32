package tracker

import (
	"image"
	"math"
	"sort"
)

// Object is a tracked identity and its last known position.
type Object struct {
	ID          int
	Centroid    image.Point
	Disappeared int
}

// Centroid returns the center of a bounding box, rounded to the nearest pixel.
func Centroid(box image.Rectangle) image.Point {
	cx := math.Round(float64(box.Min.X+box.Max.X) / 2)
	cy := math.Round(float64(box.Min.Y+box.Max.Y) / 2)
	return image.Pt(int(cx), int(cy))
}

// Centroids maps each box to its centroid, preserving order.
func Centroids(boxes []image.Rectangle) []image.Point {
	out := make([]image.Point, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, Centroid(b))
	}
	return out
}

// IDs returns the ids of objs in the order given.
func IDs(objs []Object) []int {
	ids := make([]int, 0, len(objs))
	for _, o := range objs {
		ids = append(ids, o.ID)
	}
	return ids
}

// Contains reports whether an object with the given id is in objs.
func Contains(objs []Object, id int) bool {
	for _, o := range objs {
		if o.ID == id {
			return true
		}
	}
	return false
}

func sortedObjects(objects map[int]*Object) []Object {
	out := make([]Object, 0, len(objects))
	for _, o := range objects {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
