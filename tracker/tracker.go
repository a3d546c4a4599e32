// Package tracker assigns persistent identities to detections across frames by
// nearest-centroid matching. It knows nothing about images, detectors or storage.
package tracker

import (
	"image"
	"sync"
)

// DefaultMaxDisappeared is the number of consecutive unmatched updates an object
// survives before it is retired.
var DefaultMaxDisappeared = 20

// Tracker maintains the live set of objects and the id counter.
type Tracker struct {
	mu             sync.Mutex
	objects        map[int]*Object
	nextObjectID   int
	maxDisappeared int
	matcher        Matcher
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStartID seeds the id counter, typically from reconciled history.
func WithStartID(id int) Option {
	return func(t *Tracker) {
		if id > 0 {
			t.nextObjectID = id
		}
	}
}

// WithMaxDisappeared overrides DefaultMaxDisappeared. Negative values are ignored.
func WithMaxDisappeared(n int) Option {
	return func(t *Tracker) {
		if n >= 0 {
			t.maxDisappeared = n
		}
	}
}

// WithMatcher selects the assignment strategy. The default is Greedy.
func WithMatcher(m Matcher) Option {
	return func(t *Tracker) {
		if m != nil {
			t.matcher = m
		}
	}
}

// New returns an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		objects:        make(map[int]*Object),
		maxDisappeared: DefaultMaxDisappeared,
		matcher:        Greedy{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NextID returns the id the next registered object will receive.
func (t *Tracker) NextID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextObjectID
}

// MaxDisappeared returns the retirement threshold.
func (t *Tracker) MaxDisappeared() int {
	return t.maxDisappeared
}

// Objects returns a snapshot of the live objects in ascending id order.
func (t *Tracker) Objects() []Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedObjects(t.objects)
}

// Update matches the boxes of the current frame against the live objects and returns
// every live object, ascending by id. Unmatched objects age by one and are retired
// once they exceed the threshold; unmatched boxes are registered under fresh ids.
func (t *Tracker) Update(boxes []image.Rectangle) []Object {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(boxes) == 0 {
		for id := range t.objects {
			t.markDisappeared(id)
		}
		return sortedObjects(t.objects)
	}

	centroids := Centroids(boxes)
	if len(t.objects) == 0 {
		for _, c := range centroids {
			t.register(c)
		}
		return sortedObjects(t.objects)
	}

	existing := sortedObjects(t.objects)
	points := make([]image.Point, 0, len(existing))
	for _, o := range existing {
		points = append(points, o.Centroid)
	}
	pairs := t.matcher.Match(DistanceMatrix(points, centroids))

	// commit only after matching is complete
	claimedRows := make([]bool, len(existing))
	claimedCols := make([]bool, len(centroids))
	for _, p := range pairs {
		obj := t.objects[existing[p.Row].ID]
		obj.Centroid = centroids[p.Col]
		obj.Disappeared = 0
		claimedRows[p.Row], claimedCols[p.Col] = true, true
	}
	for row, claimed := range claimedRows {
		if !claimed {
			t.markDisappeared(existing[row].ID)
		}
	}
	for col, claimed := range claimedCols {
		if !claimed {
			t.register(centroids[col])
		}
	}
	return sortedObjects(t.objects)
}

func (t *Tracker) register(c image.Point) {
	t.objects[t.nextObjectID] = &Object{ID: t.nextObjectID, Centroid: c}
	t.nextObjectID++
}

func (t *Tracker) markDisappeared(id int) {
	obj := t.objects[id]
	obj.Disappeared++
	if obj.Disappeared > t.maxDisappeared {
		delete(t.objects, id)
	}
}
