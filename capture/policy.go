package capture

import (
	"time"

	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/capture-tracking/history"
	"github.com/viam-modules/capture-tracking/tracker"
)

// Observation is what a cycle saw after tracking.
type Observation struct {
	Detections []objdet.Detection
	Objects    []tracker.Object
	// PreviousNextID is the tracker's next id before this cycle's update.
	PreviousNextID int
}

// Policy decides whether a cycle persists its frame and how the artifact is named.
type Policy interface {
	Mode() history.Mode
	// ShouldPersist is only asked when the observation has at least one detection.
	ShouldPersist(obs Observation) bool
	Artifact(at time.Time, obs Observation) history.Artifact
}

// CapturePolicy persists frames showing any class of Labels and names them by class.
type CapturePolicy struct {
	Labels LabelSet
}

// Mode implements Policy.
func (p CapturePolicy) Mode() history.Mode { return history.CaptureMode }

// ShouldPersist implements Policy.
func (p CapturePolicy) ShouldPersist(obs Observation) bool {
	return p.Labels.AnyIn(obs.Detections)
}

// Artifact implements Policy.
func (p CapturePolicy) Artifact(at time.Time, obs Observation) history.Artifact {
	return history.Artifact{Time: at, Mode: history.CaptureMode, Classes: Classes(obs.Detections)}
}

// TrackingPolicy persists frames with a person in them when the object registered first
// in this cycle is live, so each newly registered person yields one artifact.
type TrackingPolicy struct {
	PersonLabel string
}

// Mode implements Policy.
func (p TrackingPolicy) Mode() history.Mode { return history.TrackingMode }

// ShouldPersist implements Policy.
func (p TrackingPolicy) ShouldPersist(obs Observation) bool {
	if !NewLabelSet(p.PersonLabel).AnyIn(obs.Detections) {
		return false
	}
	return tracker.Contains(obs.Objects, obs.PreviousNextID)
}

// Artifact implements Policy.
func (p TrackingPolicy) Artifact(at time.Time, obs Observation) history.Artifact {
	return history.Artifact{Time: at, Mode: history.TrackingMode, IDs: tracker.IDs(obs.Objects)}
}
