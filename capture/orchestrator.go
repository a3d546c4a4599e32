package capture

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/capture-tracking/history"
	"github.com/viam-modules/capture-tracking/tracker"
)

// ErrDeviceFailure is returned once consecutive camera failures reach the limit.
// The operator has to intervene before cycles resume.
var ErrDeviceFailure = errors.New("camera failed repeatedly")

// State is a step of the capture cycle.
type State int

const (
	// Idle is the resting state between cycles.
	Idle State = iota
	// Capturing acquires a frame from the camera.
	Capturing
	// Detecting runs the detector over the frame.
	Detecting
	// Tracking feeds the filtered boxes to the identity tracker.
	Tracking
	// Persisting annotates and writes the frame.
	Persisting
	// Skipping ends a cycle that had nothing worth saving.
	Skipping
)

func (s State) String() string {
	switch s {
	case Capturing:
		return "capturing"
	case Detecting:
		return "detecting"
	case Tracking:
		return "tracking"
	case Persisting:
		return "persisting"
	case Skipping:
		return "skipping"
	default:
		return "idle"
	}
}

// CycleResult describes how a cycle ended. State is the last state entered before
// returning to Idle; a cycle aborted by the camera ends in Capturing.
type CycleResult struct {
	ID         string
	State      State
	At         time.Time
	Detections []objdet.Detection
	Objects    []tracker.Object
	Path       string
	Err        error
}

// Persisted reports whether the cycle wrote an artifact.
func (r CycleResult) Persisted() bool {
	return r.State == Persisting && r.Err == nil
}

// Recorder receives every tracking artifact that was written.
type Recorder interface {
	Append(ctx context.Context, e history.Entry) error
}

// Orchestrator drives the cycle. Cycles never overlap: a running cycle holds the
// orchestrator until it returns to Idle.
type Orchestrator struct {
	cycleMu sync.Mutex

	source        Source
	detector      Detector
	tracker       *tracker.Tracker
	policy        Policy
	store         Store
	recorder      Recorder
	logger        logging.Logger
	clock         clock.Clock
	chosenLabels  map[string]float64
	minConfidence float64

	maxDeviceErrors int
	deviceErrors    int
	last            CycleResult

	runMu    sync.Mutex
	running  chan struct{}
	requests chan captureRequest
}

// captureRequest asks a running Run loop for an extra cycle on its session.
type captureRequest struct {
	reply chan CycleResult
}

// Params groups the collaborators of an Orchestrator.
type Params struct {
	Source          Source
	Detector        Detector
	Tracker         *tracker.Tracker
	Policy          Policy
	Store           Store
	Recorder        Recorder
	Logger          logging.Logger
	Clock           clock.Clock
	ChosenLabels    map[string]float64
	MinConfidence   float64
	MaxDeviceErrors int
}

// NewOrchestrator returns an idle orchestrator.
func NewOrchestrator(p Params) *Orchestrator {
	o := &Orchestrator{
		source:          p.Source,
		detector:        p.Detector,
		tracker:         p.Tracker,
		policy:          p.Policy,
		store:           p.Store,
		recorder:        p.Recorder,
		logger:          p.Logger,
		clock:           p.Clock,
		chosenLabels:    p.ChosenLabels,
		minConfidence:   p.MinConfidence,
		maxDeviceErrors: p.MaxDeviceErrors,
		requests:        make(chan captureRequest),
	}
	if o.tracker == nil {
		o.tracker = tracker.New()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.maxDeviceErrors <= 0 {
		o.maxDeviceErrors = DefaultMaxDeviceErrors
	}
	return o
}

// Tracker returns the identity tracker the orchestrator updates.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

// DeviceErrors returns the number of consecutive camera failures.
func (o *Orchestrator) DeviceErrors() int {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.deviceErrors
}

// LastResult returns the result of the most recent cycle.
func (o *Orchestrator) LastResult() CycleResult {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.last
}

// ResetDeviceErrors clears the failure count after the operator fixed the camera.
func (o *Orchestrator) ResetDeviceErrors() {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.deviceErrors = 0
}

// RunOnce opens a camera session, runs a single cycle and releases the camera.
func (o *Orchestrator) RunOnce(ctx context.Context) CycleResult {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	sess, err := o.source.Open(ctx)
	if err != nil {
		o.last = o.deviceFailure(o.newResult(), err)
		return o.last
	}
	defer o.closeSession(ctx, sess)
	o.last = o.cycle(ctx, sess)
	return o.last
}

// Capture runs one cycle on demand. While Run holds the camera the cycle runs on
// its session, otherwise a session is opened for the cycle like RunOnce.
func (o *Orchestrator) Capture(ctx context.Context) CycleResult {
	o.runMu.Lock()
	running := o.running
	o.runMu.Unlock()
	if running == nil {
		return o.RunOnce(ctx)
	}

	req := captureRequest{reply: make(chan CycleResult, 1)}
	select {
	case o.requests <- req:
	case <-running:
		return o.RunOnce(ctx)
	case <-ctx.Done():
		return CycleResult{State: Idle, Err: ctx.Err()}
	}
	select {
	case res := <-req.reply:
		return res
	case <-running:
		return o.LastResult()
	case <-ctx.Done():
		return CycleResult{State: Idle, Err: ctx.Err()}
	}
}

// Run holds a camera session and runs cycles back to back, waiting delay between
// them, until ctx is done or the camera fails too often. A failed open or frame
// releases the session and the next cycle reopens it. The last result is returned.
func (o *Orchestrator) Run(ctx context.Context, delay time.Duration) (CycleResult, error) {
	running := make(chan struct{})
	o.runMu.Lock()
	o.running = running
	o.runMu.Unlock()
	defer func() {
		o.runMu.Lock()
		o.running = nil
		o.runMu.Unlock()
		close(running)
	}()

	var sess Session
	defer func() {
		if sess != nil {
			o.closeSession(ctx, sess)
		}
	}()

	var last CycleResult
	var pending *captureRequest
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		o.cycleMu.Lock()
		if sess == nil {
			var err error
			if sess, err = o.source.Open(ctx); err != nil {
				sess = nil
				last = o.deviceFailure(o.newResult(), err)
			}
		}
		if sess != nil {
			last = o.cycle(ctx, sess)
		}
		o.last = last
		o.cycleMu.Unlock()

		if pending != nil {
			pending.reply <- last
			pending = nil
		}
		if errors.Is(last.Err, ErrDeviceFailure) {
			return last, last.Err
		}
		if sess != nil && last.State == Capturing && last.Err != nil && ctx.Err() == nil {
			o.closeSession(ctx, sess)
			sess = nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case req := <-o.requests:
			pending = &req
		case <-o.clock.After(delay):
		}
	}
}

func (o *Orchestrator) newResult() CycleResult {
	return CycleResult{ID: uuid.NewString(), State: Capturing, At: o.clock.Now()}
}

func (o *Orchestrator) closeSession(ctx context.Context, sess Session) {
	if err := sess.Close(ctx); err != nil {
		o.logger.Warnf("unable to release camera: %v", err)
	}
}

// cycle runs capture through persist on an open session. Callers hold cycleMu.
func (o *Orchestrator) cycle(ctx context.Context, sess Session) CycleResult {
	res := o.newResult()
	img, err := sess.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		return o.deviceFailure(res, err)
	}
	o.deviceErrors = 0

	res.State = Detecting
	res.Detections = o.detect(ctx, res.ID, img)

	res.State = Tracking
	obs := Observation{Detections: res.Detections, PreviousNextID: o.tracker.NextID()}
	obs.Objects = o.tracker.Update(Boxes(res.Detections))
	res.Objects = obs.Objects

	if len(obs.Detections) == 0 || !o.policy.ShouldPersist(obs) {
		res.State = Skipping
		o.logger.Debugf("cycle %s skipped: %d detections, %d objects", res.ID, len(obs.Detections), len(obs.Objects))
		return res
	}

	res.State = Persisting
	res.Path, res.Err = o.persist(ctx, res, img, obs)
	if res.Err != nil {
		o.logger.Errorf("cycle %s failed: %v", res.ID, res.Err)
		return res
	}
	o.logger.Infof("cycle %s saved %s", res.ID, res.Path)
	return res
}

func (o *Orchestrator) detect(ctx context.Context, cycleID string, img image.Image) []objdet.Detection {
	dets, err := o.detector.Detect(ctx, img)
	if err != nil {
		o.logger.Warnf("cycle %s: can't get detections, treating frame as empty: %v", cycleID, err)
		return nil
	}
	return FilterDetections(o.chosenLabels, dets, o.minConfidence)
}

func (o *Orchestrator) persist(ctx context.Context, res CycleResult, img image.Image, obs Observation) (string, error) {
	var marked []tracker.Object
	if o.policy.Mode() == history.TrackingMode {
		marked = obs.Objects
	}
	annotated, err := Annotate(img, obs.Detections, marked)
	if err != nil {
		return "", errors.Wrapf(ErrPersist, "%v", err)
	}
	artifact := o.policy.Artifact(res.At, obs)
	path, err := o.store.Write(ctx, artifact, annotated)
	if err != nil {
		return "", err
	}
	if o.recorder != nil && artifact.Mode == history.TrackingMode {
		entry := history.Entry{CycleID: res.ID, CapturedAt: res.At, Path: path, IDs: artifact.IDs}
		if err := o.recorder.Append(ctx, entry); err != nil {
			// the image is on disk, so the names still carry the history
			o.logger.Warnf("cycle %s: unable to journal %s: %v", res.ID, path, err)
		}
	}
	return path, nil
}

func (o *Orchestrator) deviceFailure(res CycleResult, err error) CycleResult {
	o.deviceErrors++
	res.State = Capturing
	if o.deviceErrors >= o.maxDeviceErrors {
		res.Err = errors.Wrapf(ErrDeviceFailure, "%d consecutive failures, last: %v", o.deviceErrors, err)
		o.logger.Errorf("cycle %s: %v", res.ID, res.Err)
		return res
	}
	res.Err = err
	o.logger.Errorf("cycle %s aborted: %v", res.ID, err)
	return res
}
