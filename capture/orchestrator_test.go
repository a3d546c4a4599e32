package capture

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/test"

	"github.com/viam-modules/capture-tracking/history"
	"github.com/viam-modules/capture-tracking/tracker"
)

var testStart = time.Date(2024, 3, 9, 7, 5, 30, 0, time.Local)

type harness struct {
	root   string
	clock  *clock.Mock
	source *FakeSource
	det    *FakeDetector
	orch   *Orchestrator
}

func newHarness(t *testing.T, policy Policy, res [][]objdet.Detection, opts ...func(*Params)) *harness {
	t.Helper()
	h := &harness{
		root:   t.TempDir(),
		clock:  clock.NewMock(),
		source: &FakeSource{frames: frames(len(res))},
		det:    &FakeDetector{res: res},
	}
	h.clock.Set(testStart)
	p := Params{
		Source:        h.source,
		Detector:      h.det,
		Tracker:       tracker.New(),
		Policy:        policy,
		Store:         Store{Root: h.root, CameraLabel: "pi"},
		Logger:        logging.NewTestLogger(t),
		Clock:         h.clock,
		MinConfidence: DefaultMinConfidence,
	}
	for _, opt := range opts {
		opt(&p)
	}
	h.orch = NewOrchestrator(p)
	return h
}

func (h *harness) dayDir() string {
	return filepath.Join(h.root, "pi", testStart.Format("20060102"))
}

func (h *harness) artifacts(t testing.TB) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dayDir())
	if os.IsNotExist(err) {
		return nil
	}
	test.That(t, err, test.ShouldBeNil)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func watch(labels ...string) Policy {
	return CapturePolicy{Labels: NewLabelSet(labels...)}
}

func TestCapturePersistsWatchedClass(t *testing.T) {
	h := newHarness(t, watch("cat"), [][]objdet.Detection{
		{detAt("cat", 100, 100, 0.9)},
	})
	res := h.orch.RunOnce(context.Background())
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Persisting)
	test.That(t, res.Persisted(), test.ShouldBeTrue)
	test.That(t, res.Path, test.ShouldEqual, filepath.Join(h.dayDir(), "070530_cat_.jpg"))
	test.That(t, h.artifacts(t), test.ShouldResemble, []string{"070530_cat_.jpg"})

	// the camera is released after a single-shot cycle
	test.That(t, h.source.opened, test.ShouldEqual, 1)
	test.That(t, h.source.closed, test.ShouldEqual, 1)

	data, err := os.ReadFile(res.Path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(data), test.ShouldBeGreaterThan, 0)
}

func TestCaptureSkipsUnwatchedClass(t *testing.T) {
	h := newHarness(t, watch("cat"), [][]objdet.Detection{
		{detAt("car", 100, 100, 0.9)},
	})
	res := h.orch.RunOnce(context.Background())
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Skipping)
	test.That(t, res.Persisted(), test.ShouldBeFalse)
	test.That(t, h.artifacts(t), test.ShouldBeEmpty)
	test.That(t, h.source.closed, test.ShouldEqual, 1)
}

func TestCaptureTokenListsDistinctClasses(t *testing.T) {
	h := newHarness(t, watch("cat"), [][]objdet.Detection{
		{detAt("dog", 50, 50, 0.9), detAt("Cat", 200, 200, 0.8), detAt("dog", 400, 300, 0.7)},
	})
	res := h.orch.RunOnce(context.Background())
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, filepath.Base(res.Path), test.ShouldEqual, "070530_dog-cat_.jpg")
}

func TestCaptureLowConfidenceIgnored(t *testing.T) {
	h := newHarness(t, watch("cat"), [][]objdet.Detection{
		{detAt("cat", 100, 100, 0.1)},
	})
	res := h.orch.RunOnce(context.Background())
	test.That(t, res.State, test.ShouldEqual, Skipping)
	test.That(t, res.Detections, test.ShouldBeEmpty)
	test.That(t, h.artifacts(t), test.ShouldBeEmpty)
}

func TestTrackingPersistsNewPeople(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TrackingPolicy{PersonLabel: "person"}, [][]objdet.Detection{
		{detAt("person", 100, 100, 0.9)},
		{detAt("person", 104, 102, 0.9)},
		{detAt("person", 108, 104, 0.9), detAt("person", 400, 300, 0.9)},
		{detAt("cat", 400, 300, 0.9)},
	}, func(p *Params) {
		p.Tracker = tracker.New(tracker.WithStartID(5))
	})

	res := h.orch.RunOnce(ctx)
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Persisting)
	test.That(t, filepath.Base(res.Path), test.ShouldEqual, "070530_person_5_.jpg")

	// same person, nobody new
	h.clock.Add(time.Second)
	res = h.orch.RunOnce(ctx)
	test.That(t, res.State, test.ShouldEqual, Skipping)
	test.That(t, tracker.IDs(res.Objects), test.ShouldResemble, []int{5})

	h.clock.Add(time.Second)
	res = h.orch.RunOnce(ctx)
	test.That(t, res.State, test.ShouldEqual, Persisting)
	test.That(t, filepath.Base(res.Path), test.ShouldEqual, "070532_person_5-6_.jpg")

	// a new object that is not a person does not save a frame
	h.clock.Add(time.Second)
	res = h.orch.RunOnce(ctx)
	test.That(t, res.State, test.ShouldEqual, Skipping)

	test.That(t, h.artifacts(t), test.ShouldResemble, []string{"070530_person_5_.jpg", "070532_person_5-6_.jpg"})

	// the names written are what a restart reconciles from
	counts := history.Reconcile(history.Walk(h.root))
	test.That(t, counts, test.ShouldResemble, map[int]int{5: 2, 6: 1})
	test.That(t, history.NextStartID(counts), test.ShouldEqual, 7)
}

func TestTrackingJournal(t *testing.T) {
	ctx := context.Background()
	j, err := history.OpenJournal(filepath.Join(t.TempDir(), "history.db"))
	test.That(t, err, test.ShouldBeNil)
	defer j.Close()

	h := newHarness(t, TrackingPolicy{PersonLabel: "person"}, [][]objdet.Detection{
		{detAt("person", 100, 100, 0.9), detAt("person", 300, 100, 0.9)},
	}, func(p *Params) {
		p.Recorder = j
	})
	res := h.orch.RunOnce(ctx)
	test.That(t, res.Persisted(), test.ShouldBeTrue)

	counts, err := j.Counts(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, counts, test.ShouldResemble, map[int]int{0: 1, 1: 1})
}

func TestDetectorErrorTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, watch("cat"), [][]objdet.Detection{
		{detAt("cat", 100, 100, 0.9)},
		nil,
	})
	h.orch.RunOnce(ctx)
	test.That(t, len(h.orch.Tracker().Objects()), test.ShouldEqual, 1)

	h.det.err = errors.New("model crashed")
	h.clock.Add(time.Second)
	res := h.orch.RunOnce(ctx)
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Skipping)
	objs := h.orch.Tracker().Objects()
	test.That(t, len(objs), test.ShouldEqual, 1)
	test.That(t, objs[0].Disappeared, test.ShouldEqual, 1)
}

func TestDeviceErrorsEscalate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, watch("cat"), nil)
	h.source.frames = []image.Image{nil, frame(), nil, nil, nil}

	res := h.orch.RunOnce(ctx)
	test.That(t, res.State, test.ShouldEqual, Capturing)
	test.That(t, errors.Is(res.Err, errNoFrame), test.ShouldBeTrue)
	test.That(t, h.orch.DeviceErrors(), test.ShouldEqual, 1)

	// a good frame resets the count
	res = h.orch.RunOnce(ctx)
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, h.orch.DeviceErrors(), test.ShouldEqual, 0)

	res = h.orch.RunOnce(ctx)
	test.That(t, errors.Is(res.Err, ErrDeviceFailure), test.ShouldBeFalse)
	res = h.orch.RunOnce(ctx)
	test.That(t, errors.Is(res.Err, ErrDeviceFailure), test.ShouldBeFalse)
	res = h.orch.RunOnce(ctx)
	test.That(t, errors.Is(res.Err, ErrDeviceFailure), test.ShouldBeTrue)
	test.That(t, h.orch.LastResult().ID, test.ShouldEqual, res.ID)

	// the camera is released on the failure path as well
	test.That(t, h.source.closed, test.ShouldEqual, h.source.opened)

	h.orch.ResetDeviceErrors()
	test.That(t, h.orch.DeviceErrors(), test.ShouldEqual, 0)
}

func TestOpenFailureCountsAsDeviceError(t *testing.T) {
	h := newHarness(t, watch("cat"), nil, func(p *Params) { p.MaxDeviceErrors = 2 })
	h.source.openErr = errors.New("no such device")
	res := h.orch.RunOnce(context.Background())
	test.That(t, res.State, test.ShouldEqual, Capturing)
	test.That(t, res.Err, test.ShouldNotBeNil)
	res = h.orch.RunOnce(context.Background())
	test.That(t, errors.Is(res.Err, ErrDeviceFailure), test.ShouldBeTrue)
}

func TestPersistFailureKeepsTracking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, watch("cat"), [][]objdet.Detection{
		{detAt("cat", 100, 100, 0.9)},
		{detAt("cat", 102, 102, 0.9), detAt("cat", 300, 300, 0.9)},
	})
	// a regular file where the camera directory should go
	blocked := filepath.Join(h.root, "blocked")
	test.That(t, os.WriteFile(blocked, []byte("x"), 0o644), test.ShouldBeNil)
	h.orch.store = Store{Root: blocked, CameraLabel: "pi"}

	res := h.orch.RunOnce(ctx)
	test.That(t, res.State, test.ShouldEqual, Persisting)
	test.That(t, errors.Is(res.Err, ErrPersist), test.ShouldBeTrue)
	test.That(t, h.orch.Tracker().NextID(), test.ShouldEqual, 1)

	h.orch.store = Store{Root: h.root, CameraLabel: "pi"}
	h.clock.Add(time.Second)
	res = h.orch.RunOnce(ctx)
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, tracker.IDs(res.Objects), test.ShouldResemble, []int{0, 1})
	test.That(t, h.artifacts(t), test.ShouldResemble, []string{"070531_cat_.jpg"})
}

func TestRunHoldsCameraForWholeRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, TrackingPolicy{PersonLabel: "person"}, [][]objdet.Detection{
		{detAt("person", 100, 100, 0.9)},
		{detAt("person", 101, 101, 0.9)},
		{detAt("person", 102, 102, 0.9)},
	}, func(p *Params) {
		p.Clock = clock.New()
	})
	h.source.onExhausted = cancel

	res, err := h.orch.Run(ctx, time.Millisecond)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, errors.Is(res.Err, ErrDeviceFailure), test.ShouldBeFalse)
	test.That(t, h.source.opened, test.ShouldEqual, 1)
	test.That(t, h.source.closed, test.ShouldEqual, 1)
	test.That(t, h.det.it, test.ShouldEqual, 3)
	test.That(t, h.orch.DeviceErrors(), test.ShouldEqual, 0)
	test.That(t, h.orch.Tracker().NextID(), test.ShouldEqual, 1)
}

func TestRunStopsOnDeviceFailure(t *testing.T) {
	h := newHarness(t, watch("cat"), nil, func(p *Params) {
		p.Clock = clock.New()
	})
	h.source.frames = []image.Image{nil, nil, nil}
	res, err := h.orch.Run(context.Background(), 0)
	test.That(t, errors.Is(err, ErrDeviceFailure), test.ShouldBeTrue)
	test.That(t, res.State, test.ShouldEqual, Capturing)
	// each failed frame releases the session before the next cycle reopens it
	test.That(t, h.source.opened, test.ShouldEqual, 3)
	test.That(t, h.source.closed, test.ShouldEqual, 3)
}

func TestRunReopensAfterOpenFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, TrackingPolicy{PersonLabel: "person"}, [][]objdet.Detection{
		{detAt("person", 100, 100, 0.9)},
		{detAt("person", 101, 101, 0.9)},
	}, func(p *Params) {
		p.Clock = clock.New()
	})
	h.source.openFailures = 1
	h.source.onExhausted = cancel

	res, err := h.orch.Run(ctx, time.Millisecond)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, errors.Is(res.Err, ErrDeviceFailure), test.ShouldBeFalse)
	test.That(t, h.source.opened, test.ShouldEqual, 1)
	test.That(t, h.source.closed, test.ShouldEqual, 1)
	test.That(t, h.det.it, test.ShouldEqual, 2)
	test.That(t, h.orch.DeviceErrors(), test.ShouldEqual, 0)
	test.That(t, h.artifacts(t), test.ShouldHaveLength, 1)
}

func TestRunEscalatesRepeatedOpenFailures(t *testing.T) {
	h := newHarness(t, watch("cat"), nil, func(p *Params) {
		p.Clock = clock.New()
	})
	h.source.openErr = errNoDevice
	res, err := h.orch.Run(context.Background(), 0)
	test.That(t, errors.Is(err, ErrDeviceFailure), test.ShouldBeTrue)
	test.That(t, res.State, test.ShouldEqual, Capturing)
	test.That(t, h.orch.DeviceErrors(), test.ShouldEqual, DefaultMaxDeviceErrors)
	test.That(t, h.source.opened, test.ShouldEqual, 0)
}
