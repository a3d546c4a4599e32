package capture

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/services/vision"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/capture-tracking/history"
	"github.com/viam-modules/capture-tracking/tracker"
)

// Model names
const (
	FrameCaptureName  = "frame-capture"
	PersonTrackerName = "person-tracker"
)

var (
	// FrameCaptureModel saves a frame on a fixed interval whenever a watched class shows up.
	FrameCaptureModel = resource.NewModel("viam", "capture-tracking", FrameCaptureName)
	// PersonTrackerModel runs continuously and saves a frame each time a new person is tracked.
	PersonTrackerModel = resource.NewModel("viam", "capture-tracking", PersonTrackerName)
)

type flavor int

const (
	periodicFlavor flavor = iota
	continuousFlavor
)

func init() {
	resource.RegisterService(genericservice.API, FrameCaptureModel, resource.Registration[resource.Resource, *Config]{
		Constructor: constructor(periodicFlavor),
	})
	resource.RegisterService(genericservice.API, PersonTrackerModel, resource.Registration[resource.Resource, *Config]{
		Constructor: constructor(continuousFlavor),
	})
}

func constructor(f flavor) func(context.Context, resource.Dependencies, resource.Config, logging.Logger) (resource.Resource, error) {
	return func(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (resource.Resource, error) {
		svc, err := newService(ctx, deps, conf, logger, f, clock.New())
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}

type captureService struct {
	resource.Named
	logger logging.Logger
	flavor flavor
	clock  clock.Clock

	mu                      sync.Mutex
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
	settings                settings
	orch                    *Orchestrator
	journal                 *history.Journal

	halted   atomic.Bool
	fatalErr atomic.Pointer[error]
}

func newService(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
	f flavor,
	clk clock.Clock,
) (*captureService, error) {
	svc := &captureService{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		flavor: f,
		clock:  clk,
	}
	if err := svc.Reconfigure(ctx, deps, conf); err != nil {
		return nil, err
	}
	return svc, nil
}

// Reconfigure stops the loop, rebuilds the orchestrator against the new dependencies
// and restarts it. The tracker is reseeded from the artifact history.
func (svc *captureService) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	captureConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", svc.Name())
	}
	s := captureConfig.settings()

	cam, err := camera.FromDependencies(deps, s.cameraName)
	if err != nil {
		return errors.Wrapf(err, "unable to get camera %v for capture service", s.cameraName)
	}
	detector, err := vision.FromDependencies(deps, s.detectorName)
	if err != nil {
		return errors.Wrapf(err, "unable to get detector %v for capture service", s.detectorName)
	}

	// open the new journal first so a bad path leaves the running loop untouched
	var journal *history.Journal
	var recorder Recorder
	if s.journalPath != "" {
		if journal, err = history.OpenJournal(s.journalPath); err != nil {
			return err
		}
		recorder = journal
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.stop()
	if svc.journal != nil {
		if err := svc.journal.Close(); err != nil {
			svc.logger.Warnf("unable to close journal: %v", err)
		}
	}
	svc.journal = journal

	counts, err := history.Recover(ctx, s.imageRoot, svc.journal)
	if err != nil {
		svc.logger.Warnf("history recovery incomplete: %v", err)
	}
	startID := history.NextStartID(counts)
	svc.logger.Infof("recovered %d object ids from %s, next id is %d", len(counts), s.imageRoot, startID)

	svc.settings = s
	svc.orch = NewOrchestrator(Params{
		Source:   newCameraSource(cam, s, svc.logger),
		Detector: VisionDetector{Service: detector},
		Tracker: tracker.New(
			tracker.WithStartID(startID),
			tracker.WithMaxDisappeared(s.maxDisappeared),
			tracker.WithMatcher(s.matcher),
		),
		Policy:          svc.policy(s),
		Store:           Store{Root: s.imageRoot, CameraLabel: s.cameraLabel},
		Recorder:        recorder,
		Logger:          svc.logger,
		Clock:           svc.clock,
		ChosenLabels:    s.chosenLabels,
		MinConfidence:   s.minConfidence,
		MaxDeviceErrors: s.maxDeviceErrors,
	})
	svc.start()
	return nil
}

func (svc *captureService) policy(s settings) Policy {
	if svc.flavor == continuousFlavor {
		return TrackingPolicy{PersonLabel: s.personLabel}
	}
	return CapturePolicy{Labels: NewLabelSet(s.persistLabels...)}
}

// start launches the scheduling loop. Callers hold mu.
func (svc *captureService) start() {
	cancelableCtx, cancel := context.WithCancel(context.Background())
	svc.cancelFunc = cancel
	svc.halted.Store(false)
	svc.fatalErr.Store(nil)

	orch, s := svc.orch, svc.settings
	svc.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		if svc.flavor == continuousFlavor {
			svc.runContinuous(cancelableCtx, orch, s)
		} else {
			svc.runPeriodic(cancelableCtx, orch, s)
		}
	}, func() {
		svc.activeBackgroundWorkers.Done()
	})
}

// stop cancels the loop and waits for the in-flight cycle. Callers hold mu.
func (svc *captureService) stop() {
	if svc.cancelFunc != nil {
		svc.cancelFunc()
		svc.cancelFunc = nil
	}
	svc.activeBackgroundWorkers.Wait()
}

// runPeriodic fires one single-shot cycle per tick.
func (svc *captureService) runPeriodic(ctx context.Context, orch *Orchestrator, s settings) {
	ticker := svc.clock.Ticker(s.captureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := orch.RunOnce(ctx)
			if errors.Is(res.Err, ErrDeviceFailure) {
				svc.halt(res.Err)
				return
			}
		}
	}
}

// runContinuous holds the camera and cycles back to back until cancelled.
func (svc *captureService) runContinuous(ctx context.Context, orch *Orchestrator, s settings) {
	_, err := orch.Run(ctx, s.loopDelay)
	if errors.Is(err, ErrDeviceFailure) {
		svc.halt(err)
	}
}

func (svc *captureService) halt(err error) {
	svc.logger.Errorf("capture loop halted, camera needs attention: %v", err)
	svc.fatalErr.Store(&err)
	svc.halted.Store(true)
}

// DoCommand runs a cycle on demand, reports status, re-reads history or clears a halt.
func (svc *captureService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.orch == nil {
		return nil, errors.New("capture service is not configured")
	}

	out := make(map[string]interface{})
	if cmd["capture"] != nil {
		res := svc.orch.Capture(ctx)
		out["capture"] = summarize(res)
	}
	if cmd["status"] != nil {
		status := map[string]interface{}{
			"halted":         svc.halted.Load(),
			"device_errors":  svc.orch.DeviceErrors(),
			"next_object_id": svc.orch.Tracker().NextID(),
			"last":           summarize(svc.orch.LastResult()),
		}
		if errp := svc.fatalErr.Load(); errp != nil {
			status["fatal_error"] = (*errp).Error()
		}
		out["status"] = status
	}
	if cmd["history"] != nil {
		counts, err := history.Recover(ctx, svc.settings.imageRoot, svc.journal)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]interface{}, len(counts))
		for id, n := range counts {
			byID[strconv.Itoa(id)] = n
		}
		out["history"] = map[string]interface{}{
			"counts":        byID,
			"next_start_id": history.NextStartID(counts),
		}
	}
	if cmd["reset"] != nil {
		svc.orch.ResetDeviceErrors()
		if svc.halted.Load() {
			svc.stop()
			svc.start()
		}
		out["reset"] = true
	}
	return out, nil
}

func summarize(res CycleResult) map[string]interface{} {
	objects := make([]interface{}, 0, len(res.Objects))
	for _, o := range res.Objects {
		objects = append(objects, map[string]interface{}{
			"id":          o.ID,
			"x":           o.Centroid.X,
			"y":           o.Centroid.Y,
			"disappeared": o.Disappeared,
		})
	}
	out := map[string]interface{}{
		"cycle_id":   res.ID,
		"state":      res.State.String(),
		"persisted":  res.Persisted(),
		"path":       res.Path,
		"detections": len(res.Detections),
		"objects":    objects,
	}
	if !res.At.IsZero() {
		out["at"] = res.At.Format("2006-01-02T15:04:05Z07:00")
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	return out
}

func (svc *captureService) Close(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.stop()
	if svc.journal != nil {
		err := svc.journal.Close()
		svc.journal = nil
		return err
	}
	return nil
}
