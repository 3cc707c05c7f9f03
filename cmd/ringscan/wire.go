package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/RingScan/internal/archive"
	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/hw/camera"
	"github.com/cjeanneret/RingScan/internal/hw/gpio"
	"github.com/cjeanneret/RingScan/internal/hw/grbl"
	"github.com/cjeanneret/RingScan/internal/hw/light"
	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/logic/focus"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/metrics"
	"github.com/cjeanneret/RingScan/internal/stitch"
	"github.com/cjeanneret/RingScan/internal/store"
)

// abortPoll is how often the abort button is sampled.
const abortPoll = 20 * time.Millisecond

// app holds the wired hardware and the run observers.
type app struct {
	ctrl    *motion.Controller
	orch    *capture.Orchestrator
	metrics *metrics.Collector
	ledger  *store.Ledger // nil without store.path
	panel   *light.Panel  // nil when the light panel is disabled
	stitch  *stitch.Observer
	camGPIO gpio.Driver // nil unless camera.type is gpio
	sim     *grbl.Sim   // set in mock mode

	closers []func() error
}

// openLink connects to GRBL, or to the in-process simulator in mock mode.
func openLink(cfg *config.Config) (motion.Link, *grbl.Sim, error) {
	if cfg.GRBL.Mock {
		sim := grbl.NewSim()
		debug.Info("Using simulated GRBL")
		return grbl.NewConn(sim), sim, nil
	}
	conn, err := grbl.OpenSerial(cfg.GRBL.Port, cfg.GRBL.Baud, cfg.OpenTimeout())
	if err != nil {
		return nil, nil, err
	}
	return conn, nil, nil
}

// newCameraFromConfig selects a frame source based on configuration. pose
// feeds the simulated camera.
func newCameraFromConfig(cfg *config.Config, g gpio.Driver, pose camera.Pose) (camera.FrameSource, error) {
	switch cfg.Camera.Type {
	case "exec":
		return camera.NewExec(cfg.Camera.Command, cfg.CaptureTimeout())
	case "gpio":
		if g == nil {
			return nil, fmt.Errorf("camera type gpio needs a GPIO driver")
		}
		return camera.NewTethered(
			g,
			cfg.Camera.FocusPin,
			cfg.Camera.ShutterPin,
			time.Duration(cfg.Camera.FocusDelayMs)*time.Millisecond,
			time.Duration(cfg.Camera.ShutterHoldMs)*time.Millisecond,
			cfg.Camera.WatchDir,
			cfg.CaptureTimeout(),
		)
	case "sim":
		sim := camera.NewSim(cfg.Camera.WidthPx, cfg.Camera.HeightPx, cfg.Defaults.ImageWidthMm, pose)
		return sim, nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// newApp opens the hardware and builds the orchestrator with its
// observers: ledger, metrics, light, then stitch followed by archive.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	debug.Step(1, "Connecting to the motion controller")
	link, sim, err := openLink(cfg)
	if err != nil {
		return nil, err
	}
	a.sim = sim
	a.ctrl = motion.NewController(link, motion.Options{
		PollInterval:     cfg.PollInterval(),
		Settle:           cfg.Settle(),
		StateLockTimeout: cfg.StateLockTimeout(),
	})
	a.closers = append(a.closers, a.ctrl.Close)
	a.ctrl.Start(ctx)

	debug.Step(2, "Initializing camera")
	if cfg.Camera.Type == "gpio" {
		a.camGPIO, err = gpio.NewDriver(cfg.Light.MockGPIO)
		if err != nil {
			return nil, fmt.Errorf("init GPIO failed: %w", err)
		}
		a.closers = append(a.closers, a.camGPIO.Close)
	}
	pose := func() (x, y, z float64) {
		p := a.ctrl.Position()
		return p.X, p.Y, p.Z
	}
	if sim != nil {
		pose = sim.Position
	}
	cam, err := newCameraFromConfig(cfg, a.camGPIO, pose)
	if err != nil {
		return nil, fmt.Errorf("init camera failed: %w", err)
	}
	debug.Value("Camera type", cfg.Camera.Type)

	debug.Step(3, "Building focus and capture")
	fc := focus.NewCoordinator(focus.OptionsFromConfig(cfg))
	a.orch = capture.New(a.ctrl, cam, fc, capture.OptionsFromConfig(cfg))

	a.metrics = metrics.New(a.ctrl.Position)
	a.orch.Observers = append(a.orch.Observers, a.metrics)

	if cfg.Store.Path != "" {
		a.ledger, err = store.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.ledger.Close)
		a.orch.Observers = append(a.orch.Observers, a.ledger)
		debug.Value("Run ledger", cfg.Store.Path)
	}

	a.panel, err = light.FromConfig(cfg.Light)
	if err != nil {
		return nil, fmt.Errorf("init light panel failed: %w", err)
	}
	if a.panel != nil {
		a.closers = append(a.closers, a.panel.Close)
		a.orch.Observers = append(a.orch.Observers, a.panel)
	}

	var then func(string, stitch.Result)
	up, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if up != nil {
		then = up.AfterStitch(ctx)
		debug.Value("Archive bucket", cfg.Archive.Bucket)
	}
	var st stitch.Stitcher
	if cmd := stitch.NewCommand(cfg.Stitch); cmd != nil {
		st = cmd
	} else if then != nil {
		st = (*stitch.Command)(nil) // skipped stitch, archive still runs
	}
	if st != nil {
		a.stitch = stitch.NewObserver(ctx, st, then)
		a.orch.Observers = append(a.orch.Observers, a.stitch)
	}
	return a, nil
}

// watchAbort polls the abort button, if wired, until ctx ends.
func (a *app) watchAbort(ctx context.Context, onAbort func()) {
	if a.panel == nil {
		return
	}
	go a.panel.WatchAbort(ctx, abortPoll, func() {
		debug.Info("Abort button pressed")
		onAbort()
	})
}

// Close waits for background stitches, then releases everything in
// reverse order of acquisition.
func (a *app) Close() error {
	if a.stitch != nil {
		a.stitch.Wait()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			debug.Error(err)
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}
