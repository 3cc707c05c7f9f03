// Package light drives the ring light relay and watches the hardware abort
// button, both wired to the Raspberry Pi header.
package light

import (
	"context"
	"sync"
	"time"

	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/hw/gpio"
	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/sample"
)

// pressedReads is how many consecutive LOW reads count as a press.
const pressedReads = 2

// Panel owns the light relay pin and the abort button pin. A pin of 0 is
// not wired. The light is switched on for the duration of a run.
type Panel struct {
	drv      gpio.Driver
	lightPin int
	abortPin int

	mu sync.Mutex
	on bool
}

// New configures the pins. The light starts off.
func New(drv gpio.Driver, lightPin, abortPin int) (*Panel, error) {
	p := &Panel{drv: drv, lightPin: lightPin, abortPin: abortPin}
	if lightPin > 0 {
		if err := drv.SetupPin(lightPin, gpio.Output); err != nil {
			return nil, err
		}
		if err := drv.WritePin(lightPin, gpio.Low); err != nil {
			return nil, err
		}
	}
	if abortPin > 0 {
		if err := drv.SetupPin(abortPin, gpio.InputPullUp); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// FromConfig opens the GPIO driver named by cfg and builds the panel. It
// returns nil, nil when the panel is disabled.
func FromConfig(cfg config.LightConfig) (*Panel, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	drv, err := gpio.NewDriver(cfg.MockGPIO)
	if err != nil {
		return nil, err
	}
	p, err := New(drv, cfg.LightPin, cfg.AbortPin)
	if err != nil {
		drv.Close()
		return nil, err
	}
	return p, nil
}

// Set switches the light.
func (p *Panel) Set(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lightPin == 0 || p.on == on {
		return nil
	}
	if err := p.drv.WritePin(p.lightPin, gpio.Level(on)); err != nil {
		return err
	}
	p.on = on
	debug.Verbose("ring light on=%t", on)
	return nil
}

// On reports whether the light is on.
func (p *Panel) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// WatchAbort polls the abort button every interval until ctx is done and
// calls onAbort once per press. The button pulls the pin LOW.
func (p *Panel) WatchAbort(ctx context.Context, interval time.Duration, onAbort func()) {
	if p.abortPin == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	low, fired := 0, false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		level, err := p.drv.ReadPin(p.abortPin)
		if err != nil {
			debug.Verbose("abort button: %v", err)
			continue
		}
		if level == gpio.High {
			low, fired = 0, false
			continue
		}
		low++
		if low >= pressedReads && !fired {
			fired = true
			debug.Info("Abort button pressed")
			onAbort()
		}
	}
}

// Close switches the light off and releases the pins.
func (p *Panel) Close() error {
	if err := p.Set(false); err != nil {
		debug.Error(err)
	}
	return p.drv.Close()
}

// RunStarted switches the light on.
func (p *Panel) RunStarted(string, *sample.Sample) {
	if err := p.Set(true); err != nil {
		debug.Error(err)
	}
}

// CellDone does nothing; the light stays on through the run.
func (p *Panel) CellDone(string, *sample.Sample, sample.Cell) {}

// RunFinished switches the light off.
func (p *Panel) RunFinished(string, *sample.Sample, capture.Result) {
	if err := p.Set(false); err != nil {
		debug.Error(err)
	}
}
