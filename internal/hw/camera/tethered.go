package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/hw/gpio"
)

// Tethered is a DSLR fired through its 3-pin remote connector and
// tethered to a host that drops each frame into a watch directory:
// - GND: connected to Raspberry Pi ground
// - FOCUS: half-press (active LOW)
// - SHUTTER: trigger (active LOW)
//
// Trigger sequence:
// 1. FOCUS to LOW
// 2. Wait focusDelay (0 with the lens in manual focus)
// 3. SHUTTER to LOW, hold, release SHUTTER then FOCUS
// 4. Wait for a new file in the watch directory and move it to the target path
type Tethered struct {
	gpio         gpio.Driver
	focusPin     int
	shutterPin   int
	focusDelay   time.Duration
	shutterDelay time.Duration
	watchDir     string
	timeout      time.Duration
	pollEvery    time.Duration
}

// NewTethered configures both lines as outputs, idle HIGH.
func NewTethered(g gpio.Driver, focusPin, shutterPin int, focusDelay, shutterDelay time.Duration, watchDir string, timeout time.Duration) (*Tethered, error) {
	for _, pin := range []int{focusPin, shutterPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, err
		}
		if err := g.WritePin(pin, gpio.High); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		return nil, fmt.Errorf("camera: watch dir: %w", err)
	}
	return &Tethered{
		gpio:         g,
		focusPin:     focusPin,
		shutterPin:   shutterPin,
		focusDelay:   focusDelay,
		shutterDelay: shutterDelay,
		watchDir:     watchDir,
		timeout:      timeout,
		pollEvery:    20 * time.Millisecond,
	}, nil
}

// trigger pulses the remote lines.
func (t *Tethered) trigger(ctx context.Context) error {
	debug.Verbose("Camera: FOCUS (pin %d -> LOW)", t.focusPin)
	if err := t.gpio.WritePin(t.focusPin, gpio.Low); err != nil {
		return err
	}
	defer func() { _ = t.gpio.WritePin(t.focusPin, gpio.High) }()
	if err := wait(ctx, t.focusDelay); err != nil {
		return err
	}

	debug.Verbose("Camera: SHUTTER (pin %d -> LOW)", t.shutterPin)
	if err := t.gpio.WritePin(t.shutterPin, gpio.Low); err != nil {
		return err
	}
	werr := wait(ctx, t.shutterDelay)
	if err := t.gpio.WritePin(t.shutterPin, gpio.High); err != nil {
		return err
	}
	return werr
}

// SaveFrame fires the shutter and moves the next new file in the watch
// directory to path.
func (t *Tethered) SaveFrame(ctx context.Context, path string) error {
	names, err := listDir(t.watchDir)
	if err != nil {
		return err
	}
	before := make(map[string]struct{}, len(names))
	for _, n := range names {
		before[n] = struct{}{}
	}
	if err := t.trigger(ctx); err != nil {
		return fmt.Errorf("camera: trigger: %w", err)
	}

	deadline := time.Now().Add(t.timeout)
	for {
		now, err := listDir(t.watchDir)
		if err != nil {
			return err
		}
		for _, name := range now {
			if _, seen := before[name]; seen {
				continue
			}
			src := filepath.Join(t.watchDir, name)
			if err := os.Rename(src, path); err != nil {
				return fmt.Errorf("camera: collect %s: %w", src, err)
			}
			debug.Trace("Camera: %s -> %s", name, path)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w within %v in %s", ErrNoFrame, t.timeout, t.watchDir)
		}
		if err := wait(ctx, t.pollEvery); err != nil {
			return err
		}
	}
}

// listDir returns the regular files of dir sorted by name.
func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
