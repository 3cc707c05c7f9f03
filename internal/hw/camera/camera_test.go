package camera

import (
	"context"
	"errors"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "golang.org/x/image/tiff"

	"github.com/cjeanneret/RingScan/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	mu    sync.Mutex
	calls []gpioCall
	onLow func(pin int)
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	hook := d.onLow
	d.mu.Unlock()
	if hook != nil && level == gpio.Low {
		hook(pin)
	}
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func TestTethered_PinsInitializedHigh(t *testing.T) {
	drv := &recordingDriver{}
	if _, err := NewTethered(drv, 24, 25, 0, 0, t.TempDir(), time.Second); err != nil {
		t.Fatal(err)
	}
	writes := drv.writeCalls()
	if len(writes) != 2 {
		t.Fatalf("writes = %v", writes)
	}
	for _, c := range writes {
		if c.level != gpio.High {
			t.Errorf("pin %d initialized %v, want HIGH", c.pin, c.level)
		}
	}
}

func TestTethered_SaveFrame(t *testing.T) {
	watch := t.TempDir()
	out := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(filepath.Join(watch, "old.jpg"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	drv := &recordingDriver{}
	cam, err := NewTethered(drv, 24, 25, time.Microsecond, time.Microsecond, watch, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	drv.mu.Lock()
	drv.calls = nil
	drv.onLow = func(pin int) {
		if pin == 25 {
			_ = os.WriteFile(filepath.Join(watch, "DSC_0001.jpg"), []byte("new"), 0o644)
		}
	}
	drv.mu.Unlock()

	if err := cam.SaveFrame(context.Background(), out); err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "new" {
		t.Errorf("collected %q, %v; want the new frame", data, err)
	}

	expected := []struct {
		pin   int
		level gpio.Level
		desc  string
	}{
		{24, gpio.Low, "focus LOW"},
		{25, gpio.Low, "shutter LOW"},
		{25, gpio.High, "shutter HIGH"},
		{24, gpio.High, "focus HIGH"},
	}
	writes := drv.writeCalls()
	if len(writes) != len(expected) {
		t.Fatalf("expected %d writes, got %d: %v", len(expected), len(writes), writes)
	}
	for i, exp := range expected {
		if writes[i].pin != exp.pin || writes[i].level != exp.level {
			t.Errorf("step %d (%s): pin=%d level=%v", i, exp.desc, writes[i].pin, writes[i].level)
		}
	}
}

func TestTethered_NoFrame(t *testing.T) {
	cam, err := NewTethered(&recordingDriver{}, 24, 25, 0, 0, t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	err = cam.SaveFrame(context.Background(), filepath.Join(t.TempDir(), "x.jpg"))
	if !errors.Is(err, ErrNoFrame) {
		t.Errorf("err = %v, want ErrNoFrame", err)
	}
}

func TestExec(t *testing.T) {
	if _, err := os.Stat("/usr/bin/touch"); err != nil {
		if _, err := os.Stat("/bin/touch"); err != nil {
			t.Skip("touch not available")
		}
	}
	dir := t.TempDir()

	cam, err := NewExec("touch {path}", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "a.tiff")
	if err := cam.SaveFrame(context.Background(), p); err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("frame missing: %v", err)
	}

	// command succeeds but writes nothing
	noop, _ := NewExec("true", time.Second)
	if err := noop.SaveFrame(context.Background(), filepath.Join(dir, "b.tiff")); !errors.Is(err, ErrNoFrame) {
		t.Errorf("err = %v, want ErrNoFrame", err)
	}

	if _, err := NewExec("   ", time.Second); err == nil {
		t.Error("expected error for empty command")
	}
}

func pixelVariance(img *image.Gray) float64 {
	var sum, ss float64
	for _, p := range img.Pix {
		sum += float64(p)
	}
	mean := sum / float64(len(img.Pix))
	for _, p := range img.Pix {
		ss += (float64(p) - mean) * (float64(p) - mean)
	}
	return ss / float64(len(img.Pix))
}

func TestSim_FocusAndBackground(t *testing.T) {
	sim := NewSim(64, 48, 1, func() (float64, float64, float64) { return 0, 0, 0 })
	sim.FocalZ = -2

	inFocus := pixelVariance(sim.Render(3, 3, -2))
	defocused := pixelVariance(sim.Render(3, 3, -1.5))
	if !(inFocus > defocused) {
		t.Errorf("in focus %g <= defocused %g", inFocus, defocused)
	}

	sim.Inside = func(x, y float64) bool { return x < 10 }
	if v := pixelVariance(sim.Render(20, 0, -2)); v != 0 {
		t.Errorf("mount board variance = %g, want 0", v)
	}
}

func TestSim_SaveFrame(t *testing.T) {
	pose := func() (float64, float64, float64) { return 1, 2, 0 }
	sim := NewSim(32, 24, 1, pose)
	dir := t.TempDir()
	for _, name := range []string{"f.tiff", "f.png", "f.jpg"} {
		p := filepath.Join(dir, name)
		if err := sim.SaveFrame(context.Background(), p); err != nil {
			t.Fatalf("SaveFrame(%s): %v", name, err)
		}
		f, err := os.Open(p)
		if err != nil {
			t.Fatal(err)
		}
		cfg, _, err := image.DecodeConfig(f)
		f.Close()
		if name != "f.jpg" && (err != nil || cfg.Width != 32 || cfg.Height != 24) {
			t.Errorf("%s: config %+v, %v", name, cfg, err)
		}
	}
	if sim.Frames() != 3 {
		t.Errorf("frames = %d, want 3", sim.Frames())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim.Delay = time.Second
	if err := sim.SaveFrame(ctx, filepath.Join(dir, "never.png")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
