package stitch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/logic/geometry"
	"github.com/cjeanneret/RingScan/internal/sample"
)

// sampleDir writes a minimal metadata file and a couple of tiles.
func sampleDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "PIPO_1_2_10_00_00")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"tile_0_0.tiff", "tile_0_1.tiff"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m := sample.Metadata{PercentOverlap: 20, ImageWidthMm: 3, WidthPx: 6000}
	if err := sample.WriteMetadata(dir, m); err != nil {
		t.Fatal(err)
	}
	return dir
}

// fakeRun writes an output whose size depends on {size}.
type fakeRun struct {
	mu     sync.Mutex
	calls  [][]string
	bytes  func(size float64) int
	failAt int // 1-based call that fails, 0 never
}

func (f *fakeRun) run(_ context.Context, argv []string) error {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	n := len(f.calls)
	f.mu.Unlock()
	if n == f.failAt {
		return errors.New("exit status 1")
	}
	size, _ := strconv.ParseFloat(argv[3], 64)
	return os.WriteFile(argv[2], make([]byte, f.bytes(size)), 0o644)
}

func TestCommand_SizeFallback(t *testing.T) {
	cases := []struct {
		name       string
		sizes      []float64
		maxBytes   int64
		failAt     int
		wantStatus Status
		wantSize   float64
		wantCalls  int
	}{
		{"first fits", []float64{1, 0.5}, 1000, 0, StatusOK, 1, 1},
		{"falls back", []float64{1, 0.5, 0.25}, 600, 0, StatusOK, 0.5, 2},
		{"nothing fits", []float64{1, 0.5}, 100, 0, StatusTooLarge, 0.5, 2},
		{"tool fails", []float64{1, 0.5}, 100, 1, StatusFailed, 1, 1},
		{"no limit", []float64{1}, 0, 0, StatusOK, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := sampleDir(t)
			f := &fakeRun{bytes: func(s float64) int { return int(1000 * s) }, failAt: tc.failAt}
			c := &Command{
				Argv:     []string{"ashlar", "{dir}", "{out}", "{size}", "--overlap={overlap}", "--pixel-size={pixel_um}"},
				Sizes:    tc.sizes,
				MaxBytes: tc.maxBytes,
				run:      f.run,
			}
			res := c.Stitch(context.Background(), dir)
			if res.Status != tc.wantStatus || res.Size != tc.wantSize {
				t.Errorf("got %s at %g (%v), want %s at %g", res.Status, res.Size, res.Err, tc.wantStatus, tc.wantSize)
			}
			if len(f.calls) != tc.wantCalls {
				t.Errorf("calls = %d, want %d", len(f.calls), tc.wantCalls)
			}
			if res.Status == StatusOK {
				if _, err := os.Stat(res.Output); err != nil {
					t.Errorf("mosaic missing: %v", err)
				}
			}
			for _, name := range []string{"tile_0_0.tiff", "tile_0_1.tiff", sample.MetadataFile} {
				if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
					t.Errorf("%s removed by stitch", name)
				}
			}
		})
	}
}

func TestCommand_Tokens(t *testing.T) {
	dir := sampleDir(t)
	f := &fakeRun{bytes: func(float64) int { return 1 }}
	c := &Command{
		Argv:  []string{"ashlar", "{dir}", "{out}", "{size}", "--overlap={overlap}", "--pixel-size={pixel_um}"},
		Sizes: []float64{0.5},
		run:   f.run,
	}
	c.Stitch(context.Background(), dir)

	got := f.calls[0]
	want := []string{"ashlar", dir, filepath.Join(dir, "PIPO_1_2_10_00_00_050.ome.tiff"), "0.5", "--overlap=0.2", "--pixel-size=0.5000"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("argv = %q\nwant   %q", got, want)
	}
}

func TestCommand_MissingMetadata(t *testing.T) {
	c := &Command{Argv: []string{"true"}, Sizes: []float64{1}}
	if res := c.Stitch(context.Background(), t.TempDir()); res.Status != StatusFailed || res.Err == nil {
		t.Errorf("got %s / %v, want failed", res.Status, res.Err)
	}
}

func TestNewCommand(t *testing.T) {
	if c := NewCommand(config.StitchConfig{}); c != nil {
		t.Error("empty command should disable stitching")
	}
	var none *Command
	if res := none.Stitch(context.Background(), "x"); res.Status != StatusSkipped {
		t.Errorf("nil command: %s", res.Status)
	}
	c := NewCommand(config.StitchConfig{Command: "ashlar {dir}", Sizes: []float64{1}, MaxFileSizeGB: 2})
	if c == nil || c.MaxBytes != 2<<30 || len(c.Argv) != 2 {
		t.Errorf("NewCommand = %+v", c)
	}
}

type fakeStitcher struct{ dirs chan string }

func (f *fakeStitcher) Stitch(_ context.Context, dir string) Result {
	f.dirs <- dir
	return Result{Status: StatusOK, Output: dir + "/out"}
}

func TestObserver_OnlyCompleteRuns(t *testing.T) {
	fs := &fakeStitcher{dirs: make(chan string, 2)}
	var got []Result
	var mu sync.Mutex
	o := NewObserver(context.Background(), fs, func(_ string, r Result) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	s, err := sample.New(sample.Params{Species: "S"}, geometry.FieldOfView{WidthMm: 1, HeightMm: 1, WidthPx: 1, HeightPx: 1},
		t.TempDir(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	o.RunFinished("a", s, capture.Result{State: capture.StateCancelled})
	o.RunFinished("b", s, capture.Result{State: capture.StateComplete})
	o.Wait()

	if len(fs.dirs) != 1 || len(got) != 1 || got[0].Status != StatusOK {
		t.Errorf("stitched %d, results %v", len(fs.dirs), got)
	}
}
