package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/theckman/yacspin"

	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/hw/grbl"
	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/logic/geometry"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/sample"
	"github.com/cjeanneret/RingScan/internal/web"
)

// sampleFlags are the per-sample parameters of a CLI run.
type sampleFlags struct {
	species, id1, id2, notes  string
	widthMm, heightMm         float64
	centerX, centerY, centerZ float64
	overlap                   float64
	core, vertical            bool

	// set records which flags were given on the command line.
	set map[string]bool
}

func (f *sampleFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.species, "species", "", "species code; required for a CLI run")
	fs.StringVar(&f.id1, "id1", "", "first sample identifier")
	fs.StringVar(&f.id2, "id2", "", "second sample identifier")
	fs.StringVar(&f.notes, "notes", "", "free text stored in metadata.json")
	fs.Float64Var(&f.widthMm, "width_mm", 0, "sample bounding box width in mm")
	fs.Float64Var(&f.heightMm, "height_mm", 0, "sample bounding box height in mm")
	fs.Float64Var(&f.centerX, "center_x", 0, "work X of the sample center in mm; default is the current stage X")
	fs.Float64Var(&f.centerY, "center_y", 0, "work Y of the sample center in mm; default is the current stage Y")
	fs.Float64Var(&f.centerZ, "center_z", 0, "focused work Z of the sample in mm; default is the current stage Z")
	fs.Float64Var(&f.overlap, "overlap", 0, "tile overlap in percent; 0 uses defaults.overlap_percent")
	fs.BoolVar(&f.core, "core", false, "sample is a core")
	fs.BoolVar(&f.vertical, "vertical", false, "core length runs along Y")
}

// markSet remembers which flags fs parsed from the command line.
func (f *sampleFlags) markSet(fs *flag.FlagSet) {
	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
}

// params turns the flags into validated sample parameters. A center
// coordinate not given on the command line is taken from here, the stage
// position the operator left the sample at.
func (f *sampleFlags) params(cfg *config.Config, here motion.Position) (sample.Params, error) {
	p := sample.Params{
		Species:        f.species,
		ID1:            f.id1,
		ID2:            f.id2,
		Notes:          f.notes,
		WidthMm:        f.widthMm,
		HeightMm:       f.heightMm,
		OverlapPercent: f.overlap,
		Center:         geometry.Point{X: here.X, Y: here.Y, Z: here.Z},
		IsCore:         f.core,
		IsVertical:     f.vertical,
	}
	if f.set["center_x"] {
		p.Center.X = f.centerX
	}
	if f.set["center_y"] {
		p.Center.Y = f.centerY
	}
	if f.set["center_z"] {
		p.Center.Z = f.centerZ
	}
	if p.OverlapPercent == 0 {
		p.OverlapPercent = cfg.Defaults.OverlapPercent
	}
	if err := web.ValidateParams(p); err != nil {
		return sample.Params{}, err
	}
	return p, nil
}

func main() {
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	mkconf := flag.String("mkconf", "", "write the default configuration to this path and exit")
	listPorts := flag.Bool("ports", false, "list serial ports and exit")
	var sf sampleFlags
	sf.register(flag.CommandLine)
	flag.Parse()
	sf.markSet(flag.CommandLine)

	if *mkconf != "" {
		if err := config.WriteDefault(*mkconf); err != nil {
			log.Fatalf("mkconf: %v", err)
		}
		fmt.Printf("wrote %s\n", *mkconf)
		return
	}
	if *listPorts {
		ports, err := grbl.ListPorts()
		if err != nil {
			log.Fatalf("list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())
	debug.PrintStruct("Config", *cfg)

	fov, err := geometry.NewFieldOfView(cfg)
	if err != nil {
		log.Fatalf("field of view: %v", err)
	}

	// In web mode the broadcaster must exist before anything logs.
	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.LogWriter(broadcaster)))
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	if port := webPort.port(); port > 0 {
		if err := serveWeb(ctx, a, cfg, fov, broadcaster, port); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if err := a.ctrl.Refresh(); err != nil {
		log.Fatalf("read stage position: %v", err)
	}
	here := a.ctrl.Position()
	p, err := sf.params(cfg, here)
	if err != nil {
		log.Fatalf("invalid sample: %v", err)
	}
	debug.Value("Sample center", fmt.Sprintf("(%.3f, %.3f, %.3f)", p.Center.X, p.Center.Y, p.Center.Z))
	res, err := runCLI(ctx, a, cfg, fov, p)
	if err != nil {
		log.Fatalf("capture failed: %v", err)
	}
	if res.State != capture.StateComplete {
		os.Exit(1)
	}
}

// serveWeb runs the HTTP API until ctx is cancelled.
func serveWeb(ctx context.Context, a *app, cfg *config.Config, fov geometry.FieldOfView, b *web.StatusBroadcaster, port int) error {
	session := web.NewSession(a.orch, fov, cfg.Capture.OutputRoot, b)
	a.orch.OnProgress = session.Progress
	a.watchAbort(ctx, func() {
		if session.Cancel() {
			b.Broadcast("warn", "Abort button pressed")
		}
	})

	static, err := web.StaticFS()
	if err != nil {
		return err
	}
	h := web.NewHandlers(b, session, web.FormConfig{
		OverlapPercent: cfg.Defaults.OverlapPercent,
		ImageWidthMm:   cfg.Defaults.ImageWidthMm,
		ImageHeightMm:  cfg.Defaults.ImageHeightMm,
		CoreSweep:      cfg.Core.Sweep,
	}, static)
	h.SetRateLimit(cfg.RateLimit())
	h.Metrics = a.metrics.Handler()
	if a.ledger != nil {
		h.Ledger = a.ledger
	}

	err = web.NewServer(fmt.Sprintf(":%d", port), h).Run(ctx)
	session.Cancel()
	session.Wait()
	return err
}

// runCLI captures one sample with a spinner on stderr.
func runCLI(ctx context.Context, a *app, cfg *config.Config, fov geometry.FieldOfView, p sample.Params) (capture.Result, error) {
	s, err := sample.New(p, fov, cfg.Capture.OutputRoot, time.Now())
	if err != nil {
		return capture.Result{}, err
	}

	spinner, err := newSpinner(s.Name())
	if err != nil {
		return capture.Result{}, err
	}
	tok := capture.NewToken()
	a.watchAbort(ctx, tok.Cancel)
	a.orch.OnProgress = func(pr capture.Progress) {
		spinner.Message(progressLine(pr))
	}

	if err := spinner.Start(); err != nil {
		debug.Verbose("spinner: %v", err)
	}
	res := a.orch.Run(ctx, s, tok)
	if res.State == capture.StateComplete {
		spinner.StopMessage(fmt.Sprintf("%d cells in %s -> %s", res.CellsDone, res.Elapsed.Round(time.Second), res.Dir))
		spinner.Stop()
	} else {
		msg := res.State.String()
		if res.Err != nil {
			msg += ": " + res.Err.Error()
		}
		spinner.StopFailMessage(msg)
		spinner.StopFail()
	}
	if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		return res, res.Err
	}
	return res, nil
}

func newSpinner(name string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		Writer:            os.Stderr,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + name,
		SuffixAutoColon:   true,
		Message:           "starting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

// progressLine renders a progress report for the spinner.
func progressLine(p capture.Progress) string {
	if p.Total > 0 {
		return fmt.Sprintf("%s %d/%d cells, %s", p.State, p.Done, p.Total, p.Elapsed.Round(time.Second))
	}
	return fmt.Sprintf("%s %d cells, %s", p.State, p.Done, p.Elapsed.Round(time.Second))
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
