package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/hw/grbl"
	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/sample"
	"github.com/cjeanneret/RingScan/internal/store"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

// MaxJogMm bounds a single manual jog.
const MaxJogMm = 100.0

// DefaultRateLimit is the minimum spacing between accepted POST /run.
const DefaultRateLimit = 5 * time.Second

// Runner starts and steers capture queues. *Session implements it.
type Runner interface {
	Start(params []sample.Params) error
	Cancel() bool
	Pause() bool
	Resume() bool
	Jog(ctx context.Context, a motion.Axes, fast bool) error
	Home(ctx context.Context) error
	SetOrigin(ctx context.Context) error
	Status() Status
}

// RunLister lists past runs. *store.Ledger implements it.
type RunLister interface {
	Runs(limit int) ([]store.Run, error)
}

// RunRequest is the body of POST /run: one or more samples captured in
// order.
type RunRequest struct {
	Samples []sample.Params `json:"samples"`
}

// JogRequest is the body of POST /axis/{axis}/jog.
type JogRequest struct {
	DistanceMm float64 `json:"distance_mm"`
	Fast       bool    `json:"fast"`
}

// FormConfig holds default values for the capture form (from config).
type FormConfig struct {
	OverlapPercent float64 `json:"percent_overlap"`
	ImageWidthMm   float64 `json:"image_width_mm"`
	ImageHeightMm  float64 `json:"image_height_mm"`
	CoreSweep      bool    `json:"core_sweep"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Runner       Runner
	FormDefaults FormConfig
	Ledger       RunLister    // optional, GET /samples
	Metrics      http.Handler // optional, GET /metrics

	limiter  *rate.Limiter
	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If runner is nil, every control endpoint returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runner Runner, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Runner:       runner,
		FormDefaults: formDefaults,
		limiter:      rate.NewLimiter(rate.Every(DefaultRateLimit), 1),
		staticFS:     staticFS,
	}
}

// SetRateLimit changes the minimum spacing between accepted runs. Zero
// or less disables the limit.
func (h *Handlers) SetRateLimit(d time.Duration) {
	if d <= 0 {
		h.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	h.limiter = rate.NewLimiter(rate.Every(d), 1)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ValidateParams checks the operator-supplied fields of a sample. Grid
// feasibility is checked later by the planner.
func ValidateParams(p sample.Params) error {
	if strings.TrimSpace(p.Species) == "" {
		return errors.New("species is required")
	}
	for name, v := range map[string]float64{
		"width_mm":        p.WidthMm,
		"height_mm":       p.HeightMm,
		"percent_overlap": p.OverlapPercent,
		"center.x":        p.Center.X,
		"center.y":        p.Center.Y,
		"center.z":        p.Center.Z,
	} {
		if !finite(v) {
			return fmt.Errorf("%s must be a finite number", name)
		}
	}
	if p.WidthMm < 0 || p.HeightMm < 0 {
		return errors.New("width_mm and height_mm must not be negative")
	}
	if p.OverlapPercent < 0 || p.OverlapPercent >= 100 {
		return errors.New("percent_overlap must be in [0, 100)")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decode reads a bounded JSON body.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// controlError maps runner errors to status codes.
func controlError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, capture.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, grbl.ErrNotConnected):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRun handles POST /run to start a queue of samples.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RunRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Samples) == 0 {
		http.Error(w, "at least one sample is required", http.StatusBadRequest)
		return
	}
	for i, p := range req.Samples {
		if err := ValidateParams(p); err != nil {
			http.Error(w, fmt.Sprintf("sample %d: %v", i+1, err), http.StatusBadRequest)
			return
		}
	}

	if h.Runner == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}
	if !h.limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	if err := h.Runner.Start(req.Samples); err != nil {
		controlError(w, err)
		return
	}
	h.Broadcaster.Broadcast("info", fmt.Sprintf("Queue of %d sample(s) started", len(req.Samples)))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// control wraps Cancel, Pause and Resume: 409 when nothing runs.
func (h *Handlers) control(name string, f func(Runner) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Runner == nil {
			http.Error(w, "capture not configured", http.StatusServiceUnavailable)
			return
		}
		if !f(h.Runner) {
			http.Error(w, "no capture in progress", http.StatusConflict)
			return
		}
		h.Broadcaster.Broadcast("info", name+" requested")
		writeJSON(w, http.StatusOK, map[string]string{"status": name})
	}
}

// HandleStatus returns the latest progress snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Runner == nil {
		writeJSON(w, http.StatusOK, Status{State: capture.StateIdle.String()})
		return
	}
	writeJSON(w, http.StatusOK, h.Runner.Status())
}

// HandleJog handles POST /axis/{axis}/jog.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	var req JogRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	d := req.DistanceMm
	if !finite(d) || d == 0 || math.Abs(d) > MaxJogMm {
		http.Error(w, fmt.Sprintf("distance_mm must be non-zero and within ±%g", MaxJogMm), http.StatusBadRequest)
		return
	}
	var a motion.Axes
	switch strings.ToLower(chi.URLParam(r, "axis")) {
	case "x":
		a = motion.X(d)
	case "y":
		a = motion.Y(d)
	case "z":
		a = motion.Z(d)
	default:
		http.Error(w, "axis must be x, y or z", http.StatusNotFound)
		return
	}
	if h.Runner == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Runner.Jog(r.Context(), a, req.Fast); err != nil {
		controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

// HandleHome handles POST /home.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if h.Runner == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Runner.Home(r.Context()); err != nil {
		controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "homed"})
}

// HandleOrigin handles POST /origin: the current stage position becomes
// the work origin.
func (h *Handlers) HandleOrigin(w http.ResponseWriter, r *http.Request) {
	if h.Runner == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Runner.SetOrigin(r.Context()); err != nil {
		controlError(w, err)
		return
	}
	h.Broadcaster.Broadcast("info", "Work origin set")
	writeJSON(w, http.StatusOK, map[string]string{"status": "origin set"})
}

// HandleSamples lists recent runs, newest first. ?limit= defaults to 50.
func (h *Handlers) HandleSamples(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeJSON(w, http.StatusOK, []store.Run{})
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.Ledger.Runs(limit)
	if err != nil {
		debug.Error(err)
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
