// Package sample holds what is known about one specimen on the bed: its
// identity, its geometry, the planned grid and what was recorded while
// capturing it.
package sample

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/RingScan/internal/logic/geometry"
)

// Params are the operator inputs for one sample.
type Params struct {
	Species        string         `json:"species"`
	ID1            string         `json:"id1"`
	ID2            string         `json:"id2"`
	Notes          string         `json:"notes"`
	WidthMm        float64        `json:"width_mm"` // bounding box around the sample edges
	HeightMm       float64        `json:"height_mm"`
	OverlapPercent float64        `json:"percent_overlap"`
	Center         geometry.Point `json:"center"` // stage coordinates of the sample center
	IsCore         bool           `json:"is_core"`
	IsVertical     bool           `json:"is_vertical"` // core length along Y
}

// Cell is what was recorded for one kept tile.
type Cell struct {
	Row        int     `json:"row"`
	Col        int     `json:"col"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Background bool    `json:"background"`
	Std        float64 `json:"background_std"`
	FocusIndex int     `json:"focus_index"`
	Tile       string  `json:"tile,omitempty"`
}

// Sample is one specimen. Geometry is computed once in New and never
// changes; cells are appended while capturing.
type Sample struct {
	Params
	FOV  geometry.FieldOfView
	Dir  string
	Plan *geometry.GridPlan
	// Swept is set when the sample was captured as an open-ended 1-D
	// sweep instead of following Plan.
	Swept bool

	mu        sync.Mutex
	cells     []Cell
	startedAt time.Time
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DirName is "<species>_<id1>_<id2>_<HH_MM_SS>" with characters that do not
// belong in a file name replaced.
func DirName(species, id1, id2 string, t time.Time) string {
	parts := []string{species, id1, id2, t.Format("15_04_05")}
	for i, p := range parts {
		parts[i] = unsafeName.ReplaceAllString(strings.TrimSpace(p), "-")
	}
	return strings.Join(parts, "_")
}

// New validates p, plans its grid and picks its output directory under
// root. The directory is not created.
func New(p Params, fov geometry.FieldOfView, root string, now time.Time) (*Sample, error) {
	if strings.TrimSpace(p.Species) == "" {
		return nil, errors.New("sample: species is required")
	}
	plan, err := geometry.Plan(geometry.GridSpec{
		WidthMm:        p.WidthMm,
		HeightMm:       p.HeightMm,
		Center:         p.Center,
		OverlapPercent: p.OverlapPercent,
		FOV:            fov,
	})
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", p.Species, err)
	}
	return &Sample{
		Params: p,
		FOV:    fov,
		Dir:    filepath.Join(root, DirName(p.Species, p.ID1, p.ID2, now)),
		Plan:   plan,
	}, nil
}

// Name identifies the sample in progress messages.
func (s *Sample) Name() string {
	return filepath.Base(s.Dir)
}

// Prepare creates the output directory and starts the clock.
func (s *Sample) Prepare(now time.Time) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	s.mu.Lock()
	s.startedAt = now
	s.cells = nil
	s.mu.Unlock()
	return nil
}

// Record appends a kept cell.
func (s *Sample) Record(c Cell) {
	s.mu.Lock()
	s.cells = append(s.cells, c)
	s.mu.Unlock()
}

// Cells returns a copy of what was recorded so far.
func (s *Sample) Cells() []Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Cell(nil), s.cells...)
}

// StartedAt returns when Prepare was called.
func (s *Sample) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}
