package sample

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetadataFile is written next to the tiles.
const MetadataFile = "metadata.json"

// Metadata is the persisted record of a run, read by the stitcher and by
// the plotting tools. The per-cell arrays are rows x cols, row 0 first;
// cells that were never visited hold zero coordinates and focus index -1.
type Metadata struct {
	RunID          string         `json:"run_id"`
	State          string         `json:"state"`
	Species        string         `json:"species"`
	ID1            string         `json:"id1"`
	ID2            string         `json:"id2"`
	Notes          string         `json:"notes"`
	Rows           int            `json:"rows"`
	Cols           int            `json:"cols"`
	RowOffset      int            `json:"row_offset"` // row index of array row 0
	ColOffset      int            `json:"col_offset"`
	Coordinates    [][][3]float64 `json:"coordinates"`
	Background     [][]bool       `json:"background"`
	BackgroundStd  [][]float64    `json:"background_std"`
	FocusIndex     [][]int        `json:"focus_index"`
	ImagingTimeS   float64        `json:"imaging_time_s"`
	DPI            float64        `json:"dpi"`
	WidthPx        int            `json:"width_px"`
	HeightPx       int            `json:"height_px"`
	PercentOverlap float64        `json:"percent_overlap"`
	ImageWidthMm   float64        `json:"image_width_mm"`
	ImageHeightMm  float64        `json:"image_height_mm"`
	IsCore         bool           `json:"is_core"`
	IsVertical     bool           `json:"is_vertical"`
	StartedAt      time.Time      `json:"started_at"`
	Cells          []Cell         `json:"cells"`
}

// Metadata snapshots the sample. For a grid the arrays span the planned
// grid; for a sweep they span the rows actually captured.
func (s *Sample) Metadata(runID, state string, elapsed time.Duration) Metadata {
	cells := s.Cells()

	var minRow, maxRow, minCol, maxCol int
	have := false
	if !s.Swept && s.Plan != nil {
		minRow, maxRow, minCol, maxCol = 0, s.Plan.Rows-1, 0, s.Plan.Cols-1
		have = true
	}
	for _, c := range cells {
		if !have {
			minRow, maxRow, minCol, maxCol = c.Row, c.Row, c.Col, c.Col
			have = true
			continue
		}
		minRow, maxRow = min(minRow, c.Row), max(maxRow, c.Row)
		minCol, maxCol = min(minCol, c.Col), max(maxCol, c.Col)
	}
	rows, cols := 0, 0
	if have {
		rows, cols = maxRow-minRow+1, maxCol-minCol+1
	}

	m := Metadata{
		RunID:          runID,
		State:          state,
		Species:        s.Species,
		ID1:            s.ID1,
		ID2:            s.ID2,
		Notes:          s.Notes,
		Rows:           rows,
		Cols:           cols,
		RowOffset:      minRow,
		ColOffset:      minCol,
		Coordinates:    make([][][3]float64, rows),
		Background:     make([][]bool, rows),
		BackgroundStd:  make([][]float64, rows),
		FocusIndex:     make([][]int, rows),
		ImagingTimeS:   elapsed.Seconds(),
		DPI:            s.FOV.DPI(),
		WidthPx:        s.FOV.WidthPx,
		HeightPx:       s.FOV.HeightPx,
		PercentOverlap: s.OverlapPercent,
		ImageWidthMm:   s.FOV.WidthMm,
		ImageHeightMm:  s.FOV.HeightMm,
		IsCore:         s.IsCore,
		IsVertical:     s.IsVertical,
		StartedAt:      s.StartedAt(),
		Cells:          cells,
	}
	for r := 0; r < rows; r++ {
		m.Coordinates[r] = make([][3]float64, cols)
		m.Background[r] = make([]bool, cols)
		m.BackgroundStd[r] = make([]float64, cols)
		m.FocusIndex[r] = make([]int, cols)
		for c := range m.FocusIndex[r] {
			m.FocusIndex[r][c] = -1
		}
	}
	for _, c := range cells {
		r, k := c.Row-minRow, c.Col-minCol
		m.Coordinates[r][k] = [3]float64{c.X, c.Y, c.Z}
		m.Background[r][k] = c.Background
		m.BackgroundStd[r][k] = c.Std
		m.FocusIndex[r][k] = c.FocusIndex
	}
	return m
}

// WriteMetadata writes m into dir atomically.
func WriteMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("sample: encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sample: write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sample: write metadata: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sample: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, MetadataFile))
}

// ReadMetadata loads dir/metadata.json.
func ReadMetadata(dir string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("sample: decode metadata: %w", err)
	}
	return m, nil
}
