// Package metrics exposes capture activity to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/sample"
)

const namespace = "ringscan"

// Collector holds the capture metrics on its own registry. It implements
// capture.Observer.
type Collector struct {
	reg *prometheus.Registry

	runs       *prometheus.CounterVec
	cells      *prometheus.CounterVec
	running    prometheus.Gauge
	runSeconds prometheus.Histogram
	cellPeriod prometheus.Histogram
	focusIndex prometheus.Histogram

	mu       sync.Mutex
	lastCell time.Time
	now      func() time.Time
}

// New registers the capture metrics. When pos is not nil the stage work
// position is exported as ringscan_stage_position_mm{axis}.
func New(pos func() motion.Position) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished capture runs by final state.",
		}, []string{"state"}),
		cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_total",
			Help:      "Kept cells, split by whether the bracket looked at background.",
		}, []string{"background"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a capture run is in progress.",
		}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		cellPeriod: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cell_period_seconds",
			Help:      "Time between two kept cells of a run.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		focusIndex: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "focus_index",
			Help:      "Bracket index of the kept frame; centered when focus tracks the surface.",
			Buckets:   prometheus.LinearBuckets(0, 1, 15),
		}),
		now: time.Now,
	}
	c.reg.MustRegister(c.runs, c.cells, c.running, c.runSeconds, c.cellPeriod, c.focusIndex)

	if pos != nil {
		for _, axis := range []string{"x", "y", "z"} {
			axis := axis
			c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "stage_position_mm",
				Help:        "Last polled stage work position.",
				ConstLabels: prometheus.Labels{"axis": axis},
			}, func() float64 {
				p := pos()
				switch axis {
				case "x":
					return p.X
				case "y":
					return p.Y
				}
				return p.Z
			}))
		}
	}
	return c
}

// Registry returns the registry, for tests and for extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) RunStarted(string, *sample.Sample) {
	c.running.Set(1)
	c.mu.Lock()
	c.lastCell = c.now()
	c.mu.Unlock()
}

func (c *Collector) CellDone(_ string, _ *sample.Sample, cell sample.Cell) {
	bg := "false"
	if cell.Background {
		bg = "true"
	}
	c.cells.WithLabelValues(bg).Inc()
	if cell.FocusIndex >= 0 && !cell.Background {
		c.focusIndex.Observe(float64(cell.FocusIndex))
	}

	c.mu.Lock()
	now := c.now()
	c.cellPeriod.Observe(now.Sub(c.lastCell).Seconds())
	c.lastCell = now
	c.mu.Unlock()
}

func (c *Collector) RunFinished(_ string, _ *sample.Sample, r capture.Result) {
	c.running.Set(0)
	c.runs.WithLabelValues(r.State.String()).Inc()
	c.runSeconds.Observe(r.Elapsed.Seconds())
}
