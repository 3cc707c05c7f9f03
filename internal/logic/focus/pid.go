package focus

import "time"

// PID is a textbook discrete PID controller. The focus loop feeds it the
// index of the sharpest frame in a bracket and steers the Z bias so that
// index drifts back to the middle of the bracket.
type PID struct {
	Kp, Ki, Kd float64
	Setpoint   float64

	integral  float64
	prevError float64
	last      time.Time
	started   bool

	now func() time.Time
}

// NewPID returns a controller using the wall clock.
func NewPID(kp, ki, kd, setpoint float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, Setpoint: setpoint, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (p *PID) SetClock(now func() time.Time) { p.now = now }

// Update folds in a new measurement and returns the control output.
// dt is the wall time since the previous update. The derivative term is 0
// on the first update and whenever dt <= 0.
func (p *PID) Update(measured float64) float64 {
	t := p.now()
	e := p.Setpoint - measured

	var dt float64
	if p.started {
		dt = t.Sub(p.last).Seconds()
	}
	p.integral += e * dt

	var derivative float64
	if dt > 0 {
		derivative = (e - p.prevError) / dt
	}

	p.prevError = e
	p.last = t
	p.started = true

	return p.Kp*e + p.Ki*p.integral + p.Kd*derivative
}

// Integral returns the accumulated integral term.
func (p *PID) Integral() float64 { return p.integral }

// Reset clears accumulated state, between samples.
func (p *PID) Reset() {
	p.integral = 0
	p.prevError = 0
	p.started = false
}
