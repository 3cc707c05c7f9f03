package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// The light relay and the abort watcher use it from different goroutines.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.setupLocked(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.setupLocked(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()

	// Reset all pins to input (safe state), dropping pulls
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
		p.PullOff()
	}

	return rpio.Close()
}
