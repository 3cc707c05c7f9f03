package gpio

import (
	"sync"

	"github.com/cjeanneret/RingScan/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp // input with the internal pull-up, for buttons wired to ground
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// MockDriver keeps pin levels in memory. Outputs hold what was written;
// inputs read what Set last put there, High for a pulled-up pin nobody
// touched. Used for development on PC and in tests.
type MockDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
	writes []Write
	closed bool
}

// Write is one recorded WritePin call.
type Write struct {
	Pin   int
	Level Level
}

// NewMockDriver returns an empty mock.
func NewMockDriver() *MockDriver {
	return &MockDriver{modes: make(map[int]PinMode), levels: make(map[int]Level)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[pin] = mode
	if _, ok := m.levels[pin]; !ok && mode == InputPullUp {
		m.levels[pin] = High
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = level
	m.writes = append(m.writes, Write{Pin: pin, Level: level})
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// Set drives an input from the outside, as a button or sensor would.
func (m *MockDriver) Set(pin int, level Level) {
	m.mu.Lock()
	m.levels[pin] = level
	m.mu.Unlock()
}

// Writes returns the WritePin calls so far.
func (m *MockDriver) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Mode reports how pin was set up.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

// Closed reports whether Close was called.
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
