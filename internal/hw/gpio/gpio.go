package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/CoilGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("PinMode(%d)", int(m))
	}
}

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation,
// a microcontroller bridged over serial, or a mock for development on PC.
// SetupPin and WritePin must be idempotent.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// Backend names accepted by NewDriver.
const (
	BackendMock   = "mock"
	BackendRPi    = "rpio"
	BackendSerial = "serial"
)

// Options selects and parameterizes a GPIO backend.
type Options struct {
	Backend    string
	SerialPort string // serial backend only
	BaudRate   int    // serial backend only
}

// NewDriver creates a GPIO driver for the chosen backend.
func NewDriver(opts Options) (Driver, error) {
	switch opts.Backend {
	case BackendMock, "":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case BackendRPi:
		return NewRPiRealDriver()
	case BackendSerial:
		return NewSerialDriver(opts.SerialPort, opts.BaudRate)
	default:
		return nil, fmt.Errorf("unknown gpio backend: %q", opts.Backend)
	}
}

// MockDriver is a development implementation that logs actions and
// remembers the last level written to each pin.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
}

// NewMockDriver creates an empty mock driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
