package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/CoilGo/internal/hw/gpio"
	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
)

// StepperConfig holds the wiring and drive settings of the 4-coil motor.
type StepperConfig struct {
	Pins             []int  `yaml:"pins"`               // 4 coil lines (BCM or bridge pin numbers), in energization order
	StepsPerRotation uint32 `yaml:"steps_per_rotation"` // at the configured resolution; 0 = motor default
	RPM              uint32 `yaml:"rpm"`
	Resolution       string `yaml:"resolution"` // "half" or "full"
	AutoRelease      bool   `yaml:"auto_release"`
}

// GPIOConfig selects the output backend.
type GPIOConfig struct {
	Backend    string `yaml:"backend"`     // mock, rpio or serial
	SerialPort string `yaml:"serial_port"` // serial backend, e.g. /dev/ttyACM0
	BaudRate   int    `yaml:"baud_rate"`
}

// DefaultsConfig contains generic runtime parameters.
type DefaultsConfig struct {
	PollIntervalUs int `yaml:"poll_interval_us"` // how often the control loop polls the driver
	DebugLevel     int `yaml:"debug_level"`      // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Move units of a program step.
const (
	UnitSteps   = "steps"
	UnitTurns   = "turns"
	UnitDegrees = "degrees"
)

// ProgramStep is one instruction of a scripted program. Exactly one action
// is set per step.
type ProgramStep struct {
	Move        string `yaml:"move,omitempty"`      // steps, turns or degrees
	Direction   string `yaml:"direction,omitempty"` // cw or ccw
	Value       int    `yaml:"value,omitempty"`
	DwellMs     int    `yaml:"dwell_ms,omitempty"`
	RPM         uint32 `yaml:"rpm,omitempty"`
	Resolution  string `yaml:"resolution,omitempty"`
	Release     bool   `yaml:"release,omitempty"`
	AutoRelease *bool  `yaml:"auto_release,omitempty"`
}

// Program is a scripted sequence of steps, run Repeat times.
type Program struct {
	Repeat int           `yaml:"repeat"`
	Steps  []ProgramStep `yaml:"steps"`
}

// Config aggregates all application configuration.
type Config struct {
	Stepper  StepperConfig  `yaml:"stepper"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Program  *Program       `yaml:"program,omitempty"` // optional
}

// ValidateConfigPath accepts only .yaml files located directly in a
// configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Stepper
	if len(cfg.Stepper.Pins) != stepper.NumCoils {
		return nil, fmt.Errorf("stepper.pins must list %d pins, got %d", stepper.NumCoils, len(cfg.Stepper.Pins))
	}
	seen := make(map[int]bool, stepper.NumCoils)
	for _, p := range cfg.Stepper.Pins {
		if p < 0 {
			return nil, fmt.Errorf("stepper.pins: invalid pin %d", p)
		}
		if seen[p] {
			return nil, fmt.Errorf("stepper.pins: pin %d listed twice", p)
		}
		seen[p] = true
	}
	if cfg.Stepper.RPM == 0 {
		cfg.Stepper.RPM = stepper.DefaultRPM
	}
	if cfg.Stepper.Resolution == "" {
		cfg.Stepper.Resolution = stepper.HalfStep.String()
	}
	res, err := stepper.ParseResolution(cfg.Stepper.Resolution)
	if err != nil {
		return nil, fmt.Errorf("stepper.resolution: %w", err)
	}
	cfg.Stepper.Resolution = res.String()

	// GPIO
	switch cfg.GPIO.Backend {
	case "":
		cfg.GPIO.Backend = gpio.BackendMock
	case gpio.BackendMock, gpio.BackendRPi:
	case gpio.BackendSerial:
		if cfg.GPIO.SerialPort == "" {
			return nil, fmt.Errorf("gpio.serial_port is required for the serial backend")
		}
	default:
		return nil, fmt.Errorf("gpio.backend must be mock, rpio or serial, got %q", cfg.GPIO.Backend)
	}
	if cfg.GPIO.BaudRate <= 0 {
		cfg.GPIO.BaudRate = gpio.DefaultBaudRate
	}

	// Defaults
	if cfg.Defaults.PollIntervalUs <= 0 {
		cfg.Defaults.PollIntervalUs = 200 // well below the shortest realistic step delay
	}
	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}

	if cfg.Program != nil {
		if err := cfg.Program.Validate(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Validate checks every step and defaults Repeat to 1.
func (p *Program) Validate() error {
	if p.Repeat < 0 {
		return fmt.Errorf("program.repeat must be >= 0, got %d", p.Repeat)
	}
	if p.Repeat == 0 {
		p.Repeat = 1
	}
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("program.steps[%d]: %w", i, err)
		}
	}
	return nil
}

// Kind names the single action a step performs.
func (s ProgramStep) Kind() string {
	switch {
	case s.Move != "":
		return "move"
	case s.DwellMs > 0:
		return "dwell"
	case s.RPM > 0:
		return "rpm"
	case s.Resolution != "":
		return "resolution"
	case s.Release:
		return "release"
	case s.AutoRelease != nil:
		return "auto_release"
	default:
		return ""
	}
}

// Validate checks that exactly one action is set and that it is well formed.
func (s ProgramStep) Validate() error {
	actions := 0
	for _, set := range []bool{s.Move != "", s.DwellMs > 0, s.RPM > 0, s.Resolution != "", s.Release, s.AutoRelease != nil} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action per step, got %d", actions)
	}
	if s.DwellMs < 0 {
		return fmt.Errorf("dwell_ms must be >= 0, got %d", s.DwellMs)
	}

	switch s.Kind() {
	case "move":
		switch s.Move {
		case UnitSteps, UnitTurns, UnitDegrees:
		default:
			return fmt.Errorf("move must be steps, turns or degrees, got %q", s.Move)
		}
		if _, err := stepper.ParseDirection(s.Direction); err != nil {
			return err
		}
		if s.Value < 0 {
			return fmt.Errorf("move value must be >= 0, got %d", s.Value)
		}
	case "resolution":
		if _, err := stepper.ParseResolution(s.Resolution); err != nil {
			return err
		}
	}
	return nil
}

// StepperSettings converts the stepper section into a driver configuration.
func (c *Config) StepperSettings() stepper.Config {
	var pins [stepper.NumCoils]int
	copy(pins[:], c.Stepper.Pins)
	res, _ := stepper.ParseResolution(c.Stepper.Resolution) // validated by Load
	return stepper.Config{
		Pins:             pins,
		StepsPerRotation: c.Stepper.StepsPerRotation,
		RPM:              c.Stepper.RPM,
		Resolution:       res,
		AutoRelease:      c.Stepper.AutoRelease,
	}
}

// GPIOOptions converts the gpio section into backend options.
func (c *Config) GPIOOptions() gpio.Options {
	return gpio.Options{
		Backend:    c.GPIO.Backend,
		SerialPort: c.GPIO.SerialPort,
		BaudRate:   c.GPIO.BaudRate,
	}
}

// PollInterval returns the control loop period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Defaults.PollIntervalUs) * time.Microsecond
}

// Dwell returns the pause of a dwell step.
func (s ProgramStep) Dwell() time.Duration {
	return time.Duration(s.DwellMs) * time.Millisecond
}
