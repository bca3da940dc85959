package stepper

import (
	"fmt"
	"strings"

	"github.com/cjeanneret/CoilGo/internal/debug"
	"github.com/cjeanneret/CoilGo/internal/hw/clock"
	"github.com/cjeanneret/CoilGo/internal/hw/gpio"
)

const (
	// NumCoils is the number of coil output lines. Another coil count needs
	// a rebuild with a different value.
	NumCoils = 4

	// MicrosPerMinute converts RPM into a per-step delay.
	MicrosPerMinute = 60_000_000

	// DefaultStepsPerRotation is the half-step count of a geared 28BYJ-48.
	DefaultStepsPerRotation = 4096
	DefaultRPM              = 10
)

// Resolution selects full-step or one-two phase half-step drive.
type Resolution int

const (
	HalfStep Resolution = iota
	FullStep
)

func (r Resolution) String() string {
	switch r {
	case HalfStep:
		return "half"
	case FullStep:
		return "full"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// ParseResolution accepts "half" or "full" (case-insensitive).
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "half", "halfstep", "half_step":
		return HalfStep, nil
	case "full", "fullstep", "full_step":
		return FullStep, nil
	default:
		return HalfStep, fmt.Errorf("unknown resolution %q (want half or full)", s)
	}
}

// Direction is the sign applied to the sequence index on every energize sub-step.
type Direction int8

const (
	Clockwise        Direction = 1
	CounterClockwise Direction = -1
)

func (d Direction) String() string {
	if d < 0 {
		return "ccw"
	}
	return "cw"
}

// ParseDirection accepts "cw" or "ccw" (and their long forms).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cw", "clockwise", "":
		return Clockwise, nil
	case "ccw", "counterclockwise", "counter-clockwise":
		return CounterClockwise, nil
	default:
		return Clockwise, fmt.Errorf("unknown direction %q (want cw or ccw)", s)
	}
}

func normalize(d Direction) Direction {
	if d < 0 {
		return CounterClockwise
	}
	return Clockwise
}

// Config holds the wiring and initial settings of a 4-coil stepper.
type Config struct {
	Pins             [NumCoils]int // coil lines in energization order
	StepsPerRotation uint32        // at Resolution; 0 = default for that resolution
	RPM              uint32        // 0 = DefaultRPM
	Resolution       Resolution
	AutoRelease      bool // de-energize all coils once a move completes
}

// Stepper drives a unipolar/bipolar 4-coil motor without blocking: the caller
// issues a move and then calls Poll as often as it can. Each due Poll runs one
// sub-step of the coil sequence.
//
// A Stepper is not safe for concurrent use.
type Stepper struct {
	gpio  gpio.Driver
	clock clock.Clock
	pins  [NumCoils]int

	stepsPerRotation uint32
	rpm              uint32
	stepDelay        uint32 // microseconds between sub-steps
	resolution       Resolution
	autoRelease      bool

	direction Direction
	stepsLeft uint64
	lastStep  uint32

	levels    [NumCoils]gpio.Level
	index     int
	prevIndex int
	settle    bool // half-step phase: true on the sub-step that drops the trailing coil
	released  bool
}

// NewStepper creates a stepper on the given lines. Pins are not touched
// until Init is called.
//
// RPM and steps per rotation must both be at least 1 (here and in every
// setter); a zero makes the delay derivation divide by zero.
func NewStepper(g gpio.Driver, clk clock.Clock, cfg Config) *Stepper {
	s := &Stepper{
		gpio:             g,
		clock:            clk,
		pins:             cfg.Pins,
		stepsPerRotation: DefaultStepsPerRotation,
		rpm:              DefaultRPM,
		resolution:       HalfStep,
		autoRelease:      cfg.AutoRelease,
		direction:        Clockwise,
		settle:           true,
	}
	if cfg.RPM > 0 {
		s.rpm = cfg.RPM
	}
	s.updateDelay()

	s.SetResolution(cfg.Resolution)
	if cfg.StepsPerRotation > 0 {
		s.SetStepsPerRotation(cfg.StepsPerRotation)
	}
	return s
}

// Init configures every coil line as an output and drives it low.
// Outputs are undefined until Init has run.
func (s *Stepper) Init() error {
	s.levels = [NumCoils]gpio.Level{}
	for _, pin := range s.pins {
		if err := s.gpio.SetupPin(pin, gpio.Output); err != nil {
			return fmt.Errorf("setup coil pin %d: %w", pin, err)
		}
		if err := s.gpio.WritePin(pin, gpio.Low); err != nil {
			return fmt.Errorf("clear coil pin %d: %w", pin, err)
		}
	}
	debug.Verbose("Stepper: initialized coil pins %v", s.pins)
	return nil
}

// Poll runs one sub-step if a move is pending and more than StepDelay
// microseconds have passed since the previous one. It reports whether a
// sub-step fired. A late poll fires a single sub-step; missed time is not
// caught up.
//
// When auto-release is on and the move just finished, Poll waits one step
// delay for the rotor to settle and then releases the coils. This is the only
// blocking path.
func (s *Stepper) Poll() (bool, error) {
	if s.stepsLeft == 0 {
		return false, nil
	}
	now := s.clock.NowMicros()
	if now-s.lastStep <= s.stepDelay {
		return false, nil
	}
	s.lastStep = now

	s.advance()
	err := s.writeLevels()
	s.stepsLeft--
	if err != nil {
		return true, err
	}

	if s.autoRelease && s.stepsLeft == 0 {
		s.clock.DelayMicros(s.stepDelay)
		if err := s.Release(); err != nil {
			return true, err
		}
		debug.Release("auto")
	}
	return true, nil
}

// advance computes the next coil pattern.
//
// Full-step energizes the next coil and drops the current one. Half-step
// alternates between energizing the next coil while keeping the current one
// on (two coils) and dropping the trailing coil (one coil), so one index
// advance spans two sub-steps.
func (s *Stepper) advance() {
	s.settle = !s.settle

	if s.resolution == HalfStep && s.settle {
		s.levels[s.prevIndex] = gpio.Low
	} else {
		s.prevIndex = s.index
		s.index += int(s.direction)
		if s.index >= NumCoils {
			s.index = 0
		}
		if s.index < 0 {
			s.index = NumCoils - 1
		}

		s.levels[s.index] = gpio.High
		s.levels[s.prevIndex] = gpio.Level(s.resolution == HalfStep)
	}

	if debug.IsEnabled(debug.LevelTrace) {
		debug.Trace("Stepper: sub-step index=%d prev=%d coils=%s left=%d", s.index, s.prevIndex, s.Pattern(), s.stepsLeft-1)
	}
}

func (s *Stepper) writeLevels() error {
	s.released = false
	for i, pin := range s.pins {
		if err := s.gpio.WritePin(pin, s.levels[i]); err != nil {
			return fmt.Errorf("write coil pin %d: %w", pin, err)
		}
	}
	return nil
}

// Release drives every coil line low, whatever the move state. The sequence
// position is kept, so the next sub-step resumes from it.
func (s *Stepper) Release() error {
	for _, pin := range s.pins {
		if err := s.gpio.WritePin(pin, gpio.Low); err != nil {
			return fmt.Errorf("release coil pin %d: %w", pin, err)
		}
	}
	s.released = true
	return nil
}

// SetRPM sets the target speed and re-derives the step delay.
func (s *Stepper) SetRPM(rpm uint32) {
	s.rpm = rpm
	s.updateDelay()
}

// SetResolution switches between full and half step. Switching to half step
// doubles the steps per rotation, switching to full step halves it, so a
// rotation stays a rotation. Setting the current resolution does nothing.
func (s *Stepper) SetResolution(r Resolution) {
	if r != FullStep {
		r = HalfStep
	}
	if r == s.resolution {
		return
	}
	s.resolution = r
	if r == HalfStep {
		s.stepsPerRotation *= 2
	} else {
		s.stepsPerRotation /= 2
	}
	debug.Verbose("Stepper: resolution %s, %d steps per rotation", r, s.stepsPerRotation)
	s.updateDelay()
}

// SetStepsPerRotation overwrites the steps per rotation as-is; n must match
// the current resolution.
func (s *Stepper) SetStepsPerRotation(n uint32) {
	s.stepsPerRotation = n
	s.updateDelay()
}

// SetAutoRelease enables or disables coil release after a finished move.
func (s *Stepper) SetAutoRelease(on bool) {
	s.autoRelease = on
}

func (s *Stepper) updateDelay() {
	s.stepDelay = uint32(MicrosPerMinute / (uint64(s.stepsPerRotation) * uint64(s.rpm)))
	debug.Verbose("Stepper: %d rpm at %d steps/rotation -> %dus per step", s.rpm, s.stepsPerRotation, s.stepDelay)
}

// MoveSteps replaces any pending move with steps sub-steps in direction dir.
// Non-positive counts stop the motor.
func (s *Stepper) MoveSteps(dir Direction, steps int) {
	var n uint64
	if steps > 0 {
		n = uint64(steps)
	}
	s.move(dir, n)
}

// MoveRotations replaces any pending move with whole shaft turns.
func (s *Stepper) MoveRotations(dir Direction, turns int) {
	var n uint64
	if turns > 0 {
		n = uint64(turns) * uint64(s.stepsPerRotation)
	}
	s.move(dir, n)
}

// MoveDegrees replaces any pending move with a rotation in degrees.
//
// Degrees are truncated to whole turns before scaling, so anything below
// 360 yields no motion and 719 yields one turn. Use MoveSteps for sub-turn
// moves.
func (s *Stepper) MoveDegrees(dir Direction, degrees int) {
	var n uint64
	if degrees > 0 {
		n = uint64(degrees/360) * uint64(s.stepsPerRotation)
	}
	s.move(dir, n)
}

func (s *Stepper) move(dir Direction, n uint64) {
	s.stepsLeft = n
	s.direction = normalize(dir)
	debug.Move(n, s.direction.String())
}

// StepsLeft returns the pending sub-steps signed by direction: negative
// means counter-clockwise.
func (s *Stepper) StepsLeft() int64 {
	return int64(s.direction) * int64(s.stepsLeft)
}

// RPM returns the configured speed.
func (s *Stepper) RPM() uint32 { return s.rpm }

// StepDelay returns the derived delay between sub-steps in microseconds.
func (s *Stepper) StepDelay() uint32 { return s.stepDelay }

// StepsPerRotation returns the steps per rotation at the current resolution.
func (s *Stepper) StepsPerRotation() uint32 { return s.stepsPerRotation }

func (s *Stepper) Resolution() Resolution { return s.resolution }
func (s *Stepper) Direction() Direction   { return s.direction }
func (s *Stepper) AutoRelease() bool      { return s.autoRelease }
func (s *Stepper) Busy() bool             { return s.stepsLeft > 0 }
func (s *Stepper) Index() int             { return s.index }
func (s *Stepper) Pins() [NumCoils]int    { return s.pins }

// Levels returns the coil pattern of the sequence. After Release the lines
// are low even though the pattern is kept; see Released.
func (s *Stepper) Levels() [NumCoils]gpio.Level { return s.levels }

// Released reports whether the coils were released after the last sub-step.
func (s *Stepper) Released() bool { return s.released }

// Pattern renders Levels as one digit per coil, e.g. "0110".
func (s *Stepper) Pattern() string {
	var b strings.Builder
	for _, l := range s.levels {
		if l == gpio.High {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
