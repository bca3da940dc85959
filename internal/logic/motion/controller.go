package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/CoilGo/internal/debug"
	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
)

// Move units accepted by Controller.Move.
const (
	UnitSteps   = "steps"
	UnitTurns   = "turns"
	UnitDegrees = "degrees"
)

// Speed range accepted by the control surfaces.
const (
	MinRPM = 1
	MaxRPM = 60
)

// ErrTooFewSteps is returned when switching to full step would halve the
// steps per rotation to zero.
var ErrTooFewSteps = errors.New("steps_per_rotation must be at least 2 to switch to full step")

// Status is a snapshot of the driver state.
type Status struct {
	StepsLeft        int64  `json:"steps_left"`
	Direction        string `json:"direction"`
	RPM              uint32 `json:"rpm"`
	StepDelayUs      uint32 `json:"step_delay_us"`
	StepsPerRotation uint32 `json:"steps_per_rotation"`
	Resolution       string `json:"resolution"`
	AutoRelease      bool   `json:"auto_release"`
	Busy             bool   `json:"busy"`
	Index            int    `json:"index"`
	Coils            string `json:"coils"` // sequence pattern, e.g. "0110"
	Released         bool   `json:"released"`
	SubSteps         uint64 `json:"sub_steps"` // sub-steps fired since start
}

// Controller is the control loop around one stepper. It is the only owner
// of the driver: every operation takes the same lock as the poll loop, so
// it is safe to call from HTTP handlers or a UI while Run is polling.
type Controller struct {
	mu       sync.Mutex
	motor    *stepper.Stepper
	interval time.Duration
	subSteps uint64

	updates chan Status
}

// NewController wraps an initialized stepper. interval is the poll period
// of Run; it should be well below the step delay.
func NewController(motor *stepper.Stepper, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = 200 * time.Microsecond
	}
	return &Controller{
		motor:    motor,
		interval: interval,
		updates:  make(chan Status, 1),
	}
}

// Updates returns a channel that receives a status after every fired
// sub-step and every command. Only the latest status is kept.
func (c *Controller) Updates() <-chan Status {
	return c.updates
}

// Interval returns the poll period.
func (c *Controller) Interval() time.Duration {
	return c.interval
}

// Run polls the stepper every interval until ctx is cancelled. GPIO errors
// are logged and polling continues.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Poll(); err != nil {
				debug.Error(err)
			}
		}
	}
}

// Poll runs one poll of the stepper under the lock.
func (c *Controller) Poll() (bool, error) {
	fired, st, err := c.pollLocked()
	if fired {
		c.publish(st)
		if !st.Busy {
			debug.Live("Move finished at index %d (coils %s)", st.Index, st.Coils)
		}
	}
	if err != nil {
		return fired, fmt.Errorf("poll stepper: %w", err)
	}
	return fired, nil
}

func (c *Controller) pollLocked() (fired bool, st Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fired, err = c.motor.Poll()
	if fired {
		c.subSteps++
		st = c.statusLocked()
	}
	return fired, st, err
}

// RunUntilIdle polls inline until the pending move is finished. It is the
// loop used when nothing else runs Run.
func (c *Controller) RunUntilIdle(ctx context.Context) error {
	for c.Busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := c.Poll(); err != nil {
			return err
		}
		time.Sleep(c.interval)
	}
	return nil
}

// Wait blocks until the pending move is finished, leaving the polling to Run.
func (c *Controller) Wait(ctx context.Context) error {
	if !c.Busy() {
		return nil
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.Busy() {
				return nil
			}
		}
	}
}

// Busy reports whether a move is pending.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.motor.Busy()
}

// Status returns a snapshot of the driver.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	m := c.motor
	return Status{
		StepsLeft:        m.StepsLeft(),
		Direction:        m.Direction().String(),
		RPM:              m.RPM(),
		StepDelayUs:      m.StepDelay(),
		StepsPerRotation: m.StepsPerRotation(),
		Resolution:       m.Resolution().String(),
		AutoRelease:      m.AutoRelease(),
		Busy:             m.Busy(),
		Index:            m.Index(),
		Coils:            m.Pattern(),
		Released:         m.Released(),
		SubSteps:         c.subSteps,
	}
}

// publish replaces any unread status with st.
func (c *Controller) publish(st Status) {
	select {
	case c.updates <- st:
	default:
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- st:
		default:
		}
	}
}

// apply runs fn on the stepper under the lock and publishes the result.
func (c *Controller) apply(fn func(m *stepper.Stepper)) {
	c.publish(c.applyLocked(fn))
}

func (c *Controller) applyLocked(fn func(m *stepper.Stepper)) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.motor)
	return c.statusLocked()
}

// Move starts a move of value units ("steps", "turns" or "degrees") in
// direction dir, replacing any pending move.
func (c *Controller) Move(unit string, dir stepper.Direction, value int) error {
	switch unit {
	case UnitSteps:
		c.MoveSteps(dir, value)
	case UnitTurns:
		c.MoveRotations(dir, value)
	case UnitDegrees:
		c.MoveDegrees(dir, value)
	default:
		return fmt.Errorf("unknown move unit %q", unit)
	}
	return nil
}

func (c *Controller) MoveSteps(dir stepper.Direction, steps int) {
	c.apply(func(m *stepper.Stepper) { m.MoveSteps(dir, steps) })
}

func (c *Controller) MoveRotations(dir stepper.Direction, turns int) {
	c.apply(func(m *stepper.Stepper) { m.MoveRotations(dir, turns) })
}

func (c *Controller) MoveDegrees(dir stepper.Direction, degrees int) {
	c.apply(func(m *stepper.Stepper) { m.MoveDegrees(dir, degrees) })
}

// Stop abandons the pending move; the coils keep their current pattern.
func (c *Controller) Stop() {
	c.apply(func(m *stepper.Stepper) { m.MoveSteps(m.Direction(), 0) })
}

func (c *Controller) SetRPM(rpm uint32) {
	c.apply(func(m *stepper.Stepper) { m.SetRPM(rpm) })
}

// SetResolution switches the drive mode. It refuses a switch to full step
// that would leave zero steps per rotation.
func (c *Controller) SetResolution(r stepper.Resolution) error {
	var err error
	c.apply(func(m *stepper.Stepper) {
		if err = checkResolution(m.Resolution(), m.StepsPerRotation(), r); err == nil {
			m.SetResolution(r)
		}
	})
	return err
}

// CheckResolution reports whether a driver in state st can switch to r.
func CheckResolution(st Status, r stepper.Resolution) error {
	cur, err := stepper.ParseResolution(st.Resolution)
	if err != nil {
		return err
	}
	return checkResolution(cur, st.StepsPerRotation, r)
}

func checkResolution(cur stepper.Resolution, stepsPerRotation uint32, r stepper.Resolution) error {
	if r == stepper.FullStep && cur != stepper.FullStep && stepsPerRotation < 2 {
		return ErrTooFewSteps
	}
	return nil
}

func (c *Controller) SetStepsPerRotation(n uint32) {
	c.apply(func(m *stepper.Stepper) { m.SetStepsPerRotation(n) })
}

func (c *Controller) SetAutoRelease(on bool) {
	c.apply(func(m *stepper.Stepper) { m.SetAutoRelease(on) })
}

// Release de-energizes all coils immediately.
func (c *Controller) Release() error {
	var err error
	c.apply(func(m *stepper.Stepper) { err = m.Release() })
	if err != nil {
		return err
	}
	debug.Release("manual")
	return nil
}
