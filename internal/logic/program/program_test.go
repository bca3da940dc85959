package program

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/CoilGo/internal/config"
	"github.com/cjeanneret/CoilGo/internal/hw/clock"
	"github.com/cjeanneret/CoilGo/internal/hw/gpio"
	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

// skipClock jumps far ahead on every reading so every poll is due.
type skipClock struct {
	mu  sync.Mutex
	now uint32
}

func (c *skipClock) NowMicros() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += 1_000_000
	return c.now
}

func (c *skipClock) DelayMicros(us uint32) {}

func newTestController(t *testing.T, clk clock.Clock) (*motion.Controller, *gpio.MockDriver) {
	t.Helper()
	drv := gpio.NewMockDriver()
	m := stepper.NewStepper(drv, clk, stepper.Config{Pins: [stepper.NumCoils]int{1, 2, 3, 4}})
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return motion.NewController(m, 10*time.Microsecond), drv
}

func boolPtr(b bool) *bool { return &b }

func TestRunner_FullProgram(t *testing.T) {
	ctrl, drv := newTestController(t, &skipClock{})
	runner := NewRunner(ctrl, true)

	prog := &config.Program{
		Repeat: 2,
		Steps: []config.ProgramStep{
			{Move: config.UnitSteps, Direction: "cw", Value: 6},
			{DwellMs: 1},
			{RPM: 12},
			{Resolution: "full"},
			{Move: config.UnitSteps, Direction: "ccw", Value: 3},
			{AutoRelease: boolPtr(true)},
			{Release: true},
		},
	}

	res, err := runner.Run(context.Background(), prog)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Repeats != 2 || res.Steps != 14 || res.Moves != 4 {
		t.Errorf("result = %+v", res)
	}

	st := ctrl.Status()
	if st.Busy {
		t.Error("controller should be idle after the program")
	}
	if st.SubSteps != 18 {
		t.Errorf("sub-steps = %d, want 18", st.SubSteps)
	}
	if st.RPM != 12 || st.Resolution != "full" || !st.AutoRelease {
		t.Errorf("settings after program = %+v", st)
	}
	for pin := 1; pin <= 4; pin++ {
		if lvl, _ := drv.ReadPin(pin); lvl != gpio.Low {
			t.Errorf("pin %d = %v after release step, want LOW", pin, lvl)
		}
	}
}

func TestRunner_NilProgram(t *testing.T) {
	ctrl, _ := newTestController(t, &skipClock{})
	if _, err := NewRunner(ctrl, true).Run(context.Background(), nil); err == nil {
		t.Error("expected error for nil program")
	}
}

func TestRunner_ZeroRepeatRunsOnce(t *testing.T) {
	ctrl, _ := newTestController(t, &skipClock{})
	res, err := NewRunner(ctrl, true).Run(context.Background(), &config.Program{
		Steps: []config.ProgramStep{{Move: config.UnitSteps, Value: 2}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Repeats != 1 || res.Moves != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_CancelledDuringMove(t *testing.T) {
	ctrl, _ := newTestController(t, clock.NewFake(0)) // never due
	runner := NewRunner(ctrl, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, &config.Program{
		Steps: []config.ProgramStep{{Move: config.UnitTurns, Direction: "cw", Value: 1}},
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if ctrl.Busy() {
		t.Error("cancelled move should be abandoned")
	}
}

func TestRunner_CancelledDuringDwell(t *testing.T) {
	ctrl, _ := newTestController(t, &skipClock{})
	runner := NewRunner(ctrl, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, &config.Program{
		Steps: []config.ProgramStep{{DwellMs: 10_000}},
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunner_BackgroundPolling(t *testing.T) {
	ctrl, _ := newTestController(t, &skipClock{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	runner := NewRunner(ctrl, false)
	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()
	res, err := runner.Run(runCtx, &config.Program{
		Steps: []config.ProgramStep{
			{Move: config.UnitSteps, Direction: "ccw", Value: 5},
			{Move: config.UnitDegrees, Direction: "cw", Value: 90}, // below one turn: no motion
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Moves != 2 {
		t.Errorf("moves = %d, want 2", res.Moves)
	}
	if st := ctrl.Status(); st.SubSteps != 5 {
		t.Errorf("sub-steps = %d, want 5", st.SubSteps)
	}
}
