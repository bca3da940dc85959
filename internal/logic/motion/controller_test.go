package motion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/CoilGo/internal/hw/clock"
	"github.com/cjeanneret/CoilGo/internal/hw/gpio"
	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
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

func newTestController(t *testing.T, clk clock.Clock, cfg stepper.Config) (*Controller, *gpio.MockDriver) {
	t.Helper()
	drv := gpio.NewMockDriver()
	cfg.Pins = [stepper.NumCoils]int{1, 2, 3, 4}
	m := stepper.NewStepper(drv, clk, cfg)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return NewController(m, 50*time.Microsecond), drv
}

func TestController_RunUntilIdle(t *testing.T) {
	ctrl, _ := newTestController(t, &skipClock{}, stepper.Config{})

	ctrl.MoveSteps(stepper.Clockwise, 10)
	if !ctrl.Busy() {
		t.Fatal("controller should be busy after a move")
	}
	if err := ctrl.RunUntilIdle(context.Background()); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}

	st := ctrl.Status()
	if st.Busy || st.StepsLeft != 0 {
		t.Errorf("status after run = %+v", st)
	}
	if st.SubSteps != 10 {
		t.Errorf("sub-steps = %d, want 10", st.SubSteps)
	}
	// 10 half steps = 5 index advances from 0.
	if st.Index != 1 {
		t.Errorf("index = %d, want 1", st.Index)
	}
}

func TestController_RunUntilIdleCancelled(t *testing.T) {
	ctrl, _ := newTestController(t, clock.NewFake(0), stepper.Config{})
	ctrl.MoveSteps(stepper.Clockwise, 10) // fake clock never advances

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ctrl.RunUntilIdle(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestController_RunAndWait(t *testing.T) {
	ctrl, drv := newTestController(t, &skipClock{}, stepper.Config{Resolution: stepper.FullStep, AutoRelease: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	ctrl.MoveRotations(stepper.CounterClockwise, 0)
	ctrl.MoveSteps(stepper.CounterClockwise, 7)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := ctrl.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	st := ctrl.Status()
	if st.SubSteps != 7 {
		t.Errorf("sub-steps = %d, want 7", st.SubSteps)
	}
	// 7 ccw full steps from 0: 3,2,1,0,3,2,1.
	if st.Index != 1 {
		t.Errorf("index = %d, want 1", st.Index)
	}
	if !st.Released {
		t.Error("auto-release should have released the coils")
	}
	for pin := 1; pin <= 4; pin++ {
		if lvl, _ := drv.ReadPin(pin); lvl != gpio.Low {
			t.Errorf("pin %d = %v after auto-release, want LOW", pin, lvl)
		}
	}
}

func TestController_WaitWhenIdle(t *testing.T) {
	ctrl, _ := newTestController(t, clock.NewFake(0), stepper.Config{})
	if err := ctrl.Wait(context.Background()); err != nil {
		t.Errorf("Wait on idle controller: %v", err)
	}
}

func TestController_Move(t *testing.T) {
	ctrl, _ := newTestController(t, clock.NewFake(0), stepper.Config{})

	cases := []struct {
		unit  string
		dir   stepper.Direction
		value int
		want  int64
	}{
		{UnitSteps, stepper.Clockwise, 100, 100},
		{UnitTurns, stepper.CounterClockwise, 2, -2 * 4096},
		{UnitDegrees, stepper.Clockwise, 359, 0},
		{UnitDegrees, stepper.Clockwise, 720, 2 * 4096},
	}
	for _, tc := range cases {
		if err := ctrl.Move(tc.unit, tc.dir, tc.value); err != nil {
			t.Fatalf("Move(%s): %v", tc.unit, err)
		}
		if got := ctrl.Status().StepsLeft; got != tc.want {
			t.Errorf("Move(%s, %v, %d): steps left = %d, want %d", tc.unit, tc.dir, tc.value, got, tc.want)
		}
	}

	if err := ctrl.Move("inches", stepper.Clockwise, 1); err == nil {
		t.Error("expected error for unknown unit")
	}

	ctrl.Stop()
	if ctrl.Busy() {
		t.Error("Stop should abandon the move")
	}
}

func TestController_Settings(t *testing.T) {
	ctrl, _ := newTestController(t, clock.NewFake(0), stepper.Config{})

	if err := ctrl.SetResolution(stepper.FullStep); err != nil {
		t.Fatalf("SetResolution: %v", err)
	}
	ctrl.SetRPM(15)
	ctrl.SetAutoRelease(true)

	st := ctrl.Status()
	if st.Resolution != "full" || st.StepsPerRotation != 2048 || st.RPM != 15 || st.StepDelayUs != 1953 || !st.AutoRelease {
		t.Errorf("status = %+v", st)
	}

	ctrl.SetStepsPerRotation(200)
	if st := ctrl.Status(); st.StepsPerRotation != 200 || st.StepDelayUs != 20000 {
		t.Errorf("status after SetStepsPerRotation = %+v", st)
	}
}

func TestController_FullStepNeedsTwoSteps(t *testing.T) {
	ctrl, _ := newTestController(t, clock.NewFake(0), stepper.Config{})
	ctrl.SetStepsPerRotation(1)

	if err := ctrl.SetResolution(stepper.FullStep); !errors.Is(err, ErrTooFewSteps) {
		t.Fatalf("SetResolution = %v, want ErrTooFewSteps", err)
	}
	if st := ctrl.Status(); st.Resolution != "half" || st.StepsPerRotation != 1 || st.StepDelayUs != 6_000_000 {
		t.Errorf("status = %+v", st)
	}
	if err := CheckResolution(ctrl.Status(), stepper.HalfStep); err != nil {
		t.Errorf("half to half: %v", err)
	}
}

func TestController_UnlocksAfterPanic(t *testing.T) {
	ctrl, _ := newTestController(t, clock.NewFake(0), stepper.Config{})

	func() {
		defer func() {
			if recover() == nil {
				t.Error("zero steps per rotation should panic in the delay derivation")
			}
		}()
		ctrl.SetStepsPerRotation(0)
	}()

	done := make(chan struct{})
	go func() {
		ctrl.Status()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller lock still held after panic")
	}
}

func TestController_UpdatesKeepLatest(t *testing.T) {
	ctrl, _ := newTestController(t, clock.NewFake(0), stepper.Config{})

	ctrl.SetRPM(5)
	ctrl.SetRPM(6)
	ctrl.SetRPM(7)

	select {
	case st := <-ctrl.Updates():
		if st.RPM != 7 {
			t.Errorf("latest update rpm = %d, want 7", st.RPM)
		}
	default:
		t.Fatal("expected a pending update")
	}
	select {
	case st := <-ctrl.Updates():
		t.Errorf("only one update should be buffered, got another: %+v", st)
	default:
	}
}

func TestController_Release(t *testing.T) {
	ctrl, drv := newTestController(t, &skipClock{}, stepper.Config{})
	ctrl.MoveSteps(stepper.Clockwise, 3)
	if err := ctrl.RunUntilIdle(context.Background()); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}

	if err := ctrl.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for pin := 1; pin <= 4; pin++ {
		if lvl, _ := drv.ReadPin(pin); lvl != gpio.Low {
			t.Errorf("pin %d = %v after Release, want LOW", pin, lvl)
		}
	}
	if !ctrl.Status().Released {
		t.Error("status should report released coils")
	}
}
