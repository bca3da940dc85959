package main

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cjeanneret/CoilGo/internal/hw/clock"
	"github.com/cjeanneret/CoilGo/internal/hw/gpio"
	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

func newTestModel(t *testing.T) (jogModel, *gpio.MockDriver) {
	t.Helper()
	drv := gpio.NewMockDriver()
	m := stepper.NewStepper(drv, clock.NewFake(0), stepper.Config{Pins: [stepper.NumCoils]int{1, 2, 3, 4}})
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return newJogModel(motion.NewController(m, time.Millisecond), nil), drv
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m jogModel, key tea.KeyMsg) jogModel {
	t.Helper()
	next, _ := m.Update(key)
	jm, ok := next.(jogModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return jm
}

func TestJog_Turns(t *testing.T) {
	m, _ := newTestModel(t)

	m = press(t, m, tea.KeyMsg{Type: tea.KeyRight})
	if got := m.ctrl.Status().StepsLeft; got != 4096 {
		t.Errorf("right: steps left = %d, want 4096", got)
	}
	m = press(t, m, keyRunes("h"))
	if got := m.ctrl.Status().StepsLeft; got != -4096 {
		t.Errorf("h: steps left = %d, want -4096", got)
	}
	if m.status.StepsLeft != -4096 {
		t.Errorf("model status not refreshed: %+v", m.status)
	}

	m = press(t, m, keyRunes("s"))
	if m.ctrl.Busy() {
		t.Error("s should stop the move")
	}
}

func TestJog_QuarterTurnGivesNoMotion(t *testing.T) {
	m, _ := newTestModel(t)

	m = press(t, m, keyRunes("]"))
	if m.ctrl.Busy() {
		t.Error("90 degrees should not start a move")
	}
	if len(m.logs) != 1 || !strings.Contains(m.logs[0], "no motion") {
		t.Errorf("logs = %q", m.logs)
	}
}

func TestJog_Settings(t *testing.T) {
	m, _ := newTestModel(t)

	m = press(t, m, keyRunes("f"))
	if st := m.ctrl.Status(); st.Resolution != "full" || st.StepsPerRotation != 2048 {
		t.Errorf("after f: %+v", st)
	}
	m = press(t, m, keyRunes("f"))
	if st := m.ctrl.Status(); st.Resolution != "half" || st.StepsPerRotation != 4096 {
		t.Errorf("after second f: %+v", st)
	}

	m = press(t, m, keyRunes("+"))
	m = press(t, m, keyRunes("+"))
	m = press(t, m, keyRunes("-"))
	if rpm := m.ctrl.Status().RPM; rpm != 11 {
		t.Errorf("rpm = %d, want 11", rpm)
	}

	m = press(t, m, keyRunes("a"))
	if !m.ctrl.Status().AutoRelease {
		t.Error("a should enable auto-release")
	}
}

func TestJog_RPMLimits(t *testing.T) {
	m, _ := newTestModel(t)
	m.ctrl.SetRPM(motion.MinRPM)
	m = press(t, m, keyRunes("-"))
	if rpm := m.ctrl.Status().RPM; rpm != motion.MinRPM {
		t.Errorf("rpm = %d, want floor %d", rpm, motion.MinRPM)
	}

	m.ctrl.SetRPM(motion.MaxRPM)
	m = press(t, m, keyRunes("+"))
	if rpm := m.ctrl.Status().RPM; rpm != motion.MaxRPM {
		t.Errorf("rpm = %d, want ceiling %d", rpm, motion.MaxRPM)
	}
}

func TestJog_FullStepNeedsTwoSteps(t *testing.T) {
	m, _ := newTestModel(t)
	m.ctrl.SetStepsPerRotation(1)

	m = press(t, m, keyRunes("f"))
	if st := m.ctrl.Status(); st.Resolution != "half" || st.StepsPerRotation != 1 {
		t.Errorf("after f: %+v", st)
	}
	if len(m.logs) != 1 || !strings.Contains(m.logs[0], "resolution unchanged") {
		t.Errorf("logs = %q", m.logs)
	}
	if st := m.ctrl.Status(); st.StepDelayUs == 0 {
		t.Errorf("step delay = 0 after refused switch: %+v", st)
	}
}

func TestJog_Release(t *testing.T) {
	m, drv := newTestModel(t)
	drv.WritePin(2, gpio.High)

	m = press(t, m, keyRunes("r"))
	if lvl, _ := drv.ReadPin(2); lvl != gpio.Low {
		t.Error("r should drive every coil low")
	}
	if !m.status.Released {
		t.Error("status should report released coils")
	}
}

func TestJog_Quit(t *testing.T) {
	m, _ := newTestModel(t)
	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if !m.quitting {
		t.Error("ctrl+c should quit")
	}
	if !strings.Contains(m.View(), "stopped") {
		t.Errorf("view after quit = %q", m.View())
	}
}

func TestJog_StatusAndLogMessages(t *testing.T) {
	m, _ := newTestModel(t)

	next, cmd := m.Update(statusMsg(motion.Status{StepsLeft: -2048, StepsPerRotation: 4096, Coils: "0110", RPM: 10}))
	m = next.(jogModel)
	if cmd == nil {
		t.Error("status update should re-arm the listener")
	}
	if m.status.Coils != "0110" {
		t.Errorf("status = %+v", m.status)
	}

	for i := 0; i < maxLogs+2; i++ {
		next, _ = m.Update(logMsg("line"))
		m = next.(jogModel)
	}
	if len(m.logs) != maxLogs {
		t.Errorf("logs kept = %d, want %d", len(m.logs), maxLogs)
	}
}

func TestJog_ViewAndResize(t *testing.T) {
	m, _ := newTestModel(t)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = next.(jogModel)

	w, h := m.chartSize()
	if w != 96 || h != 26 {
		t.Errorf("chart size = %dx%d, want 96x26", w, h)
	}

	view := m.View()
	for _, want := range []string{"CoilGo Jog", "10 rpm", "half step", "4096 steps/turn", "q quit"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestLogWriter(t *testing.T) {
	w := make(logWriter, 2)
	n, err := w.Write([]byte("first\nsecond\nthird\n"))
	if err != nil || n != len("first\nsecond\nthird\n") {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := len(w); got != 2 {
		t.Errorf("buffered lines = %d, want 2 (third dropped)", got)
	}
	if first := <-w; first != "first" {
		t.Errorf("first line = %q", first)
	}
}
