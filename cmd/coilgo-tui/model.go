package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

const (
	headerHeight = 4 // title, coils, settings, blank
	footerHeight = 8 // help line + log box
	maxLogs      = 5
	borderSize   = 2

	turnsSet = "turns"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	coilOn      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(lipgloss.Color("196")).Padding(0, 1)
	coilOff     = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Background(lipgloss.Color("236")).Padding(0, 1)
)

var coilNames = [stepper.NumCoils]string{"A", "B", "C", "D"}

// Messages from the controller
type statusMsg motion.Status
type logMsg string

func waitForStatus(ctrl *motion.Controller) tea.Cmd {
	return func() tea.Msg {
		return statusMsg(<-ctrl.Updates())
	}
}

func waitForLog(logs <-chan string) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-logs)
	}
}

// jogModel is the interactive console: it issues moves on key presses and
// charts the remaining travel, in turns, from the controller's updates.
type jogModel struct {
	ctrl     *motion.Controller
	logCh    <-chan string
	chart    *streamlinechart.Model
	status   motion.Status
	width    int
	height   int
	logs     []string
	quitting bool
}

func newJogModel(ctrl *motion.Controller, logCh <-chan string) jogModel {
	chart := streamlinechart.New(80, 12,
		streamlinechart.WithYRange(-1.1, 1.1),
	)
	chart.SetDataSetStyles(turnsSet, runes.ThinLineStyle, lipgloss.NewStyle().Foreground(lipgloss.Color("46")))

	return jogModel{
		ctrl:   ctrl,
		logCh:  logCh,
		chart:  &chart,
		status: ctrl.Status(),
	}
}

func (m *jogModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

func (m *jogModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 12
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-footerHeight-borderSize, 6)
	return width, height
}

func (m jogModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForStatus(m.ctrl)}
	if m.logCh != nil {
		cmds = append(cmds, waitForLog(m.logCh))
	}
	return tea.Batch(cmds...)
}

func (m jogModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chart.Resize(m.chartSize())
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg.String())

	case statusMsg:
		m.status = motion.Status(msg)
		if spr := m.status.StepsPerRotation; spr > 0 {
			m.chart.PushDataSet(turnsSet, float64(m.status.StepsLeft)/float64(spr))
			m.chart.DrawAll()
		}
		return m, waitForStatus(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.logCh)
	}

	return m, nil
}

func (m jogModel) handleKey(key string) (tea.Model, tea.Cmd) {
	st := m.ctrl.Status()
	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "right", "l":
		m.ctrl.MoveRotations(stepper.Clockwise, 1)
	case "left", "h":
		m.ctrl.MoveRotations(stepper.CounterClockwise, 1)

	case "]", "[":
		dir := stepper.Clockwise
		if key == "[" {
			dir = stepper.CounterClockwise
		}
		m.ctrl.MoveDegrees(dir, 90)
		if !m.ctrl.Busy() {
			m.addLog("90° is below one turn: no motion")
		}

	case "f":
		next := stepper.FullStep
		if st.Resolution == stepper.FullStep.String() {
			next = stepper.HalfStep
		}
		if err := m.ctrl.SetResolution(next); err != nil {
			m.addLog("resolution unchanged: " + err.Error())
		}
	case "+", "=":
		if st.RPM < motion.MaxRPM {
			m.ctrl.SetRPM(st.RPM + 1)
		}
	case "-":
		if st.RPM > motion.MinRPM {
			m.ctrl.SetRPM(st.RPM - 1)
		}
	case "a":
		m.ctrl.SetAutoRelease(!st.AutoRelease)
	case "r":
		if err := m.ctrl.Release(); err != nil {
			m.addLog("release failed: " + err.Error())
		}
	case "s":
		m.ctrl.Stop()
	default:
		return m, nil
	}

	m.status = m.ctrl.Status()
	return m, nil
}

func (m jogModel) View() string {
	if m.quitting {
		return "Jog console stopped.\n"
	}
	st := m.status

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render("CoilGo Jog"))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n")
	sb.WriteString(renderCoils(st))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%d rpm  %s step  %d steps/turn  %dus/step  auto-release %s  left %d",
		st.RPM, st.Resolution, st.StepsPerRotation, st.StepDelayUs, onOff(st.AutoRelease), st.StepsLeft))
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(statusStyle.Render("←/h →/l turn  [ ] 90°  f resolution  +/- rpm  a auto-release  r release  s stop  q quit"))
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20))

	logLines := statusStyle.Render("no messages")
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

// renderCoils draws one lamp per coil line from the status pattern.
func renderCoils(st motion.Status) string {
	lamps := make([]string, 0, stepper.NumCoils)
	for i, name := range coilNames {
		on := !st.Released && i < len(st.Coils) && st.Coils[i] == '1'
		if on {
			lamps = append(lamps, coilOn.Render(name))
		} else {
			lamps = append(lamps, coilOff.Render(name))
		}
	}
	return strings.Join(lamps, " ")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
