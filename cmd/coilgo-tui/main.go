package main

import (
	"context"
	"flag"
	"log"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cjeanneret/CoilGo/internal/config"
	"github.com/cjeanneret/CoilGo/internal/debug"
	"github.com/cjeanneret/CoilGo/internal/hw/clock"
	"github.com/cjeanneret/CoilGo/internal/hw/gpio"
	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

// logWriter feeds debug output to the log box. Lines are dropped while the
// box is behind.
type logWriter chan string

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		if line == "" {
			continue
		}
		select {
		case w <- line:
		default:
		}
	}
	return len(p), nil
}

func main() {
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	flag.Parse()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// The alternate screen owns stdout: debug output goes to the log box.
	logs := make(logWriter, 64)
	debug.SetOutput(logs)
	debug.Init(max(cfg.Defaults.DebugLevel, debug.LevelLive))

	gpioDriver, err := gpio.NewDriver(cfg.GPIOOptions())
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer gpioDriver.Close()

	motor := stepper.NewStepper(gpioDriver, clock.NewSystem(), cfg.StepperSettings())
	if err := motor.Init(); err != nil {
		log.Fatalf("init stepper failed: %v", err)
	}
	ctrl := motion.NewController(motor, cfg.PollInterval())

	// Start the poll loop in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("controller error: %v", err)
		}
	}()

	p := tea.NewProgram(newJogModel(ctrl, logs), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}

	cancel()
	ctrl.Stop()
	if err := ctrl.Release(); err != nil {
		log.Printf("release on exit failed: %v", err)
	}
}
