package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cjeanneret/CoilGo/internal/config"
	"github.com/cjeanneret/CoilGo/internal/debug"
	"github.com/cjeanneret/CoilGo/internal/hw/clock"
	"github.com/cjeanneret/CoilGo/internal/hw/gpio"
	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
	"github.com/cjeanneret/CoilGo/internal/logic/motion"
	"github.com/cjeanneret/CoilGo/internal/logic/program"
	"github.com/cjeanneret/CoilGo/internal/logic/trace"
	"github.com/cjeanneret/CoilGo/internal/web"
)

// cliOverrides holds the command-line move request and setting overrides.
// Zero values mean "not given".
type cliOverrides struct {
	Steps      int
	Turns      int
	Degrees    int
	CCW        bool
	RPM        int
	Resolution string
	Program    bool
	TracePath  string
}

func main() {
	// CLI flags
	var o cliOverrides
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	flag.IntVar(&o.Steps, "steps", 0, "move this many sub-steps")
	flag.IntVar(&o.Turns, "turns", 0, "move this many shaft turns")
	flag.IntVar(&o.Degrees, "degrees", 0, "move this many degrees (truncated to whole turns)")
	flag.BoolVar(&o.CCW, "ccw", false, "move counter-clockwise")
	flag.IntVar(&o.RPM, "rpm", 0, fmt.Sprintf("override speed in rpm (%d-%d)", motion.MinRPM, motion.MaxRPM))
	flag.StringVar(&o.Resolution, "resolution", "", "override resolution (half or full)")
	flag.BoolVar(&o.Program, "program", false, "run the program from the config file")
	flag.StringVar(&o.TracePath, "trace", "", "write a coil timing diagram to this file (.png, .svg or .pdf)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if err := validateCLIOverrides(o); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, o)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("GPIO backend", cfg.GPIO.Backend)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.GPIOOptions())
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	clk := clock.NewSystem()
	var lines gpio.Driver = gpioDriver
	var rec *trace.Recorder
	if o.TracePath != "" {
		rec = trace.NewRecorder(gpioDriver, clk)
		lines = rec
		debug.Value("Trace output", o.TracePath)
	}

	// Initialize stepper motor
	debug.Step(2, "Initializing stepper motor")
	motor := stepper.NewStepper(lines, clk, cfg.StepperSettings())
	if err := motor.Init(); err != nil {
		log.Fatalf("init stepper failed: %v", err)
	}
	debug.PrintStruct("Stepper config", cfg.Stepper)
	debug.Value("Steps per rotation", motor.StepsPerRotation())
	debug.Value("Step delay (us)", motor.StepDelay())

	debug.Step(3, "Creating motion controller")
	ctrl := motion.NewController(motor, cfg.PollInterval())
	debug.Value("Poll interval", ctrl.Interval())

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		var runProgram web.RunProgramFunc
		if cfg.Program != nil {
			runner := program.NewRunner(ctrl, false)
			runProgram = func(ctx context.Context) error {
				_, err := runner.Run(ctx, cfg.Program)
				return err
			}
		}

		go ctrl.Run(ctx)
		srv := web.NewServer(webAddr, broadcaster, ctrl, runProgram, formDefaults(cfg))
		err := srv.Run(ctx)
		renderTrace(rec, o.TracePath, cfg.Stepper.Pins)
		if err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	err = runOnce(ctx, ctrl, cfg.Program, o)
	renderTrace(rec, o.TracePath, cfg.Stepper.Pins)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
}

// runOnce executes the program or the single move requested on the
// command line, polling inline until the motor is idle.
func runOnce(ctx context.Context, ctrl *motion.Controller, prog *config.Program, o cliOverrides) error {
	if o.Program {
		res, err := program.NewRunner(ctrl, true).Run(ctx, prog)
		if err != nil {
			return err
		}
		debug.Summary("Program Summary")
		debug.Value("Passes", res.Repeats)
		debug.Value("Moves", res.Moves)
		debug.Value("Duration", res.Duration)
		return nil
	}

	unit, value, ok := moveRequest(o)
	if !ok {
		return errors.New("nothing to do: pass -steps, -turns, -degrees, -program or -web")
	}
	dir := stepper.Clockwise
	if o.CCW {
		dir = stepper.CounterClockwise
	}

	debug.Section("Moving")
	if err := ctrl.Move(unit, dir, value); err != nil {
		return err
	}
	if !ctrl.Busy() {
		debug.Info("Move of %d %s gives no motion", value, unit)
		return nil
	}
	if err := ctrl.RunUntilIdle(ctx); err != nil {
		ctrl.Stop()
		return err
	}

	st := ctrl.Status()
	debug.Summary("Move Summary")
	debug.Value("Sub-steps", st.SubSteps)
	debug.Value("Final index", st.Index)
	debug.Value("Coils", st.Coils)
	return nil
}

// moveRequest returns the single move given on the command line.
func moveRequest(o cliOverrides) (unit string, value int, ok bool) {
	switch {
	case o.Steps > 0:
		return motion.UnitSteps, o.Steps, true
	case o.Turns > 0:
		return motion.UnitTurns, o.Turns, true
	case o.Degrees > 0:
		return motion.UnitDegrees, o.Degrees, true
	}
	return "", 0, false
}

// validateCLIOverrides checks that CLI values are within valid ranges and
// that at most one action is requested.
func validateCLIOverrides(o cliOverrides) error {
	if o.Steps < 0 || o.Turns < 0 || o.Degrees < 0 {
		return fmt.Errorf("move amounts must be positive, got steps=%d turns=%d degrees=%d", o.Steps, o.Turns, o.Degrees)
	}
	moves := 0
	for _, v := range []int{o.Steps, o.Turns, o.Degrees} {
		if v > 0 {
			moves++
		}
	}
	if moves > 1 {
		return errors.New("only one of -steps, -turns and -degrees may be given")
	}
	if moves > 0 && o.Program {
		return errors.New("-program cannot be combined with a move")
	}
	if o.RPM != 0 && (o.RPM < motion.MinRPM || o.RPM > motion.MaxRPM) {
		return fmt.Errorf("rpm must be between %d and %d, got %d", motion.MinRPM, motion.MaxRPM, o.RPM)
	}
	if o.Resolution != "" {
		if _, err := stepper.ParseResolution(o.Resolution); err != nil {
			return err
		}
	}
	if o.TracePath != "" {
		switch strings.ToLower(filepath.Ext(o.TracePath)) {
		case ".png", ".svg", ".pdf":
		default:
			return fmt.Errorf("trace file must end in .png, .svg or .pdf, got %q", o.TracePath)
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values
// are applied. A resolution change rescales a configured steps_per_rotation
// so a rotation stays a rotation.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.RPM > 0 {
		cfg.Stepper.RPM = uint32(o.RPM)
	}
	if o.Resolution != "" {
		res, err := stepper.ParseResolution(o.Resolution)
		if err != nil {
			return
		}
		if res.String() != cfg.Stepper.Resolution && cfg.Stepper.StepsPerRotation > 0 {
			if res == stepper.FullStep {
				cfg.Stepper.StepsPerRotation /= 2
			} else {
				cfg.Stepper.StepsPerRotation *= 2
			}
		}
		cfg.Stepper.Resolution = res.String()
	}
}

// formDefaults exposes the configured values to the control page.
func formDefaults(cfg *config.Config) web.FormConfig {
	settings := cfg.StepperSettings()
	spr := settings.StepsPerRotation
	if spr == 0 {
		spr = stepper.DefaultStepsPerRotation
		if settings.Resolution == stepper.FullStep {
			spr /= 2
		}
	}
	return web.FormConfig{
		Pins:             append([]int(nil), cfg.Stepper.Pins...),
		StepsPerRotation: spr,
		RPM:              cfg.Stepper.RPM,
		Resolution:       cfg.Stepper.Resolution,
		AutoRelease:      cfg.Stepper.AutoRelease,
		Backend:          cfg.GPIO.Backend,
		HasProgram:       cfg.Program != nil,
	}
}

// renderTrace writes the timing diagram if tracing was requested.
func renderTrace(rec *trace.Recorder, path string, pins []int) {
	if rec == nil {
		return
	}
	if err := rec.Render(path, pins); err != nil {
		log.Printf("render trace failed: %v", err)
		return
	}
	debug.Info("Timing diagram written to %s (%d transitions)", path, len(rec.Transitions()))
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
