package program

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/CoilGo/internal/config"
	"github.com/cjeanneret/CoilGo/internal/debug"
	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

// Runner executes scripted programs (moves, dwells, setting changes) on a
// motion controller.
type Runner struct {
	motion *motion.Controller
	inline bool
}

// NewRunner creates a runner. With inline set the runner polls the
// controller itself while a move is pending; otherwise it expects
// Controller.Run to be polling in another goroutine.
func NewRunner(m *motion.Controller, inline bool) *Runner {
	return &Runner{
		motion: m,
		inline: inline,
	}
}

// Result summarizes a finished program.
type Result struct {
	Repeats  int
	Steps    int
	Moves    int
	Duration time.Duration
}

// Run executes every step of p, p.Repeat times. Each move runs to completion
// before the next step starts. On cancellation the pending move is
// abandoned and ctx.Err() is returned.
func (r *Runner) Run(ctx context.Context, p *config.Program) (Result, error) {
	var res Result
	if p == nil {
		return res, fmt.Errorf("no program configured")
	}
	start := time.Now()
	repeat := p.Repeat
	if repeat <= 0 {
		repeat = 1
	}

	debug.Section("Running Program")
	debug.Info("Program: %d steps x %d", len(p.Steps), repeat)

	for rep := 0; rep < repeat; rep++ {
		debug.Live("Program pass %d/%d", rep+1, repeat)
		for i, step := range p.Steps {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			default:
			}

			debug.Verbose("  Step %d/%d: %s", i+1, len(p.Steps), step.Kind())
			if err := r.runStep(ctx, step); err != nil {
				return res, fmt.Errorf("pass %d step %d (%s): %w", rep+1, i+1, step.Kind(), err)
			}
			res.Steps++
			if step.Kind() == "move" {
				res.Moves++
			}
		}
		res.Repeats++
	}

	res.Duration = time.Since(start)
	debug.Live("Program complete: %d steps, %d moves in %v", res.Steps, res.Moves, res.Duration)
	return res, nil
}

func (r *Runner) runStep(ctx context.Context, s config.ProgramStep) error {
	switch s.Kind() {
	case "move":
		dir, err := stepper.ParseDirection(s.Direction)
		if err != nil {
			return err
		}
		if err := r.motion.Move(s.Move, dir, s.Value); err != nil {
			return err
		}
		return r.waitMove(ctx)

	case "dwell":
		t := time.NewTimer(s.Dwell())
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}

	case "rpm":
		r.motion.SetRPM(s.RPM)
		return nil

	case "resolution":
		res, err := stepper.ParseResolution(s.Resolution)
		if err != nil {
			return err
		}
		return r.motion.SetResolution(res)

	case "release":
		return r.motion.Release()

	case "auto_release":
		r.motion.SetAutoRelease(*s.AutoRelease)
		return nil

	default:
		return fmt.Errorf("empty program step")
	}
}

func (r *Runner) waitMove(ctx context.Context) error {
	var err error
	if r.inline {
		err = r.motion.RunUntilIdle(ctx)
	} else {
		err = r.motion.Wait(ctx)
	}
	if err != nil && ctx.Err() != nil {
		r.motion.Stop()
	}
	return err
}
