// Package trace records coil line writes and renders them as a timing
// diagram.
package trace

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/cjeanneret/CoilGo/internal/hw/clock"
	"github.com/cjeanneret/CoilGo/internal/hw/gpio"
)

// Event is one line write.
type Event struct {
	At    uint32 // clock microseconds
	Pin   int
	Level gpio.Level
}

// Recorder is a gpio.Driver decorator that timestamps every write before
// passing it on.
type Recorder struct {
	next  gpio.Driver
	clock clock.Clock

	mu     sync.Mutex
	events []Event
}

// NewRecorder wraps next; timestamps come from clk, normally the stepper's clock.
func NewRecorder(next gpio.Driver, clk clock.Clock) *Recorder {
	return &Recorder{next: next, clock: clk}
}

func (r *Recorder) SetupPin(pin int, mode gpio.PinMode) error {
	return r.next.SetupPin(pin, mode)
}

func (r *Recorder) WritePin(pin int, level gpio.Level) error {
	r.mu.Lock()
	r.events = append(r.events, Event{At: r.clock.NowMicros(), Pin: pin, Level: level})
	r.mu.Unlock()
	return r.next.WritePin(pin, level)
}

func (r *Recorder) ReadPin(pin int) (gpio.Level, error) {
	return r.next.ReadPin(pin)
}

func (r *Recorder) Close() error {
	return r.next.Close()
}

// Events returns every recorded write.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Transitions returns the writes that changed a line's level. The first
// write of each line counts as a transition.
func (r *Recorder) Transitions() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := make(map[int]gpio.Level)
	var out []Event
	for _, e := range r.events {
		if prev, ok := last[e.Pin]; ok && prev == e.Level {
			continue
		}
		last[e.Pin] = e.Level
		out = append(out, e)
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Plot builds a timing diagram with one square wave per pin, stacked in
// the order given. Time is in milliseconds from the first event;
// timestamps are unwrapped across clock rollover.
func (r *Recorder) Plot(pins []int) (*plot.Plot, error) {
	events := r.Transitions()
	if len(events) == 0 {
		return nil, fmt.Errorf("no events recorded")
	}

	// Unwrap the 32-bit clock into a monotonic 64-bit time base.
	ts := make([]float64, len(events))
	var elapsed uint64
	for i := range events {
		if i > 0 {
			elapsed += uint64(events[i].At - events[i-1].At)
		}
		ts[i] = float64(elapsed) / 1000
	}
	end := ts[len(ts)-1]
	if end == 0 {
		end = 1
	}

	p := plot.New()
	p.Title.Text = "Coil timing"
	p.X.Label.Text = "time (ms)"
	p.Y.Label.Text = "coil"

	names := make([]string, len(pins))
	for row, pin := range pins {
		names[row] = fmt.Sprintf("pin %d", pin)
		base := float64(row)

		var xys plotter.XYs
		level := 0.0
		xys = append(xys, plotter.XY{X: 0, Y: base})
		for i, e := range events {
			if e.Pin != pin {
				continue
			}
			next := 0.0
			if e.Level == gpio.High {
				next = 0.8
			}
			xys = append(xys, plotter.XY{X: ts[i], Y: base + level}, plotter.XY{X: ts[i], Y: base + next})
			level = next
		}
		xys = append(xys, plotter.XY{X: end, Y: base + level})

		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("build line for pin %d: %w", pin, err)
		}
		line.Color = plotutil.Color(row)
		line.Width = vg.Points(1.5)
		p.Add(line)
	}
	p.NominalY(names...)
	return p, nil
}

// Render writes the timing diagram to path; the extension selects the
// format (png, svg, pdf, ...).
func (r *Recorder) Render(path string, pins []int) error {
	p, err := r.Plot(pins)
	if err != nil {
		return err
	}
	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save timing diagram %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Encode renders the diagram in the given format (e.g. "svg") to w.
func (r *Recorder) Encode(w io.Writer, format string, pins []int) error {
	p, err := r.Plot(pins)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, strings.ToLower(format))
	if err != nil {
		return fmt.Errorf("timing diagram writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
