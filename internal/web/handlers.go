package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/CoilGo/internal/hw/stepper"
	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

// Request limits.
const (
	maxBodyBytes        = 1 << 20
	maxMoveValue        = 1_000_000
	maxStepsPerRotation = 1_000_000
)

// MoveRequest is the body of POST /move.
type MoveRequest struct {
	Direction string `json:"direction"` // cw (default) or ccw
	Unit      string `json:"unit"`      // steps (default), turns or degrees
	Value     int    `json:"value"`
}

// SettingsRequest is the body of POST /settings. Nil fields are left
// unchanged.
type SettingsRequest struct {
	RPM              *uint32 `json:"rpm,omitempty"`
	Resolution       *string `json:"resolution,omitempty"`
	StepsPerRotation *uint32 `json:"steps_per_rotation,omitempty"`
	AutoRelease      *bool   `json:"auto_release,omitempty"`
}

// RunProgramFunc runs the configured program once.
// It is called from the POST /program handler in a goroutine.
type RunProgramFunc func(ctx context.Context) error

// FormConfig holds the configured values shown by the control page.
type FormConfig struct {
	Pins             []int  `json:"pins"`
	StepsPerRotation uint32 `json:"steps_per_rotation"`
	RPM              uint32 `json:"rpm"`
	Resolution       string `json:"resolution"`
	AutoRelease      bool   `json:"auto_release"`
	Backend          string `json:"backend"`
	HasProgram       bool   `json:"has_program"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Motion       *motion.Controller
	RunProgram   RunProgramFunc
	FormDefaults FormConfig
	// Cooldown is the minimum time between two program starts.
	Cooldown time.Duration

	runningMu sync.Mutex
	running   bool
	lastStart time.Time
	staticFS  fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If runProgram is nil, POST /program will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl *motion.Controller, runProgram RunProgramFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Motion:       ctrl,
		RunProgram:   runProgram,
		FormDefaults: formDefaults,
		Cooldown:     5 * time.Second,
		staticFS:     staticFS,
	}
}

// ValidateMove checks a move request and fills in the default unit.
func ValidateMove(req *MoveRequest) (stepper.Direction, error) {
	dir, err := stepper.ParseDirection(req.Direction)
	if err != nil {
		return 0, err
	}
	switch req.Unit {
	case "":
		req.Unit = motion.UnitSteps
	case motion.UnitSteps, motion.UnitTurns, motion.UnitDegrees:
	default:
		return 0, fmt.Errorf("unit must be steps, turns or degrees, got %q", req.Unit)
	}
	if req.Value < 0 || req.Value > maxMoveValue {
		return 0, fmt.Errorf("value must be between 0 and %d, got %d", maxMoveValue, req.Value)
	}
	return dir, nil
}

// ValidateSettings checks the fields present in a settings request against
// the current driver state.
func ValidateSettings(req SettingsRequest, current motion.Status) error {
	if req.RPM != nil && (*req.RPM < motion.MinRPM || *req.RPM > motion.MaxRPM) {
		return fmt.Errorf("rpm must be between %d and %d, got %d", motion.MinRPM, motion.MaxRPM, *req.RPM)
	}
	if req.StepsPerRotation != nil && (*req.StepsPerRotation < 1 || *req.StepsPerRotation > maxStepsPerRotation) {
		return fmt.Errorf("steps_per_rotation must be between 1 and %d, got %d", maxStepsPerRotation, *req.StepsPerRotation)
	}
	if req.Resolution != nil {
		res, err := stepper.ParseResolution(*req.Resolution)
		if err != nil {
			return err
		}
		if err := motion.CheckResolution(current, res); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) programRunning() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

// HandleConfig returns the configured values as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatus returns the current driver snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Motion.Status())
}

// HandleMove handles POST /move. The move replaces any pending one and runs
// in the background control loop.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req MoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dir, err := ValidateMove(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.programRunning() {
		http.Error(w, "program in progress", http.StatusConflict)
		return
	}

	if err := h.Motion.Move(req.Unit, dir, req.Value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Motion.Status())
}

// HandleRelease handles POST /release.
func (h *Handlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.Motion.Release(); err != nil {
		log.Printf("release failed: %v", err)
		http.Error(w, "release failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.Motion.Status())
}

// HandleSettings handles POST /settings. Resolution is applied before
// steps_per_rotation so an explicit count is not rescaled.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateSettings(req, h.Motion.Status()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Resolution != nil {
		res, _ := stepper.ParseResolution(*req.Resolution)
		if err := h.Motion.SetResolution(res); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.StepsPerRotation != nil {
		h.Motion.SetStepsPerRotation(*req.StepsPerRotation)
	}
	if req.RPM != nil {
		h.Motion.SetRPM(*req.RPM)
	}
	if req.AutoRelease != nil {
		h.Motion.SetAutoRelease(*req.AutoRelease)
	}
	writeJSON(w, http.StatusOK, h.Motion.Status())
}

// HandleProgram handles POST /program to start the configured program.
func (h *Handlers) HandleProgram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.RunProgram == nil {
		http.Error(w, "no program configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "program already in progress", http.StatusConflict)
		return
	}
	if !h.lastStart.IsZero() && time.Since(h.lastStart) < h.Cooldown {
		h.runningMu.Unlock()
		http.Error(w, "program started too recently", http.StatusTooManyRequests)
		return
	}
	h.running = true
	h.lastStart = time.Now()
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		if err := h.RunProgram(context.Background()); err != nil {
			h.Broadcaster.Broadcast("error", "Program failed: "+err.Error())
			log.Printf("program failed: %v", err)
		} else {
			h.Broadcaster.Broadcast("info", "Program complete")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment and the current state
	w.Write([]byte(": connected\n\n"))
	st := h.Motion.Status()
	if data, err := json.Marshal(StatusEvent{Time: time.Now().Format(time.RFC3339), Level: "status", Status: &st}); err == nil {
		w.Write([]byte("data: " + string(data) + "\n\n"))
	}
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
