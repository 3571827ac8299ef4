package web

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/BalanGo/internal/balance"
	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/motor"
)

// Robot is the running balancing session the HTTP surface drives.
type Robot interface {
	Steer(left, right float64)
	Stop()
	Snapshot() balance.Snapshot
	Calibration() balance.Calibration
	RunID() string
}

// SteerRequest is the body of POST /steer and of each /steer/ws frame.
type SteerRequest struct {
	Left  *float64 `json:"left"`
	Right *float64 `json:"right"`
}

// StateResponse is returned by GET /state.
type StateResponse struct {
	RunID       string              `json:"run_id"`
	Calibration balance.Calibration `json:"calibration"`
	balance.Snapshot
}

type wsReply struct {
	Error string            `json:"error,omitempty"`
	State *balance.Snapshot `json:"state,omitempty"`
}

const maxSteerBody = 1 << 10

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the robot is driven from the local network
	},
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	robotMu     sync.RWMutex
	robot       Robot
	staticFS    fs.FS
}

// NewHandlers creates handlers. The robot is attached later with SetRobot,
// once calibration and the countdown are over; until then the control
// endpoints answer 503.
func NewHandlers(broadcaster *StatusBroadcaster, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		staticFS:    staticFS,
	}
}

// SetRobot attaches (or detaches, with nil) the running session.
func (h *Handlers) SetRobot(r Robot) {
	h.robotMu.Lock()
	h.robot = r
	h.robotMu.Unlock()
}

func (h *Handlers) currentRobot(w http.ResponseWriter) (Robot, bool) {
	h.robotMu.RLock()
	r := h.robot
	h.robotMu.RUnlock()
	if r == nil {
		http.Error(w, "robot not ready", http.StatusServiceUnavailable)
		return nil, false
	}
	return r, true
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

// HandleState handles GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	robot, ok := h.currentRobot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		RunID:       robot.RunID(),
		Calibration: robot.Calibration(),
		Snapshot:    robot.Snapshot(),
	})
}

// HandleSteer handles POST /steer with {"left": .., "right": ..}.
func (h *Handlers) HandleSteer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSteerBody)
	var req SteerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	left, right, err := req.validate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	robot, ok := h.currentRobot(w)
	if !ok {
		return
	}
	robot.Steer(left, right)
	writeJSON(w, http.StatusAccepted, map[string]float64{"left": left, "right": right})
}

// HandleStop handles POST /stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	robot, ok := h.currentRobot(w)
	if !ok {
		return
	}
	robot.Stop()
	h.Broadcaster.Broadcast(LevelInfo, "Stop requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// HandleSteerWS handles GET /steer/ws: every JSON frame is a steering
// command, answered with the latest snapshot. Steering is reset to zero when
// the socket closes so a lost joystick does not leave the robot turning.
func (h *Handlers) HandleSteerWS(w http.ResponseWriter, r *http.Request) {
	robot, ok := h.currentRobot(w)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(fmt.Errorf("steer websocket upgrade: %w", err))
		return
	}
	defer conn.Close()
	defer robot.Steer(0, 0)

	for {
		var req SteerRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debug.Live("Steer websocket closed: %v", err)
			}
			return
		}
		left, right, err := req.validate()
		if err != nil {
			if conn.WriteJSON(wsReply{Error: err.Error()}) != nil {
				return
			}
			continue
		}
		robot.Steer(left, right)
		snap := robot.Snapshot()
		if conn.WriteJSON(wsReply{State: &snap}) != nil {
			return
		}
	}
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

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
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

func (s SteerRequest) validate() (left, right float64, err error) {
	if s.Left == nil || s.Right == nil {
		return 0, 0, fmt.Errorf("left and right are required")
	}
	for _, v := range []float64{*s.Left, *s.Right} {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > motor.MaxPower {
			return 0, 0, fmt.Errorf("steering must be within ±%.0f", motor.MaxPower)
		}
	}
	return *s.Left, *s.Right, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
