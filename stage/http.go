package stage

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"
	"time"

	"github.com/pvlabs/stagehand/generichttp"

	"github.com/go-chi/chi"
)

// codeStatus maps result codes to HTTP statuses so clients that do not
// parse the body still see success or failure
func codeStatus(c Code) int {
	switch c {
	case OK:
		return http.StatusOK
	case BadAxis, Mismatch:
		return http.StatusBadRequest
	case Unsupported:
		return http.StatusNotImplemented
	case OutOfBounds:
		return http.StatusUnprocessableEntity
	case Unreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// codeReply is the uniform response body for motion requests
type codeReply struct {
	Code int    `json:"code"`
	Desc string `json:"desc"`
}

func respondCode(w http.ResponseWriter, c Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(codeStatus(c))
	json.NewEncoder(w).Encode(codeReply{Code: int(c), Desc: c.String()})
}

// motionRequest is the request body shared by the motion routes.  Pos is
// mm for goto and move.  A nil Axes means all axes.  Block defaults to
// true; TimeoutS defaults per operation.
type motionRequest struct {
	Pos      []float64 `json:"pos"`
	Axes     []int     `json:"axes"`
	Block    *bool     `json:"block"`
	TimeoutS float64   `json:"timeout"`
}

func (m motionRequest) block() bool {
	return m.Block == nil || *m.Block
}

func (m motionRequest) timeout(def time.Duration) time.Duration {
	if m.TimeoutS <= 0 {
		return def
	}
	return time.Duration(m.TimeoutS * float64(time.Second))
}

func decodeMotion(w http.ResponseWriter, r *http.Request) (motionRequest, bool) {
	var req motionRequest
	if r.Body != nil && r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return req, false
		}
	}
	return req, true
}

// default time budgets for blocking waits; homing sweeps the whole axis
// and jogging can too, so they share the longer budget
const (
	DefaultMoveTimeout = 80 * time.Second
	DefaultHomeTimeout = 130 * time.Second
)

// HTTPStage wraps a Stage with an HTTP interface
type HTTPStage struct {
	Stage *Stage

	RouteTable generichttp.RouteTable
}

// NewHTTPStage returns an HTTPStage with populated routes
func NewHTTPStage(s *Stage) HTTPStage {
	w := HTTPStage{Stage: s}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/connect"}:           w.Connect,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/home"}:              w.Home,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/home"}:  w.HomeAxis,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/jog"}:   w.Jog,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/goto"}:              w.Goto,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/move"}:              w.Move,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/estop"}:             w.EStop,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/check-lengths"}:     w.CheckLengths,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/homed"}:              w.Homed,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/pos"}:                w.Pos,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/lengths"}:            w.Lengths,
	}
	w.RouteTable = rt
	return w
}

// RT yields the route table for binding
func (h HTTPStage) RT() generichttp.RouteTable {
	return h.RouteTable
}

func popAxis(w http.ResponseWriter, r *http.Request) (int, bool) {
	axis, err := strconv.Atoi(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return axis, true
}

// Connect discovers the axes behind the link
func (h HTTPStage) Connect(w http.ResponseWriter, r *http.Request) {
	respondCode(w, h.Stage.Connect())
}

// Home homes the whole stage; on success the measured lengths in mm are
// returned instead of the usual code body
func (h HTTPStage) Home(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMotion(w, r)
	if !ok {
		return
	}
	lengths, c := h.Stage.Home(AllAxes, req.block(), req.timeout(DefaultHomeTimeout))
	if c != OK {
		respondCode(w, c)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lengths)
}

// HomeAxis homes a single axis
func (h HTTPStage) HomeAxis(w http.ResponseWriter, r *http.Request) {
	axis, ok := popAxis(w, r)
	if !ok {
		return
	}
	req, ok := decodeMotion(w, r)
	if !ok {
		return
	}
	_, c := h.Stage.Home(axis, req.block(), req.timeout(DefaultHomeTimeout))
	respondCode(w, c)
}

// Jog drives an axis toward an end of travel; the direction query
// parameter is "a" (default) or "b"
func (h HTTPStage) Jog(w http.ResponseWriter, r *http.Request) {
	axis, ok := popAxis(w, r)
	if !ok {
		return
	}
	dir := Direction(r.URL.Query().Get("direction"))
	if dir == "" {
		dir = DirA
	}
	if dir != DirA && dir != DirB {
		http.Error(w, "direction must be a or b", http.StatusBadRequest)
		return
	}
	req, ok := decodeMotion(w, r)
	if !ok {
		return
	}
	respondCode(w, h.Stage.Jog(axis, dir, req.block(), req.timeout(DefaultHomeTimeout)))
}

// Goto moves the given axes to absolute positions in mm
func (h HTTPStage) Goto(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMotion(w, r)
	if !ok {
		return
	}
	respondCode(w, h.Stage.Goto(req.Pos, req.Axes, req.block(), req.timeout(DefaultMoveTimeout)))
}

// Move shifts the given axes by relative offsets in mm
func (h HTTPStage) Move(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMotion(w, r)
	if !ok {
		return
	}
	respondCode(w, h.Stage.Move(req.Pos, req.Axes, req.block(), req.timeout(DefaultMoveTimeout)))
}

// EStop stops and unpowers the given axes, all of them with an empty body
func (h HTTPStage) EStop(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMotion(w, r)
	if !ok {
		return
	}
	respondCode(w, h.Stage.EStop(req.Axes))
}

// CheckLengths validates measured axis lengths against the expectation
func (h HTTPStage) CheckLengths(w http.ResponseWriter, r *http.Request) {
	respondCode(w, h.Stage.CheckLengths(AllAxes))
}

// Homed returns whether the stage passed its last full length check
func (h HTTPStage) Homed(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.Stage.Homed()}
	hp.EncodeAndRespond(w, r)
}

// Pos returns the position of every axis in mm, null for axes whose
// position is unknown
func (h HTTPStage) Pos(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Stage.GetPosition(nil))
}

// Lengths returns the last measured length of every axis in mm, null
// where never measured
func (h HTTPStage) Lengths(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Stage.MeasuredLengths())
}
