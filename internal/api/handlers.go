package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smukkama/vigilant-patrol/internal/events"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
	"github.com/smukkama/vigilant-patrol/internal/review"
)

// Tracker is the patrol side of the API.
type Tracker interface {
	Start(ctx context.Context, guardID, guardName string) (*patrol.Session, error)
	Stop(ctx context.Context, guardID string) (*patrol.Session, error)
	Active(guardID string) (*patrol.Session, bool)
	Warning(guardID string) string
	ActiveCount() int
	Checkpoints() []patrol.Checkpoint
}

// Positions accepts samples posted over HTTP and returns how many patrol
// feeds received them.
type Positions interface {
	Publish(guardID string, sample patrol.GeoSample) int
}

// Reviewer is the supervisor side of the API.
type Reviewer interface {
	History(ctx context.Context) ([]*patrol.Session, error)
	Patrol(ctx context.Context, sessionID string) (*patrol.Session, error)
	Dashboard(ctx context.Context) (review.Dashboard, error)
	Analyze(ctx context.Context, sessionID string) (review.Report, error)
	Board() (review.Report, bool)
	Dismiss()
	Online() bool
}

type Handler struct {
	tracker   Tracker
	positions Positions
	review    Reviewer
	events    *events.Hub
	now       func() time.Time
}

func NewHandler(tracker Tracker, positions Positions, reviewer Reviewer, hub *events.Hub) *Handler {
	return &Handler{
		tracker:   tracker,
		positions: positions,
		review:    reviewer,
		events:    hub,
		now:       time.Now,
	}
}

type startPatrolRequest struct {
	GuardName string `json:"guard_name" validate:"required,max=100"`
}

type positionRequest struct {
	Lat       *float64 `json:"lat" validate:"required,latitude"`
	Lng       *float64 `json:"lng" validate:"required,longitude"`
	Timestamp int64    `json:"timestamp" validate:"gte=0"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
}

// CheckpointStatus is a checkpoint as shown on the guard's screen.
type CheckpointStatus struct {
	patrol.Checkpoint
	ReachedAt *int64 `json:"reached_at,omitempty"`
}

type activePatrolResponse struct {
	Session     *patrol.Session    `json:"session"`
	Warning     string             `json:"warning,omitempty"`
	Checkpoints []CheckpointStatus `json:"checkpoints"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, map[string]any{
		"active_patrols": h.tracker.ActiveCount(),
		"online":         h.review.Online(),
		"live_clients":   h.events.Count(),
	})
}

func (h *Handler) Checkpoints(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, h.tracker.Checkpoints())
}

func (h *Handler) StartPatrol(w http.ResponseWriter, r *http.Request) {
	var req startPatrolRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	s, err := h.tracker.Start(r.Context(), chi.URLParam(r, "guardID"), req.GuardName)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, http.StatusCreated, h.activeView(s))
}

func (h *Handler) ActivePatrol(w http.ResponseWriter, r *http.Request) {
	s, ok := h.tracker.Active(chi.URLParam(r, "guardID"))
	if !ok {
		respondErr(w, patrol.ErrNoActiveSession)
		return
	}
	respondOK(w, http.StatusOK, h.activeView(s))
}

func (h *Handler) StopPatrol(w http.ResponseWriter, r *http.Request) {
	s, err := h.tracker.Stop(r.Context(), chi.URLParam(r, "guardID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, http.StatusOK, s)
}

func (h *Handler) PostPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	sample := patrol.GeoSample{Lat: *req.Lat, Lng: *req.Lng, Timestamp: req.Timestamp, Accuracy: req.Accuracy}
	if sample.Timestamp == 0 {
		sample.Timestamp = h.now().UnixMilli()
	}

	if n := h.positions.Publish(chi.URLParam(r, "guardID"), sample); n == 0 {
		respondErr(w, patrol.ErrNoActiveSession)
		return
	}
	respondOK(w, http.StatusAccepted, map[string]string{"result": "accepted"})
}

func (h *Handler) ListPatrols(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.review.History(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, http.StatusOK, sessions)
}

func (h *Handler) GetPatrol(w http.ResponseWriter, r *http.Request) {
	s, err := h.review.Patrol(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, http.StatusOK, s)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.review.Dashboard(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, http.StatusOK, d)
}

func (h *Handler) AnalyzePatrol(w http.ResponseWriter, r *http.Request) {
	rep, err := h.review.Analyze(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, http.StatusOK, rep)
}

func (h *Handler) CurrentAnalysis(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.review.Board()
	if !ok {
		respondError(w, http.StatusNotFound, "NO_REPORT", "no analysis report is open", nil)
		return
	}
	respondOK(w, http.StatusOK, rep)
}

func (h *Handler) DismissAnalysis(w http.ResponseWriter, r *http.Request) {
	h.review.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, map[string]bool{"online": h.review.Online()})
}

func (h *Handler) activeView(s *patrol.Session) activePatrolResponse {
	cps := h.tracker.Checkpoints()
	out := activePatrolResponse{
		Session:     s,
		Warning:     h.tracker.Warning(s.GuardID),
		Checkpoints: make([]CheckpointStatus, 0, len(cps)),
	}
	for _, cp := range cps {
		st := CheckpointStatus{Checkpoint: cp}
		if v, ok := s.Visit(cp.ID); ok {
			st.ReachedAt = v.ReachedAt
		}
		out.Checkpoints = append(out.Checkpoints, st)
	}
	return out
}

var (
	_ Tracker  = (*patrol.Tracker)(nil)
	_ Reviewer = (*review.Service)(nil)
)
