package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/neboloop/glance/internal/agent/ai"
	"github.com/neboloop/glance/internal/agent/runner"
	"github.com/neboloop/glance/internal/agent/sandbox"
	"github.com/neboloop/glance/internal/agent/skills"
	"github.com/neboloop/glance/internal/httputil"
	"github.com/neboloop/glance/internal/logging"
)

// Version is reported by /health.
var Version = "dev"

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, &healthResponse{
			Status:    "healthy",
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Turns

type activeTurnsResponse struct {
	RequestIDs []string `json:"request_ids"`
}

func activeTurnsHandler(agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := agent.Active()
		if ids == nil {
			ids = []string{}
		}
		httputil.OkJSON(w, &activeTurnsResponse{RequestIDs: ids})
	}
}

// runTurnHandler answers synchronously. Progress for the turn streams on
// /api/v1/events?request_id=...; disconnecting cancels the turn.
func runTurnHandler(agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runner.TurnRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		res, err := agent.RunTurn(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.OkJSON(w, res)
	}
}

type cancelTurnRequest struct {
	RequestID string `path:"requestID"`
}

type cancelTurnResponse struct {
	RequestID string `json:"request_id"`
	Cancelled bool   `json:"cancelled"`
}

func cancelTurnHandler(agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelTurnRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if !agent.Cancel(req.RequestID) {
			httputil.NotFound(w, "no running turn with this request id")
			return
		}
		httputil.OkJSON(w, &cancelTurnResponse{RequestID: req.RequestID, Cancelled: true})
	}
}

// Skills

type skillRequest struct {
	Name                   string            `json:"name" path:"name"`
	Description            string            `json:"description"`
	Instructions           string            `json:"instructions"`
	AllowedTools           *[]string         `json:"allowed_tools"`
	Model                  *string           `json:"model"`
	Context                *string           `json:"context"`
	UserInvocable          *bool             `json:"user_invocable"`
	DisableModelInvocation *bool             `json:"disable_model_invocation"`
	Metadata               map[string]string `json:"metadata"`
}

func (req *skillRequest) overrides() skills.Overrides {
	return skills.Overrides{
		AllowedTools:           req.AllowedTools,
		Model:                  req.Model,
		Context:                req.Context,
		UserInvocable:          req.UserInvocable,
		DisableModelInvocation: req.DisableModelInvocation,
		Metadata:               req.Metadata,
	}
}

type listSkillsResponse struct {
	Skills []skills.Metadata `json:"skills"`
}

func listSkillsHandler(agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := agent.ListSkills()
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []skills.Metadata{}
		}
		httputil.OkJSON(w, &listSkillsResponse{Skills: list})
	}
}

func getSkillHandler(agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skill, err := agent.LoadSkill(httputil.PathVar(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.OkJSON(w, skill)
	}
}

func createSkillHandler(agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req skillRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		skill, err := agent.CreateSkill(req.Name, req.Description, req.Instructions, req.overrides())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, skill)
	}
}

func updateSkillHandler(agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req skillRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		skill, err := agent.UpdateSkill(req.Name, req.Description, req.Instructions, req.overrides())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.OkJSON(w, skill)
	}
}

func deleteSkillHandler(agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := agent.DeleteSkill(httputil.PathVar(r, "name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeError maps agent errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var perr *ai.ProviderError
	switch {
	case errors.Is(err, runner.ErrEmptyMessage),
		errors.Is(err, skills.ErrInvalidName),
		errors.Is(err, skills.ErrInvalid):
		httputil.ErrorWithCode(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, skills.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, runner.ErrNotUserInvocable):
		httputil.ErrorWithCode(w, http.StatusForbidden, err.Error())
	case errors.Is(err, skills.ErrExists),
		errors.Is(err, runner.ErrDuplicateRequest):
		httputil.ErrorWithCode(w, http.StatusConflict, err.Error())
	case errors.Is(err, sandbox.ErrPolicyUnconfigured):
		httputil.ErrorWithCode(w, http.StatusPreconditionFailed, err.Error())
	case errors.As(err, &perr):
		httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
	default:
		logging.Errorf("request failed: %v", err)
		httputil.InternalError(w, err.Error())
	}
}
