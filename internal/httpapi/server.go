// Package httpapi exposes the DrawOrchestrator's single operation over HTTP,
// wrapped in the same standard middleware stack the payment gateway's
// server.go builds its router from.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/foodloop/ulde/internal/errs"
	appmiddleware "github.com/foodloop/ulde/internal/httpapi/middleware"
	"github.com/foodloop/ulde/internal/orchestrator"
)

// Server builds the HTTP surface for the decision engine.
type Server struct {
	engine *orchestrator.Orchestrator
	auth   appmiddleware.JWTOptions
	authOn bool
	limit  *appmiddleware.RateLimiter
}

// Config bundles the Server's dependencies.
type Config struct {
	Engine      *orchestrator.Orchestrator
	AuthEnabled bool
	Auth        appmiddleware.JWTOptions
	RateLimiter *appmiddleware.RateLimiter
}

// New constructs a Server.
func New(cfg Config) *Server {
	return &Server{
		engine: cfg.Engine,
		auth:   cfg.Auth,
		authOn: cfg.AuthEnabled,
		limit:  cfg.RateLimiter,
	}
}

// Handler builds the chi router exposing the decision engine's HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	if s.limit != nil {
		r.Use(s.limit.Middleware)
	}

	r.Get("/healthz", s.handleHealth)

	r.Group(func(gr chi.Router) {
		if s.authOn {
			gr.Use(appmiddleware.Auth(s.auth))
		}
		gr.Post("/v1/campaigns/{campaignID}/draws", s.handleDraw)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type drawRequest struct {
	UserID         string `json:"user_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type drawResponse struct {
	Outcome         string `json:"outcome"`
	DecisionID      string `json:"decision_id"`
	PrizeID         string `json:"prize_id,omitempty"`
	Tier            string `json:"tier"`
	CostAssetCode   string `json:"cost_asset_code"`
	CostAmount      int64  `json:"cost_amount"`
	RewardAssetCode string `json:"reward_asset_code,omitempty"`
	RewardValue     int64  `json:"reward_value,omitempty"`
	AvailableCost   int64  `json:"available_cost"`
	AvailableReward int64  `json:"available_reward,omitempty"`
	Replayed        bool   `json:"replayed"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		writeError(w, errs.New(errs.ConfigurationInvalid, "invalid campaign id in path"))
		return
	}

	var req drawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ConfigurationInvalid, "malformed request body"))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, errs.New(errs.ConfigurationInvalid, "invalid user_id"))
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, errs.New(errs.ConfigurationInvalid, "idempotency_key is required"))
		return
	}

	result, err := s.engine.Execute(r.Context(), userID, campaignID, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := drawResponse{
		Outcome:         string(result.Outcome),
		DecisionID:      result.DecisionID.String(),
		Tier:            string(result.Tier),
		CostAssetCode:   result.CostAssetCode,
		CostAmount:      result.CostAmount,
		RewardAssetCode: result.RewardAssetCode,
		RewardValue:     result.RewardValue,
		AvailableCost:   result.AvailableCost,
		AvailableReward: result.AvailableReward,
		Replayed:        result.Replayed,
	}
	if result.PrizeID != nil {
		resp.PrizeID = result.PrizeID.String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	var e *errs.Error
	body := errorResponse{Kind: string(errs.InternalFailure), Message: err.Error()}
	if errors.As(err, &e) {
		body = errorResponse{Kind: string(e.Kind), Message: e.Message, Hint: e.Hint}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(body)
}
