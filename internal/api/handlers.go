// Package api exposes the HTTP surface: health, metrics, account and
// settings endpoints, the action path, and the WebSocket mount points.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/robolink/voice-gateway/internal/settings"
	"github.com/robolink/voice-gateway/internal/store"
)

// CommandSender delivers a mapped device command. Satisfied by iot.Sender.
type CommandSender interface {
	Send(ctx context.Context, message string) error
}

// Handlers holds the API dependencies.
type Handlers struct {
	store   *store.Store
	params  *settings.Params
	actions CommandSender
	logger  *zap.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(st *store.Store, params *settings.Params, actions CommandSender, logger *zap.Logger) *Handlers {
	return &Handlers{store: st, params: params, actions: actions, logger: logger}
}

// Router assembles the full HTTP surface. The audio and command WebSocket
// handlers are passed in so this package does not depend on their packages.
func (h *Handlers) Router(audioWS, commandWS http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/ws/audio", audioWS)
	r.Get("/ws/command", commandWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts/register", h.Register)
		r.Post("/accounts/login", h.Login)
		r.Get("/settings/voice", h.GetVoiceSettings)
		r.Put("/settings/voice", h.PutVoiceSettings)
		r.Get("/conversations", h.ListConversations)
		r.Post("/actions", h.PostAction)
	})

	return r
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

// Register handles POST /api/v1/accounts/register.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "account and password required")
		return
	}

	params := h.params.Snapshot()
	err := h.store.CreateAccount(&store.Account{
		Account:    req.Account,
		Password:   req.Password,
		VoiceID:    params.VoiceID,
		SpeedRatio: params.SpeedRatio,
	})
	if err != nil {
		writeError(w, http.StatusConflict, "account already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"account": req.Account})
}

// Login handles POST /api/v1/accounts/login.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		writeError(w, http.StatusBadRequest, "account required")
		return
	}

	acct, err := h.store.GetAccount(req.Account)
	if err != nil || acct.Password != req.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type voiceSettings struct {
	Account    string  `json:"account,omitempty"`
	VoiceID    string  `json:"voiceId"`
	SpeedRatio float64 `json:"speedRatio"`
}

// GetVoiceSettings handles GET /api/v1/settings/voice.
func (h *Handlers) GetVoiceSettings(w http.ResponseWriter, r *http.Request) {
	p := h.params.Snapshot()
	writeJSON(w, http.StatusOK, voiceSettings{VoiceID: p.VoiceID, SpeedRatio: p.SpeedRatio})
}

// PutVoiceSettings handles PUT /api/v1/settings/voice. The new parameters
// take effect for the next turn: the global snapshot is swapped atomically,
// and when an account is named the change is persisted as well.
func (h *Handlers) PutVoiceSettings(w http.ResponseWriter, r *http.Request) {
	var req voiceSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VoiceID == "" {
		writeError(w, http.StatusBadRequest, "voiceId required")
		return
	}
	if req.SpeedRatio <= 0 {
		req.SpeedRatio = 1.0
	}

	if req.Account != "" {
		if err := h.store.UpdateVoiceParams(req.Account, req.VoiceID, req.SpeedRatio); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			h.logger.Warn("voice settings persist failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "persist failed")
			return
		}
	}

	h.params.Update(settings.VoiceParams{VoiceID: req.VoiceID, SpeedRatio: req.SpeedRatio})
	h.logger.Info("voice settings updated",
		zap.String("voiceId", req.VoiceID),
		zap.Float64("speedRatio", req.SpeedRatio))
	writeJSON(w, http.StatusOK, voiceSettings{VoiceID: req.VoiceID, SpeedRatio: req.SpeedRatio})
}

// ListConversations handles GET /api/v1/conversations?account=X&limit=N.
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "account required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	convs, err := h.store.ListConversations(account, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

type actionRequest struct {
	ActionContent int `json:"action_content"`
}

// actionCommands maps action codes to device command strings.
var actionCommands = map[int]string{
	1: "trot",
	2: "trot_back",
	3: "turn_left",
	4: "turn_right",
}

// PostAction handles POST /api/v1/actions: maps the action code to a device
// command and delivers it through the IoT platform.
func (h *Handlers) PostAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "action_content required")
		return
	}

	message, ok := actionCommands[req.ActionContent]
	if !ok {
		message = "stop"
	}

	if err := h.actions.Send(r.Context(), message); err != nil {
		h.logger.Warn("action delivery failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sent": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
