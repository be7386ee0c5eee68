// Package api provides the engine's HTTP surface.
// GET endpoints are public and read-only. The activity and message POSTs
// are rate limited per IP; stratagem creation requires the admin bearer
// token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/serenissima/engine/internal/activities"
	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/engine"
	"github.com/serenissima/engine/internal/facade"
	"github.com/serenissima/engine/internal/metrics"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
	"github.com/serenissima/engine/internal/stratagems"
)

const maxListed = 50

// Server serves the city over HTTP.
type Server struct {
	Store      store.Store
	Fabric     *activities.Fabric
	Stratagems *stratagems.Registry
	Catalog    catalog.Provider
	Messenger  facade.Messenger
	Eng        *engine.Engine
	Port       int
	AdminKey   string // Bearer token for admin POSTs. Empty = disabled.

	// Per-IP limits for the planning and messaging POSTs.
	CreateLimiter  *RateLimiter
	MessageLimiter *RateLimiter

	httpServer *http.Server
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	if s.CreateLimiter == nil {
		s.CreateLimiter = NewRateLimiter(600, time.Minute)
	}
	if s.MessageLimiter == nil {
		s.MessageLimiter = NewRateLimiter(120, time.Minute)
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", metrics.Instrument("/api/status", s.handleStatus))
	mux.HandleFunc("GET /api/get-ledger", metrics.Instrument("/api/get-ledger", s.handleLedger))
	mux.HandleFunc("GET /api/building-types", metrics.Instrument("/api/building-types", s.handleBuildingTypes))
	mux.HandleFunc("GET /api/resource-types", metrics.Instrument("/api/resource-types", s.handleResourceTypes))
	mux.HandleFunc("GET /api/problems", metrics.Instrument("/api/problems", s.handleProblems))
	mux.HandleFunc("GET /api/relevancies", metrics.Instrument("/api/relevancies", s.handleRelevancies))
	mux.HandleFunc("/api/notifications", metrics.Instrument("/api/notifications", s.handleNotifications))

	mux.HandleFunc("POST /api/activities/try-create",
		metrics.Instrument("/api/activities/try-create", RateLimitMiddleware(s.CreateLimiter, s.handleTryCreateActivity)))
	mux.HandleFunc("POST /api/messages/send",
		metrics.Instrument("/api/messages/send", RateLimitMiddleware(s.MessageLimiter, s.handleSendMessage)))
	mux.HandleFunc("POST /api/stratagems/try-create",
		metrics.Instrument("/api/stratagems/try-create", s.adminOnly(s.handleTryCreateStratagem)))

	mux.Handle("GET /metrics", metrics.Handler())
	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// CORS_ORIGINS is a comma-separated list of extra allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:5173": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			writeJSONStatus(w, http.StatusForbidden, failure("admin endpoints disabled (no ADMIN_KEY set)"))
			return
		}
		if !s.checkBearerToken(r) {
			writeJSONStatus(w, http.StatusUnauthorized, failure("unauthorized"))
			return
		}
		next(w, r)
	}
}

func (s *Server) catalog(ctx context.Context) *catalog.Catalog {
	if s.Catalog == nil {
		return catalog.Default()
	}
	return s.Catalog.Catalog(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"name":   "La Serenissima",
		"venice": engine.VeniceTime(time.Now()),
	}
	if s.Eng != nil {
		status["tick"] = s.Eng.Tick
		status["interval"] = s.Eng.Interval.String()
	}
	if s.Fabric != nil {
		status["activityTypes"] = s.Fabric.CreatorTypes()
	}
	if s.Stratagems != nil {
		status["stratagemTypes"] = s.Stratagems.Types()
	}
	writeJSON(w, status)
}

func (s *Server) handleTryCreateActivity(w http.ResponseWriter, r *http.Request) {
	var req facade.TryCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acts, err := s.Fabric.Create(r.Context(), req.CitizenUsername, req.ActivityType, req.ActivityParameters)
	if !s.writeFailure(w, err, "activity", req.ActivityType, req.CitizenUsername) {
		return
	}
	resp := facade.TryCreateResponse{Success: true}
	if len(acts) == 0 {
		resp.Message = "nothing to do"
		writeJSON(w, resp)
		return
	}
	for _, a := range acts {
		raw, err := json.Marshal(a)
		if err != nil {
			writeJSONStatus(w, http.StatusInternalServerError, failure(err.Error()))
			return
		}
		resp.Activities = append(resp.Activities, raw)
	}
	first, err := model.ToFields(acts[0])
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	resp.Activity = first
	resp.Message = fmt.Sprintf("%d activities planned", len(acts))
	writeJSON(w, resp)
}

// stratagemRequest is the body of POST /api/stratagems/try-create.
type stratagemRequest struct {
	CitizenUsername     string         `json:"citizenUsername" validate:"required"`
	StratagemType       string         `json:"stratagemType" validate:"required"`
	StratagemParameters map[string]any `json:"stratagemParameters"`
}

func (s *Server) handleTryCreateStratagem(w http.ResponseWriter, r *http.Request) {
	var req stratagemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := s.Stratagems.Create(r.Context(), req.CitizenUsername, req.StratagemType, req.StratagemParameters)
	if !s.writeFailure(w, err, "stratagem", req.StratagemType, req.CitizenUsername) {
		return
	}
	writeJSON(w, map[string]any{
		"success":     true,
		"stratagemId": st.StratagemId,
		"stratagem":   st,
	})
}

// writeFailure reports err and returns false, or returns true when err is
// nil. Domain failures are a 200 with success=false so callers can tell
// them from outages.
func (s *Server) writeFailure(w http.ResponseWriter, err error, what, typ, citizen string) bool {
	if err == nil {
		return true
	}
	var f *activities.Failure
	if errors.As(err, &f) {
		slog.Info("try-create refused", "kind", what, "type", typ, "citizen", citizen, "reason", f.Reason)
		writeJSON(w, map[string]any{"success": false, "error": f.Reason, "message": f.Kind})
		return false
	}
	slog.Error("try-create failed", "kind", what, "type", typ, "citizen", citizen, "error", err)
	writeJSONStatus(w, http.StatusInternalServerError, failure(err.Error()))
	return false
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var msg facade.OutgoingMessage
	if !decodeBody(w, r, &msg) {
		return
	}
	if err := s.Messenger.Send(r.Context(), msg); err != nil {
		slog.Error("message send failed", "sender", msg.Sender, "receiver", msg.Receiver, "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("citizenUsername")
	if username == "" {
		writeJSONStatus(w, http.StatusBadRequest, failure("citizenUsername required"))
		return
	}
	l, err := BuildLedger(r.Context(), s.Store, username)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONStatus(w, http.StatusNotFound, failure("citizen not found"))
		return
	}
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	writeJSON(w, l)
}

func (s *Server) handleBuildingTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"success": true, "buildingTypes": s.catalog(r.Context()).BuildingList()})
}

func (s *Server) handleResourceTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"success": true, "resourceTypes": s.catalog(r.Context()).ResourceList()})
}

func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Eq("Status", "active")
	if c := q.Get("citizen"); c != "" {
		f = store.And(f, store.Eq("Citizen", c))
	}
	if a := q.Get("asset"); a != "" {
		f = store.And(f, store.Eq("Asset", a))
	}
	if at := q.Get("assetType"); at != "" {
		f = store.And(f, store.Eq("AssetType", at))
	}
	problems, err := model.List[model.Problem](r.Context(), s.Store, store.Problems, store.Query{
		Filter: f,
		Sort:   []store.Sort{{Field: "CreatedAt", Desc: true}},
		Max:    maxListed,
	})
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	writeJSON(w, map[string]any{"success": true, "problems": problems})
}

// relevancy is one scored link from a citizen to another.
type relevancy struct {
	Target   string  `json:"target"`
	Score    float64 `json:"score"`
	Trust    float64 `json:"trust"`
	Strength float64 `json:"strength"`
	Title    string  `json:"title,omitempty"`
}

func (s *Server) handleRelevancies(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("relevantToCitizen")
	if username == "" {
		username = r.URL.Query().Get("citizen")
	}
	if username == "" {
		writeJSONStatus(w, http.StatusBadRequest, failure("relevantToCitizen required"))
		return
	}
	rels, err := topRelationships(r.Context(), s.Store, username, maxListed)
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	out := make([]relevancy, 0, len(rels))
	for _, rel := range rels {
		other := rel.Citizen1
		if other == username {
			other = rel.Citizen2
		}
		out = append(out, relevancy{
			Target:   other,
			Score:    (rel.TrustScore + rel.StrengthScore) / 2,
			Trust:    rel.TrustScore,
			Strength: rel.StrengthScore,
			Title:    rel.Title,
		})
	}
	writeJSON(w, map[string]any{"success": true, "relevancies": out})
}

type notificationsRequest struct {
	Citizen string `json:"citizen" validate:"required"`
	Since   string `json:"since,omitempty"`
}

// handleNotifications lists a citizen's newest notifications. It accepts
// a JSON body on POST and query parameters on GET.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	var req notificationsRequest
	switch r.Method {
	case http.MethodPost:
		if !decodeBody(w, r, &req) {
			return
		}
	case http.MethodGet:
		req.Citizen = r.URL.Query().Get("citizen")
		req.Since = r.URL.Query().Get("since")
		if req.Citizen == "" {
			writeJSONStatus(w, http.StatusBadRequest, failure("citizen required"))
			return
		}
	default:
		writeJSONStatus(w, http.StatusMethodNotAllowed, failure("method not allowed"))
		return
	}
	f := store.Eq("Citizen", req.Citizen)
	if req.Since != "" {
		since, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, failure("since must be RFC 3339"))
			return
		}
		f = store.And(f, store.After("CreatedAt", since))
	}
	ns, err := model.List[model.Notification](r.Context(), s.Store, store.Notifications, store.Query{
		Filter: f,
		Sort:   []store.Sort{{Field: "CreatedAt", Desc: true}},
		Max:    maxListed,
	})
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	writeJSON(w, map[string]any{"success": true, "notifications": ns})
}

func failure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
