package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tandem/api/internal/auth"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
)

const readyTimeout = 2 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	realtime   http.Handler
	logger     *zap.Logger
}

// NewHTTPServer builds the API router. realtime serves the /ws upgrade and
// may be nil when the socket endpoint is mounted elsewhere.
func NewHTTPServer(service *Service, corsOrigin string, realtime http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, realtime: realtime, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if s.realtime != nil {
		r.Handle("/ws", s.realtime).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	api.HandleFunc("/permissions", s.handlePermissions).Methods(http.MethodGet)
	api.HandleFunc("/roles", s.handleRoles).Methods(http.MethodGet)
	api.HandleFunc("/roles/{roleId}", s.handleRole).Methods(http.MethodGet)

	api.HandleFunc("/rooms/{roomId}", s.authed(s.handleRoom)).Methods(http.MethodGet)

	api.HandleFunc("/teams", s.authed(s.handleListTeams)).Methods(http.MethodGet)
	api.HandleFunc("/teams", s.authed(s.handleCreateTeam)).Methods(http.MethodPost)
	api.HandleFunc("/teams/{teamId}", s.authed(s.handleGetTeam)).Methods(http.MethodGet)
	api.HandleFunc("/teams/{teamId}/settings", s.authed(s.handleUpdateSettings)).Methods(http.MethodPut)
	api.HandleFunc("/teams/{teamId}/members", s.authed(s.handleInviteMember)).Methods(http.MethodPost)
	api.HandleFunc("/teams/{teamId}/members/accept", s.authed(s.handleAcceptInvite)).Methods(http.MethodPost)
	api.HandleFunc("/teams/{teamId}/members/{memberId}/role", s.authed(s.handleUpdateRole)).Methods(http.MethodPut)
	api.HandleFunc("/teams/{teamId}/members/{memberId}/status", s.authed(s.handleUpdateStatus)).Methods(http.MethodPut)
	api.HandleFunc("/teams/{teamId}/members/{memberId}", s.authed(s.handleRemoveMember)).Methods(http.MethodDelete)

	api.HandleFunc("/projects/{projectId}/versions", s.authed(s.handleListVersions)).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}/versions", s.authed(s.handleCreateVersion)).Methods(http.MethodPost)
	api.HandleFunc("/projects/{projectId}/versions/compare", s.authed(s.handleCompareVersions)).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}/versions/{versionId}", s.authed(s.handleGetVersion)).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}/versions/{versionId}/rollback", s.authed(s.handleRollback)).Methods(http.MethodPost)
	api.HandleFunc("/projects/{projectId}/archive", s.authed(s.handleArchive)).Methods(http.MethodGet)

	return r
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := s.service.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"checks": map[string]string{"repository": "unavailable"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"checks": map[string]string{"repository": "ok"},
	})
}

func (s *HTTPServer) handlePermissions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"permissions": rbac.Permissions()})
}

func (s *HTTPServer) handleRoles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roles": rbac.Roles()})
}

func (s *HTTPServer) handleRole(w http.ResponseWriter, r *http.Request) {
	role, ok := rbac.GetRole(mux.Vars(r)["roleId"])
	if !ok {
		writeError(w, http.StatusNotFound, "ROLE_NOT_FOUND", "Role not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *HTTPServer) handleRoom(w http.ResponseWriter, r *http.Request, session Session) {
	state, err := s.service.RoomState(session, mux.Vars(r)["roomId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleListTeams(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.ListTeams(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleCreateTeam(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	team, err := s.service.CreateTeam(r.Context(), session, body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *HTTPServer) handleGetTeam(w http.ResponseWriter, r *http.Request, session Session) {
	team, err := s.service.GetTeam(r.Context(), session, mux.Vars(r)["teamId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *HTTPServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request, session Session) {
	var settings store.TeamSettings
	if err := decodeBody(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	team, err := s.service.UpdateSettings(r.Context(), session, mux.Vars(r)["teamId"], settings)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *HTTPServer) handleInviteMember(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	member, err := s.service.InviteMember(r.Context(), session, mux.Vars(r)["teamId"], body.Email, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *HTTPServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request, session Session) {
	team, err := s.service.AcceptInvite(r.Context(), session, mux.Vars(r)["teamId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *HTTPServer) handleUpdateRole(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	team, err := s.service.UpdateMemberRole(r.Context(), session, vars["teamId"], vars["memberId"], body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Status store.MemberStatus `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	team, err := s.service.SetMemberStatus(r.Context(), session, vars["teamId"], vars["memberId"], body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	team, err := s.service.RemoveMember(r.Context(), session, vars["teamId"], vars["memberId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.ListVersions(r.Context(), session, mux.Vars(r)["projectId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateVersionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	record, err := s.service.CreateVersion(r.Context(), session, mux.Vars(r)["projectId"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	record, err := s.service.GetVersion(r.Context(), session, vars["projectId"], vars["versionId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *HTTPServer) handleCompareVersions(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	comparison, err := s.service.CompareVersions(r.Context(), session, mux.Vars(r)["projectId"], query.Get("from"), query.Get("to"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comparison)
}

func (s *HTTPServer) handleRollback(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	record, err := s.service.RollbackToVersion(r.Context(), session, vars["projectId"], vars["versionId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request, session Session) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.service.ArchiveHistory(session, mux.Vars(r)["projectId"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
