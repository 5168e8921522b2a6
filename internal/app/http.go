package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spacehub/api/internal/auth"
	"spacehub/api/internal/search"
)

// gateTimeout bounds every store-touching request; expiry surfaces as 503.
const gateTimeout = 5 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		// Check database connectivity
		ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			s.renderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userId":    session.UserID,
			"userName":  session.UserName,
			"expiresAt": session.ExpiresAt,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		session, ok := s.sessionFromRequest(r)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/spaces/search" {
		q := search.Query{
			Text:   strings.TrimSpace(r.URL.Query().Get("q")),
			Limit:  queryInt(r, "limit"),
			Offset: queryInt(r, "offset"),
		}
		writeJSON(w, http.StatusOK, s.service.SearchSpaces(q))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/spaces" {
		ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
		defer cancel()
		spaces, err := s.service.ListSpaces(ctx)
		if err != nil {
			s.renderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"spaces": spaces})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/spaces" {
		session, ok := s.sessionFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		var body struct {
			Name     string `json:"name"`
			Content  string `json:"content"`
			Password string `json:"password"`
			ImageURL string `json:"imageUrl"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
		defer cancel()
		space, err := s.service.CreateSpace(ctx, session.UserID, body.Name, body.Content, body.Password, body.ImageURL)
		if err != nil {
			s.renderError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, space)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/invites/redeem" {
		session, ok := s.sessionFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		var body struct {
			Code string `json:"code"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
		defer cancel()
		member, err := s.service.RedeemCode(ctx, session.UserID, body.Code)
		if err != nil {
			s.renderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"membershipId": member.ID,
			"userId":       member.UserID,
			"spaceId":      member.SpaceID,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "spaces" {
		spaceID := parts[2]

		if len(parts) == 3 && r.Method == http.MethodGet {
			ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
			defer cancel()
			space, err := s.service.GetSpace(ctx, spaceID)
			if err != nil {
				s.renderError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, space)
			return
		}

		if len(parts) == 3 && r.Method == http.MethodDelete {
			session, ok := s.sessionFromRequest(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
			defer cancel()
			if err := s.service.DeleteSpace(ctx, spaceID, session.UserID); err != nil {
				s.renderError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

		if len(parts) == 4 && parts[3] == "members" && r.Method == http.MethodGet {
			ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
			defer cancel()
			members, err := s.service.ListMembers(ctx, spaceID)
			if err != nil {
				s.renderError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"members": members})
			return
		}

		if len(parts) == 4 && parts[3] == "invite" && r.Method == http.MethodPost {
			if _, ok := s.sessionFromRequest(r); !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
			defer cancel()
			code, err := s.service.IssueInviteCode(ctx, spaceID)
			if err != nil {
				s.renderError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"code": code})
			return
		}

		if len(parts) == 4 && parts[3] == "enter" && r.Method == http.MethodPost {
			// Anonymous entry is allowed: no token means no membership row.
			userID := ""
			if session, ok := s.sessionFromRequest(r); ok {
				userID = session.UserID
			}
			var body struct {
				Password string `json:"password"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), gateTimeout)
			defer cancel()
			grant, err := s.service.RedeemPassword(ctx, userID, spaceID, body.Password)
			if err != nil {
				s.renderError(w, err)
				return
			}
			if grant.Membership == nil {
				writeJSON(w, http.StatusOK, map[string]any{
					"access":       "anonymous",
					"spaceId":      spaceID,
					"membershipId": nil,
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access":       "member",
				"spaceId":      grant.Membership.SpaceID,
				"membershipId": grant.Membership.ID,
				"userId":       grant.Membership.UserID,
			})
			return
		}

		if len(parts) == 4 && parts[3] == "image" && r.Method == http.MethodPost {
			session, ok := s.sessionFromRequest(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			file, header, err := r.FormFile("image")
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field 'image' is required", nil)
				return
			}
			defer file.Close()

			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			imageURL, err := s.service.SetSpaceImage(ctx, spaceID, session.UserID, header.Filename, header.Header.Get("Content-Type"), file, header.Size)
			if err != nil {
				s.renderError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"imageUrl": imageURL})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) sessionFromRequest(r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) renderError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
