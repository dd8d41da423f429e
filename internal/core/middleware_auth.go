package core

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"carpoolhub/internal/types"
)

// Headers set by the API gateway authorizer after it has authenticated the
// caller. The gateway strips client-supplied copies.
const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderUserID     = "X-User-ID"
	HeaderUserEmail  = "X-User-Email"
	HeaderAdminActor = "X-Admin-Actor"
)

// Authenticator resolves the caller of a request to an Actor.
type Authenticator interface {
	Authenticate(r *http.Request) (*types.Actor, error)
}

// GatewayAuthenticator trusts tenant identity headers injected by the gateway
// and recognises platform administrators by the admin API key sent as a
// Bearer token.
type GatewayAuthenticator struct {
	AdminAPIKey types.SecretString
}

// Authenticate implements Authenticator.
func (g *GatewayAuthenticator) Authenticate(r *http.Request) (*types.Actor, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token := extractBearerToken(authHeader)
		if token == "" || !g.AdminAPIKey.IsSet() ||
			subtle.ConstantTimeCompare([]byte(token), []byte(g.AdminAPIKey.Unmask())) != 1 {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid admin credentials", nil)
		}
		id := r.Header.Get(HeaderAdminActor)
		if id == "" {
			id = "admin"
		}
		return &types.Actor{ID: id, Type: types.ActorTypeAdmin, Source: "admin_key"}, nil
	}

	tenantID := r.Header.Get(HeaderTenantID)
	if tenantID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "caller identity is required", nil)
	}
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		userID = tenantID
	}
	return &types.Actor{
		ID:       userID,
		Type:     types.ActorTypeMember,
		TenantID: tenantID,
		Email:    r.Header.Get(HeaderUserEmail),
		Source:   "gateway",
	}, nil
}

// AuthMiddleware resolves the Actor and stores it in the request context.
// Failures produce 401 with auth_token_missing or auth_token_invalid. A nil
// Authenticator passes everything through.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		actor, err := s.Authenticator.Authenticate(r)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header, or "".
// The scheme is case-insensitive per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenMissing:
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication is required")
			return
		case types.ErrCodeAuthTokenInvalid:
			s.Logger.WarnContext(r.Context(), "authentication failed: credentials invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication credentials")
			return
		}
	}

	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

func (s *Server) writeForbidden(w http.ResponseWriter, r *http.Request, message string) {
	JSON(w, r, http.StatusForbidden, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodePermissionRole),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// RequireAdmin rejects callers that are not platform administrators. System
// actors pass.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		if actor.Type != types.ActorTypeSystem && !actor.IsAdmin() {
			s.writeForbidden(w, r, "Administrator access is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireTenant rejects callers that are not bound to a tenant.
func (s *Server) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		if actor.TenantID == "" {
			s.writeForbidden(w, r, "A tenant-scoped caller is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
