package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/auth"
)

// RequireAuth builds a middleware that validates the bearer token against
// svc (spec.md §6.2) and injects the resulting claims into the request
// context. Missing or invalid tokens fail with err_auth before the
// handler ever runs, matching the wire taxonomy in spec.md §7.
func RequireAuth(svc *auth.AuthService, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				helpers.RespondErr(w, log, apperrors.New(apperrors.CodeAuth, "missing or malformed bearer token"))
				return
			}
			claims, err := svc.ValidateBearer(r.Context(), parts[1])
			if err != nil {
				helpers.RespondErr(w, log, apperrors.New(apperrors.CodeAuth, "invalid or expired token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
