package middleware

import (
	"context"
	"net/http"

	"github.com/Togather-Foundation/harvester/internal/api/problem"
	"github.com/Togather-Foundation/harvester/internal/auth"
)

type contextKeyClaims string

const claimsKey contextKeyClaims = "triggerClaims"

// RequireScope accepts Bearer trigger tokens that grant scope. A nil
// validator rejects every request, which is how an unset trigger secret
// disables the API.
func RequireScope(tokens *auth.TriggerTokens, scope, env string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens == nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Trigger API disabled", problem.ErrUnauthorized, env)
				return
			}
			token, err := auth.TokenFromHeader(r.Header.Get("Authorization"))
			if err != nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Missing bearer token", err, env)
				return
			}
			claims, err := tokens.Validate(token)
			if err != nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Invalid token", err, env)
				return
			}
			if !claims.HasScope(scope) {
				problem.Write(w, r, http.StatusForbidden, problem.TypeForbidden, "Insufficient scope", problem.ErrForbidden, env)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// TriggerClaims returns the validated claims of the current request.
func TriggerClaims(r *http.Request) *auth.Claims {
	if r == nil {
		return nil
	}
	if claims, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}
