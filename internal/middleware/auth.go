package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/registry"
)

const actorKey contextKey = "admin-actor"

// AdminAuth authenticates admin requests with a bearer token. Accepted
// tokens are configured as "subject:bcrypt-hash" entries; a matching token
// puts an admin registry.Actor into the request context.
type AdminAuth struct {
	subjects []string
	hashes   [][]byte
	logger   *slog.Logger
}

// NewAdminAuth parses configured token entries. Malformed entries were
// already rejected by config validation.
func NewAdminAuth(tokenHashes []string, logger *slog.Logger) *AdminAuth {
	a := &AdminAuth{logger: logger}
	for _, entry := range tokenHashes {
		subject, hash, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		a.subjects = append(a.subjects, subject)
		a.hashes = append(a.hashes, []byte(hash))
	}
	return a
}

// Handler rejects requests without a valid admin bearer token.
func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token, ok := bearerToken(r)
		if !ok {
			a.deny(ctx, w, "missing bearer token")
			return
		}

		for i, hash := range a.hashes {
			if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
				actor := registry.Actor{Subject: a.subjects[i], Admin: true}
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, actorKey, actor)))
				return
			}
		}

		a.deny(ctx, w, "unrecognized bearer token")
	})
}

func (a *AdminAuth) deny(ctx context.Context, w http.ResponseWriter, reason string) {
	a.logger.WarnContext(ctx, "admin request rejected", slog.String("reason", reason))

	problem := apperrors.NewProblemDetails(
		http.StatusUnauthorized,
		"/errors/unauthorized",
		"Unauthorized",
		"A valid admin bearer token is required",
		"",
	).WithExtension("trace_id", infrastructure.GetTraceID(ctx))

	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(problem)
}

// ActorFromContext returns the authenticated actor, or a non-admin zero
// actor when authentication never ran.
func ActorFromContext(ctx context.Context) registry.Actor {
	if actor, ok := ctx.Value(actorKey).(registry.Actor); ok {
		return actor
	}
	return registry.Actor{}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
