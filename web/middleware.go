package web

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/auth"
	"github.com/techulus/cloud-control/domain"
)

const (
	headerServerID  = "x-server-id"
	headerTimestamp = "x-timestamp"
	headerSignature = "x-signature"
)

type contextKey string

const serverContextKey contextKey = "server"

// serverFromContext returns the authenticated server placed by the
// signature middleware.
func serverFromContext(ctx context.Context) *domain.Server {
	server, _ := ctx.Value(serverContextKey).(*domain.Server)
	return server
}

// requireSignature verifies the per-request Ed25519 signature over
// "{timestamp}:{rawBody}". The raw body is captured before verification and
// restored so handlers can decode it normally.
func requireSignature(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serverID, err := uuid.Parse(r.Header.Get(headerServerID))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid")
				return
			}
			timestamp := r.Header.Get(headerTimestamp)
			signature := r.Header.Get(headerSignature)
			if timestamp == "" || signature == "" {
				writeError(w, http.StatusUnauthorized, "invalid")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "failed to read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			server, err := verifier.Verify(serverID, timestamp, signature, body)
			if err != nil {
				slog.Warn("Rejected agent request",
					"layer", "web",
					"server_id", serverID,
					"path", r.URL.Path,
					"error", err)
				respondError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), serverContextKey, server)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
