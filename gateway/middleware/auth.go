package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"nftpawn/crypto"
	"nftpawn/gateway/auth"
	"nftpawn/observability"
	"nftpawn/observability/logging"
)

type contextKey string

const contextKeyPrincipal contextKey = "pawn.principal"

// PrincipalFrom returns the authenticated caller stored by RequireSignature.
func PrincipalFrom(ctx context.Context) (crypto.Address, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(*auth.Principal)
	if !ok || p == nil {
		return crypto.Address{}, false
	}
	return p.Address, true
}

// WithPrincipal stores addr as the caller of ctx. Tests use it to bypass
// signature checks.
func WithPrincipal(ctx context.Context, addr crypto.Address) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, &auth.Principal{Address: addr})
}

// RequireSignature authenticates the request body signature and stores the
// recovered caller in the request context. The body is buffered and restored
// for downstream handlers.
func RequireSignature(authn *auth.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}
			_ = r.Body.Close()
			principal, err := authn.Authenticate(r, body)
			if err != nil {
				status := http.StatusUnauthorized
				switch {
				case errors.Is(err, auth.ErrBodyTooLarge):
					status = http.StatusRequestEntityTooLarge
				case errors.Is(err, auth.ErrReplayedNonce), errors.Is(err, auth.ErrTimestampReplay):
					observability.ModuleMetrics().RecordThrottle(r.URL.Path, "replayed_nonce")
				}
				logger.Warn("request authentication failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					logging.MaskField("signature", r.Header.Get(auth.HeaderSignature)),
					slog.Any("error", err))
				http.Error(w, err.Error(), status)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
