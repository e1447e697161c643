package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nftpawn/crypto"
	"nftpawn/gateway/auth"
)

func TestRequireSignatureStoresPrincipal(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	authn := auth.NewAuthenticator(time.Minute, time.Minute, 16, func() time.Time { return now }, nil)

	var seen crypto.Address
	var seenBody string
	handler := RequireSignature(authn, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := PrincipalFrom(r.Context())
		if !ok {
			t.Fatalf("principal missing from context")
		}
		seen = addr
		body, _ := io.ReadAll(r.Body)
		seenBody = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))

	body := `{"lender":"pawn1x"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/loans/abc/lend", strings.NewReader(body))
	if err := auth.SignRequest(req, key, []byte(body), now, "n-1"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("status %d: %s", res.Code, res.Body.String())
	}
	if !seen.Equal(key.PubKey().Address()) {
		t.Fatalf("principal %s, want %s", seen, key.PubKey().Address())
	}
	if seenBody != body {
		t.Fatalf("body not restored: %q", seenBody)
	}

	unsigned := httptest.NewRequest(http.MethodPost, "/v1/loans/abc/lend", strings.NewReader(body))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, unsigned)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request status %d", res.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.pawn.test"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/loans", nil)
	req.Header.Set("Origin", "https://app.pawn.test")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://app.pawn.test" {
		t.Fatalf("allow origin %q", got)
	}
	if !strings.Contains(res.Header().Get("Access-Control-Allow-Headers"), auth.HeaderSignature) {
		t.Fatalf("signature header not allowed: %q", res.Header().Get("Access-Control-Allow-Headers"))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.Header.Set("Origin", "https://evil.test")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || res.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin: status %d origin %q", res.Code, res.Header().Get("Access-Control-Allow-Origin"))
	}
}
