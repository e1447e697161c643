package auth

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"nftpawn/crypto"
)

func TestLevelDBNoncePersistenceAuthenticatorRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	backend, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_717_787_717, 0).UTC()
	clock := func() time.Time { return now }
	body := []byte(`{"lender":"x"}`)

	auth := NewAuthenticator(time.Minute, 5*time.Minute, 32, clock, backend)
	if _, err := auth.Authenticate(signedRequest(t, key, http.MethodPost, "/v1/loans/l/lend", body, now, "nonce-restart"), body); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close persistence: %v", err)
	}

	reopened, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("reopen persistence: %v", err)
	}
	defer reopened.Close()

	restarted := NewAuthenticator(time.Minute, 5*time.Minute, 32, clock, reopened)
	if err := restarted.HydrateNonces(context.Background(), now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := restarted.Authenticate(signedRequest(t, key, http.MethodPost, "/v1/loans/l/lend", body, now, "nonce-restart"), body); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("expected nonce replay after restart, got %v", err)
	}
}

func TestLevelDBNoncePersistencePrune(t *testing.T) {
	backend, err := NewLevelDBNoncePersistence(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	base := time.Unix(1_717_000_000, 0).UTC()

	for i, rec := range []NonceRecord{
		{Signer: "pawn1a", Timestamp: "1", Nonce: "old", ObservedAt: base},
		{Signer: "pawn1a", Timestamp: "2", Nonce: "new", ObservedAt: base.Add(10 * time.Minute)},
	} {
		existed, err := backend.EnsureNonce(ctx, rec)
		if err != nil || existed {
			t.Fatalf("record %d: existed=%v err=%v", i, existed, err)
		}
	}
	existed, err := backend.EnsureNonce(ctx, NonceRecord{Signer: "pawn1a", Timestamp: "1", Nonce: "old", ObservedAt: base.Add(time.Second)})
	if err != nil || !existed {
		t.Fatalf("expected duplicate, existed=%v err=%v", existed, err)
	}

	recent, err := backend.RecentNonces(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Nonce != "new" {
		t.Fatalf("unexpected recent nonces: %+v", recent)
	}

	if err := backend.PruneNonces(ctx, base.Add(5*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	all, err := backend.RecentNonces(ctx, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("recent after prune: %v", err)
	}
	if len(all) != 1 || all[0].Nonce != "new" {
		t.Fatalf("prune left %+v", all)
	}
	existed, err = backend.EnsureNonce(ctx, NonceRecord{Signer: "pawn1a", Timestamp: "1", Nonce: "old", ObservedAt: base.Add(11 * time.Minute)})
	if err != nil || existed {
		t.Fatalf("pruned nonce should be new again, existed=%v err=%v", existed, err)
	}

	if _, err := backend.EnsureNonce(ctx, NonceRecord{Signer: "pawn1a"}); err == nil {
		t.Fatalf("expected incomplete record error")
	}
}
