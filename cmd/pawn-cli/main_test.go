package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nftpawn/cmd/internal/passphrase"
	"nftpawn/core/state"
	"nftpawn/crypto"
	"nftpawn/gateway/auth"
	"nftpawn/native/custody"
	"nftpawn/native/derive"
	"nftpawn/native/pawn"
	"nftpawn/services/pawnd/server"
	"nftpawn/storage"
)

type cliHarness struct {
	dir      string
	admin    string
	borrower string
	lender   string
	funding  crypto.Address
	nft      crypto.Address
	lenderID crypto.Address
}

func useTestDefaults(t *testing.T) {
	t.Helper()
	origStrength, origPass, origServer := keystoreStrength, newPassphrase, serverURL
	keystoreStrength = crypto.LightKeystore
	newPassphrase = func(string) *passphrase.Source { return passphrase.Static("test-pass") }
	t.Cleanup(func() {
		keystoreStrength, newPassphrase, serverURL = origStrength, origPass, origServer
	})
}

func saveKey(t *testing.T, dir, name string) (string, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(dir, name+".json")
	if err := crypto.SaveToKeystoreWithStrength(path, key, "test-pass", crypto.LightKeystore); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	return path, key
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	useTestDefaults(t)
	h := &cliHarness{dir: t.TempDir()}
	adminPath, admin := saveKey(t, h.dir, "admin")
	borrowerPath, borrower := saveKey(t, h.dir, "borrower")
	lenderPath, lender := saveKey(t, h.dir, "lender")
	h.admin, h.borrower, h.lender = adminPath, borrowerPath, lenderPath
	h.lenderID = lender.PubKey().Address()

	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	deriver := derive.New(crypto.NewAddress(crypto.PawnPrefix, bytes.Repeat([]byte{0x17}, crypto.AddressLength)))
	ledger := custody.NewLedger(mgr, deriver)
	adminAddr := admin.PubKey().Address()
	usd, err := ledger.CreateMint(adminAddr, "usd", 6, 0)
	if err != nil {
		t.Fatalf("create mint: %v", err)
	}
	nft, err := ledger.CreateMint(adminAddr, "cat-9", 0, 1)
	if err != nil {
		t.Fatalf("create nft: %v", err)
	}
	h.funding, h.nft = usd.AddressValue(), nft.AddressValue()
	if err := ledger.MintTo(h.nft, custody.Signed(adminAddr), borrower.PubKey().Address(), 1); err != nil {
		t.Fatalf("mint nft: %v", err)
	}
	if err := ledger.MintTo(h.funding, custody.Signed(adminAddr), h.lenderID, 1_000); err != nil {
		t.Fatalf("fund lender: %v", err)
	}
	if err := ledger.MintTo(h.funding, custody.Signed(adminAddr), borrower.PubKey().Address(), 100); err != nil {
		t.Fatalf("fund borrower: %v", err)
	}

	engine := pawn.NewEngine(deriver)
	engine.SetState(mgr)
	engine.SetAdministrator(adminAddr)
	engine.SetFundingMint(h.funding)
	srv, err := server.New(server.Options{
		Engine:        engine,
		Authenticator: auth.NewAuthenticator(time.Minute, time.Minute, 256, nil, nil),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	serverURL = ts.URL
	return h
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func mustRun(t *testing.T, out any, args ...string) {
	t.Helper()
	code, stdout, stderr := runCLI(t, args...)
	if code != 0 {
		t.Fatalf("%v exited %d: %s", args, code, stderr)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(stdout), out); err != nil {
			t.Fatalf("%v output %q: %v", args, stdout, err)
		}
	}
}

func TestCLILifecycle(t *testing.T) {
	h := newCLIHarness(t)

	var cfg server.ConfigView
	mustRun(t, &cfg, "config", "init", "--keystore", h.admin, "--amount", "400", "--fee-bps", "250")
	if cfg.LoanAmount != 400 || cfg.FeeBps != 250 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	var loan server.LoanView
	mustRun(t, &loan, "deposit", "--keystore", h.borrower, "--mint", h.nft.String())
	if loan.State != "deposited" || loan.Escrow == "" {
		t.Fatalf("unexpected deposit: %+v", loan)
	}
	mustRun(t, &loan, "lend", "--keystore", h.lender, "--loan", loan.Address)
	if loan.State != "active" {
		t.Fatalf("expected active, got %s", loan.State)
	}
	mustRun(t, &loan, "repay", "--keystore", h.borrower, "--loan", loan.Address)
	if loan.State != "closed" || loan.Details[0].Fee != 10 {
		t.Fatalf("unexpected repay: %+v", loan)
	}

	var bal struct {
		Amount uint64 `json:"amount"`
	}
	mustRun(t, &bal, "balance", "--owner", h.lenderID.String(), "--mint", h.funding.String())
	if bal.Amount != 1_010 {
		t.Fatalf("lender balance %d", bal.Amount)
	}

	var loans []server.LoanView
	mustRun(t, &loans, "loans", "--state", "closed")
	if len(loans) != 1 || loans[0].Address != loan.Address {
		t.Fatalf("unexpected loans: %+v", loans)
	}

	mustRun(t, nil, "archive", "--keystore", h.borrower, "--loan", loan.Address)
	code, _, stderr := runCLI(t, "loan", "--address", loan.Address)
	if code != 1 || !strings.Contains(stderr, "not_found") || !strings.Contains(stderr, "HTTP 404") {
		t.Fatalf("expected not_found, got %d %q", code, stderr)
	}
}

func TestCLIDeriveMatchesDeposit(t *testing.T) {
	h := newCLIHarness(t)
	mustRun(t, nil, "config", "init", "--keystore", h.admin, "--amount", "10", "--fee-bps", "0")

	code, stdout, stderr := runCLI(t, "address", "--keystore", h.borrower)
	if code != 0 {
		t.Fatalf("address: %s", stderr)
	}
	borrower := strings.TrimSpace(stdout)

	var derived server.DerivedView
	mustRun(t, &derived, "derive", "--tag", pawn.TagLoan, "--seed", borrower, "--seed", h.nft.String())
	var loan server.LoanView
	mustRun(t, &loan, "deposit", "--keystore", h.borrower, "--mint", h.nft.String())
	if derived.Address != loan.Address {
		t.Fatalf("derived %s, deposited at %s", derived.Address, loan.Address)
	}
}

func TestCLIKeygen(t *testing.T) {
	useTestDefaults(t)
	path := filepath.Join(t.TempDir(), "new.json")
	var out struct {
		Address string `json:"address"`
	}
	mustRun(t, &out, "keygen", "--out", path)
	code, stdout, _ := runCLI(t, "address", "--keystore", path)
	if code != 0 || strings.TrimSpace(stdout) != out.Address {
		t.Fatalf("address mismatch: %q vs %q", stdout, out.Address)
	}
	if code, _, stderr := runCLI(t, "keygen", "--out", path); code != 1 || !strings.Contains(stderr, "already exists") {
		t.Fatalf("expected overwrite refusal, got %d %q", code, stderr)
	}
}

func TestCLIArgumentValidation(t *testing.T) {
	useTestDefaults(t)
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "Usage"},
		{"unknown", []string{"frobnicate"}, "Unknown command"},
		{"config without sub", []string{"config"}, "init or get"},
		{"deposit without mint", []string{"deposit", "--keystore", "k"}, "--mint is required"},
		{"lend bad loan", []string{"lend", "--keystore", "k", "--loan", "nope"}, "--loan"},
		{"fee too high", []string{"config", "init", "--amount", "1", "--fee-bps", "10001"}, "<= 10000"},
		{"zero amount", []string{"config", "init", "--fee-bps", "1"}, "--amount must be positive"},
		{"missing keystore", []string{"repay", "--loan", crypto.NewAddress(crypto.PawnPrefix, make([]byte, crypto.AddressLength)).String()}, "--keystore is required"},
		{"server without value", []string{"--server"}, "missing value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tc.args...)
			if code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			if !strings.Contains(stderr, tc.want) {
				t.Fatalf("stderr %q missing %q", stderr, tc.want)
			}
		})
	}
}
