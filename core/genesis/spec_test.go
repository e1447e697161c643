package genesis

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nftpawn/core/state"
	"nftpawn/crypto"
	"nftpawn/native/custody"
	"nftpawn/native/derive"
	"nftpawn/native/pawn"
	"nftpawn/storage"
)

func testAccount(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.PawnPrefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func sampleSpec() GenesisSpec {
	admin := testAccount(0xA1).String()
	return GenesisSpec{
		GenesisTime: "2026-01-01T00:00:00Z",
		Mints: []MintSpec{
			{Label: "usd", Authority: admin, Decimals: 6},
			{Label: "ape-1", Authority: admin, Decimals: 0, MaxSupply: 1},
		},
		Alloc: map[string]map[string]uint64{
			testAccount(0xB1).String(): {"ape-1": 1, "usd": 10_000_000},
			testAccount(0xC1).String(): {"usd": 5_000_000_000},
		},
		FundingMint: "usd",
		Configs: []ConfigSpec{
			{Admin: admin, LoanAmount: 1_000_000_000, FeeBps: 30},
		},
	}
}

func writeSpec(t *testing.T, spec GenesisSpec) string {
	t.Helper()
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	path := filepath.Join(t.TempDir(), "genesis.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func TestApplyGenesisSeedsState(t *testing.T) {
	spec, err := LoadGenesisSpec(writeSpec(t, sampleSpec()))
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	db := storage.NewMemDB()
	defer db.Close()
	st := state.NewManager(db)
	deriver := derive.New(testAccount(0xEE))

	res, err := Apply(st, deriver, spec)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Applied {
		t.Fatalf("expected first apply to initialise state")
	}
	ledger := custody.NewLedger(st, deriver)
	nft, err := ledger.MintInfo(res.Mints["ape-1"])
	if err != nil {
		t.Fatalf("nft mint: %v", err)
	}
	if !nft.NonFungible() || nft.Supply != 1 {
		t.Fatalf("unexpected nft mint: %+v", nft)
	}
	bal, err := ledger.BalanceOf(testAccount(0xC1), res.FundingMint)
	if err != nil || bal != 5_000_000_000 {
		t.Fatalf("lender balance %d, %v", bal, err)
	}

	engine := pawn.NewEngine(deriver)
	engine.SetState(st)
	cfg, err := engine.GetConfig(testAccount(0xA1))
	if err != nil {
		t.Fatalf("genesis config: %v", err)
	}
	if cfg.LoanAmount != 1_000_000_000 || cfg.FeeBps != 30 || !cfg.FundingMintValue().Equal(res.FundingMint) {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.CreatedAt != uint64(spec.GenesisTimestamp().Unix()) {
		t.Fatalf("config timestamp %d", cfg.CreatedAt)
	}

	again, err := Apply(st, deriver, spec)
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if again.Applied {
		t.Fatalf("second apply must be a no-op")
	}
	if again.FundingMint.String() != res.FundingMint.String() {
		t.Fatalf("funding mint changed across applies")
	}
}

func TestApplyRejectsDifferentDocument(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	st := state.NewManager(db)
	deriver := derive.New(testAccount(0xEE))

	first, err := LoadGenesisSpec(writeSpec(t, sampleSpec()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Apply(st, deriver, first); err != nil {
		t.Fatalf("apply: %v", err)
	}
	changed := sampleSpec()
	changed.Configs[0].FeeBps = 50
	second, err := LoadGenesisSpec(writeSpec(t, changed))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Apply(st, deriver, second); err == nil || !strings.Contains(err.Error(), "different genesis") {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestApplyIsAtomic(t *testing.T) {
	parsed, err := LoadGenesisSpec(writeSpec(t, sampleSpec()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Duplicate admins pass parsing only when injected after validation.
	parsed.Configs = append(parsed.Configs, parsed.Configs[0])

	db := storage.NewMemDB()
	defer db.Close()
	st := state.NewManager(db)
	if _, err := Apply(st, derive.New(testAccount(0xEE)), parsed); err == nil {
		t.Fatalf("expected duplicate config to fail")
	}
	if db.Len() != 0 {
		t.Fatalf("failed genesis left %d keys behind", db.Len())
	}
}

func TestParseGenesisSpecValidation(t *testing.T) {
	cases := map[string]func(*GenesisSpec){
		"no mints":          func(s *GenesisSpec) { s.Mints = nil; s.Alloc = nil; s.Configs = nil; s.FundingMint = "" },
		"duplicate label":   func(s *GenesisSpec) { s.Mints = append(s.Mints, s.Mints[0]) },
		"bad authority":     func(s *GenesisSpec) { s.Mints[0].Authority = "nope" },
		"too many decimals": func(s *GenesisSpec) { s.Mints[0].Decimals = 19 },
		"unknown alloc mint": func(s *GenesisSpec) {
			s.Alloc[testAccount(0xB1).String()]["gold"] = 1
		},
		"over max supply": func(s *GenesisSpec) {
			s.Alloc[testAccount(0xC1).String()]["ape-1"] = 1
		},
		"unknown funding":  func(s *GenesisSpec) { s.FundingMint = "eur" },
		"config no fund":   func(s *GenesisSpec) { s.FundingMint = "" },
		"fee too high":     func(s *GenesisSpec) { s.Configs[0].FeeBps = 10_001 },
		"zero loan amount": func(s *GenesisSpec) { s.Configs[0].LoanAmount = 0 },
		"bad time":         func(s *GenesisSpec) { s.GenesisTime = "yesterday" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := sampleSpec()
			mutate(&spec)
			raw, err := json.Marshal(spec)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := ParseGenesisSpec(raw); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if _, err := ParseGenesisSpec([]byte(`{"mints":[],"surprise":true}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
}
