package genesis

import (
	"fmt"
	"sort"

	"nftpawn/core/state"
	"nftpawn/crypto"
	"nftpawn/native/custody"
	"nftpawn/native/derive"
	"nftpawn/native/pawn"
)

var markerKey = []byte("genesis/applied")

// marker records the genesis document a database was initialised from.
type marker struct {
	Digest    []byte
	AppliedAt uint64
}

// Result lists the mint addresses derived from a genesis document.
type Result struct {
	// Applied is false when the database had already been initialised.
	Applied     bool
	Mints       map[string]crypto.Address
	FundingMint crypto.Address
}

// Apply initialises st from spec in a single atomic unit: mints are created
// in label order, balances are minted owner by owner, then configs are
// initialised. A database that was already initialised from the same
// document is left untouched; a different document is rejected.
func Apply(st *state.Manager, deriver *derive.Deriver, spec *GenesisSpec) (*Result, error) {
	if st == nil || deriver == nil {
		return nil, fmt.Errorf("genesis: state and deriver required")
	}
	if spec == nil {
		return nil, fmt.Errorf("genesis: spec required")
	}
	ledger := custody.NewLedger(st, deriver)
	res := &Result{Mints: make(map[string]crypto.Address, len(spec.Mints))}
	for _, m := range spec.Mints {
		addr, _, err := ledger.MintAddress(m.authority, m.Label)
		if err != nil {
			return nil, fmt.Errorf("genesis: derive mint %q: %w", m.Label, err)
		}
		res.Mints[m.Label] = addr
	}
	if spec.FundingMint != "" {
		res.FundingMint = res.Mints[spec.FundingMint]
	}
	digest := spec.Digest()

	var existing marker
	found, err := st.KVGet(markerKey, &existing)
	if err != nil {
		return nil, fmt.Errorf("genesis: read marker: %w", err)
	}
	if found {
		if string(existing.Digest) != string(digest[:]) {
			return nil, fmt.Errorf("genesis: database initialised from a different genesis document")
		}
		return res, nil
	}

	err = st.Atomic(func(tx *state.Manager) error {
		txLedger := custody.NewLedger(tx, deriver)
		mints := append([]MintSpec(nil), spec.Mints...)
		sort.Slice(mints, func(i, j int) bool { return mints[i].Label < mints[j].Label })
		for _, m := range mints {
			if _, err := txLedger.CreateMint(m.authority, m.Label, m.Decimals, m.MaxSupply); err != nil {
				return fmt.Errorf("create mint %q: %w", m.Label, err)
			}
		}

		owners := make([]string, 0, len(spec.Alloc))
		for owner := range spec.Alloc {
			owners = append(owners, owner)
		}
		sort.Strings(owners)
		for _, owner := range owners {
			to, err := parseAccount(owner)
			if err != nil {
				return err
			}
			labels := make([]string, 0, len(spec.Alloc[owner]))
			for label := range spec.Alloc[owner] {
				labels = append(labels, label)
			}
			sort.Strings(labels)
			for _, label := range labels {
				m, _ := spec.mint(label)
				if err := txLedger.MintTo(res.Mints[label], custody.Signed(m.authority), to, spec.Alloc[owner][label]); err != nil {
					return fmt.Errorf("alloc %s %s: %w", owner, label, err)
				}
			}
		}

		if len(spec.Configs) > 0 {
			engine := pawn.NewEngine(deriver)
			engine.SetState(tx)
			engine.SetFundingMint(res.FundingMint)
			if ts := spec.GenesisTimestamp(); !ts.IsZero() {
				engine.SetNowFunc(func() int64 { return ts.Unix() })
			}
			for _, c := range spec.Configs {
				if _, err := engine.InitializeConfig(c.admin, c.LoanAmount, c.FeeBps); err != nil {
					return fmt.Errorf("config for %s: %w", c.admin, err)
				}
			}
		}

		var appliedAt uint64
		if ts := spec.GenesisTimestamp(); !ts.IsZero() && ts.Unix() > 0 {
			appliedAt = uint64(ts.Unix())
		}
		return tx.KVPut(markerKey, &marker{Digest: digest[:], AppliedAt: appliedAt})
	})
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	res.Applied = true
	return res, nil
}
