package pawn

import (
	"nftpawn/core/state"
	"nftpawn/crypto"
	"nftpawn/native/custody"
)

// InitializeConfig records the lending terms of admin. A config can be created
// once per administrator; later calls fail with ErrAddressCollision and leave
// the stored record untouched.
func (e *Engine) InitializeConfig(admin crypto.Address, loanAmount uint64, feeBps uint32) (*Config, error) {
	const op = "initialize"
	if err := e.begin(); err != nil {
		return nil, err
	}
	if err := requireIdentity(op, "administrator", admin); err != nil {
		return nil, err
	}
	if feeBps > MaxFeeBps {
		return nil, newError(op, ErrInvalidInput, "fee %d bps outside [0, %d]", feeBps, MaxFeeBps)
	}
	if loanAmount == 0 {
		return nil, newError(op, ErrInvalidInput, "loan amount must be positive")
	}
	if err := requireIdentity(op, "funding mint", e.fundingMint); err != nil {
		return nil, err
	}
	var cfg *Config
	err := e.state.Atomic(func(tx *state.Manager) error {
		if _, err := custody.NewLedger(tx, e.deriver).MintInfo(e.fundingMint); err != nil {
			return custodyError(op, err, ErrInvalidInput)
		}
		cfgAddr, bump, err := e.FindConfigAddress(admin)
		if err != nil {
			return err
		}
		exists, err := tx.KVGet(recordKey(configPrefix, cfgAddr), nil)
		if err != nil {
			return err
		}
		if exists {
			return newError(op, ErrAddressCollision, "config for %s already exists at %s", admin, cfgAddr)
		}
		cfg = &Config{
			Address:     cfgAddr.Bytes(),
			Admin:       append([]byte(nil), admin.Bytes()...),
			LoanAmount:  loanAmount,
			FeeBps:      feeBps,
			FundingMint: append([]byte(nil), e.fundingMint.Bytes()...),
			Bump:        bump,
			CreatedAt:   e.now(),
		}
		if err := tx.KVPut(recordKey(configPrefix, cfgAddr), cfg); err != nil {
			return err
		}
		return tx.KVAppend(configIndexKey, cfgAddr.Bytes())
	})
	if err != nil {
		return nil, err
	}
	e.emit(newConfigInitializedEvent(cfg))
	return cfg.Clone(), nil
}

// GetConfig loads the config of admin by re-deriving its address.
func (e *Engine) GetConfig(admin crypto.Address) (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfgAddr, _, err := e.FindConfigAddress(admin)
	if err != nil {
		return nil, err
	}
	cfg, ok, err := loadConfig(e.state, cfgAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError("get config", ErrNotFound, "no config for administrator %s", admin)
	}
	return cfg, nil
}
