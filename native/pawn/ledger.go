package pawn

import (
	"nftpawn/crypto"
)

// Read-side queries. They observe committed state only and are never used to
// authorise a mutation.

// GetLoan loads the loan stored at loanAddr.
func (e *Engine) GetLoan(loanAddr crypto.Address) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := requireIdentity("get loan", "loan", loanAddr); err != nil {
		return nil, err
	}
	loan, ok, err := loadLoan(e.state, loanAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError("get loan", ErrNotFound, "no loan at %s", loanAddr)
	}
	return loan, nil
}

// GetAllLoans returns every live loan record in creation order. Loans that
// disappear between reading the index and the record are skipped.
func (e *Engine) GetAllLoans() ([]*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var index [][]byte
	if err := e.state.KVGetList(loanIndexKey, &index); err != nil {
		return nil, err
	}
	out := make([]*Loan, 0, len(index))
	for _, raw := range index {
		a, err := crypto.AddressFromBytes(raw)
		if err != nil {
			return nil, err
		}
		loan, ok, err := loadLoan(e.state, a)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, loan)
		}
	}
	return out, nil
}

// ConfigAt loads the config stored at the derived address cfgAddr.
func (e *Engine) ConfigAt(cfgAddr crypto.Address) (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := requireIdentity("get config", "config address", cfgAddr); err != nil {
		return nil, err
	}
	cfg, ok, err := loadConfig(e.state, cfgAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError("get config", ErrNotFound, "no config at %s", cfgAddr)
	}
	return cfg, nil
}

// GetAllConfigs returns every config in initialisation order.
func (e *Engine) GetAllConfigs() ([]*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var index [][]byte
	if err := e.state.KVGetList(configIndexKey, &index); err != nil {
		return nil, err
	}
	out := make([]*Config, 0, len(index))
	for _, raw := range index {
		a, err := crypto.AddressFromBytes(raw)
		if err != nil {
			return nil, err
		}
		cfg, ok, err := loadConfig(e.state, a)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// StateOf reports the lifecycle state at the address derived from
// (borrower, mint), including Uninitialized when no record exists.
func (e *Engine) StateOf(borrower, mint crypto.Address) (LoanState, error) {
	if e == nil || e.state == nil {
		return LoanUninitialized, errNilState
	}
	loanAddr, _, err := e.FindLoanAddress(borrower, mint)
	if err != nil {
		return LoanUninitialized, err
	}
	loan, ok, err := loadLoan(e.state, loanAddr)
	if err != nil {
		return LoanUninitialized, err
	}
	if !ok {
		return LoanUninitialized, nil
	}
	return loan.State, nil
}
