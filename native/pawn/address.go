package pawn

import (
	"errors"

	"nftpawn/crypto"
	"nftpawn/native/derive"
)

// Derivation namespaces.
const (
	TagConfig = "config"
	TagLoan   = "loan"
	TagEscrow = "escrow"
)

func derivationError(op string, err error) error {
	switch {
	case errors.Is(err, derive.ErrNoViableBump):
		return newError(op, ErrFatal, "%v", err)
	case errors.Is(err, derive.ErrInvalidSeeds):
		return newError(op, ErrInvalidInput, "%v", err)
	default:
		return newError(op, ErrFatal, "%v", err)
	}
}

func requireIdentity(op, field string, a crypto.Address) error {
	if len(a.Bytes()) != crypto.AddressLength || a.IsZero() {
		return newError(op, ErrInvalidInput, "%s required", field)
	}
	return nil
}

// FindConfigAddress derives the config record address of admin.
func (e *Engine) FindConfigAddress(admin crypto.Address) (crypto.Address, uint8, error) {
	if err := requireIdentity("derive", "administrator", admin); err != nil {
		return crypto.Address{}, 0, err
	}
	a, bump, err := e.deriver.Find(TagConfig, admin.Bytes())
	if err != nil {
		return crypto.Address{}, 0, derivationError("derive", err)
	}
	return a, bump, nil
}

// FindLoanAddress derives the loan record address of (borrower, mint).
func (e *Engine) FindLoanAddress(borrower, mint crypto.Address) (crypto.Address, uint8, error) {
	if err := requireIdentity("derive", "borrower", borrower); err != nil {
		return crypto.Address{}, 0, err
	}
	if err := requireIdentity("derive", "mint", mint); err != nil {
		return crypto.Address{}, 0, err
	}
	a, bump, err := e.deriver.Find(TagLoan, borrower.Bytes(), mint.Bytes())
	if err != nil {
		return crypto.Address{}, 0, derivationError("derive", err)
	}
	return a, bump, nil
}

// FindEscrowAuthority derives the capability that owns the escrow account of
// the loan at loanAddr.
func (e *Engine) FindEscrowAuthority(loanAddr crypto.Address) (derive.Capability, error) {
	if err := requireIdentity("derive", "loan", loanAddr); err != nil {
		return derive.Capability{}, err
	}
	capability, err := e.deriver.Capability(TagEscrow, loanAddr.Bytes())
	if err != nil {
		return derive.Capability{}, derivationError("derive", err)
	}
	return capability, nil
}
