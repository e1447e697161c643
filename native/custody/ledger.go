// Package custody keeps token balances for mints and their holders. Every
// account lives at an address derived from (owner, mint) and accounts owned by
// derived addresses can only be debited with a matching derive.Capability.
package custody

import (
	"errors"
	"fmt"
	"math"

	"nftpawn/crypto"
	"nftpawn/native/derive"
)

const (
	tagMint    = "mint"
	tagAccount = "token-account"
)

var (
	ErrNilStore            = errors.New("custody: state not configured")
	ErrMintExists          = errors.New("custody: mint already exists")
	ErrMintNotFound        = errors.New("custody: mint not found")
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	ErrUnauthorized        = errors.New("custody: unauthorized")
	ErrSupplyExceeded      = errors.New("custody: max supply exceeded")
	ErrBalanceOverflow     = errors.New("custody: balance overflow")
	ErrInvalidAmount       = errors.New("custody: amount must be positive")
	ErrInvalidMint         = errors.New("custody: invalid mint parameters")
)

var (
	mintPrefix    = []byte("custody/mint/")
	accountPrefix = []byte("custody/account/")
	mintIndexKey  = []byte("custody/mints")
)

// Store is the record persistence used by the ledger. *state.Manager satisfies
// it.
type Store interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Ledger implements token custody over a Store.
type Ledger struct {
	store   Store
	deriver *derive.Deriver
}

// NewLedger binds a ledger to a store and the program's deriver.
func NewLedger(store Store, deriver *derive.Deriver) *Ledger {
	return &Ledger{store: store, deriver: deriver}
}

func prefixed(prefix, addr []byte) []byte {
	key := make([]byte, len(prefix)+len(addr))
	copy(key, prefix)
	copy(key[len(prefix):], addr)
	return key
}

// MintAddress derives the address of the mint labelled label under authority.
func (l *Ledger) MintAddress(authority crypto.Address, label string) (crypto.Address, uint8, error) {
	return l.deriver.Find(tagMint, authority.Bytes(), []byte(label))
}

// AccountAddress derives the token account of owner for mint.
func (l *Ledger) AccountAddress(owner, mint crypto.Address) (crypto.Address, uint8, error) {
	return l.deriver.Find(tagAccount, owner.Bytes(), mint.Bytes())
}

// CreateMint registers a new token class. maxSupply of zero means uncapped.
func (l *Ledger) CreateMint(authority crypto.Address, label string, decimals uint8, maxSupply uint64) (*Mint, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	if authority.IsZero() {
		return nil, fmt.Errorf("%w: authority required", ErrInvalidMint)
	}
	if label == "" {
		return nil, fmt.Errorf("%w: label required", ErrInvalidMint)
	}
	if decimals > 18 {
		return nil, fmt.Errorf("%w: decimals %d exceeds 18", ErrInvalidMint, decimals)
	}
	addr, bump, err := l.MintAddress(authority, label)
	if err != nil {
		return nil, err
	}
	key := prefixed(mintPrefix, addr.Bytes())
	exists, err := l.store.KVGet(key, nil)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrMintExists, addr)
	}
	mint := &Mint{
		Address:   addr.Bytes(),
		Authority: append([]byte(nil), authority.Bytes()...),
		Label:     label,
		Decimals:  decimals,
		MaxSupply: maxSupply,
		Bump:      bump,
	}
	if err := l.store.KVPut(key, mint); err != nil {
		return nil, err
	}
	if err := l.store.KVAppend(mintIndexKey, addr.Bytes()); err != nil {
		return nil, err
	}
	return mint.Clone(), nil
}

// MintInfo loads the mint stored at addr.
func (l *Ledger) MintInfo(addr crypto.Address) (*Mint, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	mint := new(Mint)
	ok, err := l.store.KVGet(prefixed(mintPrefix, addr.Bytes()), mint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMintNotFound, addr)
	}
	return mint, nil
}

// Mints lists every registered mint in registration order.
func (l *Ledger) Mints() ([]*Mint, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	var index [][]byte
	if err := l.store.KVGetList(mintIndexKey, &index); err != nil {
		return nil, err
	}
	out := make([]*Mint, 0, len(index))
	for _, raw := range index {
		addr, err := crypto.AddressFromBytes(raw)
		if err != nil {
			return nil, err
		}
		mint, err := l.MintInfo(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, mint)
	}
	return out, nil
}

func (l *Ledger) loadAccount(owner, mint crypto.Address) (*Account, crypto.Address, uint8, error) {
	addr, bump, err := l.AccountAddress(owner, mint)
	if err != nil {
		return nil, crypto.Address{}, 0, err
	}
	acct := new(Account)
	ok, err := l.store.KVGet(prefixed(accountPrefix, addr.Bytes()), acct)
	if err != nil {
		return nil, crypto.Address{}, 0, err
	}
	if !ok {
		return nil, addr, bump, nil
	}
	return acct, addr, bump, nil
}

func (l *Ledger) openAccount(owner, mint crypto.Address, programOwned bool) (*Account, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	if _, err := l.MintInfo(mint); err != nil {
		return nil, err
	}
	acct, addr, bump, err := l.loadAccount(owner, mint)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return acct, nil
	}
	acct = &Account{
		Address:      addr.Bytes(),
		Owner:        append([]byte(nil), owner.Bytes()...),
		Mint:         append([]byte(nil), mint.Bytes()...),
		ProgramOwned: programOwned,
		Bump:         bump,
	}
	if err := l.store.KVPut(prefixed(accountPrefix, addr.Bytes()), acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetOrCreateAccount returns owner's account for mint, opening an empty one on
// first use.
func (l *Ledger) GetOrCreateAccount(owner, mint crypto.Address) (*Account, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("custody: owner required")
	}
	return l.openAccount(owner, mint, false)
}

// OpenProgramAccount opens the account of a derived address. The capability is
// verified so only the program can create accounts it will later control.
func (l *Ledger) OpenProgramAccount(owner derive.Capability, mint crypto.Address) (*Account, error) {
	if l == nil || l.deriver == nil {
		return nil, ErrNilStore
	}
	if err := l.deriver.Verify(owner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	acct, err := l.openAccount(owner.Address, mint, true)
	if err != nil {
		return nil, err
	}
	if !acct.ProgramOwned {
		// Opened earlier by an incoming transfer. A derived owner has no key,
		// so the account can be claimed for the program.
		acct.ProgramOwned = true
		if err := l.store.KVPut(prefixed(accountPrefix, acct.Address), acct); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

// BalanceOf reports owner's balance of mint. Missing accounts hold zero.
func (l *Ledger) BalanceOf(owner, mint crypto.Address) (uint64, error) {
	if l == nil || l.store == nil {
		return 0, ErrNilStore
	}
	acct, _, _, err := l.loadAccount(owner, mint)
	if err != nil {
		return 0, err
	}
	if acct == nil {
		return 0, nil
	}
	return acct.Amount, nil
}

// Account returns owner's account for mint or false when it was never opened.
func (l *Ledger) Account(owner, mint crypto.Address) (*Account, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, ErrNilStore
	}
	acct, _, _, err := l.loadAccount(owner, mint)
	if err != nil {
		return nil, false, err
	}
	return acct, acct != nil, nil
}

func (l *Ledger) authorize(from Authority, acct *Account) error {
	if from == nil {
		return fmt.Errorf("%w: missing authority", ErrUnauthorized)
	}
	capability, isCapability := from.(derive.Capability)
	if isCapability {
		if err := l.deriver.Verify(capability); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	if acct.ProgramOwned && !isCapability {
		return fmt.Errorf("%w: program account %s requires a capability", ErrUnauthorized, acct.AddressValue())
	}
	if !from.Owner().Equal(acct.OwnerValue()) {
		return fmt.Errorf("%w: %s does not own %s", ErrUnauthorized, from.Owner(), acct.AddressValue())
	}
	return nil
}

// MintTo issues amount new units of mint to the account of to.
func (l *Ledger) MintTo(mintAddr crypto.Address, authority Authority, to crypto.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	mint, err := l.MintInfo(mintAddr)
	if err != nil {
		return err
	}
	if authority == nil || !authority.Owner().Equal(mint.AuthorityValue()) {
		return fmt.Errorf("%w: not the mint authority of %s", ErrUnauthorized, mintAddr)
	}
	if mint.Supply > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	if mint.MaxSupply > 0 && mint.Supply+amount > mint.MaxSupply {
		return fmt.Errorf("%w: %d + %d > %d", ErrSupplyExceeded, mint.Supply, amount, mint.MaxSupply)
	}
	acct, err := l.GetOrCreateAccount(to, mintAddr)
	if err != nil {
		return err
	}
	if acct.Amount > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	acct.Amount += amount
	mint.Supply += amount
	if err := l.store.KVPut(prefixed(accountPrefix, acct.Address), acct); err != nil {
		return err
	}
	return l.store.KVPut(prefixed(mintPrefix, mint.Address), mint)
}

// Transfer moves amount units of mint from the authority's account to the
// account of to, opening the destination account when needed.
func (l *Ledger) Transfer(mintAddr crypto.Address, from Authority, to crypto.Address, amount uint64) error {
	if l == nil || l.store == nil {
		return ErrNilStore
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if from == nil {
		return fmt.Errorf("%w: missing authority", ErrUnauthorized)
	}
	if _, err := l.MintInfo(mintAddr); err != nil {
		return err
	}
	src, _, _, err := l.loadAccount(from.Owner(), mintAddr)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("%w: %s holds 0, needs %d", ErrInsufficientBalance, from.Owner(), amount)
	}
	if err := l.authorize(from, src); err != nil {
		return err
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, from.Owner(), src.Amount, amount)
	}
	if from.Owner().Equal(to) {
		return nil
	}
	dst, err := l.GetOrCreateAccount(to, mintAddr)
	if err != nil {
		return err
	}
	if dst.Amount > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	src.Amount -= amount
	dst.Amount += amount
	if err := l.store.KVPut(prefixed(accountPrefix, src.Address), src); err != nil {
		return err
	}
	return l.store.KVPut(prefixed(accountPrefix, dst.Address), dst)
}
