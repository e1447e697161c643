package custody

import (
	"nftpawn/crypto"
)

// Mint describes a token class. A mint with zero decimals and a max supply of
// one is a non-fungible token.
type Mint struct {
	Address   []byte
	Authority []byte
	Label     string
	Decimals  uint8
	MaxSupply uint64
	Supply    uint64
	Bump      uint8
}

// NonFungible reports whether the mint can only ever issue a single
// indivisible unit.
func (m *Mint) NonFungible() bool {
	return m != nil && m.Decimals == 0 && m.MaxSupply == 1
}

// AddressValue returns the mint address.
func (m *Mint) AddressValue() crypto.Address {
	return crypto.NewAddress(crypto.PawnPrefix, m.Address)
}

// AuthorityValue returns the address allowed to mint new supply.
func (m *Mint) AuthorityValue() crypto.Address {
	return crypto.NewAddress(crypto.PawnPrefix, m.Authority)
}

// Clone returns a deep copy of the mint.
func (m *Mint) Clone() *Mint {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Address = append([]byte(nil), m.Address...)
	clone.Authority = append([]byte(nil), m.Authority...)
	return &clone
}

// Account holds an owner's balance of one mint. Its address is derived from
// (owner, mint) so there is exactly one account per pair.
type Account struct {
	Address []byte
	Owner   []byte
	Mint    []byte
	Amount  uint64
	// ProgramOwned accounts belong to a derived address and only move under
	// a verified capability.
	ProgramOwned bool
	Bump         uint8
}

// AddressValue returns the account address.
func (a *Account) AddressValue() crypto.Address {
	return crypto.NewAddress(crypto.PawnPrefix, a.Address)
}

// OwnerValue returns the account owner.
func (a *Account) OwnerValue() crypto.Address {
	return crypto.NewAddress(crypto.PawnPrefix, a.Owner)
}

// MintValue returns the mint held by the account.
func (a *Account) MintValue() crypto.Address {
	return crypto.NewAddress(crypto.PawnPrefix, a.Mint)
}

// Authority authorises movements out of an account.
type Authority interface {
	Owner() crypto.Address
}

// Signed is an authority whose identity was proven by a signature verified
// before the request reached the ledger.
type Signed crypto.Address

// Owner implements Authority.
func (s Signed) Owner() crypto.Address {
	return crypto.Address(s)
}
