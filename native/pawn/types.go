package pawn

import (
	"fmt"
	"strings"

	"nftpawn/crypto"
)

// LoanState is the lifecycle position of a loan record. Uninitialized is
// never stored; it is the state of an address without a record.
type LoanState uint8

const (
	LoanUninitialized LoanState = iota
	LoanDeposited
	LoanActive
	LoanClosed
)

func (s LoanState) String() string {
	switch s {
	case LoanUninitialized:
		return "uninitialized"
	case LoanDeposited:
		return "deposited"
	case LoanActive:
		return "active"
	case LoanClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the state value is within the supported range.
func (s LoanState) Valid() bool {
	return s <= LoanClosed
}

// DetailStatus marks whether a loan cycle is still open.
type DetailStatus uint8

const (
	DetailActive DetailStatus = iota
	DetailClosed
)

func (s DetailStatus) String() string {
	switch s {
	case DetailActive:
		return "active"
	case DetailClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ReopenPolicy decides what a deposit does when it lands on a closed loan.
type ReopenPolicy uint8

const (
	// ReopenForbid rejects the deposit until the borrower archives the
	// closed record.
	ReopenForbid ReopenPolicy = iota
	// ReopenReset reuses the closed record and clears its history.
	ReopenReset
)

func (p ReopenPolicy) String() string {
	switch p {
	case ReopenForbid:
		return "forbid"
	case ReopenReset:
		return "reset"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseReopenPolicy accepts "forbid" or "reset" (case-insensitive). The empty
// string selects ReopenForbid.
func ParseReopenPolicy(raw string) (ReopenPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "forbid":
		return ReopenForbid, nil
	case "reset":
		return ReopenReset, nil
	default:
		return ReopenForbid, fmt.Errorf("pawn: unknown reopen policy %q", raw)
	}
}

// Config holds the lending terms of one administrator.
type Config struct {
	Address     []byte
	Admin       []byte
	LoanAmount  uint64
	FeeBps      uint32
	FundingMint []byte
	Bump        uint8
	CreatedAt   uint64
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Address = append([]byte(nil), c.Address...)
	clone.Admin = append([]byte(nil), c.Admin...)
	clone.FundingMint = append([]byte(nil), c.FundingMint...)
	return &clone
}

// LoanDetail records one lend/repay cycle.
type LoanDetail struct {
	LoanID    uint64
	Borrower  []byte
	Lender    []byte
	Amount    uint64
	Fee       uint64
	Status    DetailStatus
	Timestamp uint64
	ClosedAt  uint64
}

// Loan tracks one (borrower, collateral mint) pair.
type Loan struct {
	Address    []byte
	Mint       []byte
	Borrower   []byte
	Admin      []byte
	Principal  uint64
	State      LoanState
	Details    []LoanDetail
	Cycles     uint64
	Bump       uint8
	EscrowBump uint8
	CreatedAt  uint64
}

// Active reports whether funds are currently disbursed against the loan.
func (l *Loan) Active() bool {
	return l != nil && l.State == LoanActive
}

// LastDetail returns the most recent cycle, if any.
func (l *Loan) LastDetail() (*LoanDetail, bool) {
	if l == nil || len(l.Details) == 0 {
		return nil, false
	}
	return &l.Details[len(l.Details)-1], true
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Address = append([]byte(nil), l.Address...)
	clone.Mint = append([]byte(nil), l.Mint...)
	clone.Borrower = append([]byte(nil), l.Borrower...)
	clone.Admin = append([]byte(nil), l.Admin...)
	clone.Details = make([]LoanDetail, len(l.Details))
	for i, d := range l.Details {
		d.Borrower = append([]byte(nil), d.Borrower...)
		d.Lender = append([]byte(nil), d.Lender...)
		clone.Details[i] = d
	}
	return &clone
}

func addr(b []byte) crypto.Address {
	if len(b) != crypto.AddressLength {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.PawnPrefix, b)
}

// AddressValue returns the derived address of the loan.
func (l *Loan) AddressValue() crypto.Address { return addr(l.Address) }

// MintValue returns the collateral mint.
func (l *Loan) MintValue() crypto.Address { return addr(l.Mint) }

// BorrowerValue returns the borrower identity.
func (l *Loan) BorrowerValue() crypto.Address { return addr(l.Borrower) }

// AdminValue returns the administrator whose config governs the loan.
func (l *Loan) AdminValue() crypto.Address { return addr(l.Admin) }

// AddressValue returns the derived address of the config.
func (c *Config) AddressValue() crypto.Address { return addr(c.Address) }

// AdminValue returns the administrator identity.
func (c *Config) AdminValue() crypto.Address { return addr(c.Admin) }

// FundingMintValue returns the mint principal and fees are paid in.
func (c *Config) FundingMintValue() crypto.Address { return addr(c.FundingMint) }

// LenderValue returns the lender of the cycle.
func (d *LoanDetail) LenderValue() crypto.Address { return addr(d.Lender) }

// BorrowerValue returns the borrower of the cycle.
func (d *LoanDetail) BorrowerValue() crypto.Address { return addr(d.Borrower) }
