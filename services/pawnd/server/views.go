package server

import (
	"nftpawn/crypto"
	"nftpawn/native/pawn"
)

// ConfigView is the JSON form of an administrator config.
type ConfigView struct {
	Address     string `json:"address"`
	Admin       string `json:"admin"`
	LoanAmount  uint64 `json:"loanAmount"`
	FeeBps      uint32 `json:"feeBps"`
	FundingMint string `json:"fundingMint"`
	Bump        uint8  `json:"bump"`
	CreatedAt   uint64 `json:"createdAt"`
}

// DetailView is the JSON form of one lend/repay cycle.
type DetailView struct {
	LoanID    uint64 `json:"loanId"`
	Borrower  string `json:"borrower"`
	Lender    string `json:"lender"`
	Amount    uint64 `json:"amount"`
	Fee       uint64 `json:"fee"`
	Status    string `json:"status"`
	Timestamp uint64 `json:"timestamp"`
	ClosedAt  uint64 `json:"closedAt,omitempty"`
}

// LoanView is the JSON form of a loan record.
type LoanView struct {
	Address    string       `json:"address"`
	Mint       string       `json:"mint"`
	Borrower   string       `json:"borrower"`
	Admin      string       `json:"admin"`
	Principal  uint64       `json:"principal"`
	State      string       `json:"state"`
	Cycles     uint64       `json:"cycles"`
	Bump       uint8        `json:"bump"`
	Escrow     string       `json:"escrow,omitempty"`
	EscrowBump uint8        `json:"escrowBump"`
	CreatedAt  uint64       `json:"createdAt"`
	Details    []DetailView `json:"details"`
}

// DerivedView answers /v1/derive lookups.
type DerivedView struct {
	Tag     string   `json:"tag"`
	Seeds   []string `json:"seeds"`
	Address string   `json:"address"`
	Bump    uint8    `json:"bump"`
}

// BalanceView reports a custody account balance.
type BalanceView struct {
	Owner  string `json:"owner"`
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

func newConfigView(cfg *pawn.Config) ConfigView {
	return ConfigView{
		Address:     cfg.AddressValue().String(),
		Admin:       cfg.AdminValue().String(),
		LoanAmount:  cfg.LoanAmount,
		FeeBps:      cfg.FeeBps,
		FundingMint: cfg.FundingMintValue().String(),
		Bump:        cfg.Bump,
		CreatedAt:   cfg.CreatedAt,
	}
}

func newLoanView(loan *pawn.Loan, escrow crypto.Address) LoanView {
	view := LoanView{
		Address:    loan.AddressValue().String(),
		Mint:       loan.MintValue().String(),
		Borrower:   loan.BorrowerValue().String(),
		Admin:      loan.AdminValue().String(),
		Principal:  loan.Principal,
		State:      loan.State.String(),
		Cycles:     loan.Cycles,
		Bump:       loan.Bump,
		Escrow:     escrow.String(),
		EscrowBump: loan.EscrowBump,
		CreatedAt:  loan.CreatedAt,
		Details:    make([]DetailView, 0, len(loan.Details)),
	}
	for i := range loan.Details {
		d := &loan.Details[i]
		view.Details = append(view.Details, DetailView{
			LoanID:    d.LoanID,
			Borrower:  d.BorrowerValue().String(),
			Lender:    d.LenderValue().String(),
			Amount:    d.Amount,
			Fee:       d.Fee,
			Status:    d.Status.String(),
			Timestamp: d.Timestamp,
			ClosedAt:  d.ClosedAt,
		})
	}
	return view
}
