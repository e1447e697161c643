package pawn

import (
	"strconv"

	"nftpawn/core/types"
)

const (
	EventTypeConfigInitialized = "pawn.config.initialized"
	EventTypeLoanDeposited     = "pawn.loan.deposited"
	EventTypeLoanFunded        = "pawn.loan.funded"
	EventTypeLoanRepaid        = "pawn.loan.repaid"
	EventTypeLoanArchived      = "pawn.loan.archived"
)

type pawnEvent struct {
	evt *types.Event
}

func (e pawnEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e pawnEvent) Event() *types.Event { return e.evt }

func newConfigInitializedEvent(cfg *Config) pawnEvent {
	evt := types.NewEvent(EventTypeConfigInitialized).
		With("config", cfg.AddressValue().String()).
		With("admin", cfg.AdminValue().String()).
		With("loanAmount", strconv.FormatUint(cfg.LoanAmount, 10)).
		With("feeBps", strconv.FormatUint(uint64(cfg.FeeBps), 10)).
		With("fundingMint", cfg.FundingMintValue().String())
	return pawnEvent{evt: evt}
}

func newLoanEvent(eventType string, loan *Loan) *types.Event {
	return types.NewEvent(eventType).
		With("loan", loan.AddressValue().String()).
		With("borrower", loan.BorrowerValue().String()).
		With("mint", loan.MintValue().String()).
		With("state", loan.State.String()).
		With("principal", strconv.FormatUint(loan.Principal, 10))
}

func newDepositedEvent(loan *Loan, reopened bool) pawnEvent {
	evt := newLoanEvent(EventTypeLoanDeposited, loan)
	if reopened {
		evt.With("reopened", "true")
	}
	return pawnEvent{evt: evt}
}

func newFundedEvent(loan *Loan) pawnEvent {
	evt := newLoanEvent(EventTypeLoanFunded, loan)
	if detail, ok := loan.LastDetail(); ok {
		evt.With("lender", detail.LenderValue().String()).
			With("loanId", strconv.FormatUint(detail.LoanID, 10))
	}
	return pawnEvent{evt: evt}
}

func newRepaidEvent(loan *Loan) pawnEvent {
	evt := newLoanEvent(EventTypeLoanRepaid, loan)
	if detail, ok := loan.LastDetail(); ok {
		evt.With("lender", detail.LenderValue().String()).
			With("loanId", strconv.FormatUint(detail.LoanID, 10)).
			With("fee", strconv.FormatUint(detail.Fee, 10))
	}
	return pawnEvent{evt: evt}
}

func newArchivedEvent(loan *Loan) pawnEvent {
	return pawnEvent{evt: newLoanEvent(EventTypeLoanArchived, loan)}
}
