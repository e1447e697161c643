package pawn

import (
	"errors"
	"fmt"
	"time"

	"nftpawn/core/events"
	"nftpawn/core/state"
	"nftpawn/crypto"
	nativecommon "nftpawn/native/common"
	"nftpawn/native/custody"
	"nftpawn/native/derive"
)

const moduleName = "pawn"

// CollateralUnits is the amount of a non-fungible mint moved into escrow.
const CollateralUnits = 1

var (
	configPrefix   = []byte("pawn/config/")
	loanPrefix     = []byte("pawn/loan/")
	loanIndexKey   = []byte("pawn/loans")
	configIndexKey = []byte("pawn/configs")
)

func recordKey(prefix []byte, a crypto.Address) []byte {
	key := make([]byte, len(prefix)+crypto.AddressLength)
	copy(key, prefix)
	copy(key[len(prefix):], a.Bytes())
	return key
}

type recordStore interface {
	custody.Store
	KVDelete(key []byte) error
	KVRemove(key []byte, value []byte) error
}

// Engine enforces the loan lifecycle Deposited -> Active -> Closed and moves
// collateral and funds through the custody ledger. Each mutating operation is
// a single atomic state update.
type Engine struct {
	state       *state.Manager
	deriver     *derive.Deriver
	admin       crypto.Address
	fundingMint crypto.Address
	policy      ReopenPolicy
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	nowFn       func() int64
}

// NewEngine creates an engine deriving addresses with deriver. The state
// backend, administrator and funding mint are configured with setters.
func NewEngine(deriver *derive.Deriver) *Engine {
	return &Engine{
		deriver: deriver,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(st *state.Manager) { e.state = st }

// SetAdministrator selects whose config governs new deposits.
func (e *Engine) SetAdministrator(admin crypto.Address) { e.admin = admin }

// Administrator returns the administrator governing new deposits.
func (e *Engine) Administrator() crypto.Address { return e.admin }

// SetFundingMint sets the mint recorded by InitializeConfig for principal and
// fee payments.
func (e *Engine) SetFundingMint(mint crypto.Address) { e.fundingMint = mint }

// SetReopenPolicy selects how deposits treat closed loan records.
func (e *Engine) SetReopenPolicy(p ReopenPolicy) { e.policy = p }

// ReopenPolicy returns the configured policy.
func (e *Engine) ReopenPolicy() ReopenPolicy { return e.policy }

// SetPauses wires the module pause switch.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets to a no-op emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Deriver exposes the address deriver so callers can recompute addresses.
func (e *Engine) Deriver() *derive.Deriver { return e.deriver }

// Custody returns a ledger view over committed state.
func (e *Engine) Custody() *custody.Ledger {
	return custody.NewLedger(e.state, e.deriver)
}

func (e *Engine) now() uint64 {
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) begin() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return fmt.Errorf("pawn: %w", err)
	}
	return nil
}

func loadConfig(store recordStore, a crypto.Address) (*Config, bool, error) {
	cfg := new(Config)
	ok, err := store.KVGet(recordKey(configPrefix, a), cfg)
	if err != nil || !ok {
		return nil, false, err
	}
	return cfg, true, nil
}

func loadLoan(store recordStore, a crypto.Address) (*Loan, bool, error) {
	loan := new(Loan)
	ok, err := store.KVGet(recordKey(loanPrefix, a), loan)
	if err != nil || !ok {
		return nil, false, err
	}
	return loan, true, nil
}

// custodyError classifies a custody failure. shortfall is the kind reported
// when the debited account is too small.
func custodyError(op string, err error, shortfall error) error {
	switch {
	case errors.Is(err, custody.ErrInsufficientBalance):
		return newError(op, shortfall, "%v", err)
	case errors.Is(err, custody.ErrUnauthorized):
		return newError(op, ErrUnauthorized, "%v", err)
	case errors.Is(err, custody.ErrMintNotFound):
		return newError(op, ErrNotFound, "%v", err)
	case errors.Is(err, custody.ErrBalanceOverflow), errors.Is(err, custody.ErrInvalidAmount):
		return newError(op, ErrInvalidInput, "%v", err)
	default:
		return fmt.Errorf("pawn: %s: %w", op, err)
	}
}

// loanForUpdate re-derives the loan address from the stored (borrower, mint)
// pair and loads the governing config.
func (e *Engine) loanForUpdate(op string, tx recordStore, loanAddr crypto.Address) (*Loan, *Config, error) {
	if err := requireIdentity(op, "loan", loanAddr); err != nil {
		return nil, nil, err
	}
	loan, ok, err := loadLoan(tx, loanAddr)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, newError(op, ErrWrongState, "loan %s is %s", loanAddr, LoanUninitialized)
	}
	derived, _, err := e.FindLoanAddress(loan.BorrowerValue(), loan.MintValue())
	if err != nil {
		return nil, nil, err
	}
	if !derived.Equal(loanAddr) {
		return nil, nil, newError(op, ErrFatal, "loan record at %s derives to %s", loanAddr, derived)
	}
	cfgAddr, _, err := e.FindConfigAddress(loan.AdminValue())
	if err != nil {
		return nil, nil, err
	}
	cfg, ok, err := loadConfig(tx, cfgAddr)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, newError(op, ErrNotFound, "no config for administrator %s", loan.AdminValue())
	}
	return loan, cfg, nil
}

// Deposit moves one unit of the non-fungible mint from the borrower into the
// escrow of the loan derived from (borrower, mint) and records the loan as
// Deposited under the engine administrator's terms.
func (e *Engine) Deposit(borrower, mint crypto.Address) (*Loan, error) {
	const op = "deposit"
	if err := e.begin(); err != nil {
		return nil, err
	}
	if err := requireIdentity(op, "borrower", borrower); err != nil {
		return nil, err
	}
	if err := requireIdentity(op, "mint", mint); err != nil {
		return nil, err
	}
	var (
		loan     *Loan
		reopened bool
	)
	err := e.state.Atomic(func(tx *state.Manager) error {
		ledger := custody.NewLedger(tx, e.deriver)

		cfgAddr, _, err := e.FindConfigAddress(e.admin)
		if err != nil {
			return err
		}
		cfg, ok, err := loadConfig(tx, cfgAddr)
		if err != nil {
			return err
		}
		if !ok {
			return newError(op, ErrNotFound, "no config for administrator %s", e.admin)
		}

		info, err := ledger.MintInfo(mint)
		if err != nil {
			return custodyError(op, err, ErrInsufficientCollateral)
		}
		if !info.NonFungible() {
			return newError(op, ErrInvalidInput, "mint %s is fungible (decimals %d, max supply %d)", mint, info.Decimals, info.MaxSupply)
		}

		loanAddr, bump, err := e.FindLoanAddress(borrower, mint)
		if err != nil {
			return err
		}
		existing, exists, err := loadLoan(tx, loanAddr)
		if err != nil {
			return err
		}
		var cycles uint64
		if exists {
			if existing.State != LoanClosed {
				return newError(op, ErrAddressCollision, "loan %s is %s", loanAddr, existing.State)
			}
			if e.policy != ReopenReset {
				return newError(op, ErrAddressCollision, "loan %s is closed and must be archived before reuse", loanAddr)
			}
			cycles = existing.Cycles
			reopened = true
		}

		balance, err := ledger.BalanceOf(borrower, mint)
		if err != nil {
			return err
		}
		if balance < CollateralUnits {
			return newError(op, ErrInsufficientCollateral, "%s holds no %s", borrower, mint)
		}

		escrow, err := e.FindEscrowAuthority(loanAddr)
		if err != nil {
			return err
		}
		if _, err := ledger.OpenProgramAccount(escrow, mint); err != nil {
			return custodyError(op, err, ErrInsufficientCollateral)
		}
		if err := ledger.Transfer(mint, custody.Signed(borrower), escrow.Address, CollateralUnits); err != nil {
			return custodyError(op, err, ErrInsufficientCollateral)
		}

		loan = &Loan{
			Address:    loanAddr.Bytes(),
			Mint:       append([]byte(nil), mint.Bytes()...),
			Borrower:   append([]byte(nil), borrower.Bytes()...),
			Admin:      append([]byte(nil), cfg.Admin...),
			Principal:  cfg.LoanAmount,
			State:      LoanDeposited,
			Details:    []LoanDetail{},
			Cycles:     cycles,
			Bump:       bump,
			EscrowBump: escrow.Bump,
			CreatedAt:  e.now(),
		}
		if err := tx.KVPut(recordKey(loanPrefix, loanAddr), loan); err != nil {
			return err
		}
		return tx.KVAppend(loanIndexKey, loanAddr.Bytes())
	})
	if err != nil {
		return nil, err
	}
	e.emit(newDepositedEvent(loan, reopened))
	return loan.Clone(), nil
}

// Lend disburses the loan principal from lender to borrower and opens a new
// loan cycle.
func (e *Engine) Lend(loanAddr, lender crypto.Address) (*Loan, error) {
	const op = "lend"
	if err := e.begin(); err != nil {
		return nil, err
	}
	if err := requireIdentity(op, "lender", lender); err != nil {
		return nil, err
	}
	var loan *Loan
	err := e.state.Atomic(func(tx *state.Manager) error {
		current, cfg, err := e.loanForUpdate(op, tx, loanAddr)
		if err != nil {
			return err
		}
		if current.State != LoanDeposited {
			return newError(op, ErrWrongState, "loan %s is %s, want %s", loanAddr, current.State, LoanDeposited)
		}
		if lender.Equal(current.BorrowerValue()) {
			return newError(op, ErrInvalidInput, "lender must differ from borrower")
		}
		ledger := custody.NewLedger(tx, e.deriver)
		funding := cfg.FundingMintValue()
		balance, err := ledger.BalanceOf(lender, funding)
		if err != nil {
			return err
		}
		if balance < current.Principal {
			return newError(op, ErrInsufficientFunds, "%s holds %d, needs %d", lender, balance, current.Principal)
		}
		if err := ledger.Transfer(funding, custody.Signed(lender), current.BorrowerValue(), current.Principal); err != nil {
			return custodyError(op, err, ErrInsufficientFunds)
		}

		current.Cycles++
		current.Details = append(current.Details, LoanDetail{
			LoanID:    current.Cycles,
			Borrower:  append([]byte(nil), current.Borrower...),
			Lender:    append([]byte(nil), lender.Bytes()...),
			Amount:    current.Principal,
			Status:    DetailActive,
			Timestamp: e.now(),
		})
		current.State = LoanActive
		loan = current
		return tx.KVPut(recordKey(loanPrefix, loanAddr), current)
	})
	if err != nil {
		return nil, err
	}
	e.emit(newFundedEvent(loan))
	return loan.Clone(), nil
}

// Repay settles the open cycle: the borrower pays principal plus fee to the
// lender and the escrowed collateral returns to the borrower.
func (e *Engine) Repay(loanAddr, repayer crypto.Address) (*Loan, error) {
	const op = "repay"
	if err := e.begin(); err != nil {
		return nil, err
	}
	if err := requireIdentity(op, "repayer", repayer); err != nil {
		return nil, err
	}
	var loan *Loan
	err := e.state.Atomic(func(tx *state.Manager) error {
		current, cfg, err := e.loanForUpdate(op, tx, loanAddr)
		if err != nil {
			return err
		}
		if current.State != LoanActive {
			return newError(op, ErrWrongState, "loan %s is %s, want %s", loanAddr, current.State, LoanActive)
		}
		detail, ok := current.LastDetail()
		if !ok || detail.Status != DetailActive {
			return newError(op, ErrFatal, "active loan %s has no open cycle", loanAddr)
		}
		if !repayer.Equal(current.BorrowerValue()) {
			return newError(op, ErrUnauthorized, "only the borrower may repay")
		}
		fee, total, err := ComputeFee(detail.Amount, cfg.FeeBps)
		if err != nil {
			return &Error{Op: op, Kind: err, Reason: fmt.Sprintf("principal %d at %d bps", detail.Amount, cfg.FeeBps)}
		}

		ledger := custody.NewLedger(tx, e.deriver)
		funding := cfg.FundingMintValue()
		balance, err := ledger.BalanceOf(repayer, funding)
		if err != nil {
			return err
		}
		if balance < total {
			return newError(op, ErrInsufficientFunds, "%s holds %d, needs %d", repayer, balance, total)
		}
		if err := ledger.Transfer(funding, custody.Signed(repayer), detail.LenderValue(), total); err != nil {
			return custodyError(op, err, ErrInsufficientFunds)
		}

		escrow, err := e.FindEscrowAuthority(loanAddr)
		if err != nil {
			return err
		}
		if err := ledger.Transfer(current.MintValue(), escrow, current.BorrowerValue(), CollateralUnits); err != nil {
			return custodyError(op, err, ErrFatal)
		}

		detail.Status = DetailClosed
		detail.Fee = fee
		detail.ClosedAt = e.now()
		current.State = LoanClosed
		loan = current
		return tx.KVPut(recordKey(loanPrefix, loanAddr), current)
	})
	if err != nil {
		return nil, err
	}
	e.emit(newRepaidEvent(loan))
	return loan.Clone(), nil
}

// Archive deletes a closed loan record so that the (borrower, mint) address
// can take a fresh deposit under ReopenForbid.
func (e *Engine) Archive(loanAddr, caller crypto.Address) (*Loan, error) {
	const op = "archive"
	if err := e.begin(); err != nil {
		return nil, err
	}
	if err := requireIdentity(op, "caller", caller); err != nil {
		return nil, err
	}
	var loan *Loan
	err := e.state.Atomic(func(tx *state.Manager) error {
		current, _, err := e.loanForUpdate(op, tx, loanAddr)
		if err != nil {
			return err
		}
		if current.State != LoanClosed {
			return newError(op, ErrWrongState, "loan %s is %s, want %s", loanAddr, current.State, LoanClosed)
		}
		if !caller.Equal(current.BorrowerValue()) {
			return newError(op, ErrUnauthorized, "only the borrower may archive")
		}
		if err := tx.KVDelete(recordKey(loanPrefix, loanAddr)); err != nil {
			return err
		}
		loan = current
		return tx.KVRemove(loanIndexKey, loanAddr.Bytes())
	})
	if err != nil {
		return nil, err
	}
	e.emit(newArchivedEvent(loan))
	return loan.Clone(), nil
}
