package pawn

import (
	"bytes"
	"errors"
	"testing"

	"nftpawn/core/events"
	"nftpawn/core/state"
	"nftpawn/crypto"
	nativecommon "nftpawn/native/common"
	"nftpawn/native/custody"
	"nftpawn/native/derive"
	"nftpawn/storage"
)

const (
	testPrincipal = 1_000_000_000
	testFeeBps    = 30
	testFee       = 3_000_000
)

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) types() []string {
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

func newTestAddress(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.PawnPrefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

type fixture struct {
	t        *testing.T
	engine   *Engine
	ledger   *custody.Ledger
	emitter  *recordingEmitter
	admin    crypto.Address
	borrower crypto.Address
	lender   crypto.Address
	funding  crypto.Address
	nft      crypto.Address
}

func newFixture(t *testing.T, policy ReopenPolicy) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	deriver := derive.New(newTestAddress(0xEE))
	ledger := custody.NewLedger(mgr, deriver)

	f := &fixture{
		t:        t,
		ledger:   ledger,
		emitter:  &recordingEmitter{},
		admin:    newTestAddress(0xA1),
		borrower: newTestAddress(0xB1),
		lender:   newTestAddress(0xC1),
	}
	usd, err := ledger.CreateMint(f.admin, "usd", 6, 0)
	if err != nil {
		t.Fatalf("create funding mint: %v", err)
	}
	nft, err := ledger.CreateMint(f.admin, "ape-1", 0, 1)
	if err != nil {
		t.Fatalf("create nft: %v", err)
	}
	f.funding = usd.AddressValue()
	f.nft = nft.AddressValue()
	f.mint(f.nft, f.borrower, 1)
	f.mint(f.funding, f.lender, 2*testPrincipal)
	f.mint(f.funding, f.borrower, 10*testFee)

	f.engine = NewEngine(deriver)
	f.engine.SetState(mgr)
	f.engine.SetAdministrator(f.admin)
	f.engine.SetFundingMint(f.funding)
	f.engine.SetReopenPolicy(policy)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return 1_700_000_000 })

	if _, err := f.engine.InitializeConfig(f.admin, testPrincipal, testFeeBps); err != nil {
		t.Fatalf("initialize config: %v", err)
	}
	return f
}

func (f *fixture) mint(mint, to crypto.Address, amount uint64) {
	f.t.Helper()
	if err := f.ledger.MintTo(mint, custody.Signed(f.admin), to, amount); err != nil {
		f.t.Fatalf("mint to %s: %v", to, err)
	}
}

func (f *fixture) balance(owner, mint crypto.Address) uint64 {
	f.t.Helper()
	amount, err := f.ledger.BalanceOf(owner, mint)
	if err != nil {
		f.t.Fatalf("balance of %s: %v", owner, err)
	}
	return amount
}

func (f *fixture) escrowBalance(loanAddr crypto.Address) uint64 {
	f.t.Helper()
	escrow, err := f.engine.FindEscrowAuthority(loanAddr)
	if err != nil {
		f.t.Fatalf("escrow authority: %v", err)
	}
	return f.balance(escrow.Address, f.nft)
}

func (f *fixture) runCycle() *Loan {
	f.t.Helper()
	loan, err := f.engine.Deposit(f.borrower, f.nft)
	if err != nil {
		f.t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Lend(loan.AddressValue(), f.lender); err != nil {
		f.t.Fatalf("lend: %v", err)
	}
	closed, err := f.engine.Repay(loan.AddressValue(), f.borrower)
	if err != nil {
		f.t.Fatalf("repay: %v", err)
	}
	return closed
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	var opErr *Error
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *pawn.Error, got %T", err)
	}
}

func TestInitializeConfigOncePerAdmin(t *testing.T) {
	f := newFixture(t, ReopenForbid)

	before, err := f.engine.GetConfig(f.admin)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if before.LoanAmount != testPrincipal || before.FeeBps != testFeeBps {
		t.Fatalf("unexpected config: %+v", before)
	}
	if !before.FundingMintValue().Equal(f.funding) {
		t.Fatalf("funding mint not recorded")
	}
	expected, _, err := f.engine.FindConfigAddress(f.admin)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !before.AddressValue().Equal(expected) {
		t.Fatalf("config stored at %s, derived %s", before.AddressValue(), expected)
	}

	_, err = f.engine.InitializeConfig(f.admin, 5, 100)
	requireKind(t, err, ErrAddressCollision)

	after, err := f.engine.ConfigAt(expected)
	if err != nil {
		t.Fatalf("config at: %v", err)
	}
	if after.LoanAmount != before.LoanAmount || after.FeeBps != before.FeeBps {
		t.Fatalf("failed initialisation changed config: %+v", after)
	}
	if got := f.emitter.types(); len(got) != 1 || got[0] != EventTypeConfigInitialized {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestInitializeConfigValidatesInput(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	other := newTestAddress(0xA2)

	_, err := f.engine.InitializeConfig(other, testPrincipal, MaxFeeBps+1)
	requireKind(t, err, ErrInvalidInput)
	_, err = f.engine.InitializeConfig(other, 0, testFeeBps)
	requireKind(t, err, ErrInvalidInput)
	_, err = f.engine.InitializeConfig(crypto.Address{}, testPrincipal, testFeeBps)
	requireKind(t, err, ErrInvalidInput)

	cfg, err := f.engine.InitializeConfig(other, testPrincipal, MaxFeeBps)
	if err != nil {
		t.Fatalf("fee at the upper bound must be accepted: %v", err)
	}
	if cfg.FeeBps != MaxFeeBps {
		t.Fatalf("unexpected fee: %d", cfg.FeeBps)
	}
	all, err := f.engine.GetAllConfigs()
	if err != nil {
		t.Fatalf("all configs: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected two configs, got %d", len(all))
	}

	_, err = f.engine.GetConfig(newTestAddress(0xA3))
	requireKind(t, err, ErrNotFound)
}

func TestLoanLifecycleScenario(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	loanAddr, _, err := f.engine.FindLoanAddress(f.borrower, f.nft)
	if err != nil {
		t.Fatalf("derive loan: %v", err)
	}
	if st, _ := f.engine.StateOf(f.borrower, f.nft); st != LoanUninitialized {
		t.Fatalf("expected uninitialized, got %s", st)
	}
	escrowBefore := f.escrowBalance(loanAddr)

	loan, err := f.engine.Deposit(f.borrower, f.nft)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !loan.AddressValue().Equal(loanAddr) {
		t.Fatalf("loan stored at %s, derived %s", loan.AddressValue(), loanAddr)
	}
	if loan.State != LoanDeposited || loan.Active() || len(loan.Details) != 0 {
		t.Fatalf("unexpected deposited loan: %+v", loan)
	}
	if loan.Principal != testPrincipal {
		t.Fatalf("principal %d, want %d", loan.Principal, testPrincipal)
	}
	if f.balance(f.borrower, f.nft) != 0 || f.escrowBalance(loanAddr) != escrowBefore+1 {
		t.Fatalf("collateral not escrowed")
	}

	lenderBefore := f.balance(f.lender, f.funding)
	borrowerBefore := f.balance(f.borrower, f.funding)
	loan, err = f.engine.Lend(loanAddr, f.lender)
	if err != nil {
		t.Fatalf("lend: %v", err)
	}
	if loan.State != LoanActive || !loan.Active() {
		t.Fatalf("expected active loan, got %s", loan.State)
	}
	if got := f.balance(f.lender, f.funding); got != lenderBefore-testPrincipal {
		t.Fatalf("lender balance %d, want %d", got, lenderBefore-testPrincipal)
	}
	if got := f.balance(f.borrower, f.funding); got != borrowerBefore+testPrincipal {
		t.Fatalf("borrower balance %d, want %d", got, borrowerBefore+testPrincipal)
	}
	detail, ok := loan.LastDetail()
	if !ok || detail.Status != DetailActive || detail.LoanID != 1 || detail.Amount != testPrincipal {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if !detail.LenderValue().Equal(f.lender) || detail.Timestamp != 1_700_000_000 {
		t.Fatalf("detail lender/timestamp mismatch: %+v", detail)
	}

	lenderBefore = f.balance(f.lender, f.funding)
	borrowerBefore = f.balance(f.borrower, f.funding)
	loan, err = f.engine.Repay(loanAddr, f.borrower)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if got := f.balance(f.borrower, f.funding); got != borrowerBefore-(testPrincipal+testFee) {
		t.Fatalf("repayer balance %d, want %d", got, borrowerBefore-(testPrincipal+testFee))
	}
	if got := f.balance(f.lender, f.funding); got != lenderBefore+1_003_000_000 {
		t.Fatalf("lender balance %d, want %d", got, lenderBefore+1_003_000_000)
	}
	if loan.State != LoanClosed || loan.Active() {
		t.Fatalf("expected closed loan, got %s", loan.State)
	}
	detail, _ = loan.LastDetail()
	if detail.Status != DetailClosed || detail.Fee != testFee || detail.ClosedAt == 0 {
		t.Fatalf("unexpected closed detail: %+v", detail)
	}
	if f.balance(f.borrower, f.nft) != 1 || f.escrowBalance(loanAddr) != escrowBefore {
		t.Fatalf("collateral not returned")
	}

	stored, err := f.engine.GetLoan(loanAddr)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if stored.State != LoanClosed || len(stored.Details) != 1 {
		t.Fatalf("stored loan mismatch: %+v", stored)
	}
	want := []string{EventTypeConfigInitialized, EventTypeLoanDeposited, EventTypeLoanFunded, EventTypeLoanRepaid}
	got := f.emitter.types()
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v, want %v", got, want)
		}
	}
}

func TestDepositWithoutCollateral(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	stranger := newTestAddress(0xD1)

	_, err := f.engine.Deposit(stranger, f.nft)
	requireKind(t, err, ErrInsufficientCollateral)

	loanAddr, _, _ := f.engine.FindLoanAddress(stranger, f.nft)
	_, err = f.engine.GetLoan(loanAddr)
	requireKind(t, err, ErrNotFound)
	if st, _ := f.engine.StateOf(stranger, f.nft); st != LoanUninitialized {
		t.Fatalf("expected uninitialized, got %s", st)
	}
	loans, err := f.engine.GetAllLoans()
	if err != nil {
		t.Fatalf("all loans: %v", err)
	}
	if len(loans) != 0 {
		t.Fatalf("expected no loans, got %d", len(loans))
	}
}

func TestDepositRejectsFungibleAndUnknownMints(t *testing.T) {
	f := newFixture(t, ReopenForbid)

	_, err := f.engine.Deposit(f.borrower, f.funding)
	requireKind(t, err, ErrInvalidInput)

	_, err = f.engine.Deposit(f.borrower, newTestAddress(0x99))
	requireKind(t, err, ErrNotFound)
}

func TestDepositRequiresConfig(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	f.engine.SetAdministrator(newTestAddress(0xA9))
	_, err := f.engine.Deposit(f.borrower, f.nft)
	requireKind(t, err, ErrNotFound)
	if f.balance(f.borrower, f.nft) != 1 {
		t.Fatalf("collateral moved on failed deposit")
	}
}

func TestDepositCollisionWhileLive(t *testing.T) {
	f := newFixture(t, ReopenReset)
	loan, err := f.engine.Deposit(f.borrower, f.nft)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err = f.engine.Deposit(f.borrower, f.nft)
	requireKind(t, err, ErrAddressCollision)

	if _, err := f.engine.Lend(loan.AddressValue(), f.lender); err != nil {
		t.Fatalf("lend: %v", err)
	}
	_, err = f.engine.Deposit(f.borrower, f.nft)
	requireKind(t, err, ErrAddressCollision)
}

func TestTransitionsOutOfOrder(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	loanAddr, _, _ := f.engine.FindLoanAddress(f.borrower, f.nft)

	_, err := f.engine.Lend(loanAddr, f.lender)
	requireKind(t, err, ErrWrongState)
	_, err = f.engine.Repay(loanAddr, f.borrower)
	requireKind(t, err, ErrWrongState)

	if _, err := f.engine.Deposit(f.borrower, f.nft); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	lenderBefore := f.balance(f.lender, f.funding)
	borrowerBefore := f.balance(f.borrower, f.funding)
	_, err = f.engine.Repay(loanAddr, f.borrower)
	requireKind(t, err, ErrWrongState)
	if f.balance(f.lender, f.funding) != lenderBefore || f.balance(f.borrower, f.funding) != borrowerBefore {
		t.Fatalf("balances changed on rejected repay")
	}

	if _, err := f.engine.Lend(loanAddr, f.lender); err != nil {
		t.Fatalf("lend: %v", err)
	}
	_, err = f.engine.Lend(loanAddr, f.lender)
	requireKind(t, err, ErrWrongState)

	if _, err := f.engine.Repay(loanAddr, f.borrower); err != nil {
		t.Fatalf("repay: %v", err)
	}
	_, err = f.engine.Repay(loanAddr, f.borrower)
	requireKind(t, err, ErrWrongState)
	_, err = f.engine.Lend(loanAddr, f.lender)
	requireKind(t, err, ErrWrongState)
}

func TestLendFailures(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	loan, err := f.engine.Deposit(f.borrower, f.nft)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	poor := newTestAddress(0xC2)
	f.mint(f.funding, poor, testPrincipal-1)

	_, err = f.engine.Lend(loan.AddressValue(), poor)
	requireKind(t, err, ErrInsufficientFunds)
	_, err = f.engine.Lend(loan.AddressValue(), f.borrower)
	requireKind(t, err, ErrInvalidInput)

	stored, err := f.engine.GetLoan(loan.AddressValue())
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if stored.State != LoanDeposited || len(stored.Details) != 0 {
		t.Fatalf("failed lend mutated loan: %+v", stored)
	}
	if f.balance(poor, f.funding) != testPrincipal-1 {
		t.Fatalf("failed lend moved funds")
	}
}

func TestRepayFailures(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	loan, err := f.engine.Deposit(f.borrower, f.nft)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	loanAddr := loan.AddressValue()
	if _, err := f.engine.Lend(loanAddr, f.lender); err != nil {
		t.Fatalf("lend: %v", err)
	}

	_, err = f.engine.Repay(loanAddr, f.lender)
	requireKind(t, err, ErrUnauthorized)

	// Leave the borrower one unit short of principal plus fee.
	sink := newTestAddress(0xD2)
	spend := f.balance(f.borrower, f.funding) - (testPrincipal + testFee - 1)
	if err := f.ledger.Transfer(f.funding, custody.Signed(f.borrower), sink, spend); err != nil {
		t.Fatalf("drain borrower: %v", err)
	}
	lenderBefore := f.balance(f.lender, f.funding)
	_, err = f.engine.Repay(loanAddr, f.borrower)
	requireKind(t, err, ErrInsufficientFunds)

	stored, err := f.engine.GetLoan(loanAddr)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if stored.State != LoanActive {
		t.Fatalf("failed repay changed state to %s", stored.State)
	}
	if f.balance(f.lender, f.funding) != lenderBefore || f.escrowBalance(loanAddr) != 1 {
		t.Fatalf("failed repay moved assets")
	}
}

func TestReopenForbidRequiresArchive(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	closed := f.runCycle()
	loanAddr := closed.AddressValue()

	_, err := f.engine.Deposit(f.borrower, f.nft)
	requireKind(t, err, ErrAddressCollision)

	_, err = f.engine.Archive(loanAddr, f.lender)
	requireKind(t, err, ErrUnauthorized)
	if _, err := f.engine.Archive(loanAddr, f.borrower); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err = f.engine.GetLoan(loanAddr)
	requireKind(t, err, ErrNotFound)

	reopened, err := f.engine.Deposit(f.borrower, f.nft)
	if err != nil {
		t.Fatalf("deposit after archive: %v", err)
	}
	if !reopened.AddressValue().Equal(loanAddr) || len(reopened.Details) != 0 || reopened.Cycles != 0 {
		t.Fatalf("unexpected reopened loan: %+v", reopened)
	}
	loans, err := f.engine.GetAllLoans()
	if err != nil {
		t.Fatalf("all loans: %v", err)
	}
	if len(loans) != 1 {
		t.Fatalf("expected one indexed loan, got %d", len(loans))
	}
}

func TestArchiveRequiresClosedLoan(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	loan, err := f.engine.Deposit(f.borrower, f.nft)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err = f.engine.Archive(loan.AddressValue(), f.borrower)
	requireKind(t, err, ErrWrongState)
}

func TestReopenResetReusesRecord(t *testing.T) {
	f := newFixture(t, ReopenReset)
	closed := f.runCycle()

	reopened, err := f.engine.Deposit(f.borrower, f.nft)
	if err != nil {
		t.Fatalf("deposit after close: %v", err)
	}
	if !reopened.AddressValue().Equal(closed.AddressValue()) {
		t.Fatalf("reset moved the loan")
	}
	if reopened.State != LoanDeposited || len(reopened.Details) != 0 {
		t.Fatalf("reset did not clear history: %+v", reopened)
	}
	loan, err := f.engine.Lend(reopened.AddressValue(), f.lender)
	if err != nil {
		t.Fatalf("lend: %v", err)
	}
	detail, _ := loan.LastDetail()
	if detail.LoanID != 2 {
		t.Fatalf("cycle id %d, want 2", detail.LoanID)
	}
	loans, err := f.engine.GetAllLoans()
	if err != nil {
		t.Fatalf("all loans: %v", err)
	}
	if len(loans) != 1 {
		t.Fatalf("reset duplicated the index: %d", len(loans))
	}
	last := f.emitter.events[len(f.emitter.events)-2]
	payload := last.(pawnEvent).Event()
	if payload.Type != EventTypeLoanDeposited || payload.Attributes["reopened"] != "true" {
		t.Fatalf("reopen not flagged: %+v", payload)
	}
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	f := newFixture(t, ReopenForbid)
	pauses := nativecommon.NewPauses(map[string]bool{"pawn": true})
	f.engine.SetPauses(pauses)

	if _, err := f.engine.Deposit(f.borrower, f.nft); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if _, err := f.engine.GetConfig(f.admin); err != nil {
		t.Fatalf("reads must work while paused: %v", err)
	}
	pauses.Set("pawn", false)
	if _, err := f.engine.Deposit(f.borrower, f.nft); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestEngineWithoutState(t *testing.T) {
	e := NewEngine(derive.New(newTestAddress(0xEE)))
	if _, err := e.Deposit(newTestAddress(1), newTestAddress(2)); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
	if _, err := e.GetAllLoans(); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
}

func TestParseReopenPolicy(t *testing.T) {
	cases := map[string]ReopenPolicy{"": ReopenForbid, "forbid": ReopenForbid, "RESET": ReopenReset}
	for raw, want := range cases {
		got, err := ParseReopenPolicy(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %s (%v), want %s", raw, got, err, want)
		}
	}
	if _, err := ParseReopenPolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
