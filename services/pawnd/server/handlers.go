package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"nftpawn/crypto"
	"nftpawn/gateway/middleware"
	"nftpawn/native/custody"
	"nftpawn/native/pawn"
)

const maxRequestBody = 64 << 10

// InitializeConfigRequest is the body of POST /v1/configs.
type InitializeConfigRequest struct {
	LoanAmount uint64 `json:"loanAmount"`
	FeeBps     uint32 `json:"feeBps"`
}

// DepositRequest is the body of POST /v1/loans.
type DepositRequest struct {
	Mint string `json:"mint"`
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func pathAddress(r *http.Request, name string) (crypto.Address, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", name, err)
	}
	return addr, nil
}

func caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: "signed request required"})
		return crypto.Address{}, false
	}
	return addr, true
}

func (s *Server) loanView(loan *pawn.Loan) LoanView {
	var escrow crypto.Address
	if capability, err := s.engine.FindEscrowAuthority(loan.AddressValue()); err == nil {
		escrow = capability.Address
	}
	return newLoanView(loan, escrow)
}

func (s *Server) handleInitializeConfig(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req InitializeConfigRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var cfg *pawn.Config
	err := s.observe(r.Context(), "initialize_config", []attribute.KeyValue{
		attribute.String("admin", admin.String()),
	}, func() error {
		var err error
		cfg, err = s.engine.InitializeConfig(admin, req.LoanAmount, req.FeeBps)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newConfigView(cfg))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	borrower, ok := caller(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	mint, err := crypto.DecodeAddress(strings.TrimSpace(req.Mint))
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("mint: %v", err))
		return
	}
	var loan *pawn.Loan
	err = s.observe(r.Context(), "deposit", []attribute.KeyValue{
		attribute.String("borrower", borrower.String()),
		attribute.String("mint", mint.String()),
	}, func() error {
		var err error
		loan, err = s.engine.Deposit(borrower, mint)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.loanView(loan))
}

type loanMutation func(loanAddr, callerAddr crypto.Address) (*pawn.Loan, error)

func (s *Server) mutateLoan(w http.ResponseWriter, r *http.Request, op string, fn loanMutation) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	loanAddr, err := pathAddress(r, "loan")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var loan *pawn.Loan
	err = s.observe(r.Context(), op, []attribute.KeyValue{
		attribute.String("loan", loanAddr.String()),
		attribute.String("caller", who.String()),
	}, func() error {
		var err error
		loan, err = fn(loanAddr, who)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	switch op {
	case "lend":
		s.metrics.AddVolume(op, loan.Principal)
	case "repay":
		if detail, ok := loan.LastDetail(); ok {
			s.metrics.AddVolume(op, detail.Amount+detail.Fee)
		}
	}
	writeJSON(w, http.StatusOK, s.loanView(loan))
}

func (s *Server) handleLend(w http.ResponseWriter, r *http.Request) {
	s.mutateLoan(w, r, "lend", s.engine.Lend)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	s.mutateLoan(w, r, "repay", s.engine.Repay)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.mutateLoan(w, r, "archive", s.engine.Archive)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	admin, err := pathAddress(r, "admin")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cfg, err := s.engine.GetConfig(admin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newConfigView(cfg))
}

func (s *Server) handleConfigAt(w http.ResponseWriter, r *http.Request) {
	cfgAddr, err := pathAddress(r, "address")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cfg, err := s.engine.ConfigAt(cfgAddr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newConfigView(cfg))
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.engine.GetAllConfigs()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ConfigView, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, newConfigView(cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanAddr, err := pathAddress(r, "loan")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	loan, err := s.engine.GetLoan(loanAddr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loanView(loan))
}

// handleListLoans returns every loan, optionally filtered by ?borrower= and
// ?state=.
func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var borrower crypto.Address
	if raw := strings.TrimSpace(query.Get("borrower")); raw != "" {
		decoded, err := crypto.DecodeAddress(raw)
		if err != nil {
			writeBadRequest(w, fmt.Sprintf("borrower: %v", err))
			return
		}
		borrower = decoded
	}
	stateFilter := strings.ToLower(strings.TrimSpace(query.Get("state")))

	loans, err := s.engine.GetAllLoans()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]LoanView, 0, len(loans))
	for _, loan := range loans {
		if len(borrower.Bytes()) > 0 && !loan.BorrowerValue().Equal(borrower) {
			continue
		}
		if stateFilter != "" && loan.State.String() != stateFilter {
			continue
		}
		out = append(out, s.loanView(loan))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLoanState(w http.ResponseWriter, r *http.Request) {
	borrower, err := pathAddress(r, "borrower")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	mint, err := pathAddress(r, "mint")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	loanAddr, _, err := s.engine.FindLoanAddress(borrower, mint)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.engine.StateOf(borrower, mint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"loan":  loanAddr.String(),
		"state": st.String(),
	})
}

// handleDerive recomputes a program address. Address seeds are passed as
// repeated ?seed= parameters; the mint tag also takes ?label=.
func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	tag := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "tag")))
	rawSeeds := r.URL.Query()["seed"]
	seeds := make([]crypto.Address, 0, len(rawSeeds))
	for _, raw := range rawSeeds {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			writeBadRequest(w, fmt.Sprintf("seed %q: %v", raw, err))
			return
		}
		seeds = append(seeds, addr)
	}
	want := map[string]int{
		pawn.TagConfig:  1,
		pawn.TagLoan:    2,
		pawn.TagEscrow:  1,
		"token-account": 2,
		"mint":          1,
	}
	n, known := want[tag]
	if !known {
		writeBadRequest(w, fmt.Sprintf("unknown tag %q", tag))
		return
	}
	if len(seeds) != n {
		writeBadRequest(w, fmt.Sprintf("tag %q takes %d address seed(s), got %d", tag, n, len(seeds)))
		return
	}

	var (
		derived crypto.Address
		bump    uint8
		err     error
	)
	ledger := s.engine.Custody()
	switch tag {
	case pawn.TagConfig:
		derived, bump, err = s.engine.FindConfigAddress(seeds[0])
	case pawn.TagLoan:
		derived, bump, err = s.engine.FindLoanAddress(seeds[0], seeds[1])
	case pawn.TagEscrow:
		capability, cerr := s.engine.FindEscrowAuthority(seeds[0])
		derived, bump, err = capability.Address, capability.Bump, cerr
	case "token-account":
		derived, bump, err = ledger.AccountAddress(seeds[0], seeds[1])
	case "mint":
		label := strings.TrimSpace(r.URL.Query().Get("label"))
		if label == "" {
			writeBadRequest(w, "mint derivation requires label")
			return
		}
		derived, bump, err = ledger.MintAddress(seeds[0], label)
	}
	if err != nil {
		if pawn.KindOf(err) == nil {
			writeBadRequest(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	view := DerivedView{Tag: tag, Address: derived.String(), Bump: bump, Seeds: make([]string, 0, len(seeds))}
	for _, seed := range seeds {
		view.Seeds = append(view.Seeds, seed.String())
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	mint, err := pathAddress(r, "mint")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	amount, err := s.engine.Custody().BalanceOf(owner, mint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceView{Owner: owner.String(), Mint: mint.String(), Amount: amount})
}

// MintView is the JSON form of a custody mint.
type MintView struct {
	Address     string `json:"address"`
	Authority   string `json:"authority"`
	Label       string `json:"label"`
	Decimals    uint8  `json:"decimals"`
	MaxSupply   uint64 `json:"maxSupply"`
	Supply      uint64 `json:"supply"`
	NonFungible bool   `json:"nonFungible"`
}

func newMintView(m *custody.Mint) MintView {
	return MintView{
		Address:     m.AddressValue().String(),
		Authority:   m.AuthorityValue().String(),
		Label:       m.Label,
		Decimals:    m.Decimals,
		MaxSupply:   m.MaxSupply,
		Supply:      m.Supply,
		NonFungible: m.NonFungible(),
	}
}

func (s *Server) handleListMints(w http.ResponseWriter, r *http.Request) {
	mints, err := s.engine.Custody().Mints()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]MintView, 0, len(mints))
	for _, m := range mints {
		out = append(out, newMintView(m))
	}
	writeJSON(w, http.StatusOK, out)
}
