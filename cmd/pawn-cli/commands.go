package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"nftpawn/cmd/internal/passphrase"
	"nftpawn/crypto"
	"nftpawn/services/pawnd/client"
)

const (
	passphraseEnv  = "PAWN_PASSPHRASE"
	requestTimeout = 30 * time.Second
)

var (
	keystoreStrength = crypto.StandardKeystore
	newPassphrase    = func(label string) *passphrase.Source { return passphrase.NewSource(passphraseEnv, label) }
)

// addressList collects repeated address flags.
type addressList []crypto.Address

func (l *addressList) String() string {
	parts := make([]string, len(*l))
	for i, a := range *l {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

func (l *addressList) Set(raw string) error {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	*l = append(*l, addr)
	return nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}

func printCallError(stderr io.Writer, err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(stderr, "Error: %s (HTTP %d): %s\n", apiErr.Code, apiErr.Status, apiErr.Message)
		return 1
	}
	return printError(stderr, err.Error())
}

func writeJSON(stdout io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode output: %v\n", err)
		return 1
	}
	return 0
}

func parseAddress(flagName, raw string) (crypto.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return crypto.Address{}, fmt.Errorf("--%s is required", flagName)
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("--%s: %v", flagName, err)
	}
	return addr, nil
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("--keystore is required")
	}
	pass, err := newPassphrase("signing keystore").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return key, nil
}

func newClient(key *crypto.PrivateKey) (*client.Client, error) {
	var opts []client.Option
	if key != nil {
		opts = append(opts, client.WithSigner(key))
	}
	return client.New(serverURL, opts...)
}

func callOptions(idemKey string) []client.CallOption {
	if strings.TrimSpace(idemKey) == "" {
		idemKey = uuid.NewString()
	}
	return []client.CallOption{client.WithIdempotencyKey(idemKey)}
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "keystore file to create")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := os.Stat(*out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", *out))
	}
	pass, err := newPassphrase("new keystore").Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystoreWithStrength(*out, key, pass, keystoreStrength); err != nil {
		return printError(stderr, err.Error())
	}
	return writeJSON(stdout, map[string]string{"address": key.PubKey().Address().String(), "keystore": *out})
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	path := fs.String("keystore", "", "keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(*path)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runDerive(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("derive", stderr)
	var seeds addressList
	tag := fs.String("tag", "", "address tag (config, loan, escrow, token-account, mint)")
	label := fs.String("label", "", "mint label, for --tag mint")
	fs.Var(&seeds, "seed", "seed address; repeat in order")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*tag) == "" {
		return printError(stderr, "--tag is required")
	}
	c, err := newClient(nil)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	derived, err := c.Derive(ctx, *tag, seeds, *label)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, derived)
}

func runConfigCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return printError(stderr, "config requires a subcommand: init or get")
	}
	switch args[0] {
	case "init":
		return runConfigInit(args[1:], stdout, stderr)
	case "get":
		return runConfigGet(args[1:], stdout, stderr)
	default:
		return printError(stderr, fmt.Sprintf("unknown config subcommand: %s", args[0]))
	}
}

func runConfigInit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("config init", stderr)
	path := fs.String("keystore", "", "administrator keystore")
	amount := fs.Uint64("amount", 0, "loan amount in funding mint base units")
	feeBps := fs.Uint("fee-bps", 0, "repayment fee in basis points")
	idemKey := fs.String("idempotency-key", "", "retry key; generated when empty")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *amount == 0 {
		return printError(stderr, "--amount must be positive")
	}
	if *feeBps > 10_000 {
		return printError(stderr, "--fee-bps must be <= 10000")
	}
	key, err := loadKey(*path)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c, err := newClient(key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	cfg, err := c.InitializeConfig(ctx, *amount, uint32(*feeBps), callOptions(*idemKey)...)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, cfg)
}

func runConfigGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("config get", stderr)
	adminRaw := fs.String("admin", "", "administrator address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	admin, err := parseAddress("admin", *adminRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c, err := newClient(nil)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	cfg, err := c.Config(ctx, admin)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, cfg)
}

func runDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deposit", stderr)
	path := fs.String("keystore", "", "borrower keystore")
	mintRaw := fs.String("mint", "", "NFT mint address")
	idemKey := fs.String("idempotency-key", "", "retry key; generated when empty")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	mint, err := parseAddress("mint", *mintRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadKey(*path)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c, err := newClient(key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	loan, err := c.Deposit(ctx, mint, callOptions(*idemKey)...)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, loan)
}

func runLoanAction(action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(action, stderr)
	path := fs.String("keystore", "", "signing keystore")
	loanRaw := fs.String("loan", "", "loan address")
	idemKey := fs.String("idempotency-key", "", "retry key; generated when empty")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	loanAddr, err := parseAddress("loan", *loanRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadKey(*path)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c, err := newClient(key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	opts := callOptions(*idemKey)
	call := c.Lend
	switch action {
	case "repay":
		call = c.Repay
	case "archive":
		call = c.Archive
	}
	loan, err := call(ctx, loanAddr, opts...)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, loan)
}

func runLoan(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("loan", stderr)
	addrRaw := fs.String("address", "", "loan address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := parseAddress("address", *addrRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c, err := newClient(nil)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	loan, err := c.Loan(ctx, addr)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, loan)
}

func runLoans(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("loans", stderr)
	borrowerRaw := fs.String("borrower", "", "only loans of this borrower")
	stateFilter := fs.String("state", "", "only loans in this state (deposited, active, closed)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var borrower *crypto.Address
	if strings.TrimSpace(*borrowerRaw) != "" {
		addr, err := parseAddress("borrower", *borrowerRaw)
		if err != nil {
			return printError(stderr, err.Error())
		}
		borrower = &addr
	}
	c, err := newClient(nil)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	loans, err := c.Loans(ctx, borrower, *stateFilter)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, loans)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	ownerRaw := fs.String("owner", "", "account owner")
	mintRaw := fs.String("mint", "", "mint address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	owner, err := parseAddress("owner", *ownerRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	mint, err := parseAddress("mint", *mintRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c, err := newClient(nil)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	amount, err := c.Balance(ctx, owner, mint)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, map[string]any{"owner": owner.String(), "mint": mint.String(), "amount": amount})
}
