package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const defaultServer = "http://localhost:8645"

var serverURL = defaultServerURL()

func defaultServerURL() string {
	if v := strings.TrimSpace(os.Getenv("PAWN_SERVER")); v != "" {
		return v
	}
	return defaultServer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "derive":
		return runDerive(args[1:], stdout, stderr)
	case "config":
		return runConfigCommand(args[1:], stdout, stderr)
	case "deposit":
		return runDeposit(args[1:], stdout, stderr)
	case "lend", "repay", "archive":
		return runLoanAction(args[0], args[1:], stdout, stderr)
	case "loan":
		return runLoan(args[1:], stdout, stderr)
	case "loans":
		return runLoans(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--server" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --server")
			}
			serverURL = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--server=") {
			serverURL = strings.TrimPrefix(arg, "--server=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pawn-cli [--server URL] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Signing commands read the keystore passphrase from PAWN_PASSPHRASE or prompt for it.")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen --out <path>                          - Create a new encrypted keystore")
	fmt.Fprintln(w, "  address --keystore <path>                    - Print the keystore's address")
	fmt.Fprintln(w, "  derive --tag <tag> --seed <addr>...          - Recompute a program address")
	fmt.Fprintln(w, "  config init|get                              - Administrator lending terms")
	fmt.Fprintln(w, "  deposit --keystore <path> --mint <addr>      - Escrow an NFT as collateral")
	fmt.Fprintln(w, "  lend|repay|archive --keystore <path> --loan <addr>")
	fmt.Fprintln(w, "  loan --address <addr>                        - Show one loan")
	fmt.Fprintln(w, "  loans [--borrower <addr>] [--state <state>]  - List loans")
	fmt.Fprintln(w, "  balance --owner <addr> --mint <addr>         - Show a custody balance")
}
