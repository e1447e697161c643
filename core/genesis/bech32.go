package genesis

import (
	"fmt"
	"strings"

	"nftpawn/crypto"
)

// parseAccount decodes a bech32 account, accepting only the pawn prefix.
func parseAccount(addr string) (crypto.Address, error) {
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(addr))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("decode account: %w", err)
	}
	if decoded.Prefix() != crypto.PawnPrefix {
		return crypto.Address{}, fmt.Errorf("decode account: unsupported prefix %q", decoded.Prefix())
	}
	if decoded.IsZero() {
		return crypto.Address{}, fmt.Errorf("decode account: zero address")
	}
	return decoded, nil
}
