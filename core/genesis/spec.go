package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"nftpawn/crypto"
	"nftpawn/native/pawn"
)

// maxDecimals bounds mint precision so amounts stay readable in uint64.
const maxDecimals = 18

// GenesisSpec seeds an empty database with mints, balances and, optionally,
// administrator configs.
type GenesisSpec struct {
	GenesisTime string                       `json:"genesisTime,omitempty"`
	Mints       []MintSpec                   `json:"mints"`
	Alloc       map[string]map[string]uint64 `json:"alloc"` // owner -> mint label -> amount
	FundingMint string                       `json:"fundingMint,omitempty"`
	Configs     []ConfigSpec                 `json:"configs,omitempty"`

	genesisTimestamp time.Time
	digest           [32]byte
}

// MintSpec describes one token class. MaxSupply of zero is uncapped; an NFT is
// decimals 0 with maxSupply 1.
type MintSpec struct {
	Label     string `json:"label"`
	Authority string `json:"authority"`
	Decimals  uint8  `json:"decimals"`
	MaxSupply uint64 `json:"maxSupply"`

	authority crypto.Address
}

// ConfigSpec pre-initialises an administrator's lending terms.
type ConfigSpec struct {
	Admin      string `json:"admin"`
	LoanAmount uint64 `json:"loanAmount"`
	FeeBps     uint32 `json:"feeBps"`

	admin crypto.Address
}

// LoadGenesisSpec reads and validates the JSON genesis file at path.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates raw JSON. Unknown fields are rejected.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	spec.digest = blake3.Sum256(raw)
	return &spec, nil
}

// GenesisTimestamp returns the parsed genesisTime, or the zero time.
func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Digest is the blake3 hash of the source document.
func (s *GenesisSpec) Digest() [32]byte { return s.digest }

func (s *GenesisSpec) mint(label string) (*MintSpec, bool) {
	for i := range s.Mints {
		if s.Mints[i].Label == label {
			return &s.Mints[i], true
		}
	}
	return nil, false
}

func (s *GenesisSpec) validate() error {
	if raw := strings.TrimSpace(s.GenesisTime); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("genesisTime: %w", err)
		}
		s.genesisTimestamp = ts.UTC()
	}
	if len(s.Mints) == 0 {
		return fmt.Errorf("at least one mint required")
	}
	seen := make(map[string]struct{}, len(s.Mints))
	for i := range s.Mints {
		m := &s.Mints[i]
		m.Label = strings.TrimSpace(m.Label)
		if m.Label == "" {
			return fmt.Errorf("mints[%d]: label required", i)
		}
		if _, dup := seen[m.Label]; dup {
			return fmt.Errorf("mints[%d]: duplicate label %q", i, m.Label)
		}
		seen[m.Label] = struct{}{}
		if m.Decimals > maxDecimals {
			return fmt.Errorf("mint %q: decimals %d exceed %d", m.Label, m.Decimals, maxDecimals)
		}
		authority, err := parseAccount(m.Authority)
		if err != nil {
			return fmt.Errorf("mint %q authority: %w", m.Label, err)
		}
		m.authority = authority
	}

	owners := make([]string, 0, len(s.Alloc))
	for owner := range s.Alloc {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	supply := make(map[string]uint64)
	for _, owner := range owners {
		if _, err := parseAccount(owner); err != nil {
			return fmt.Errorf("alloc %q: %w", owner, err)
		}
		for label, amount := range s.Alloc[owner] {
			m, ok := s.mint(label)
			if !ok {
				return fmt.Errorf("alloc %q: unknown mint %q", owner, label)
			}
			if amount == 0 {
				return fmt.Errorf("alloc %q: zero amount of %q", owner, label)
			}
			next := supply[label] + amount
			if next < amount || (m.MaxSupply > 0 && next > m.MaxSupply) {
				return fmt.Errorf("alloc of %q exceeds max supply %d", label, m.MaxSupply)
			}
			supply[label] = next
		}
	}

	s.FundingMint = strings.TrimSpace(s.FundingMint)
	if s.FundingMint != "" {
		if _, ok := s.mint(s.FundingMint); !ok {
			return fmt.Errorf("fundingMint %q is not a declared mint", s.FundingMint)
		}
	}
	if len(s.Configs) > 0 && s.FundingMint == "" {
		return fmt.Errorf("configs require fundingMint")
	}
	admins := make(map[string]struct{}, len(s.Configs))
	for i := range s.Configs {
		c := &s.Configs[i]
		admin, err := parseAccount(c.Admin)
		if err != nil {
			return fmt.Errorf("configs[%d] admin: %w", i, err)
		}
		if _, dup := admins[admin.String()]; dup {
			return fmt.Errorf("configs[%d]: duplicate admin %s", i, admin)
		}
		admins[admin.String()] = struct{}{}
		if c.LoanAmount == 0 {
			return fmt.Errorf("configs[%d]: loanAmount must be positive", i)
		}
		if c.FeeBps > pawn.MaxFeeBps {
			return fmt.Errorf("configs[%d]: feeBps %d exceeds %d", i, c.FeeBps, pawn.MaxFeeBps)
		}
		c.admin = admin
	}
	return nil
}
