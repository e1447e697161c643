package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftpawn/crypto"

	"github.com/BurntSushi/toml"
)

const defaultNetworkName = "pawn-local"

type Config struct {
	DataDir           string `toml:"DataDir"`
	GenesisFile       string `toml:"GenesisFile"`
	NetworkName       string `toml:"NetworkName"`
	ProgramID         string `toml:"ProgramID,omitempty"`
	AdminKeystorePath string `toml:"AdminKeystorePath"`
	ServiceConfig     string `toml:"ServiceConfig,omitempty"`

	Pawn   Pawn   `toml:"pawn"`
	Pauses Pauses `toml:"pauses"`
	Log    Log    `toml:"log"`
}

// Pawn configures the lending engine.
type Pawn struct {
	Administrator string `toml:"Administrator"`
	FundingMint   string `toml:"FundingMint,omitempty"`
	ReopenPolicy  string `toml:"ReopenPolicy"`
}

// Pauses lists module switches applied at boot.
type Pauses struct {
	Pawn bool `toml:"Pawn"`
}

// Modules returns the pause switches keyed by module name.
func (p Pauses) Modules() map[string]bool {
	return map[string]bool{"pawn": p.Pawn}
}

// Log configures structured logging and optional file rotation.
type Log struct {
	Level       string `toml:"Level"`
	Environment string `toml:"Environment"`
	File        string `toml:"File,omitempty"`
	MaxSizeMB   int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups  int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays  int    `toml:"MaxAgeDays,omitempty"`
}

// Load loads the configuration from the given path, creating a default file
// and administrator keystore when the path does not exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = defaultNetworkName
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./pawn-data"
	}
	if strings.TrimSpace(cfg.Pawn.ReopenPolicy) == "" {
		cfg.Pawn.ReopenPolicy = "forbid"
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.Environment) == "" {
		cfg.Log.Environment = "dev"
	}
}

// createDefault creates and saves a default configuration file together with
// a fresh administrator key.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:           "./pawn-data",
		NetworkName:       defaultNetworkName,
		AdminKeystorePath: keystorePath,
		Pawn: Pawn{
			Administrator: key.PubKey().Address().String(),
			ReopenPolicy:  "forbid",
		},
		Log: Log{Level: "info", Environment: "dev"},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "admin.keystore")
}

// ProgramAddress returns the configured program identifier. Without an
// explicit ProgramID it is keccak256("nftpawn/" + NetworkName) truncated to
// an address, so every node on a network agrees on it.
func (c *Config) ProgramAddress() (crypto.Address, error) {
	if id := strings.TrimSpace(c.ProgramID); id != "" {
		return crypto.DecodeAddress(id)
	}
	digest := ethcrypto.Keccak256([]byte("nftpawn/" + c.NetworkName))
	return crypto.NewAddress(crypto.PawnPrefix, digest[len(digest)-crypto.AddressLength:]), nil
}

// AdministratorAddress decodes the administrator whose terms govern deposits.
func (c *Config) AdministratorAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(c.Pawn.Administrator))
}

// FundingMintAddress decodes the funding mint override. The boolean is false
// when no override is configured.
func (c *Config) FundingMintAddress() (crypto.Address, bool, error) {
	raw := strings.TrimSpace(c.Pawn.FundingMint)
	if raw == "" {
		return crypto.Address{}, false, nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, false, err
	}
	return addr, true, nil
}
