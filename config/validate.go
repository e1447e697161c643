package config

import (
	"fmt"
	"strings"

	"nftpawn/native/pawn"
)

var validLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// Validate checks a decoded configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(cfg.Pawn.Administrator) == "" {
		return fmt.Errorf("pawn: Administrator required")
	}
	if _, err := cfg.AdministratorAddress(); err != nil {
		return fmt.Errorf("pawn: Administrator: %w", err)
	}
	if _, _, err := cfg.FundingMintAddress(); err != nil {
		return fmt.Errorf("pawn: FundingMint: %w", err)
	}
	if _, err := pawn.ParseReopenPolicy(cfg.Pawn.ReopenPolicy); err != nil {
		return fmt.Errorf("pawn: ReopenPolicy: %w", err)
	}
	if _, err := cfg.ProgramAddress(); err != nil {
		return fmt.Errorf("ProgramID: %w", err)
	}
	if _, ok := validLogLevels[strings.ToLower(cfg.Log.Level)]; !ok {
		return fmt.Errorf("log: unknown Level %q", cfg.Log.Level)
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log: rotation limits must not be negative")
	}
	return nil
}
